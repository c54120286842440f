package serialmux

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseReading extracts the numeric value from an instrument reply. Replies
// carrying several comma separated fields (voltage, current, status) yield
// the first one. A header echo such as "VOLT +1.5E+0" is skipped.
func ParseReading(reply string) (float64, error) {
	field := strings.TrimSpace(reply)
	if i := strings.IndexByte(field, ','); i >= 0 {
		field = strings.TrimSpace(field[:i])
	}
	if i := strings.LastIndexByte(field, ' '); i >= 0 {
		field = field[i+1:]
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reading %q: %w", reply, err)
	}
	return v, nil
}

// FormatValue renders v the way SCPI instruments accept numbers.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'E', -1, 64)
}
