package instrument

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/sweeper/internal/serialmux"
)

// Querier is the part of a serial mux a Serial parameter needs.
type Querier interface {
	SendCommand(command string) error
	Query(ctx context.Context, command string) (string, error)
}

// Serial is a parameter of a line-protocol instrument. Set writes
// "<SetCommand> <value>"; Get sends Query and parses the one-line reply. A
// parameter without SetCommand is read-only.
type Serial struct {
	name       string
	unit       string
	mux        Querier
	setCommand string
	query      string

	min, max float64
	bounded  bool
}

// NewSerial returns a parameter talking through mux.
func NewSerial(name, unit string, mux Querier, setCommand, query string) *Serial {
	return &Serial{
		name:       name,
		unit:       unit,
		mux:        mux,
		setCommand: strings.TrimSpace(setCommand),
		query:      strings.TrimSpace(query),
	}
}

func (s *Serial) Name() string { return s.name }
func (s *Serial) Unit() string { return s.unit }

// SetBounds limits the values Set accepts. The engine validates sweep
// ranges against them before anything is written to the instrument.
func (s *Serial) SetBounds(min, max float64) {
	s.min, s.max, s.bounded = min, max, true
}

func (s *Serial) Bounds() (float64, float64, bool) { return s.min, s.max, s.bounded }

func (s *Serial) Get(ctx context.Context) (float64, error) {
	if s.query == "" {
		return 0, fmt.Errorf("get %s: no query command configured", s.name)
	}
	reply, err := s.mux.Query(ctx, s.query)
	if err != nil {
		return 0, err
	}
	return serialmux.ParseReading(reply)
}

func (s *Serial) Set(ctx context.Context, v float64) error {
	if s.setCommand == "" {
		return fmt.Errorf("set %s: parameter is read-only", s.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.bounded && (v < s.min || v > s.max) {
		return fmt.Errorf("set %s: %g outside [%g, %g]", s.name, v, s.min, s.max)
	}
	return s.mux.SendCommand(s.setCommand + " " + serialmux.FormatValue(v))
}
