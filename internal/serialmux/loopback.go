package serialmux

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Loopback is an in-memory serial instrument speaking a SCPI-like line
// protocol. "NAME value" stores value under NAME, "NAME?" replies with the
// stored value, "*IDN?" replies with the identity string and "*RST" clears
// every stored value. It backs the daemon's development mode.
type Loopback struct {
	idn string

	mu      sync.Mutex
	values  map[string]float64
	written []string
	closed  bool

	r       *io.PipeReader
	w       *io.PipeWriter
	replies chan string
	done    chan struct{}
}

// NewLoopback returns a running loopback instrument.
func NewLoopback(idn string) *Loopback {
	r, w := io.Pipe()
	l := &Loopback{
		idn:     idn,
		values:  make(map[string]float64),
		r:       r,
		w:       w,
		replies: make(chan string, 64),
		done:    make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *Loopback) pump() {
	for {
		select {
		case line := <-l.replies:
			if _, err := io.WriteString(l.w, line+"\n"); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *Loopback) Read(p []byte) (int, error) { return l.r.Read(p) }

func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	var out []string
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.written = append(l.written, line)
		if reply, ok := l.handleLocked(line); ok {
			out = append(out, reply)
		}
	}
	l.mu.Unlock()

	for _, reply := range out {
		select {
		case l.replies <- reply:
		case <-l.done:
			return 0, ErrClosed
		}
	}
	return len(p), nil
}

func (l *Loopback) handleLocked(line string) (string, bool) {
	if strings.HasSuffix(line, "?") {
		name := strings.ToUpper(strings.TrimSuffix(line, "?"))
		if name == "*IDN" {
			return l.idn, true
		}
		v, ok := l.values[name]
		if !ok {
			return fmt.Sprintf("ERR undefined header %s", name), true
		}
		return FormatValue(v), true
	}
	if strings.EqualFold(line, "*RST") {
		clear(l.values)
		return "", false
	}
	name, arg, ok := strings.Cut(line, " ")
	if !ok {
		return "", false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return "", false
	}
	l.values[strings.ToUpper(name)] = v
	return "", false
}

// Store sets a value as if the front panel had changed it.
func (l *Loopback) Store(name string, v float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[strings.ToUpper(name)] = v
}

// Value returns the stored value for name.
func (l *Loopback) Value(name string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[strings.ToUpper(name)]
	return v, ok
}

// Written returns every command line received so far.
func (l *Loopback) Written() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.written...)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	return l.w.Close()
}
