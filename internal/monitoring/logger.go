// Package monitoring routes the bracket-prefixed diagnostic log lines of
// every sweeper package ("[sweep] ...", "[queue] ...") through one
// replaceable logger.
package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

type logFunc func(format string, v ...interface{})

var current atomic.Pointer[logFunc]

func init() { SetLogger(log.Printf) }

// Logf writes one diagnostic line. It is safe to call while another
// goroutine swaps the logger.
func Logf(format string, v ...interface{}) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the logger. nil mutes logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}

// Recorder keeps formatted log lines in memory.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Record installs a Recorder as the logger. restore puts the previous
// logger back.
func Record() (rec *Recorder, restore func()) {
	prev := current.Load()
	rec = &Recorder{}
	SetLogger(rec.logf)
	return rec, func() { current.Store(prev) }
}

func (r *Recorder) logf(format string, v ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

// Lines returns the recorded lines in order.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Contains reports whether any recorded line contains substr.
func (r *Recorder) Contains(substr string) bool {
	for _, l := range r.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
