package sweep

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
)

var errDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs posted closures one at a time, in post order, on its own
// goroutine. Sweep workers never call handlers directly; they post here.
// The inbox is unbounded so Post never blocks a worker.
type Dispatcher struct {
	mu     sync.Mutex
	inbox  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewDispatcher starts a dispatcher goroutine. Close stops it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Post queues fn. It returns false once the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.inbox = append(d.inbox, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until everything posted before the call has run.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !d.Post(func() { close(ch) }) {
		return errDispatcherClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the inbox and stops the goroutine. It must not be called
// from a posted closure.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.inbox
		d.inbox = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.call(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logf("[dispatch] handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}
