package sweep

import (
	"sync"
	"weak"
)

// Guard is the registry of started sweeps. Entries are weak: a sweep that
// finished normally and is no longer referenced is reclaimed. Sweeps in
// StateError are additionally held strongly until killed or cleared so they
// stay around for inspection.
type Guard struct {
	mu   sync.Mutex
	live map[weak.Pointer[core]]struct{}
	held map[*core]struct{}
}

// NewGuard returns an empty registry.
func NewGuard() *Guard {
	return &Guard{
		live: make(map[weak.Pointer[core]]struct{}),
		held: make(map[*core]struct{}),
	}
}

// admit registers c and moves it to next unless an unrelated sweep is
// active. Queued sweeps skip the check since the queue already serializes
// them. The check and the transition happen under one lock so two
// concurrent starts cannot both pass; observers hear of the transition
// after the lock is released.
func (g *Guard) admit(c *core, next State) error {
	g.mu.Lock()
	key := weak.Make(c)
	g.live[key] = struct{}{}
	if !c.queued() {
		if other := g.otherActiveLocked(c); other != nil {
			delete(g.live, key)
			g.mu.Unlock()
			return &ConcurrencyError{Blocking: other.id, BlockingKind: other.kind}
		}
	}
	c.mu.Lock()
	c.progress.State = next
	c.mu.Unlock()
	g.mu.Unlock()

	c.e.notify(c.id, c.kind, next)
	return nil
}

func (g *Guard) deregister(c *core) {
	g.mu.Lock()
	delete(g.live, weak.Make(c))
	g.mu.Unlock()
}

func (g *Guard) hold(c *core) {
	g.mu.Lock()
	g.held[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Guard) release(c *core) {
	g.mu.Lock()
	delete(g.held, c)
	g.mu.Unlock()
}

// IsRelated reports whether a and b are the same sweep or one is an
// ancestor of the other.
func (g *Guard) IsRelated(a, b Sweep) bool {
	if a == nil || b == nil {
		return false
	}
	return isRelated(a.base(), b.base())
}

// HasOtherActive reports whether a sweep other than s, and unrelated to it,
// is running or ramping outside a queue.
func (g *Guard) HasOtherActive(s Sweep) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.otherActiveLocked(s.base()) != nil
}

// Registered returns the live registered sweeps.
func (g *Guard) Registered() []Sweep {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Sweep, 0, len(g.live))
	for k := range g.live {
		if c := k.Value(); c != nil {
			out = append(out, c.self)
		} else {
			delete(g.live, k)
		}
	}
	return out
}

// Held returns the sweeps kept alive because they errored.
func (g *Guard) Held() []Sweep {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Sweep, 0, len(g.held))
	for c := range g.held {
		out = append(out, c.self)
	}
	return out
}

func (g *Guard) isHeld(c *core) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[c]
	return ok
}

func (g *Guard) isRegistered(c *core) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.live[weak.Make(c)]
	return ok
}

func (g *Guard) otherActiveLocked(c *core) *core {
	for k := range g.live {
		o := k.Value()
		if o == nil {
			delete(g.live, k)
			continue
		}
		if o == c {
			continue
		}
		p := o.Progress()
		if p.IsQueued || !p.State.Active() {
			continue
		}
		if isRelated(c, o) {
			continue
		}
		return o
	}
	return nil
}

func isRelated(a, b *core) bool {
	if a == b {
		return true
	}
	return hasAncestor(a, b) || hasAncestor(b, a)
}

// hasAncestor walks c's parent chain looking for target. It stops on a
// revisited node so a corrupted chain cannot loop.
func hasAncestor(c, target *core) bool {
	seen := map[*core]bool{c: true}
	for p := c.getParent(); p != nil && !seen[p]; p = p.getParent() {
		if p == target {
			return true
		}
		seen[p] = true
	}
	return false
}
