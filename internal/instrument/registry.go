package instrument

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/banshee-data/sweeper/internal/sweep"
)

// adminRouter is implemented by serial muxes that expose debug routes.
type adminRouter interface {
	AttachAdminRoutes(*http.ServeMux)
}

// Registry maps parameter names to parameters and owns the connections
// behind them.
type Registry struct {
	mu      sync.RWMutex
	params  map[string]sweep.Parameter
	closers []io.Closer
	routers []adminRouter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{params: make(map[string]sweep.Parameter)}
}

// Add registers params. Names must be unique.
func (r *Registry) Add(params ...sweep.Parameter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range params {
		if p == nil || p.Name() == "" {
			return errors.New("instrument: parameter without a name")
		}
		if _, ok := r.params[p.Name()]; ok {
			return fmt.Errorf("instrument: duplicate parameter %q", p.Name())
		}
		r.params[p.Name()] = p
	}
	return nil
}

// Lookup implements sweep.ParamLookup.
func (r *Registry) Lookup(name string) (sweep.Parameter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.params[name]
	return p, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.params))
	for n := range r.params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParamInfo is the serializable view of one parameter and its current value.
type ParamInfo struct {
	Name    string    `json:"name"`
	Unit    string    `json:"unit"`
	Value   *float64  `json:"value,omitempty"`
	Error   string    `json:"error,omitempty"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Allowed []float64 `json:"allowed,omitempty"`
}

// Read reads every parameter once. A failed read is reported in its entry
// rather than failing the whole snapshot.
func (r *Registry) Read(ctx context.Context) []ParamInfo {
	var out []ParamInfo
	for _, name := range r.Names() {
		p, ok := r.Lookup(name)
		if !ok {
			continue
		}
		info := ParamInfo{Name: name, Unit: p.Unit()}
		if v, err := p.Get(ctx); err != nil {
			info.Error = err.Error()
		} else {
			info.Value = &v
		}
		if b, ok := p.(sweep.Bounded); ok {
			if lo, hi, ok := b.Bounds(); ok {
				info.Min, info.Max = &lo, &hi
			}
		}
		if e, ok := p.(sweep.Enumerated); ok {
			info.Allowed = e.Allowed()
		}
		out = append(out, info)
	}
	return out
}

// own hands a connection to the registry so Close releases it.
func (r *Registry) own(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
	if ar, ok := c.(adminRouter); ok {
		r.routers = append(r.routers, ar)
	}
}

// AttachAdminRoutes registers the debug routes of every serial instrument.
func (r *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	r.mu.RLock()
	routers := append([]adminRouter(nil), r.routers...)
	r.mu.RUnlock()
	for _, ar := range routers {
		ar.AttachAdminRoutes(mux)
	}
}

// Close closes every owned connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.routers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
