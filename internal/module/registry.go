package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coordline/internal/domain"
)

// Registry holds the modules available to an engine instance.
type Registry struct {
	// Now stamps last_execution on descriptors created after it is set.
	Now func() time.Time

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: map[string]*Handle{}}
}

// Register installs m under its name. Registering a name again replaces the
// previous entry and starts it with a fresh descriptor.
func (r *Registry) Register(m Module) (*Handle, error) {
	if m == nil {
		return nil, errors.New("module: nil module")
	}
	if m.Name() == "" {
		return nil, errors.New("module: name is required")
	}
	h := newHandle(m, r.Now)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles == nil {
		r.handles = map[string]*Handle{}
	}
	r.handles[m.Name()] = h
	return h, nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(m Module) *Handle {
	h, err := r.Register(m)
	if err != nil {
		panic(err)
	}
	return h
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[name]
	delete(r.handles, name)
	return ok
}

// Get returns the handle registered under name.
func (r *Registry) Get(name string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.handles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return h, nil
}

// Names returns the registered module names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handles returns every handle ordered by name.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ValidateRegistration returns the required names that are not registered,
// in the order they were given.
func (r *Registry) ValidateRegistration(required []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, name := range required {
		if _, ok := r.handles[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// StatusReport snapshots every registered module's descriptor keyed by name.
func (r *Registry) StatusReport() map[string]domain.ModuleDescriptor {
	handles := r.Handles()
	out := make(map[string]domain.ModuleDescriptor, len(handles))
	for _, h := range handles {
		out[h.Name()] = h.Status()
	}
	return out
}
