package rules

import (
	"fmt"
	"sort"
	"sync"
)

// FilterSet is a named set of field comparators; every field present must
// match for the set to pass (logical AND).
type FilterSet map[string]Comparator

// HandlerDescriptor is one registered handler: a name, the handler type it
// listens on, its enabled state, and the filters an event's body and extra
// attributes must satisfy for the handler to fire.
type HandlerDescriptor struct {
	Name         string
	HandlerType  string // routing tag; "" listens on every type
	Disabled     bool
	EventFilters FilterSet // matched against Event.Body
	ExtraFilters FilterSet // matched against Event.Extra (handler_type, job_id, ...)
}

// Registry holds the live set of handler descriptors. Safe for concurrent
// use: the splitter reads it on every dequeued event while an operator (via
// the CLI or a config reload) may be registering or disabling handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerDescriptor
	version  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerDescriptor)}
}

// Register adds or replaces a handler descriptor and bumps the registry
// version, which is stamped onto every job record created afterward so a
// job always records which rule revision matched it.
func (r *Registry) Register(h HandlerDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name] = h
	r.version++
}

// Disable marks a handler descriptor inactive without removing it: matching
// never considers a disabled handler, but its filters stay registered for a
// later re-enable.
func (r *Registry) Disable(name string) error {
	return r.setDisabled(name, true)
}

// Enable re-activates a previously disabled handler.
func (r *Registry) Enable(name string) error {
	return r.setDisabled(name, false)
}

func (r *Registry) setDisabled(name string, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("rules: handler %q not registered", name)
	}
	h.Disabled = disabled
	r.handlers[name] = h
	r.version++
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (HandlerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Handlers returns every registered descriptor (enabled or not), sorted by
// name for deterministic iteration in Match and in tests.
func (r *Registry) Handlers() []HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerDescriptor, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HandlersFor returns the descriptors listening on handlerType, sorted by
// name. A descriptor with an empty HandlerType listens on every type.
func (r *Registry) HandlersFor(handlerType string) []HandlerDescriptor {
	all := r.Handlers()
	out := make([]HandlerDescriptor, 0, len(all))
	for _, h := range all {
		if h.HandlerType == "" || h.HandlerType == handlerType {
			out = append(out, h)
		}
	}
	return out
}

// Version returns the registry's current revision: a monotonically
// increasing counter bumped by Register/Disable/Enable.
func (r *Registry) Version() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("v%d", r.version)
}
