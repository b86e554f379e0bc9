package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Handler performs the business side effect for one event. It reports
// failure through its error, classified with core.Transient or
// core.Permanent at the collaborator boundary.
type Handler interface {
	Handle(ctx context.Context, job *JobContext) error
}

type HandlerFunc func(ctx context.Context, job *JobContext) error

func (f HandlerFunc) Handle(ctx context.Context, job *JobContext) error {
	return f(ctx, job)
}

// Registry maps handler references carried on queue messages to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, handler Handler) error {
	if r == nil {
		return jobsInternal("jobs: registry is nil", nil)
	}
	name = normalizeName(name)
	if name == "" {
		return jobsBadInput("jobs: handler name is required", nil)
	}
	if handler == nil {
		return jobsBadInput("jobs: handler is required", map[string]any{"handler": name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	if _, exists := r.handlers[name]; exists {
		return jobsBadInput("jobs: handler already registered", map[string]any{"handler": name})
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[normalizeName(name)]
	return handler, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
