// Package scheduler implements the dispatch core: queue ordering,
// claim-based dispatch with a single execution slot, retry chains,
// crash recovery, direct-reservation execution, and job-group
// sequencing. All durable state lives in schedstore; this package
// only derives behavior from it.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Result is what a job handler reports back to the executor.
type Result struct {
	Status    schedstore.RunStatus
	ExitCode  *int
	Error     string
	Artifacts []string
	LogPath   string
}

// Handler executes the external domain logic for one job type (story
// generation, research cards, shell commands...). The scheduler treats it
// as opaque: it owns LLM calls, dedup checks, and file writes, and it owns
// cancellation of an in-flight execution.
type Handler interface {
	Execute(ctx context.Context, job *schedstore.Job) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *schedstore.Job) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, job *schedstore.Job) (*Result, error) {
	return f(ctx, job)
}

// Registry maps job_type to its handler. Dispatch by lookup table keeps
// handler selection explicit and testable.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	return h, nil
}

// Types lists the registered job types, for diagnostics.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
