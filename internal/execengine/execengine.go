// Package execengine is the in-process execution collaborator the
// dispatcher calls through the dispatch.Executor interface: a registry of
// named handler functions, each taking an opaque continuation state and
// reporting a finished / continue / failed outcome.
package execengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/jobdispatcherd/internal/dispatch"
)

// HandlerFunc executes one dispatch attempt for a task and reports its
// outcome, identical in shape to dispatch.Executor.Execute but scoped to a
// single named handler.
type HandlerFunc func(ctx context.Context, state []byte) (dispatch.Result, error)

// Engine is a registry of named handlers satisfying dispatch.Executor.
type Engine struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		handlers: make(map[string]HandlerFunc),
		log:      slog.Default().With("component", "execengine"),
	}
}

// Register binds name to fn. Registering the same name twice replaces the
// previous handler.
func (e *Engine) Register(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = fn
}

// Execute implements dispatch.Executor. An unregistered handler name is not
// a store error: it is recorded as the task failing, which is what a
// genuinely misconfigured handler_type should produce.
func (e *Engine) Execute(ctx context.Context, handler string, state []byte) (dispatch.Result, error) {
	e.mu.RLock()
	fn, ok := e.handlers[handler]
	e.mu.RUnlock()
	if !ok {
		e.log.Warn("execengine: no handler registered", "handler", handler)
		return dispatch.Result{Outcome: dispatch.Failed, Stack: []byte(fmt.Sprintf("no handler registered for %q", handler))}, nil
	}
	return fn(ctx, state)
}
