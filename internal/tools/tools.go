// Package tools defines the leaf-side-effect executor the router delegates
// to. A non-success result is a terminal tier outcome, never a crash.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownTool is returned when no tool is registered under the name.
var ErrUnknownTool = errors.New("unknown tool")

// Result is the outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs a named tool with string arguments.
type Executor interface {
	Execute(ctx context.Context, tool string, args map[string]string) (Result, error)
}

// Func adapts a function to a registered tool.
type Func func(ctx context.Context, args map[string]string) (Result, error)

// Registry is a mutex-protected name-to-tool table. Tools register once at
// startup; execution is read-mostly.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Func
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Func),
		logger: logger,
	}
}

// Register installs fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Execute runs the named tool. A panic inside a tool is converted into a
// failed Result so a misbehaving leaf cannot take the request down.
func (r *Registry) Execute(ctx context.Context, tool string, args map[string]string) (res Result, err error) {
	r.mu.RLock()
	fn, ok := r.tools[tool]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				zap.String("tool", tool),
				zap.Any("panic", rec))
			res = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", tool, rec)}
			err = nil
		}
	}()

	return fn(ctx, args)
}
