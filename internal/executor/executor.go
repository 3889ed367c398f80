// Package executor maps job classes to handlers and runs them, turning
// returned errors and panics into the payload stored on failed executions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/buncis/solid-queue/internal/domain"
)

var ErrUnknownClass = errors.New("unknown job class")

type Handler interface {
	Perform(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) Perform(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Classed lets an error choose the exception class recorded for it.
type Classed interface {
	ExceptionClass() string
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds class to h. Registering a class twice is an error.
func (r *Registry) Register(class string, h Handler) error {
	class = strings.TrimSpace(class)
	if class == "" {
		return errors.New("executor: class required")
	}
	if h == nil {
		return fmt.Errorf("executor: nil handler for %q", class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[class]; dup {
		return fmt.Errorf("executor: class %q already registered", class)
	}
	r.handlers[class] = h
	return nil
}

func (r *Registry) Lookup(class string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	return h, ok
}

func (r *Registry) Classes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute runs the handler for job.ClassName. It returns nil on success and
// the failure payload otherwise; it never panics.
func (r *Registry) Execute(ctx context.Context, job domain.Job) (execErr *domain.ExecutionError) {
	h, ok := r.Lookup(job.ClassName)
	if !ok {
		return FromError(fmt.Errorf("%w: %q", ErrUnknownClass, job.ClassName))
	}
	defer func() {
		if p := recover(); p != nil {
			execErr = &domain.ExecutionError{
				ExceptionClass: "Panic",
				Message:        fmt.Sprint(p),
				Backtrace:      backtrace(debug.Stack()),
			}
		}
	}()
	if err := h.Perform(ctx, job); err != nil {
		return FromError(err)
	}
	return nil
}

// FromError builds the stored payload for err.
func FromError(err error) *domain.ExecutionError {
	if err == nil {
		return nil
	}
	var ee domain.ExecutionError
	if errors.As(err, &ee) {
		return &ee
	}
	class := fmt.Sprintf("%T", errors.Unwrap(err))
	var c Classed
	switch {
	case errors.As(err, &c):
		class = c.ExceptionClass()
	case errors.Is(err, ErrUnknownClass):
		class = "UnknownJobClass"
	case errors.Is(err, context.Canceled):
		class = "Aborted"
	case errors.Is(err, context.DeadlineExceeded):
		class = "Timeout"
	case errors.Unwrap(err) == nil:
		class = fmt.Sprintf("%T", err)
	}
	return &domain.ExecutionError{ExceptionClass: class, Message: err.Error()}
}

func backtrace(stack []byte) []string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
