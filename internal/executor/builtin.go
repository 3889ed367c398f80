package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buncis/solid-queue/internal/domain"
)

// Built-in classes, used by the CLI and in tests.
const (
	ClassNoop  = "noop"
	ClassSleep = "sleep"
	ClassFail  = "fail"
)

// RegisterBuiltins adds noop, sleep and fail to r.
func RegisterBuiltins(r *Registry) error {
	return errors.Join(
		r.Register(ClassNoop, HandlerFunc(func(context.Context, domain.Job) error { return nil })),
		r.Register(ClassSleep, HandlerFunc(sleep)),
		r.Register(ClassFail, HandlerFunc(fail)),
	)
}

type sleepArgs struct {
	Duration string  `json:"duration"`
	Seconds  float64 `json:"seconds"`
}

// sleep waits for {"duration":"2s"} or {"seconds":1.5}; it stops early when
// the job context is aborted.
func sleep(ctx context.Context, job domain.Job) error {
	var a sleepArgs
	if len(job.Arguments) > 0 {
		if err := json.Unmarshal(job.Arguments, &a); err != nil {
			return fmt.Errorf("sleep args: %w", err)
		}
	}
	d := time.Duration(a.Seconds * float64(time.Second))
	if a.Duration != "" {
		v, err := time.ParseDuration(a.Duration)
		if err != nil {
			return fmt.Errorf("sleep args: %w", err)
		}
		d = v
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// JobFailure is returned by the fail class.
type JobFailure struct{ Message string }

func (e JobFailure) Error() string          { return e.Message }
func (e JobFailure) ExceptionClass() string { return "JobFailure" }

func fail(_ context.Context, job domain.Job) error {
	var a struct {
		Message string `json:"message"`
	}
	if len(job.Arguments) > 0 {
		_ = json.Unmarshal(job.Arguments, &a)
	}
	if a.Message == "" {
		a.Message = "job failed"
	}
	return JobFailure{Message: a.Message}
}
