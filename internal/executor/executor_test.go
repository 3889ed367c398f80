package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/domain"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	return r
}

func TestExecuteBuiltins(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx := context.Background()

	assert.Nil(t, r.Execute(ctx, domain.Job{ClassName: ClassNoop}))
	assert.Nil(t, r.Execute(ctx, domain.Job{ClassName: ClassSleep, Arguments: json.RawMessage(`{"duration":"5ms"}`)}))

	failed := r.Execute(ctx, domain.Job{ClassName: ClassFail, Arguments: json.RawMessage(`{"message":"boom"}`)})
	require.NotNil(t, failed)
	assert.Equal(t, "JobFailure", failed.ExceptionClass)
	assert.Equal(t, "boom", failed.Message)

	assert.Equal(t, []string{ClassFail, ClassNoop, ClassSleep}, r.Classes())
}

func TestExecuteUnknownClass(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	failed := r.Execute(context.Background(), domain.Job{ClassName: "Missing"})
	require.NotNil(t, failed)
	assert.Equal(t, "UnknownJobClass", failed.ExceptionClass)
	assert.Contains(t, failed.Message, "Missing")
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register("explode", HandlerFunc(func(context.Context, domain.Job) error {
		panic("kaboom")
	})))
	failed := r.Execute(context.Background(), domain.Job{ClassName: "explode"})
	require.NotNil(t, failed)
	assert.Equal(t, "Panic", failed.ExceptionClass)
	assert.Equal(t, "kaboom", failed.Message)
	assert.NotEmpty(t, failed.Backtrace)
}

func TestSleepStopsOnAbort(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	failed := r.Execute(ctx, domain.Job{ClassName: ClassSleep, Arguments: json.RawMessage(`{"seconds":30}`)})
	require.NotNil(t, failed)
	assert.Equal(t, "Aborted", failed.ExceptionClass)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	require.Error(t, r.Register(ClassNoop, HandlerFunc(func(context.Context, domain.Job) error { return nil })))
	require.Error(t, r.Register("", HandlerFunc(func(context.Context, domain.Job) error { return nil })))
}

func TestFromErrorClassNames(t *testing.T) {
	t.Parallel()
	assert.Nil(t, FromError(nil))
	assert.Equal(t, "*errors.errorString", FromError(errors.New("x")).ExceptionClass)
	assert.Equal(t, "Timeout", FromError(context.DeadlineExceeded).ExceptionClass)
	stored := domain.ExecutionError{ExceptionClass: "Custom", Message: "m"}
	assert.Equal(t, "Custom", FromError(stored).ExceptionClass)
}
