package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/executor"
	"github.com/buncis/solid-queue/internal/registry"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/store/storetest"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	out []domain.Outcome
}

func (r *recorder) JobFinished(o domain.Outcome) {
	r.mu.Lock()
	r.out = append(r.out, o)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}

func builtins(t *testing.T) *executor.Registry {
	t.Helper()
	r := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(r))
	return r
}

func enqueue(t *testing.T, st *store.Store, queue, class, args string) domain.Job {
	t.Helper()
	p := store.EnqueueParams{Queue: queue, Class: class}
	if args != "" {
		p.Arguments = json.RawMessage(args)
	}
	job, err := st.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return job
}

func counts(t *testing.T, st *store.Store) domain.Counts {
	t.Helper()
	c, err := st.Counts(context.Background())
	require.NoError(t, err)
	return c
}

type runResult struct{ err error }

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() { done <- runResult{err: w.Run(ctx)} }()
	t.Cleanup(func() {
		cancel()
		w.Abort()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return cancel, done
}

func wait(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case r := <-done:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestWorkerPerformsAndFailsJobs(t *testing.T) {
	st := storetest.Open(t)
	for i := 0; i < 10; i++ {
		enqueue(t, st, "default", executor.ClassNoop, "")
	}
	failing := enqueue(t, st, "default", executor.ClassFail, `{"message":"nope"}`)
	unknown := enqueue(t, st, "default", "Nobody", "")

	rec := &recorder{}
	w := New(Config{Threads: 3, PollingInterval: 10 * time.Millisecond}, st, builtins(t), logx.Nop(), WithObserver(rec))
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool {
		c := counts(t, st)
		return c.Ready == 0 && c.Claimed == 0 && c.Failed == 2
	}, 10*time.Second, 20*time.Millisecond)

	c := counts(t, st)
	assert.Equal(t, 2, c.Jobs, "successful jobs are deleted")
	assert.Equal(t, 1, c.Processes)

	failed, err := st.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	byID := map[int64]domain.FailedExecution{}
	for _, f := range failed {
		byID[f.JobID] = f
	}
	assert.Equal(t, "JobFailure", byID[failing.ID].Error.ExceptionClass)
	assert.Equal(t, "nope", byID[failing.ID].Error.Message)
	assert.Equal(t, "UnknownJobClass", byID[unknown.ID].Error.ExceptionClass)

	assert.Equal(t, 12, rec.len())
	stats := w.Stats()
	assert.EqualValues(t, 12, stats.Processed)
	assert.EqualValues(t, 2, stats.Failed)
	assert.Len(t, stats.History, 12)

	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, 0, counts(t, st).Processes)
}

func TestWorkerPublishesMetadata(t *testing.T) {
	st := storetest.Open(t)
	w := New(Config{Name: "w1", Queues: []string{"critical", "mail*"}, Threads: 4, PollingInterval: 250 * time.Millisecond}, st, builtins(t), logx.Nop())
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool { return w.ProcessID() != 0 }, 5*time.Second, 10*time.Millisecond)
	p, err := st.GetProcess(context.Background(), w.ProcessID())
	require.NoError(t, err)
	assert.Equal(t, domain.KindWorker, p.Kind)
	assert.Equal(t, "w1", p.Name)
	assert.Equal(t, []any{"critical", "mail*"}, p.Metadata[domain.MetaQueues])
	assert.EqualValues(t, 4, p.Metadata[domain.MetaThreads])
	assert.Equal(t, "250ms", p.Metadata[domain.MetaPollingInterval])

	cancel()
	require.NoError(t, wait(t, done))
}

func TestWorkerNeverExceedsThreads(t *testing.T) {
	st := storetest.Open(t)
	for i := 0; i < 6; i++ {
		enqueue(t, st, "default", executor.ClassSleep, `{"duration":"150ms"}`)
	}
	w := New(Config{Threads: 2, PollingInterval: 5 * time.Millisecond}, st, builtins(t), logx.Nop())
	cancel, done := startWorker(t, w)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c := counts(t, st)
		require.LessOrEqual(t, c.Claimed, 2)
		if c.Jobs == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, counts(t, st).Jobs)
	cancel()
	require.NoError(t, wait(t, done))
}

func TestGracefulStopFinishesRunningJob(t *testing.T) {
	st := storetest.Open(t)
	enqueue(t, st, "default", executor.ClassSleep, `{"duration":"300ms"}`)

	w := New(Config{Threads: 1, PollingInterval: 5 * time.Millisecond}, st, builtins(t), logx.Nop())
	cancel, done := startWorker(t, w)
	require.Eventually(t, func() bool { return counts(t, st).Claimed == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, done))
	c := counts(t, st)
	assert.Equal(t, 0, c.Jobs, "the running job completed instead of being abandoned")
	assert.Equal(t, 0, c.Failed)
	assert.Equal(t, 0, c.Processes)
}

func TestAbortFailsRunningJob(t *testing.T) {
	st := storetest.Open(t)
	job := enqueue(t, st, "default", executor.ClassSleep, `{"duration":"1m"}`)

	w := New(Config{Threads: 1, PollingInterval: 5 * time.Millisecond}, st, builtins(t), logx.Nop())
	cancel, done := startWorker(t, w)
	require.Eventually(t, func() bool { return counts(t, st).Claimed == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	w.Abort()
	require.NoError(t, wait(t, done))

	state, err := st.JobState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, state)
	failed, err := st.ListFailed(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "Aborted", failed[0].Error.ExceptionClass)
}

func TestLostRegistrationStopsWorker(t *testing.T) {
	st := storetest.Open(t)
	w := New(Config{Threads: 1, PollingInterval: 10 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond}, st, builtins(t), logx.Nop())
	_, done := startWorker(t, w)
	require.Eventually(t, func() bool { return w.ProcessID() != 0 }, 5*time.Second, 5*time.Millisecond)

	_, err := st.DeregisterProcess(context.Background(), w.ProcessID(), "pruned by test")
	require.NoError(t, err)

	err = wait(t, done)
	require.True(t, errors.Is(err, registry.ErrLost), "got %v", err)
}

func TestPrunedWorkerStopsClaiming(t *testing.T) {
	st := storetest.Open(t)
	w := New(Config{Threads: 1, PollingInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour}, st, builtins(t), logx.Nop())
	_, done := startWorker(t, w)
	require.Eventually(t, func() bool { return w.ProcessID() != 0 }, 5*time.Second, 5*time.Millisecond)

	_, err := st.DeregisterProcess(context.Background(), w.ProcessID(), "pruned by test")
	require.NoError(t, err)
	job := enqueue(t, st, "default", executor.ClassNoop, "")

	err = wait(t, done)
	require.True(t, errors.Is(err, registry.ErrLost), "got %v", err)

	state, err := st.JobState(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)
}

type flakyStore struct {
	Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Claim(ctx context.Context, processID int64, queues []string, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Store.Claim(ctx, processID, queues, limit)
}

func TestStoreErrorsAreRetried(t *testing.T) {
	st := storetest.Open(t)
	enqueue(t, st, "default", executor.ClassNoop, "")

	fs := &flakyStore{Store: st, fails: 3}
	w := New(Config{Threads: 1, PollingInterval: 5 * time.Millisecond}, fs, builtins(t), logx.Nop())
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool { return counts(t, st).Jobs == 0 }, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))
}
