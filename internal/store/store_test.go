package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/store/storetest"
)

func registerWorker(t *testing.T, st *store.Store, name string) domain.Process {
	t.Helper()
	p, err := st.RegisterProcess(context.Background(), domain.Process{
		Kind: domain.KindWorker, PID: 4242, Hostname: "test-host", Name: name,
	})
	require.NoError(t, err)
	return p
}

func enqueue(t *testing.T, st *store.Store, queue string, n int) []domain.Job {
	t.Helper()
	jobs := make([]domain.Job, 0, n)
	for i := 0; i < n; i++ {
		j, err := st.Enqueue(context.Background(), store.EnqueueParams{Queue: queue, Class: "noop", Arguments: json.RawMessage(`{"i":1}`)})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	return jobs
}

func TestEnqueueReadyAndScheduled(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)

	ready, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop"})
	require.NoError(t, err)
	assert.NotEmpty(t, ready.ActiveJobID)
	assert.JSONEq(t, "null", string(ready.Arguments))

	later, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop", ScheduledAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	state, err := st.JobState(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)

	state, err = st.JobState(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, state)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Jobs: 2, Ready: 1, Scheduled: 1}, c)
}

func TestEnqueueValidation(t *testing.T) {
	st := storetest.Open(t)
	for _, p := range []store.EnqueueParams{
		{Class: "noop"},
		{Queue: "q", Class: ""},
		{Queue: "bad*", Class: "noop"},
		{Queue: "q", Class: "noop", Arguments: json.RawMessage(`{`)},
	} {
		_, err := st.Enqueue(context.Background(), p)
		assert.Error(t, err, "%+v", p)
	}
}

func TestClaimFIFOAndLimit(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")
	jobs := enqueue(t, st, "default", 5)

	got, err := st.Claim(ctx, w.ID, []string{"default"}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, jobs[i].ID, got[i].ID)
	}

	got, err = st.Claim(ctx, w.ID, []string{"default"}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = st.Claim(ctx, w.ID, []string{"default"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Claimed)
	assert.Equal(t, 0, c.Ready)
}

func TestClaimQueuePriorityAndWildcards(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")

	low := enqueue(t, st, "low", 2)
	high := enqueue(t, st, "high", 2)
	mail := enqueue(t, st, "mail_urgent", 1)

	got, err := st.Claim(ctx, w.ID, []string{"high", "low"}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, high[0].ID, got[0].ID)
	assert.Equal(t, high[1].ID, got[1].ID)
	assert.Equal(t, low[0].ID, got[2].ID)

	got, err = st.Claim(ctx, w.ID, []string{"mail*"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mail[0].ID, got[0].ID)

	got, err = st.Claim(ctx, w.ID, []string{"*"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, low[1].ID, got[0].ID)
}

func TestClaimSkipsPausedQueues(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")
	enqueue(t, st, "paused", 2)

	require.NoError(t, st.PauseQueue(ctx, "paused"))
	got, err := st.Claim(ctx, w.ID, []string{"*"}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, st.ResumeQueue(ctx, "paused"))
	got, err = st.Claim(ctx, w.ID, []string{"*"}, 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReleaseSuccessDeletesJob(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")
	enqueue(t, st, "default", 1)

	got, err := st.Claim(ctx, w.ID, nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, st.ReleaseSuccess(ctx, w.ID, got[0].ID))
	_, err = st.GetJob(ctx, got[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = st.ReleaseSuccess(ctx, w.ID, got[0].ID)
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func TestReleaseFailureRecordsPayload(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")
	other := registerWorker(t, st, "w2")
	enqueue(t, st, "default", 1)

	got, err := st.Claim(ctx, w.ID, nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	err = st.ReleaseFailure(ctx, other.ID, got[0].ID, domain.ExecutionError{Message: "nope"})
	assert.ErrorIs(t, err, store.ErrClaimLost)

	execErr := domain.ExecutionError{ExceptionClass: "RuntimeError", Message: "boom", Backtrace: []string{"a.go:1"}}
	require.NoError(t, st.ReleaseFailure(ctx, w.ID, got[0].ID, execErr))

	state, err := st.JobState(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, state)

	failed, err := st.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, execErr, failed[0].Error)
	assert.Equal(t, "noop", failed[0].ClassName)
}

func TestRetryAndDiscardFailed(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w := registerWorker(t, st, "w1")
	enqueue(t, st, "default", 2)

	got, err := st.Claim(ctx, w.ID, nil, 2)
	require.NoError(t, err)
	for _, j := range got {
		require.NoError(t, st.ReleaseFailure(ctx, w.ID, j.ID, domain.ExecutionError{Message: "x"}))
	}

	require.NoError(t, st.RetryFailed(ctx, got[0].ID))
	state, err := st.JobState(ctx, got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, state)

	require.NoError(t, st.DiscardFailed(ctx, got[1].ID))
	_, err = st.GetJob(ctx, got[1].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, st.DiscardFailed(ctx, got[1].ID), store.ErrNotFound)
	assert.ErrorIs(t, st.RetryFailed(ctx, 99999), store.ErrNotFound)
}

func TestPromoteScheduled(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	st := storetest.Open(t, store.WithClock(func() time.Time { return clock }))

	for i := 0; i < 5; i++ {
		_, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop", ScheduledAt: now.Add(time.Duration(i+1) * time.Minute)})
		require.NoError(t, err)
	}

	n, err := st.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock = now.Add(3*time.Minute + time.Second)
	n, err = st.PromoteScheduled(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = st.PromoteScheduled(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Ready)
	assert.Equal(t, 2, c.Scheduled)
}

func TestEnqueueRecurringDeduplicatesSlot(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	slot := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := store.EnqueueParams{Queue: "default", Class: "noop"}

	first, err := st.EnqueueRecurring(ctx, "cleanup", slot, p)
	require.NoError(t, err)

	_, err = st.EnqueueRecurring(ctx, "cleanup", slot, p)
	require.True(t, errors.Is(err, store.ErrDuplicateRecurring), "got %v", err)

	_, err = st.EnqueueRecurring(ctx, "cleanup", slot.Add(time.Minute), p)
	require.NoError(t, err)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Jobs)

	runs, err := st.RecurringExecutions(ctx, "cleanup")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, first.ID, runs[0].JobID)
	assert.True(t, runs[0].RunAt.Equal(slot))
}
