package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
)

func writeConfig(t *testing.T) (path, db string) {
	t.Helper()
	dir := t.TempDir()
	db = filepath.Join(dir, "queue.db")
	path = filepath.Join(dir, "queue.yml")
	data := "log:\n  level: warn\ndatabase:\n  driver: sqlite\n  url: " + db + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path, db
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := New(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	cmd := New(nil)
	assert.Equal(t, "solid-queue", cmd.Use)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "migrate", "enqueue", "processes", "failed", "queues", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)

	start, _, err := cmd.Find([]string{"start"})
	require.NoError(t, err)
	for _, f := range []string{"mode", "recurring-schedule-file", "skip-recurring", "watch-config"} {
		assert.NotNil(t, start.Flags().Lookup(f), "start is missing --%s", f)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestAdminCommands(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := run(t, "-c", path, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	out, err = run(t, "-c", path, "enqueue", "--class", "noop", "--queue", "mail", "--args", `{"to":"a@b"}`)
	require.NoError(t, err)
	var job domain.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "mail", job.QueueName)
	assert.Equal(t, "noop", job.ClassName)
	assert.JSONEq(t, `{"to":"a@b"}`, string(job.Arguments))

	out, err = run(t, "-c", path, "enqueue", "--class", "noop", "--in", "1h")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.WithinDuration(t, time.Now().Add(time.Hour), job.ScheduledAt, time.Minute)

	_, err = run(t, "-c", path, "queues", "pause", "mail")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "queues", "list")
	require.NoError(t, err)
	var queues struct {
		Counts domain.Counts `json:"counts"`
		Paused []string      `json:"paused"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &queues))
	assert.Equal(t, []string{"mail"}, queues.Paused)
	assert.Equal(t, 2, queues.Counts.Jobs)
	assert.Equal(t, 1, queues.Counts.Scheduled)

	_, err = run(t, "-c", path, "queues", "resume", "mail")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "processes")
	require.NoError(t, err)
	assert.Contains(t, out, "LAST HEARTBEAT")

	out, err = run(t, "-c", path, "failed", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestEnqueueValidation(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := run(t, "-c", path, "migrate", "up")
	require.NoError(t, err)

	_, err = run(t, "-c", path, "enqueue")
	assert.ErrorContains(t, err, "--class")

	_, err = run(t, "-c", path, "enqueue", "--class", "noop", "--args", "{nope")
	assert.ErrorContains(t, err, "JSON")

	_, err = run(t, "-c", path, "enqueue", "--class", "noop", "--at", "2030-01-01T00:00:00Z", "--in", "1m")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestFailedRetryAndDiscard(t *testing.T) {
	path, db := writeConfig(t)
	_, err := run(t, "-c", path, "migrate", "up")
	require.NoError(t, err)

	_, err = run(t, "-c", path, "failed", "retry", "abc")
	assert.ErrorContains(t, err, "invalid job id")

	st, err := store.Open(store.Config{Driver: "sqlite", DSN: db, BusyTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	proc, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, Name: "worker-1", PID: os.Getpid(), Hostname: "test"})
	require.NoError(t, err)
	fail := func() int64 {
		t.Helper()
		job, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "fail"})
		require.NoError(t, err)
		claimed, err := st.Claim(ctx, proc.ID, []string{"*"}, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, st.ReleaseFailure(ctx, proc.ID, job.ID, domain.ExecutionError{ExceptionClass: "JobFailure", Message: "boom"}))
		return job.ID
	}
	retryID, discardID := fail(), fail()

	out, err := run(t, "-c", path, "failed", "list")
	require.NoError(t, err)
	var failed []domain.FailedExecution
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	require.Len(t, failed, 2)
	assert.Equal(t, "boom", failed[0].Error.Message)

	out, err = run(t, "-c", path, "failed", "retry", strconv.FormatInt(retryID, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "retried job")

	out, err = run(t, "-c", path, "failed", "discard", strconv.FormatInt(discardID, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "discarded job")

	_, err = run(t, "-c", path, "failed", "discard", strconv.FormatInt(discardID, 10))
	assert.ErrorIs(t, err, store.ErrNotFound)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Failed)
	assert.Equal(t, 1, c.Ready)
	assert.Equal(t, 1, c.Jobs)
}
