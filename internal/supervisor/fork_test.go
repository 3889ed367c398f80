//go:build unix

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/executor"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/store/storetest"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

func TestForkRunsChildrenAsProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	st := storetest.Open(t)
	cfg := testConfig(t, st, 2, 1)
	cfg.Supervisor.Mode = config.ModeFork
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: executor.ClassNoop})
		require.NoError(t, err)
	}

	// -test.run matches nothing in case the child is not intercepted by TestMain.
	s := New(cfg, st, NewForkLauncher(cfg, "-test.run=^$"), logx.Nop())
	done := runSupervisor(t, s)

	require.Eventually(t, func() bool { return processCount(t, st) == 4 }, 30*time.Second, 50*time.Millisecond)
	for _, c := range s.Children() {
		assert.NotZero(t, c.Pid)
	}

	require.Eventually(t, func() bool {
		c, err := st.Counts(ctx)
		return err == nil && c.Jobs == 0
	}, 30*time.Second, 50*time.Millisecond)

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
	assert.Equal(t, 0, processCount(t, st))
}

func TestForkRespawnsKilledChild(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 0)
	cfg.Supervisor.Mode = config.ModeFork

	s := New(cfg, st, NewForkLauncher(cfg, "-test.run=^$"), logx.Nop())
	done := runSupervisor(t, s)
	require.Eventually(t, func() bool { return processCount(t, st) == 2 }, 30*time.Second, 50*time.Millisecond)

	first := s.Children()[0]
	s.mu.Lock()
	s.children[first.Name].proc.Kill()
	s.mu.Unlock()

	require.Eventually(t, func() bool {
		ch := s.Children()
		return len(ch) == 1 && ch[0].Restarts == 1 && ch[0].Pid != first.Pid
	}, 30*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return processCount(t, st) == 2 }, 30*time.Second, 50*time.Millisecond)

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
	assert.Equal(t, 0, processCount(t, st))
}
