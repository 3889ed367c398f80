package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/store/storetest"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

func TestRegistrationLifecycle(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)

	reg, err := Register(ctx, st, Identity(domain.KindWorker, "worker-1", 0, domain.Metadata{domain.MetaQueues: []string{"*"}}), time.Hour, logx.Nop())
	require.NoError(t, err)
	assert.NotZero(t, reg.ID())

	require.NoError(t, reg.Beat(ctx))
	n, err := st.CountProcesses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, reg.Deregister("test"))
	require.NoError(t, reg.Deregister("again"))
	n, err = st.CountProcesses(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistrationDetectsPrune(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)

	reg, err := Register(ctx, st, Identity(domain.KindDispatcher, "dispatcher-1", 0, nil), 20*time.Millisecond, logx.Nop())
	require.NoError(t, err)

	_, err = st.DeregisterProcess(ctx, reg.ID(), "pruned elsewhere")
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = reg.Run(runCtx)
	assert.True(t, errors.Is(err, ErrLost), "Run = %v", err)

	select {
	case <-reg.Lost():
	default:
		t.Fatal("Lost channel not closed")
	}
}

func TestReaperPrunesStaleAndFailsClaims(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	st := storetest.Open(t, store.WithClock(func() time.Time { return clock }))

	self, err := st.RegisterProcess(ctx, Identity(domain.KindSupervisor, "supervisor", 0, nil))
	require.NoError(t, err)
	dead, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 1, Hostname: "elsewhere", Name: "dead"})
	require.NoError(t, err)
	live, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 2, Hostname: "elsewhere", Name: "live"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop"})
		require.NoError(t, err)
	}
	got, err := st.Claim(ctx, dead.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	clock = clock.Add(10 * time.Minute)
	require.NoError(t, st.Heartbeat(ctx, live.ID))

	r := NewReaper(st, ReaperConfig{AliveThreshold: 5 * time.Minute}, logx.Nop())
	r.now = func() time.Time { return clock }
	res, err := r.Run(ctx, self.ID)
	require.NoError(t, err)

	require.Len(t, res.Pruned, 1)
	assert.Equal(t, dead.ID, res.Pruned[0].ID)
	assert.Equal(t, 3, res.FailedClaims)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Jobs: 3, Failed: 3, Processes: 2}, c)
}

// heartbeatAfterList lets a process heartbeat between the reaper's listing
// and its prune.
type heartbeatAfterList struct {
	*store.Store
	beat func()
}

func (h heartbeatAfterList) ListProcesses(ctx context.Context) ([]domain.Process, error) {
	procs, err := h.Store.ListProcesses(ctx)
	h.beat()
	return procs, err
}

func TestReaperSparesProcessThatHeartbeats(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	st := storetest.Open(t, store.WithClock(func() time.Time { return clock }))

	slow, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 1, Hostname: "elsewhere", Name: "slow"})
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop"})
	require.NoError(t, err)
	got, err := st.Claim(ctx, slow.ID, nil, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	clock = clock.Add(10 * time.Minute)
	wrapped := heartbeatAfterList{Store: st, beat: func() {
		require.NoError(t, st.Heartbeat(ctx, slow.ID))
	}}
	r := NewReaper(wrapped, ReaperConfig{AliveThreshold: 5 * time.Minute}, logx.Nop())
	r.now = func() time.Time { return clock }

	res, err := r.Run(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Pruned)
	assert.Zero(t, res.FailedClaims)

	c, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Counts{Jobs: 1, Claimed: 1, Processes: 1}, c)
	require.NoError(t, st.Heartbeat(ctx, slow.ID))
}

func TestReaperPrunesDeadLocalPID(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)

	r := NewReaper(st, ReaperConfig{AliveThreshold: time.Hour, CheckPIDs: true}, logx.Nop())
	r.alive = func(pid int) bool { return pid != 999999 }

	gone, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 999999, Hostname: r.host, Name: "gone"})
	require.NoError(t, err)
	_, err = st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 999999, Hostname: "other-host", Name: "remote"})
	require.NoError(t, err)

	res, err := r.Run(ctx, 0)
	require.NoError(t, err)
	require.Len(t, res.Pruned, 1)
	assert.Equal(t, gone.ID, res.Pruned[0].ID)
}

func TestReaperFailsOrphans(t *testing.T) {
	ctx := context.Background()
	st := storetest.Open(t)
	w, err := st.RegisterProcess(ctx, domain.Process{Kind: domain.KindWorker, PID: 3, Hostname: "h", Name: "w"})
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: "noop"})
	require.NoError(t, err)
	_, err = st.Claim(ctx, w.ID, nil, 1)
	require.NoError(t, err)
	_, err = st.DB().ExecContext(ctx, `DELETE FROM processes`)
	require.NoError(t, err)

	res, err := NewReaper(st, ReaperConfig{}, logx.Nop()).Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Orphaned)
}
