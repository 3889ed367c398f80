package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/dispatcher"
	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/eventbus"
	"github.com/buncis/solid-queue/internal/executor"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/store/storetest"
	"github.com/buncis/solid-queue/internal/worker"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

func TestMain(m *testing.M) {
	if IsChild() {
		reg := executor.NewRegistry()
		if err := executor.RegisterBuiltins(reg); err != nil {
			os.Exit(ExitError)
		}
		os.Exit(RunChild(os.Stdin, reg))
	}
	os.Exit(m.Run())
}

func testConfig(t *testing.T, st *store.Store, workers, dispatchers int) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Log: config.LogConfig{Level: "warn"},
		Database: config.DatabaseConfig{
			Driver:      st.Config().Driver,
			URL:         st.Config().DSN,
			BusyTimeout: config.Duration(st.Config().BusyTimeout),
		},
		Supervisor: config.SupervisorConfig{
			Mode:            config.ModeAsync,
			ShutdownTimeout: config.Duration(2 * time.Second),
		},
	}
	if workers > 0 {
		cfg.Workers = []config.WorkerConfig{{
			Queues:          []string{"*"},
			Threads:         2,
			Processes:       workers,
			PollingInterval: config.Duration(20 * time.Millisecond),
		}}
	}
	for i := 0; i < dispatchers; i++ {
		cfg.Dispatchers = append(cfg.Dispatchers, config.DispatcherConfig{
			PollingInterval: config.Duration(50 * time.Millisecond),
		})
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func builtins(t *testing.T) *executor.Registry {
	t.Helper()
	reg := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(reg))
	return reg
}

func runSupervisor(t *testing.T, s *Supervisor) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.Signal(StopNow)
		select {
		case <-s.Done():
		case <-time.After(15 * time.Second):
		}
	})
	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("supervisor exited before ready: %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor never became ready")
	}
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func processCount(t *testing.T, st *store.Store) int {
	t.Helper()
	n, err := st.CountProcesses(context.Background())
	require.NoError(t, err)
	return n
}

func TestAsyncRegistersEveryChild(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 2, 1)
	require.Equal(t, 4, cfg.ExpectedProcesses())

	s := New(cfg, st, NewAsyncLauncher(NewComponents(cfg, st, builtins(t), logx.Nop())), logx.Nop())
	done := runSupervisor(t, s)

	require.Eventually(t, func() bool { return processCount(t, st) == 4 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	rows, err := st.ProcessesBySupervisor(context.Background(), s.ProcessID())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	children := s.Children()
	require.Len(t, children, 3)
	for _, c := range children {
		switch c.Kind {
		case string(domain.KindWorker):
			assert.IsType(t, worker.Stats{}, c.Stats, c.Name)
		case string(domain.KindDispatcher):
			assert.IsType(t, dispatcher.Stats{}, c.Stats, c.Name)
		}
	}

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, processCount(t, st))
}

func TestAsyncPerformsJobs(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 1)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: executor.ClassNoop})
		require.NoError(t, err)
	}
	_, err := st.Enqueue(ctx, store.EnqueueParams{Queue: "default", Class: executor.ClassNoop, ScheduledAt: time.Now().Add(200 * time.Millisecond)})
	require.NoError(t, err)

	s := New(cfg, st, NewAsyncLauncher(NewComponents(cfg, st, builtins(t), logx.Nop())), logx.Nop())
	done := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		c, err := st.Counts(ctx)
		return err == nil && c.Jobs == 0
	}, 10*time.Second, 20*time.Millisecond)

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
}

func TestRestartKeepsSupervisorRow(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 1)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	s := New(cfg, st, NewAsyncLauncher(NewComponents(cfg, st, builtins(t), logx.Nop())), logx.Nop(), WithBus(bus))
	done := runSupervisor(t, s)
	require.Eventually(t, func() bool { return processCount(t, st) == 3 }, 10*time.Second, 20*time.Millisecond)
	supID := s.ProcessID()

	require.True(t, s.Signal(Restart))

	var exited, started int
	sawRestarting := false
	deadline := time.After(15 * time.Second)
	for !(sawRestarting && exited == 2 && started == 4) {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.SupervisorState:
				if ev.Data.(eventbus.StateData).To == StateRestarting.String() {
					sawRestarting = true
				}
			case eventbus.ChildExited:
				exited++
			case eventbus.ChildStarted:
				started++
			}
		case <-deadline:
			t.Fatalf("restart incomplete: restarting=%v exited=%d started=%d", sawRestarting, exited, started)
		}
	}

	require.Eventually(t, func() bool { return processCount(t, st) == 3 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, supID, s.ProcessID())
	_, err := st.GetProcess(context.Background(), supID)
	require.NoError(t, err)

	_, err = st.Enqueue(context.Background(), store.EnqueueParams{Queue: "default", Class: executor.ClassNoop})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, err := st.Counts(context.Background())
		return err == nil && c.Jobs == 0
	}, 10*time.Second, 20*time.Millisecond)

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
	assert.Equal(t, 0, processCount(t, st))
}

func TestReconfigureChangesChildren(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 1)
	s := New(cfg, st, NewAsyncLauncher(NewComponents(cfg, st, builtins(t), logx.Nop())), logx.Nop())
	done := runSupervisor(t, s)
	require.Eventually(t, func() bool { return processCount(t, st) == 3 }, 10*time.Second, 20*time.Millisecond)

	s.Reconfigure(testConfig(t, st, 3, 1))
	require.Eventually(t, func() bool { return processCount(t, st) == 5 }, 10*time.Second, 20*time.Millisecond)
	assert.Len(t, s.Children(), 4)

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
}

// fakeLauncher hands out fakeChildren; exitAfter closes a child's Done on its own.
type fakeLauncher struct {
	mu        sync.Mutex
	launched  []*fakeChild
	exitAfter time.Duration
	exitOnce  bool
	stubborn  bool
}

func (l *fakeLauncher) Launch(spec ChildSpec, supervisorID int64) (Child, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &fakeChild{done: make(chan struct{}), stubborn: l.stubborn}
	l.launched = append(l.launched, c)
	if l.exitAfter > 0 && (!l.exitOnce || len(l.launched) == 1) {
		time.AfterFunc(l.exitAfter, func() { c.exit(errors.New("boom")) })
	}
	return c, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type fakeChild struct {
	done     chan struct{}
	once     sync.Once
	err      atomic.Value
	stubborn bool
	killed   atomic.Bool
}

func (c *fakeChild) exit(err error) {
	c.once.Do(func() {
		if err != nil {
			c.err.Store(err)
		}
		close(c.done)
	})
}

func (c *fakeChild) Pid() int              { return 0 }
func (c *fakeChild) Done() <-chan struct{} { return c.done }
func (c *fakeChild) Err() error {
	if v, ok := c.err.Load().(error); ok {
		return v
	}
	return nil
}

func (c *fakeChild) Stop(bool) {
	if !c.stubborn {
		c.exit(nil)
	}
}

func (c *fakeChild) Kill() {
	c.killed.Store(true)
	c.exit(errors.New("killed"))
}

func TestUnexpectedExitIsRespawned(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 0)
	l := &fakeLauncher{exitAfter: 50 * time.Millisecond, exitOnce: true}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(cfg, st, l, logx.Nop(), WithBus(bus))
	done := runSupervisor(t, s)

	require.Eventually(t, func() bool { return l.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ch := s.Children()
		return len(ch) == 1 && ch[0].Restarts == 1
	}, 5*time.Second, 10*time.Millisecond)

	respawned := false
	for !respawned {
		select {
		case ev := <-events:
			respawned = ev.Type == eventbus.ChildRespawned
		case <-time.After(5 * time.Second):
			t.Fatal("no respawn event")
		}
	}

	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
}

func TestCrashBudgetExceeded(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 0)
	cfg.Supervisor.CrashBudget = config.CrashBudgetConfig{Max: 2, Window: config.Duration(time.Minute)}
	l := &fakeLauncher{exitAfter: 10 * time.Millisecond}

	s := New(cfg, st, l, logx.Nop())
	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrCrashBudgetExceeded)
	assert.Equal(t, 3, l.count())
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, processCount(t, st))
}

func TestShutdownKillsStragglers(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 2, 0)
	cfg.Supervisor.ShutdownTimeout = config.Duration(100 * time.Millisecond)
	l := &fakeLauncher{stubborn: true}

	s := New(cfg, st, l, logx.Nop())
	done := runSupervisor(t, s)

	start := time.Now()
	require.True(t, s.Signal(StopGraceful))
	require.NoError(t, waitStopped(t, done))
	assert.Less(t, time.Since(start), 5*time.Second)
	for _, c := range l.launched {
		assert.True(t, c.killed.Load())
	}
}

func TestContextCancelStopsGracefully(t *testing.T) {
	st := storetest.Open(t)
	cfg := testConfig(t, st, 1, 0)
	s := New(cfg, st, &fakeLauncher{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-s.Ready()
	cancel()
	require.NoError(t, waitStopped(t, done))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	assert.False(t, s.Signal(StopGraceful))
}

func TestCommandForSignal(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want Command
		ok   bool
	}{
		{syscall.SIGTERM, StopGraceful, true},
		{os.Interrupt, StopGraceful, true},
		{syscall.SIGQUIT, StopNow, true},
		{syscall.SIGHUP, Restart, true},
		{syscall.SIGKILL, 0, false},
	}
	for _, tt := range tests {
		got, ok := CommandForSignal(tt.sig)
		assert.Equal(t, tt.ok, ok, tt.sig.String())
		assert.Equal(t, tt.want, got, tt.sig.String())
	}
}

func TestPlan(t *testing.T) {
	cfg := &config.Config{
		Workers: []config.WorkerConfig{
			{Queues: []string{"mail"}, Processes: 2},
			{Queues: []string{"*"}},
		},
		Dispatchers: []config.DispatcherConfig{{}},
	}
	specs := Plan(cfg)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"dispatcher-1", "worker-1.1", "worker-1.2", "worker-2.1"}, names)
	assert.Equal(t, domain.KindDispatcher, specs[0].Kind)
	assert.Equal(t, []string{"mail"}, specs[2].Worker.Queues)
}

func TestDirectSpec(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.Mode = config.ModeWorker
	spec, err := DirectSpec(cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.KindWorker, spec.Kind)

	cfg.Supervisor.Mode = config.ModeAsync
	_, err = DirectSpec(cfg)
	assert.Error(t, err)
}
