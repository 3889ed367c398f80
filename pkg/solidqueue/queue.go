// Package solidqueue embeds a solid-queue supervisor in a Go program.
//
//	reg := solidqueue.NewRegistry()
//	reg.Register("email", solidqueue.HandlerFunc(sendEmail))
//	solidqueue.RunChildIfRequested(reg) // must run before anything else in main
//
//	q, err := solidqueue.Open("queue.yml", solidqueue.WithRegistry(reg))
//	...
//	if err := q.Start(ctx); err != nil { ... }
//	defer q.Stop(context.Background())
package solidqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/buncis/solid-queue/internal/analytics"
	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/dispatcher"
	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/eventbus"
	"github.com/buncis/solid-queue/internal/executor"
	"github.com/buncis/solid-queue/internal/metrics"
	"github.com/buncis/solid-queue/internal/ops"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/supervisor"
	"github.com/buncis/solid-queue/internal/worker"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

type (
	Config        = config.Config
	Job           = domain.Job
	Handler       = executor.Handler
	HandlerFunc   = executor.HandlerFunc
	Registry      = executor.Registry
	EnqueueParams = store.EnqueueParams
	Event         = eventbus.Event
	Command       = supervisor.Command
	State         = supervisor.State
)

const (
	StopGraceful = supervisor.StopGraceful
	StopNow      = supervisor.StopNow
	Restart      = supervisor.Restart
)

var (
	ErrNotStarted     = errors.New("solidqueue: not started")
	ErrAlreadyStarted = errors.New("solidqueue: already started")
)

// NewRegistry returns a handler registry with the builtin noop, sleep and fail classes.
func NewRegistry() *Registry {
	r := executor.NewRegistry()
	_ = executor.RegisterBuiltins(r)
	return r
}

// RunChildIfRequested turns this process into a forked child and exits when
// it was started by a fork-mode supervisor. Otherwise it returns immediately.
func RunChildIfRequested(reg *Registry) {
	if !supervisor.IsChild() {
		return
	}
	os.Exit(supervisor.RunChild(os.Stdin, reg))
}

type Option func(*Queue)

func WithRegistry(r *Registry) Option {
	return func(q *Queue) {
		if r != nil {
			q.reg = r
		}
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithChildArgs sets the arguments forked children are started with.
func WithChildArgs(args ...string) Option {
	return func(q *Queue) { q.childArgs = args }
}

// WithoutMigrations skips running migrations on Start.
func WithoutMigrations() Option {
	return func(q *Queue) { q.migrate = false }
}

// WithNotifier replaces the systemd notifier.
func WithNotifier(n supervisor.Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// Queue is one supervised solid-queue instance.
type Queue struct {
	cfg       *config.Config
	reg       *Registry
	log       logx.Logger
	logs      *logx.Service
	bus       eventbus.Bus
	childArgs []string
	migrate   bool
	notifier  supervisor.Notifier

	promReg *prometheus.Registry
	metrics *metrics.PrometheusSink

	mu        sync.Mutex
	st        *store.Store
	sup       *supervisor.Supervisor
	direct    directRun
	ops       *ops.Service
	analytics *analytics.RedisSink
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// directRun is the single component of the worker and dispatcher modes.
type directRun struct {
	comp   supervisor.Component
	cancel context.CancelFunc
}

// Open loads the config file at path (defaults when empty) and builds a Queue.
func Open(path string, opts ...Option) (*Queue, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// New builds a Queue for cfg, validating it first.
func New(cfg *Config, opts ...Option) (*Queue, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:      cfg,
		bus:      eventbus.New(),
		migrate:  true,
		notifier: supervisor.SystemdNotifier{},
		promReg:  prometheus.NewRegistry(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.reg == nil {
		q.reg = NewRegistry()
	}
	if q.log.IsZero() {
		q.logs, q.log = logx.New(cfg.Log.Logx())
	}
	q.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	q.metrics = metrics.NewPrometheusSink(q.promReg, q.log)
	return q, nil
}

func (q *Queue) Config() *Config { return q.cfg }

func (q *Queue) Logger() logx.Logger { return q.log }

// Register binds a job class to h.
func (q *Queue) Register(class string, h Handler) error { return q.reg.Register(class, h) }

// Gatherer exposes the metrics registry served on /metrics.
func (q *Queue) Gatherer() prometheus.Gatherer { return q.promReg }

// Events subscribes to supervisor lifecycle events.
func (q *Queue) Events(buffer int) (<-chan Event, func()) { return q.bus.Subscribe(buffer) }

// Start opens the store, runs migrations and launches the supervisor (or the
// single component of a direct mode). It returns once everything is launched;
// use WaitReady to wait for process registration.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done != nil {
		return ErrAlreadyStarted
	}
	cfg := q.cfg

	st, err := store.Open(cfg.Database.Store(), store.WithLogger(q.log))
	if err != nil {
		return err
	}
	if q.migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return err
		}
	}
	q.st = st

	comps := supervisor.NewComponents(cfg, st, q.reg, q.log)
	comps.WorkerObservers = []worker.Observer{q.metrics}
	comps.DispatcherObservers = []dispatcher.Observer{q.metrics}
	if sink := analytics.FromConfig(cfg.Analytics.Redis, q.log); sink != nil {
		q.analytics = sink
		comps.WorkerObservers = append(comps.WorkerObservers, sink)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.metrics.Watch(runCtx, q.bus)

	var opsSup ops.Supervisor
	switch cfg.Supervisor.Mode {
	case config.ModeWorker, config.ModeDispatcher:
		spec, err := supervisor.DirectSpec(cfg)
		if err != nil {
			q.abortStart()
			return err
		}
		comp, err := comps.Build(spec, 0)
		if err != nil {
			q.abortStart()
			return err
		}
		dctx, dcancel := context.WithCancel(runCtx)
		q.direct = directRun{comp: comp, cancel: dcancel}
		go q.finish(func() error { return comp.Run(dctx) })

	default:
		var launcher supervisor.Launcher
		if cfg.Supervisor.Mode == config.ModeFork {
			launcher = supervisor.NewForkLauncher(cfg, q.childArgs...)
		} else {
			launcher = supervisor.NewAsyncLauncher(comps)
		}
		q.sup = supervisor.New(cfg, st, launcher, q.log,
			supervisor.WithBus(q.bus),
			supervisor.WithNotifier(q.notifier),
		)
		opsSup = q.sup
		go q.finish(func() error { return q.sup.Run(runCtx) })
	}

	if cfg.Ops.Enabled {
		h := ops.Handler(ops.Deps{
			Store:      st,
			Supervisor: opsSup,
			Expected:   cfg.ExpectedProcesses(),
			Gatherer:   q.promReg,
		})
		q.ops = ops.NewService(cfg.Ops, h, q.log)
		q.ops.Start(runCtx)
	}
	return nil
}

func (q *Queue) abortStart() {
	q.cancel()
	_ = q.st.Close()
	q.st, q.done, q.cancel = nil, nil, nil
}

func (q *Queue) finish(run func() error) {
	err := run()
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
	close(q.done)
}

// Done is closed once the supervisor (or direct component) has exited.
func (q *Queue) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done == nil {
		return nil
	}
	return q.done
}

// Err is the exit error of the supervisor, valid after Done.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Signal delivers a lifecycle command. Direct modes ignore Restart.
func (q *Queue) Signal(cmd Command) bool {
	q.mu.Lock()
	sup, direct := q.sup, q.direct
	q.mu.Unlock()
	if sup != nil {
		return sup.Signal(cmd)
	}
	if direct.comp == nil {
		return false
	}
	switch cmd {
	case StopNow:
		if a, ok := direct.comp.(interface{ Abort() }); ok {
			a.Abort()
		}
		direct.cancel()
	case StopGraceful:
		direct.cancel()
	default:
		q.log.Debug("command ignored in direct mode", logx.String("command", cmd.String()))
		return false
	}
	return true
}

// State is the supervisor state; direct modes report running until stopped.
func (q *Queue) State() State {
	q.mu.Lock()
	sup, done := q.sup, q.done
	q.mu.Unlock()
	if sup != nil {
		return sup.State()
	}
	if done == nil {
		return supervisor.StateStarting
	}
	select {
	case <-done:
		return supervisor.StateStopped
	default:
		return supervisor.StateRunning
	}
}

// WaitReady blocks until every expected process row is registered.
func (q *Queue) WaitReady(ctx context.Context) error {
	q.mu.Lock()
	sup, direct, done, st := q.sup, q.direct, q.done, q.st
	q.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}
	expected := q.cfg.ExpectedProcesses()

	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for {
		ready, err := q.ready(ctx, sup, direct, st, expected)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			if err := q.Err(); err != nil {
				return err
			}
			return errors.New("solidqueue: stopped before ready")
		case <-t.C:
		}
	}
}

func (q *Queue) ready(ctx context.Context, sup *supervisor.Supervisor, direct directRun, st *store.Store, expected int) (bool, error) {
	if sup == nil {
		p, ok := direct.comp.(interface{ ProcessID() int64 })
		return ok && p.ProcessID() != 0, nil
	}
	if sup.State() != supervisor.StateRunning || sup.ProcessID() == 0 {
		return false, nil
	}
	rows, err := st.ProcessesBySupervisor(ctx, sup.ProcessID())
	if err != nil {
		return false, err
	}
	return len(rows)+1 >= expected, nil
}

// Stop stops gracefully and releases every resource. When ctx expires first,
// running jobs are aborted.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	if done == nil {
		return ErrNotStarted
	}

	q.Signal(StopGraceful)
	select {
	case <-done:
	case <-ctx.Done():
		q.Signal(StopNow)
		<-done
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		q.ops.Stop(sctx)
		cancel()
	}
	q.cancel()
	if q.analytics != nil {
		_ = q.analytics.Close()
	}
	var err error
	if q.st != nil {
		err = q.st.Close()
	}
	if q.logs != nil {
		_ = q.logs.Close()
	}
	return errors.Join(q.err, err)
}

// Store exposes the queue database, for enqueueing and administration.
func (q *Queue) Store() *store.Store {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.st
}

// Enqueue inserts a job. The queue must be started.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (Job, error) {
	st := q.Store()
	if st == nil {
		return Job{}, ErrNotStarted
	}
	return st.Enqueue(ctx, p)
}

// Reload adopts cfg: logging changes apply in place, worker, dispatcher and
// recurring changes restart the children, and anything else is reported and
// ignored until the process restarts.
func (q *Queue) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	old, sup := q.cfg, q.sup
	q.mu.Unlock()

	ch := config.Diff(old, cfg)
	if ch.Empty() {
		return nil
	}
	q.log.Info("config changed", append([]logx.Field{logx.Strings("sections", ch.Sections)}, ch.Fields...)...)
	if frozen := ch.Frozen(); len(frozen) > 0 {
		return fmt.Errorf("solidqueue: sections %v need a restart to change", frozen)
	}

	if ch.Has("log") && q.logs != nil {
		q.logs.Apply(cfg.Log.Logx())
	}
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
	if ch.NeedsRestart() {
		if sup == nil {
			return errors.New("solidqueue: direct modes cannot reconfigure children; restart the process")
		}
		sup.Reconfigure(cfg)
	}
	return nil
}

// WatchConfig reloads the queue whenever m publishes a new config, until ctx is done.
func (q *Queue) WatchConfig(ctx context.Context, m *config.Manager) {
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if err := q.Reload(cfg); err != nil {
				q.log.Warn("config change not applied", logx.Err(err))
			}
		}
	}
}
