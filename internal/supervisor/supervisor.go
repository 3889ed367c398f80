// Package supervisor owns the process tree: it registers itself, launches one
// child per configured worker and dispatcher, respawns children that die,
// prunes dead process rows and relays lifecycle commands.
//
// Children run either as goroutines (AsyncLauncher) or as re-executed OS
// processes (ForkLauncher); the control loop does not care which.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/eventbus"
	"github.com/buncis/solid-queue/internal/registry"
	"github.com/buncis/solid-queue/internal/runtime/routines"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

type Store interface {
	registry.ProcessStore
	registry.ReaperStore
	ProcessesBySupervisor(ctx context.Context, supervisorID int64) ([]domain.Process, error)
}

var (
	// ErrCrashBudgetExceeded is returned by Run when children keep dying faster
	// than the crash budget allows.
	ErrCrashBudgetExceeded = errors.New("supervisor: child crash budget exceeded")
	ErrAlreadyRunning      = errors.New("supervisor: already running")
)

const (
	killGrace  = 2 * time.Second
	cleanupTTL = 10 * time.Second
)

type child struct {
	spec     ChildSpec
	proc     Child
	started  time.Time
	restarts int
	stopping bool
}

// ChildInfo describes a running child.
type ChildInfo struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Pid       int       `json:"pid"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	// Stats is the component's own view; only in-process children report it.
	Stats any `json:"stats,omitempty"`
}

type Supervisor struct {
	cfg      *config.Config
	st       Store
	launcher Launcher
	log      logx.Logger
	bus      eventbus.Bus
	notify   Notifier
	name     string

	specs    []ChildSpec
	commands chan Command
	reconfig chan *config.Config
	exits    chan *child
	quit     chan struct{}

	started   atomic.Bool
	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once

	crash  *rate.Limiter
	reaper *registry.Reaper

	mu       sync.Mutex
	children map[string]*child
	reg      *registry.Registration
	group    *routines.Group
}

type Option func(*Supervisor)

func WithBus(b eventbus.Bus) Option {
	return func(s *Supervisor) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) {
		if n != nil {
			s.notify = n
		}
	}
}

func WithName(name string) Option {
	return func(s *Supervisor) {
		if name != "" {
			s.name = name
		}
	}
}

// New builds a supervisor for cfg, which must already be validated.
func New(cfg *config.Config, st Store, launcher Launcher, log logx.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		st:       st,
		launcher: launcher,
		log:      log.Component("supervisor"),
		bus:      eventbus.Nop(),
		notify:   nopNotifier{},
		name:     registry.DefaultName(domain.KindSupervisor),
		specs:    Plan(cfg),
		commands: make(chan Command, 4),
		reconfig: make(chan *config.Config, 1),
		exits:    make(chan *child, 64),
		quit:     make(chan struct{}),
		ready:    make(chan struct{}),
		children: map[string]*child{},
	}
	for _, o := range opts {
		o(s)
	}
	s.crash = crashLimiter(cfg.Supervisor.CrashBudget)
	s.reaper = registry.NewReaper(st, registry.ReaperConfig{
		AliveThreshold: cfg.Supervisor.ProcessAliveThreshold.Std(),
		CheckPIDs:      true,
	}, log)
	s.state.Store(int32(StateStarting))
	return s
}

// crashLimiter allows Max unexpected exits at once, refilling one every Window/Max.
func crashLimiter(b config.CrashBudgetConfig) *rate.Limiter {
	n := max(b.Max, 1)
	window := b.Window.Or(config.DefaultCrashWindow)
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Ready is closed once every child has been launched the first time.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.quit }

func (s *Supervisor) ProcessID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return 0
	}
	return s.reg.ID()
}

// Signal queues a command for the control loop. It reports false when the
// command queue is full or the supervisor has exited.
func (s *Supervisor) Signal(cmd Command) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.commands <- cmd:
		return true
	default:
		return false
	}
}

// Reconfigure replaces the child plan with one built from cfg and restarts
// every child. The supervisor row is kept.
func (s *Supervisor) Reconfigure(cfg *config.Config) {
	for {
		select {
		case s.reconfig <- cfg:
			return
		case <-s.reconfig:
		case <-s.quit:
			return
		}
	}
}

func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	out := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, ChildInfo{
			Name:      c.spec.Name,
			Kind:      string(c.spec.Kind),
			Pid:       c.proc.Pid(),
			Restarts:  c.restarts,
			StartedAt: c.started,
			Stats:     childStats(c.proc),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) Routines() routines.Snapshot {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	return g.Snapshot()
}

// Run registers the supervisor, launches every child and supervises them
// until ctx is done or a stop command arrives. Both stop gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.quit)

	meta := domain.Metadata{domain.MetaMode: s.cfg.Supervisor.Mode}
	reg, err := registry.Register(ctx, s.st,
		registry.Identity(domain.KindSupervisor, s.name, 0, meta),
		s.cfg.Supervisor.HeartbeatInterval.Std(), s.log)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("supervisor: register: %w", err)
	}

	group := routines.New(context.WithoutCancel(ctx), routines.WithLogger(s.log))
	s.mu.Lock()
	s.reg = reg
	s.group = group
	s.mu.Unlock()

	group.Go("heartbeat", reg.Run)
	if every := s.notify.WatchdogInterval(); every > 0 {
		group.Go("watchdog", func(ctx context.Context) error {
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					s.notify.Watchdog()
				}
			}
		})
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), cleanupTTL)
		defer cancel()
		_ = group.Stop(wctx)
	}()

	s.reap(ctx)
	if err := s.startChildren(); err != nil {
		s.shutdown(false)
		return err
	}
	s.running()
	s.readyOnce.Do(func() { close(s.ready) })

	reap := time.NewTicker(s.cfg.Supervisor.MaintenanceInterval.Or(config.DefaultMaintenanceInterval))
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(false)
			return nil

		case cmd := <-s.commands:
			s.log.Info("command received", logx.String("command", cmd.String()))
			switch cmd {
			case StopGraceful:
				s.shutdown(false)
				return nil
			case StopNow:
				s.shutdown(true)
				return nil
			case Restart:
				if err := s.restart(nil); err != nil {
					s.shutdown(false)
					return err
				}
			}

		case cfg := <-s.reconfig:
			if err := s.restart(cfg); err != nil {
				s.shutdown(false)
				return err
			}

		case c := <-s.exits:
			if err := s.childExited(c); err != nil {
				s.shutdown(false)
				return err
			}

		case <-reap.C:
			s.reap(ctx)

		case <-reg.Lost():
			s.log.Error("supervisor row pruned; stopping children")
			s.shutdown(false)
			return registry.ErrLost
		}
	}
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("state changed", logx.String("from", from.String()), logx.String("to", to.String()))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.SupervisorState,
		Data: eventbus.StateData{From: from.String(), To: to.String()},
	})
}

func (s *Supervisor) running() {
	s.setState(StateRunning)
	s.notify.Ready(fmt.Sprintf("%d children", len(s.specs)))
	s.log.Info("supervisor running",
		logx.String("mode", s.cfg.Supervisor.Mode),
		logx.Int64("process_id", s.ProcessID()),
		logx.Int("children", len(s.specs)),
	)
}

func (s *Supervisor) startChildren() error {
	for _, spec := range s.specs {
		if _, err := s.launch(spec, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) launch(spec ChildSpec, restarts int) (*child, error) {
	proc, err := s.launcher.Launch(spec, s.ProcessID())
	if err != nil {
		return nil, fmt.Errorf("supervisor: launch %s: %w", spec.Name, err)
	}
	c := &child{spec: spec, proc: proc, started: time.Now(), restarts: restarts}
	s.mu.Lock()
	s.children[spec.Name] = c
	s.mu.Unlock()

	go func() {
		select {
		case <-proc.Done():
		case <-s.quit:
			return
		}
		select {
		case s.exits <- c:
		case <-s.quit:
		}
	}()

	s.log.Info("child started",
		logx.String("name", spec.Name),
		logx.String("kind", string(spec.Kind)),
		logx.Int("pid", proc.Pid()),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.ChildStarted, Data: childData(c, nil)})
	return c, nil
}

func (s *Supervisor) childExited(c *child) error {
	s.mu.Lock()
	cur, ok := s.children[c.spec.Name]
	expected := !ok || cur != c || c.stopping
	if !expected {
		delete(s.children, c.spec.Name)
	}
	s.mu.Unlock()
	if expected {
		return nil
	}

	err := c.proc.Err()
	s.log.Warn("child exited unexpectedly",
		logx.String("name", c.spec.Name),
		logx.Int("pid", c.proc.Pid()),
		logx.Err(err),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.ChildExited, Data: childData(c, err)})
	s.cleanupChild(c)

	if !s.crash.Allow() {
		s.log.Error("children are crashing too often; giving up",
			logx.Int("max", s.cfg.Supervisor.CrashBudget.Max),
			logx.Duration("window", s.cfg.Supervisor.CrashBudget.Window.Std()),
		)
		return ErrCrashBudgetExceeded
	}

	next, lerr := s.launch(c.spec, c.restarts+1)
	if lerr != nil {
		return lerr
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ChildRespawned, Data: childData(next, nil)})
	return nil
}

// cleanupChild removes the row a dead child left behind, failing its claims.
func (s *Supervisor) cleanupChild(c *child) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTTL)
	defer cancel()
	rows, err := s.st.ProcessesBySupervisor(ctx, s.ProcessID())
	if err != nil {
		s.log.Warn("list child rows", logx.Err(err))
		return
	}
	for _, p := range rows {
		if p.Name != c.spec.Name || p.PID != c.proc.Pid() {
			continue
		}
		failed, err := s.st.DeregisterProcess(ctx, p.ID, "child exited")
		if err != nil {
			s.log.Warn("deregister dead child", logx.Int64("process_id", p.ID), logx.Err(err))
			continue
		}
		if failed > 0 {
			s.log.Warn("failed claims of dead child", logx.String("name", c.spec.Name), logx.Int("count", failed))
		}
	}
}

// restart stops every child and launches the plan again, from cfg when set.
func (s *Supervisor) restart(cfg *config.Config) error {
	s.setState(StateRestarting)
	s.notify.Reloading()
	s.stopChildren(false)
	s.cleanupRows()

	if cfg != nil {
		s.cfg = cfg
		s.specs = Plan(cfg)
		if l, ok := s.launcher.(configurable); ok {
			l.SetConfig(cfg)
		}
		s.crash = crashLimiter(cfg.Supervisor.CrashBudget)
	}
	if err := s.startChildren(); err != nil {
		return err
	}
	s.running()
	return nil
}

// shutdown stops children, removes their leftover rows and deregisters the supervisor.
func (s *Supervisor) shutdown(now bool) {
	s.setState(StateStopping)
	s.notify.Stopping()
	s.stopChildren(now)
	s.cleanupRows()

	s.mu.Lock()
	reg := s.reg
	s.mu.Unlock()
	if reg != nil {
		_ = reg.Deregister("supervisor stopped")
	}
	s.setState(StateStopped)
	s.log.Info("supervisor stopped")
}

// stopChildren asks every child to stop, waits up to the shutdown timeout and
// kills whatever is left.
func (s *Supervisor) stopChildren(now bool) {
	s.mu.Lock()
	list := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		c.stopping = true
		list = append(list, c)
	}
	s.children = map[string]*child{}
	s.mu.Unlock()
	if len(list) == 0 {
		return
	}

	for _, c := range list {
		c.proc.Stop(now)
	}
	timeout := s.cfg.Supervisor.ShutdownTimeout.Or(config.DefaultShutdownTimeout)
	left := waitChildren(list, timeout)
	if len(left) > 0 {
		s.log.Warn("shutdown timeout exceeded; killing children",
			logx.Duration("timeout", timeout),
			logx.Int("remaining", len(left)),
		)
		for _, c := range left {
			c.proc.Kill()
		}
		left = waitChildren(left, killGrace)
	}
	for _, c := range list {
		s.bus.Publish(eventbus.Event{Type: eventbus.ChildExited, Data: childData(c, c.proc.Err())})
	}
	for _, c := range left {
		s.log.Error("child did not exit", logx.String("name", c.spec.Name), logx.Int("pid", c.proc.Pid()))
	}
}

// cleanupRows deregisters child rows that stopped children failed to remove.
func (s *Supervisor) cleanupRows() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTTL)
	defer cancel()
	rows, err := s.st.ProcessesBySupervisor(ctx, s.ProcessID())
	if err != nil {
		s.log.Warn("list child rows", logx.Err(err))
		return
	}
	for _, p := range rows {
		failed, err := s.st.DeregisterProcess(ctx, p.ID, "supervisor stopped children")
		if err != nil {
			s.log.Warn("deregister child row", logx.Int64("process_id", p.ID), logx.Err(err))
			continue
		}
		s.log.Debug("removed leftover child row", logx.Int64("process_id", p.ID), logx.Int("failed_claims", failed))
	}
}

func (s *Supervisor) reap(ctx context.Context) {
	res, err := s.reaper.Run(ctx, s.ProcessID())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("reaper failed", logx.Err(err))
		}
		return
	}
	if len(res.Pruned) == 0 && res.FailedClaims == 0 && res.Orphaned == 0 {
		return
	}
	ids := make([]int64, 0, len(res.Pruned))
	for _, p := range res.Pruned {
		ids = append(ids, p.ID)
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.ReaperPruned,
		Data: eventbus.ReapData{Pruned: ids, FailedClaims: res.FailedClaims + res.Orphaned},
	})
}

// waitChildren returns the children still running after d.
func waitChildren(list []*child, d time.Duration) []*child {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for i, c := range list {
		select {
		case <-c.proc.Done():
		case <-deadline.C:
			var left []*child
			for _, r := range list[i:] {
				select {
				case <-r.proc.Done():
				default:
					left = append(left, r)
				}
			}
			return left
		}
	}
	return nil
}

func childData(c *child, err error) eventbus.ChildData {
	d := eventbus.ChildData{
		Name:     c.spec.Name,
		Kind:     string(c.spec.Kind),
		Pid:      c.proc.Pid(),
		Restarts: c.restarts,
	}
	if err != nil {
		d.Err = err.Error()
	}
	return d
}
