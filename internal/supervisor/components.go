package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/dispatcher"
	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/worker"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// ChildSpec describes one supervised worker or dispatcher. It is sent as JSON
// to forked children.
type ChildSpec struct {
	Kind       domain.ProcessKind       `json:"kind"`
	Name       string                   `json:"name"`
	Worker     *config.WorkerConfig     `json:"worker,omitempty"`
	Dispatcher *config.DispatcherConfig `json:"dispatcher,omitempty"`
}

// Plan expands cfg into one spec per child: every dispatcher entry, and each
// worker pool repeated Processes times.
func Plan(cfg *config.Config) []ChildSpec {
	var specs []ChildSpec
	for i := range cfg.Dispatchers {
		d := cfg.Dispatchers[i]
		specs = append(specs, ChildSpec{
			Kind:       domain.KindDispatcher,
			Name:       fmt.Sprintf("dispatcher-%d", i+1),
			Dispatcher: &d,
		})
	}
	for i := range cfg.Workers {
		w := cfg.Workers[i]
		for n := 0; n < max(w.Processes, 1); n++ {
			specs = append(specs, ChildSpec{
				Kind:   domain.KindWorker,
				Name:   fmt.Sprintf("worker-%d.%d", i+1, n+1),
				Worker: &w,
			})
		}
	}
	return specs
}

// Component is a worker or dispatcher: something that registers itself and
// runs until its context is done.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

type aborter interface{ Abort() }

// Components builds components against a shared store.
type Components struct {
	Store               *store.Store
	Executor            worker.Executor
	WorkerObservers     []worker.Observer
	DispatcherObservers []dispatcher.Observer
	Log                 logx.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

func NewComponents(cfg *config.Config, st *store.Store, exec worker.Executor, log logx.Logger) *Components {
	return &Components{Store: st, Executor: exec, Log: log, cfg: cfg}
}

func (c *Components) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig affects components built afterwards.
func (c *Components) SetConfig(cfg *config.Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Build creates the component for spec, attributed to supervisorID (0 when unsupervised).
func (c *Components) Build(spec ChildSpec, supervisorID int64) (Component, error) {
	cfg := c.Config()
	heartbeat := cfg.Supervisor.HeartbeatInterval.Std()

	switch spec.Kind {
	case domain.KindWorker:
		if spec.Worker == nil {
			return nil, fmt.Errorf("child %s: missing worker config", spec.Name)
		}
		w := spec.Worker
		opts := make([]worker.Option, 0, len(c.WorkerObservers))
		for _, o := range c.WorkerObservers {
			opts = append(opts, worker.WithObserver(o))
		}
		return worker.New(worker.Config{
			Name:              spec.Name,
			SupervisorID:      supervisorID,
			Queues:            w.Queues,
			Threads:           w.Threads,
			PollingInterval:   w.PollingInterval.Std(),
			HeartbeatInterval: heartbeat,
			SilencePolling:    w.SilencePolling,
		}, c.Store, c.Executor, c.Log, opts...), nil

	case domain.KindDispatcher:
		if spec.Dispatcher == nil {
			return nil, fmt.Errorf("child %s: missing dispatcher config", spec.Name)
		}
		d := spec.Dispatcher
		tasks, err := cfg.RecurringTasks()
		if err != nil {
			return nil, fmt.Errorf("child %s: %w", spec.Name, err)
		}
		opts := make([]dispatcher.Option, 0, len(c.DispatcherObservers))
		for _, o := range c.DispatcherObservers {
			opts = append(opts, dispatcher.WithObserver(o))
		}
		return dispatcher.New(dispatcher.Config{
			Name:                           spec.Name,
			SupervisorID:                   supervisorID,
			PollingInterval:                d.PollingInterval.Std(),
			BatchSize:                      d.BatchSize,
			ConcurrencyMaintenance:         d.MaintenanceEnabled(),
			ConcurrencyMaintenanceInterval: d.ConcurrencyMaintenanceInterval.Std(),
			HeartbeatInterval:              heartbeat,
			SilencePolling:                 d.SilencePolling,
			Recurring:                      tasks,
		}, c.Store, c.Log, opts...), nil
	}
	return nil, fmt.Errorf("child %s: unsupported kind %q", spec.Name, spec.Kind)
}

// DirectSpec is the single component run by the worker and dispatcher modes:
// the first configured pool of that kind.
func DirectSpec(cfg *config.Config) (ChildSpec, error) {
	switch cfg.Supervisor.Mode {
	case config.ModeWorker:
		if len(cfg.Workers) == 0 {
			return ChildSpec{}, fmt.Errorf("mode %s: no worker configured", cfg.Supervisor.Mode)
		}
		w := cfg.Workers[0]
		return ChildSpec{Kind: domain.KindWorker, Name: "worker", Worker: &w}, nil
	case config.ModeDispatcher:
		if len(cfg.Dispatchers) == 0 {
			return ChildSpec{}, fmt.Errorf("mode %s: no dispatcher configured", cfg.Supervisor.Mode)
		}
		d := cfg.Dispatchers[0]
		return ChildSpec{Kind: domain.KindDispatcher, Name: "dispatcher", Dispatcher: &d}, nil
	}
	return ChildSpec{}, fmt.Errorf("mode %q has no direct component", cfg.Supervisor.Mode)
}
