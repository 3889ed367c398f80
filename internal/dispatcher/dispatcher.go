// Package dispatcher promotes due scheduled executions, runs concurrency
// maintenance and drives recurring tasks. Any number of dispatchers may run
// against one store; each duty is safe under concurrent dispatchers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/recurring"
	"github.com/buncis/solid-queue/internal/registry"
	"github.com/buncis/solid-queue/internal/runtime/routines"
	"github.com/buncis/solid-queue/internal/store"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

type Store interface {
	registry.ProcessStore
	recurring.Enqueuer
	PromoteScheduled(ctx context.Context, batch int) (int, error)
	ReconcileSemaphores(ctx context.Context) (store.MaintenanceReport, error)
}

// Observer is told how many executions each promotion pass moved.
type Observer interface {
	Promoted(n int)
}

type Config struct {
	Name                           string
	SupervisorID                   int64
	PollingInterval                time.Duration
	BatchSize                      int
	ConcurrencyMaintenance         bool
	ConcurrencyMaintenanceInterval time.Duration
	HeartbeatInterval              time.Duration
	SilencePolling                 bool
	Recurring                      []recurring.Task
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = registry.DefaultName(domain.KindDispatcher)
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ConcurrencyMaintenanceInterval <= 0 {
		c.ConcurrencyMaintenanceInterval = 600 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	return c
}

// Metadata omits concurrency_maintenance_interval entirely when maintenance
// is disabled, and recurring_schedule when there are no recurring tasks.
func (c Config) Metadata() domain.Metadata {
	m := domain.Metadata{
		domain.MetaPollingInterval: c.PollingInterval.String(),
		domain.MetaBatchSize:       c.BatchSize,
	}
	if c.ConcurrencyMaintenance {
		m[domain.MetaConcurrencyMaintenanceInterval] = c.ConcurrencyMaintenanceInterval.String()
	}
	if len(c.Recurring) > 0 {
		m[domain.MetaRecurringSchedule] = recurring.Keys(c.Recurring)
	}
	return m
}

const maxStoreBackoff = 30 * time.Second

type Dispatcher struct {
	cfg Config
	st  Store
	obs []Observer
	log logx.Logger

	errLog *rate.Limiter

	mu    sync.Mutex
	reg   *registry.Registration
	group *routines.Group

	promoted     atomic.Uint64
	maintenances atomic.Uint64
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.obs = append(d.obs, o)
		}
	}
}

func New(cfg Config, st Store, log logx.Logger, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		st:     st,
		log:    log.Component("dispatcher").With(logx.String("name", cfg.Name)),
		errLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Name() string { return d.cfg.Name }

func (d *Dispatcher) ProcessID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reg == nil {
		return 0
	}
	return d.reg.ID()
}

// Run registers the dispatcher and runs its duties until ctx is canceled.
// It returns registry.ErrLost when the process row was pruned.
func (d *Dispatcher) Run(ctx context.Context) error {
	reg, err := registry.Register(ctx, d.st, registry.Identity(domain.KindDispatcher, d.cfg.Name, d.cfg.SupervisorID, d.cfg.Metadata()), d.cfg.HeartbeatInterval, d.log)
	if err != nil {
		return fmt.Errorf("dispatcher register: %w", err)
	}
	g := routines.New(ctx, routines.WithLogger(d.log), routines.WithCancelOnError(true))
	d.mu.Lock()
	d.reg, d.group = reg, g
	d.mu.Unlock()

	g.Go("heartbeat", reg.Run)
	g.Go("promote", d.promoteLoop)
	if d.cfg.ConcurrencyMaintenance {
		g.Go("maintenance", d.maintenanceLoop)
	}
	if len(d.cfg.Recurring) > 0 {
		sched := recurring.NewScheduler(d.st, d.cfg.Recurring, d.log.Component("recurring"))
		g.Go("recurring", sched.Run)
	}

	<-g.Context().Done()
	_ = g.Wait(context.Background())
	runErr := g.Err()
	if errors.Is(runErr, registry.ErrLost) {
		return registry.ErrLost
	}
	if err := reg.Deregister("dispatcher stopped"); err != nil {
		return err
	}
	return runErr
}

func (d *Dispatcher) promoteLoop(ctx context.Context) error {
	var backoff time.Duration
	for ctx.Err() == nil {
		n, err := d.st.PromoteScheduled(ctx, d.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff = min(max(backoff*2, d.cfg.PollingInterval), maxStoreBackoff)
			if d.errLog.Allow() {
				d.log.Warn("promotion failed; backing off", logx.Duration("backoff", backoff), logx.Err(err))
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0
		if n > 0 {
			d.promoted.Add(uint64(n))
			for _, o := range d.obs {
				o.Promoted(n)
			}
			if !d.cfg.SilencePolling {
				d.log.Debug("promoted scheduled executions", logx.Int("count", n))
			}
		}
		if n >= d.cfg.BatchSize {
			continue
		}
		if !sleepCtx(ctx, d.cfg.PollingInterval) {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) maintenanceLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.ConcurrencyMaintenanceInterval)
	defer t.Stop()
	for {
		d.maintain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (d *Dispatcher) maintain(ctx context.Context) {
	rep, err := d.st.ReconcileSemaphores(ctx)
	if err != nil {
		if ctx.Err() == nil && d.errLog.Allow() {
			d.log.Warn("concurrency maintenance failed", logx.Err(err))
		}
		return
	}
	d.maintenances.Add(1)
	if rep != (store.MaintenanceReport{}) {
		d.log.Info("concurrency maintenance",
			logx.Int("adjusted", rep.Adjusted),
			logx.Int("restored", rep.Restored),
			logx.Int("expired", rep.Expired),
			logx.Int("unblocked", rep.Unblocked),
		)
	}
}

type Stats struct {
	Name         string            `json:"name"`
	ProcessID    int64             `json:"process_id"`
	Promoted     uint64            `json:"promoted"`
	Maintenances uint64            `json:"maintenances"`
	Recurring    []string          `json:"recurring,omitempty"`
	Routines     routines.Snapshot `json:"routines"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	return Stats{
		Name:         d.cfg.Name,
		ProcessID:    d.ProcessID(),
		Promoted:     d.promoted.Load(),
		Maintenances: d.maintenances.Load(),
		Recurring:    recurring.Keys(d.cfg.Recurring),
		Routines:     g.Snapshot(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
