// Package worker claims ready executions and runs them on a fixed pool of
// execution slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/registry"
	"github.com/buncis/solid-queue/internal/runtime/routines"
	"github.com/buncis/solid-queue/internal/store"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

type Store interface {
	registry.ProcessStore
	Claim(ctx context.Context, processID int64, queues []string, limit int) ([]domain.Job, error)
	ReleaseSuccess(ctx context.Context, processID, jobID int64) error
	ReleaseFailure(ctx context.Context, processID, jobID int64, execErr domain.ExecutionError) error
}

// Executor runs one job and returns its failure payload, or nil on success.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) *domain.ExecutionError
}

// Observer is told about every finished job.
type Observer interface {
	JobFinished(o domain.Outcome)
}

type Config struct {
	Name              string
	SupervisorID      int64
	Queues            []string
	Threads           int
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	SilencePolling    bool
	HistorySize       int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = registry.DefaultName(domain.KindWorker)
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{"*"}
	}
	if c.Threads <= 0 {
		c.Threads = 3
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 100 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Metadata is what the worker publishes on its process row.
func (c Config) Metadata() domain.Metadata {
	return domain.Metadata{
		domain.MetaQueues:          c.Queues,
		domain.MetaThreads:         c.Threads,
		domain.MetaPollingInterval: c.PollingInterval.String(),
	}
}

const (
	maxStoreBackoff = 30 * time.Second
	releaseAttempts = 3
	releaseTimeout  = 30 * time.Second
)

type Worker struct {
	cfg  Config
	st   Store
	exec Executor
	obs  []Observer
	log  logx.Logger

	errLog *rate.Limiter

	mu     sync.Mutex
	reg    *registry.Registration
	jobCtx context.Context
	abort  context.CancelFunc
	group  *routines.Group

	jobs      sync.WaitGroup
	inflight  atomic.Int32
	freed     chan struct{}
	processed atomic.Uint64
	failed    atomic.Uint64

	hmu     sync.Mutex
	history []domain.Outcome
}

type Option func(*Worker)

func WithObserver(o Observer) Option {
	return func(w *Worker) {
		if o != nil {
			w.obs = append(w.obs, o)
		}
	}
}

func New(cfg Config, st Store, exec Executor, log logx.Logger, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:    cfg,
		st:     st,
		exec:   exec,
		log:    log.Component("worker").With(logx.String("name", cfg.Name)),
		errLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
		freed:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() string { return w.cfg.Name }

// ProcessID is 0 until the worker has registered.
func (w *Worker) ProcessID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reg == nil {
		return 0
	}
	return w.reg.ID()
}

// Run registers the worker and processes jobs until ctx is canceled. On
// cancellation it stops claiming and waits for running jobs; Abort cancels
// them. It returns registry.ErrLost when the process row was pruned.
func (w *Worker) Run(ctx context.Context) error {
	reg, err := registry.Register(ctx, w.st, registry.Identity(domain.KindWorker, w.cfg.Name, w.cfg.SupervisorID, w.cfg.Metadata()), w.cfg.HeartbeatInterval, w.log)
	if err != nil {
		return fmt.Errorf("worker register: %w", err)
	}
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	g := routines.New(ctx, routines.WithLogger(w.log), routines.WithCancelOnError(true))
	w.mu.Lock()
	w.reg, w.jobCtx, w.abort, w.group = reg, jobCtx, abort, g
	w.mu.Unlock()

	g.Go("heartbeat", reg.Run)
	g.Go("poll", w.poll)

	<-g.Context().Done()
	_ = g.Wait(context.Background())
	runErr := g.Err()
	if errors.Is(runErr, registry.ErrLost) {
		// Our claims were already failed by whoever pruned the row.
		abort()
	}

	if n := w.inflight.Load(); n > 0 {
		w.log.Info("waiting for running jobs", logx.Int("running", int(n)))
	}
	w.jobs.Wait()

	if errors.Is(runErr, registry.ErrLost) {
		return registry.ErrLost
	}
	if err := reg.Deregister("worker stopped"); err != nil {
		return err
	}
	return runErr
}

// Abort cancels the context of every running job.
func (w *Worker) Abort() {
	w.mu.Lock()
	abort := w.abort
	w.mu.Unlock()
	if abort != nil {
		w.log.Warn("aborting running jobs", logx.Int("running", int(w.inflight.Load())))
		abort()
	}
}

func (w *Worker) poll(ctx context.Context) error {
	processID := w.ProcessID()
	var backoff time.Duration
	for ctx.Err() == nil {
		idle := w.cfg.Threads - int(w.inflight.Load())
		if idle <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-w.freed:
			}
			continue
		}

		jobs, err := w.st.Claim(ctx, processID, w.cfg.Queues, idle)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, store.ErrProcessNotFound) {
				return registry.ErrLost
			}
			backoff = min(max(backoff*2, w.cfg.PollingInterval), maxStoreBackoff)
			if w.errLog.Allow() {
				w.log.Warn("claim failed; backing off", logx.Duration("backoff", backoff), logx.Err(err))
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		for _, job := range jobs {
			w.start(processID, job)
		}
		if !w.cfg.SilencePolling && len(jobs) > 0 {
			w.log.Debug("claimed jobs", logx.Int("claimed", len(jobs)), logx.Int("idle", idle-len(jobs)))
		}
		// A full batch means there may be more ready work: poll again right away.
		if len(jobs) == idle {
			continue
		}
		if !sleepCtx(ctx, w.cfg.PollingInterval) {
			return nil
		}
	}
	return nil
}

func (w *Worker) start(processID int64, job domain.Job) {
	w.inflight.Add(1)
	w.jobs.Add(1)
	w.mu.Lock()
	jobCtx := w.jobCtx
	w.mu.Unlock()

	go func() {
		defer w.jobs.Done()
		defer func() {
			w.inflight.Add(-1)
			select {
			case w.freed <- struct{}{}:
			default:
			}
		}()

		started := time.Now()
		execErr := w.exec.Execute(jobCtx, job)
		out := domain.Outcome{
			JobID:    job.ID,
			Queue:    job.QueueName,
			Class:    job.ClassName,
			Started:  started,
			Duration: time.Since(started),
			Failed:   execErr != nil,
		}
		if execErr != nil {
			out.ExceptionClass = execErr.ExceptionClass
		}
		if err := w.release(processID, job.ID, execErr); err != nil {
			out.ReleaseError = err.Error()
		}
		w.finish(out, execErr)
	}()
}

// release records the outcome, retrying transient store errors. A lost claim
// is not retried: the reaper already failed it.
func (w *Worker) release(processID, jobID int64, execErr *domain.ExecutionError) error {
	var err error
	for attempt := 1; attempt <= releaseAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		if execErr == nil {
			err = w.st.ReleaseSuccess(ctx, processID, jobID)
		} else {
			err = w.st.ReleaseFailure(ctx, processID, jobID, *execErr)
		}
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrClaimLost) {
			w.log.Warn("claim lost before release", logx.Int64("job_id", jobID))
			return err
		}
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	w.log.Error("release failed; claim left for the reaper", logx.Int64("job_id", jobID), logx.Err(err))
	return err
}

func (w *Worker) finish(out domain.Outcome, execErr *domain.ExecutionError) {
	w.processed.Add(1)
	if out.Failed {
		w.failed.Add(1)
		w.log.Warn("job failed",
			logx.Int64("job_id", out.JobID),
			logx.String("class", out.Class),
			logx.String("queue", out.Queue),
			logx.Duration("dur", out.Duration),
			logx.Err(execErr),
		)
	} else {
		w.log.Debug("job performed", logx.Int64("job_id", out.JobID), logx.String("class", out.Class), logx.Duration("dur", out.Duration))
	}

	w.hmu.Lock()
	w.history = append(w.history, out)
	if len(w.history) > w.cfg.HistorySize {
		w.history = w.history[len(w.history)-w.cfg.HistorySize:]
	}
	w.hmu.Unlock()

	for _, o := range w.obs {
		o.JobFinished(out)
	}
}

// Stats is a point-in-time view for operators.
type Stats struct {
	Name      string            `json:"name"`
	ProcessID int64             `json:"process_id"`
	Queues    []string          `json:"queues"`
	Threads   int               `json:"threads"`
	Running   int               `json:"running"`
	Processed uint64            `json:"processed"`
	Failed    uint64            `json:"failed"`
	Routines  routines.Snapshot `json:"routines"`
	History   []domain.Outcome  `json:"history,omitempty"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	g := w.group
	w.mu.Unlock()
	w.hmu.Lock()
	hist := append([]domain.Outcome(nil), w.history...)
	w.hmu.Unlock()
	return Stats{
		Name:      w.cfg.Name,
		ProcessID: w.ProcessID(),
		Queues:    w.cfg.Queues,
		Threads:   w.cfg.Threads,
		Running:   int(w.inflight.Load()),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Routines:  g.Snapshot(),
		History:   hist,
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
