// Package routines runs named goroutines tied to one context: panics become
// errors, stats are kept per name and loops can be restarted with backoff.
package routines

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/buncis/solid-queue/pkg/logx"
)

// Group manages goroutines sharing a context.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	started uint64
	active  int64

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	doneOnce    sync.Once
	doneCh      chan struct{}
	wg          sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*routineStats
}

type Option func(*Group)

func WithLogger(log logx.Logger) Option {
	return func(g *Group) { g.log = log }
}

// WithCancelOnError cancels the group context on the first non-nil error.
func WithCancelOnError(enabled bool) Option {
	return func(g *Group) { g.cancelOnErr = enabled }
}

// Stats is a best-effort view of the goroutines started under one name.
type Stats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Active     int64   `json:"active"`
	Started    uint64  `json:"started"`
	FirstError string  `json:"first_error,omitempty"`
	Routines   []Stats `json:"routines"`
}

type routineStats struct {
	Stats
}

func New(parent context.Context, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*routineStats{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Group) Context() context.Context { return g.ctx }

// Cancel cancels the group context without waiting.
func (g *Group) Cancel() { g.cancel() }

func (g *Group) Err() error {
	if v, ok := g.firstErr.Load().(error); ok {
		return v
	}
	return nil
}

func (g *Group) Snapshot() Snapshot {
	if g == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: atomic.LoadInt64(&g.active), Started: atomic.LoadUint64(&g.started)}
	if err := g.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	g.mu.Lock()
	for _, st := range g.stats {
		snap.Routines = append(snap.Routines, st.Stats)
	}
	g.mu.Unlock()
	sort.Slice(snap.Routines, func(i, j int) bool { return snap.Routines[i].Name < snap.Routines[j].Name })
	return snap
}

func (g *Group) stat(name string) *routineStats {
	st := g.stats[name]
	if st == nil {
		st = &routineStats{Stats: Stats{Name: name}}
		g.stats[name] = st
	}
	return st
}

func (g *Group) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	g.mu.Unlock()
	return now
}

func (g *Group) noteStop(name string, startedAt time.Time, err error, panicked bool) {
	now := time.Now()
	g.mu.Lock()
	st := g.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(startedAt)
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
	}
	g.mu.Unlock()
}

// run calls fn and converts a panic into an error.
func run(ctx context.Context, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return fn(ctx), false
}

// Go runs fn once. A returned error (other than cancellation) or a panic is
// recorded as the group error.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&g.started, 1)
	atomic.AddInt64(&g.active, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer atomic.AddInt64(&g.active, -1)

		startedAt := g.noteStart(name, false)
		err, panicked := run(g.ctx, fn)
		if err != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			if panicked {
				g.log.Error("routine panicked", logx.String("routine", name), logx.Err(err))
			}
			g.fail(err)
		}
		g.noteStop(name, startedAt, err, panicked)
	}()
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up (and records the error) after n restarts. 0 means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it after an error or panic using jittered
// exponential backoff. A nil return or cancellation stops it for good.
func (g *Group) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	g.Go(name+".restart", func(ctx context.Context) error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		backoff := cfg.minBackoff
		restarts := 0
		for {
			startedAt := g.noteStart(name, restarts > 0)
			err, panicked := run(ctx, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				g.noteStop(name, startedAt, nil, panicked)
				return nil
			}
			g.noteStop(name, startedAt, err, panicked)

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				g.log.Error("routine gave up", logx.String("routine", name), logx.Int("restarts", restarts-1), logx.Err(err))
				return err
			}

			wait := backoff + time.Duration(rng.Int63n(int64(backoff)/5+1))
			g.log.Warn("routine restarting", logx.String("routine", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// Stop cancels the group and waits for every goroutine or ctx.
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	return g.Wait(ctx)
}

// Wait blocks until every goroutine returned, then reports the first error.
func (g *Group) Wait(ctx context.Context) error {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.doneCh:
		return g.Err()
	}
}

// Done is closed once Wait has observed every goroutine exit.
func (g *Group) Done() <-chan struct{} {
	g.doneOnce.Do(func() {
		go func() {
			g.wg.Wait()
			close(g.doneCh)
		}()
	})
	return g.doneCh
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() { g.firstErr.Store(err) })
	if g.cancelOnErr {
		g.cancel()
	}
}
