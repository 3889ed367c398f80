package supervisor

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/dispatcher"
	"github.com/buncis/solid-queue/internal/worker"
)

// Launcher starts children. AsyncLauncher runs them as goroutines in this
// process; ForkLauncher runs each as a separate OS process.
type Launcher interface {
	Launch(spec ChildSpec, supervisorID int64) (Child, error)
}

// Child is a running worker or dispatcher, whatever its execution unit.
type Child interface {
	Pid() int
	// Stop asks the child to exit. With now set, in-flight jobs are aborted.
	Stop(now bool)
	// Kill ends the child without waiting for jobs.
	Kill()
	Done() <-chan struct{}
	// Err is valid once Done is closed.
	Err() error
}

// configurable is implemented by launchers that build children from config.
type configurable interface {
	SetConfig(cfg *config.Config)
}

type AsyncLauncher struct {
	Components *Components
}

func NewAsyncLauncher(c *Components) *AsyncLauncher { return &AsyncLauncher{Components: c} }

func (l *AsyncLauncher) SetConfig(cfg *config.Config) { l.Components.SetConfig(cfg) }

func (l *AsyncLauncher) Launch(spec ChildSpec, supervisorID int64) (Child, error) {
	comp, err := l.Components.Build(spec, supervisorID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &asyncChild{comp: comp, cancel: cancel, done: make(chan struct{})}
	go c.run(ctx)
	return c, nil
}

type asyncChild struct {
	comp   Component
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (c *asyncChild) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.setErr(fmt.Errorf("panic in %s: %v\n%s", c.comp.Name(), r, debug.Stack()))
		}
	}()
	c.setErr(c.comp.Run(ctx))
}

func (c *asyncChild) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *asyncChild) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *asyncChild) Pid() int              { return os.Getpid() }
func (c *asyncChild) Done() <-chan struct{} { return c.done }

func (c *asyncChild) Stop(now bool) {
	if now {
		c.abort()
	}
	c.cancel()
}

// Kill cannot end a goroutine; it aborts running jobs so Run returns promptly.
func (c *asyncChild) Kill() {
	c.abort()
	c.cancel()
}

func (c *asyncChild) abort() {
	if a, ok := c.comp.(aborter); ok {
		a.Abort()
	}
}

// childStats returns the worker or dispatcher Stats of an async child.
func childStats(c Child) any {
	ac, ok := c.(*asyncChild)
	if !ok {
		return nil
	}
	switch comp := ac.comp.(type) {
	case *worker.Worker:
		return comp.Stats()
	case *dispatcher.Dispatcher:
		return comp.Stats()
	}
	return nil
}
