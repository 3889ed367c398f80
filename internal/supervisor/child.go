package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/buncis/solid-queue/internal/analytics"
	"github.com/buncis/solid-queue/internal/config"
	"github.com/buncis/solid-queue/internal/registry"
	"github.com/buncis/solid-queue/internal/store"
	"github.com/buncis/solid-queue/internal/worker"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// EnvChild marks a process started by ForkLauncher. Its value is the child name.
const EnvChild = "SOLID_QUEUE_CHILD"

// Exit codes of a forked child.
const (
	ExitOK    = 0
	ExitError = 1
	// ExitLost means the child's process row was pruned while it ran.
	ExitLost = 2
)

const parentCheckInterval = time.Second

type childPayload struct {
	Config       *config.Config `json:"config"`
	Spec         ChildSpec      `json:"spec"`
	SupervisorID int64          `json:"supervisor_id"`
	ParentPID    int            `json:"parent_pid"`
}

// IsChild reports whether this process was started by a ForkLauncher.
func IsChild() bool { return os.Getenv(EnvChild) != "" }

// RunChild runs a forked child: it reads the payload from r, opens its own
// store connection and runs the component until the supervisor signals it or
// exits. The result is the process exit code.
func RunChild(r io.Reader, exec worker.Executor) int {
	boot := logx.NewConsole("INFO").Component("child")

	var p childPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		boot.Error("read child payload", logx.Err(err))
		return ExitError
	}
	if p.Config == nil {
		boot.Error("child payload has no config")
		return ExitError
	}
	if err := p.Config.Validate(); err != nil {
		boot.Error("child config", logx.Err(err))
		return ExitError
	}

	logs, log := logx.New(p.Config.Log.Logx())
	defer logs.Close()
	log = log.With(logx.String("child", p.Spec.Name))

	st, err := store.Open(p.Config.Database.Store(), store.WithLogger(log))
	if err != nil {
		log.Error("open store", logx.Err(err))
		return ExitError
	}
	defer st.Close()

	comps := NewComponents(p.Config, st, exec, log)
	if sink := analytics.FromConfig(p.Config.Analytics.Redis, log); sink != nil {
		defer sink.Close()
		comps.WorkerObservers = append(comps.WorkerObservers, sink)
	}
	comp, err := comps.Build(p.Spec, p.SupervisorID)
	if err != nil {
		log.Error("build child", logx.Err(err))
		return ExitError
	}

	err = RunStandalone(context.Background(), comp, log, p.ParentPID)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, registry.ErrLost):
		return ExitLost
	default:
		log.Error("child exited", logx.Err(err))
		return ExitError
	}
}

// RunStandalone runs comp in the foreground of this process. TERM and INT
// stop it gracefully, QUIT aborts running jobs first. When parentPID is set
// the component is also stopped once that process is gone.
func RunStandalone(ctx context.Context, comp Component, log logx.Logger, parentPID int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, Signals...)
	defer signal.Stop(sigs)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in %s: %v", comp.Name(), r)
			}
		}()
		done <- comp.Run(ctx)
	}()

	var parentTick <-chan time.Time
	if parentPID > 0 {
		t := time.NewTicker(parentCheckInterval)
		defer t.Stop()
		parentTick = t.C
	}

	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigs:
			cmd, _ := CommandForSignal(sig)
			switch cmd {
			case StopNow:
				log.Info("stopping now", logx.String("signal", sig.String()))
				if a, ok := comp.(aborter); ok {
					a.Abort()
				}
				cancel()
			case StopGraceful:
				log.Info("stopping", logx.String("signal", sig.String()))
				cancel()
			default:
				log.Debug("signal ignored", logx.String("signal", sig.String()))
			}
		case <-parentTick:
			if os.Getppid() != parentPID {
				log.Warn("supervisor is gone; stopping", logx.Int("parent_pid", parentPID))
				cancel()
				parentTick = nil
			}
		}
	}
}
