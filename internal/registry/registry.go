// Package registry keeps a process's row alive in the store and reaps rows
// whose owners stopped heartbeating.
package registry

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// ProcessStore is the slice of the store a registration needs.
type ProcessStore interface {
	RegisterProcess(ctx context.Context, p domain.Process) (domain.Process, error)
	Heartbeat(ctx context.Context, id int64) error
	DeregisterProcess(ctx context.Context, id int64, reason string) (int, error)
}

// ErrLost is returned by Run when the process row was pruned underneath us.
var ErrLost = errors.New("process registration lost")

// Registration is one live process row plus its heartbeat loop.
type Registration struct {
	st       ProcessStore
	proc     domain.Process
	interval time.Duration
	log      logx.Logger

	lostOnce  sync.Once
	lost      chan struct{}
	deregOnce sync.Once
}

// Identity fills host and pid for a new process row.
func Identity(kind domain.ProcessKind, name string, supervisorID int64, meta domain.Metadata) domain.Process {
	host, _ := os.Hostname()
	return domain.Process{
		Kind:         kind,
		PID:          os.Getpid(),
		Hostname:     host,
		Name:         name,
		SupervisorID: supervisorID,
		Metadata:     meta,
	}
}

// DefaultName returns "<kind>-<random suffix>", used when a component has no configured name.
func DefaultName(kind domain.ProcessKind) string {
	return strings.ToLower(string(kind)) + "-" + uuid.NewString()[:8]
}

// Register inserts the process row. Call Run to heartbeat and Deregister on exit.
func Register(ctx context.Context, st ProcessStore, p domain.Process, heartbeat time.Duration, log logx.Logger) (*Registration, error) {
	if heartbeat <= 0 {
		heartbeat = 60 * time.Second
	}
	saved, err := st.RegisterProcess(ctx, p)
	if err != nil {
		return nil, err
	}
	r := &Registration{
		st:       st,
		proc:     saved,
		interval: heartbeat,
		log:      log.With(logx.Int64("process_id", saved.ID), logx.String("kind", string(saved.Kind))),
		lost:     make(chan struct{}),
	}
	r.log.Info("process registered", logx.String("name", saved.Name), logx.Int("pid", saved.PID))
	return r, nil
}

func (r *Registration) ID() int64 { return r.proc.ID }

func (r *Registration) Process() domain.Process { return r.proc }

// Lost is closed once a heartbeat finds the row gone.
func (r *Registration) Lost() <-chan struct{} { return r.lost }

// Run heartbeats until ctx is done. It returns ErrLost if the row disappears;
// transient store errors are logged and retried on the next tick.
func (r *Registration) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := r.Beat(ctx); err != nil {
				if errors.Is(err, ErrLost) {
					return err
				}
				if ctx.Err() == nil {
					r.log.Warn("heartbeat failed", logx.Err(err))
				}
			}
		}
	}
}

// Beat sends one heartbeat.
func (r *Registration) Beat(ctx context.Context) error {
	err := r.st.Heartbeat(ctx, r.proc.ID)
	if errors.Is(err, store.ErrProcessNotFound) {
		r.lostOnce.Do(func() {
			r.log.Error("process row pruned while still running")
			close(r.lost)
		})
		return ErrLost
	}
	return err
}

// Deregister deletes the row and fails any claims still held. It uses its own
// timeout so it still runs after the caller's context is canceled.
func (r *Registration) Deregister(reason string) error {
	var err error
	r.deregOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var failed int
		failed, err = r.st.DeregisterProcess(ctx, r.proc.ID, reason)
		if err != nil {
			r.log.Warn("deregister failed", logx.Err(err))
			return
		}
		fields := []logx.Field{logx.String("reason", reason)}
		if failed > 0 {
			fields = append(fields, logx.Int("failed_claims", failed))
		}
		r.log.Info("process deregistered", fields...)
	})
	return err
}
