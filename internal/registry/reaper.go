package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/buncis/solid-queue/internal/domain"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// ReaperStore is what the reaper needs from the store.
type ReaperStore interface {
	ListProcesses(ctx context.Context) ([]domain.Process, error)
	PruneProcess(ctx context.Context, id int64, staleBefore time.Time, reason string) (bool, int, error)
	FailOrphanedClaims(ctx context.Context) (int, error)
}

// ReaperConfig controls when a process row counts as dead.
type ReaperConfig struct {
	// AliveThreshold is how old a heartbeat may get before the row is pruned.
	AliveThreshold time.Duration
	// CheckPIDs also prunes rows from this host whose pid no longer exists.
	CheckPIDs bool
}

// ReapResult summarizes one reaper pass.
type ReapResult struct {
	Pruned       []domain.Process
	FailedClaims int
	Orphaned     int
}

type Reaper struct {
	st    ReaperStore
	cfg   ReaperConfig
	log   logx.Logger
	now   func() time.Time
	alive func(pid int) bool
	host  string
}

func NewReaper(st ReaperStore, cfg ReaperConfig, log logx.Logger) *Reaper {
	if cfg.AliveThreshold <= 0 {
		cfg.AliveThreshold = 5 * time.Minute
	}
	host, _ := os.Hostname()
	return &Reaper{st: st, cfg: cfg, log: log.Component("reaper"), now: time.Now, alive: pidAlive, host: host}
}

// Run prunes dead process rows, skipping exclude (the caller's own row), and
// then fails every claim whose owner is gone.
func (r *Reaper) Run(ctx context.Context, exclude int64) (ReapResult, error) {
	var res ReapResult
	procs, err := r.st.ListProcesses(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: list processes: %w", err)
	}
	cutoff := r.now().Add(-r.cfg.AliveThreshold)

	for _, p := range procs {
		if p.ID == exclude {
			continue
		}
		var staleBefore time.Time
		reason := ""
		switch {
		case p.LastHeartbeatAt.Before(cutoff):
			reason = "heartbeat expired"
			staleBefore = cutoff
		case r.cfg.CheckPIDs && p.Hostname == r.host && p.PID > 0 && !r.alive(p.PID):
			reason = "os process gone"
		default:
			continue
		}
		pruned, failed, err := r.st.PruneProcess(ctx, p.ID, staleBefore, reason)
		if err != nil {
			return res, fmt.Errorf("reaper: prune %d: %w", p.ID, err)
		}
		if !pruned {
			r.log.Debug("process came back before prune", logx.Int64("process_id", p.ID))
			continue
		}
		res.Pruned = append(res.Pruned, p)
		res.FailedClaims += failed
		r.log.Warn("pruned dead process",
			logx.Int64("process_id", p.ID),
			logx.String("kind", string(p.Kind)),
			logx.String("name", p.Name),
			logx.String("reason", reason),
			logx.Time("last_heartbeat_at", p.LastHeartbeatAt),
			logx.Int("failed_claims", failed),
		)
	}

	orphaned, err := r.st.FailOrphanedClaims(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: orphaned claims: %w", err)
	}
	res.Orphaned = orphaned
	if orphaned > 0 {
		r.log.Warn("failed orphaned executions", logx.Int("count", orphaned))
	}
	return res, nil
}
