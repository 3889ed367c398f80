package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/buncis/solid-queue/internal/domain"
)

// queueSelector is one entry of a worker's ordered queue list.
type queueSelector struct {
	all    bool
	prefix string
	exact  string
}

// parseQueues turns a queue list into ordered selectors. "*" matches every
// queue, "name*" matches by prefix, anything else is an exact name. Entries
// after a "*" are dropped since "*" already covers them.
func parseQueues(queues []string) []queueSelector {
	out := make([]queueSelector, 0, len(queues))
	seen := map[string]bool{}
	for _, raw := range queues {
		q := strings.TrimSpace(raw)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		switch {
		case q == "*":
			out = append(out, queueSelector{all: true})
			return out
		case strings.HasSuffix(q, "*"):
			out = append(out, queueSelector{prefix: strings.TrimSuffix(q, "*")})
		default:
			out = append(out, queueSelector{exact: q})
		}
	}
	if len(out) == 0 {
		out = append(out, queueSelector{all: true})
	}
	return out
}

func (qs queueSelector) where() (string, []any) {
	switch {
	case qs.all:
		return "", nil
	case qs.prefix != "":
		return ` AND r.queue_name LIKE ? ESCAPE '\'`, []any{escapeLike(qs.prefix) + "%"}
	default:
		return ` AND r.queue_name = ?`, []any{qs.exact}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type claimCandidate struct {
	jobID int64
	key   string
}

// Claim moves up to limit ready executions matching queues into claimed
// executions owned by processID and returns their jobs in claim order.
//
// Candidates are read oldest first (created_at, job_id) per queue selector,
// paused queues are skipped and executions whose concurrency semaphore is
// exhausted stay ready. The whole hand-off happens in one transaction, so an
// execution is returned to at most one caller.
func (s *Store) Claim(ctx context.Context, processID int64, queues []string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if processID <= 0 {
		return nil, fmt.Errorf("claim: invalid process id %d", processID)
	}

	var jobs []domain.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimantAlive(ctx, tx, processID); err != nil {
			return err
		}
		now := micros(s.now())
		claimed := make([]int64, 0, limit)

		for _, sel := range parseQueues(queues) {
			var skip claimSkip
			for len(claimed) < limit {
				cands, err := s.claimCandidates(ctx, tx, sel, limit-len(claimed), skip)
				if err != nil {
					return err
				}
				if len(cands) == 0 {
					break
				}
				for _, c := range cands {
					ok, err := s.claimOne(ctx, tx, c, processID, now)
					if err != nil {
						return err
					}
					if ok {
						claimed = append(claimed, c.jobID)
						continue
					}
					skip.jobs = append(skip.jobs, c.jobID)
					if c.key != "" {
						skip.keys = append(skip.keys, c.key)
					}
				}
			}
		}

		var err error
		jobs, err = s.loadJobs(ctx, tx, claimed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return jobs, nil
}

// claimantAlive holds the claimant's process row for the rest of the claim
// so a concurrent prune cannot fail claims made after it.
func (s *Store) claimantAlive(ctx context.Context, tx *sql.Tx, processID int64) error {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR SHARE"
	}
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM processes WHERE id = ?`+lock), processID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrProcessNotFound
	}
	return err
}

// claimSkip lists candidates already turned down in this claim: executions
// that stayed ready and keys whose semaphore ran out.
type claimSkip struct {
	jobs []int64
	keys []string
}

func (k claimSkip) where() (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(k.jobs)+len(k.keys))
	if len(k.jobs) > 0 {
		b.WriteString(" AND r.job_id NOT IN (" + placeholders(len(k.jobs)) + ")")
		for _, id := range k.jobs {
			args = append(args, id)
		}
	}
	if len(k.keys) > 0 {
		b.WriteString(" AND r.concurrency_key NOT IN (" + placeholders(len(k.keys)) + ")")
		for _, key := range k.keys {
			args = append(args, key)
		}
	}
	return b.String(), args
}

func (s *Store) claimCandidates(ctx context.Context, tx *sql.Tx, sel queueSelector, limit int, skip claimSkip) ([]claimCandidate, error) {
	cond, args := sel.where()
	skipCond, skipArgs := skip.where()
	args = append(args, skipArgs...)
	query := `SELECT r.job_id, r.concurrency_key FROM ready_executions r
		WHERE r.queue_name NOT IN (SELECT p.queue_name FROM pauses p)` + cond + skipCond + `
		  AND (r.concurrency_key = '' OR EXISTS (
		        SELECT 1 FROM semaphores sem WHERE sem.key = r.concurrency_key AND sem.value > 0))
		ORDER BY r.created_at, r.job_id
		LIMIT ?` + s.lock("")
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select ready: %w", err)
	}
	defer rows.Close()

	var out []claimCandidate
	for rows.Next() {
		var c claimCandidate
		if err := rows.Scan(&c.jobID, &c.key); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// claimOne takes the semaphore (if any), removes the ready row and records the
// claim. It returns false when the execution must stay ready.
func (s *Store) claimOne(ctx context.Context, tx *sql.Tx, c claimCandidate, processID, now int64) (bool, error) {
	if c.key != "" {
		ok, err := s.waitSemaphore(ctx, tx, c.key)
		if err != nil || !ok {
			return false, err
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM ready_executions WHERE job_id = ?`), c.jobID)
	if err != nil {
		return false, fmt.Errorf("delete ready: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if c.key != "" {
			if err := s.signalSemaphore(ctx, tx, c.key); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO claimed_executions (job_id, process_id, created_at) VALUES (?, ?, ?)`),
		c.jobID, processID, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert claimed: %w", err)
	}
	return true, nil
}
