package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ensureSemaphore creates the semaphore for key. The first limit seen for a
// key wins; later jobs with a different limit share the existing capacity.
func (s *Store) ensureSemaphore(ctx context.Context, tx *sql.Tx, key string, limit int) error {
	if limit <= 0 {
		limit = 1
	}
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO semaphores (key, value, capacity, updated_at) VALUES (?, ?, ?, ?)
		     ON CONFLICT (key) DO NOTHING`),
		key, limit, limit, micros(s.now()),
	)
	if err != nil {
		return fmt.Errorf("ensure semaphore: %w", err)
	}
	return nil
}

// waitSemaphore takes one slot if available. It never blocks.
func (s *Store) waitSemaphore(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE semaphores SET value = value - 1, updated_at = ? WHERE key = ? AND value > 0`),
		micros(s.now()), key,
	)
	if err != nil {
		return false, fmt.Errorf("wait semaphore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) signalSemaphore(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		s.q(`UPDATE semaphores SET value = value + 1, updated_at = ? WHERE key = ? AND value < capacity`),
		micros(s.now()), key,
	)
	if err != nil {
		return fmt.Errorf("signal semaphore: %w", err)
	}
	return nil
}

// MaintenanceReport summarizes one concurrency maintenance pass.
type MaintenanceReport struct {
	// Adjusted counts semaphores whose value drifted from their claimed count.
	Adjusted int
	// Restored counts semaphores recreated for keys still used by jobs.
	Restored int
	// Expired counts semaphores deleted because no job uses the key anymore.
	Expired int
	// Unblocked counts ready executions that became claimable.
	Unblocked int
}

type semaphoreRow struct {
	key      string
	value    int
	capacity int
}

// ReconcileSemaphores recomputes every semaphore from the claimed executions
// that hold it. Ready executions left behind while a key was exhausted become
// claimable again once their semaphore has free slots.
func (s *Store) ReconcileSemaphores(ctx context.Context) (MaintenanceReport, error) {
	var rep MaintenanceReport
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rep = MaintenanceReport{}
		sems, err := s.loadSemaphores(ctx, tx)
		if err != nil {
			return err
		}
		now := micros(s.now())

		for _, sem := range sems {
			var jobs, claimed, ready int
			err := tx.QueryRowContext(ctx, s.q(`SELECT
				(SELECT COUNT(*) FROM jobs WHERE concurrency_key = ?),
				(SELECT COUNT(*) FROM claimed_executions c JOIN jobs j ON j.id = c.job_id WHERE j.concurrency_key = ?),
				(SELECT COUNT(*) FROM ready_executions WHERE concurrency_key = ?)`),
				sem.key, sem.key, sem.key,
			).Scan(&jobs, &claimed, &ready)
			if err != nil {
				return fmt.Errorf("count semaphore holders: %w", err)
			}

			if jobs == 0 {
				expired, err := s.expireSemaphore(ctx, tx, sem.key)
				if err != nil {
					return err
				}
				if expired {
					rep.Expired++
				}
				continue
			}

			want := sem.capacity - claimed
			if want < 0 {
				want = 0
			}
			if want == sem.value {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				s.q(`UPDATE semaphores SET value = ?, updated_at = ? WHERE key = ?`),
				want, now, sem.key,
			); err != nil {
				return fmt.Errorf("adjust semaphore: %w", err)
			}
			rep.Adjusted++
			if sem.value <= 0 && want > 0 {
				rep.Unblocked += min(want, ready)
			}
		}

		restored, unblocked, err := s.restoreSemaphores(ctx, tx, now)
		if err != nil {
			return err
		}
		rep.Restored = restored
		rep.Unblocked += unblocked
		return nil
	})
	return rep, err
}

// expireSemaphore deletes the semaphore for key unless a job still uses it.
// The recount happens in the DELETE itself so a job enqueued after an earlier
// count keeps its semaphore.
func (s *Store) expireSemaphore(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM semaphores WHERE key = ?
		     AND NOT EXISTS (SELECT 1 FROM jobs WHERE concurrency_key = ?)`),
		key, key,
	)
	if err != nil {
		return false, fmt.Errorf("expire semaphore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) loadSemaphores(ctx context.Context, tx *sql.Tx) ([]semaphoreRow, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT key, value, capacity FROM semaphores ORDER BY key`+s.lockWait("")))
	if err != nil {
		return nil, fmt.Errorf("load semaphores: %w", err)
	}
	defer rows.Close()
	var out []semaphoreRow
	for rows.Next() {
		var r semaphoreRow
		if err := rows.Scan(&r.key, &r.value, &r.capacity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// restoreSemaphores recreates semaphores for keys that jobs still reference.
func (s *Store) restoreSemaphores(ctx context.Context, tx *sql.Tx, now int64) (restored, unblocked int, err error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT j.concurrency_key, MAX(j.concurrency_limit) FROM jobs j
		WHERE j.concurrency_key <> ''
		  AND NOT EXISTS (SELECT 1 FROM semaphores sem WHERE sem.key = j.concurrency_key)
		GROUP BY j.concurrency_key`))
	if err != nil {
		return 0, 0, fmt.Errorf("select missing semaphores: %w", err)
	}
	type missing struct {
		key   string
		limit int
	}
	var keys []missing
	for rows.Next() {
		var m missing
		if err := rows.Scan(&m.key, &m.limit); err != nil {
			rows.Close()
			return 0, 0, err
		}
		keys = append(keys, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, err
	}
	rows.Close()

	for _, m := range keys {
		if m.limit <= 0 {
			m.limit = 1
		}
		var claimed, ready int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT
			(SELECT COUNT(*) FROM claimed_executions c JOIN jobs j ON j.id = c.job_id WHERE j.concurrency_key = ?),
			(SELECT COUNT(*) FROM ready_executions WHERE concurrency_key = ?)`),
			m.key, m.key,
		).Scan(&claimed, &ready); err != nil {
			return 0, 0, err
		}
		value := max(m.limit-claimed, 0)
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO semaphores (key, value, capacity, updated_at) VALUES (?, ?, ?, ?)
			     ON CONFLICT (key) DO NOTHING`),
			m.key, value, m.limit, now,
		); err != nil {
			return 0, 0, fmt.Errorf("restore semaphore: %w", err)
		}
		restored++
		unblocked += min(value, ready)
	}
	return restored, unblocked, nil
}

// Semaphore returns the current value and capacity for key.
func (s *Store) Semaphore(ctx context.Context, key string) (value, capacity int, err error) {
	err = s.db.QueryRowContext(ctx, s.q(`SELECT value, capacity FROM semaphores WHERE key = ?`), key).Scan(&value, &capacity)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	return value, capacity, err
}
