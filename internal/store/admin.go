package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/buncis/solid-queue/internal/domain"
)

// ListFailed returns failed executions, newest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]domain.FailedExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT f.job_id, j.queue_name, j.class_name, f.error, f.created_at
		FROM failed_executions f JOIN jobs j ON j.id = f.job_id
		ORDER BY f.created_at DESC, f.job_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()
	var out []domain.FailedExecution
	for rows.Next() {
		var (
			f       domain.FailedExecution
			payload string
			created int64
		)
		if err := rows.Scan(&f.JobID, &f.QueueName, &f.ClassName, &payload, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &f.Error); err != nil {
			f.Error = domain.ExecutionError{Message: payload}
		}
		f.CreatedAt = fromMicros(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RetryFailed moves a failed execution back to ready.
func (s *Store) RetryFailed(ctx context.Context, jobID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var queue, key string
		var limit int
		err := tx.QueryRowContext(ctx,
			s.q(`SELECT j.queue_name, j.concurrency_key, j.concurrency_limit FROM failed_executions f
			     JOIN jobs j ON j.id = f.job_id WHERE f.job_id = ?`+s.lockWait("f")),
			jobID,
		).Scan(&queue, &key, &limit)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM failed_executions WHERE job_id = ?`), jobID); err != nil {
			return err
		}
		if key != "" {
			if err := s.ensureSemaphore(ctx, tx, key, limit); err != nil {
				return err
			}
		}
		return s.insertReady(ctx, tx, jobID, queue, key, s.now())
	})
}

// DiscardFailed deletes a failed execution and its job.
func (s *Store) DiscardFailed(ctx context.Context, jobID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM failed_executions WHERE job_id = ?`), jobID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), jobID)
		return err
	})
}

func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return errors.New("pause: queue is required")
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO pauses (queue_name, created_at) VALUES (?, ?) ON CONFLICT (queue_name) DO NOTHING`),
		queue, micros(s.now()),
	)
	return err
}

func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM pauses WHERE queue_name = ?`), strings.TrimSpace(queue))
	return err
}

func (s *Store) PausedQueues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_name FROM pauses ORDER BY queue_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Counts returns row counts for every execution table.
func (s *Store) Counts(ctx context.Context) (domain.Counts, error) {
	var c domain.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM jobs),
		(SELECT COUNT(*) FROM scheduled_executions),
		(SELECT COUNT(*) FROM ready_executions),
		(SELECT COUNT(*) FROM claimed_executions),
		(SELECT COUNT(*) FROM failed_executions),
		(SELECT COUNT(*) FROM processes)`,
	).Scan(&c.Jobs, &c.Scheduled, &c.Ready, &c.Claimed, &c.Failed, &c.Processes)
	if err != nil {
		return domain.Counts{}, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}

// RecurringExecutions lists fired slots for a task, oldest first.
func (s *Store) RecurringExecutions(ctx context.Context, taskKey string) ([]domain.RecurringExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT task_key, run_at, job_id FROM recurring_executions WHERE task_key = ? ORDER BY run_at`), taskKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RecurringExecution
	for rows.Next() {
		var (
			r     domain.RecurringExecution
			runAt int64
		)
		if err := rows.Scan(&r.TaskKey, &runAt, &r.JobID); err != nil {
			return nil, err
		}
		r.RunAt = fromMicros(runAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
