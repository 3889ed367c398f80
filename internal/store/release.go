package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buncis/solid-queue/internal/domain"
)

// ReleaseSuccess finishes a claimed job: the claim and the job are deleted
// together and the job's semaphore is signaled.
func (s *Store) ReleaseSuccess(ctx context.Context, processID, jobID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		key, err := s.ownedClaim(ctx, tx, processID, jobID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM claimed_executions WHERE job_id = ?`), jobID); err != nil {
			return fmt.Errorf("delete claimed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), jobID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if key != "" {
			return s.signalSemaphore(ctx, tx, key)
		}
		return nil
	})
}

// ReleaseFailure swaps the claim for a failed execution carrying execErr.
func (s *Store) ReleaseFailure(ctx context.Context, processID, jobID int64, execErr domain.ExecutionError) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		key, err := s.ownedClaim(ctx, tx, processID, jobID)
		if err != nil {
			return err
		}
		return s.failClaimed(ctx, tx, jobID, key, execErr)
	})
}

func (s *Store) ownedClaim(ctx context.Context, tx *sql.Tx, processID, jobID int64) (string, error) {
	var (
		owner int64
		key   string
	)
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT c.process_id, j.concurrency_key FROM claimed_executions c
		     JOIN jobs j ON j.id = c.job_id
		     WHERE c.job_id = ?`+s.lockWait("c")),
		jobID,
	).Scan(&owner, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrClaimLost
	}
	if err != nil {
		return "", fmt.Errorf("load claim: %w", err)
	}
	if owner != processID {
		return "", ErrClaimLost
	}
	return key, nil
}

func (s *Store) failClaimed(ctx context.Context, tx *sql.Tx, jobID int64, key string, execErr domain.ExecutionError) error {
	payload, err := json.Marshal(execErr)
	if err != nil {
		return fmt.Errorf("encode error payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM claimed_executions WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("delete claimed: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO failed_executions (job_id, error, created_at) VALUES (?, ?, ?)
		     ON CONFLICT (job_id) DO NOTHING`),
		jobID, string(payload), micros(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	if key != "" {
		return s.signalSemaphore(ctx, tx, key)
	}
	return nil
}

type claimRef struct {
	jobID     int64
	processID int64
	key       string
}

// failClaims converts the selected claims into failed executions.
func (s *Store) failClaims(ctx context.Context, tx *sql.Tx, where string, args []any, execErr func(c claimRef) domain.ExecutionError) (int, error) {
	rows, err := tx.QueryContext(ctx,
		s.q(`SELECT c.job_id, c.process_id, j.concurrency_key FROM claimed_executions c
		     JOIN jobs j ON j.id = c.job_id
		     WHERE `+where+` ORDER BY c.job_id`+s.lock("c")),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("select claims: %w", err)
	}
	var refs []claimRef
	for rows.Next() {
		var c claimRef
		if err := rows.Scan(&c.jobID, &c.processID, &c.key); err != nil {
			rows.Close()
			return 0, err
		}
		refs = append(refs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, c := range refs {
		if err := s.failClaimed(ctx, tx, c.jobID, c.key, execErr(c)); err != nil {
			return 0, err
		}
	}
	return len(refs), nil
}

// FailOrphanedClaims fails every claimed execution whose owning process row no
// longer exists.
func (s *Store) FailOrphanedClaims(ctx context.Context) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.failClaims(ctx, tx,
			`NOT EXISTS (SELECT 1 FROM processes p WHERE p.id = c.process_id)`, nil,
			func(c claimRef) domain.ExecutionError {
				return domain.ExecutionError{
					ExceptionClass: "ProcessMissingError",
					Message:        fmt.Sprintf("claimed by process %d which is no longer registered", c.processID),
				}
			})
		return err
	})
	return n, err
}
