package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buncis/solid-queue/internal/domain"
)

const processColumns = `id, kind, pid, hostname, name, supervisor_id, last_heartbeat_at, metadata, created_at`

// RegisterProcess inserts p and returns it with ID and timestamps filled in.
func (s *Store) RegisterProcess(ctx context.Context, p domain.Process) (domain.Process, error) {
	if !p.Kind.Valid() {
		return domain.Process{}, fmt.Errorf("register process: invalid kind %q", p.Kind)
	}
	meta, err := p.MetadataJSON()
	if err != nil {
		return domain.Process{}, fmt.Errorf("register process: metadata: %w", err)
	}
	now := s.now()
	err = s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO processes (kind, pid, hostname, name, supervisor_id, last_heartbeat_at, metadata, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		string(p.Kind), p.PID, p.Hostname, p.Name, nullInt64(p.SupervisorID), micros(now), meta, micros(now),
	).Scan(&p.ID)
	if err != nil {
		return domain.Process{}, fmt.Errorf("register process: %w", err)
	}
	p.LastHeartbeatAt = fromMicros(micros(now))
	p.CreatedAt = p.LastHeartbeatAt
	return p, nil
}

// Heartbeat refreshes last_heartbeat_at. ErrProcessNotFound means the row was
// pruned and the caller no longer owns any claims.
func (s *Store) Heartbeat(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE processes SET last_heartbeat_at = ? WHERE id = ?`), micros(s.now()), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

// DeregisterProcess deletes the process row and fails its remaining claims in
// the same transaction. It returns how many claims were failed.
func (s *Store) DeregisterProcess(ctx context.Context, id int64, reason string) (int, error) {
	var failed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		failed, err = s.failClaims(ctx, tx, `c.process_id = ?`, []any{id}, func(c claimRef) domain.ExecutionError {
			return domain.ExecutionError{
				ExceptionClass: "ProcessExitError",
				Message:        fmt.Sprintf("process %d exited: %s", id, reason),
			}
		})
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM processes WHERE id = ?`), id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deregister process %d: %w", id, err)
	}
	return failed, nil
}

// PruneProcess deletes a dead process row and fails its claims in one
// transaction. With a non-zero staleBefore the row is only removed while its
// heartbeat is still older than staleBefore; pruned is false when the process
// heartbeated in the meantime or the row is already gone.
func (s *Store) PruneProcess(ctx context.Context, id int64, staleBefore time.Time, reason string) (pruned bool, failed int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query, args := `DELETE FROM processes WHERE id = ?`, []any{id}
		if !staleBefore.IsZero() {
			query += ` AND last_heartbeat_at < ?`
			args = append(args, micros(staleBefore))
		}
		res, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		pruned = true
		failed, err = s.failClaims(ctx, tx, `c.process_id = ?`, []any{id}, func(c claimRef) domain.ExecutionError {
			return domain.ExecutionError{
				ExceptionClass: "ProcessPrunedError",
				Message:        fmt.Sprintf("process %d pruned: %s", id, reason),
			}
		})
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("prune process %d: %w", id, err)
	}
	return pruned, failed, nil
}

func scanProcess(r rowScanner) (domain.Process, error) {
	var (
		p         domain.Process
		kind      string
		sup       sql.NullInt64
		heartbeat int64
		meta      string
		created   int64
	)
	if err := r.Scan(&p.ID, &kind, &p.PID, &p.Hostname, &p.Name, &sup, &heartbeat, &meta, &created); err != nil {
		return domain.Process{}, err
	}
	p.Kind = domain.ProcessKind(kind)
	p.SupervisorID = sup.Int64
	p.LastHeartbeatAt = fromMicros(heartbeat)
	p.CreatedAt = fromMicros(created)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
			return domain.Process{}, fmt.Errorf("process %d metadata: %w", p.ID, err)
		}
	}
	return p, nil
}

func (s *Store) queryProcesses(ctx context.Context, where string, args ...any) ([]domain.Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ListProcesses(ctx context.Context) ([]domain.Process, error) {
	return s.queryProcesses(ctx, "")
}

func (s *Store) GetProcess(ctx context.Context, id int64) (domain.Process, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+processColumns+` FROM processes WHERE id = ?`), id)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Process{}, ErrProcessNotFound
	}
	return p, err
}

// ProcessesBySupervisor lists the rows attributed to a supervisor.
func (s *Store) ProcessesBySupervisor(ctx context.Context, supervisorID int64) ([]domain.Process, error) {
	return s.queryProcesses(ctx, "supervisor_id = ?", supervisorID)
}

// StaleProcesses lists processes whose last heartbeat is older than before.
func (s *Store) StaleProcesses(ctx context.Context, before time.Time) ([]domain.Process, error) {
	return s.queryProcesses(ctx, "last_heartbeat_at < ?", micros(before))
}

func (s *Store) CountProcesses(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes`).Scan(&n)
	return n, err
}
