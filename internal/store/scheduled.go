package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PromoteScheduled moves up to batch due scheduled executions to ready, oldest
// due time first, and returns how many moved.
func (s *Store) PromoteScheduled(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	var moved int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		moved = 0
		now := s.now()
		rows, err := tx.QueryContext(ctx,
			s.q(`SELECT se.job_id, se.queue_name, j.concurrency_key FROM scheduled_executions se
			     JOIN jobs j ON j.id = se.job_id
			     WHERE se.scheduled_at <= ?
			     ORDER BY se.scheduled_at, se.job_id
			     LIMIT ?`+s.lock("se")),
			micros(now), batch,
		)
		if err != nil {
			return fmt.Errorf("select due: %w", err)
		}
		type due struct {
			jobID int64
			queue string
			key   string
		}
		var items []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.jobID, &d.queue, &d.key); err != nil {
				rows.Close()
				return err
			}
			items = append(items, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, d := range items {
			res, err := tx.ExecContext(ctx, s.q(`DELETE FROM scheduled_executions WHERE job_id = ?`), d.jobID)
			if err != nil {
				return fmt.Errorf("delete scheduled: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			if err := s.insertReady(ctx, tx, d.jobID, d.queue, d.key, now); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return moved, nil
}
