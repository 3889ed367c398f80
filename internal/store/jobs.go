package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buncis/solid-queue/internal/domain"
)

// EnqueueParams describes a job to insert.
//
// A zero ScheduledAt, or one not after now, makes the job ready immediately.
type EnqueueParams struct {
	Queue            string
	Class            string
	Arguments        json.RawMessage
	ScheduledAt      time.Time
	ConcurrencyKey   string
	ConcurrencyLimit int
}

func (p EnqueueParams) validate() error {
	if strings.TrimSpace(p.Queue) == "" {
		return errors.New("enqueue: queue is required")
	}
	if strings.ContainsAny(p.Queue, "*") {
		return fmt.Errorf("enqueue: queue %q may not contain '*'", p.Queue)
	}
	if strings.TrimSpace(p.Class) == "" {
		return errors.New("enqueue: class is required")
	}
	if p.ConcurrencyLimit < 0 {
		return errors.New("enqueue: concurrency limit must be >= 0")
	}
	if len(p.Arguments) > 0 && !json.Valid(p.Arguments) {
		return errors.New("enqueue: arguments must be valid JSON")
	}
	return nil
}

const jobColumns = `j.id, j.queue_name, j.class_name, j.arguments, j.active_job_id, j.concurrency_key, j.concurrency_limit, j.scheduled_at, j.created_at`

// Enqueue inserts a job together with its ready or scheduled execution.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (domain.Job, error) {
	if err := p.validate(); err != nil {
		return domain.Job{}, err
	}
	var job domain.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.insertJob(ctx, tx, p)
		return err
	})
	return job, err
}

// EnqueueRecurring inserts the job for one recurring slot. The unique
// (task_key, run_at) constraint makes a second insert for the same slot fail
// with ErrDuplicateRecurring, and nothing is persisted for it.
func (s *Store) EnqueueRecurring(ctx context.Context, taskKey string, runAt time.Time, p EnqueueParams) (domain.Job, error) {
	if strings.TrimSpace(taskKey) == "" {
		return domain.Job{}, errors.New("enqueue recurring: task key is required")
	}
	if err := p.validate(); err != nil {
		return domain.Job{}, err
	}
	p.ScheduledAt = time.Time{}

	var job domain.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.insertJob(ctx, tx, p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO recurring_executions (task_key, run_at, job_id, created_at) VALUES (?, ?, ?, ?)`),
			taskKey, micros(runAt), job.ID, micros(s.now()),
		)
		if isUniqueViolation(err) {
			return ErrDuplicateRecurring
		}
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) insertJob(ctx context.Context, tx *sql.Tx, p EnqueueParams) (domain.Job, error) {
	now := s.now()
	args := p.Arguments
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	due := p.ScheduledAt
	if due.IsZero() {
		due = now
	}
	job := domain.Job{
		QueueName:        p.Queue,
		ClassName:        p.Class,
		Arguments:        args,
		ActiveJobID:      uuid.NewString(),
		ConcurrencyKey:   strings.TrimSpace(p.ConcurrencyKey),
		ConcurrencyLimit: p.ConcurrencyLimit,
		ScheduledAt:      fromMicros(micros(due)),
		CreatedAt:        fromMicros(micros(now)),
	}
	if job.ConcurrencyKey == "" {
		job.ConcurrencyLimit = 0
	} else if job.ConcurrencyLimit == 0 {
		job.ConcurrencyLimit = 1
	}

	err := tx.QueryRowContext(ctx,
		s.q(`INSERT INTO jobs (queue_name, class_name, arguments, active_job_id, concurrency_key, concurrency_limit, scheduled_at, created_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		job.QueueName, job.ClassName, string(args), job.ActiveJobID, job.ConcurrencyKey, job.ConcurrencyLimit,
		micros(due), micros(now),
	).Scan(&job.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if job.ConcurrencyKey != "" {
		if err := s.ensureSemaphore(ctx, tx, job.ConcurrencyKey, job.ConcurrencyLimit); err != nil {
			return domain.Job{}, err
		}
	}

	if due.After(now) {
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO scheduled_executions (job_id, queue_name, scheduled_at, created_at) VALUES (?, ?, ?, ?)`),
			job.ID, job.QueueName, micros(due), micros(now),
		)
		if err != nil {
			return domain.Job{}, fmt.Errorf("insert scheduled execution: %w", err)
		}
		return job, nil
	}
	if err := s.insertReady(ctx, tx, job.ID, job.QueueName, job.ConcurrencyKey, now); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) insertReady(ctx context.Context, tx *sql.Tx, jobID int64, queue, key string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO ready_executions (job_id, queue_name, concurrency_key, created_at) VALUES (?, ?, ?, ?)
		     ON CONFLICT (job_id) DO NOTHING`),
		jobID, queue, key, micros(at),
	)
	if err != nil {
		return fmt.Errorf("insert ready execution: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (domain.Job, error) {
	var (
		j         domain.Job
		args      string
		scheduled int64
		created   int64
	)
	if err := r.Scan(&j.ID, &j.QueueName, &j.ClassName, &args, &j.ActiveJobID, &j.ConcurrencyKey, &j.ConcurrencyLimit, &scheduled, &created); err != nil {
		return domain.Job{}, err
	}
	j.Arguments = json.RawMessage(args)
	j.ScheduledAt = fromMicros(scheduled)
	j.CreatedAt = fromMicros(created)
	return j, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// JobState reports which execution table currently holds the job.
// A job with no execution row (completed and deleted) yields ErrNotFound.
func (s *Store) JobState(ctx context.Context, id int64) (domain.ExecutionState, error) {
	tables := []struct {
		name  string
		state domain.ExecutionState
	}{
		{"scheduled_executions", domain.StateScheduled},
		{"ready_executions", domain.StateReady},
		{"claimed_executions", domain.StateClaimed},
		{"failed_executions", domain.StateFailed},
	}
	for _, t := range tables {
		var one int
		err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+t.name+` WHERE job_id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", err
		}
		return t.state, nil
	}
	return "", ErrNotFound
}

func (s *Store) loadJobs(ctx context.Context, tx *sql.Tx, ids []int64) ([]domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs j WHERE j.id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]domain.Job, len(ids))
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		byID[j.ID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := byID[id]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}
