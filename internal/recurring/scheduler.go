package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/store"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

const DefaultQueue = "default"

// retryDelay spaces out enqueue attempts for a slot the store refused.
const retryDelay = time.Second

type Task struct {
	Key      string
	Class    string
	Queue    string
	Args     json.RawMessage
	Schedule Schedule
}

// NewTask parses schedule and fills defaults.
func NewTask(key, class, queue, schedule string, args json.RawMessage) (Task, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Task{}, errors.New("recurring task key required")
	}
	if strings.TrimSpace(class) == "" {
		return Task{}, fmt.Errorf("recurring task %q: class required", key)
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return Task{}, fmt.Errorf("recurring task %q: %w", key, err)
	}
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	return Task{Key: key, Class: class, Queue: queue, Args: args, Schedule: sched}, nil
}

func (t Task) params() store.EnqueueParams {
	return store.EnqueueParams{Queue: t.Queue, Class: t.Class, Arguments: t.Args}
}

// Keys returns the task keys in sorted order.
func Keys(tasks []Task) []string {
	keys := make([]string, 0, len(tasks))
	for _, t := range tasks {
		keys = append(keys, t.Key)
	}
	sort.Strings(keys)
	return keys
}

type Enqueuer interface {
	EnqueueRecurring(ctx context.Context, taskKey string, runAt time.Time, p store.EnqueueParams) (domain.Job, error)
}

// Scheduler fires tasks at their slots. Missed slots (the process was
// suspended or the store was down) are skipped, never backfilled.
type Scheduler struct {
	st    Enqueuer
	log   logx.Logger
	now   func() time.Time
	loc   *time.Location
	tasks []*entry
}

type entry struct {
	task  Task
	next  time.Time
	retry time.Time
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone cron expressions are evaluated in (UTC by default).
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func NewScheduler(st Enqueuer, tasks []Task, log logx.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{st: st, log: log, now: time.Now, loc: time.UTC}
	for _, o := range opts {
		o(s)
	}
	for _, t := range tasks {
		s.tasks = append(s.tasks, &entry{task: t})
	}
	return s
}

func (s *Scheduler) Len() int { return len(s.tasks) }

// Run fires tasks until ctx is cancelled. A slot whose enqueue fails is retried
// until the task's following slot comes due.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		<-ctx.Done()
		return nil
	}
	s.plan(s.now())
	for {
		wake := s.nextWake()
		timer := time.NewTimer(max(wake.Sub(s.now()), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.Fire(ctx, s.now())
	}
}

func (s *Scheduler) plan(now time.Time) {
	now = now.In(s.loc)
	for _, e := range s.tasks {
		e.next = e.task.Schedule.Next(now)
	}
}

func (s *Scheduler) nextWake() time.Time {
	var wake time.Time
	for _, e := range s.tasks {
		due := e.next
		if e.retry.After(due) {
			due = e.retry
		}
		if wake.IsZero() || due.Before(wake) {
			wake = due
		}
	}
	return wake
}

// Fire enqueues every task whose slot is due at now and returns how many jobs
// this scheduler created. Slots another scheduler already fired are skipped.
func (s *Scheduler) Fire(ctx context.Context, now time.Time) int {
	now = now.In(s.loc)
	fired := 0
	for _, e := range s.tasks {
		if e.next.IsZero() {
			e.next = e.task.Schedule.Next(now.Add(-time.Nanosecond))
		}
		if e.next.After(now) || now.Before(e.retry) {
			continue
		}
		if !e.retry.IsZero() {
			if following := e.task.Schedule.Next(e.next); !following.After(now) {
				s.log.Warn("recurring slot given up", logx.String("task", e.task.Key), logx.Time("run_at", e.next))
				e.next = following
			}
			e.retry = time.Time{}
		}
		slot := e.next
		job, err := s.st.EnqueueRecurring(ctx, e.task.Key, slot, e.task.params())
		switch {
		case err == nil:
			fired++
			s.log.Debug("recurring task enqueued", logx.String("task", e.task.Key), logx.Time("run_at", slot), logx.Int64("job_id", job.ID))
		case errors.Is(err, store.ErrDuplicateRecurring):
			s.log.Trace("recurring slot already fired", logx.String("task", e.task.Key), logx.Time("run_at", slot))
		default:
			following := e.task.Schedule.Next(slot)
			if following.After(now) {
				e.retry = now.Add(retryDelay)
				if e.retry.After(following) {
					e.retry = following
				}
				s.log.Warn("recurring enqueue failed; retrying", logx.String("task", e.task.Key), logx.Time("run_at", slot), logx.Time("retry_at", e.retry), logx.Err(err))
				continue
			}
			s.log.Warn("recurring enqueue failed", logx.String("task", e.task.Key), logx.Time("run_at", slot), logx.Err(err))
		}

		e.next = e.task.Schedule.Next(slot)
		if !e.next.After(now) {
			skipped := e.next
			e.next = e.task.Schedule.Next(now)
			s.log.Warn("recurring slots skipped", logx.String("task", e.task.Key), logx.Time("from", skipped), logx.Time("resume", e.next))
		}
	}
	return fired
}
