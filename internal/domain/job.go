// Package domain holds the row types shared by the store, the worker, the
// dispatcher and the supervisor.
package domain

import (
	"encoding/json"
	"time"
)

// Job is an enqueued unit of work. Arguments are opaque to the queue.
type Job struct {
	ID               int64           `json:"id"`
	QueueName        string          `json:"queue_name"`
	ClassName        string          `json:"class_name"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	ActiveJobID      string          `json:"active_job_id"`
	ConcurrencyKey   string          `json:"concurrency_key,omitempty"`
	ConcurrencyLimit int             `json:"concurrency_limit,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ExecutionState is the table a job's single execution row currently lives in.
type ExecutionState string

const (
	StateScheduled ExecutionState = "scheduled"
	StateReady     ExecutionState = "ready"
	StateClaimed   ExecutionState = "claimed"
	StateFailed    ExecutionState = "failed"
)

// ClaimedExecution records exclusive ownership of a job by a process.
type ClaimedExecution struct {
	JobID     int64     `json:"job_id"`
	ProcessID int64     `json:"process_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FailedExecution is the terminal record of a job that raised or was orphaned.
type FailedExecution struct {
	JobID     int64          `json:"job_id"`
	QueueName string         `json:"queue_name"`
	ClassName string         `json:"class_name"`
	Error     ExecutionError `json:"error"`
	CreatedAt time.Time      `json:"created_at"`
}

// ExecutionError is the payload stored on a failed execution.
type ExecutionError struct {
	ExceptionClass string   `json:"exception_class"`
	Message        string   `json:"message"`
	Backtrace      []string `json:"backtrace,omitempty"`
}

func (e ExecutionError) Error() string {
	if e.ExceptionClass == "" {
		return e.Message
	}
	return e.ExceptionClass + ": " + e.Message
}

// RecurringExecution marks a recurring task slot as fired.
type RecurringExecution struct {
	TaskKey string    `json:"task_key"`
	RunAt   time.Time `json:"run_at"`
	JobID   int64     `json:"job_id"`
}

// Counts is a point-in-time view of the execution tables.
type Counts struct {
	Jobs      int `json:"jobs"`
	Scheduled int `json:"scheduled"`
	Ready     int `json:"ready"`
	Claimed   int `json:"claimed"`
	Failed    int `json:"failed"`
	Processes int `json:"processes"`
}
