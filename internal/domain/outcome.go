package domain

import "time"

// Outcome describes one finished job execution on a worker.
type Outcome struct {
	JobID          int64         `json:"job_id"`
	Queue          string        `json:"queue"`
	Class          string        `json:"class"`
	Started        time.Time     `json:"started"`
	Duration       time.Duration `json:"duration"`
	Failed         bool          `json:"failed"`
	ExceptionClass string        `json:"exception_class,omitempty"`
	// ReleaseError is set when the outcome could not be recorded in the store.
	ReleaseError string `json:"release_error,omitempty"`
}

// Label is "succeeded" or "failed".
func (o Outcome) Label() string {
	if o.Failed {
		return "failed"
	}
	return "succeeded"
}
