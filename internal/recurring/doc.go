// Package recurring turns schedule expressions into enqueued jobs.
//
// Every dispatcher runs the same tasks. Duplicate slots are rejected by the
// store's unique (task_key, run_at) constraint, so no coordination between
// schedulers is needed.
package recurring
