package domain

import (
	"encoding/json"
	"time"
)

type ProcessKind string

const (
	KindSupervisor ProcessKind = "Supervisor"
	KindDispatcher ProcessKind = "Dispatcher"
	KindWorker     ProcessKind = "Worker"
)

func (k ProcessKind) Valid() bool {
	switch k {
	case KindSupervisor, KindDispatcher, KindWorker:
		return true
	}
	return false
}

// Metadata keys exposed on process rows.
const (
	MetaPollingInterval                = "polling_interval"
	MetaBatchSize                      = "batch_size"
	MetaConcurrencyMaintenanceInterval = "concurrency_maintenance_interval"
	MetaRecurringSchedule              = "recurring_schedule"
	MetaQueues                         = "queues"
	MetaThreads                        = "threads"
	MetaMode                           = "mode"
)

// Metadata is free-form process metadata, stored as a JSON object.
type Metadata map[string]any

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Process is a registered supervisor, dispatcher or worker.
//
// SupervisorID is an attribution reference only: a child's lifecycle is owned
// by its supervisor's in-memory child table, never by this column.
type Process struct {
	ID              int64       `json:"id"`
	Kind            ProcessKind `json:"kind"`
	PID             int         `json:"pid"`
	Hostname        string      `json:"hostname"`
	Name            string      `json:"name"`
	SupervisorID    int64       `json:"supervisor_id,omitempty"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	Metadata        Metadata    `json:"metadata,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

func (p Process) MetadataJSON() (string, error) {
	if len(p.Metadata) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p.Metadata)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
