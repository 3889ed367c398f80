package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buncis/solid-queue/internal/recurring"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	ModeFork       = "fork"
	ModeAsync      = "async"
	ModeWorker     = "worker"
	ModeDispatcher = "dispatcher"
)

// Defaults applied by Validate.
const (
	DefaultThreads                        = 3
	DefaultProcesses                      = 1
	DefaultWorkerPollingInterval          = 100 * time.Millisecond
	DefaultDispatcherPollingInterval      = time.Second
	DefaultBatchSize                      = 500
	DefaultConcurrencyMaintenanceInterval = 600 * time.Second
	DefaultShutdownTimeout                = 5 * time.Second
	DefaultHeartbeatInterval              = 60 * time.Second
	DefaultProcessAliveThreshold          = 5 * time.Minute
	DefaultMaintenanceInterval            = 30 * time.Second
	DefaultCrashBudget                    = 5
	DefaultCrashWindow                    = time.Minute
	DefaultOpsListen                      = "127.0.0.1:9394"
	DefaultAnalyticsTTL                   = 24 * time.Hour
	DefaultDatabaseURL                    = "solid_queue.db"
)

// Default returns a validated configuration with one worker pool and one dispatcher.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults in place and reports every problem it finds.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(c.Log.Level) {
		add("log.level: unknown level %q", c.Log.Level)
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite3":
		c.Database.Driver = "sqlite"
	case "sqlite", "postgres", "postgresql", "pgx", "pq":
	default:
		add("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		if c.Database.Driver == "sqlite" {
			c.Database.URL = DefaultDatabaseURL
		} else {
			add("database.url: required for driver %q", c.Database.Driver)
		}
	}
	if c.Database.MaxOpenConns < 0 {
		add("database.max_open_conns: must be >= 0")
	}

	sv := &c.Supervisor
	switch strings.ToLower(strings.TrimSpace(sv.Mode)) {
	case "":
		sv.Mode = ModeFork
	case ModeFork, ModeAsync, ModeWorker, ModeDispatcher:
		sv.Mode = strings.ToLower(strings.TrimSpace(sv.Mode))
	default:
		add("supervisor.mode: unknown mode %q (fork, async, worker, dispatcher)", sv.Mode)
	}
	setDefault(&sv.ShutdownTimeout, DefaultShutdownTimeout)
	setDefault(&sv.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&sv.ProcessAliveThreshold, DefaultProcessAliveThreshold)
	setDefault(&sv.MaintenanceInterval, DefaultMaintenanceInterval)
	setDefault(&sv.CrashBudget.Window, DefaultCrashWindow)
	if sv.CrashBudget.Max < 0 {
		add("supervisor.crash_budget.max: must be >= 0")
	} else if sv.CrashBudget.Max == 0 {
		sv.CrashBudget.Max = DefaultCrashBudget
	}
	if sv.ProcessAliveThreshold.Std() <= sv.HeartbeatInterval.Std() {
		add("supervisor.process_alive_threshold (%s) must exceed heartbeat_interval (%s)", sv.ProcessAliveThreshold, sv.HeartbeatInterval)
	}

	if len(c.Workers) == 0 && len(c.Dispatchers) == 0 {
		c.Workers = []WorkerConfig{{}}
		c.Dispatchers = []DispatcherConfig{{}}
	}
	for i := range c.Workers {
		w := &c.Workers[i]
		if len(w.Queues) == 0 {
			w.Queues = []string{"*"}
		}
		for _, q := range w.Queues {
			q = strings.TrimSpace(q)
			if q == "" || (strings.Contains(q, "*") && !strings.HasSuffix(q, "*")) || strings.Count(q, "*") > 1 {
				add("workers[%d].queues: invalid selector %q", i, q)
			}
		}
		switch {
		case w.Threads < 0:
			add("workers[%d].threads: must be >= 1", i)
		case w.Threads == 0:
			w.Threads = DefaultThreads
		}
		switch {
		case w.Processes < 0:
			add("workers[%d].processes: must be >= 1", i)
		case w.Processes == 0:
			w.Processes = DefaultProcesses
		}
		setDefault(&w.PollingInterval, DefaultWorkerPollingInterval)
	}
	for i := range c.Dispatchers {
		d := &c.Dispatchers[i]
		setDefault(&d.PollingInterval, DefaultDispatcherPollingInterval)
		switch {
		case d.BatchSize < 0:
			add("dispatchers[%d].batch_size: must be >= 1", i)
		case d.BatchSize == 0:
			d.BatchSize = DefaultBatchSize
		}
		setDefault(&d.ConcurrencyMaintenanceInterval, DefaultConcurrencyMaintenanceInterval)
	}

	for key, t := range c.Recurring.Tasks {
		if _, err := recurring.NewTask(key, t.Class, t.Queue, t.Schedule, t.Args); err != nil {
			add("recurring.tasks: %v", err)
		}
	}

	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Listen) == "" {
		c.Ops.Listen = DefaultOpsListen
	}
	if c.Analytics.Redis.Enabled() {
		setDefault(&c.Analytics.Redis.TTL, DefaultAnalyticsTTL)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func setDefault(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// RecurringTasks builds the scheduler tasks, or nil when recurring is skipped.
func (c *Config) RecurringTasks() ([]recurring.Task, error) {
	if c.Recurring.Skip {
		return nil, nil
	}
	tasks := make([]recurring.Task, 0, len(c.Recurring.Tasks))
	for _, key := range c.Recurring.Keys() {
		t := c.Recurring.Tasks[key]
		task, err := recurring.NewTask(key, t.Class, t.Queue, t.Schedule, t.Args)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ExpectedProcesses is the number of process rows a running supervisor owns,
// itself included.
func (c *Config) ExpectedProcesses() int {
	switch c.Supervisor.Mode {
	case ModeWorker, ModeDispatcher:
		return 1
	}
	n := 1 + len(c.Dispatchers)
	for _, w := range c.Workers {
		n += max(w.Processes, 1)
	}
	return n
}
