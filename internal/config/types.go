package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buncis/solid-queue/internal/store"
	logx "github.com/buncis/solid-queue/pkg/logx"
)

// Config is the whole solid-queue configuration. All durations are Go duration
// strings ("100ms", "10m"); a bare number is read as seconds.
type Config struct {
	Log         LogConfig          `json:"log"`
	Database    DatabaseConfig     `json:"database"`
	Supervisor  SupervisorConfig   `json:"supervisor"`
	Workers     []WorkerConfig     `json:"workers,omitempty"`
	Dispatchers []DispatcherConfig `json:"dispatchers,omitempty"`
	Recurring   RecurringConfig    `json:"recurring"`
	Ops         OpsConfig          `json:"ops"`
	Analytics   AnalyticsConfig    `json:"analytics"`
}

type LogConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"`
	JSON    bool   `json:"json,omitempty"`
	File    string `json:"file,omitempty"`
}

func (l LogConfig) Logx() logx.Config {
	console := l.Console == nil || *l.Console
	return logx.Config{
		Level:   l.Level,
		Console: console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: strings.TrimSpace(l.File) != "", Path: l.File},
	}
}

// DatabaseConfig selects the store. Driver is "sqlite", "postgres" or "pq".
type DatabaseConfig struct {
	Driver       string   `json:"driver,omitempty"`
	URL          string   `json:"url,omitempty"`
	BusyTimeout  Duration `json:"busy_timeout,omitempty"`
	MaxOpenConns int      `json:"max_open_conns,omitempty"`
}

func (d DatabaseConfig) Store() store.Config {
	return store.Config{
		Driver:       d.Driver,
		DSN:          d.URL,
		BusyTimeout:  d.BusyTimeout.Std(),
		MaxOpenConns: d.MaxOpenConns,
	}
}

// SupervisorConfig controls the process tree.
//
// Mode is "fork" (children are OS processes) or "async" (children are
// goroutines in the supervisor process).
type SupervisorConfig struct {
	Mode                  string            `json:"mode,omitempty"`
	ShutdownTimeout       Duration          `json:"shutdown_timeout,omitempty"`
	HeartbeatInterval     Duration          `json:"heartbeat_interval,omitempty"`
	ProcessAliveThreshold Duration          `json:"process_alive_threshold,omitempty"`
	MaintenanceInterval   Duration          `json:"maintenance_interval,omitempty"`
	CrashBudget           CrashBudgetConfig `json:"crash_budget"`
}

// CrashBudgetConfig bounds child respawns: more than Max unexpected exits
// within Window is fatal for the supervisor.
type CrashBudgetConfig struct {
	Max    int      `json:"max,omitempty"`
	Window Duration `json:"window,omitempty"`
}

type WorkerConfig struct {
	Queues          []string `json:"queues,omitempty"`
	Threads         int      `json:"threads,omitempty"`
	Processes       int      `json:"processes,omitempty"`
	PollingInterval Duration `json:"polling_interval,omitempty"`
	SilencePolling  bool     `json:"silence_polling,omitempty"`
}

type DispatcherConfig struct {
	PollingInterval                Duration `json:"polling_interval,omitempty"`
	BatchSize                      int      `json:"batch_size,omitempty"`
	ConcurrencyMaintenance         *bool    `json:"concurrency_maintenance,omitempty"`
	ConcurrencyMaintenanceInterval Duration `json:"concurrency_maintenance_interval,omitempty"`
	SilencePolling                 bool     `json:"silence_polling,omitempty"`
}

// MaintenanceEnabled reports whether concurrency maintenance runs (default true).
func (d DispatcherConfig) MaintenanceEnabled() bool {
	return d.ConcurrencyMaintenance == nil || *d.ConcurrencyMaintenance
}

// RecurringConfig lists recurring tasks inline, in a separate file, or both
// (file entries win on key collisions).
type RecurringConfig struct {
	File  string                   `json:"file,omitempty"`
	Skip  bool                     `json:"skip,omitempty"`
	Tasks map[string]RecurringTask `json:"tasks,omitempty"`
}

// RecurringTask enqueues Class on Queue with Args every time Schedule fires.
type RecurringTask struct {
	Class    string          `json:"class"`
	Queue    string          `json:"queue,omitempty"`
	Schedule string          `json:"schedule"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Keys returns the recurring task keys in sorted order.
func (r RecurringConfig) Keys() []string {
	keys := make([]string, 0, len(r.Tasks))
	for k := range r.Tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpsConfig enables the HTTP endpoints for health, metrics and inspection.
// A non-loopback Listen address requires Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
	Token   string `json:"token,omitempty"`
}

type AnalyticsConfig struct {
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string   `json:"addr,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
	TTL      Duration `json:"ttl,omitempty"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Or returns def when d is unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if nerr := json.Unmarshal(b, &secs); nerr != nil {
			return err
		}
		if secs < 0 {
			return fmt.Errorf("duration %s must be >= 0", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := ParseDurationField("", s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
