package config

import (
	"reflect"

	logx "github.com/buncis/solid-queue/pkg/logx"
)

// Change summarizes what differs between two configs.
type Change struct {
	Sections []string
	Fields   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// NeedsRestart reports whether the running children must be replaced for the
// change to take effect. Logging applies in place.
func (c Change) NeedsRestart() bool {
	for _, s := range c.Sections {
		switch s {
		case "log":
		default:
			return true
		}
	}
	return false
}

// Frozen lists the changed sections a running supervisor cannot adopt: they
// take effect only after the process restarts.
func (c Change) Frozen() []string {
	var out []string
	for _, s := range c.Sections {
		switch s {
		case "database", "supervisor", "ops", "analytics":
			out = append(out, s)
		}
	}
	return out
}

// Diff compares two configs section by section. Fields never include the
// database URL or the Redis password.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	section := func(name string, changed bool, fields ...logx.Field) {
		if changed {
			ch.Sections = append(ch.Sections, name)
			ch.Fields = append(ch.Fields, fields...)
		}
	}

	section("log", !reflect.DeepEqual(oldCfg.Log, newCfg.Log),
		logx.String("log.level", newCfg.Log.Level),
		logx.Bool("log.json", newCfg.Log.JSON),
	)
	section("database", !reflect.DeepEqual(oldCfg.Database, newCfg.Database),
		logx.String("database.driver", newCfg.Database.Driver),
		logx.Bool("database.url_changed", oldCfg.Database.URL != newCfg.Database.URL),
	)
	section("supervisor", !reflect.DeepEqual(oldCfg.Supervisor, newCfg.Supervisor),
		logx.String("supervisor.mode", newCfg.Supervisor.Mode),
		logx.Duration("supervisor.shutdown_timeout", newCfg.Supervisor.ShutdownTimeout.Std()),
	)
	section("workers", !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers),
		logx.Int("workers.pools", len(newCfg.Workers)),
	)
	section("dispatchers", !reflect.DeepEqual(oldCfg.Dispatchers, newCfg.Dispatchers),
		logx.Int("dispatchers.count", len(newCfg.Dispatchers)),
	)
	section("recurring", !reflect.DeepEqual(oldCfg.Recurring, newCfg.Recurring),
		logx.Strings("recurring.tasks", newCfg.Recurring.Keys()),
		logx.Bool("recurring.skip", newCfg.Recurring.Skip),
	)
	section("ops", oldCfg.Ops != newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.listen", newCfg.Ops.Listen),
	)
	section("analytics", oldCfg.Analytics != newCfg.Analytics,
		logx.Bool("analytics.redis", newCfg.Analytics.Redis.Enabled()),
	)
	return ch
}
