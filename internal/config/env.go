package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "SOLID_QUEUE_"

type envOverrides struct {
	DatabaseURL   string `env:"DATABASE_URL"`
	DBDriver      string `env:"DB_DRIVER"`
	LogLevel      string `env:"LOG_LEVEL"`
	SkipRecurring *bool  `env:"SKIP_RECURRING"`
	OpsListen     string `env:"OPS_LISTEN"`
	OpsToken      string `env:"OPS_TOKEN"`
	RedisAddr     string `env:"REDIS_ADDR"`
}

// ApplyEnv overlays SOLID_QUEUE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}

	if v := strings.TrimSpace(o.DatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(o.DBDriver); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if o.SkipRecurring != nil {
		cfg.Recurring.Skip = *o.SkipRecurring
	}
	if v := strings.TrimSpace(o.OpsListen); v != "" {
		cfg.Ops.Enabled = true
		cfg.Ops.Listen = v
	}
	if v := strings.TrimSpace(o.OpsToken); v != "" {
		cfg.Ops.Token = v
	}
	if v := strings.TrimSpace(o.RedisAddr); v != "" {
		cfg.Analytics.Redis.Addr = v
	}
	return nil
}
