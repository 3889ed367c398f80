package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Parse reads path (JSON or YAML) strictly and merges the recurring schedule
// file it references. It neither applies the environment nor validates.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeStrict(path, b, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f := strings.TrimSpace(cfg.Recurring.File); f != "" {
		cfg.Recurring.File = resolveRelative(path, f)
	}
	return &cfg, nil
}

// Load parses path, applies overlays, the environment, the recurring schedule
// file and validation, in that order. An empty path starts from defaults.
func Load(path string, overlays ...func(*Config)) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		parsed, err := Parse(path)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}
	return finish(cfg, overlays...)
}

func finish(cfg *Config, overlays ...func(*Config)) (*Config, error) {
	for _, o := range overlays {
		if o != nil {
			o(cfg)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrInvalid, err)
	}
	if f := strings.TrimSpace(cfg.Recurring.File); f != "" && !cfg.Recurring.Skip {
		tasks, err := LoadRecurringFile(f)
		if err != nil {
			return nil, err
		}
		if cfg.Recurring.Tasks == nil {
			cfg.Recurring.Tasks = make(map[string]RecurringTask, len(tasks))
		}
		for k, t := range tasks {
			cfg.Recurring.Tasks[k] = t
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRecurringFile reads a map of task key to task from a JSON or YAML file.
func LoadRecurringFile(path string) (map[string]RecurringTask, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recurring schedule: %w", err)
	}
	tasks := map[string]RecurringTask{}
	if err := decodeStrict(path, b, &tasks); err != nil {
		return nil, fmt.Errorf("recurring schedule %s: %w", path, err)
	}
	return tasks, nil
}

func decodeStrict(path string, data []byte, v any) error {
	jb, err := toJSON(path, data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}

func resolveRelative(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(base), p)
}
