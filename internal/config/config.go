// Package config holds the engine configuration shared by the CLI commands
// and the monitor server, with optional YAML file loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Engine configures a scheduler instance as built by the CLI.
type Engine struct {
	Workers       int    `yaml:"workers"`        // 0 means one per CPU
	StealAttempts int    `yaml:"steal_attempts"` // steal probes before parking
	PinWorkers    bool   `yaml:"pin_workers"`    // pin worker threads to NUMA cores
	FiberLimit    int    `yaml:"fiber_limit"`    // per-class fiber cap, 0 for default
	GrowFibers    bool   `yaml:"grow_fibers"`    // allocate past the cap instead of failing
	LogLevel      string `yaml:"log_level"`      // debug, info, warn, error
	LogFormat     string `yaml:"log_format"`     // text, json, pretty
	TraceDB       string `yaml:"trace_db"`       // SQLite path for profiling sessions, empty disables
}

// Monitor configures the HTTP monitoring server.
type Monitor struct {
	Addr string `yaml:"addr"` // listen address (default ":8080")
}

// Config is the root of the YAML config file.
type Config struct {
	Engine  Engine  `yaml:"engine"`
	Monitor Monitor `yaml:"monitor"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Engine: Engine{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Monitor: Monitor{
			Addr: ":8080",
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are
// rejected so typos surface instead of silently using defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot honor.
func (c Config) Validate() error {
	if c.Engine.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Engine.Workers)
	}
	if c.Engine.StealAttempts < 0 {
		return fmt.Errorf("steal_attempts must be non-negative, got %d", c.Engine.StealAttempts)
	}
	if c.Engine.FiberLimit < 0 {
		return fmt.Errorf("fiber_limit must be non-negative, got %d", c.Engine.FiberLimit)
	}
	switch c.Engine.LogFormat {
	case "", "text", "json", "pretty":
	default:
		return fmt.Errorf("unknown log_format %q", c.Engine.LogFormat)
	}
	return nil
}
