package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gofib.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Engine.LogLevel != "info" || cfg.Engine.LogFormat != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Engine)
	}
	if cfg.Monitor.Addr != ":8080" {
		t.Errorf("Monitor.Addr = %q, want :8080", cfg.Monitor.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
engine:
  workers: 8
  steal_attempts: 6
  pin_workers: true
  fiber_limit: 512
  log_level: debug
  log_format: json
  trace_db: /tmp/trace.db
monitor:
  addr: ":9090"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.StealAttempts != 6 {
		t.Errorf("engine sizing = %+v", cfg.Engine)
	}
	if !cfg.Engine.PinWorkers || cfg.Engine.FiberLimit != 512 {
		t.Errorf("engine tuning = %+v", cfg.Engine)
	}
	if cfg.Engine.TraceDB != "/tmp/trace.db" {
		t.Errorf("TraceDB = %q", cfg.Engine.TraceDB)
	}
	if cfg.Monitor.Addr != ":9090" {
		t.Errorf("Monitor.Addr = %q", cfg.Monitor.Addr)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "engine:\n  workers: 2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Engine.Workers)
	}
	if cfg.Engine.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.Engine.LogLevel)
	}
	if cfg.Monitor.Addr != ":8080" {
		t.Errorf("Monitor.Addr = %q, want default :8080", cfg.Monitor.Addr)
	}
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "engine:\n  wrokers: 2\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a misspelled key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() on missing file did not fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }, "workers"},
		{"negative steals", func(c *Config) { c.Engine.StealAttempts = -2 }, "steal_attempts"},
		{"negative fiber limit", func(c *Config) { c.Engine.FiberLimit = -5 }, "fiber_limit"},
		{"bad log format", func(c *Config) { c.Engine.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
