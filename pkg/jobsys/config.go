package jobsys

import (
	"runtime"

	"github.com/me/gofib/internal/fiber"
)

// Config holds scheduler configuration.
type Config struct {
	// Workers is the fixed OS worker thread count. Default: runtime.NumCPU().
	Workers int
	// StealAttempts bounds random-victim probes before a worker parks.
	StealAttempts int
	// Pool configures fiber stack classes.
	Pool fiber.Config
	// PinWorkers pins each worker thread to its NUMA node's cores.
	PinWorkers bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		StealAttempts: 4,
		Pool:          fiber.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.StealAttempts <= 0 {
		c.StealAttempts = 4
	}
	return c
}
