// Package jobfile loads declarative job-graph definitions from YAML. A job
// file names a set of jobs with script bodies, placement hints, and
// dependency edges; the CLI turns it into scheduler submissions.
package jobfile

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/gofib/internal/fiber"
	"github.com/me/gofib/pkg/jobsys"
)

// File is one parsed job file.
type File struct {
	Name string `yaml:"name"`
	Jobs []Job  `yaml:"jobs"`
}

// Job is one declarative job entry.
type Job struct {
	ID       string   `yaml:"id"`
	Script   string   `yaml:"script"`   // JavaScript body, see the script package
	Priority string   `yaml:"priority"` // critical, high, normal, low, deferred
	Stack    string   `yaml:"stack"`    // small, medium, large
	Deps     []string `yaml:"deps"`
	Worker   *int     `yaml:"worker"` // pin to one worker
	Node     *int     `yaml:"node"`   // prefer one NUMA node
}

// Options maps the declarative fields onto submission options. Dependency
// ids are resolved by the caller, which holds the id-to-handle mapping.
func (j Job) Options() (jobsys.Options, error) {
	opts := jobsys.Options{
		Name:     j.ID,
		Priority: jobsys.ParsePriority(j.Priority),
	}

	switch j.Stack {
	case "", "small":
		opts.Stack = fiber.ClassSmall
	case "medium":
		opts.Stack = fiber.ClassMedium
	case "large":
		opts.Stack = fiber.ClassLarge
	default:
		return opts, fmt.Errorf("job %q: unknown stack class %q", j.ID, j.Stack)
	}

	switch {
	case j.Worker != nil:
		opts.Affinity = jobsys.Affinity{Kind: jobsys.AffinityWorker, Worker: *j.Worker}
	case j.Node != nil:
		opts.Affinity = jobsys.Affinity{Kind: jobsys.AffinityNode, Node: *j.Node}
	}
	return opts, nil
}

// Parser converts raw YAML into validated job files.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "jobfile")}
}

// ParseFile reads and parses a job file from disk.
func (p *Parser) ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file %s: %w", path, err)
	}
	return p.Parse(data)
}

// Parse parses and validates a job file. Unknown keys are rejected so a
// misspelled field fails loudly instead of silently defaulting.
func (p *Parser) Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}

	if err := validate(&f); err != nil {
		return nil, err
	}
	if _, err := Order(&f); err != nil {
		return nil, err
	}

	p.logger.Debug("parsed job file", "name", f.Name, "jobs", len(f.Jobs))
	return &f, nil
}

// validate checks structural invariants: non-empty unique ids, scripts
// present, dependency references resolvable, placement fields coherent.
func validate(f *File) error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("job file defines no jobs")
	}

	ids := make(map[string]bool, len(f.Jobs))
	for i, j := range f.Jobs {
		if j.ID == "" {
			return fmt.Errorf("jobs[%d]: missing id", i)
		}
		if ids[j.ID] {
			return fmt.Errorf("duplicate job id %q", j.ID)
		}
		ids[j.ID] = true

		if j.Script == "" {
			return fmt.Errorf("job %q: missing script", j.ID)
		}
		if _, err := j.Options(); err != nil {
			return err
		}
		if j.Worker != nil && j.Node != nil {
			return fmt.Errorf("job %q: worker and node affinity are mutually exclusive", j.ID)
		}
	}

	for _, j := range f.Jobs {
		seen := make(map[string]bool, len(j.Deps))
		for _, dep := range j.Deps {
			if dep == j.ID {
				return fmt.Errorf("job %q depends on itself", j.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("job %q depends on unknown job %q", j.ID, dep)
			}
			if seen[dep] {
				return fmt.Errorf("job %q lists dependency %q twice", j.ID, dep)
			}
			seen[dep] = true
		}
	}
	return nil
}
