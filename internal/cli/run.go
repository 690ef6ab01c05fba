package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gofib/internal/jobfile"
	"github.com/me/gofib/internal/script"
	"github.com/me/gofib/pkg/jobsys"
)

func newRunCmd() *cobra.Command {
	var (
		flagTimeout time.Duration
		flagPrelude []string
		flagOutput  string
	)

	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Run a job file on the scheduler",
		Long: `Run parses a YAML job file, submits every job with its declared
dependencies, priority, and placement hints, and waits for the whole graph
to finish. Job scripts are JavaScript; each script sees the results of its
dependencies under 'deps' and its own metadata under 'job'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobFile(cmd, args[0], flagTimeout, flagPrelude, flagOutput)
		},
	}

	cmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Minute, "Overall run timeout")
	cmd.Flags().StringArrayVar(&flagPrelude, "prelude", nil, "JavaScript file loaded before every script (repeatable)")
	cmd.Flags().StringVar(&flagOutput, "output", "text", "Result format (text, json)")

	return cmd
}

type jobResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runJobFile(cmd *cobra.Command, path string, timeout time.Duration, preludePaths []string, output string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("unknown output format %q", output)
	}

	f, err := jobfile.New(logger).ParseFile(path)
	if err != nil {
		return err
	}
	order, err := jobfile.Order(f)
	if err != nil {
		return err
	}

	var prelude []string
	for _, p := range preludePaths {
		src, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read prelude %s: %w", p, err)
		}
		prelude = append(prelude, string(src))
	}
	eval := script.NewEvaluator(prelude)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	label := f.Name
	if label == "" {
		label = path
	}
	eng, err := newEngine(ctx, cfg.Engine, label, false)
	if err != nil {
		return err
	}

	byID := make(map[string]jobfile.Job, len(f.Jobs))
	for _, j := range f.Jobs {
		byID[j.ID] = j
	}

	logger.Info("running job file", "name", f.Name, "jobs", len(f.Jobs))
	start := time.Now()

	handles := make(map[string]*jobsys.Handle, len(order))
	for _, id := range order {
		jf := byID[id]
		opts, err := jf.Options()
		if err != nil {
			eng.close(ctx, false)
			return err
		}

		// Dependencies were submitted earlier in topological order, so
		// their handles exist; a dependency is terminal by the time this
		// body runs and Poll never misses.
		depHandles := make(map[string]*jobsys.Handle, len(jf.Deps))
		for _, dep := range jf.Deps {
			dh := handles[dep]
			depHandles[dep] = dh
			opts.Deps = append(opts.Deps, dh.ID())
		}

		h, err := eng.sched.Submit(func(jc *jobsys.Context) (any, error) {
			depVals := make(map[string]any, len(depHandles))
			for depID, dh := range depHandles {
				v, derr, _ := dh.Poll()
				if derr != nil {
					return nil, fmt.Errorf("dependency %q failed: %w", depID, derr)
				}
				depVals[depID] = v
			}
			return eval.Run(jf.Script, &script.Context{
				Job:  map[string]any{"id": jf.ID, "worker": jc.Worker()},
				Deps: depVals,
			})
		}, opts)
		if err != nil {
			eng.close(ctx, false)
			return fmt.Errorf("submit job %q: %w", id, err)
		}
		handles[id] = h
	}

	results := make(map[string]jobResult, len(order))
	failed := 0
	for _, id := range order {
		v, err := handles[id].Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				eng.close(context.Background(), false)
				return fmt.Errorf("run timed out after %s", timeout)
			}
			results[id] = jobResult{Error: err.Error()}
			failed++
			continue
		}
		results[id] = jobResult{Result: v}
	}
	elapsed := time.Since(start)

	if err := eng.close(ctx, true); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}

	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	default:
		for _, id := range order {
			r := results[id]
			if r.Error != "" {
				fmt.Fprintf(out, "%-24s FAILED  %s\n", id, r.Error)
			} else {
				fmt.Fprintf(out, "%-24s ok      %v\n", id, r.Result)
			}
		}
		fmt.Fprintf(out, "\n%d jobs in %s\n", len(order), elapsed.Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(order))
	}
	return nil
}
