package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/gofib/internal/jobfile"
)

func newAnalyzeCmd() *cobra.Command {
	var flagOutput string

	cmd := &cobra.Command{
		Use:   "analyze <job-file>",
		Short: "Validate a job file and show its execution order",
		Long: `Analyze parses a job file, checks it for structural problems
(duplicate ids, unknown dependencies, cycles), and prints the topological
order the scheduler would release the jobs in. Nothing is executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return analyzeJobFile(cmd, args[0], flagOutput)
		},
	}

	cmd.Flags().StringVar(&flagOutput, "output", "text", "Report format (text, json)")

	return cmd
}

type analyzeReport struct {
	Name  string       `json:"name"`
	Jobs  int          `json:"jobs"`
	Order []string     `json:"order"`
	Graph []analyzeJob `json:"graph"`
}

type analyzeJob struct {
	ID       string   `json:"id"`
	Priority string   `json:"priority"`
	Deps     []string `json:"deps,omitempty"`
}

func analyzeJobFile(cmd *cobra.Command, path, output string) error {
	f, err := jobfile.New(logger).ParseFile(path)
	if err != nil {
		return err
	}
	order, err := jobfile.Order(f)
	if err != nil {
		return err
	}

	report := analyzeReport{
		Name:  f.Name,
		Jobs:  len(f.Jobs),
		Order: order,
	}
	for _, j := range f.Jobs {
		prio := j.Priority
		if prio == "" {
			prio = "normal"
		}
		report.Graph = append(report.Graph, analyzeJob{ID: j.ID, Priority: prio, Deps: j.Deps})
	}

	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "text":
		fmt.Fprintf(out, "Job file: %s (%d jobs)\n\n", f.Name, len(f.Jobs))
		for i, id := range order {
			deps := ""
			for _, j := range f.Jobs {
				if j.ID == id && len(j.Deps) > 0 {
					deps = "  <- " + strings.Join(j.Deps, ", ")
				}
			}
			fmt.Fprintf(out, "%3d. %s%s\n", i+1, id, deps)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}
