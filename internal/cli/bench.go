package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/gofib/pkg/jobsys"
)

func newBenchCmd() *cobra.Command {
	var (
		flagJobs    int
		flagYields  int
		flagTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure scheduler throughput with synthetic jobs",
		Long: `Bench floods the scheduler with no-op jobs and reports throughput,
steal counts, and per-worker distribution. With --yields each job suspends
and resumes that many times, exercising the fiber switch path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, flagJobs, flagYields, flagTimeout)
		},
	}

	cmd.Flags().IntVar(&flagJobs, "jobs", 100000, "Number of jobs to submit")
	cmd.Flags().IntVar(&flagYields, "yields", 0, "Yields per job")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 5*time.Minute, "Benchmark timeout")

	return cmd
}

func runBench(cmd *cobra.Command, jobs, yields int, timeout time.Duration) error {
	if jobs <= 0 {
		return fmt.Errorf("jobs must be positive, got %d", jobs)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	eng, err := newEngine(ctx, cfg.Engine, "bench", true)
	if err != nil {
		return err
	}

	logger.Info("benchmark starting", "jobs", jobs, "yields", yields)
	start := time.Now()

	h, err := eng.sched.SubmitN(jobs, func(jc *jobsys.Context, i int) error {
		for y := 0; y < yields; y++ {
			if err := jc.Yield(); err != nil {
				return err
			}
		}
		return nil
	}, jobsys.Options{Name: "bench"})
	if err != nil {
		eng.close(ctx, false)
		return err
	}
	if _, err := h.Wait(ctx); err != nil {
		eng.close(context.Background(), false)
		return fmt.Errorf("benchmark run: %w", err)
	}
	elapsed := time.Since(start)

	snap := eng.sched.Stats()
	var summaryCounts map[string]uint64
	if eng.recorder != nil {
		summaryCounts = eng.recorder.Summary().Counts
	}

	if err := eng.close(ctx, true); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}

	rate := float64(jobs) / elapsed.Seconds()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Jobs:       %s\n", humanize.Comma(int64(jobs)))
	fmt.Fprintf(out, "Elapsed:    %s\n", elapsed.Round(time.Microsecond))
	fmt.Fprintf(out, "Throughput: %s jobs/s\n", humanize.CommafWithDigits(rate, 0))
	fmt.Fprintf(out, "Steals:     %s\n", humanize.Comma(int64(snap.Steals)))
	for _, w := range snap.Workers {
		fmt.Fprintf(out, "  worker %-3d executed %-10s steals %s\n",
			w.Worker, humanize.Comma(int64(w.Executed)), humanize.Comma(int64(w.Steals)))
	}
	if len(summaryCounts) > 0 {
		fmt.Fprintf(out, "Events:\n")
		for _, kind := range []string{"job_start", "job_end", "steal", "fiber_switch", "worker_park"} {
			if n, ok := summaryCounts[kind]; ok {
				fmt.Fprintf(out, "  %-12s %s\n", kind, humanize.Comma(int64(n)))
			}
		}
	}

	return nil
}
