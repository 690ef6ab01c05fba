package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/gofib/internal/monitor"
)

func newMonitorCmd() *cobra.Command {
	var flagAddr string

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the monitoring HTTP API over a live scheduler",
		Long: `Monitor starts a scheduler and serves its counters, per-worker
queues, and recorded profiling sessions as a read-only JSON API. The server
runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := cfg.Monitor.Addr
			if cmd.Flags().Changed("addr") {
				addr = flagAddr
			}
			return runMonitor(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", ":8080", "Listen address")

	return cmd
}

func runMonitor(cmd *cobra.Command, addr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg.Engine, "monitor", true)
	if err != nil {
		return err
	}

	opts := []monitor.Option{monitor.WithRecorder(eng.recorder)}
	if eng.store != nil {
		opts = append(opts, monitor.WithStore(eng.store))
	}
	api := monitor.New(eng.sched, logger, opts...)

	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("monitor listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down monitor")
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	serveErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.close(drainCtx, true); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}

	return serveErr
}
