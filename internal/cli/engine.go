package cli

import (
	"context"
	"fmt"

	"github.com/me/gofib/internal/config"
	"github.com/me/gofib/internal/fiber"
	"github.com/me/gofib/internal/trace"
	"github.com/me/gofib/pkg/jobsys"
)

// engine bundles a scheduler with its optional tracing attachments so the
// commands share one construction and teardown path.
type engine struct {
	sched    *jobsys.Scheduler
	recorder *trace.Recorder
	store    *trace.Store
	session  *trace.Session
}

// newEngine builds a scheduler from the engine config. When record is set a
// recorder observes every scheduler event; when the config names a trace
// database a profiling session is opened for this process.
func newEngine(ctx context.Context, e config.Engine, label string, record bool) (*engine, error) {
	jcfg := jobsys.DefaultConfig()
	if e.Workers > 0 {
		jcfg.Workers = e.Workers
	}
	if e.StealAttempts > 0 {
		jcfg.StealAttempts = e.StealAttempts
	}
	jcfg.PinWorkers = e.PinWorkers
	jcfg.Pool.Grow = e.GrowFibers
	if e.FiberLimit > 0 {
		jcfg.Pool.Limits = map[fiber.Class]int{
			fiber.ClassSmall:  e.FiberLimit,
			fiber.ClassMedium: e.FiberLimit,
			fiber.ClassLarge:  e.FiberLimit,
		}
	}

	eng := &engine{}
	var opts []jobsys.Option
	if record || e.TraceDB != "" {
		eng.recorder = trace.NewRecorder(0)
		opts = append(opts, jobsys.WithObserver(eng.recorder.Observe))
	}
	eng.sched = jobsys.New(jcfg, logger, opts...)

	if e.TraceDB != "" {
		st, err := trace.NewStore(e.TraceDB, logger)
		if err != nil {
			return nil, fmt.Errorf("open trace store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate trace store: %w", err)
		}
		sess, err := st.BeginSession(ctx, label, jcfg.Workers)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("begin trace session: %w", err)
		}
		eng.store = st
		eng.session = sess
		logger.Info("trace session started", "session", sess.ID, "db", e.TraceDB)
	}

	return eng, nil
}

// close drains the scheduler, flushes recorded events into the trace
// session, and releases the store. The first error wins.
func (eng *engine) close(ctx context.Context, drain bool) error {
	shutdownErr := eng.sched.Shutdown(ctx, drain)

	var traceErr error
	if eng.store != nil {
		if eng.recorder != nil {
			if err := eng.store.AppendEvents(ctx, eng.session.ID, eng.recorder.Drain()); err != nil {
				traceErr = fmt.Errorf("persist trace events: %w", err)
			}
		}
		if err := eng.store.EndSession(ctx, eng.session.ID, eng.sched.Stats()); err != nil && traceErr == nil {
			traceErr = fmt.Errorf("end trace session: %w", err)
		}
		if err := eng.store.Close(); err != nil && traceErr == nil {
			traceErr = err
		}
	}

	if shutdownErr != nil {
		return shutdownErr
	}
	return traceErr
}
