// Package scheduler owns worker lifecycle: it turns pending test
// entries into running workers and reaps workers that exceed their
// allotted runtime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyor-ci/conveyor/internal/engine"
	"github.com/conveyor-ci/conveyor/internal/report"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// Config holds scheduling behavior knobs.
type Config struct {
	// Interval between scheduling passes.
	Interval time.Duration
	// BatchSize caps how many tests a single pass may launch per platform.
	BatchSize int
	// MaxRuntime is the age past which a worker is forcibly reaped.
	MaxRuntime time.Duration
	// CallbackBaseURL is the externally reachable base URL workers
	// report progress to.
	CallbackBaseURL string
}

// ApplyDefaults fills unset fields with sane values.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 3
	}
	if c.MaxRuntime == 0 {
		c.MaxRuntime = 2 * time.Hour
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.CallbackBaseURL == "" {
		return fmt.Errorf("callback base URL is required")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must not be negative")
	}
	return nil
}

// Scheduler launches workers for pending tests and enforces runtime limits.
type Scheduler struct {
	cfg       Config
	store     *store.Store
	engine    engine.Engine
	reporter  report.Reporter
	platforms []store.Platform
	logger    *slog.Logger

	tracer           trace.Tracer
	workersStarted   metric.Int64Counter
	workersDestroyed metric.Int64Counter
	testsExpired     metric.Int64Counter
}

// New creates a Scheduler.
func New(cfg Config, s *store.Store, eng engine.Engine, rep report.Reporter, platforms []store.Platform, logger *slog.Logger) *Scheduler {
	sc := &Scheduler{
		cfg:       cfg,
		store:     s,
		engine:    eng,
		reporter:  rep,
		platforms: platforms,
		logger:    logger,
		tracer:    otel.Tracer("conveyor/scheduler"),
	}

	meter := otel.Meter("conveyor/scheduler")
	var err error
	sc.workersStarted, err = meter.Int64Counter(
		"conveyor.workers.started",
		metric.WithDescription("Total number of workers started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create workersStarted counter", slog.String("error", err.Error()))
	}
	sc.workersDestroyed, err = meter.Int64Counter(
		"conveyor.workers.destroyed",
		metric.WithDescription("Total number of workers destroyed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create workersDestroyed counter", slog.String("error", err.Error()))
	}
	sc.testsExpired, err = meter.Int64Counter(
		"conveyor.tests.expired",
		metric.WithDescription("Total number of tests canceled for exceeding max runtime"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create testsExpired counter", slog.String("error", err.Error()))
	}

	return sc
}

// Run executes scheduling and reaping passes until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("scheduling pass failed", slog.String("error", err.Error()))
			}
			if err := s.Reap(ctx); err != nil {
				s.logger.Error("reaper pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one scheduling pass over all platforms. Platforms in
// maintenance are skipped; their pending tests stay queued.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.Sweep")
	defer span.End()

	for _, p := range s.platforms {
		enabled, err := s.store.MaintenanceEnabled(ctx, p)
		if err != nil {
			return fmt.Errorf("checking maintenance for %s: %w", p, err)
		}
		if enabled {
			s.logger.Debug("platform in maintenance, skipping", slog.String("platform", string(p)))
			continue
		}

		tests, err := s.store.PendingTests(ctx, p, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("listing pending tests for %s: %w", p, err)
		}
		for _, t := range tests {
			if err := s.LaunchTest(ctx, &t); err != nil {
				s.logger.Error("failed to launch test",
					slog.Uint64("test", uint64(t.ID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// LaunchTest provisions a worker for a single test. The instance row
// is committed before provisioning so that a concurrent launch of the
// same test loses the uniqueness race and backs off without starting
// a second worker. A provisioning failure rolls the guard row back,
// cancels the test and reports failure.
func (s *Scheduler) LaunchTest(ctx context.Context, t *store.Test) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.LaunchTest",
		trace.WithAttributes(attribute.Int("test.id", int(t.ID))))
	defer span.End()

	name := WorkerName(t.ID)
	created, err := s.store.CreateInstance(ctx, name, t.ID)
	if err != nil {
		return fmt.Errorf("reserving instance %s: %w", name, err)
	}
	if !created {
		s.logger.Debug("instance already reserved, skipping",
			slog.Uint64("test", uint64(t.ID)),
		)
		return nil
	}

	spec := engine.WorkerSpec{
		Name:       name,
		Platform:   string(t.Platform),
		CommitHash: t.Commit,
		Branch:     t.Branch,
		Token:      t.Token,
		ReportURL:  fmt.Sprintf("%s/progress/%d/%s", s.cfg.CallbackBaseURL, t.ID, t.Token),
	}

	if _, err := s.engine.StartWorker(ctx, spec); err != nil {
		s.logger.Error("worker provisioning failed",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("worker", name),
			slog.String("error", err.Error()),
		)
		if derr := s.store.DeleteInstance(ctx, name); derr != nil {
			s.logger.Error("failed to release instance reservation",
				slog.String("worker", name),
				slog.String("error", derr.Error()),
			)
		}
		if perr := s.store.AppendProgress(ctx, t.ID, store.StatusCanceled, "Failed to provision worker"); perr != nil {
			s.logger.Error("failed to record cancellation",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", perr.Error()),
			)
		}
		s.reportFailure(ctx, t, "Failed to provision worker")
		return fmt.Errorf("starting worker %s: %w", name, err)
	}

	if s.workersStarted != nil {
		s.workersStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("platform", string(t.Platform)),
		))
	}
	s.logger.Info("worker started",
		slog.Uint64("test", uint64(t.ID)),
		slog.String("worker", name),
		slog.String("platform", string(t.Platform)),
	)
	return nil
}

// Deschedule cancels a test that has not started running yet: the
// instance reservation is released, the test is marked canceled and
// its commit status is revoked with a failure. A test with recorded
// progress is left alone; its worker keeps the test alive and the
// cancellation reaches it through its next callback instead of a
// teardown from under it.
func (s *Scheduler) Deschedule(ctx context.Context, testID uint, message string) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.Deschedule",
		trace.WithAttributes(attribute.Int("test.id", int(testID))))
	defer span.End()

	started, err := s.store.Started(ctx, testID)
	if err != nil {
		return fmt.Errorf("reading progress of test %d: %w", testID, err)
	}
	if started {
		s.logger.Debug("test already started, leaving it to its worker",
			slog.Uint64("test", uint64(testID)),
		)
		return nil
	}

	inst, err := s.store.InstanceForTest(ctx, testID)
	if err != nil {
		return fmt.Errorf("looking up instance for test %d: %w", testID, err)
	}
	if inst != nil {
		if err := s.store.DeleteInstance(ctx, inst.Name); err != nil {
			return fmt.Errorf("deleting instance %s: %w", inst.Name, err)
		}
	}

	if err := s.store.AppendProgress(ctx, testID, store.StatusCanceled, message); err != nil {
		return fmt.Errorf("canceling test %d: %w", testID, err)
	}
	if t, err := s.store.TestByID(ctx, testID); err == nil && t != nil {
		s.reportFailure(ctx, t, "Tests canceled")
	}
	s.logger.Info("test descheduled",
		slog.Uint64("test", uint64(testID)),
		slog.String("reason", message),
	)
	return nil
}

// Reap destroys workers older than the max runtime and cancels their
// tests. A second pass over the same state is a no-op: once the
// instance row is gone the worker no longer maps to a test.
func (s *Scheduler) Reap(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.Reap")
	defer span.End()

	workers, err := s.engine.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}

	now := time.Now()
	for _, w := range workers {
		if now.Sub(w.Created) <= s.cfg.MaxRuntime {
			continue
		}

		inst, err := s.store.InstanceByName(ctx, w.Name)
		if err != nil {
			s.logger.Error("failed to resolve expired worker",
				slog.String("worker", w.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Warn("reaping expired worker",
			slog.String("worker", w.Name),
			slog.Duration("age", now.Sub(w.Created)),
		)
		if err := s.engine.DestroyWorker(ctx, w.ID); err != nil {
			s.logger.Error("failed to destroy expired worker",
				slog.String("worker", w.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if s.workersDestroyed != nil {
			s.workersDestroyed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", "expired"),
			))
		}

		if inst == nil {
			// Worker without a tracked test, nothing left to cancel.
			continue
		}
		if err := s.store.AppendProgress(ctx, inst.TestID, store.StatusCanceled, "Runtime exceeded"); err != nil {
			s.logger.Error("failed to cancel expired test",
				slog.Uint64("test", uint64(inst.TestID)),
				slog.String("error", err.Error()),
			)
		}
		if t, err := s.store.TestByID(ctx, inst.TestID); err == nil && t != nil {
			s.reportFailure(ctx, t, "Runtime exceeded")
		}
		if err := s.store.DeleteInstance(ctx, inst.Name); err != nil {
			s.logger.Error("failed to delete expired instance",
				slog.String("worker", inst.Name),
				slog.String("error", err.Error()),
			)
		}
		if s.testsExpired != nil {
			s.testsExpired.Add(ctx, 1)
		}
	}
	return nil
}

func (s *Scheduler) reportFailure(ctx context.Context, t *store.Test, description string) {
	if s.reporter == nil {
		return
	}
	st := report.Status{
		State:       report.StateFailure,
		Description: description,
		Context:     report.StatusContext(t.Platform),
	}
	if err := s.reporter.PostStatus(ctx, t.Commit, st); err != nil {
		s.logger.Error("failed to report failure status",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
	}
}

// WorkerName derives a unique worker name for a test. The random
// suffix keeps a relaunch from colliding with a worker of the same
// test that the backend is still deleting.
func WorkerName(testID uint) string {
	return fmt.Sprintf("ci-worker-%d-%s", testID, uuid.NewString()[:8])
}
