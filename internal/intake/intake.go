// Package intake materializes Test records from source-control events.
// Creation is deliberately decoupled from launching: the scheduler
// picks the rows up later, after capacity and maintenance checks.
package intake

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// CommitRef identifies the commit a set of tests should cover.
type CommitRef struct {
	ForkURL  string
	Branch   string
	Commit   string // 40-hex commit hash
	Trigger  store.Trigger
	PRNumber int
}

// Factory creates one Test per configured platform for a commit.
type Factory struct {
	store     *store.Store
	platforms []store.Platform
	logger    *slog.Logger

	tracer       trace.Tracer
	testsCreated metric.Int64Counter
}

// New creates a Factory.
func New(s *store.Store, platforms []store.Platform, logger *slog.Logger) *Factory {
	f := &Factory{
		store:     s,
		platforms: platforms,
		logger:    logger,
		tracer:    otel.Tracer("conveyor/intake"),
	}

	meter := otel.Meter("conveyor/intake")
	var err error
	f.testsCreated, err = meter.Int64Counter(
		"conveyor.tests.created",
		metric.WithDescription("Total number of test entries created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create testsCreated counter", slog.String("error", err.Error()))
	}

	return f
}

// Create validates the commit hash, resolves the fork (creating it
// lazily), and writes one Test per platform in a single transaction.
// An invalid hash or a failed commit yields an empty list and zero
// rows; there is no partial creation.
func (f *Factory) Create(ctx context.Context, ref CommitRef) ([]uint, error) {
	ctx, span := f.tracer.Start(ctx, "intake.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("commit", ref.Commit),
		attribute.String("trigger", string(ref.Trigger)),
	)

	if !ValidCommitHash(ref.Commit) {
		f.logger.Warn("rejecting malformed commit hash", slog.String("commit", ref.Commit))
		return nil, nil
	}

	fork, err := f.store.EnsureFork(ctx, ref.ForkURL)
	if err != nil {
		return nil, fmt.Errorf("resolving fork: %w", err)
	}

	branch := ref.Branch
	if ref.Trigger == store.TriggerPullRequest {
		branch = "pull_request"
	}

	tests := make([]*store.Test, 0, len(f.platforms))
	for _, p := range f.platforms {
		tests = append(tests, &store.Test{
			Platform: p,
			Trigger:  ref.Trigger,
			ForkID:   fork.ID,
			Branch:   branch,
			Commit:   ref.Commit,
			PRNumber: ref.PRNumber,
			Token:    store.NewToken(),
		})
	}

	if err := f.store.CreateTests(ctx, tests); err != nil {
		f.logger.Error("test creation rolled back",
			slog.String("commit", ref.Commit),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	ids := make([]uint, len(tests))
	for i, t := range tests {
		ids[i] = t.ID
		f.logger.Info("test created",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("platform", string(t.Platform)),
			slog.String("commit", ref.Commit),
		)
	}

	if f.testsCreated != nil {
		f.testsCreated.Add(ctx, int64(len(ids)), metric.WithAttributes(
			attribute.String("trigger", string(ref.Trigger)),
		))
	}
	return ids, nil
}

// ValidCommitHash reports whether s is exactly 40 lowercase or
// uppercase hex characters.
func ValidCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
