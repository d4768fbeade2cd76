// Package progress receives authenticated worker callbacks and advances
// the test state machine. Every response is one of three plaintext
// sentinels the worker understands; errors never surface as exceptions
// to the caller.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyor-ci/conveyor/internal/artifacts"
	"github.com/conveyor-ci/conveyor/internal/engine"
	"github.com/conveyor-ci/conveyor/internal/report"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// Response sentinels. Workers retry on anything but replyOK.
const (
	replyOK    = "OK"
	replyEmpty = "EMPTY"
	replyFail  = "FAIL"
)

const maxUploadMemory = 32 << 20

// Config holds handler settings.
type Config struct {
	// ResultsBaseURL is where humans browse finished runs; embedded in
	// statuses and comments.
	ResultsBaseURL string
}

// Handler processes worker progress callbacks.
type Handler struct {
	cfg       Config
	store     *store.Store
	engine    engine.Engine
	reporter  report.Reporter
	artifacts *artifacts.Store
	badges    *report.BadgeUpdater
	logger    *slog.Logger

	tracer    trace.Tracer
	callbacks metric.Int64Counter
}

// New creates a Handler. badges may be nil when badge publishing is
// not configured.
func New(cfg Config, s *store.Store, eng engine.Engine, rep report.Reporter, art *artifacts.Store, badges *report.BadgeUpdater, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:       cfg,
		store:     s,
		engine:    eng,
		reporter:  rep,
		artifacts: art,
		badges:    badges,
		logger:    logger,
		tracer:    otel.Tracer("conveyor/progress"),
	}

	meter := otel.Meter("conveyor/progress")
	var err error
	h.callbacks, err = meter.Int64Counter(
		"conveyor.progress.callbacks",
		metric.WithDescription("Total number of worker progress callbacks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create callbacks counter", slog.String("error", err.Error()))
	}

	return h
}

// ServeHTTP handles one worker callback. The route carries the test id
// and token; the body carries a type discriminator and type-specific
// fields.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, span := h.tracer.Start(req.Context(), "progress.ServeHTTP")
	defer span.End()

	reply := func(body string) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, body)
	}

	id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		reply(replyFail)
		return
	}
	testID := uint(id)
	span.SetAttributes(attribute.Int("test.id", int(testID)))

	t, err := h.store.TestByToken(ctx, testID, chi.URLParam(req, "token"))
	if err != nil {
		h.logger.Error("token lookup failed",
			slog.Uint64("test", uint64(testID)),
			slog.String("error", err.Error()),
		)
		reply(replyFail)
		return
	}
	if t == nil {
		reply(replyFail)
		return
	}

	if err := req.ParseMultipartForm(maxUploadMemory); err != nil {
		if err := req.ParseForm(); err != nil {
			reply(replyEmpty)
			return
		}
	}

	kind := req.FormValue("type")
	span.SetAttributes(attribute.String("callback.type", kind))
	if h.callbacks != nil {
		h.callbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", kind),
		))
	}

	switch kind {
	case "progress":
		reply(h.handleProgress(ctx, t, req.FormValue("status"), req.FormValue("message")))
	case "equality":
		reply(h.handleEquality(ctx, t, req.FormValue("test_id"), req.FormValue("test_file_id")))
	case "upload":
		reply(h.handleUpload(ctx, t, req))
	case "logupload":
		reply(h.handleLogUpload(ctx, t, req))
	case "finish":
		reply(h.handleFinish(ctx, t, req))
	default:
		reply(replyFail)
	}
}

// handleProgress appends a state transition. Terminal states are sinks:
// a callback after completed or canceled fails without a write. A
// transition backwards in the phase order marks the run canceled, on
// the assumption the worker restarted and is replaying.
func (h *Handler) handleProgress(ctx context.Context, t *store.Test, rawStatus, message string) string {
	status, ok := store.ParseStatus(rawStatus)
	if !ok {
		return replyFail
	}

	current, err := h.store.CurrentStatus(ctx, t.ID)
	if err != nil {
		h.logger.Error("status projection failed",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	if current.Terminal() {
		return replyFail
	}

	if !status.Terminal() && status.Step() < current.Step() {
		h.logger.Warn("phase regression, canceling run",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("current", string(current)),
			slog.String("reported", string(status)),
		)
		if err := h.store.AppendProgress(ctx, t.ID, store.StatusCanceled, "Duplicate Entries"); err != nil {
			h.logger.Error("failed to cancel run",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
			return replyFail
		}
		h.finalize(ctx, t, store.StatusCanceled)
		return replyFail
	}

	if err := h.store.AppendProgress(ctx, t.ID, status, message); err != nil {
		h.logger.Error("failed to append progress",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	h.logger.Info("progress",
		slog.Uint64("test", uint64(t.ID)),
		slog.String("status", string(status)),
		slog.String("message", message),
	)

	if status.Terminal() {
		h.finalize(ctx, t, status)
	} else if h.reporter != nil {
		st := report.Status{
			State:       report.StatePending,
			Description: message,
			Context:     report.StatusContext(t.Platform),
			TargetURL:   h.resultsURL(t.ID),
		}
		if err := h.reporter.PostStatus(ctx, t.Commit, st); err != nil {
			h.logger.Error("failed to post running status",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return replyOK
}

// finalize tears down the worker and reports the verdict. Reporting
// failures are logged and do not undo the state transition.
func (h *Handler) finalize(ctx context.Context, t *store.Test, status store.Status) {
	if inst, err := h.store.InstanceForTest(ctx, t.ID); err != nil {
		h.logger.Error("instance lookup failed",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
	} else if inst != nil {
		if err := h.engine.DestroyWorker(ctx, inst.Name); err != nil {
			h.logger.Error("worker teardown failed",
				slog.String("worker", inst.Name),
				slog.String("error", err.Error()),
			)
		}
		if err := h.store.DeleteInstance(ctx, inst.Name); err != nil {
			h.logger.Error("instance delete failed",
				slog.String("worker", inst.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	state := report.StateError
	description := "Tests aborted due to an error; please check"
	var summary store.Summary
	if status == store.StatusCompleted {
		var err error
		summary, err = h.store.ResultSummary(ctx, t.ID)
		if err != nil {
			h.logger.Error("result summary failed",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
			return
		}
		if summary.Passed() {
			state = report.StateSuccess
			description = "Tests passed"
		} else {
			state = report.StateFailure
			description = fmt.Sprintf("Not all tests passed (%d failed)", len(summary.Failed))
		}
	}

	if h.reporter != nil {
		st := report.Status{
			State:       state,
			Description: description,
			Context:     report.StatusContext(t.Platform),
			TargetURL:   h.resultsURL(t.ID),
		}
		if err := h.reporter.PostStatus(ctx, t.Commit, st); err != nil {
			h.logger.Error("failed to post final status",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
		}

		if t.Trigger == store.TriggerPullRequest && status == store.StatusCompleted {
			body := report.CommentBody(t.Platform, summary, h.resultsURL(t.ID))
			if err := h.reporter.ReplaceComment(ctx, t.PRNumber, t.Platform, body); err != nil {
				h.logger.Error("failed to update summary comment",
					slog.Uint64("test", uint64(t.ID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if t.Trigger == store.TriggerCommit {
		if h.badges != nil {
			if err := h.badges.Update(state, t.Platform); err != nil {
				h.logger.Error("badge update failed",
					slog.String("platform", string(t.Platform)),
					slog.String("error", err.Error()),
				)
			}
		}
		if state == report.StateSuccess {
			key := "baseline_" + string(t.Platform)
			if err := h.store.SettingSet(ctx, key, t.Commit); err != nil {
				h.logger.Error("baseline advance failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	h.logger.Info("run finalized",
		slog.Uint64("test", uint64(t.ID)),
		slog.String("status", string(status)),
		slog.String("verdict", string(state)),
	)
}

// handleEquality records that an expected output file was reproduced
// exactly. An unknown output id is logged and skipped; the worker is
// not to blame for a stale catalog.
func (h *Handler) handleEquality(ctx context.Context, t *store.Test, rawRegressionID, rawOutputID string) string {
	regressionID, err := strconv.ParseUint(rawRegressionID, 10, 64)
	if err != nil {
		return replyEmpty
	}
	outputID, err := strconv.ParseUint(rawOutputID, 10, 64)
	if err != nil {
		return replyEmpty
	}

	out, err := h.store.OutputByID(ctx, uint(outputID))
	if err != nil {
		h.logger.Error("output lookup failed",
			slog.Uint64("output", outputID),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	if out == nil {
		h.logger.Warn("equality report for unknown output, skipping",
			slog.Uint64("test", uint64(t.ID)),
			slog.Uint64("output", outputID),
		)
		return replyOK
	}

	f := &store.ResultFile{
		TestID:           t.ID,
		RegressionTestID: uint(regressionID),
		OutputID:         out.ID,
		Expected:         out.Correct,
	}
	if err := h.store.SaveResultFile(ctx, f); err != nil {
		h.logger.Error("failed to save result file",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	return replyOK
}

// handleUpload stores a mismatching artifact and records its
// fingerprint for later diffing.
func (h *Handler) handleUpload(ctx context.Context, t *store.Test, req *http.Request) string {
	file, header, err := formFile(req, "file")
	if err != nil {
		return replyEmpty
	}
	defer file.Close()

	regressionID, err := strconv.ParseUint(req.FormValue("test_id"), 10, 64)
	if err != nil {
		return replyEmpty
	}
	outputID, err := strconv.ParseUint(req.FormValue("test_file_id"), 10, 64)
	if err != nil {
		return replyEmpty
	}

	out, err := h.store.OutputByID(ctx, uint(outputID))
	if err != nil {
		h.logger.Error("output lookup failed",
			slog.Uint64("output", outputID),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	if out == nil {
		h.logger.Warn("upload for unknown output, skipping",
			slog.Uint64("test", uint64(t.ID)),
			slog.Uint64("output", outputID),
		)
		return replyOK
	}

	sum, err := h.artifacts.SaveResult(file, header.Filename)
	if err != nil {
		h.logger.Error("artifact store failed",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}

	f := &store.ResultFile{
		TestID:           t.ID,
		RegressionTestID: uint(regressionID),
		OutputID:         out.ID,
		Expected:         out.Correct,
		Got:              &sum,
	}
	if err := h.store.SaveResultFile(ctx, f); err != nil {
		h.logger.Error("failed to save result file",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	return replyOK
}

// handleLogUpload stores the worker's build/run log, replacing any
// earlier upload for the same test.
func (h *Handler) handleLogUpload(ctx context.Context, t *store.Test, req *http.Request) string {
	file, header, err := formFile(req, "file")
	if err != nil || header.Filename == "" {
		return replyEmpty
	}
	defer file.Close()

	if err := h.artifacts.SaveLog(t.ID, file); err != nil {
		h.logger.Error("log store failed",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	return replyOK
}

// handleFinish records the final runtime and exit code for one
// regression test. A retransmission for the same pair is a logged
// no-op.
func (h *Handler) handleFinish(ctx context.Context, t *store.Test, req *http.Request) string {
	regressionID, err := strconv.ParseUint(req.FormValue("test_id"), 10, 64)
	if err != nil {
		return replyEmpty
	}
	runtimeMS, err := strconv.Atoi(req.FormValue("runTime"))
	if err != nil {
		return replyEmpty
	}
	exitCode, err := strconv.Atoi(req.FormValue("exitCode"))
	if err != nil {
		return replyEmpty
	}

	rt, err := h.store.RegressionTestByID(ctx, uint(regressionID))
	if err != nil {
		h.logger.Error("regression test lookup failed",
			slog.Uint64("regression_test", regressionID),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	expected := 0
	if rt != nil {
		expected = rt.ExpectedExit
	}

	r := &store.Result{
		TestID:           t.ID,
		RegressionTestID: uint(regressionID),
		RuntimeMS:        runtimeMS,
		ExitCode:         exitCode,
		ExpectedExit:     expected,
	}
	switch err := h.store.SaveResult(ctx, r); {
	case err == nil:
	case err == store.ErrDuplicateResult:
		h.logger.Warn("duplicate finish report ignored",
			slog.Uint64("test", uint64(t.ID)),
			slog.Uint64("regression_test", regressionID),
		)
	default:
		h.logger.Error("failed to save result",
			slog.Uint64("test", uint64(t.ID)),
			slog.String("error", err.Error()),
		)
		return replyFail
	}
	return replyOK
}

func (h *Handler) resultsURL(testID uint) string {
	return fmt.Sprintf("%s/test/%d", h.cfg.ResultsBaseURL, testID)
}

func formFile(req *http.Request, key string) (multipart.File, *multipart.FileHeader, error) {
	if req.MultipartForm == nil {
		return nil, nil, http.ErrMissingFile
	}
	return req.FormFile(key)
}
