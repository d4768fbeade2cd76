// Package webhook verifies and dispatches inbound source-control
// events. Verification happens before any side effect: signature,
// origin address and required headers are checked first, and a failed
// check aborts the request with a fixed status.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyor-ci/conveyor/internal/intake"
	"github.com/conveyor-ci/conveyor/internal/notify"
	"github.com/conveyor-ci/conveyor/internal/report"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// TestScheduler is the slice of the scheduler the router drives.
type TestScheduler interface {
	LaunchTest(ctx context.Context, t *store.Test) error
	Deschedule(ctx context.Context, testID uint, message string) error
}

// Config holds router verification and dispatch settings.
type Config struct {
	// Secret signs every delivery.
	Secret string
	// UserAgentPrefix is the prefix legitimate deliveries carry.
	UserAgentPrefix string
	// DefaultBranch limits which pushes create tests.
	DefaultBranch string
	// BuildNames are the workflow names whose completion queues or
	// deschedules a test. Unknown names are ignored.
	BuildNames []string
}

// ApplyDefaults fills unset fields with sane values.
func (c *Config) ApplyDefaults() {
	if c.UserAgentPrefix == "" {
		c.UserAgentPrefix = "GitHub-Hookshot/"
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = "master"
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

// Router is the webhook HTTP handler.
type Router struct {
	cfg       Config
	store     *store.Store
	factory   *intake.Factory
	scheduler TestScheduler
	reporter  report.Reporter
	notifier  notify.Notifier
	ranges    *RangeCache
	platforms []store.Platform
	logger    *slog.Logger

	tracer         trace.Tracer
	eventsReceived metric.Int64Counter
	eventsRejected metric.Int64Counter
}

// New creates a Router.
func New(cfg Config, s *store.Store, factory *intake.Factory, sched TestScheduler, rep report.Reporter, notifier notify.Notifier, ranges *RangeCache, platforms []store.Platform, logger *slog.Logger) *Router {
	r := &Router{
		cfg:       cfg,
		store:     s,
		factory:   factory,
		scheduler: sched,
		reporter:  rep,
		notifier:  notifier,
		ranges:    ranges,
		platforms: platforms,
		logger:    logger,
		tracer:    otel.Tracer("conveyor/webhook"),
	}

	meter := otel.Meter("conveyor/webhook")
	var err error
	r.eventsReceived, err = meter.Int64Counter(
		"conveyor.webhook.events",
		metric.WithDescription("Total number of webhook events received"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create eventsReceived counter", slog.String("error", err.Error()))
	}
	r.eventsRejected, err = meter.Int64Counter(
		"conveyor.webhook.rejected",
		metric.WithDescription("Total number of webhook events that failed verification"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create eventsRejected counter", slog.String("error", err.Error()))
	}

	return r
}

type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Draft bool `json:"draft"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
		Head struct {
			SHA  string `json:"sha"`
			Repo struct {
				CloneURL string `json:"clone_url"`
			} `json:"repo"`
		} `json:"head"`
	} `json:"pull_request"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
	} `json:"workflow_run"`
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"issue"`
}

// ServeHTTP handles one webhook delivery.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, span := r.tracer.Start(req.Context(), "webhook.ServeHTTP")
	defer span.End()

	if req.Method != http.MethodPost {
		writeText(w, http.StatusOK, "OK")
		return
	}

	event := req.Header.Get("X-Event-Type")
	span.SetAttributes(attribute.String("webhook.event", event))
	if r.eventsReceived != nil {
		r.eventsReceived.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
		))
	}

	body, ok := r.verify(ctx, w, req, event)
	if !ok {
		return
	}

	switch event {
	case "ping":
		writeJSON(w, map[string]string{"msg": "Hi!"})
	case "push":
		r.handlePush(ctx, w, body)
	case "pull_request":
		r.handlePullRequest(ctx, w, body)
	case "workflow_run":
		r.handleWorkflowRun(ctx, w, body)
	case "issues":
		r.handleIssues(ctx, w, body)
	default:
		writeJSON(w, map[string]string{"msg": "EOL"})
	}
}

// verify checks headers, origin and signature. On failure it writes
// the teapot status and returns ok=false; no handler side effect has
// happened by then.
func (r *Router) verify(ctx context.Context, w http.ResponseWriter, req *http.Request, event string) ([]byte, bool) {
	reject := func(reason string) {
		r.logger.Warn("rejecting webhook delivery",
			slog.String("event", event),
			slog.String("reason", reason),
			slog.String("remote", req.RemoteAddr),
		)
		if r.eventsRejected != nil {
			r.eventsRejected.Add(ctx, 1, metric.WithAttributes(
				attribute.String("reason", reason),
			))
		}
		w.WriteHeader(http.StatusTeapot)
	}

	if event == "" || req.Header.Get("X-Delivery-Id") == "" {
		reject("missing headers")
		return nil, false
	}
	if !strings.HasPrefix(req.Header.Get("User-Agent"), r.cfg.UserAgentPrefix) {
		reject("user agent")
		return nil, false
	}

	if r.ranges != nil {
		inside, err := r.ranges.Contains(ctx, req.RemoteAddr)
		if err != nil || !inside {
			reject("origin")
			return nil, false
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		reject("body read")
		return nil, false
	}
	if !validSignature(req.Header.Get("X-Hub-Signature"), body, r.cfg.Secret) {
		reject("signature")
		return nil, false
	}
	return body, true
}

func (r *Router) handlePush(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}

	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if branch != r.cfg.DefaultBranch {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}

	if err := r.recordPush(ctx, ev.After); err != nil {
		r.logger.Error("failed to record push head", slog.String("error", err.Error()))
	}

	ids, err := r.factory.Create(ctx, intake.CommitRef{
		ForkURL: ev.Repository.CloneURL,
		Branch:  branch,
		Commit:  ev.After,
		Trigger: store.TriggerCommit,
	})
	if err != nil {
		r.logger.Error("push dispatch failed", slog.String("error", err.Error()))
	} else {
		r.logger.Info("push queued",
			slog.String("commit", ev.After),
			slog.Int("tests", len(ids)),
		)
	}
	writeJSON(w, map[string]string{"msg": "EOL"})
}

const settingLastCommit = "last_commit"

// recordPush seeds each platform's baseline from the previously
// tracked head the first time that platform is seen, then advances
// the tracked head to the pushed commit. Comparison runs read the
// baseline back when a commit's results come in.
func (r *Router) recordPush(ctx context.Context, commit string) error {
	last, err := r.store.SettingGet(ctx, settingLastCommit)
	if err != nil {
		return err
	}
	for _, p := range r.platforms {
		key := "baseline_" + string(p)
		cur, err := r.store.SettingGet(ctx, key)
		if err != nil {
			return err
		}
		if cur == "" && last != "" {
			if err := r.store.SettingSet(ctx, key, last); err != nil {
				return err
			}
		}
	}
	return r.store.SettingSet(ctx, settingLastCommit, commit)
}

func (r *Router) handlePullRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}

	switch ev.Action {
	case "opened", "ready_for_review", "synchronize":
		blocked, err := r.store.IsBlocked(ctx, ev.PullRequest.User.ID)
		if err != nil {
			r.logger.Error("denylist lookup failed", slog.String("error", err.Error()))
			writeJSON(w, map[string]string{"msg": "EOL"})
			return
		}
		if blocked {
			r.logger.Warn("rejecting pull request from blocked user",
				slog.Int64("user", ev.PullRequest.User.ID),
				slog.Int("pr", ev.Number),
			)
			r.postStatus(ctx, ev.PullRequest.Head.SHA, report.StateError, "CI start aborted by admin")
			writeText(w, http.StatusOK, "ERROR")
			return
		}
		if ev.PullRequest.Draft {
			writeJSON(w, map[string]string{"msg": "EOL"})
			return
		}

		ids, err := r.factory.Create(ctx, intake.CommitRef{
			ForkURL:  ev.PullRequest.Head.Repo.CloneURL,
			Branch:   "pull_request",
			Commit:   ev.PullRequest.Head.SHA,
			Trigger:  store.TriggerPullRequest,
			PRNumber: ev.Number,
		})
		if err != nil {
			r.logger.Error("pull request dispatch failed", slog.String("error", err.Error()))
		}
		if len(ids) > 0 {
			r.postStatus(ctx, ev.PullRequest.Head.SHA, report.StatePending, "Tests queued")
		}
	case "closed", "converted_to_draft":
		r.deschedulePullRequest(ctx, ev.Number)
	}
	writeJSON(w, map[string]string{"msg": "EOL"})
}

func (r *Router) deschedulePullRequest(ctx context.Context, number int) {
	tests, err := r.store.TestsForPullRequest(ctx, number)
	if err != nil {
		r.logger.Error("listing pull request tests failed",
			slog.Int("pr", number),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, t := range tests {
		if err := r.scheduler.Deschedule(ctx, t.ID, "PR closed"); err != nil {
			r.logger.Error("deschedule failed",
				slog.Uint64("test", uint64(t.ID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Router) handleWorkflowRun(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev workflowRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}
	if ev.Action != "completed" || !r.knownBuild(ev.WorkflowRun.Name) {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}

	for _, p := range r.platforms {
		t, err := r.store.TestForCommit(ctx, ev.WorkflowRun.HeadSHA, p)
		if err != nil {
			r.logger.Error("commit lookup failed",
				slog.String("commit", ev.WorkflowRun.HeadSHA),
				slog.String("platform", string(p)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if t == nil {
			continue
		}

		if ev.WorkflowRun.Conclusion == "success" {
			if err := r.scheduler.LaunchTest(ctx, t); err != nil {
				r.logger.Error("direct launch failed",
					slog.Uint64("test", uint64(t.ID)),
					slog.String("error", err.Error()),
				)
			}
		} else {
			if err := r.scheduler.Deschedule(ctx, t.ID, "Artifact build failed"); err != nil {
				r.logger.Error("deschedule failed",
					slog.Uint64("test", uint64(t.ID)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	writeJSON(w, map[string]string{"msg": "EOL"})
}

func (r *Router) handleIssues(ctx context.Context, w http.ResponseWriter, body []byte) {
	var ev issuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, map[string]string{"msg": "EOL"})
		return
	}
	if ev.Action == "opened" && r.notifier != nil {
		subject, msg := notify.IssueBody(ev.Issue.Number, ev.Issue.Title, ev.Issue.User.Login, ev.Issue.Body, ev.Issue.HTMLURL)
		if err := r.notifier.Send(ctx, subject, msg); err != nil {
			r.logger.Error("issue notification failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, map[string]string{"msg": "EOL"})
}

func (r *Router) knownBuild(name string) bool {
	for _, b := range r.cfg.BuildNames {
		if b == name {
			return true
		}
	}
	return false
}

func (r *Router) postStatus(ctx context.Context, commit string, state report.State, description string) {
	if r.reporter == nil {
		return
	}
	st := report.Status{State: state, Description: description, Context: "CI"}
	if err := r.reporter.PostStatus(ctx, commit, st); err != nil {
		r.logger.Error("status post failed",
			slog.String("commit", commit),
			slog.String("error", err.Error()),
		)
	}
}

// validSignature checks an "algorithm=hexdigest" header value against
// the body using a constant-time comparison.
func validSignature(header string, body []byte, secret string) bool {
	alg, digest, found := strings.Cut(header, "=")
	if !found {
		return false
	}

	var mac hash.Hash
	switch alg {
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	case "sha256":
		mac = hmac.New(sha256.New, []byte(secret))
	default:
		return false
	}
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(digest))
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
