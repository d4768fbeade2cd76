// Package report posts commit statuses and summary comments back to
// source control, and keeps the public build badge current. Posting is
// best-effort everywhere: a failed status update is logged by the
// caller and never blocks test execution.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// State is a commit-status state understood by the source-control API.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// Status is one commit-status update.
type Status struct {
	State       State
	Description string
	// Context distinguishes the per-platform status lines on a commit,
	// e.g. "CI - linux".
	Context   string
	TargetURL string
}

// StatusContext builds the per-platform status context string.
func StatusContext(platform store.Platform) string {
	return fmt.Sprintf("CI - %s", platform)
}

// Reporter is the outbound source-control surface the orchestrator
// depends on.
type Reporter interface {
	// PostStatus sets a commit status.
	PostStatus(ctx context.Context, commit string, status Status) error

	// ReplaceComment posts the summary comment on a pull request. A
	// prior bot comment for the same platform is edited in place rather
	// than accumulated.
	ReplaceComment(ctx context.Context, prNumber int, platform store.Platform, body string) error

	// HookRanges returns the publisher's advertised webhook source
	// address ranges in CIDR notation.
	HookRanges(ctx context.Context) ([]string, error)
}

// CommentBody renders the PR summary comment for a finished run. The
// verdict word ("passed"/"failed") leads the body; the platform name is
// embedded so ReplaceComment can find the comment again.
func CommentBody(platform store.Platform, summary store.Summary, targetURL string) string {
	var b strings.Builder

	verdict := "passed"
	if !summary.Passed() {
		verdict = "failed"
	}

	passed := summary.Total - int64(len(summary.Failed))
	fmt.Fprintf(&b, "CI run on **%s** %s: %d/%d regression tests passed.\n", platform, verdict, passed, summary.Total)

	if len(summary.Failed) > 0 {
		b.WriteString("\nFailed regression tests:\n")
		for _, id := range summary.Failed {
			fmt.Fprintf(&b, "- regression test %d\n", id)
		}
	}
	if summary.Crashes > 0 {
		fmt.Fprintf(&b, "\n%d test(s) exited with an unexpected code.\n", summary.Crashes)
	}
	if summary.Mismatches > 0 {
		fmt.Fprintf(&b, "%d output file(s) did not match the expected output.\n", summary.Mismatches)
	}

	fmt.Fprintf(&b, "\nFull results: %s\n", targetURL)
	return b.String()
}
