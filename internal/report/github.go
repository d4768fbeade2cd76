package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gogithub "github.com/google/go-github/v66/github"

	"github.com/conveyor-ci/conveyor/internal/store"
)

// GitHub implements Reporter against the GitHub REST API.
type GitHub struct {
	client  *gogithub.Client
	owner   string
	repo    string
	botName string
	logger  *slog.Logger
}

var _ Reporter = (*GitHub)(nil)

// NewGitHub creates a Reporter for one repository. botName is the login
// of the account the token belongs to; it identifies our own comments
// when replacing them.
func NewGitHub(token, owner, repo, botName string, logger *slog.Logger) *GitHub {
	return &GitHub{
		client:  gogithub.NewClient(nil).WithAuthToken(token),
		owner:   owner,
		repo:    repo,
		botName: botName,
		logger:  logger,
	}
}

// PostStatus sets a commit status.
func (g *GitHub) PostStatus(ctx context.Context, commit string, status Status) error {
	_, _, err := g.client.Repositories.CreateStatus(ctx, g.owner, g.repo, commit, &gogithub.RepoStatus{
		State:       gogithub.String(string(status.State)),
		Description: gogithub.String(status.Description),
		Context:     gogithub.String(status.Context),
		TargetURL:   gogithub.String(status.TargetURL),
	})
	if err != nil {
		return fmt.Errorf("posting status for %s: %w", commit, err)
	}
	return nil
}

// ReplaceComment posts the run summary on a pull request. If the bot
// already commented on this PR for this platform, that comment is
// edited; otherwise a new one is created. Pull requests are issues with
// code attached, so the issue-comment API applies.
func (g *GitHub) ReplaceComment(ctx context.Context, prNumber int, platform store.Platform, body string) error {
	comments, _, err := g.client.Issues.ListComments(ctx, g.owner, g.repo, prNumber, nil)
	if err != nil {
		return fmt.Errorf("listing comments on #%d: %w", prNumber, err)
	}

	var commentID int64
	for _, c := range comments {
		if c.GetUser().GetLogin() == g.botName && strings.Contains(c.GetBody(), string(platform)) {
			commentID = c.GetID()
			break
		}
	}

	if commentID == 0 {
		_, _, err = g.client.Issues.CreateComment(ctx, g.owner, g.repo, prNumber, &gogithub.IssueComment{
			Body: gogithub.String(body),
		})
		if err != nil {
			return fmt.Errorf("creating comment on #%d: %w", prNumber, err)
		}
		g.logger.Debug("comment created", slog.Int("pr", prNumber), slog.String("platform", string(platform)))
		return nil
	}

	_, _, err = g.client.Issues.EditComment(ctx, g.owner, g.repo, commentID, &gogithub.IssueComment{
		Body: gogithub.String(body),
	})
	if err != nil {
		return fmt.Errorf("editing comment %d on #%d: %w", commentID, prNumber, err)
	}
	g.logger.Debug("comment replaced",
		slog.Int("pr", prNumber),
		slog.Int64("comment", commentID),
		slog.String("platform", string(platform)),
	)
	return nil
}

// HookRanges fetches the publisher's advertised webhook source ranges
// from the meta endpoint.
func (g *GitHub) HookRanges(ctx context.Context) ([]string, error) {
	meta, _, err := g.client.Meta.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching hook ranges: %w", err)
	}
	return meta.Hooks, nil
}
