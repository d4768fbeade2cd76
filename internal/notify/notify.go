// Package notify forwards repository events to the project mailing
// list. Only issue-opened events flow through it; delivery failures are
// logged by callers and never affect scheduling.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Notifier delivers a plain-text message to the mailing list.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Mailgun posts messages through a Mailgun-compatible HTTP API.
type Mailgun struct {
	// APIBase is the message endpoint, e.g.
	// "https://api.mailgun.net/v3/<domain>/messages".
	APIBase string
	APIKey  string
	From    string
	To      string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ Notifier = (*Mailgun)(nil)

// Send posts one message. Non-2xx responses are surfaced as errors.
func (m *Mailgun) Send(ctx context.Context, subject, body string) error {
	form := url.Values{}
	form.Set("from", m.From)
	form.Set("to", m.To)
	form.Set("subject", subject)
	form.Set("text", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.APIBase, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building mail request: %w", err)
	}
	req.SetBasicAuth("api", m.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail API returned %s", resp.Status)
	}
	return nil
}

// IssueBody renders the mailing-list message for an opened issue.
func IssueBody(number int, title, author, body, link string) (subject, text string) {
	subject = fmt.Sprintf("GitHub Issue #%d", number)
	text = fmt.Sprintf("%s - %s\n\nLink to Issue: %s\n\n%s (https://github.com/%s)\n\n%s\n",
		title, author, link, author, author, body)
	return subject, text
}
