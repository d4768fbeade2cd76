package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailgunSend(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = r
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := &Mailgun{
		APIBase: srv.URL,
		APIKey:  "key-abc",
		From:    "CI <ci@example.com>",
		To:      "dev@ccextractor.org",
	}
	require.NoError(t, m.Send(context.Background(), "GitHub Issue #4", "details"))

	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "api", user)
	assert.Equal(t, "key-abc", pass)

	assert.Equal(t, []string{"CI <ci@example.com>"}, form["from"])
	assert.Equal(t, []string{"dev@ccextractor.org"}, form["to"])
	assert.Equal(t, []string{"GitHub Issue #4"}, form["subject"])
	assert.Equal(t, []string{"details"}, form["text"])
}

func TestMailgunSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := &Mailgun{APIBase: srv.URL, APIKey: "bad", From: "a", To: "b"}
	err := m.Send(context.Background(), "s", "b")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestIssueBody(t *testing.T) {
	subject, text := IssueBody(42, "Decoder crashes on empty sample", "someone",
		"It just dies.", "https://github.com/my-org/my-repo/issues/42")

	assert.Equal(t, "GitHub Issue #42", subject)
	assert.Contains(t, text, "Decoder crashes on empty sample")
	assert.Contains(t, text, "someone")
	assert.Contains(t, text, "https://github.com/my-org/my-repo/issues/42")
	assert.Contains(t, text, "It just dies.")
}
