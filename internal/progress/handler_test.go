package progress

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/conveyor-ci/conveyor/internal/artifacts"
	"github.com/conveyor-ci/conveyor/internal/engine"
	"github.com/conveyor-ci/conveyor/internal/report"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockEngine struct {
	mu        sync.Mutex
	destroyed []string
}

func (m *mockEngine) StartWorker(_ context.Context, spec engine.WorkerSpec) (string, error) {
	return spec.Name, nil
}

func (m *mockEngine) DestroyWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, id)
	return nil
}

func (m *mockEngine) ListWorkers(_ context.Context) ([]engine.WorkerInfo, error) {
	return nil, nil
}

func (m *mockEngine) Shutdown(_ context.Context) error { return nil }

type mockReporter struct {
	mu       sync.Mutex
	statuses []report.Status
	comments []string
}

func (m *mockReporter) PostStatus(_ context.Context, _ string, status report.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockReporter) ReplaceComment(_ context.Context, _ int, _ store.Platform, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, body)
	return nil
}

func (m *mockReporter) HookRanges(_ context.Context) ([]string, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type HandlerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *store.Store
	engine    *mockEngine
	reporter  *mockReporter
	artifacts *artifacts.Store
	mux       *chi.Mux
}

func (s *HandlerSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := store.Open(filepath.Join(s.T().TempDir(), "conveyor.db"))
	require.NoError(s.T(), err)
	s.store = st
	s.engine = &mockEngine{}
	s.reporter = &mockReporter{}

	art, err := artifacts.New(s.T().TempDir())
	require.NoError(s.T(), err)
	s.artifacts = art

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Config{ResultsBaseURL: "https://ci.example.com"},
		st, s.engine, s.reporter, art, nil, logger)

	s.mux = chi.NewRouter()
	s.mux.Post("/progress/{id}/{token}", h.ServeHTTP)
}

func (s *HandlerSuite) TearDownTest() {
	_ = s.store.Close()
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

const commitA = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

func (s *HandlerSuite) newTest(trigger store.Trigger) *store.Test {
	fork, err := s.store.EnsureFork(s.ctx, "https://github.com/someone/project.git")
	require.NoError(s.T(), err)

	t := &store.Test{
		Platform: store.PlatformLinux,
		Trigger:  trigger,
		ForkID:   fork.ID,
		Branch:   "master",
		Commit:   commitA,
		PRNumber: 17,
		Token:    store.NewToken(),
	}
	require.NoError(s.T(), s.store.CreateTests(s.ctx, []*store.Test{t}))
	return t
}

// callback posts form-encoded fields to the test's callback URL.
func (s *HandlerSuite) callback(testID uint, token string, fields url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost,
		"/progress/"+urlID(testID)+"/"+token,
		strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

// upload posts a multipart body with a file part plus extra fields.
func (s *HandlerSuite) upload(testID uint, token string, fields map[string]string, filename, content string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(s.T(), mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(s.T(), err)
		_, err = fw.Write([]byte(content))
		require.NoError(s.T(), err)
	}
	require.NoError(s.T(), mw.Close())

	req := httptest.NewRequest(http.MethodPost,
		"/progress/"+urlID(testID)+"/"+token, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func urlID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestUnknownTestFails() {
	w := s.callback(9999, "no-such-token", url.Values{"type": {"progress"}, "status": {"building"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())
}

func (s *HandlerSuite) TestWrongTokenFailsWithoutWrite() {
	t := s.newTest(store.TriggerCommit)

	w := s.callback(t.ID, "wrong-token", url.Values{"type": {"progress"}, "status": {"building"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())

	status, err := s.store.CurrentStatus(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), store.StatusQueued, status)
}

func (s *HandlerSuite) TestUnknownCallbackTypeFails() {
	t := s.newTest(store.TriggerCommit)

	w := s.callback(t.ID, t.Token, url.Values{"type": {"explode"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())
}

// ---------------------------------------------------------------------------
// progress
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestProgressAdvances() {
	t := s.newTest(store.TriggerCommit)

	for _, status := range []string{"preparation", "building", "testing"} {
		w := s.callback(t.ID, t.Token, url.Values{
			"type":    {"progress"},
			"status":  {status},
			"message": {"running " + status},
		})
		assert.Equal(s.T(), "OK", w.Body.String())
	}

	current, err := s.store.CurrentStatus(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), store.StatusTesting, current)
}

func (s *HandlerSuite) TestProgressAfterTerminalFails() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AppendProgress(s.ctx, t.ID, store.StatusCanceled, "by operator"))

	w := s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"building"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())

	log, err := s.store.ProgressLog(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Len(s.T(), log, 1)
}

func (s *HandlerSuite) TestProgressRegressionCancelsRun() {
	t := s.newTest(store.TriggerCommit)

	s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"testing"}})
	w := s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"preparation"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())

	current, err := s.store.CurrentStatus(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), store.StatusCanceled, current)

	log, err := s.store.ProgressLog(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Duplicate Entries", log[len(log)-1].Message)

	// An aborted run is an error state, not a red test result.
	last := s.reporter.statuses[len(s.reporter.statuses)-1]
	assert.Equal(s.T(), report.StateError, last.State)
	assert.Contains(s.T(), last.Description, "aborted")
}

func (s *HandlerSuite) TestProgressBogusStatusFails() {
	t := s.newTest(store.TriggerCommit)

	w := s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"warp-speed"}})
	assert.Equal(s.T(), "FAIL", w.Body.String())
}

// ---------------------------------------------------------------------------
// finish
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestFinishRecordsResult() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}))

	w := s.callback(t.ID, t.Token, url.Values{
		"type":     {"finish"},
		"test_id":  {"1"},
		"runTime":  {"950"},
		"exitCode": {"0"},
	})
	assert.Equal(s.T(), "OK", w.Body.String())

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), sm.Total)
	assert.True(s.T(), sm.Passed())
}

func (s *HandlerSuite) TestFinishDuplicateTolerated() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}))

	fields := url.Values{"type": {"finish"}, "test_id": {"1"}, "runTime": {"950"}, "exitCode": {"0"}}
	assert.Equal(s.T(), "OK", s.callback(t.ID, t.Token, fields).Body.String())
	assert.Equal(s.T(), "OK", s.callback(t.ID, t.Token, fields).Body.String())

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), sm.Total)
}

func (s *HandlerSuite) TestFinishMalformedFieldsEmpty() {
	t := s.newTest(store.TriggerCommit)

	w := s.callback(t.ID, t.Token, url.Values{"type": {"finish"}, "test_id": {"1"}, "runTime": {"soon"}, "exitCode": {"0"}})
	assert.Equal(s.T(), "EMPTY", w.Body.String())
}

// ---------------------------------------------------------------------------
// equality / upload / logupload
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestEqualityRecordsMatch() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{
		ID:      1,
		Command: "decode a.ts",
		OutputFiles: []store.RegressionTestOutput{
			{ID: 10, Correct: "cafef00d", Extension: ".srt"},
		},
	}))

	w := s.callback(t.ID, t.Token, url.Values{
		"type":         {"equality"},
		"test_id":      {"1"},
		"test_file_id": {"10"},
	})
	assert.Equal(s.T(), "OK", w.Body.String())

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), sm.Mismatches)
}

func (s *HandlerSuite) TestEqualityUnknownOutputSkipped() {
	t := s.newTest(store.TriggerCommit)

	w := s.callback(t.ID, t.Token, url.Values{
		"type":         {"equality"},
		"test_id":      {"1"},
		"test_file_id": {"424242"},
	})
	assert.Equal(s.T(), "OK", w.Body.String())
}

func (s *HandlerSuite) TestUploadStoresMismatch() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{
		ID:      1,
		Command: "decode a.ts",
		OutputFiles: []store.RegressionTestOutput{
			{ID: 10, Correct: "cafef00d", Extension: ".srt"},
		},
	}))

	w := s.upload(t.ID, t.Token,
		map[string]string{"type": "upload", "test_id": "1", "test_file_id": "10"},
		"result.srt", "1\n00:00:01,000 --> 00:00:02,000\nHello\n")
	assert.Equal(s.T(), "OK", w.Body.String())

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(1), sm.Mismatches)
}

func (s *HandlerSuite) TestUploadWithoutFileEmpty() {
	t := s.newTest(store.TriggerCommit)

	w := s.upload(t.ID, t.Token,
		map[string]string{"type": "upload", "test_id": "1", "test_file_id": "10"},
		"", "")
	assert.Equal(s.T(), "EMPTY", w.Body.String())
}

func (s *HandlerSuite) TestLogUploadStoresLog() {
	t := s.newTest(store.TriggerCommit)

	w := s.upload(t.ID, t.Token,
		map[string]string{"type": "logupload"},
		"build.log", "make: everything fine\n")
	assert.Equal(s.T(), "OK", w.Body.String())

	data, err := os.ReadFile(s.artifacts.LogPath(t.ID))
	require.NoError(s.T(), err)
	assert.Contains(s.T(), string(data), "everything fine")
}

func (s *HandlerSuite) TestLogUploadWithoutFileEmpty() {
	t := s.newTest(store.TriggerCommit)

	w := s.upload(t.ID, t.Token, map[string]string{"type": "logupload"}, "", "")
	assert.Equal(s.T(), "EMPTY", w.Body.String())
}

// ---------------------------------------------------------------------------
// Completion scenario
// ---------------------------------------------------------------------------

func (s *HandlerSuite) TestCompletedRunTearsDownAndComments() {
	t := s.newTest(store.TriggerPullRequest)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}))

	created, err := s.store.CreateInstance(s.ctx, "ci-worker-under-test", t.ID)
	require.NoError(s.T(), err)
	require.True(s.T(), created)

	// The worker reports one green result, then completion.
	s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"testing"}, "message": {"running suite"}})
	s.callback(t.ID, t.Token, url.Values{"type": {"finish"}, "test_id": {"1"}, "runTime": {"900"}, "exitCode": {"0"}})
	w := s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"completed"}, "message": {"all done"}})
	assert.Equal(s.T(), "OK", w.Body.String())

	// Worker destroyed and guard released.
	assert.Equal(s.T(), []string{"ci-worker-under-test"}, s.engine.destroyed)
	inst, err := s.store.InstanceForTest(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), inst)

	// Success status and a comment leading with the verdict.
	var success bool
	for _, st := range s.reporter.statuses {
		if st.State == report.StateSuccess {
			success = true
		}
	}
	assert.True(s.T(), success)

	require.Len(s.T(), s.reporter.comments, 1)
	assert.Contains(s.T(), s.reporter.comments[0], "passed")
}

func (s *HandlerSuite) TestFailedRunReportsFailure() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}))

	s.callback(t.ID, t.Token, url.Values{"type": {"finish"}, "test_id": {"1"}, "runTime": {"900"}, "exitCode": {"3"}})
	w := s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"completed"}})
	assert.Equal(s.T(), "OK", w.Body.String())

	var failure bool
	for _, st := range s.reporter.statuses {
		if st.State == report.StateFailure {
			failure = true
		}
	}
	assert.True(s.T(), failure)

	// Commit-triggered runs get no PR comment.
	assert.Empty(s.T(), s.reporter.comments)
}

func (s *HandlerSuite) TestCompletedCommitRunAdvancesBaseline() {
	t := s.newTest(store.TriggerCommit)
	require.NoError(s.T(), s.store.AddRegressionTest(s.ctx, &store.RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}))

	s.callback(t.ID, t.Token, url.Values{"type": {"finish"}, "test_id": {"1"}, "runTime": {"900"}, "exitCode": {"0"}})
	s.callback(t.ID, t.Token, url.Values{"type": {"progress"}, "status": {"completed"}})

	baseline, err := s.store.SettingGet(s.ctx, "baseline_linux")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), commitA, baseline)
}
