package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Status machine
// ---------------------------------------------------------------------------

func TestStatusStep(t *testing.T) {
	assert.Less(t, StatusQueued.Step(), StatusPreparation.Step())
	assert.Less(t, StatusPreparation.Step(), StatusBuilding.Step())
	assert.Less(t, StatusBuilding.Step(), StatusTesting.Step())
	assert.Less(t, StatusTesting.Step(), StatusCompleted.Step())
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusTesting.Terminal())
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"preparation", "building", "testing", "completed", "canceled"} {
		st, ok := ParseStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, Status(raw), st)
	}

	_, ok := ParseStatus("exploded")
	assert.False(t, ok)
}

func TestNewToken(t *testing.T) {
	a := NewToken()
	b := NewToken()
	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
	assert.NotEqual(t, a, b)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *Store
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()

	st, err := Open(filepath.Join(s.T().TempDir(), "conveyor.db"))
	require.NoError(s.T(), err)
	s.store = st
}

func (s *StoreSuite) TearDownTest() {
	_ = s.store.Close()
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) newTest(platform Platform, commit string) *Test {
	fork, err := s.store.EnsureFork(s.ctx, "https://github.com/someone/project.git")
	require.NoError(s.T(), err)

	t := &Test{
		Platform: platform,
		Trigger:  TriggerCommit,
		ForkID:   fork.ID,
		Branch:   "master",
		Commit:   commit,
		Token:    NewToken(),
	}
	require.NoError(s.T(), s.store.CreateTests(s.ctx, []*Test{t}))
	return t
}

const commitA = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"
const commitB = "b94a8fe5ccb19ba61c4c0873d391e987982fbbd3"

// ---------------------------------------------------------------------------
// Forks
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestEnsureFork_Idempotent() {
	a, err := s.store.EnsureFork(s.ctx, "https://github.com/x/y.git")
	require.NoError(s.T(), err)
	b, err := s.store.EnsureFork(s.ctx, "https://github.com/x/y.git")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), a.ID, b.ID)
}

// ---------------------------------------------------------------------------
// Test creation
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestCreateTests_AllOrNothing() {
	fork, err := s.store.EnsureFork(s.ctx, "https://github.com/x/y.git")
	require.NoError(s.T(), err)

	token := NewToken()
	first := &Test{Platform: PlatformLinux, Trigger: TriggerCommit, ForkID: fork.ID, Branch: "master", Commit: commitA, Token: token}
	require.NoError(s.T(), s.store.CreateTests(s.ctx, []*Test{first}))

	// Reusing a token violates the unique index and must roll back the
	// whole batch, including the valid row.
	good := &Test{Platform: PlatformLinux, Trigger: TriggerCommit, ForkID: fork.ID, Branch: "master", Commit: commitB, Token: NewToken()}
	dup := &Test{Platform: PlatformWindows, Trigger: TriggerCommit, ForkID: fork.ID, Branch: "master", Commit: commitB, Token: token}
	err = s.store.CreateTests(s.ctx, []*Test{good, dup})
	require.Error(s.T(), err)

	t, err := s.store.TestForCommit(s.ctx, commitB, PlatformLinux)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), t)
}

func (s *StoreSuite) TestTestByToken() {
	t := s.newTest(PlatformLinux, commitA)

	found, err := s.store.TestByToken(s.ctx, t.ID, t.Token)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), found)
	assert.Equal(s.T(), t.ID, found.ID)
	assert.NotNil(s.T(), found.Fork)

	missing, err := s.store.TestByToken(s.ctx, t.ID, "wrong-token")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), missing)
}

// ---------------------------------------------------------------------------
// Progress log & projection
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestCurrentStatus_EmptyHistoryIsQueued() {
	t := s.newTest(PlatformLinux, commitA)

	status, err := s.store.CurrentStatus(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusQueued, status)
}

func (s *StoreSuite) TestCurrentStatus_LatestRowWins() {
	t := s.newTest(PlatformLinux, commitA)

	require.NoError(s.T(), s.store.AppendProgress(s.ctx, t.ID, StatusPreparation, "cloning"))
	require.NoError(s.T(), s.store.AppendProgress(s.ctx, t.ID, StatusBuilding, "make"))

	status, err := s.store.CurrentStatus(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StatusBuilding, status)

	log, err := s.store.ProgressLog(s.ctx, t.ID)
	require.NoError(s.T(), err)
	require.Len(s.T(), log, 2)
	assert.Equal(s.T(), StatusPreparation, log[0].Status)
	assert.Equal(s.T(), StatusBuilding, log[1].Status)
}

// ---------------------------------------------------------------------------
// Pending selection
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestPendingTests_ExcludesFinishedAndRunning() {
	queued := s.newTest(PlatformLinux, commitA)
	finished := s.newTest(PlatformLinux, commitB)
	running := s.newTest(PlatformLinux, "c94a8fe5ccb19ba61c4c0873d391e987982fbbd3")
	otherPlatform := s.newTest(PlatformWindows, commitA)

	require.NoError(s.T(), s.store.AppendProgress(s.ctx, finished.ID, StatusCompleted, "done"))
	created, err := s.store.CreateInstance(s.ctx, "ci-worker-x", running.ID)
	require.NoError(s.T(), err)
	require.True(s.T(), created)

	pending, err := s.store.PendingTests(s.ctx, PlatformLinux, 10)
	require.NoError(s.T(), err)
	require.Len(s.T(), pending, 1)
	assert.Equal(s.T(), queued.ID, pending[0].ID)
	assert.NotEqual(s.T(), otherPlatform.ID, pending[0].ID)
}

func (s *StoreSuite) TestPendingTests_OldestFirstBounded() {
	first := s.newTest(PlatformLinux, commitA)
	_ = s.newTest(PlatformLinux, commitB)

	pending, err := s.store.PendingTests(s.ctx, PlatformLinux, 1)
	require.NoError(s.T(), err)
	require.Len(s.T(), pending, 1)
	assert.Equal(s.T(), first.ID, pending[0].ID)
}

// ---------------------------------------------------------------------------
// Instance guard
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestCreateInstance_DuplicateIsBenign() {
	t := s.newTest(PlatformLinux, commitA)

	created, err := s.store.CreateInstance(s.ctx, "ci-worker-1", t.ID)
	require.NoError(s.T(), err)
	assert.True(s.T(), created)

	created, err = s.store.CreateInstance(s.ctx, "ci-worker-1-bis", t.ID)
	require.NoError(s.T(), err)
	assert.False(s.T(), created)
}

func (s *StoreSuite) TestCreateInstance_ConcurrentSingleWinner() {
	t := s.newTest(PlatformLinux, commitA)

	const n = 8
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.store.CreateInstance(s.ctx, fmt.Sprintf("ci-worker-%d-%d", t.ID, i), t.ID)
			if err == nil && created {
				wins <- true
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	assert.Equal(s.T(), 1, winners)

	inst, err := s.store.InstanceForTest(s.ctx, t.ID)
	require.NoError(s.T(), err)
	require.NotNil(s.T(), inst)
}

func (s *StoreSuite) TestDeleteInstance() {
	t := s.newTest(PlatformLinux, commitA)

	_, err := s.store.CreateInstance(s.ctx, "ci-worker-del", t.ID)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.DeleteInstance(s.ctx, "ci-worker-del"))

	inst, err := s.store.InstanceForTest(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Nil(s.T(), inst)

	// Deleting again is a no-op.
	require.NoError(s.T(), s.store.DeleteInstance(s.ctx, "ci-worker-del"))
}

// ---------------------------------------------------------------------------
// Maintenance gate
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestMaintenance_DefaultOpenThenToggle() {
	enabled, err := s.store.MaintenanceEnabled(s.ctx, PlatformLinux)
	require.NoError(s.T(), err)
	assert.False(s.T(), enabled)

	now, err := s.store.SetMaintenance(s.ctx, PlatformLinux, true)
	require.NoError(s.T(), err)
	assert.True(s.T(), now)

	enabled, err = s.store.MaintenanceEnabled(s.ctx, PlatformLinux)
	require.NoError(s.T(), err)
	assert.True(s.T(), enabled)

	// The other platform's gate is independent.
	enabled, err = s.store.MaintenanceEnabled(s.ctx, PlatformWindows)
	require.NoError(s.T(), err)
	assert.False(s.T(), enabled)
}

// ---------------------------------------------------------------------------
// Denylist
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestBlockedUsers() {
	blocked, err := s.store.IsBlocked(s.ctx, 42)
	require.NoError(s.T(), err)
	assert.False(s.T(), blocked)

	require.NoError(s.T(), s.store.BlockUser(s.ctx, 42, "spam"))
	require.NoError(s.T(), s.store.BlockUser(s.ctx, 42, "spam again"))

	blocked, err = s.store.IsBlocked(s.ctx, 42)
	require.NoError(s.T(), err)
	assert.True(s.T(), blocked)

	require.NoError(s.T(), s.store.UnblockUser(s.ctx, 42))
	blocked, err = s.store.IsBlocked(s.ctx, 42)
	require.NoError(s.T(), err)
	assert.False(s.T(), blocked)
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestSaveResult_DuplicateReturnsSentinel() {
	t := s.newTest(PlatformLinux, commitA)

	r := &Result{TestID: t.ID, RegressionTestID: 1, RuntimeMS: 900, ExitCode: 0, ExpectedExit: 0}
	require.NoError(s.T(), s.store.SaveResult(s.ctx, r))

	retry := &Result{TestID: t.ID, RegressionTestID: 1, RuntimeMS: 901, ExitCode: 0, ExpectedExit: 0}
	err := s.store.SaveResult(s.ctx, retry)
	assert.ErrorIs(s.T(), err, ErrDuplicateResult)
}

func (s *StoreSuite) TestResultSummary() {
	t := s.newTest(PlatformLinux, commitA)

	require.NoError(s.T(), s.store.db.Create(&RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}).Error)
	require.NoError(s.T(), s.store.db.Create(&RegressionTest{ID: 2, Command: "decode b.ts", ExpectedExit: 0}).Error)
	require.NoError(s.T(), s.store.db.Create(&RegressionTest{ID: 3, Command: "decode bad.ts", ExpectedExit: 1}).Error)

	// 1 passes, 2 produces a mismatching file, 3 crashes.
	require.NoError(s.T(), s.store.SaveResult(s.ctx, &Result{TestID: t.ID, RegressionTestID: 1, ExitCode: 0, ExpectedExit: 0}))
	require.NoError(s.T(), s.store.SaveResult(s.ctx, &Result{TestID: t.ID, RegressionTestID: 2, ExitCode: 0, ExpectedExit: 0}))
	require.NoError(s.T(), s.store.SaveResult(s.ctx, &Result{TestID: t.ID, RegressionTestID: 3, ExitCode: 2, ExpectedExit: 1}))

	got := "deadbeef"
	require.NoError(s.T(), s.store.SaveResultFile(s.ctx, &ResultFile{TestID: t.ID, RegressionTestID: 2, OutputID: 20, Expected: "cafef00d", Got: &got}))

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(3), sm.Total)
	assert.Equal(s.T(), int64(1), sm.Crashes)
	assert.Equal(s.T(), int64(1), sm.Mismatches)
	assert.ElementsMatch(s.T(), []uint{2, 3}, sm.Failed)
	assert.False(s.T(), sm.Passed())
}

func (s *StoreSuite) TestResultSummary_NonzeroExitMismatchIgnored() {
	t := s.newTest(PlatformLinux, commitA)

	// Output files of a run that is expected to fail carry no signal;
	// neither the count nor the failed list may pick them up.
	require.NoError(s.T(), s.store.db.Create(&RegressionTest{ID: 7, Command: "decode broken.ts", ExpectedExit: 1}).Error)
	require.NoError(s.T(), s.store.SaveResult(s.ctx, &Result{TestID: t.ID, RegressionTestID: 7, ExitCode: 1, ExpectedExit: 1}))

	got := "deadbeef"
	require.NoError(s.T(), s.store.SaveResultFile(s.ctx, &ResultFile{TestID: t.ID, RegressionTestID: 7, OutputID: 70, Expected: "cafef00d", Got: &got}))

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), int64(0), sm.Mismatches)
	assert.Empty(s.T(), sm.Failed)
	assert.True(s.T(), sm.Passed())
}

func (s *StoreSuite) TestResultSummary_AllGreen() {
	t := s.newTest(PlatformLinux, commitA)

	require.NoError(s.T(), s.store.db.Create(&RegressionTest{ID: 1, Command: "decode a.ts", ExpectedExit: 0}).Error)
	require.NoError(s.T(), s.store.SaveResult(s.ctx, &Result{TestID: t.ID, RegressionTestID: 1, ExitCode: 0, ExpectedExit: 0}))
	require.NoError(s.T(), s.store.SaveResultFile(s.ctx, &ResultFile{TestID: t.ID, RegressionTestID: 1, OutputID: 10, Expected: "cafef00d"}))

	sm, err := s.store.ResultSummary(s.ctx, t.ID)
	require.NoError(s.T(), err)
	assert.True(s.T(), sm.Passed())
	assert.Empty(s.T(), sm.Failed)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *StoreSuite) TestSettings() {
	v, err := s.store.SettingGet(s.ctx, "baseline_linux")
	require.NoError(s.T(), err)
	assert.Empty(s.T(), v)

	require.NoError(s.T(), s.store.SettingSet(s.ctx, "baseline_linux", commitA))
	require.NoError(s.T(), s.store.SettingSet(s.ctx, "baseline_linux", commitB))

	v, err = s.store.SettingGet(s.ctx, "baseline_linux")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), commitB, v)
}
