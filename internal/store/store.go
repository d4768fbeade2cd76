// Package store persists the orchestrator's state: forks, tests, their
// append-only progress logs, worker instance records, and the regression
// catalog entries needed to judge results. The database is the only
// serialization point between the webhook, callback, and scheduler entry
// points; unique constraints back the check-then-act guards.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store wraps the relational database.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at dsn and migrates the schema.
// Pass ":memory:" for an ephemeral database in tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dsn, err)
	}

	err = db.AutoMigrate(
		&Fork{}, &Test{}, &Progress{}, &Instance{}, &MaintenanceMode{},
		&BlockedUser{}, &RegressionTest{}, &RegressionTestOutput{},
		&Result{}, &ResultFile{}, &Setting{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---------------------------------------------------------------------------
// Forks
// ---------------------------------------------------------------------------

// EnsureFork returns the fork with the given clone URL, creating it if
// it does not exist yet. A concurrent create of the same URL is treated
// as a benign race: the surviving row is returned.
func (s *Store) EnsureFork(ctx context.Context, url string) (*Fork, error) {
	fork := &Fork{URL: url}
	err := s.db.WithContext(ctx).Where("url = ?", url).First(fork).Error
	if err == nil {
		return fork, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up fork %s: %w", url, err)
	}

	if err := s.db.WithContext(ctx).Create(fork).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race; someone else created it first.
			if err := s.db.WithContext(ctx).Where("url = ?", url).First(fork).Error; err != nil {
				return nil, fmt.Errorf("refetching fork %s: %w", url, err)
			}
			return fork, nil
		}
		return nil, fmt.Errorf("creating fork %s: %w", url, err)
	}
	return fork, nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// CreateTests inserts one Test per platform in a single transaction.
// Either every row commits or none do.
func (s *Store) CreateTests(ctx context.Context, tests []*Test) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range tests {
			if err := tx.Create(t).Error; err != nil {
				return fmt.Errorf("creating test (%s, %s): %w", t.Platform, t.Commit, err)
			}
		}
		return nil
	})
}

// TestByID fetches a test with its fork preloaded.
func (s *Store) TestByID(ctx context.Context, id uint) (*Test, error) {
	var t Test
	err := s.db.WithContext(ctx).Preload("Fork").First(&t, id).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TestByToken authenticates a progress callback: the test must exist
// and carry exactly this token. A miss is nil, not an error; the caller
// replies with the failure sentinel without logging.
func (s *Store) TestByToken(ctx context.Context, id uint, token string) (*Test, error) {
	var t Test
	err := s.db.WithContext(ctx).Preload("Fork").
		Where("id = ? AND token = ?", id, token).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TestsForPullRequest returns every test created for a pull request,
// any platform.
func (s *Store) TestsForPullRequest(ctx context.Context, prNumber int) ([]Test, error) {
	var tests []Test
	err := s.db.WithContext(ctx).
		Where("pr_number = ? AND `trigger` = ?", prNumber, TriggerPullRequest).
		Order("id asc").Find(&tests).Error
	return tests, err
}

// TestForCommit returns the test for a (commit, platform) pair, newest
// first, used to resolve build-completion signals to a test.
func (s *Store) TestForCommit(ctx context.Context, commit string, platform Platform) (*Test, error) {
	var t Test
	err := s.db.WithContext(ctx).
		Where("`commit` = ? AND platform = ?", commit, platform).
		Order("id desc").First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PendingTests selects tests eligible for scheduling on a platform:
// no terminal progress, no live instance, oldest first, bounded.
func (s *Store) PendingTests(ctx context.Context, platform Platform, limit int) ([]Test, error) {
	finished := s.db.Model(&Progress{}).Select("test_id").
		Where("status IN ?", []Status{StatusCompleted, StatusCanceled})
	running := s.db.Model(&Instance{}).Select("test_id")

	var tests []Test
	err := s.db.WithContext(ctx).
		Where("platform = ?", platform).
		Where("id NOT IN (?)", finished).
		Where("id NOT IN (?)", running).
		Order("id asc").Limit(limit).Find(&tests).Error
	return tests, err
}

// ---------------------------------------------------------------------------
// Progress log
// ---------------------------------------------------------------------------

// AppendProgress adds a row to a test's progress log. The log is
// append-only; rows are never updated.
func (s *Store) AppendProgress(ctx context.Context, testID uint, status Status, message string) error {
	row := &Progress{
		TestID:    testID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ProgressLog returns the full history for a test in insertion order.
func (s *Store) ProgressLog(ctx context.Context, testID uint) ([]Progress, error) {
	var rows []Progress
	err := s.db.WithContext(ctx).Where("test_id = ?", testID).Order("id asc").Find(&rows).Error
	return rows, err
}

// CurrentStatus projects the current phase from the log: the latest
// row, or queued when the log is empty.
func (s *Store) CurrentStatus(ctx context.Context, testID uint) (Status, error) {
	var row Progress
	err := s.db.WithContext(ctx).Where("test_id = ?", testID).Order("id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StatusQueued, nil
	}
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// Started reports whether any progress has been recorded for a test,
// i.e. a worker picked it up at some point.
func (s *Store) Started(ctx context.Context, testID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Progress{}).Where("test_id = ?", testID).Count(&n).Error
	return n > 0, err
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

// CreateInstance records the guard row for a provisioned worker before
// the provisioning call is made. It returns false without error when an
// instance already exists for the test: at every call site "already
// exists" is a benign skip, not a failure.
func (s *Store) CreateInstance(ctx context.Context, name string, testID uint) (bool, error) {
	inst := &Instance{Name: name, TestID: testID, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Create(inst).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteInstance removes a guard row. Deleting a row that is already
// gone is not an error.
func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&Instance{}, "name = ?", name).Error
}

// InstanceForTest returns the live instance serving a test, or nil.
func (s *Store) InstanceForTest(ctx context.Context, testID uint) (*Instance, error) {
	var inst Instance
	err := s.db.WithContext(ctx).Where("test_id = ?", testID).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// InstanceByName returns the instance record with the given worker
// name, or nil.
func (s *Store) InstanceByName(ctx context.Context, name string) (*Instance, error) {
	var inst Instance
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// Instances lists every live instance record.
func (s *Store) Instances(ctx context.Context) ([]Instance, error) {
	var rows []Instance
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error
	return rows, err
}

// ---------------------------------------------------------------------------
// Maintenance gate
// ---------------------------------------------------------------------------

// MaintenanceEnabled reports whether scheduling is paused for a
// platform. A missing row is created lazily with the gate open.
func (s *Store) MaintenanceEnabled(ctx context.Context, platform Platform) (bool, error) {
	var mode MaintenanceMode
	err := s.db.WithContext(ctx).Where("platform = ?", platform).First(&mode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		mode = MaintenanceMode{Platform: platform, Disabled: false}
		if err := s.db.WithContext(ctx).Create(&mode).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return mode.Disabled, nil
}

// SetMaintenance toggles the gate and returns the new state.
func (s *Store) SetMaintenance(ctx context.Context, platform Platform, disabled bool) (bool, error) {
	mode := MaintenanceMode{Platform: platform, Disabled: disabled}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}},
		DoUpdates: clause.Assignments(map[string]any{"disabled": disabled}),
	}).Create(&mode).Error
	if err != nil {
		return false, err
	}
	return disabled, nil
}

// ---------------------------------------------------------------------------
// Blocked users
// ---------------------------------------------------------------------------

// IsBlocked consults the contributor denylist.
func (s *Store) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&BlockedUser{}).Where("user_id = ?", userID).Count(&n).Error
	return n > 0, err
}

// BlockUser adds a contributor to the denylist. Blocking an already
// blocked user is a no-op.
func (s *Store) BlockUser(ctx context.Context, userID int64, comment string) error {
	err := s.db.WithContext(ctx).Create(&BlockedUser{UserID: userID, Comment: comment}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// UnblockUser removes a contributor from the denylist.
func (s *Store) UnblockUser(ctx context.Context, userID int64) error {
	return s.db.WithContext(ctx).Delete(&BlockedUser{}, "user_id = ?", userID).Error
}

// ---------------------------------------------------------------------------
// Regression catalog & results
// ---------------------------------------------------------------------------

// AddRegressionTest inserts a catalog entry together with its expected
// output files. The catalog is normally managed out-of-band; this is
// the admin-side write path.
func (s *Store) AddRegressionTest(ctx context.Context, rt *RegressionTest) error {
	return s.db.WithContext(ctx).Create(rt).Error
}

// RegressionTestByID fetches a catalog entry with its output files.
func (s *Store) RegressionTestByID(ctx context.Context, id uint) (*RegressionTest, error) {
	var rt RegressionTest
	err := s.db.WithContext(ctx).Preload("OutputFiles").First(&rt, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// OutputByID fetches one expected output record, or nil when the id is
// unknown (e.g. an equality report for an ignored file).
func (s *Store) OutputByID(ctx context.Context, id uint) (*RegressionTestOutput, error) {
	var out RegressionTestOutput
	err := s.db.WithContext(ctx).First(&out, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveResult persists the final (runtime, exit code) for one regression
// test. A duplicate report for the same (test, regression test) pair is
// tolerated as a no-op; the first write wins.
func (s *Store) SaveResult(ctx context.Context, r *Result) error {
	err := s.db.WithContext(ctx).Create(r).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateResult
	}
	return err
}

// ErrDuplicateResult marks a retransmitted finish report. Callers log
// it and carry on.
var ErrDuplicateResult = errors.New("result already recorded")

// SaveResultFile persists a per-output-file outcome.
func (s *Store) SaveResultFile(ctx context.Context, f *ResultFile) error {
	err := s.db.WithContext(ctx).Create(f).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// Summary aggregates a finished run for the verdict and the PR comment.
type Summary struct {
	Crashes    int64 // results whose exit code differed from the expected one
	Mismatches int64 // output files that did not reproduce byte-for-byte
	Total      int64 // regression tests that reported a result
	Failed     []uint
}

// Passed reports whether the run is green.
func (sm Summary) Passed() bool {
	return sm.Crashes == 0 && sm.Mismatches == 0
}

// ResultSummary computes crash and mismatch counts plus the failing
// regression-test ids for a test run.
func (s *Store) ResultSummary(ctx context.Context, testID uint) (Summary, error) {
	var sm Summary
	db := s.db.WithContext(ctx)

	if err := db.Model(&Result{}).Where("test_id = ?", testID).Count(&sm.Total).Error; err != nil {
		return sm, err
	}
	if err := db.Model(&Result{}).
		Where("test_id = ? AND exit_code <> expected_exit", testID).
		Count(&sm.Crashes).Error; err != nil {
		return sm, err
	}

	zeroExit := db.Model(&RegressionTest{}).Select("id").Where("expected_exit = 0")
	if err := db.Model(&ResultFile{}).
		Where("test_id = ? AND got IS NOT NULL AND regression_test_id IN (?)", testID, zeroExit).
		Count(&sm.Mismatches).Error; err != nil {
		return sm, err
	}

	var crashed []uint
	if err := db.Model(&Result{}).
		Where("test_id = ? AND exit_code <> expected_exit", testID).
		Pluck("regression_test_id", &crashed).Error; err != nil {
		return sm, err
	}
	var mismatched []uint
	if err := db.Model(&ResultFile{}).Distinct("regression_test_id").
		Where("test_id = ? AND got IS NOT NULL AND regression_test_id IN (?)", testID,
			db.Model(&RegressionTest{}).Select("id").Where("expected_exit = 0")).
		Pluck("regression_test_id", &mismatched).Error; err != nil {
		return sm, err
	}

	seen := make(map[uint]bool)
	for _, id := range append(crashed, mismatched...) {
		if !seen[id] {
			seen[id] = true
			sm.Failed = append(sm.Failed, id)
		}
	}
	return sm, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// SettingGet returns the value for key, or "" when unset.
func (s *Store) SettingGet(ctx context.Context, key string) (string, error) {
	var row Setting
	err := s.db.WithContext(ctx).Where("`key` = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// SettingSet upserts a key/value pair.
func (s *Store) SettingSet(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{"value": value}),
	}).Create(&Setting{Key: key, Value: value}).Error
}
