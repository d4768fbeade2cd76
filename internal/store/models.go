package store

import (
	"crypto/rand"
	"time"
)

// Platform identifies the target platform a test runs on.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// ParsePlatform returns the Platform for a path or config value.
func ParsePlatform(s string) (Platform, bool) {
	switch Platform(s) {
	case PlatformLinux, PlatformWindows:
		return Platform(s), true
	}
	return "", false
}

// Trigger records why a test exists.
type Trigger string

const (
	TriggerCommit      Trigger = "commit"
	TriggerPullRequest Trigger = "pr"
)

// Status is a phase in the test state machine.
//
//	queued -> preparation -> building -> testing -> completed
//
// canceled is reachable from any non-terminal phase. completed and
// canceled are terminal.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusPreparation Status = "preparation"
	StatusBuilding    Status = "building"
	StatusTesting     Status = "testing"
	StatusCompleted   Status = "completed"
	StatusCanceled    Status = "canceled"
)

// stages lists the forward phases in order. canceled is not a stage; it
// is a sink reachable from any of them.
var stages = []Status{StatusQueued, StatusPreparation, StatusBuilding, StatusTesting, StatusCompleted}

// Step returns the index of s in the forward progression, or -1 for
// canceled and unknown values.
func (s Status) Step() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// ParseStatus validates a worker-reported status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPreparation, StatusBuilding, StatusTesting, StatusCompleted, StatusCanceled:
		return Status(s), true
	}
	return "", false
}

// Fork is a source repository, unique by clone URL. Created lazily the
// first time an event references it.
type Fork struct {
	ID    uint   `gorm:"primaryKey"`
	URL   string `gorm:"size:256;uniqueIndex;not null"`
	Tests []Test `gorm:"foreignKey:ForkID"`
}

// Test is one execution unit: a commit built and regression-tested on
// one platform. Whether it is finished is derived from its progress
// history, never stored.
type Test struct {
	ID       uint     `gorm:"primaryKey"`
	Platform Platform `gorm:"type:text;not null;index"`
	Trigger  Trigger  `gorm:"type:text;not null"`
	ForkID   uint     `gorm:"not null;index"`
	Fork     Fork
	Branch   string `gorm:"not null"`
	Commit   string `gorm:"size:64;not null;index"`
	PRNumber int    `gorm:"not null;default:0"`
	Token    string `gorm:"size:64;uniqueIndex"`

	Progress []Progress `gorm:"foreignKey:TestID"`
	Results  []Result   `gorm:"foreignKey:TestID"`
}

// Progress is one row of the append-only per-test status log. Rows are
// never updated or deleted; the latest row is the test's current phase.
type Progress struct {
	ID        uint   `gorm:"primaryKey"`
	TestID    uint   `gorm:"not null;index"`
	Status    Status `gorm:"type:text;not null"`
	Timestamp time.Time
	Message   string `gorm:"not null"`
}

// Instance maps a provisioned worker to the test it serves. The unique
// index on TestID is the at-most-one-instance-per-test invariant.
type Instance struct {
	Name      string `gorm:"size:64;primaryKey"`
	TestID    uint   `gorm:"uniqueIndex;not null"`
	Test      Test
	CreatedAt time.Time
}

// MaintenanceMode is a per-platform scheduling gate toggled by an
// operator. It has no coupling beyond the scheduler reading it.
type MaintenanceMode struct {
	ID       uint     `gorm:"primaryKey"`
	Platform Platform `gorm:"type:text;uniqueIndex;not null"`
	Disabled bool     `gorm:"not null;default:false"`
}

// BlockedUser is a denylisted external contributor. UserID is the
// numeric identity assigned by the source-control provider.
type BlockedUser struct {
	UserID  int64 `gorm:"primaryKey"`
	Comment string
}

// RegressionTest is one entry of the regression catalog. The catalog is
// owned elsewhere; the orchestrator only reads it to judge results.
type RegressionTest struct {
	ID           uint                   `gorm:"primaryKey"`
	Command      string                 `gorm:"not null"`
	Active       bool                   `gorm:"not null;default:true"`
	ExpectedExit int                    `gorm:"not null;default:0"`
	OutputFiles  []RegressionTestOutput `gorm:"foreignKey:RegressionTestID"`
}

// RegressionTestOutput is an expected output file of a regression test.
type RegressionTestOutput struct {
	ID               uint   `gorm:"primaryKey"`
	RegressionTestID uint   `gorm:"not null;index"`
	Correct          string `gorm:"not null"`
	Extension        string `gorm:"not null;default:''"`
	Ignore           bool   `gorm:"not null;default:false"`
}

// ResultFile records the outcome for one expected output file. A nil
// Got means the worker reproduced the expected output byte for byte; a
// non-nil Got is the content fingerprint of the mismatching artifact.
type ResultFile struct {
	TestID           uint `gorm:"primaryKey;autoIncrement:false"`
	RegressionTestID uint `gorm:"primaryKey;autoIncrement:false"`
	OutputID         uint `gorm:"primaryKey;autoIncrement:false"`
	Expected         string
	Got              *string
}

// Result is the final (runtime, exit code) of one regression test
// within one test run.
type Result struct {
	TestID           uint `gorm:"primaryKey;autoIncrement:false"`
	RegressionTestID uint `gorm:"primaryKey;autoIncrement:false"`
	RuntimeMS        int
	ExitCode         int
	ExpectedExit     int
}

// Setting is a small key/value row used for bookkeeping such as the
// per-platform baseline commit.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewToken generates the opaque per-test auth token workers present on
// every callback.
func NewToken() string {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}
