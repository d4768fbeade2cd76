// Package engine defines the abstraction for compute backends that run
// test workers. Each backend (GCP Compute Engine, local Docker) implements
// the Engine interface so the rest of the system remains compute-agnostic.
package engine

import (
	"context"
	"time"
)

// WorkerSpec carries everything a worker needs to build the target tool
// and report back: the commit under test, the opaque auth token, and the
// callback URL the worker posts progress to.
type WorkerSpec struct {
	// Name is the resource name in the compute backend and the key of
	// the Instance guard record.
	Name string

	// Platform is the target platform label ("linux", "windows").
	Platform string

	// CommitHash is the 40-hex commit the worker checks out.
	CommitHash string

	// Branch is the ref the commit came from.
	Branch string

	// Token authenticates every progress callback from this worker.
	Token string

	// ReportURL is the full progress-callback URL, token included.
	ReportURL string
}

// WorkerInfo describes one live worker as reported by the backend.
type WorkerInfo struct {
	// ID is the backend's opaque identifier, passed to DestroyWorker.
	ID string

	// Name is the resource name the worker was created with.
	Name string

	// Created is the creation timestamp reported by the backend. The
	// reaper computes worker age from it.
	Created time.Time
}

// Engine is the contract every compute backend must satisfy.
//
// Workers are strictly ephemeral: each worker serves exactly one test
// and is then permanently destroyed, never stopped or paused. The
// lifecycle is:
//
//	StartWorker -> (progress callbacks) -> DestroyWorker
//
// with the expiry reaper calling DestroyWorker for workers that never
// finish on their own.
type Engine interface {
	// StartWorker provisions a worker and blocks until the backend
	// reports the provisioning operation done or errored. The returned
	// id uniquely identifies the worker within the backend.
	StartWorker(ctx context.Context, spec WorkerSpec) (id string, err error)

	// DestroyWorker permanently destroys the worker identified by id.
	// It must be idempotent: destroying an already-destroyed worker is
	// not an error.
	DestroyWorker(ctx context.Context, id string) error

	// ListWorkers returns every live worker this backend manages,
	// including workers whose creating process has since died. The
	// reaper relies on this to reclaim orphans.
	ListWorkers(ctx context.Context) ([]WorkerInfo, error)

	// Shutdown destroys all workers currently managed by this engine
	// instance and releases backend clients. Called once at process
	// termination.
	Shutdown(ctx context.Context) error
}
