// Package job is the admin service over the job store: enqueue, inspect,
// list, requeue, prioritize and delete replay jobs.
package job

import (
	"context"

	"replaytasker/internal/dispatcher"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
)

// Store is the subset of the job store the admin service needs.
//
// The store is the source of truth for job state. The service keeps nothing
// in memory, so admin actions stay correct across restarts and are visible
// to the dispatcher on its next sweep.
type Store interface {
	Enqueue(ctx context.Context, job *replay.Job) error
	Get(ctx context.Context, id string) (*replay.Job, error)
	GetDescription(ctx context.Context, id string) (*replay.Description, error)
	ListAnnotations(ctx context.Context, id string) ([]replay.Annotation, error)
	List(ctx context.Context, view store.View, limit int) ([]replay.Job, error)
	Requeue(ctx context.Context, id string) error
	SetPlayerRequested(ctx context.Context, id string, requested bool) error
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (store.Counts, error)
}

// Workers reports the dispatcher's live workers and lets admin actions
// keep a job away from it while they run.
type Workers interface {
	Snapshot() dispatcher.Snapshot
	Hold(jobID string) (func(), error)
}
