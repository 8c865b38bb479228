package replay

import (
	"context"
	"time"
)

// Platform starts worker instances and reports which are still alive.
//
// # Ownership
//
// The platform is the SOURCE OF TRUTH for which workers exist. Every instance
// carries its instance id, job id and scratch path as metadata (for Docker:
// container labels) so the dispatcher can rebuild its handle table after a
// restart without a database of its own.
//
// Workers are never stopped by the dispatcher. A worker ends on its own and
// reports the outcome through the job store.
type Platform interface {
	// Launch starts one worker bound to a job and a scratch path.
	// Failures are returned as apperrors.ErrLaunch and are retryable.
	Launch(ctx context.Context, req LaunchRequest) (Instance, error)

	// ListLive returns every worker instance that has not yet terminated.
	ListLive(ctx context.Context) ([]Instance, error)

	// Ready checks if the platform backend is reachable.
	Ready(ctx context.Context) error

	// Close releases resources held by the platform.
	// Running workers are NOT stopped - they continue independently.
	Close() error
}

// LaunchRequest describes one worker to start.
type LaunchRequest struct {
	InstanceID  string
	JobID       string
	ScratchPath string
}

// Instance is a worker known to the platform.
type Instance struct {
	InstanceID  string    `json:"instanceId"`
	JobID       string    `json:"jobId"`
	ScratchPath string    `json:"scratchPath"`
	ContainerID string    `json:"containerId,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}
