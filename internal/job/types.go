package job

import (
	"time"

	"replaytasker/internal/dispatcher"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
)

// Request represents a request to enqueue a replay.
type Request struct {
	ID              string       `json:"id"`
	PlayerRequested bool         `json:"playerRequested"`
	DateAdded       time.Time    `json:"dateAdded,omitzero"`
	Match           replay.Match `json:"match"`
}

// Response represents the response when a job is enqueued.
type Response struct {
	ID     string        `json:"id"`
	Status replay.Status `json:"status"`
}

// Detail is a job together with its associated rows.
type Detail struct {
	replay.Job
	Description string              `json:"description,omitempty"`
	Annotations []replay.Annotation `json:"annotations"`
	Worker      *replay.Instance    `json:"worker,omitempty"`
}

// ListResponse represents the response for a bounded listing.
type ListResponse struct {
	View  store.View   `json:"view"`
	Limit int          `json:"limit"`
	Jobs  []replay.Job `json:"jobs"`
}

// PriorityRequest sets or clears the player-requested flag.
type PriorityRequest struct {
	PlayerRequested *bool `json:"playerRequested"`
}

// Stats are the aggregate counts plus the dispatcher's view of its workers.
type Stats struct {
	store.Counts
	Workers      int                               `json:"workers"`
	MaxInstances int                               `json:"maxInstances"`
	Reconciled   bool                              `json:"reconciled"`
	Sweeps       map[string]dispatcher.SweepStatus `json:"sweeps,omitempty"`
}
