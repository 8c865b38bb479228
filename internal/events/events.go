// Package events builds lifecycle CloudEvents and fans them out to sinks.
package events

import (
	"slices"
	"sync"

	"replaytasker/pkg/cloudevent"
)

// Source is the CloudEvents source attribute for everything this service emits.
const Source = "replay-tasker"

// Event types for dispatcher and admin lifecycle notifications
const (
	TypeWorkerLaunched = "replaytasker.worker.launched"
	TypeLaunchFailed   = "replaytasker.worker.launch_failed"
	TypeReclaimed      = "replaytasker.worker.reclaimed"
	TypeEnqueued       = "replaytasker.job.enqueued"
	TypeRequeued       = "replaytasker.job.requeued"
	TypeAbandoned      = "replaytasker.job.abandoned"
	TypeDeleted        = "replaytasker.job.deleted"
	TypeProcessed      = "replaytasker.job.processed"
	TypeStuck          = "replaytasker.job.stuck"
)

// Sink receives events. Publish must not block the caller for long.
type Sink interface {
	Publish(ev *cloudevent.CloudEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev *cloudevent.CloudEvent)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev *cloudevent.CloudEvent) { f(ev) }

// Build creates a new event about one job.
func Build(eventType, jobID string, data map[string]any) *cloudevent.CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	data["jobId"] = jobID
	return cloudevent.New(eventType, Source, jobID, "", data)
}

// Filtered returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func Filtered(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// Bus fans events out to every attached sink. The zero value is ready to use
// and publishing to a Bus with no sinks is a no-op.
type Bus struct {
	mu    sync.RWMutex
	sinks []filteredSink
}

type filteredSink struct {
	sink  Sink
	types []string
}

// Attach adds a sink that receives the listed event types (all when empty).
func (b *Bus) Attach(s Sink, types ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, filteredSink{sink: s, types: types})
}

// Publish delivers ev to every matching sink.
func (b *Bus) Publish(ev *cloudevent.CloudEvent) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fs := range b.sinks {
		if Filtered(ev.Type, fs.types) {
			fs.sink.Publish(ev)
		}
	}
}
