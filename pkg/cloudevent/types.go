// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender.
package cloudevent

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the only CloudEvents version produced and accepted.
const SpecVersion = "1.0"

// ErrInvalidEvent is returned by Validate for events missing required attributes.
var ErrInvalidEvent = errors.New("invalid cloudevent")

// CloudEvent is a structured-mode CloudEvent with a JSON object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with the current time. An empty id is
// replaced with a random UUID.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	if id == "" {
		id = uuid.NewString()
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes every CloudEvent must carry.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return ErrInvalidEvent
	case e.SpecVersion != SpecVersion:
		return errors.Join(ErrInvalidEvent, errors.New("unsupported specversion "+e.SpecVersion))
	case e.ID == "":
		return errors.Join(ErrInvalidEvent, errors.New("id is required"))
	case e.Type == "":
		return errors.Join(ErrInvalidEvent, errors.New("type is required"))
	case e.Source == "":
		return errors.Join(ErrInvalidEvent, errors.New("source is required"))
	}
	return nil
}
