// Package cloudevent provides CloudEvents 1.0 structured-mode events and an
// HTTP sender that signs them.
package cloudevent

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	SpecVersion = "1.0"
	ContentType = "application/cloudevents+json"
)

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
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

// New creates an event timestamped now.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
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

// Validate checks the attributes CloudEvents requires.
func (e *CloudEvent) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("event type is required")
	case e.Source == "":
		return fmt.Errorf("event source is required")
	case e.ID == "":
		return fmt.Errorf("event id is required")
	}
	return nil
}

// Decode parses and validates a structured-mode event.
func Decode(body []byte) (*CloudEvent, error) {
	var e CloudEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
