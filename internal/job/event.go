package job

import (
	"processagent/pkg/cloudevent"
	"slices"
	"strconv"

	"github.com/google/uuid"
)

// Event types emitted for usercode webhooks.
const (
	EventTypeUpdate = "processagent.job.update"
	EventTypeDone   = "processagent.agent.done"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents about the jobs of one agent.
type EventBuilder struct {
	source  string
	agentID string
}

// NewEventBuilder creates an EventBuilder whose events come from source.
func NewEventBuilder(agentID, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		agentID: agentID,
	}
}

// Build creates a CloudEvent with a fresh id.
func (b *EventBuilder) Build(eventType, subject string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, subject, uuid.NewString(), data)
}

// BuildUpdateEvent describes one job change produced by a scheduler update.
func (b *EventBuilder) BuildUpdateEvent(j *Job, d Diff) *cloudevent.CloudEvent {
	data := map[string]any{
		"agentId": b.agentID,
		"index":   j.Index(),
		"jobId":   j.ID(),
		"name":    j.Name(),
		"state":   j.State().String(),
		"diff":    d,
	}
	return b.Build(EventTypeUpdate, b.agentID+"/"+strconv.Itoa(j.Index()), data)
}

// BuildDoneEvent reports that the agent loop exited.
func (b *EventBuilder) BuildDoneEvent(summary map[string]any) *cloudevent.CloudEvent {
	data := make(map[string]any, len(summary)+1)
	for k, v := range summary {
		data[k] = v
	}
	data["agentId"] = b.agentID
	return b.Build(EventTypeDone, b.agentID, data)
}
