package usercode

import (
	"context"
	"log/slog"
	"processagent/internal/agent"
	"processagent/internal/dispatcher"
	"processagent/internal/job"
	"processagent/internal/store"
	"processagent/pkg/cloudevent"
)

// NotifierConfig configures webhook notifications.
type NotifierConfig struct {
	URL    string
	Key    string   // HMAC signing key, empty for unsigned
	Events []string // event types to send, empty for all
	Source string
}

// Notifier sends a CloudEvent for every job change and when the agent is done.
type Notifier struct {
	dispatcher dispatcher.Dispatcher
	cfg        NotifierConfig
	builder    *job.EventBuilder
	logger     *slog.Logger
}

// NewNotifier creates a notifier for the jobs of agentID.
func NewNotifier(d dispatcher.Dispatcher, agentID string, cfg NotifierConfig) *Notifier {
	if cfg.Source == "" {
		cfg.Source = "process-agent"
	}
	return &Notifier{
		dispatcher: d,
		cfg:        cfg,
		builder:    job.NewEventBuilder(agentID, cfg.Source),
		logger:     slog.With("component", "notifier", "agent", agentID),
	}
}

// WrapUpdate returns an update callback that runs next, then notifies every
// change whatever next returned.
func (n *Notifier) WrapUpdate(next agent.UpdateFunc) agent.UpdateFunc {
	return func(ctx context.Context, s *store.Store, events []store.ChangeEvent) error {
		var err error
		if next != nil {
			err = next(ctx, s, events)
		}
		for _, ev := range events {
			n.send(n.builder.BuildUpdateEvent(ev.Job, ev.Diff))
		}
		return err
	}
}

// WrapDone returns a done callback that runs next, then notifies the final counts.
func (n *Notifier) WrapDone(next agent.DoneFunc) agent.DoneFunc {
	return func(ctx context.Context, s *store.Store) error {
		var err error
		if next != nil {
			err = next(ctx, s)
		}
		summary := map[string]any{"counts": s.Counts()}
		if err != nil {
			summary["error"] = err.Error()
		}
		n.send(n.builder.BuildDoneEvent(summary))
		return err
	}
}

func (n *Notifier) send(event *cloudevent.CloudEvent) {
	if !job.FilteredEvents(event.Type, n.cfg.Events) {
		return
	}
	// Dispatch never blocks; the dispatcher logs what it drops
	if err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: n.cfg.URL,
		SigningKey:  n.cfg.Key,
	}); err != nil {
		n.logger.Warn("Failed to dispatch event", "type", event.Type, "subject", event.Subject, "error", err)
	}
}
