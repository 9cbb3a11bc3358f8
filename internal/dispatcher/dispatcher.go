// Package dispatcher delivers agent webhooks asynchronously with retries and
// a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"
	"processagent/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher delivers events without blocking the caller.
type Dispatcher interface {
	// Dispatch queues an event. It never blocks.
	Dispatch(event *Event) error

	Stats() Stats

	// Close stops accepting events and delivers what is queued until ctx is done.
	Close(ctx context.Context) error
}

// Event is one webhook delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty for unsigned

	requeues int
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Requeued      int64 `json:"requeued"`
	Retries       int64 `json:"retries"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`
}
