package api

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/events"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
)

const defaultEventBuffer = 256

// eventQueue publishes transcript events from its own goroutine so a slow
// broker never holds back results written to the client.
type eventQueue struct {
	publisher ResultPublisher
	events    chan events.TranscriptEvent
	logger    zerolog.Logger
	done      chan struct{}
}

// newEventQueue starts the publishing goroutine. ctx only carries values;
// queued events are still published after it is cancelled.
func newEventQueue(ctx context.Context, publisher ResultPublisher, size int, logger zerolog.Logger) *eventQueue {
	if size <= 0 {
		size = defaultEventBuffer
	}
	q := &eventQueue{
		publisher: publisher,
		events:    make(chan events.TranscriptEvent, size),
		logger:    logger,
		done:      make(chan struct{}),
	}
	go q.run(context.WithoutCancel(ctx))
	return q
}

func (q *eventQueue) run(ctx context.Context) {
	defer close(q.done)
	for ev := range q.events {
		if err := q.publisher.Publish(ctx, ev); err != nil {
			q.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("Failed to publish transcript event")
		}
	}
}

// enqueue hands ev to the publishing goroutine without blocking. A full
// queue drops the event.
func (q *eventQueue) enqueue(ev events.TranscriptEvent) bool {
	select {
	case q.events <- ev:
		return true
	default:
		observability.RecordEventDropped()
		q.logger.Warn().Str("session_id", ev.SessionID).Msg("Transcript event queue full, dropping event")
		return false
	}
}

// close stops accepting events. Events already queued are still published.
// It must be called once, after the last enqueue.
func (q *eventQueue) close() {
	close(q.events)
}
