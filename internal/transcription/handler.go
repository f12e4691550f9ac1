package transcription

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// EventHandler turns the output side of a recognition channel into
// normalised responses posted onto a handoff queue.
//
// Once Shutdown is called the handler processes no further events and posts
// nothing more, even if the channel still has buffered events.
type EventHandler struct {
	sessionID string
	channel   recognition.Channel
	out       chan<- Response
	observe   func(SessionStatus)
	logger    zerolog.Logger

	shutdown atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewEventHandler creates a handler for one session. observe, if non-nil, is
// called with the status of every response that was posted.
func NewEventHandler(sessionID string, ch recognition.Channel, out chan<- Response, observe func(SessionStatus), logger zerolog.Logger) *EventHandler {
	return &EventHandler{
		sessionID: sessionID,
		channel:   ch,
		out:       out,
		observe:   observe,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Shutdown sets the graceful shutdown flag. It is safe to call more than once.
func (h *EventHandler) Shutdown() {
	h.stopOnce.Do(func() {
		h.shutdown.Store(true)
		close(h.stop)
	})
}

// IsShutdown reports whether Shutdown was called.
func (h *EventHandler) IsShutdown() bool {
	return h.shutdown.Load()
}

// Run pumps events until the channel output ends, the handler is shut down or
// ctx is cancelled. An upstream failure is posted as a final error response.
func (h *EventHandler) Run(ctx context.Context) {
	events := h.channel.Events()
	for {
		if h.IsShutdown() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case ev, ok := <-events:
			if !ok {
				h.finish(ctx)
				return
			}
			h.HandleEvent(ctx, ev)
		}
	}
}

func (h *EventHandler) finish(ctx context.Context) {
	err := h.channel.Err()
	if err == nil {
		h.logger.Debug().Msg("Recognition output ended")
		return
	}
	if h.IsShutdown() || ctx.Err() != nil {
		h.logger.Debug().Err(err).Msg("Recognition output ended during shutdown")
		return
	}
	h.logger.Error().Err(err).Msg("Recognition stream failed")
	h.post(ctx, errorResponse(h.sessionID, fmt.Errorf("recognition stream failed: %w", err)))
}

// HandleEvent processes one event. A processing failure becomes an error
// response, unless shutdown is already in progress.
func (h *EventHandler) HandleEvent(ctx context.Context, ev recognition.Event) {
	err := h.handleEvent(ctx, ev)
	if err == nil {
		return
	}
	if h.IsShutdown() {
		h.logger.Debug().Err(err).Msg("Dropping event failure during shutdown")
		return
	}
	h.logger.Warn().Err(err).Msg("Failed to process recognition event")
	h.post(ctx, errorResponse(h.sessionID, err))
}

func (h *EventHandler) handleEvent(ctx context.Context, ev recognition.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedEvent, r)
		}
	}()

	if h.IsShutdown() {
		return nil
	}

	for _, res := range ev.Results {
		if len(res.Alternatives) == 0 {
			continue
		}
		result, ok, err := h.normalise(res)
		if err != nil {
			return err
		}
		if !ok || !h.post(ctx, resultResponse(h.sessionID, result)) {
			return nil
		}
	}
	return nil
}

// normalise builds a Result from the best alternative and collects the other
// hypotheses. It reports false if shutdown interrupted it.
func (h *EventHandler) normalise(res recognition.Result) (Result, bool, error) {
	if err := validTimes(res.StartTime, res.EndTime); err != nil {
		return Result{}, false, err
	}

	out := Result{
		IsPartial:    res.IsPartial,
		StartTime:    res.StartTime,
		EndTime:      res.EndTime,
		Alternatives: []string{},
	}

	for i, alt := range res.Alternatives {
		if h.IsShutdown() {
			return Result{}, false, nil
		}
		if i > 0 {
			out.Alternatives = append(out.Alternatives, alt.Transcript)
			continue
		}
		for _, item := range alt.Items {
			if c := item.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
				return Result{}, false, fmt.Errorf("%w: confidence %v out of range", ErrMalformedEvent, *c)
			}
		}
		out.Transcript = alt.Transcript
		out.Confidence = meanConfidence(alt.Items)
	}
	return out, true, nil
}

func (h *EventHandler) post(ctx context.Context, resp Response) bool {
	if h.IsShutdown() {
		return false
	}

	select {
	case h.out <- resp:
	case <-h.stop:
		return false
	case <-ctx.Done():
		return false
	}

	if h.observe != nil {
		h.observe(resp.Status)
	}
	return true
}

func validTimes(start, end *float64) error {
	if start != nil && end != nil && *end < *start {
		return fmt.Errorf("%w: end time %.3f before start time %.3f", ErrMalformedEvent, *end, *start)
	}
	return nil
}
