package transcription

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Timings bound every wait in the session lifecycle.
type Timings struct {
	// QueueWait is how long one result read waits before re-checking state.
	QueueWait time.Duration
	// ShutdownGrace lets an in-flight event observe the shutdown flag before
	// the pump is cancelled.
	ShutdownGrace time.Duration
	// CancelTimeout bounds the wait for a cancelled pump to exit.
	CancelTimeout time.Duration
	// PreCloseDelay lets in-flight sends land before the input side is closed.
	PreCloseDelay time.Duration
	// CloseTimeout bounds closing the input side and releasing the channel.
	CloseTimeout time.Duration
	// FinalResultWait bounds how long Finish waits for the provider to flush
	// results after the input side was closed.
	FinalResultWait time.Duration
	// CleanupSettle is the pause between raising the global shutdown flag
	// and ending sessions in CleanupAll.
	CleanupSettle time.Duration
	// CleanupTimeout bounds ending a group of sessions.
	CleanupTimeout time.Duration
	// QueueSize is the capacity of each session's handoff queue.
	QueueSize int
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		QueueWait:       100 * time.Millisecond,
		ShutdownGrace:   100 * time.Millisecond,
		CancelTimeout:   2 * time.Second,
		PreCloseDelay:   50 * time.Millisecond,
		CloseTimeout:    5 * time.Second,
		FinalResultWait: time.Second,
		CleanupSettle:   time.Second,
		CleanupTimeout:  10 * time.Second,
		QueueSize:       64,
	}
}

// Session owns one recognition channel and the goroutine pumping its output.
// Sessions are only reachable through the Manager.
type Session struct {
	id           string
	connectionID string
	provider     string
	createdAt    time.Time

	channel recognition.Channel
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu     sync.RWMutex
	status SessionStatus

	sendMu sync.Mutex

	queue     chan Response
	handler   *EventHandler
	pumpCtx   context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	pumpDone  chan struct{}

	ending atomic.Bool
	ended  chan struct{}
}

func newSession(id, connectionID, provider string, ch recognition.Channel, queueSize int, logger zerolog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = DefaultTimings().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		connectionID: connectionID,
		provider:     provider,
		createdAt:    time.Now(),
		channel:      ch,
		logger:       logger.With().Str("session_id", id).Str("connection_id", connectionID).Logger(),
		metrics:      observability.NewSessionMetrics(provider),
		status:       StatusStarted,
		queue:        make(chan Response, queueSize),
		pumpCtx:      ctx,
		cancel:       cancel,
		pumpDone:     make(chan struct{}),
		ended:        make(chan struct{}),
	}
	s.handler = NewEventHandler(id, ch, s.queue, s.observe, s.logger)
	return s
}

// start runs the event pump in the background. It does nothing once the
// pump was started or stopped.
func (s *Session) start() {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.pumpDone)
			s.handler.Run(s.pumpCtx)
		}()
	})
}

// Status returns the current status.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// transition applies next if the state machine allows it.
func (s *Session) transition(next SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.status.CanTransitionTo(next) {
		return false
	}
	s.status = next
	return true
}

func (s *Session) observe(status SessionStatus) {
	prev := s.Status()
	if s.transition(status) && prev != status {
		s.logger.Debug().
			Str("from", prev.String()).
			Str("to", status.String()).
			Msg("Session status changed")
	}
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		ConnectionID: s.connectionID,
		Status:       s.Status(),
		Provider:     s.provider,
		CreatedAt:    s.createdAt,
	}
}

// feed sends one audio payload. Feeds on the same session are serialised so
// payloads reach the provider in call order.
func (s *Session) feed(ctx context.Context, sender *ChunkSender, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	stats, err := sender.Send(ctx, s.channel, payload)
	if stats.Frames > 0 {
		s.metrics.RecordFrames(strconv.Itoa(sender.tiers[stats.Tier].Size), stats.Frames)
		s.metrics.RecordAudioBytes("upstream", int64(stats.Bytes))
	}
	for i := 0; i < stats.Retries; i++ {
		s.metrics.RecordFrameRetry()
	}
	if err != nil {
		s.metrics.RecordError("send_audio", "transcription")
		return sessionError(s.id, err)
	}

	s.transition(StatusInProgress)
	return nil
}

// stopPump signals shutdown, grants a grace interval, then cancels the pump
// and waits for it with a bound.
func (s *Session) stopPump(t Timings) {
	s.handler.Shutdown()
	s.startOnce.Do(func() { close(s.pumpDone) })

	if waitClosed(s.pumpDone, t.ShutdownGrace) {
		s.cancel()
		return
	}

	s.cancel()
	if !waitClosed(s.pumpDone, t.CancelTimeout) {
		s.logger.Warn().Dur("timeout", t.CancelTimeout).Msg("Event pump did not stop after cancel")
		observability.RecordTeardownTimeout("cancel_pump")
	}
}

// endInput closes the input side after the pre-close delay. Timeouts and an
// already closed input are logged and ignored.
func (s *Session) endInput(ctx context.Context, t Timings) {
	if t.PreCloseDelay > 0 {
		_ = sleepCtx(ctx, t.PreCloseDelay)
	}

	err := runBounded(ctx, t.CloseTimeout, s.channel.EndInput)
	switch {
	case err == nil:
		s.logger.Debug().Msg("Recognition input closed")
	case errors.Is(err, recognition.ErrAlreadyClosed):
		s.logger.Debug().Msg("Recognition input already closed")
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn().Dur("timeout", t.CloseTimeout).Msg("Timed out closing recognition input")
		observability.RecordTeardownTimeout("end_input")
	default:
		s.logger.Warn().Err(err).Msg("Failed to close recognition input")
	}
}

// release frees the channel.
func (s *Session) release(ctx context.Context, t Timings) {
	err := runBounded(ctx, t.CloseTimeout, func(context.Context) error {
		return s.channel.Close()
	})
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn().Dur("timeout", t.CloseTimeout).Msg("Timed out releasing recognition channel")
		observability.RecordTeardownTimeout("release")
	} else if err != nil && !errors.Is(err, recognition.ErrAlreadyClosed) {
		s.logger.Warn().Err(err).Msg("Failed to release recognition channel")
	}
}

// waitClosed waits up to d for ch to be closed.
func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	default:
	}
	if d <= 0 {
		return false
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// runBounded runs fn with a deadline and stops waiting once it passes. fn
// keeps running in the background if it ignores its context.
func runBounded(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- fn(ctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
