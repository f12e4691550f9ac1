// Package transcription manages real-time streaming transcription sessions:
// it opens recognition channels, feeds them audio, relays their results and
// tears every session down deterministically.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
)

// ErrInvalidRequest is returned by Start for an unusable StartRequest.
var ErrInvalidRequest = errors.New("transcription: invalid start request")

// Manager owns the session registry. All access to sessions goes through
// id-addressed operations.
type Manager struct {
	opener  recognition.Opener
	sender  *ChunkSender
	breaker *resilience.CircuitBreaker
	timings Timings
	logger  zerolog.Logger

	defaultLanguage   string
	defaultSampleRate int
	encoding          string
	stability         string
	tiers             []FrameTier

	mu       sync.Mutex
	sessions map[string]*Session

	shuttingDown atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimings overrides DefaultTimings.
func WithTimings(t Timings) Option {
	return func(m *Manager) { m.timings = t }
}

// WithFrameTiers overrides DefaultFrameTiers.
func WithFrameTiers(tiers []FrameTier) Option {
	return func(m *Manager) { m.tiers = tiers }
}

// WithCircuitBreaker guards channel opening with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(m *Manager) { m.breaker = cb }
}

// WithSessionDefaults sets the language and sample rate used when a
// StartRequest leaves them empty.
func WithSessionDefaults(language string, sampleRate int) Option {
	return func(m *Manager) {
		m.defaultLanguage = language
		m.defaultSampleRate = sampleRate
	}
}

// WithChannelOptions sets the media encoding and the partial stabilization
// level passed to the provider.
func WithChannelOptions(encoding, stability string) Option {
	return func(m *Manager) {
		m.encoding = encoding
		m.stability = stability
	}
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager that opens channels with opener.
func NewManager(opener recognition.Opener, opts ...Option) (*Manager, error) {
	if opener == nil {
		return nil, errors.New("transcription: recognition opener is required")
	}

	m := &Manager{
		opener:            opener,
		timings:           DefaultTimings(),
		logger:            observability.WithComponent("transcription"),
		defaultLanguage:   "vi-VN",
		defaultSampleRate: 16000,
		encoding:          "pcm",
		stability:         "medium",
		tiers:             DefaultFrameTiers,
		sessions:          make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}

	sender, err := NewChunkSender(m.tiers, m.logger)
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}
	m.sender = sender
	return m, nil
}

// Provider returns the name of the recognition backend.
func (m *Manager) Provider() string {
	return m.opener.Name()
}

// Start purges the sessions of req.ConnectionID, opens a recognition channel
// and registers a new session. A failure to open the channel is returned as
// is; no session is created and nothing is retried.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, *ResultStream, error) {
	if req.LanguageCode == "" {
		req.LanguageCode = m.defaultLanguage
	}
	if req.SampleRateHz == 0 {
		req.SampleRateHz = m.defaultSampleRate
	}
	if req.SampleRateHz < 8000 || req.SampleRateHz > 48000 {
		return "", nil, fmt.Errorf("%w: sample rate %d outside 8000-48000 Hz", ErrInvalidRequest, req.SampleRateHz)
	}

	if stale := m.connectionSessions(req.ConnectionID); len(stale) > 0 {
		m.logger.Info().
			Str("connection_id", req.ConnectionID).
			Int("sessions", len(stale)).
			Msg("Cleaning up existing sessions before starting a new one")
		m.endGroup(ctx, stale, "connection")
	}

	opts := recognition.Options{
		LanguageCode:   req.LanguageCode,
		SampleRateHz:   req.SampleRateHz,
		Encoding:       m.encoding,
		PartialResults: req.PartialResults,
	}
	if req.PartialResults {
		opts.StabilityLevel = m.stability
	}

	ch, err := m.open(ctx, opts)
	if err != nil {
		observability.RecordError("channel_open", "transcription")
		m.logger.Error().Err(err).Str("provider", m.opener.Name()).Msg("Failed to open recognition channel")
		return "", nil, fmt.Errorf("%w: %w", ErrChannelOpen, err)
	}

	id := uuid.NewString()
	s := newSession(id, req.ConnectionID, m.opener.Name(), ch, m.timings.QueueSize, m.logger)
	s.metrics.RecordSessionStart()
	s.start()

	// Starts racing on the same connection are resolved here: the last one
	// to register ends every session registered before it.
	m.mu.Lock()
	superseded := m.connectionSessionsLocked(req.ConnectionID)
	m.sessions[id] = s
	m.mu.Unlock()

	if len(superseded) > 0 {
		s.logger.Info().Int("sessions", len(superseded)).Msg("Ending sessions superseded by a concurrent start")
		m.endGroup(ctx, superseded, "connection")
	}

	s.logger.Info().
		Str("language", req.LanguageCode).
		Int("sample_rate", req.SampleRateHz).
		Bool("partial_results", req.PartialResults).
		Str("provider", m.opener.Name()).
		Msg("Transcription session started")

	return id, newResultStream(m, s), nil
}

func (m *Manager) open(ctx context.Context, opts recognition.Options) (recognition.Channel, error) {
	if m.breaker == nil {
		return m.opener.Open(ctx, opts)
	}

	var ch recognition.Channel
	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		ch, err = m.opener.Open(ctx, opts)
		return err
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		observability.IncrementCircuitBreakerFailures(m.opener.Name())
	}
	return ch, err
}

// Feed sends audio to a session. It fails with ErrSessionNotFound when id is
// not registered.
func (m *Manager) Feed(ctx context.Context, id string, audio []byte) error {
	s := m.lookup(id)
	if s == nil {
		return sessionError(id, ErrSessionNotFound)
	}
	return s.feed(ctx, m.sender, audio)
}

// Finish closes the input side of a session, waits a bounded time for the
// provider to flush its final results, then ends the session.
func (m *Manager) Finish(ctx context.Context, id string) {
	s := m.lookup(id)
	if s == nil || s.ending.Load() {
		m.End(ctx, id)
		return
	}

	deadline := time.Now().Add(m.timings.FinalResultWait)
	s.endInput(context.WithoutCancel(ctx), m.timings)

	if !waitClosed(s.pumpDone, time.Until(deadline)) {
		s.logger.Debug().Dur("wait", m.timings.FinalResultWait).Msg("Provider still streaming after input closed")
	} else {
		// Give the stream consumer the chance to take the flushed results.
		// A stream that drains completely ends the session itself.
		ticker := time.NewTicker(5 * time.Millisecond)
	drain:
		for len(s.queue) > 0 && time.Now().Before(deadline) {
			select {
			case <-s.ended:
				break drain
			case <-ticker.C:
			}
		}
		ticker.Stop()
	}
	m.End(ctx, id)
}

// End stops the event pump, closes the input side and releases the channel,
// then removes the session from the registry. Teardown problems are logged,
// never returned, and deregistration always happens. Ending an unknown or
// already ended session does nothing; a concurrent second call waits for the
// first one to finish or for ctx.
func (m *Manager) End(ctx context.Context, id string) {
	s := m.lookup(id)
	if s == nil {
		m.logger.Debug().Str("session_id", id).Msg("End for unknown session ignored")
		return
	}

	if !s.ending.CompareAndSwap(false, true) {
		select {
		case <-s.ended:
		case <-ctx.Done():
		}
		return
	}

	teardownCtx := context.WithoutCancel(ctx)
	defer m.deregister(s)

	s.stopPump(m.timings)
	s.endInput(teardownCtx, m.timings)
	s.release(teardownCtx, m.timings)
}

// CleanupConnection ends every session registered for one connection.
func (m *Manager) CleanupConnection(ctx context.Context, connectionID string) {
	if sessions := m.connectionSessions(connectionID); len(sessions) > 0 {
		m.endGroup(ctx, sessions, "connection")
	}
}

// CleanupAll raises the global shutdown flag, waits briefly, ends every
// registered session concurrently within CleanupTimeout and clears the flag
// again.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.shuttingDown.Store(true)
	defer m.shuttingDown.Store(false)

	if m.timings.CleanupSettle > 0 {
		_ = sleepCtx(ctx, m.timings.CleanupSettle)
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("Cleaning up all sessions")
	m.endGroup(ctx, sessions, "all")
}

// ShuttingDown reports whether CleanupAll is in progress.
func (m *Manager) ShuttingDown() bool {
	return m.shuttingDown.Load()
}

// Get returns a snapshot of a registered session.
func (m *Manager) Get(id string) (SessionInfo, bool) {
	s := m.lookup(id)
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns snapshots of all registered sessions.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) endGroup(ctx context.Context, sessions []*Session, scope string) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.End(ctx, id)
		}(s.id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if !waitClosed(done, m.timings.CleanupTimeout) {
		m.logger.Warn().
			Str("scope", scope).
			Dur("timeout", m.timings.CleanupTimeout).
			Msg("Timed out ending sessions, teardown continues in background")
		observability.RecordTeardownTimeout("cleanup_" + scope)
	}
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// owns reports whether s is still the registered session for its id.
func (m *Manager) owns(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[s.id] == s
}

func (m *Manager) connectionSessions(connectionID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionSessionsLocked(connectionID)
}

func (m *Manager) connectionSessionsLocked(connectionID string) []*Session {
	var out []*Session
	for _, s := range m.sessions {
		if s.connectionID == connectionID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) deregister(s *Session) {
	m.mu.Lock()
	removed := m.sessions[s.id] == s
	if removed {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()

	close(s.ended)
	if removed {
		s.metrics.RecordSessionEnd()
		s.logger.Info().
			Str("status", s.Status().String()).
			Dur("duration", time.Since(s.createdAt)).
			Msg("Transcription session ended")
	}
}
