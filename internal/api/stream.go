package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/audio"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/events"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

// Sessions is the part of the session manager the stream handler drives.
type Sessions interface {
	Start(ctx context.Context, req transcription.StartRequest) (string, *transcription.ResultStream, error)
	Feed(ctx context.Context, id string, audio []byte) error
	Finish(ctx context.Context, id string)
	CleanupConnection(ctx context.Context, connectionID string)
	Provider() string
}

// ResultPublisher receives every result relayed to a client.
type ResultPublisher interface {
	Publish(ctx context.Context, ev events.TranscriptEvent) error
}

// StreamHandler serves GET /api/transcription/stream.
//
// The first text message configures the session. After that the client sends
// audio_chunk messages with base64 audio, or raw binary frames, and finally
// end_session. Results are relayed as transcription_result messages while
// audio is still arriving.
type StreamHandler struct {
	sessions  Sessions
	publisher ResultPublisher
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	defaultLanguage string
	configTimeout   time.Duration
	writeTimeout    time.Duration
	relayWait       time.Duration
	eventBuffer     int
}

// StreamOption configures a StreamHandler.
type StreamOption func(*StreamHandler)

// WithDefaultLanguage sets the language reported for sessions whose config
// leaves it empty.
func WithDefaultLanguage(code string) StreamOption {
	return func(h *StreamHandler) { h.defaultLanguage = code }
}

// WithStreamTimeouts overrides how long the handler waits for the session
// config, for one write and for the relay to drain after end_session.
func WithStreamTimeouts(config, write, relay time.Duration) StreamOption {
	return func(h *StreamHandler) {
		h.configTimeout = config
		h.writeTimeout = write
		h.relayWait = relay
	}
}

// WithEventBuffer sets how many transcript events one connection queues for
// publishing before further events are dropped.
func WithEventBuffer(size int) StreamOption {
	return func(h *StreamHandler) { h.eventBuffer = size }
}

// WithStreamLogger replaces the component logger.
func WithStreamLogger(l zerolog.Logger) StreamOption {
	return func(h *StreamHandler) { h.logger = l }
}

// NewStreamHandler creates the websocket handler. A nil publisher disables
// result publishing.
func NewStreamHandler(sessions Sessions, publisher ResultPublisher, opts ...StreamOption) *StreamHandler {
	h := &StreamHandler{
		sessions:  sessions,
		publisher: publisher,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			// Browser clients connect from the web frontend's origin.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:          observability.WithComponent("stream"),
		defaultLanguage: "vi-VN",
		configTimeout:   30 * time.Second,
		writeTimeout:    10 * time.Second,
		relayWait:       2 * time.Second,
		eventBuffer:     defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	connectionID := observability.NewCorrelationID()
	logger := h.logger.With().Str("connection_id", connectionID).Logger()
	c := &streamConn{conn: conn, writeTimeout: h.writeTimeout, logger: logger}
	defer c.close(websocket.CloseNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("New transcription WebSocket connection established")
	h.serve(ctx, c, connectionID)
}

func (h *StreamHandler) serve(ctx context.Context, c *streamConn, connectionID string) {
	cfg, err := h.readConfig(c)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Invalid session config")
		c.sendError(err.Error())
		c.close(websocket.ClosePolicyViolation, "invalid session config")
		return
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = h.defaultLanguage
	}

	sessionID, stream, err := h.sessions.Start(ctx, transcription.StartRequest{
		ConnectionID:   connectionID,
		LanguageCode:   cfg.LanguageCode,
		SampleRateHz:   cfg.SampleRate,
		PartialResults: cfg.partialResults(),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to start transcription session")
		c.sendError(fmt.Sprintf("failed to start transcription session: %v", err))
		c.close(websocket.CloseInternalServerErr, "session start failed")
		return
	}
	// Ends whatever is still registered for this connection after an
	// abnormal disconnect. After end_session there is nothing left.
	defer h.sessions.CleanupConnection(context.WithoutCancel(ctx), connectionID)

	c.logger = c.logger.With().Str("session_id", sessionID).Logger()
	if err := c.writeJSON(sessionStartedMessage{Type: typeSessionStarted, SessionID: sessionID, Status: "ready"}); err != nil {
		c.logger.Warn().Err(err).Msg("Could not send session_started")
		return
	}

	var finishing atomic.Bool
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		sawError := h.relay(ctx, c, stream, connectionID, cfg.LanguageCode)
		if finishing.Load() {
			return
		}
		// The session ended on its own; end the socket so the reader stops.
		if sawError {
			c.close(websocket.CloseInternalServerErr, "transcription error")
		} else {
			c.close(websocket.CloseGoingAway, "session ended")
		}
	}()

	if !h.readLoop(ctx, c, sessionID, cfg.AudioEncoding == "mulaw") {
		stream.Close()
		waitDone(relayDone, h.relayWait)
		return
	}

	c.logger.Info().Msg("Received end session request")
	finishing.Store(true)
	h.sessions.Finish(ctx, sessionID)

	if !waitDone(relayDone, h.relayWait) {
		c.logger.Warn().Dur("wait", h.relayWait).Msg("Result relay still running after session end")
		stream.Close()
	}

	if err := c.writeJSON(sessionEndedMessage{Type: typeSessionEnded, SessionID: sessionID, Status: "completed"}); err != nil {
		c.logger.Debug().Err(err).Msg("Could not send session_ended, websocket already closed")
	}
	c.close(websocket.CloseNormalClosure, "session ended")
}

// readConfig reads and validates the first message.
func (h *StreamHandler) readConfig(c *streamConn) (SessionConfig, error) {
	var cfg SessionConfig

	if h.configTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.configTimeout))
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return cfg, fmt.Errorf("reading session config: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if mt != websocket.TextMessage {
		return cfg, errors.New("session config must be a JSON text message")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid session config: %w", err)
	}
	if err := h.validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid session config: %w", err)
	}
	return cfg, nil
}

// readLoop forwards client audio until end_session, which it reports as
// true, or until the connection or the session goes away.
func (h *StreamHandler) readLoop(ctx context.Context, c *streamConn, sessionID string, mulaw bool) bool {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				c.logger.Info().Msg("WebSocket disconnected")
			}
			return false
		}

		var payload []byte
		switch mt {
		case websocket.BinaryMessage:
			payload = data

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.sendError(fmt.Sprintf("invalid message: %v", err))
				continue
			}
			switch msg.Type {
			case typeAudioChunk:
				payload, err = base64.StdEncoding.DecodeString(msg.AudioData)
				if err != nil {
					c.sendError(fmt.Sprintf("invalid audio_data: %v", err))
					continue
				}
			case typeEndSession:
				return true
			default:
				c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
				continue
			}

		default:
			continue
		}

		if len(payload) == 0 {
			continue
		}
		observability.RecordAudioBytes("client", int64(len(payload)))
		if mulaw {
			payload = audio.DecodeMulaw(payload)
		}

		if err := h.sessions.Feed(ctx, sessionID, payload); err != nil {
			if errors.Is(err, transcription.ErrSessionNotFound) {
				c.logger.Info().Msg("Session ended while audio was arriving")
			} else {
				c.logger.Error().Err(err).Msg("Failed to send audio chunk")
			}
			c.sendError(err.Error())
			return false
		}
	}
}

// relay writes every stream item to the client and queues results for
// publishing. It reports whether an error item was relayed.
func (h *StreamHandler) relay(ctx context.Context, c *streamConn, stream *transcription.ResultStream, connectionID, language string) bool {
	var queue *eventQueue
	if h.publisher != nil {
		queue = newEventQueue(ctx, h.publisher, h.eventBuffer, c.logger)
		defer queue.close()
	}

	sawError := false
	for {
		resp, ok := stream.Next(ctx)
		if !ok {
			return sawError
		}
		if resp.Status == transcription.StatusError {
			sawError = true
		}

		if err := c.writeJSON(newResultMessage(resp)); err != nil {
			c.logger.Warn().Err(err).Msg("Error sending result, stopping relay")
			stream.Close()
			return sawError
		}

		if queue == nil {
			continue
		}
		if ev, ok := events.NewTranscriptEvent(resp, connectionID, language); ok {
			queue.enqueue(ev)
		}
	}
}

// streamConn serialises writes to one websocket connection.
type streamConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *streamConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *streamConn) sendError(msg string) {
	if err := c.writeJSON(errorMessage{Type: typeError, Message: msg}); err != nil {
		c.logger.Debug().Err(err).Msg("Could not send error message to disconnected client")
	}
}

// close sends a close frame and closes the connection once.
func (c *streamConn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug().Err(err).Msg("WebSocket close frame not sent")
		}
		_ = c.conn.Close()
	})
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
