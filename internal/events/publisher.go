// Package events publishes transcription results to Kafka for downstream
// consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

// TranscriptEvent is the payload written for every relayed result.
type TranscriptEvent struct {
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	Transcript   string    `json:"transcript"`
	Confidence   *float64  `json:"confidence"`
	IsPartial    bool      `json:"is_partial"`
	StartTime    *float64  `json:"start_time"`
	EndTime      *float64  `json:"end_time"`
	Alternatives []string  `json:"alternatives"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewTranscriptEvent builds an event from a result response. It reports
// false for responses without a result.
func NewTranscriptEvent(resp transcription.Response, connectionID, language string) (TranscriptEvent, bool) {
	if resp.Result == nil {
		return TranscriptEvent{}, false
	}
	r := resp.Result
	return TranscriptEvent{
		SessionID:    resp.SessionID,
		ConnectionID: connectionID,
		LanguageCode: language,
		Transcript:   r.Transcript,
		Confidence:   r.Confidence,
		IsPartial:    r.IsPartial,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Alternatives: r.Alternatives,
		Timestamp:    time.Now().UTC(),
	}, true
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	Enabled      bool
	// Retry bounds write attempts; nil uses resilience.DefaultRetryConfig.
	Retry *resilience.RetryConfig
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes transcript events to separate partial and final topics.
// Without brokers it runs in log-only mode.
type Publisher struct {
	writerPartial messageWriter
	writerFinal   messageWriter
	principal     string
	topicPartial  string
	topicFinal    string
	enabled       bool
	brokers       []string
	dialer        *kafka.Dialer
	retry         *resilience.RetryConfig
	logger        zerolog.Logger
}

// New creates a publisher. A nil or disabled config yields a log-only publisher.
func New(cfg *Config, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		retry:  resilience.DefaultRetryConfig(),
		logger: logger,
	}

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	if cfg.Retry != nil {
		p.retry = cfg.Retry
	}
	p.topicPartial = cfg.TopicPartial
	p.topicFinal = cfg.TopicFinal

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution inside clusters
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerPartial = newWriter(cfg.Brokers, cfg.TopicPartial, transport)
	p.writerFinal = newWriter(cfg.Brokers, cfg.TopicFinal, transport)
	p.brokers = cfg.Brokers
	p.dialer = dialer
	p.enabled = true

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_partial", cfg.TopicPartial).
		Str("topic_final", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")
	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Enabled reports whether events go to Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Ping dials the first reachable broker. A log-only publisher is always ready.
func (p *Publisher) Ping(ctx context.Context) error {
	if !p.enabled || p.dialer == nil {
		return nil
	}

	var err error
	for _, broker := range p.brokers {
		var conn *kafka.Conn
		conn, err = p.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
	}
	return err
}

// Publish writes ev to the partial or final topic, keyed by session so one
// session's results stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, ev TranscriptEvent) error {
	if ev.IsPartial {
		return p.publish(ctx, p.writerPartial, p.topicPartial, "partial", ev.SessionID, ev)
	}
	return p.publish(ctx, p.writerFinal, p.topicFinal, "final", ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.logger.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		observability.RecordKafkaPublish(topic, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return writer.WriteMessages(ctx, msg)
	}, p.retry, IsRetryableKafkaError)

	observability.RecordKafkaPublish(topic, err, time.Since(start).Seconds())
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		return err
	}
	return nil
}

// IsRetryableKafkaError reports whether a write may succeed when repeated.
func IsRetryableKafkaError(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	return resilience.IsTransient(err)
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerPartial != nil {
		if e := p.writerPartial.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if p.writerFinal != nil {
		if e := p.writerFinal.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
