package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/events"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

// Recognition backends.
const (
	ProviderAWS      = "aws"
	ProviderGoogle   = "google"
	ProviderDeepgram = "deepgram"
	ProviderMock     = "mock"
)

// Config holds all configuration for the transcription gateway service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""` // empty disables the gRPC health server

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Only used for logging the websocket endpoint.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:""`

	// Recognition backend: aws, google, deepgram or mock
	RecognitionProvider string `envconfig:"RECOGNITION_PROVIDER" default:"aws"`

	// AWS Transcribe Streaming. Empty keys fall back to the default credential chain.
	AWSRegion          string `envconfig:"AWS_REGION" default:"ap-southeast-1"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID" default:""`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY" default:""`
	AWSSessionToken    string `envconfig:"AWS_SESSION_TOKEN" default:""`

	// Google Cloud Speech. Empty uses application default credentials.
	GoogleCredentialsFile string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS" default:""`

	// Deepgram live transcription
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base

	// Session defaults
	DefaultLanguage  string `envconfig:"TRANSCRIBE_DEFAULT_LANGUAGE" default:"vi-VN"`
	SampleRate       int    `envconfig:"TRANSCRIBE_SAMPLE_RATE" default:"16000"`
	MediaEncoding    string `envconfig:"TRANSCRIBE_MEDIA_ENCODING" default:"pcm"`
	PartialStability string `envconfig:"TRANSCRIBE_PARTIAL_STABILITY" default:"medium"` // low, medium, high or empty

	// Frame policy
	MaxFrameBytes        int `envconfig:"MAX_FRAME_BYTES" default:"32768"`
	FramePauseMs         int `envconfig:"FRAME_PAUSE_MS" default:"1"`
	FallbackFrameBytes   int `envconfig:"FALLBACK_FRAME_BYTES" default:"8192"`
	FallbackFramePauseMs int `envconfig:"FALLBACK_FRAME_PAUSE_MS" default:"2"`

	// Session teardown timings, in milliseconds
	ResultQueueWaitMs int `envconfig:"RESULT_QUEUE_WAIT_MS" default:"100"`
	ShutdownGraceMs   int `envconfig:"SHUTDOWN_GRACE_MS" default:"100"`
	CancelTimeoutMs   int `envconfig:"CANCEL_TIMEOUT_MS" default:"2000"`
	PreCloseDelayMs   int `envconfig:"PRE_CLOSE_DELAY_MS" default:"50"`
	CloseTimeoutMs    int `envconfig:"CLOSE_TIMEOUT_MS" default:"5000"`
	FinalResultWaitMs int `envconfig:"FINAL_RESULT_WAIT_MS" default:"1000"`
	CleanupSettleMs   int `envconfig:"CLEANUP_SETTLE_MS" default:"1000"`
	CleanupTimeoutMs  int `envconfig:"CLEANUP_TIMEOUT_MS" default:"10000"`
	ResultQueueSize   int `envconfig:"RESULT_QUEUE_SIZE" default:"64"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Kafka result events
	KafkaEnabled      bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcription.partial"`
	KafkaTopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcription.final"`
	KafkaPrincipal    string   `envconfig:"KAFKA_PRINCIPAL" default:""`
	KafkaEventBuffer  int      `envconfig:"KAFKA_EVENT_BUFFER" default:"256"` // Events queued per connection before new ones are dropped

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.RecognitionProvider = strings.ToLower(strings.TrimSpace(cfg.RecognitionProvider))
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	switch c.RecognitionProvider {
	case ProviderAWS:
		if c.AWSRegion == "" {
			errs = append(errs, errors.New("AWS_REGION is required for the aws provider"))
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			errs = append(errs, errors.New("DEEPGRAM_API_KEY is required for the deepgram provider"))
		}
	case ProviderGoogle, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("RECOGNITION_PROVIDER must be one of aws, google, deepgram, mock; got %q", c.RecognitionProvider))
	}

	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("TRANSCRIBE_SAMPLE_RATE must be positive, got %d", c.SampleRate))
	}
	switch c.MediaEncoding {
	case "pcm", "ogg-opus", "flac":
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIBE_MEDIA_ENCODING must be pcm, ogg-opus or flac; got %q", c.MediaEncoding))
	}
	switch c.PartialStability {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIBE_PARTIAL_STABILITY must be low, medium or high; got %q", c.PartialStability))
	}

	if c.MaxFrameBytes <= 0 || c.FallbackFrameBytes <= 0 {
		errs = append(errs, errors.New("MAX_FRAME_BYTES and FALLBACK_FRAME_BYTES must be positive"))
	} else if c.FallbackFrameBytes >= c.MaxFrameBytes {
		errs = append(errs, fmt.Errorf("FALLBACK_FRAME_BYTES (%d) must be smaller than MAX_FRAME_BYTES (%d)", c.FallbackFrameBytes, c.MaxFrameBytes))
	}
	if c.FramePauseMs < 0 || c.FallbackFramePauseMs < 0 {
		errs = append(errs, errors.New("frame pauses must not be negative"))
	}
	if c.ResultQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("RESULT_QUEUE_SIZE must be positive, got %d", c.ResultQueueSize))
	}

	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true"))
	}

	return errors.Join(errs...)
}

// Timings converts the millisecond settings into session timings.
func (c *Config) Timings() transcription.Timings {
	return transcription.Timings{
		QueueWait:       ms(c.ResultQueueWaitMs),
		ShutdownGrace:   ms(c.ShutdownGraceMs),
		CancelTimeout:   ms(c.CancelTimeoutMs),
		PreCloseDelay:   ms(c.PreCloseDelayMs),
		CloseTimeout:    ms(c.CloseTimeoutMs),
		FinalResultWait: ms(c.FinalResultWaitMs),
		CleanupSettle:   ms(c.CleanupSettleMs),
		CleanupTimeout:  ms(c.CleanupTimeoutMs),
		QueueSize:       c.ResultQueueSize,
	}
}

// FrameTiers returns the primary and fallback frame tiers.
func (c *Config) FrameTiers() []transcription.FrameTier {
	return []transcription.FrameTier{
		{Size: c.MaxFrameBytes, Pause: ms(c.FramePauseMs)},
		{Size: c.FallbackFrameBytes, Pause: ms(c.FallbackFramePauseMs)},
	}
}

// CircuitBreaker builds the breaker guarding the recognition backend. State
// changes are exported as metrics and logged.
func (c *Config) CircuitBreaker() *resilience.CircuitBreaker {
	logger := observability.WithComponent("resilience")
	return resilience.NewCircuitBreaker(
		c.RecognitionProvider,
		c.CircuitBreakerMaxFailures,
		time.Duration(c.CircuitBreakerResetTimeout)*time.Second,
		resilience.WithFailureFilter(func(err error) bool {
			return !errors.Is(err, recognition.ErrInvalidOptions)
		}),
		resilience.WithStateListener(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		}),
	)
}

// RetryConfig returns the retry policy for outbound calls.
func (c *Config) RetryConfig() *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = c.RetryMaxAttempts
	rc.Backoff.Initial = ms(c.RetryInitialBackoff)
	return rc
}

// Kafka returns the publisher configuration.
func (c *Config) Kafka() *events.Config {
	return &events.Config{
		Brokers:      c.KafkaBrokers,
		TopicPartial: c.KafkaTopicPartial,
		TopicFinal:   c.KafkaTopicFinal,
		Principal:    c.KafkaPrincipal,
		Enabled:      c.KafkaEnabled,
		Retry:        c.RetryConfig(),
	}
}

// StreamURL returns the websocket endpoint for logging.
func (c *Config) StreamURL() string {
	const path = "/api/transcription/stream"
	if c.PublicBaseURL == "" {
		return "ws://localhost:" + c.Port + path
	}
	base := strings.TrimSuffix(c.PublicBaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + path
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func compact(ss []string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
