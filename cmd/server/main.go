package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/api"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/config"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/events"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/healthrpc"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition/awstranscribe"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition/deepgram"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition/google"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition/mock"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("provider", cfg.RecognitionProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Msg("Transcription Gateway starting")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	opener, err := newOpener(startupCtx, cfg, logger)
	cancelStartup()
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.RecognitionProvider).Msg("Failed to initialise recognition backend")
	}
	if c, ok := opener.(io.Closer); ok {
		defer c.Close()
	}

	breaker := cfg.CircuitBreaker()
	manager, err := transcription.NewManager(opener,
		transcription.WithTimings(cfg.Timings()),
		transcription.WithFrameTiers(cfg.FrameTiers()),
		transcription.WithCircuitBreaker(breaker),
		transcription.WithSessionDefaults(cfg.DefaultLanguage, cfg.SampleRate),
		transcription.WithChannelOptions(cfg.MediaEncoding, cfg.PartialStability),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session manager")
	}

	publisher := events.New(cfg.Kafka(), observability.WithComponent("events"))
	defer publisher.Close()

	stream := api.NewStreamHandler(manager, publisher,
		api.WithDefaultLanguage(cfg.DefaultLanguage),
		api.WithEventBuffer(cfg.KafkaEventBuffer),
	)

	recognitionCheck := func(ctx context.Context) (bool, error) {
		if state := breaker.State(); state == resilience.StateOpen {
			return false, fmt.Errorf("%s circuit breaker is %s", breaker.Name(), state)
		}
		return true, nil
	}
	kafkaCheck := func(ctx context.Context) (bool, error) {
		if err := publisher.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	router := api.NewRouter(api.RouterConfig{
		Stream:   stream,
		Provider: manager.Provider(),
		Region:   cfg.AWSRegion,
		ReadinessChecks: []observability.DependencyCheck{
			{Name: "recognition", Check: recognitionCheck, Critical: true},
			{Name: "kafka", Check: kafkaCheck},
		},
		MetricsEnabled: cfg.MetricsEnabled,
		Logger:         observability.WithComponent("api"),
	})
	if cfg.MetricsEnabled {
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Websocket connections are hijacked,
	// so the write timeout only applies to plain HTTP routes.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", cfg.StreamURL()).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	var healthServer *healthrpc.Server
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}
		healthServer = healthrpc.NewServer(observability.WithComponent("healthrpc"))
		healthServer.SetServing(true)
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	if healthServer != nil {
		healthServer.Stop()
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// End every live session first so websocket handlers return.
	manager.CleanupAll(ctx)

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newOpener(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (recognition.Opener, error) {
	switch cfg.RecognitionProvider {
	case config.ProviderAWS:
		return awstranscribe.NewOpener(ctx, awstranscribe.Config{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		}, logger.With().Str("component", "awstranscribe").Logger())
	case config.ProviderGoogle:
		return google.NewOpener(ctx, cfg.GoogleCredentialsFile, logger.With().Str("component", "google").Logger())
	case config.ProviderDeepgram:
		return deepgram.NewOpener(deepgram.Config{
			APIKey: cfg.DeepgramAPIKey,
			Model:  cfg.DeepgramModel,
		}, logger.With().Str("component", "deepgram").Logger())
	case config.ProviderMock:
		logger.Warn().Msg("Using the mock recognition backend")
		return mock.NewOpener(), nil
	default:
		return nil, fmt.Errorf("unknown recognition provider %q", cfg.RecognitionProvider)
	}
}
