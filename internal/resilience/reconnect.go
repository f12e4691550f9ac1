package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReconnectConfig is the dial policy for websocket clients.
func DefaultReconnectConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 5,
		Backoff: Backoff{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
	}
}

// Reconnect dials with fn until it succeeds, the attempts are used up or ctx
// is done, logging every failed attempt.
func Reconnect(ctx context.Context, fn RetryableFunc, config *RetryConfig, logger zerolog.Logger) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	attempts := 0
	cfg := *config
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", wait).
			Msg("Connection attempt failed, retrying")
	}

	err := Retry(ctx, func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	}, &cfg, nil)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
	}
	if attempts > 1 {
		logger.Info().Int("attempts", attempts).Msg("Connection established after retries")
	}
	return nil
}
