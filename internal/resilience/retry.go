package resilience

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"
)

// Backoff describes exponentially growing waits between attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration // zero means uncapped
	Multiplier float64       // values below 1 are treated as 1
	Jitter     float64       // extra random fraction of each wait, 0 to 1
}

// Duration returns the wait after the given zero-based failed attempt.
func (b Backoff) Duration(attempt int) time.Duration {
	mult := math.Max(b.Multiplier, 1)
	d := time.Duration(float64(b.Initial) * math.Pow(mult, float64(attempt)))
	if b.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// RetryConfig bounds how often an operation is repeated.
type RetryConfig struct {
	MaxAttempts int // including the first
	Backoff     Backoff
	// OnRetry, when set, runs before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig is used for Kafka writes.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     0.25,
		},
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry runs fn until it succeeds, returns an error isRetryable rejects, the
// attempts are used up, or ctx is done. A nil isRetryable retries every error.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable func(error) bool) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := config.Backoff.Duration(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return lastErr
}

// transientMessages are matched when a provider SDK or broker flattens the
// underlying error into text.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"transport is closing",
	"unavailable",
	"no route to host",
	"timeout",
	"deadline exceeded",
	"resource exhausted",
	"rate limit",
	"throttl",
	"leader not available",
	"not leader for partition",
}

// IsTransient reports whether err looks like a temporary network or service
// condition that may clear on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// RetryableError marks an error as worth retrying.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
