// Package recognition defines the streaming speech-recognition channel that
// transcription sessions talk to, independent of the provider behind it.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFrameTooLarge is returned by SendFrame when the provider rejects an
	// audio frame because of its size.
	ErrFrameTooLarge = errors.New("recognition: audio frame too large")

	// ErrAlreadyClosed is returned when the input side was already ended or
	// the channel was released.
	ErrAlreadyClosed = errors.New("recognition: channel already closed")

	// ErrInvalidOptions is returned by Open for options the provider can
	// never accept. It does not indicate a provider outage.
	ErrInvalidOptions = errors.New("recognition: invalid channel options")
)

// Options configure a new recognition channel.
type Options struct {
	LanguageCode string
	SampleRateHz int
	// Encoding of the audio frames, "pcm" for 16-bit little-endian mono.
	Encoding string
	// PartialResults enables provisional results while an utterance is in progress.
	PartialResults bool
	// StabilityLevel is the partial stabilization level (low, medium, high).
	// Empty disables stabilization.
	StabilityLevel string
}

// Validate checks the options every provider needs.
func (o Options) Validate() error {
	switch {
	case o.LanguageCode == "":
		return fmt.Errorf("%w: language code is required", ErrInvalidOptions)
	case o.SampleRateHz < 8000 || o.SampleRateHz > 48000:
		return fmt.Errorf("%w: sample rate %d outside 8000-48000 Hz", ErrInvalidOptions, o.SampleRateHz)
	}
	switch o.StabilityLevel {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("%w: unknown stability level %q", ErrInvalidOptions, o.StabilityLevel)
	}
	return nil
}

// Item is a single recognised token.
type Item struct {
	Content    string
	Confidence *float64
	StartTime  float64
	EndTime    float64
}

// Alternative is one transcript hypothesis for a result. Alternatives are
// ordered best first.
type Alternative struct {
	Transcript string
	Items      []Item
}

// Result is one recognised segment of audio.
type Result struct {
	ResultID     string
	IsPartial    bool
	StartTime    *float64
	EndTime      *float64
	Alternatives []Alternative
}

// Event is a single message from the output side of a channel. It carries
// zero or more results.
type Event struct {
	Results []Result
}

// Channel is a bidirectional stream to a speech-recognition provider.
//
// SendFrame and EndInput may be called from a different goroutine than the
// one reading Events. Events is closed when the provider ends the output
// side; Err then reports why, or nil for a clean end.
type Channel interface {
	SendFrame(ctx context.Context, frame []byte) error
	EndInput(ctx context.Context) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Opener opens recognition channels for one provider.
type Opener interface {
	Open(ctx context.Context, opts Options) (Channel, error)
	Name() string
}

// IsFrameTooLarge reports whether err means the provider refused a frame
// because of its size. Providers that do not return ErrFrameTooLarge are
// matched on their error text.
func IsFrameTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFrameTooLarge) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"too big", "too large", "frame size", "exceeds the maximum"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// PtrFloat returns a pointer to v.
func PtrFloat(v float64) *float64 {
	return &v
}
