package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// FrameTier is a maximum frame size and the pause inserted between frames
// sent at that size.
type FrameTier struct {
	Size  int
	Pause time.Duration
}

// DefaultFrameTiers sends up to 32 KiB per frame and falls back once to
// 8 KiB frames when the provider rejects a frame as too large.
var DefaultFrameTiers = []FrameTier{
	{Size: 32 * 1024, Pause: time.Millisecond},
	{Size: 8 * 1024, Pause: 2 * time.Millisecond},
}

// SendStats describes one Send call.
type SendStats struct {
	Frames  int
	Bytes   int
	Retries int
	// Tier is the index of the tier used for the last accepted frame.
	Tier int
}

// ChunkSender forwards audio payloads to a recognition channel without ever
// exceeding the current tier's frame size. Frames are sent in order, so the
// provider receives the payload byte for byte.
type ChunkSender struct {
	tiers  []FrameTier
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewChunkSender validates tiers: at least one, positive sizes, each smaller
// than the one before.
func NewChunkSender(tiers []FrameTier, logger zerolog.Logger) (*ChunkSender, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one frame tier is required")
	}
	for i, t := range tiers {
		if t.Size <= 0 {
			return nil, fmt.Errorf("frame tier %d: size must be positive", i)
		}
		if t.Pause < 0 {
			return nil, fmt.Errorf("frame tier %d: pause must not be negative", i)
		}
		if i > 0 && t.Size >= tiers[i-1].Size {
			return nil, fmt.Errorf("frame tier %d: size %d must be smaller than %d", i, t.Size, tiers[i-1].Size)
		}
	}

	return &ChunkSender{
		tiers:  append([]FrameTier(nil), tiers...),
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

// Tiers returns the configured tiers.
func (s *ChunkSender) Tiers() []FrameTier {
	return append([]FrameTier(nil), s.tiers...)
}

// Send forwards payload. When a frame is rejected as too large the sender
// moves to the next tier and resumes at the rejected frame; bytes already
// accepted are not resent. Any other error is returned immediately.
func (s *ChunkSender) Send(ctx context.Context, ch recognition.Channel, payload []byte) (SendStats, error) {
	var stats SendStats
	offset := 0

	for tier := 0; ; tier++ {
		sent, frames, err := s.sendFrames(ctx, ch, payload[offset:], s.tiers[tier])
		offset += sent
		stats.Frames += frames
		stats.Bytes = offset
		stats.Tier = tier
		if err == nil {
			return stats, nil
		}

		if !recognition.IsFrameTooLarge(err) || tier+1 >= len(s.tiers) {
			return stats, err
		}

		stats.Retries++
		s.logger.Warn().
			Err(err).
			Int("rejected_frame_size", s.tiers[tier].Size).
			Int("retry_frame_size", s.tiers[tier+1].Size).
			Int("offset", offset).
			Msg("Frame rejected as too large, retrying with smaller frames")
	}
}

func (s *ChunkSender) sendFrames(ctx context.Context, ch recognition.Channel, data []byte, tier FrameTier) (int, int, error) {
	frames := 0
	for off := 0; off < len(data); off += tier.Size {
		if off > 0 && tier.Pause > 0 {
			if err := s.sleep(ctx, tier.Pause); err != nil {
				return off, frames, err
			}
		}

		end := min(off+tier.Size, len(data))
		if err := ch.SendFrame(ctx, data[off:end]); err != nil {
			return off, frames, err
		}
		frames++
	}
	return len(data), frames, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
