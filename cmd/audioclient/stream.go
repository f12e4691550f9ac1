package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/api"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/audio"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
)

type streamOptions struct {
	URL            string
	File           string
	Language       string
	SampleRate     int
	ChunkDuration  time.Duration
	Realtime       bool
	Mulaw          bool
	PartialResults bool
	TrimSilence    bool
	Reconnect      *resilience.RetryConfig
}

type serverMessage struct {
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id"`
	Status       string         `json:"status"`
	Message      string         `json:"message"`
	ErrorMessage *string        `json:"error_message"`
	Result       *resultPayload `json:"result"`
}

type resultPayload struct {
	Transcript string   `json:"transcript"`
	Confidence *float64 `json:"confidence"`
	IsPartial  bool     `json:"is_partial"`
}

// runStream plays one WAV file through a transcription session and prints
// every result to out.
func runStream(ctx context.Context, opts streamOptions, out io.Writer, logger zerolog.Logger) error {
	payload, err := loadAudio(opts)
	if err != nil {
		return err
	}

	var conn *websocket.Conn
	err = resilience.Reconnect(ctx, func(ctx context.Context) error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, opts.Reconnect, logger)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", opts.URL, err)
	}
	defer conn.Close()

	encoding := "pcm"
	if opts.Mulaw {
		encoding = "mulaw"
	}
	partial := opts.PartialResults
	if err := conn.WriteJSON(api.SessionConfig{
		LanguageCode:         opts.Language,
		SampleRate:           opts.SampleRate,
		EnablePartialResults: &partial,
		AudioEncoding:        encoding,
	}); err != nil {
		return fmt.Errorf("sending session config: %w", err)
	}

	var started serverMessage
	if err := conn.ReadJSON(&started); err != nil {
		return fmt.Errorf("waiting for session_started: %w", err)
	}
	if started.Type != "session_started" {
		return fmt.Errorf("session not started: %s", started.Message)
	}
	logger.Info().Str("session_id", started.SessionID).Int("bytes", len(payload)).Msg("Session started")

	readDone := make(chan error, 1)
	go func() { readDone <- printResults(conn, out) }()

	chunk := chunkBytes(opts.SampleRate, opts.ChunkDuration, opts.Mulaw)
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		msg := map[string]string{
			"type":       "audio_chunk",
			"audio_data": base64.StdEncoding.EncodeToString(payload[off:end]),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("sending audio: %w", err)
		}

		if opts.Realtime {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-readDone:
				return err
			case <-time.After(opts.ChunkDuration):
			}
		}
	}

	if err := conn.WriteJSON(map[string]string{"type": "end_session"}); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}

	select {
	case err := <-readDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// printResults prints results until session_ended or the connection closes.
func printResults(conn *websocket.Conn, out io.Writer) error {
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading results: %w", err)
		}

		switch msg.Type {
		case "transcription_result":
			if msg.Status == "error" && msg.ErrorMessage != nil {
				return errors.New(*msg.ErrorMessage)
			}
			if msg.Result == nil {
				continue
			}
			if msg.Result.IsPartial {
				fmt.Fprintf(out, "… %s\n", msg.Result.Transcript)
			} else if msg.Result.Confidence != nil {
				fmt.Fprintf(out, "✓ %s (%.2f)\n", msg.Result.Transcript, *msg.Result.Confidence)
			} else {
				fmt.Fprintf(out, "✓ %s\n", msg.Result.Transcript)
			}
		case "error":
			fmt.Fprintf(out, "! %s\n", msg.Message)
		case "session_ended":
			return nil
		}
	}
}

func loadAudio(opts streamOptions) ([]byte, error) {
	f, err := os.Open(opts.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wav, err := audio.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", opts.File, err)
	}
	pcm, err := wav.MonoPCM16(opts.SampleRate)
	if err != nil {
		return nil, err
	}
	if opts.TrimSilence {
		if pcm, err = audio.TrimSilence(pcm, opts.SampleRate, audio.DefaultVADConfig()); err != nil {
			return nil, err
		}
		if len(pcm) == 0 {
			return nil, fmt.Errorf("%s contains no speech", opts.File)
		}
	}
	if opts.Mulaw {
		return audio.EncodeMulaw(pcm)
	}
	return pcm, nil
}

// chunkBytes is the number of bytes holding d of audio.
func chunkBytes(sampleRate int, d time.Duration, mulaw bool) int {
	bytesPerSample := 2
	if mulaw {
		bytesPerSample = 1
	}
	n := int(int64(sampleRate) * d.Milliseconds() / 1000 * int64(bytesPerSample))
	if n < bytesPerSample {
		return bytesPerSample
	}
	return n - n%bytesPerSample
}

func writeTone(w io.Writer, freq float64, d time.Duration, sampleRate int) error {
	n := int(d.Seconds() * float64(sampleRate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return audio.WriteWAV(w, audio.Bytes(samples), sampleRate)
}
