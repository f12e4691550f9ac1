package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/api"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/audio"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition/mock"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

func TestChunkBytes(t *testing.T) {
	tests := []struct {
		rate  int
		d     time.Duration
		mulaw bool
		want  int
	}{
		{16000, 100 * time.Millisecond, false, 3200},
		{8000, 20 * time.Millisecond, true, 160},
		{8000, 20 * time.Millisecond, false, 320},
		{16000, 0, false, 2},
	}

	for _, tt := range tests {
		if got := chunkBytes(tt.rate, tt.d, tt.mulaw); got != tt.want {
			t.Errorf("chunkBytes(%d, %v, %v) = %d, want %d", tt.rate, tt.d, tt.mulaw, got, tt.want)
		}
	}
}

func TestWriteTone(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTone(&buf, 440, 500*time.Millisecond, 8000); err != nil {
		t.Fatalf("writeTone: %v", err)
	}

	w, err := audio.ReadWAV(&buf)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if w.SampleRate != 8000 || len(w.Data) != 8000 {
		t.Errorf("Expected 4000 samples at 8 kHz, got %d bytes at %d", len(w.Data), w.SampleRate)
	}
}

func TestRunStream(t *testing.T) {
	m, err := transcription.NewManager(mock.NewOpener(),
		transcription.WithLogger(zerolog.Nop()),
		transcription.WithTimings(transcription.Timings{
			QueueWait:       10 * time.Millisecond,
			ShutdownGrace:   5 * time.Millisecond,
			CancelTimeout:   100 * time.Millisecond,
			PreCloseDelay:   5 * time.Millisecond,
			CloseTimeout:    100 * time.Millisecond,
			FinalResultWait: 300 * time.Millisecond,
			CleanupSettle:   5 * time.Millisecond,
			CleanupTimeout:  time.Second,
			QueueSize:       16,
		}),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Stream: api.NewStreamHandler(m, nil, api.WithStreamLogger(zerolog.Nop())),
		Logger: zerolog.Nop(),
	}))
	defer srv.Close()
	defer m.CleanupAll(context.Background())

	file := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(file)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := writeTone(f, 440, time.Second, 16000); err != nil {
		t.Fatalf("writeTone: %v", err)
	}
	f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runStream(ctx, streamOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/transcription/stream",
		File:           file,
		Language:       "vi-VN",
		SampleRate:     16000,
		ChunkDuration:  100 * time.Millisecond,
		PartialResults: true,
		Reconnect:      &resilience.RetryConfig{MaxAttempts: 2, Backoff: resilience.Backoff{Initial: time.Millisecond}},
	}, &out, zerolog.Nop())
	if err != nil {
		t.Fatalf("runStream: %v", err)
	}

	got := out.String()
	for _, utt := range mock.DefaultUtterances {
		if !strings.Contains(got, "✓ "+utt.Final) {
			t.Errorf("Expected final %q in output:\n%s", utt.Final, got)
		}
	}
	if !strings.Contains(got, "… Tôi muốn") {
		t.Errorf("Expected partial results in output:\n%s", got)
	}
}

func TestRunStream_MissingFile(t *testing.T) {
	err := runStream(context.Background(), streamOptions{File: filepath.Join(t.TempDir(), "missing.wav"), SampleRate: 16000}, &bytes.Buffer{}, zerolog.Nop())
	if err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestLoadAudio_TrimSilence(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, samples []int16) string {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer f.Close()
		if err := audio.WriteWAV(f, audio.Bytes(samples), 16000); err != nil {
			t.Fatalf("WriteWAV: %v", err)
		}
		return path
	}

	// 1s silence, 0.5s speech, 1s silence
	samples := make([]int16, 40000)
	for i := 16000; i < 24000; i++ {
		samples[i] = 6000
	}
	speech := write("speech.wav", samples)
	silence := write("silence.wav", make([]int16, 16000))

	pcm, err := loadAudio(streamOptions{File: speech, SampleRate: 16000, TrimSilence: true})
	if err != nil {
		t.Fatalf("loadAudio: %v", err)
	}
	// 0.5s speech plus 200ms hangover on each side
	if want := (8000 + 2*3200) * 2; len(pcm) != want {
		t.Errorf("Expected %d bytes after trimming, got %d", want, len(pcm))
	}

	if _, err := loadAudio(streamOptions{File: silence, SampleRate: 16000, TrimSilence: true}); err == nil {
		t.Error("Expected an error for audio without speech")
	}
}
