package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/resilience"
	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/transcription"
)

var envKeys = []string{
	"RECOGNITION_PROVIDER", "DEEPGRAM_API_KEY", "AWS_REGION",
	"MAX_FRAME_BYTES", "FALLBACK_FRAME_BYTES", "FRAME_PAUSE_MS",
	"TRANSCRIBE_PARTIAL_STABILITY", "TRANSCRIBE_MEDIA_ENCODING",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "CLOSE_TIMEOUT_MS", "RESULT_QUEUE_SIZE",
	"PUBLIC_BASE_URL", "PORT", "CIRCUIT_BREAKER_MAX_FAILURES",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		os.Setenv(k, v)
		key := k
		t.Cleanup(func() { os.Unsetenv(key) })
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.RecognitionProvider != ProviderAWS {
		t.Errorf("Expected default provider 'aws', got '%s'", cfg.RecognitionProvider)
	}
	if cfg.AWSRegion != "ap-southeast-1" {
		t.Errorf("Expected default region 'ap-southeast-1', got '%s'", cfg.AWSRegion)
	}
	if cfg.DefaultLanguage != "vi-VN" || cfg.SampleRate != 16000 {
		t.Errorf("Unexpected session defaults %s/%d", cfg.DefaultLanguage, cfg.SampleRate)
	}
	if cfg.PartialStability != "medium" {
		t.Errorf("Expected default stability 'medium', got '%s'", cfg.PartialStability)
	}
	if cfg.KafkaEnabled || len(cfg.KafkaBrokers) != 0 {
		t.Errorf("Expected Kafka disabled by default, got %v %v", cfg.KafkaEnabled, cfg.KafkaBrokers)
	}
	if cfg.KafkaTopicFinal != "transcription.final" {
		t.Errorf("Expected default final topic, got '%s'", cfg.KafkaTopicFinal)
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected metrics enabled by default")
	}
}

func TestLoadFromEnv_Timings(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if got := cfg.Timings(); got != transcription.DefaultTimings() {
		t.Errorf("Expected default timings to match the session defaults, got %+v", got)
	}

	setEnv(t, map[string]string{"CLOSE_TIMEOUT_MS": "250", "RESULT_QUEUE_SIZE": "8"})
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	tm := cfg.Timings()
	if tm.CloseTimeout != 250*time.Millisecond || tm.QueueSize != 8 {
		t.Errorf("Expected overridden timings, got %+v", tm)
	}
}

func TestConfig_FrameTiers(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	tiers := cfg.FrameTiers()
	if len(tiers) != len(transcription.DefaultFrameTiers) {
		t.Fatalf("Expected %d tiers, got %d", len(transcription.DefaultFrameTiers), len(tiers))
	}
	for i, tier := range tiers {
		if tier != transcription.DefaultFrameTiers[i] {
			t.Errorf("tier %d: expected %+v, got %+v", i, transcription.DefaultFrameTiers[i], tier)
		}
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown provider",
			env:     map[string]string{"RECOGNITION_PROVIDER": "whisper"},
			wantErr: "RECOGNITION_PROVIDER",
		},
		{
			name:    "deepgram without key",
			env:     map[string]string{"RECOGNITION_PROVIDER": "deepgram"},
			wantErr: "DEEPGRAM_API_KEY",
		},
		{
			name:    "fallback not smaller",
			env:     map[string]string{"MAX_FRAME_BYTES": "8192", "FALLBACK_FRAME_BYTES": "8192"},
			wantErr: "FALLBACK_FRAME_BYTES",
		},
		{
			name:    "negative pause",
			env:     map[string]string{"FRAME_PAUSE_MS": "-1"},
			wantErr: "frame pauses",
		},
		{
			name:    "bad stability",
			env:     map[string]string{"TRANSCRIBE_PARTIAL_STABILITY": "extreme"},
			wantErr: "TRANSCRIBE_PARTIAL_STABILITY",
		},
		{
			name:    "bad encoding",
			env:     map[string]string{"TRANSCRIBE_MEDIA_ENCODING": "mp3"},
			wantErr: "TRANSCRIBE_MEDIA_ENCODING",
		},
		{
			name:    "kafka without brokers",
			env:     map[string]string{"KAFKA_ENABLED": "true"},
			wantErr: "KAFKA_BROKERS",
		},
		{
			name:    "zero queue",
			env:     map[string]string{"RESULT_QUEUE_SIZE": "0"},
			wantErr: "RESULT_QUEUE_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setEnv(t, tt.env)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromEnv_Providers(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{"RECOGNITION_PROVIDER": " Deepgram ", "DEEPGRAM_API_KEY": "dg-key"})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.RecognitionProvider != ProviderDeepgram {
		t.Errorf("Expected normalised provider 'deepgram', got '%s'", cfg.RecognitionProvider)
	}
	if cfg.CircuitBreaker().Name() != ProviderDeepgram {
		t.Errorf("Expected the breaker named after the provider, got '%s'", cfg.CircuitBreaker().Name())
	}
}

func TestConfig_CircuitBreaker(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{"RECOGNITION_PROVIDER": "mock", "CIRCUIT_BREAKER_MAX_FAILURES": "1"})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	cb := cfg.CircuitBreaker()
	ctx := context.Background()

	invalid := fmt.Errorf("open: %w", recognition.ErrInvalidOptions)
	_ = cb.Call(ctx, func(context.Context) error { return invalid })
	if cb.State() != resilience.StateClosed {
		t.Error("Invalid options must not trip the recognition breaker")
	}

	_ = cb.Call(ctx, func(context.Context) error { return errors.New("service unavailable") })
	if cb.State() != resilience.StateOpen {
		t.Errorf("Expected the breaker to open after one outage, got %s", cb.State())
	}
}

func TestConfig_Kafka(t *testing.T) {
	clearEnv(t)
	setEnv(t, map[string]string{"KAFKA_ENABLED": "true", "KAFKA_BROKERS": "k1:9092, ,k2:9092"})

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	kc := cfg.Kafka()
	if !kc.Enabled || len(kc.Brokers) != 2 || kc.Brokers[1] != "k2:9092" {
		t.Errorf("Unexpected Kafka config %+v", kc)
	}
	if kc.TopicPartial != "transcription.partial" {
		t.Errorf("Expected default partial topic, got '%s'", kc.TopicPartial)
	}
}

func TestConfig_StreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"", "ws://localhost:9000/api/transcription/stream"},
		{"https://gw.example.com/", "wss://gw.example.com/api/transcription/stream"},
		{"http://10.0.0.5:9000", "ws://10.0.0.5:9000/api/transcription/stream"},
	}

	for _, tt := range tests {
		cfg := &Config{Port: "9000", PublicBaseURL: tt.base}
		if got := cfg.StreamURL(); got != tt.want {
			t.Errorf("StreamURL(%q) = %s, want %s", tt.base, got, tt.want)
		}
	}
}

func TestConfig_RetryConfig(t *testing.T) {
	cfg := &Config{RetryMaxAttempts: 4, RetryInitialBackoff: 50}
	rc := cfg.RetryConfig()
	if rc.MaxAttempts != 4 || rc.Backoff.Initial != 50*time.Millisecond {
		t.Errorf("Unexpected retry config %+v", rc)
	}
}

func TestGetEnv(t *testing.T) {
	setEnv(t, map[string]string{"TRANSCRIPTION_TEST_VALUE": "set"})

	if got := GetEnv("TRANSCRIPTION_TEST_VALUE", "default"); got != "set" {
		t.Errorf("Expected 'set', got '%s'", got)
	}
	if got := GetEnv("TRANSCRIPTION_TEST_MISSING", "default"); got != "default" {
		t.Errorf("Expected 'default', got '%s'", got)
	}
}
