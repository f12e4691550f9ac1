package recognition

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsFrameTooLarge(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"sentinel", ErrFrameTooLarge, true},
		{"wrapped sentinel", fmt.Errorf("send: %w", ErrFrameTooLarge), true},
		{"too big", errors.New("audio chunk too big"), true},
		{"too large", errors.New("BadRequestException: Your request is too large"), true},
		{"frame size", errors.New("invalid Frame Size"), true},
		{"exceeds the maximum", errors.New("payload exceeds the maximum allowed"), true},
		{"unrelated", errors.New("connection reset by peer"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFrameTooLarge(tt.err); got != tt.expected {
				t.Errorf("IsFrameTooLarge(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{LanguageCode: "vi-VN", SampleRateHz: 16000, StabilityLevel: "medium"}, false},
		{"no stabilization", Options{LanguageCode: "en-US", SampleRateHz: 8000}, false},
		{"missing language", Options{SampleRateHz: 16000}, true},
		{"rate too low", Options{LanguageCode: "vi-VN", SampleRateHz: 4000}, true},
		{"rate too high", Options{LanguageCode: "vi-VN", SampleRateHz: 96000}, true},
		{"unknown stability", Options{LanguageCode: "vi-VN", SampleRateHz: 16000, StabilityLevel: "max"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("Expected ErrInvalidOptions, got %v", err)
			}
		})
	}
}
