package audio

import "time"

// VADConfig holds configuration for energy based voice activity detection.
type VADConfig struct {
	EnergyThreshold float64       // RMS energy above which a frame counts as speech
	FrameDuration   time.Duration // Length of one analysis frame
	HangoverFrames  int           // Silent frames kept around detected speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() VADConfig {
	return VADConfig{
		EnergyThreshold: 500.0,
		FrameDuration:   20 * time.Millisecond,
		HangoverFrames:  10, // 200ms
	}
}

// VADDetector tracks speech state across consecutive frames.
type VADDetector struct {
	config         VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config VADConfig) *VADDetector {
	return &VADDetector{config: config}
}

// ProcessFrame processes a frame of samples.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	var speechStarted, speechEnded bool

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.HangoverFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// TrimSilence drops leading and trailing silence from PCM16 audio, keeping
// HangoverFrames of padding on each side of the detected speech. Audio with
// no speech at all trims to nil.
func TrimSilence(pcm []byte, sampleRate int, config VADConfig) ([]byte, error) {
	samples, err := Samples(pcm)
	if err != nil {
		return nil, err
	}

	frame := int(int64(sampleRate) * config.FrameDuration.Milliseconds() / 1000)
	if frame <= 0 || len(samples) == 0 {
		return pcm, nil
	}

	first, last := -1, -1
	for start := 0; start < len(samples); start += frame {
		end := min(start+frame, len(samples))
		if CalculateRMS(samples[start:end]) > config.EnergyThreshold {
			if first < 0 {
				first = start
			}
			last = end
		}
	}
	if first < 0 {
		return nil, nil
	}

	pad := config.HangoverFrames * frame
	first = max(first-pad, 0)
	last = min(last+pad, len(samples))
	return pcm[first*2 : last*2], nil
}
