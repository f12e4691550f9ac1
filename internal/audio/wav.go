package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned for input without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a valid WAV file")

const formatPCM = 1

// WAV is a decoded PCM WAV file.
type WAV struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	// Data holds the raw sample bytes of the data chunk.
	Data []byte
}

// Duration returns the playback length in seconds.
func (w *WAV) Duration() float64 {
	frameSize := w.Channels * w.BitsPerSample / 8
	if frameSize == 0 || w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Data)/frameSize) / float64(w.SampleRate)
}

// MonoPCM16 returns the audio as 16-bit mono PCM at the given rate.
func (w *WAV) MonoPCM16(sampleRate int) ([]byte, error) {
	if w.BitsPerSample != 16 {
		return nil, fmt.Errorf("audio: %d-bit WAV not supported, need 16-bit", w.BitsPerSample)
	}

	samples, err := Samples(w.Data)
	if err != nil {
		return nil, err
	}
	samples = DownmixToMono(samples, w.Channels)
	return Bytes(resample(samples, w.SampleRate, sampleRate)), nil
}

// ReadWAV parses a PCM WAV stream, skipping chunks other than fmt and data.
func ReadWAV(r io.Reader) (*WAV, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var w WAV
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("audio: WAV data chunk not found: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("audio: fmt chunk too short (%d bytes)", size)
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, fmt.Errorf("audio: reading fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(buf[0:2]); format != formatPCM {
				return nil, fmt.Errorf("audio: only PCM WAV supported, got format %d", format)
			}
			w.Channels = int(binary.LittleEndian.Uint16(buf[2:4]))
			w.SampleRate = int(binary.LittleEndian.Uint32(buf[4:8]))
			w.BitsPerSample = int(binary.LittleEndian.Uint16(buf[14:16]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, errors.New("audio: WAV data chunk before fmt chunk")
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, fmt.Errorf("audio: reading data chunk: %w", err)
			}
			w.Data = data
			return &w, nil

		default:
			// Chunks are padded to an even size.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, fmt.Errorf("audio: skipping %q chunk: %w", id, err)
			}
		}
	}
}

// WriteWAV writes 16-bit mono PCM as a WAV stream.
func WriteWAV(dst io.Writer, pcm []byte, sampleRate int) error {
	const channels, bits = 1, 16

	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], formatPCM)
	binary.LittleEndian.PutUint16(hdr[22:24], channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*channels*bits/8))
	binary.LittleEndian.PutUint16(hdr[32:34], channels*bits/8)
	binary.LittleEndian.PutUint16(hdr[34:36], bits)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := dst.Write(hdr); err != nil {
		return err
	}
	_, err := dst.Write(pcm)
	return err
}
