package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// SampleRate is the wire and playback rate in both directions.
	SampleRate = 24000
	// FrameSize is the number of samples per capture frame.
	FrameSize = 4096
)

// ErrOddPCMLength is returned when a PCM16 payload does not hold whole samples.
var ErrOddPCMLength = errors.New("pcm16 payload has odd byte length")

// Buffer is a decoded single-channel chunk of audio.
type Buffer struct {
	SampleRate int
	Samples    []float32
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// DurationTime is Duration as a time.Duration.
func (b *Buffer) DurationTime() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// FloatToPCM16 clamps s to [-1, 1] and scales it to int16. Negative values are
// scaled by 32768 and non-negative ones by 32767, so -1 maps to -32768 and 1 to 32767.
func FloatToPCM16(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(float64(s) * 32768)
	}
	return int16(float64(s) * 32767)
}

// EncodePCM16 converts float samples to little-endian PCM16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// EncodeFrame is EncodePCM16 followed by standard base64, the append-audio payload.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodePCM16 turns little-endian PCM16 bytes into a Buffer at SampleRate.
func DecodePCM16(pcm []byte) (*Buffer, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(float64(v) / 32768.0)
	}
	return &Buffer{SampleRate: SampleRate, Samples: samples}, nil
}

// DecodeBase64 decodes an inbound audio delta.
func DecodeBase64(payload string) (*Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio delta: %w", err)
	}
	return DecodePCM16(pcm)
}
