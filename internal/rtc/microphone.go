package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hraban/opus"
	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/audio"
	"github.com/chadiek/voice-checkout/internal/logger"
)

var (
	// ErrTrackEnded is returned by Acquire once the remote audio track has gone away.
	ErrTrackEnded = errors.New("microphone track ended")
	// ErrUnsupportedConstraints is returned for capture settings the bridge cannot honor.
	ErrUnsupportedConstraints = errors.New("unsupported microphone constraints")
)

// 120ms at 24kHz, the longest Opus frame
const maxDecodedSamples = 2880

type frameDecoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

// TrackMicrophone exposes the browser's remote audio track as an exclusive
// microphone. One goroutine reads and decodes the track for the lifetime of the
// peer; decoded blocks go to whichever stream currently holds the device.
type TrackMicrophone struct {
	callID string
	log    *zap.SugaredLogger

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.Mutex
	held  *micStream
	ended bool
}

func NewTrackMicrophone(callID string, log *zap.SugaredLogger) *TrackMicrophone {
	return &TrackMicrophone{callID: callID, log: logger.OrNop(log), ready: make(chan struct{})}
}

// Attach starts consuming Opus payloads from read. Only the first call has effect.
func (m *TrackMicrophone) Attach(read func() ([]byte, error)) error {
	dec, err := opus.NewDecoder(audio.SampleRate, 1)
	if err != nil {
		return fmt.Errorf("opus decoder: %w", err)
	}
	m.attach(read, dec)
	return nil
}

func (m *TrackMicrophone) attach(read func() ([]byte, error), dec frameDecoder) {
	m.readyOnce.Do(func() {
		close(m.ready)
		go m.pump(read, dec)
	})
}

func (m *TrackMicrophone) pump(read func() ([]byte, error), dec frameDecoder) {
	pcm := make([]float32, maxDecodedSamples)
	for {
		payload, err := read()
		if err != nil {
			m.log.Infof("[%s] microphone track ended: %v", m.callID, err)
			m.end()
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.DecodeFloat32(payload, pcm)
		if err != nil {
			m.log.Debugf("[%s] opus decode: %v", m.callID, err)
			continue
		}
		block := make([]float32, n)
		copy(block, pcm[:n])
		m.deliver(block)
	}
}

func (m *TrackMicrophone) deliver(block []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return
	}
	select {
	case m.held.ch <- block:
	default:
		// consumer stalled; losing audio beats blocking the RTP reader
	}
}

func (m *TrackMicrophone) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	if m.held != nil {
		m.held.closeLocked()
		m.held = nil
	}
}

// Close releases any held stream and refuses further acquisitions.
func (m *TrackMicrophone) Close() { m.end() }

// Acquire waits for the remote track to arrive, then hands out the device.
func (m *TrackMicrophone) Acquire(ctx context.Context, c audio.Constraints) (audio.InputStream, error) {
	if c.SampleRate != audio.SampleRate || c.Channels != 1 {
		return nil, fmt.Errorf("%w: %d Hz, %d channels", ErrUnsupportedConstraints, c.SampleRate, c.Channels)
	}
	select {
	case <-m.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for microphone track: %w", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return nil, ErrTrackEnded
	}
	if m.held != nil {
		return nil, audio.ErrDeviceBusy
	}
	m.held = &micStream{mic: m, ch: make(chan []float32, 64)}
	m.log.Infof("[%s] microphone acquired (echo cancellation %t, noise suppression %t)", m.callID, c.EchoCancellation, c.NoiseSuppression)
	return m.held, nil
}

type micStream struct {
	mic    *TrackMicrophone
	ch     chan []float32
	closed bool
}

func (s *micStream) Samples() <-chan []float32 { return s.ch }

// Stop releases the device. Idempotent.
func (s *micStream) Stop() error {
	s.mic.mu.Lock()
	defer s.mic.mu.Unlock()
	if s.mic.held == s {
		s.mic.held = nil
	}
	s.closeLocked()
	return nil
}

func (s *micStream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
