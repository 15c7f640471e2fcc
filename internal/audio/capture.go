package audio

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/logger"
)

// ErrDeviceBusy is returned by Acquire while another stream holds the device.
var ErrDeviceBusy = errors.New("microphone already in use")

// Constraints are the capture settings requested from a device.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints is what a voice session asks for: 24 kHz mono with
// echo cancellation and noise suppression.
func DefaultConstraints() Constraints {
	return Constraints{SampleRate: SampleRate, Channels: 1, EchoCancellation: true, NoiseSuppression: true}
}

// Microphone hands out exclusive input streams.
type Microphone interface {
	Acquire(ctx context.Context, c Constraints) (InputStream, error)
}

// InputStream is an acquired microphone. Samples yields mono float blocks of
// arbitrary size; the channel is closed when the device goes away. Stop
// releases the device and must be safe to call more than once.
type InputStream interface {
	Samples() <-chan []float32
	Stop() error
}

// FrameSink receives encoded capture frames.
type FrameSink interface {
	// Open reports whether frames can be delivered right now.
	Open() bool
	AppendAudio(frame string) error
}

// Capture re-blocks microphone input into fixed frames, encodes them and hands
// them to a FrameSink. It does not own the stream; releasing the device is the
// caller's job.
type Capture struct {
	stream    InputStream
	sink      FrameSink
	log       *zap.SugaredLogger
	frameSize int

	mu      sync.Mutex
	acc     []float32
	started bool
	stopped bool
	quit    chan struct{}
}

// NewCapture wires stream to sink with FrameSize-sample frames.
func NewCapture(stream InputStream, sink FrameSink, log *zap.SugaredLogger) *Capture {
	return &Capture{
		stream:    stream,
		sink:      sink,
		log:       logger.OrNop(log),
		frameSize: FrameSize,
		acc:       make([]float32, 0, FrameSize*2),
		quit:      make(chan struct{}),
	}
}

// Start begins pumping the stream. Calling it again is a no-op.
func (c *Capture) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

func (c *Capture) run() {
	samples := c.stream.Samples()
	for {
		select {
		case <-c.quit:
			return
		case block, ok := <-samples:
			if !ok {
				return
			}
			c.process(block)
		}
	}
}

// process appends block to the accumulator and emits every complete frame.
// Frames that arrive while the sink is closed are dropped.
func (c *Capture) process(block []float32) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.acc = append(c.acc, block...)
	var frames [][]float32
	for len(c.acc) >= c.frameSize {
		frame := make([]float32, c.frameSize)
		copy(frame, c.acc[:c.frameSize])
		frames = append(frames, frame)
		c.acc = append(c.acc[:0], c.acc[c.frameSize:]...)
	}
	c.mu.Unlock()

	for _, f := range frames {
		if !c.sink.Open() {
			continue
		}
		if err := c.sink.AppendAudio(EncodeFrame(f)); err != nil {
			c.log.Warnf("append audio frame: %v", err)
		}
	}
}

// Stop disconnects the processing path. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.acc = c.acc[:0]
	close(c.quit)
}
