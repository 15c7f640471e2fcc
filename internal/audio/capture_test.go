package audio

import (
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	ch      chan []float32
	stopped int32
}

func newFakeStream() *fakeStream { return &fakeStream{ch: make(chan []float32, 16)} }

func (f *fakeStream) Samples() <-chan []float32 { return f.ch }
func (f *fakeStream) Stop() error {
	atomic.AddInt32(&f.stopped, 1)
	return nil
}

type fakeFrameSink struct {
	mu     sync.Mutex
	open   bool
	frames []string
}

func (f *fakeFrameSink) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeFrameSink) AppendAudio(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeFrameSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestCapture_EmitsFixedFrames(t *testing.T) {
	sink := &fakeFrameSink{open: true}
	c := NewCapture(newFakeStream(), sink, nil)

	c.process(make([]float32, 3000))
	assert.Equal(t, 0, sink.count())
	c.process(make([]float32, 3000))
	require.Equal(t, 1, sink.count())
	c.process(make([]float32, 2192))
	require.Equal(t, 2, sink.count())

	raw, err := base64.StdEncoding.DecodeString(sink.frames[0])
	require.NoError(t, err)
	assert.Len(t, raw, FrameSize*2)
}

func TestCapture_DropsFramesWhileClosed(t *testing.T) {
	sink := &fakeFrameSink{open: false}
	c := NewCapture(newFakeStream(), sink, nil)

	c.process(make([]float32, FrameSize*2))
	assert.Equal(t, 0, sink.count())

	sink.mu.Lock()
	sink.open = true
	sink.mu.Unlock()
	c.process(make([]float32, FrameSize))
	assert.Equal(t, 1, sink.count())
}

func TestCapture_StartPumpsStreamAndStopIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	sink := &fakeFrameSink{open: true}
	c := NewCapture(stream, sink, nil)
	c.Start()
	c.Start()

	stream.ch <- make([]float32, FrameSize)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	c.process(make([]float32, FrameSize))
	assert.Equal(t, 1, sink.count())
	// releasing the device is not the capture's job
	assert.Zero(t, atomic.LoadInt32(&stream.stopped))
}
