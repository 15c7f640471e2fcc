package audio

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrContextClosed is returned when scheduling on a closed Context.
	ErrContextClosed = errors.New("audio context closed")
	// ErrSourceEnded is returned when stopping a source that already finished or was stopped.
	ErrSourceEnded = errors.New("audio source already ended")
)

// Sink receives rendered PCM16LE mono audio and delivers it to a device at real-time pace.
type Sink interface {
	WritePCM(pcm []byte)
	// Reset drops any queued audio immediately (used for interruption).
	Reset()
}

// Source is a chunk scheduled on a Context.
type Source interface {
	Stop() error
}

type nopSink struct{}

func (nopSink) WritePCM([]byte) {}
func (nopSink) Reset()          {}

// Context is the audio clock of one session. It measures time in seconds from
// its creation and renders scheduled buffers into a Sink when their start time
// arrives. Create one per connection and Close it on teardown.
type Context struct {
	sampleRate int
	sink       Sink
	now        func() time.Time
	start      time.Time

	mu       sync.Mutex
	closed   bool
	closedAt float64
	sources  map[*bufferSource]struct{}
}

// NewContext opens an audio clock at sampleRate rendering into sink.
func NewContext(sampleRate int, sink Sink) *Context {
	return newContextWithClock(sampleRate, sink, time.Now)
}

func newContextWithClock(sampleRate int, sink Sink, now func() time.Time) *Context {
	if sink == nil {
		sink = nopSink{}
	}
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &Context{
		sampleRate: sampleRate,
		sink:       sink,
		now:        now,
		start:      now(),
		sources:    make(map[*bufferSource]struct{}),
	}
}

// SampleRate returns the rate the context was opened at.
func (c *Context) SampleRate() int { return c.sampleRate }

// CurrentTime returns seconds elapsed since the context was created. It stops
// advancing once the context is closed.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTimeLocked()
}

func (c *Context) currentTimeLocked() float64 {
	if c.closed {
		return c.closedAt
	}
	return c.now().Sub(c.start).Seconds()
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Start schedules buf to begin at clock time when (seconds). onEnded runs on
// its own goroutine once the buffer has played to the end; it never runs for a
// stopped source.
func (c *Context) Start(buf *Buffer, when float64, onEnded func()) (Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrContextClosed
	}
	delay := time.Duration((when - c.currentTimeLocked()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	src := &bufferSource{
		ctx:     c,
		pcm:     EncodePCM16(buf.Samples),
		length:  buf.DurationTime(),
		onEnded: onEnded,
	}
	c.sources[src] = struct{}{}
	src.mu.Lock()
	src.startTimer = time.AfterFunc(delay, src.begin)
	src.mu.Unlock()
	return src, nil
}

// Close stops every outstanding source and freezes the clock. Safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closedAt = c.currentTimeLocked()
	c.closed = true
	pending := make([]*bufferSource, 0, len(c.sources))
	for s := range c.sources {
		pending = append(pending, s)
	}
	c.mu.Unlock()

	for _, s := range pending {
		_ = s.Stop()
	}
	return nil
}

func (c *Context) forget(s *bufferSource) {
	c.mu.Lock()
	delete(c.sources, s)
	c.mu.Unlock()
}

type sourceState int

const (
	sourceScheduled sourceState = iota
	sourcePlaying
	sourceEnded
)

type bufferSource struct {
	ctx     *Context
	pcm     []byte
	length  time.Duration
	onEnded func()

	mu         sync.Mutex
	state      sourceState
	startTimer *time.Timer
	endTimer   *time.Timer
}

func (s *bufferSource) begin() {
	s.mu.Lock()
	if s.state != sourceScheduled {
		s.mu.Unlock()
		return
	}
	s.state = sourcePlaying
	s.ctx.sink.WritePCM(s.pcm)
	s.endTimer = time.AfterFunc(s.length, s.finish)
	s.mu.Unlock()
}

func (s *bufferSource) finish() {
	s.mu.Lock()
	if s.state != sourcePlaying {
		s.mu.Unlock()
		return
	}
	s.state = sourceEnded
	s.mu.Unlock()

	s.ctx.forget(s)
	if s.onEnded != nil {
		s.onEnded()
	}
}

// Stop halts the source. Audio already handed to the sink is dropped.
func (s *bufferSource) Stop() error {
	s.mu.Lock()
	switch s.state {
	case sourceEnded:
		s.mu.Unlock()
		return ErrSourceEnded
	case sourceScheduled:
		if s.startTimer != nil {
			s.startTimer.Stop()
		}
	case sourcePlaying:
		if s.endTimer != nil {
			s.endTimer.Stop()
		}
		s.ctx.sink.Reset()
	}
	s.state = sourceEnded
	s.mu.Unlock()

	s.ctx.forget(s)
	return nil
}
