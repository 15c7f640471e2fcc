package audio

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/logger"
)

// Player is the clock and renderer a Scheduler plays through. *Context implements it.
type Player interface {
	CurrentTime() float64
	Start(buf *Buffer, when float64, onEnded func()) (Source, error)
}

type voice struct {
	src Source
}

// Scheduler plays decoded chunks back to back in arrival order. Each chunk
// starts at max(now, cursor) and advances the cursor by its duration, so
// chunks never overlap and leave no gap while the queue stays fed.
type Scheduler struct {
	player Player
	log    *zap.SugaredLogger

	mu        sync.Mutex
	queue     []*Buffer
	active    map[*voice]struct{}
	playing   bool
	nextStart float64
}

// NewScheduler builds a scheduler on top of p.
func NewScheduler(p Player, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		player: p,
		log:    logger.OrNop(log),
		active: make(map[*voice]struct{}),
	}
}

// Enqueue appends buf to the queue and starts playback if idle.
func (s *Scheduler) Enqueue(buf *Buffer) {
	if buf == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, buf)
	if !s.playing {
		s.playNextLocked()
	}
}

func (s *Scheduler) playNextLocked() {
	for len(s.queue) > 0 {
		buf := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		start := math.Max(s.player.CurrentTime(), s.nextStart)
		v := &voice{}
		src, err := s.player.Start(buf, start, func() { s.ended(v) })
		if err != nil {
			s.log.Warnf("schedule audio chunk: %v", err)
			continue
		}
		v.src = src
		s.active[v] = struct{}{}
		s.nextStart = start + buf.Duration()
		s.playing = true
		return
	}
	s.queue = nil
	s.playing = false
}

func (s *Scheduler) ended(v *voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[v]; !ok {
		// stopped by StopAll
		return
	}
	delete(s.active, v)
	s.playNextLocked()
}

// StopAll interrupts playback: active chunks are stopped, the queue is
// dropped and the cursor moves to the current clock time. Safe to call at any time.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	voices := make([]*voice, 0, len(s.active))
	for v := range s.active {
		voices = append(voices, v)
	}
	s.active = make(map[*voice]struct{})
	s.queue = nil
	s.playing = false
	s.nextStart = s.player.CurrentTime()
	s.mu.Unlock()

	for _, v := range voices {
		// already finished is fine
		_ = v.src.Stop()
	}
}

// Reset moves the cursor to the current clock time.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.nextStart = s.player.CurrentTime()
	s.mu.Unlock()
}

// Pending returns the number of chunks waiting to be scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Active returns the number of scheduled chunks that have not ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Scheduler) NextStart() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
