// Package realtime runs a duplex voice session against a speech-to-speech endpoint.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/audio"
	"github.com/chadiek/voice-checkout/internal/catalog"
	"github.com/chadiek/voice-checkout/internal/config"
	"github.com/chadiek/voice-checkout/internal/intent"
	"github.com/chadiek/voice-checkout/internal/logger"
)

// Status lines shown to the user.
const (
	StatusConnecting   = "Connecting to voice assistant..."
	StatusConnected    = "Connected! You can start speaking."
	StatusDisconnected = "Disconnected"
	StatusConnError    = "Connection error"
)

// Placeholder texts for the user's side while they talk.
const (
	UserSpeakingText   = "Speaking..."
	UserProcessingText = "Processing..."
)

var (
	// ErrNoMicrophone is returned by Connect when the manager has no input device.
	ErrNoMicrophone = errors.New("no microphone configured")
	// ErrAborted is returned by Connect when Disconnect or a newer Connect won the race.
	ErrAborted = errors.New("connect aborted")
	// ErrNotOpen is returned when sending on a session whose transport is not open.
	ErrNotOpen = errors.New("realtime session not open")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is what observers see after every change.
type Snapshot struct {
	SessionID     string `json:"session_id,omitempty"`
	State         string `json:"state"`
	Status        string `json:"status"`
	Connected     bool   `json:"connected"`
	Connecting    bool   `json:"connecting"`
	UserSpeaking  bool   `json:"user_speaking"`
	Processing    bool   `json:"processing"`
	UserText      string `json:"user_text,omitempty"`
	AssistantText string `json:"assistant_text,omitempty"`
	Turns         []Turn `json:"turns"`
}

// Options wire a Manager to its devices and collaborators.
type Options struct {
	Config     config.Realtime
	Dialer     Dialer
	Microphone audio.Microphone
	// Speaker receives rendered assistant audio. Nil discards it.
	Speaker      audio.Sink
	Listener     intent.Listener
	Instructions string
	Logger       *zap.SugaredLogger
}

// Manager owns at most one live session at a time. Every Connect starts a
// fresh session and tears down the previous one first.
type Manager struct {
	cfg          config.Realtime
	dialer       Dialer
	mic          audio.Microphone
	speaker      audio.Sink
	extractor    *intent.Extractor
	instructions string
	log          *zap.SugaredLogger

	connectMu sync.Mutex
	notifyMu  sync.Mutex

	mu        sync.Mutex
	state     State
	status    string
	tracker   Tracker
	sess      *session
	observers map[int]func(Snapshot)
	nextObs   int
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		cfg:          opts.Config,
		dialer:       opts.Dialer,
		mic:          opts.Microphone,
		speaker:      opts.Speaker,
		instructions: opts.Instructions,
		log:          logger.OrNop(opts.Logger),
		observers:    make(map[int]func(Snapshot)),
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	if m.instructions == "" {
		m.instructions = catalog.VoiceInstructions()
	}
	m.extractor = intent.NewExtractor(opts.Listener, m.log)
	return m
}

// session is the per-connection resource bundle. Resources are attached as
// Connect makes progress; teardown releases whatever is attached so far.
type session struct {
	id   string
	m    *Manager
	open atomic.Bool

	mu      sync.Mutex
	conn    Conn
	stream  audio.InputStream
	clock   *audio.Context
	player  *audio.Scheduler
	capture *audio.Capture
}

// Open reports whether capture frames may be sent.
func (s *session) Open() bool { return s.open.Load() }

// AppendAudio sends one encoded capture frame.
func (s *session) AppendAudio(frame string) error {
	if !s.open.Load() {
		return ErrNotOpen
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	return conn.WriteJSON(InputAudioAppendEvent{Type: EventInputAudioAppend, Audio: frame})
}

// teardown closes the transport, stops capture, releases the microphone,
// closes the audio clock and interrupts playback. Safe to call repeatedly.
func (s *session) teardown() {
	s.open.Store(false)
	s.mu.Lock()
	conn, capture, stream, clock, player := s.conn, s.capture, s.stream, s.clock, s.player
	s.conn, s.capture, s.stream, s.clock = nil, nil, nil, nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if capture != nil {
		capture.Stop()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			s.m.log.Warnf("[%s] release microphone: %v", s.id, err)
		}
	}
	if clock != nil {
		_ = clock.Close()
	}
	if player != nil {
		player.StopAll()
	}
	if conn != nil || stream != nil {
		s.m.log.Infof("[%s] realtime session released", s.id)
	}
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess == s
}

// Connect opens a new session. It blocks until the transport is open and the
// session is configured, or until setup fails. Failures are also reported
// through the status line.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	s := &session{id: uuid.NewString(), m: m}

	m.mu.Lock()
	prev := m.sess
	m.sess = s
	m.tracker.Reset()
	m.state = StateConnecting
	m.status = StatusConnecting
	m.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}
	m.notify()

	if err := m.cfg.Validate(); err != nil {
		return m.failSetup(s, err)
	}
	wsURL, err := BuildURL(m.cfg.Endpoint, m.cfg.Deployment, m.cfg.APIKey)
	if err != nil {
		return m.failSetup(s, err)
	}
	if m.mic == nil {
		return m.failSetup(s, ErrNoMicrophone)
	}

	stream, err := m.mic.Acquire(ctx, audio.DefaultConstraints())
	if err != nil {
		return m.failSetup(s, fmt.Errorf("acquire microphone: %w", err))
	}
	clock := audio.NewContext(audio.SampleRate, m.speaker)
	player := audio.NewScheduler(clock, m.log)
	s.mu.Lock()
	s.stream, s.clock, s.player = stream, clock, player
	s.mu.Unlock()
	if !m.isCurrent(s) {
		s.teardown()
		return ErrAborted
	}

	m.log.Infof("[%s] dialing realtime endpoint (deployment %s)", s.id, m.cfg.Deployment)
	conn, err := m.dialer.DialContext(ctx, wsURL)
	if err != nil {
		return m.failSetup(s, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if !m.isCurrent(s) {
		s.teardown()
		return ErrAborted
	}

	update := NewSessionUpdate(m.instructions, m.cfg.Voice, m.cfg.TranscriptionModel)
	if err := conn.WriteJSON(update); err != nil {
		return m.failSetup(s, fmt.Errorf("send session configuration: %w", err))
	}

	capture := audio.NewCapture(stream, s, m.log)
	s.mu.Lock()
	s.capture = capture
	s.mu.Unlock()

	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		s.teardown()
		return ErrAborted
	}
	m.state = StateOpen
	m.status = StatusConnected
	m.mu.Unlock()

	player.Reset()
	s.open.Store(true)
	capture.Start()
	go m.readLoop(s, conn, player)

	m.log.Infof("[%s] realtime session open", s.id)
	m.notify()
	return nil
}

// failSetup aborts a connect attempt, leaving nothing allocated.
func (m *Manager) failSetup(s *session, err error) error {
	m.log.Errorf("[%s] realtime connect failed: %v", s.id, err)
	m.mu.Lock()
	current := m.sess == s
	if current {
		m.sess = nil
		m.state = StateClosed
		m.status = "Connection error: " + err.Error()
	}
	m.mu.Unlock()
	s.teardown()
	if current {
		m.notify()
	}
	return err
}

// Disconnect closes the current session, if any. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	m.state = StateClosed
	m.status = StatusDisconnected
	m.tracker.userSpeaking = false
	m.tracker.processing = false
	m.mu.Unlock()

	s.teardown()
	m.notify()
}

// closeSession is the transport-failure path. It only changes state when s is
// still the current session.
func (m *Manager) closeSession(s *session, status string) {
	m.mu.Lock()
	current := m.sess == s
	if current {
		m.sess = nil
		m.state = StateClosed
		m.status = status
	}
	m.mu.Unlock()
	s.teardown()
	if current {
		m.notify()
	}
}

func (m *Manager) readLoop(s *session, conn Conn, player *audio.Scheduler) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if IsNormalClose(err) {
				m.log.Infof("[%s] realtime connection closed", s.id)
				m.closeSession(s, StatusDisconnected)
			} else {
				m.log.Warnf("[%s] realtime read: %v", s.id, err)
				m.closeSession(s, StatusConnError)
			}
			return
		}
		m.handle(s, player, data)
	}
}

func (m *Manager) handle(s *session, player *audio.Scheduler, data []byte) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		m.log.Warnf("[%s] unparseable realtime event: %v", s.id, err)
		return
	}

	switch ev.Type {
	case EventSessionCreated, EventSessionUpdated:
		m.log.Debugf("[%s] %s", s.id, ev.Type)

	case EventSpeechStarted:
		player.StopAll()
		m.update(s, func(t *Tracker) { t.SpeechStarted() })

	case EventSpeechStopped:
		m.update(s, func(t *Tracker) { t.SpeechStopped() })

	case EventInputTranscriptionCompleted:
		m.update(s, func(t *Tracker) { t.UserTranscript(ev.Transcript) })

	case EventResponseCreated:
		m.update(s, func(t *Tracker) { t.ResponseCreated(ev.responseID()) })

	case EventTranscriptDelta:
		m.update(s, func(t *Tracker) {
			if !t.Delta(ev.ResponseID, ev.Delta) {
				m.log.Debugf("[%s] dropped delta for stale response %s", s.id, ev.ResponseID)
			}
		})

	case EventAudioDelta:
		buf, err := audio.DecodeBase64(ev.Delta)
		if err != nil {
			m.log.Warnf("[%s] drop audio delta: %v", s.id, err)
			return
		}
		player.Enqueue(buf)

	case EventAudioDone:
		m.log.Debugf("[%s] assistant audio complete", s.id)

	case EventResponseDone:
		var (
			turn      Turn
			committed bool
		)
		current := m.update(s, func(t *Tracker) { turn, committed = t.ResponseDone(ev.responseID()) })
		if current && committed {
			m.log.Infof("[%s] assistant: %s", s.id, turn.Text)
			m.extractor.Process(turn.Text)
		}

	case EventError:
		msg := ev.errorMessage()
		m.log.Warnf("[%s] realtime error event: %s", s.id, msg)
		m.mu.Lock()
		current := m.sess == s
		if current {
			m.status = "Error: " + msg
		}
		m.mu.Unlock()
		if current {
			m.notify()
		}

	default:
		m.log.Debugf("[%s] ignored event %s", s.id, ev.Type)
	}
}

// update applies fn to the tracker if s is still current and notifies observers.
func (m *Manager) update(s *session, fn func(t *Tracker)) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	fn(&m.tracker)
	m.mu.Unlock()
	m.notify()
	return true
}

// Subscribe registers fn for snapshots. Observers run outside the manager's
// state lock but must not call Connect or Disconnect synchronously.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	snap := m.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         m.state.String(),
		Status:        m.status,
		Connected:     m.state == StateOpen,
		Connecting:    m.state == StateConnecting,
		UserSpeaking:  m.tracker.UserSpeaking(),
		Processing:    m.tracker.Processing(),
		AssistantText: m.tracker.InFlight(),
		Turns:         m.tracker.Turns(),
	}
	if m.sess != nil {
		snap.SessionID = m.sess.id
	}
	switch {
	case snap.UserSpeaking:
		snap.UserText = UserSpeakingText
	case snap.Processing:
		snap.UserText = UserProcessingText
	}
	return snap
}

// Turns returns a copy of the conversation log.
func (m *Manager) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Turns()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
