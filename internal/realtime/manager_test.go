package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-checkout/internal/audio"
	"github.com/chadiek/voice-checkout/internal/config"
	"github.com/chadiek/voice-checkout/internal/intent"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 64), closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writes = append(c.writes, b)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.reads:
		return r.data, r.err
	case <-c.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) send(ev ServerEvent) {
	b, _ := json.Marshal(ev)
	c.reads <- readResult{data: b}
}

func (c *fakeConn) writtenTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, w := range c.writes {
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(w, &head)
		out = append(out, head.Type)
	}
	return out
}

func (c *fakeConn) firstWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[0]
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
	next  *fakeConn
}

func (d *fakeDialer) DialContext(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := d.next
	if c == nil {
		c = newFakeConn()
	}
	d.next = nil
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeMic struct {
	mu      sync.Mutex
	held    bool
	err     error
	streams []*fakeStream
	asked   audio.Constraints
}

type fakeStream struct {
	mic   *fakeMic
	ch    chan []float32
	stops int32
}

func (m *fakeMic) Acquire(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.held {
		return nil, audio.ErrDeviceBusy
	}
	m.held = true
	m.asked = c
	s := &fakeStream{mic: m, ch: make(chan []float32, 8)}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMic) isHeld() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (s *fakeStream) Samples() <-chan []float32 { return s.ch }

func (s *fakeStream) Stop() error {
	if atomic.AddInt32(&s.stops, 1) == 1 {
		s.mic.mu.Lock()
		s.mic.held = false
		s.mic.mu.Unlock()
	}
	return nil
}

type speaker struct {
	mu     sync.Mutex
	writes int
	resets int
}

func (s *speaker) WritePCM([]byte) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *speaker) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *speaker) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.resets
}

type recorder struct {
	mu      sync.Mutex
	adds    [][]int
	removes [][]int
}

func (r *recorder) listener() intent.Listener {
	return intent.Listener{
		OnAdd: func(n []int) {
			r.mu.Lock()
			r.adds = append(r.adds, n)
			r.mu.Unlock()
		},
		OnRemove: func(n []int) {
			r.mu.Lock()
			r.removes = append(r.removes, n)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([][]int, [][]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.adds...), append([][]int(nil), r.removes...)
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	mic     *fakeMic
	speaker *speaker
	rec     *recorder
}

func testConfig() config.Realtime {
	return config.Realtime{
		Endpoint:           "https://nexus.openai.azure.com",
		APIKey:             "secret",
		Deployment:         "gpt-realtime",
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, mic: &fakeMic{}, speaker: &speaker{}, rec: &recorder{}}
	h.m = NewManager(Options{
		Config:     testConfig(),
		Dialer:     h.dialer,
		Microphone: h.mic,
		Speaker:    h.speaker,
		Listener:   h.rec.listener(),
	})
	t.Cleanup(h.m.Disconnect)
	return h
}

var syncSeq int32

// flush waits until every event sent before it has been handled.
func flush(t *testing.T, m *Manager, c *fakeConn) {
	t.Helper()
	msg := fmt.Sprintf("sync-%d", atomic.AddInt32(&syncSeq, 1))
	c.send(ServerEvent{Type: EventError, Error: &ErrorPayload{Message: msg}})
	require.Eventually(t, func() bool { return m.Status() == "Error: "+msg }, 2*time.Second, time.Millisecond)
}

func TestManager_ConnectConfiguresSession(t *testing.T) {
	h := newHarness(t)
	var seen []Snapshot
	var mu sync.Mutex
	h.m.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateOpen, h.m.State())
	assert.Equal(t, StatusConnected, h.m.Status())
	assert.Equal(t, audio.DefaultConstraints(), h.mic.asked)
	assert.Equal(t, "wss://nexus.openai.azure.com/openai/v1/realtime?api-key=secret&model=gpt-realtime", h.dialer.urls[0])

	c := h.dialer.conn(0)
	var update SessionUpdateEvent
	require.NoError(t, json.Unmarshal(c.firstWrite(), &update))
	assert.Equal(t, NewSessionUpdate(h.m.instructions, "alloy", "whisper-1"), update)
	assert.Contains(t, update.Session.Instructions, "SERVICE 7")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.True(t, seen[0].Connecting)
	assert.Equal(t, StatusConnecting, seen[0].Status)
	last := seen[len(seen)-1]
	assert.True(t, last.Connected)
	assert.NotEmpty(t, last.SessionID)
}

func TestManager_StreamsCaptureFrames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))

	h.mic.streams[0].ch <- make([]float32, audio.FrameSize)
	c := h.dialer.conn(0)
	require.Eventually(t, func() bool {
		types := c.writtenTypes()
		return len(types) == 2 && types[1] == EventInputAudioAppend
	}, 2*time.Second, time.Millisecond)
}

func TestManager_EndToEndTurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.send(ServerEvent{Type: EventSessionCreated, Session: &SessionRef{ID: "sess_1"}})
	c.send(ServerEvent{Type: EventSessionUpdated})

	// an earlier response is still talking when the user barges in
	c.send(ServerEvent{Type: EventResponseCreated, Response: &ResponseRef{ID: "r0"}})
	c.send(ServerEvent{Type: EventTranscriptDelta, ResponseID: "r0", Delta: "Let me tell you about"})
	pcm := make([]byte, audio.SampleRate*2)
	c.send(ServerEvent{Type: EventAudioDelta, ResponseID: "r0", Delta: base64.StdEncoding.EncodeToString(pcm)})
	require.Eventually(t, func() bool {
		w, _ := h.speaker.counts()
		return w == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "Let me tell you about", h.m.Snapshot().AssistantText)

	c.send(ServerEvent{Type: EventSpeechStarted})
	flush(t, h.m, c)
	snap := h.m.Snapshot()
	assert.Empty(t, snap.AssistantText)
	assert.True(t, snap.UserSpeaking)
	assert.Equal(t, UserSpeakingText, snap.UserText)
	_, resets := h.speaker.counts()
	assert.Equal(t, 1, resets, "active playback must be stopped")

	c.send(ServerEvent{Type: EventSpeechStopped})
	flush(t, h.m, c)
	assert.Equal(t, UserProcessingText, h.m.Snapshot().UserText)

	c.send(ServerEvent{Type: EventInputTranscriptionCompleted, Transcript: "I need a website and an app"})
	c.send(ServerEvent{Type: EventResponseCreated, Response: &ResponseRef{ID: "r1"}})
	c.send(ServerEvent{Type: EventTranscriptDelta, ResponseID: "r1", Delta: "I recommend "})
	c.send(ServerEvent{Type: EventTranscriptDelta, ResponseID: "r1", Delta: "service 3 and "})
	c.send(ServerEvent{Type: EventTranscriptDelta, ResponseID: "r1", Delta: "service 4."})
	flush(t, h.m, c)
	assert.Equal(t, "I recommend service 3 and service 4.", h.m.Snapshot().AssistantText)

	c.send(ServerEvent{Type: EventResponseDone, Response: &ResponseRef{ID: "r1"}})
	c.send(ServerEvent{Type: EventResponseDone, Response: &ResponseRef{ID: "r1"}})
	flush(t, h.m, c)

	assert.Equal(t, []Turn{
		{Role: RoleUser, Text: "I need a website and an app"},
		{Role: RoleAssistant, Text: "I recommend service 3 and service 4."},
	}, h.m.Turns())
	adds, removes := h.rec.snapshot()
	assert.Equal(t, [][]int{{3, 4}}, adds)
	assert.Empty(t, removes)
	assert.Equal(t, StateOpen, h.m.State())
}

func TestManager_StaleResponseDoneIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.send(ServerEvent{Type: EventResponseCreated, Response: &ResponseRef{ID: "r2"}})
	c.send(ServerEvent{Type: EventTranscriptDelta, ResponseID: "r2", Delta: "Removing service 4"})
	c.send(ServerEvent{Type: EventResponseDone, Response: &ResponseRef{ID: "r1"}})
	flush(t, h.m, c)

	assert.Empty(t, h.m.Turns())
	adds, removes := h.rec.snapshot()
	assert.Empty(t, adds)
	assert.Empty(t, removes)
}

func TestManager_RemovalDirective(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.send(ServerEvent{Type: EventResponseCreated, Response: &ResponseRef{ID: "r1"}})
	c.send(ServerEvent{Type: EventTranscriptDelta, Delta: "Understood, service 2 is no longer needed."})
	c.send(ServerEvent{Type: EventResponseDone, Response: &ResponseRef{ID: "r1"}})
	flush(t, h.m, c)

	adds, removes := h.rec.snapshot()
	assert.Equal(t, [][]int{{2}}, adds)
	assert.Equal(t, [][]int{{2}}, removes)
}

func TestManager_ErrorEventKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.send(ServerEvent{Type: EventError, Error: &ErrorPayload{Message: "rate limited"}})
	require.Eventually(t, func() bool { return h.m.Status() == "Error: rate limited" }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateOpen, h.m.State())
	assert.False(t, c.isClosed())
}

func TestManager_GarbageFrameIsSkipped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.reads <- readResult{data: []byte("{not json")}
	c.send(ServerEvent{Type: EventAudioDelta, Delta: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
	flush(t, h.m, c)
	assert.Equal(t, StateOpen, h.m.State())
}

func TestManager_TransportFailureTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.reads <- readResult{err: errors.New("connection reset by peer")}
	require.Eventually(t, func() bool { return h.m.State() == StateClosed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StatusConnError, h.m.Status())
	assert.True(t, c.isClosed())
	assert.False(t, h.mic.isHeld())
	assert.False(t, h.m.Snapshot().Connected)
}

func TestManager_RemoteNormalCloseReportsDisconnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	c.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
	require.Eventually(t, func() bool { return h.m.State() == StateClosed }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StatusDisconnected, h.m.Status())
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	c := h.dialer.conn(0)

	h.m.Disconnect()
	h.m.Disconnect()
	assert.Equal(t, StateClosed, h.m.State())
	assert.Equal(t, StatusDisconnected, h.m.Status())
	assert.True(t, c.isClosed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.mic.streams[0].stops))
	assert.False(t, h.mic.isHeld())
}

func TestManager_ReconnectReleasesPreviousSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Connect(context.Background()))
	first := h.dialer.conn(0)
	first.send(ServerEvent{Type: EventInputTranscriptionCompleted, Transcript: "hello"})
	flush(t, h.m, first)
	require.Len(t, h.m.Turns(), 1)

	require.NoError(t, h.m.Connect(context.Background()))
	assert.True(t, first.isClosed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.mic.streams[0].stops))
	assert.Len(t, h.mic.streams, 2)
	assert.Empty(t, h.m.Turns())
	assert.Equal(t, StateOpen, h.m.State())

	// events from the old transport no longer count
	first.reads <- readResult{data: []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"ghost"}`)}
	flush(t, h.m, h.dialer.conn(1))
	assert.Empty(t, h.m.Turns())
}

func TestManager_MicrophoneBusyFailsSetup(t *testing.T) {
	h := newHarness(t)
	h.mic.held = true

	err := h.m.Connect(context.Background())
	require.ErrorIs(t, err, audio.ErrDeviceBusy)
	assert.Equal(t, StateClosed, h.m.State())
	assert.Contains(t, h.m.Status(), "Connection error: ")
	assert.Empty(t, h.dialer.urls)
}

func TestManager_DialFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("no route to host")

	err := h.m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosed, h.m.State())
	assert.Equal(t, "Connection error: no route to host", h.m.Status())
	assert.False(t, h.mic.isHeld())
}

func TestManager_ConfigureFailureReleasesEverything(t *testing.T) {
	h := newHarness(t)
	c := newFakeConn()
	c.writeErr = errors.New("broken pipe")
	h.dialer.next = c

	err := h.m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, c.isClosed())
	assert.False(t, h.mic.isHeld())
	assert.Equal(t, StateClosed, h.m.State())
}

func TestManager_MisconfiguredEndpoint(t *testing.T) {
	m := NewManager(Options{Config: config.Realtime{Deployment: "gpt-realtime"}, Microphone: &fakeMic{}})
	err := m.Connect(context.Background())
	require.ErrorIs(t, err, config.ErrMisconfigured)
	assert.Equal(t, StateClosed, m.State())
}

func TestManager_OverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotQuery := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/realtime" {
			http.NotFound(w, r)
			return
		}
		gotQuery <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var update SessionUpdateEvent
		if err := conn.ReadJSON(&update); err != nil || update.Type != EventSessionUpdate {
			return
		}
		for _, ev := range []ServerEvent{
			{Type: EventSessionCreated, Session: &SessionRef{ID: "sess_1"}},
			{Type: EventResponseCreated, Response: &ResponseRef{ID: "resp_1"}},
			{Type: EventTranscriptDelta, ResponseID: "resp_1", Delta: "Service 6 "},
			{Type: EventTranscriptDelta, ResponseID: "resp_1", Delta: "gives you 24/7 support."},
			{Type: EventResponseDone, Response: &ResponseRef{ID: "resp_1"}},
		} {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Endpoint = srv.URL
	rec := &recorder{}
	m := NewManager(Options{Config: cfg, Microphone: &fakeMic{}, Listener: rec.listener()})
	defer m.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, "api-key=secret&model=gpt-realtime", <-gotQuery)

	require.Eventually(t, func() bool { return len(m.Turns()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Turn{Role: RoleAssistant, Text: "Service 6 gives you 24/7 support."}, m.Turns()[0])
	adds, _ := rec.snapshot()
	assert.Equal(t, [][]int{{6}}, adds)

	m.Disconnect()
	assert.Equal(t, StatusDisconnected, m.Status())
}
