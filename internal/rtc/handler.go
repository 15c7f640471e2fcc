package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/audio"
	"github.com/chadiek/voice-checkout/internal/config"
	"github.com/chadiek/voice-checkout/internal/logger"
	"github.com/chadiek/voice-checkout/internal/realtime"
	"github.com/chadiek/voice-checkout/internal/selection"
)

// ErrInvalidOffer is returned for an offer that is not an SDP offer.
var ErrInvalidOffer = errors.New("invalid offer")

const (
	controlLabel   = "control"
	connectTimeout = 30 * time.Second
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler bridges browser peers to realtime voice sessions.
type Handler struct {
	realtimeCfg config.Realtime
	iceServers  []webrtc.ICEServer
	selections  *selection.Store
	dialer      realtime.Dialer
	log         *zap.SugaredLogger
}

func NewHandler(cfg config.Config, selections *selection.Store, log *zap.SugaredLogger) *Handler {
	return &Handler{
		realtimeCfg: cfg.Realtime,
		iceServers:  parseICEServers(cfg.ICEServersJSON),
		selections:  selections,
		log:         logger.OrNop(log),
	}
}

// WithDialer overrides the realtime transport dialer.
func (h *Handler) WithDialer(d realtime.Dialer) *Handler {
	h.dialer = d
	return h
}

type sessionMessage struct {
	Type string `json:"type"`
	realtime.Snapshot
}

type selectionMessage struct {
	Type     string   `json:"type"`
	Client   string   `json:"client"`
	Services []string `json:"services"`
}

// HandleOffer accepts an SDP offer and returns an SDP answer. The voice
// session itself starts only when the browser sends "connect" on the control
// channel.
func (h *Handler) HandleOffer(ctx context.Context, client string, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}
	if client == "" {
		client = "default"
	}
	callID := generateCallID()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"assistant-audio", "assistant",
	)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	speaker, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, fmt.Errorf("opus encoder: %w", err)
	}

	mic := NewTrackMicrophone(callID, h.log)
	var control atomic.Pointer[webrtc.DataChannel]
	send := func(v any) {
		dc := control.Load()
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		if err := dc.SendText(string(data)); err != nil {
			h.log.Debugf("[%s] control send: %v", callID, err)
		}
	}
	sendSelection := func(ids []string) {
		send(selectionMessage{Type: "selection", Client: client, Services: ids})
	}

	mgr := realtime.NewManager(realtime.Options{
		Config:     h.realtimeCfg,
		Dialer:     h.dialer,
		Microphone: mic,
		Speaker:    speaker,
		Listener:   h.selections.Listener(client, sendSelection),
		Logger:     h.log,
	})
	mgr.Subscribe(func(s realtime.Snapshot) {
		send(sessionMessage{Type: "session", Snapshot: s})
	})

	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			mgr.Disconnect()
			mic.Close()
			speaker.FlushTail()
			time.AfterFunc(400*time.Millisecond, speaker.Close)
			_ = pc.Close()
			for i, t := range mgr.Turns() {
				h.log.Infof("[%s] %02d %s: %s", callID, i+1, strings.ToUpper(string(t.Role)), t.Text)
			}
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		h.log.Infof("[%s] peer connection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			shutdown()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		h.log.Debugf("[%s] ice state: %s", callID, state.String())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		control.Store(dc)
		dc.OnOpen(func() {
			h.log.Infof("[%s] control channel opened", callID)
			send(sessionMessage{Type: "session", Snapshot: mgr.Snapshot()})
			sendSelection(h.selections.Selected(client))
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			switch parseCommand(msg.Data) {
			case "connect", "start":
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
					defer cancel()
					if err := mgr.Connect(ctx); err != nil {
						h.log.Warnf("[%s] voice session connect: %v", callID, err)
					}
				}()
			case "disconnect", "stop":
				mgr.Disconnect()
			}
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		h.log.Infof("[%s] remote audio track received: codec=%s", callID, remote.Codec().MimeType)
		read := func() ([]byte, error) {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}
		if err := mic.Attach(read); err != nil {
			h.log.Errorf("[%s] microphone: %v", callID, err)
		}
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		shutdown()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		shutdown()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		shutdown()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		shutdown()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		shutdown()
		return SessionDescription{}, errors.New("no local description")
	}
	h.log.Infof("[%s] answered offer for client %s", callID, client)
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// parseCommand accepts either a bare word or {"type":"<word>"}.
func parseCommand(data []byte) string {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return ""
		}
		raw = msg.Type
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

func generateCallID() string { return time.Now().Format("0102150405.000") }

var _ audio.Sink = (*OpusPacedWriter)(nil)
