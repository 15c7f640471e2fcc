package realtime

import "github.com/chadiek/voice-checkout/internal/audio"

// Outbound event types.
const (
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
)

// Inbound event types.
const (
	EventSessionCreated              = "session.created"
	EventSessionUpdated              = "session.updated"
	EventSpeechStarted               = "input_audio_buffer.speech_started"
	EventSpeechStopped               = "input_audio_buffer.speech_stopped"
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventResponseCreated             = "response.created"
	EventTranscriptDelta             = "response.output_audio_transcript.delta"
	EventAudioDelta                  = "response.output_audio.delta"
	EventAudioDone                   = "response.output_audio.done"
	EventResponseDone                = "response.done"
	EventError                       = "error"
)

// Voice activity detection defaults sent with every session.
const (
	VADThreshold         = 0.5
	VADPrefixPaddingMs   = 300
	VADSilenceDurationMs = 500
)

type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Type             string      `json:"type"`
	Instructions     string      `json:"instructions"`
	OutputModalities []string    `json:"output_modalities"`
	Audio            AudioConfig `json:"audio"`
}

type AudioConfig struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

type AudioInput struct {
	Transcription Transcription `json:"transcription"`
	Format        AudioFormat   `json:"format"`
	TurnDetection TurnDetection `json:"turn_detection"`
}

type Transcription struct {
	Model string `json:"model"`
}

type AudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

type AudioOutput struct {
	Voice  string      `json:"voice"`
	Format AudioFormat `json:"format"`
}

// NewSessionUpdate builds the one configuration event sent after the transport opens.
func NewSessionUpdate(instructions, voice, transcriptionModel string) SessionUpdateEvent {
	pcm := AudioFormat{Type: "audio/pcm", Rate: audio.SampleRate}
	return SessionUpdateEvent{
		Type: EventSessionUpdate,
		Session: SessionConfig{
			Type:             "realtime",
			Instructions:     instructions,
			OutputModalities: []string{"audio"},
			Audio: AudioConfig{
				Input: AudioInput{
					Transcription: Transcription{Model: transcriptionModel},
					Format:        pcm,
					TurnDetection: TurnDetection{
						Type:              "server_vad",
						Threshold:         VADThreshold,
						PrefixPaddingMs:   VADPrefixPaddingMs,
						SilenceDurationMs: VADSilenceDurationMs,
						CreateResponse:    true,
					},
				},
				Output: AudioOutput{Voice: voice, Format: pcm},
			},
		},
	}
}

type InputAudioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ServerEvent is the union of the inbound fields the session reads.
type ServerEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	ResponseID string        `json:"response_id,omitempty"`
	Response   *ResponseRef  `json:"response,omitempty"`
	Session    *SessionRef   `json:"session,omitempty"`
	Error      *ErrorPayload `json:"error,omitempty"`
}

type ResponseRef struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type SessionRef struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// responseID prefers the nested response object and falls back to the flat field.
func (e ServerEvent) responseID() string {
	if e.Response != nil && e.Response.ID != "" {
		return e.Response.ID
	}
	return e.ResponseID
}

func (e ServerEvent) errorMessage() string {
	if e.Error == nil || e.Error.Message == "" {
		return "unknown error"
	}
	return e.Error.Message
}
