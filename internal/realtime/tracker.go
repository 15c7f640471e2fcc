package realtime

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finalized utterance in the conversation log.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Tracker folds transcript events into turns. It keeps the in-flight assistant
// text keyed by the current response id so that text from a superseded
// response is never committed. Not safe for concurrent use; the Manager guards it.
type Tracker struct {
	turns        []Turn
	responseID   string
	inFlight     string
	userSpeaking bool
	processing   bool
}

// Reset forgets everything, including the conversation log.
func (t *Tracker) Reset() {
	t.turns = nil
	t.responseID = ""
	t.inFlight = ""
	t.userSpeaking = false
	t.processing = false
}

func (t *Tracker) SpeechStarted() {
	t.inFlight = ""
	t.userSpeaking = true
	t.processing = false
}

func (t *Tracker) SpeechStopped() {
	t.userSpeaking = false
	t.processing = true
}

// UserTranscript appends the user's finalized utterance. Blank transcripts only
// clear the speaking markers.
func (t *Tracker) UserTranscript(text string) (Turn, bool) {
	t.userSpeaking = false
	t.processing = false
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, false
	}
	turn := Turn{Role: RoleUser, Text: text}
	t.turns = append(t.turns, turn)
	return turn, true
}

func (t *Tracker) ResponseCreated(id string) {
	t.responseID = id
	t.inFlight = ""
}

// Delta appends streamed assistant text. A delta tagged with a response id
// other than the current one is dropped and false is returned.
func (t *Tracker) Delta(responseID, delta string) bool {
	if responseID != "" && responseID != t.responseID {
		return false
	}
	t.inFlight += delta
	return true
}

// ResponseDone commits the in-flight text as an assistant turn when id matches
// the current response and the text is not blank. The accumulator and current
// id are cleared either way, so a repeated completion cannot append twice.
func (t *Tracker) ResponseDone(id string) (Turn, bool) {
	text := strings.TrimSpace(t.inFlight)
	matched := id != "" && id == t.responseID
	t.inFlight = ""
	t.responseID = ""
	if !matched || text == "" {
		return Turn{}, false
	}
	turn := Turn{Role: RoleAssistant, Text: text}
	t.turns = append(t.turns, turn)
	return turn, true
}

// Turns returns a copy of the conversation log.
func (t *Tracker) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

func (t *Tracker) ResponseID() string { return t.responseID }
func (t *Tracker) InFlight() string   { return t.inFlight }
func (t *Tracker) UserSpeaking() bool { return t.userSpeaking }
func (t *Tracker) Processing() bool   { return t.processing }
