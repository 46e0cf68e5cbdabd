package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionFlag     Action = "flag"
	ActionNavigate Action = "navigate"
	ActionSignal   Action = "signal"
	ActionSample   Action = "sample"
	ActionAck      Action = "ack"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload is the single shape every client message decodes into.
// Only the fields relevant to Action are read.
type RequestPayload struct {
	Action Action `json:"action"`

	// answer, flag
	QuestionID string          `json:"question_id,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`

	// navigate
	Index *int `json:"index,omitempty"`

	// signal
	Signal *proctor.Signal `json:"signal,omitempty"`

	// sample
	Face  *proctor.FaceSample  `json:"face,omitempty"`
	Audio *proctor.AudioSample `json:"audio,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState            Event = "state"
	EventTick             Event = "tick"
	EventTimeWarning      Event = "time_warning"
	EventTimeExpired      Event = "time_expired"
	EventViolation        Event = "violation"
	EventMonitorStatus    Event = "monitor_status"
	EventSubmitted        Event = "submitted"
	EventSubmissionFailed Event = "submission_failed"
	EventReleaseMedia     Event = "release_media"
	EventAnswerSaved      Event = "answer_saved"
	EventFlagged          Event = "flagged"
	EventNavigated        Event = "navigated"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

// EventResponse wraps a session event for the client.
type EventResponse struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type AnswerSavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
}

type FlaggedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	Flagged    bool   `json:"flagged"`
}

type NavigatedResponse struct {
	Event Event `json:"event"`
	Index int   `json:"index"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
