package model

import (
	"encoding/json"
	"time"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	// SessionStatusSubmitting is a transient sub-state of IN_PROGRESS.
	SessionStatusSubmitting SessionStatus = "SUBMITTING"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusAbandoned  SessionStatus = "ABANDONED"
)

// Terminal reports whether no further mutation may happen.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAbandoned
}

// SessionSnapshot is a read-only copy of session state for rendering.
type SessionSnapshot struct {
	SessionID        string                     `json:"session_id"`
	ExamID           string                     `json:"exam_id"`
	Status           SessionStatus              `json:"status"`
	CurrentIndex     int                        `json:"current_index"`
	TotalQuestions   int                        `json:"total_questions"`
	RemainingSeconds int                        `json:"remaining_seconds"`
	TimeExpired      bool                       `json:"time_expired"`
	AnswersLocked    bool                       `json:"answers_locked"`
	Answers          map[string]json.RawMessage `json:"answers"`
	Flagged          []string                   `json:"flagged"`
	ViolationCount   int                        `json:"violation_count"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
}

// TextAnswer encodes a plain string answer value.
func TextAnswer(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
