// Package event carries the typed messages exchanged between a session's
// timer, integrity monitor, controller and whatever renders the session.
package event

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Kind identifies an event.
type Kind string

const (
	// Timer → controller.
	KindTick        Kind = "tick"
	KindTimeWarning Kind = "time_warning"
	KindTimeExpired Kind = "time_expired"

	// Monitor → controller.
	KindViolation     Kind = "violation"
	KindMonitorStatus Kind = "monitor_status"

	// Controller → subscribers.
	KindState            Kind = "state"
	KindSubmitted        Kind = "submitted"
	KindSubmissionFailed Kind = "submission_failed"
	KindReleaseMedia     Kind = "release_media"
)

// Event is the single message type flowing through a session.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Elapsed   int `json:"elapsed,omitempty"`
	Remaining int `json:"remaining,omitempty"`
	// Threshold is the warning mark in seconds for KindTimeWarning.
	Threshold int `json:"threshold,omitempty"`

	Violation     *model.Violation       `json:"violation,omitempty"`
	MonitorStatus string                 `json:"monitor_status,omitempty"`
	Snapshot      *model.SessionSnapshot `json:"snapshot,omitempty"`
	Ack           *model.ServerAck       `json:"ack,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Retryable     bool                   `json:"retryable,omitempty"`

	// Device names the media source for KindReleaseMedia.
	Device string `json:"device,omitempty"`
}

// Emitter pushes an event toward its consumer. Timer and monitor hold only
// an Emitter, never a reference to session state.
type Emitter func(Event)
