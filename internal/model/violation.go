package model

import "time"

// Severity grades how serious an integrity violation is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// ViolationType is the category tag of a violation.
type ViolationType string

const (
	ViolationTabSwitch            ViolationType = "tab_switch"
	ViolationWindowBlur           ViolationType = "window_blur"
	ViolationCopyPaste            ViolationType = "copy_paste_attempt"
	ViolationRightClick           ViolationType = "right_click"
	ViolationFullscreenExit       ViolationType = "fullscreen_exit"
	ViolationNetworkDisconnection ViolationType = "network_disconnection"
	ViolationFaceNotDetected      ViolationType = "face_not_detected"
	ViolationMultipleFaces        ViolationType = "multiple_faces"
	ViolationUnusualAudio         ViolationType = "unusual_audio"
	ViolationAIFlagged            ViolationType = "ai_flagged"
)

// Violation is an immutable record of an integrity signal crossing its threshold.
type Violation struct {
	Type      ViolationType `json:"type"`
	Severity  Severity      `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	// Source names the detector that raised it.
	Source string `json:"source,omitempty"`
}
