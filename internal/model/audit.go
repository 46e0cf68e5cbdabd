package model

import "time"

// ViolationRecord is one row of the violation audit, queued by the gateway
// and persisted by the violation worker.
type ViolationRecord struct {
	ID            int64         `json:"id,omitempty"`
	SessionID     string        `json:"session_id"`
	ExamID        string        `json:"exam_id"`
	StudentID     int           `json:"student_id"`
	Type          ViolationType `json:"type"`
	Severity      Severity      `json:"severity"`
	Source        string        `json:"source,omitempty"`
	AfterSnapshot bool          `json:"after_snapshot"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// SubmissionRecord is the outcome of one submission attempt.
type SubmissionRecord struct {
	ID             int64     `json:"id,omitempty"`
	SessionID      string    `json:"session_id"`
	ExamID         string    `json:"exam_id"`
	StudentID      int       `json:"student_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempt        int       `json:"attempt"`
	Succeeded      bool      `json:"succeeded"`
	Retryable      bool      `json:"retryable"`
	Error          string    `json:"error,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	Violations     int       `json:"violations"`
	AttemptedAt    time.Time `json:"attempted_at"`
}

// ViolationCount is the per-student violation tally of one exam.
type ViolationCount struct {
	StudentID int   `json:"student_id"`
	Total     int64 `json:"total"`
	High      int64 `json:"high"`
}
