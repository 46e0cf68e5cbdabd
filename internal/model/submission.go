package model

import "encoding/json"

// SubmissionPayload is the body of POST /api/exam-sessions/{sessionId}/submit.
// It is built once per submission and reused verbatim on retry.
type SubmissionPayload struct {
	Answers           map[string]json.RawMessage `json:"answers"`
	ProctorViolations []Violation                `json:"proctorViolations"`
	InterviewMetrics  *InterviewMetrics          `json:"interviewMetrics,omitempty"`

	// IdempotencyKey travels as a header, not in the body.
	IdempotencyKey string `json:"-"`
	// ViolationsCaptured is how many session violations existed at snapshot time,
	// whether or not they were included.
	ViolationsCaptured int `json:"-"`
}

// InterviewMetrics are derived at snapshot time.
type InterviewMetrics struct {
	TotalQuestions         int     `json:"totalQuestions"`
	AnsweredQuestions      int     `json:"answeredQuestions"`
	FlaggedQuestions       int     `json:"flaggedQuestions"`
	CompletionRate         float64 `json:"completionRate"`
	AverageResponseSeconds float64 `json:"averageResponseTime"`
	TimeSpentSeconds       int     `json:"timeSpent"`
	ViolationCount         int     `json:"violationCount"`
}

// ServerAck is the backend's response to a successful submit.
type ServerAck struct {
	Score float64 `json:"score"`
	// Raw keeps every field the backend returned.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// UnmarshalJSON keeps the full body alongside the score.
func (a *ServerAck) UnmarshalJSON(b []byte) error {
	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return err
	}
	a.Score = body.Score
	a.Raw = append(a.Raw[:0], b...)
	return nil
}

// AnalysisResult is one entry of the frame-analysis response.
type AnalysisResult struct {
	Type     ViolationType `json:"type"`
	Severity Severity      `json:"severity"`
}
