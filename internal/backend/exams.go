package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// StartResult is the response of POST /api/exams/{examId}/start.
type StartResult struct {
	SessionID string `json:"sessionId"`
	// TimeRemaining is in seconds.
	TimeRemaining int `json:"timeRemaining"`
}

// StartExam opens a session for the authenticated student.
func (c *Client) StartExam(ctx context.Context, examID string) (*StartResult, error) {
	var raw json.RawMessage
	path := "/api/exams/" + url.PathEscape(examID) + "/start"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, struct{}{}, &raw); err != nil {
		return nil, err
	}
	var res StartResult
	if err := json.Unmarshal(unwrapData(raw), &res); err != nil {
		return nil, fmt.Errorf("backend: decode start: %w", err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("backend: start exam %s: response has no sessionId", examID)
	}
	if res.TimeRemaining < 0 {
		res.TimeRemaining = 0
	}
	return &res, nil
}

// GetExam fetches the exam definition and its settings.
func (c *Client) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/exams/"+url.PathEscape(examID), nil, nil, &raw); err != nil {
		return nil, err
	}
	var exam model.Exam
	if err := json.Unmarshal(unwrapData(raw), &exam); err != nil {
		return nil, fmt.Errorf("backend: decode exam: %w", err)
	}
	if exam.ID == "" {
		exam.ID = examID
	}
	return &exam, nil
}

// GetQuestions fetches the exam's questions from the nested endpoint and
// falls back to /api/questions?exam= when that one is missing.
func (c *Client) GetQuestions(ctx context.Context, examID string) ([]model.Question, error) {
	raw, err := c.getRaw(ctx, "/api/exams/"+url.PathEscape(examID)+"/questions")
	if IsNotFound(err) {
		c.log.Debug().Str("exam_id", examID).Msg("Nested questions endpoint missing, using query endpoint")
		raw, err = c.getRaw(ctx, "/api/questions?exam="+url.QueryEscape(examID))
	}
	if err != nil {
		return nil, err
	}
	return decodeQuestions(raw)
}

func (c *Client) getRaw(ctx context.Context, path string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// decodeQuestions accepts a bare array, {"data": [...]} or {"questions": [...]}.
func decodeQuestions(raw json.RawMessage) ([]model.Question, error) {
	raw = unwrapData(raw)
	var list []model.Question
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Questions []model.Question `json:"questions"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("backend: decode questions: %w", err)
	}
	return wrapped.Questions, nil
}
