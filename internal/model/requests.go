package model

import "encoding/json"

// SystemCheckRequest lists the media devices the browser was granted.
type SystemCheckRequest struct {
	Devices []string `json:"devices" validate:"dive,oneof=camera microphone screen"`
}

// AnswerRequest records one answer over REST.
type AnswerRequest struct {
	QuestionID string          `json:"question_id" validate:"required,max=128"`
	Value      json.RawMessage `json:"value" validate:"required"`
}

// FlagRequest toggles the review flag of a question.
type FlagRequest struct {
	QuestionID string `json:"question_id" validate:"required,max=128"`
}
