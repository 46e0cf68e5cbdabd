package model

import "encoding/json"

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Question is a single exam question as delivered to the student (no answer key).
type Question struct {
	ID           string          `json:"id"`
	QuestionText string          `json:"question_text"`
	QuestionType QuestionType    `json:"question_type,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
	OrderNum     int             `json:"order_num"`
	Points       float64         `json:"points,omitempty"`
}

// UnmarshalJSON accepts numeric as well as string IDs.
func (q *Question) UnmarshalJSON(b []byte) error {
	type alias Question
	var body struct {
		alias
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		var plain struct {
			alias
			ID string `json:"id"`
		}
		if err2 := json.Unmarshal(b, &plain); err2 != nil {
			return err2
		}
		*q = Question(plain.alias)
		q.ID = plain.ID
		return nil
	}
	*q = Question(body.alias)
	q.ID = body.ID.String()
	return nil
}
