package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmitSession posts the frozen payload. The idempotency key is sent on
// every attempt so that a retried request is recognised by the backend.
// A 409 response is reported as ErrAlreadySubmitted.
func (c *Client) SubmitSession(ctx context.Context, sessionID string, payload *model.SubmissionPayload) (*model.ServerAck, error) {
	header := http.Header{}
	if payload.IdempotencyKey != "" {
		header.Set("Idempotency-Key", payload.IdempotencyKey)
	}

	var raw json.RawMessage
	path := "/api/exam-sessions/" + url.PathEscape(sessionID) + "/submit"
	if err := c.doJSON(ctx, http.MethodPost, path, header, payload, &raw); err != nil {
		if se, ok := err.(*StatusError); ok && se.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitted, se.Message)
		}
		return nil, err
	}

	var ack model.ServerAck
	if len(raw) > 0 {
		if err := json.Unmarshal(unwrapData(raw), &ack); err != nil {
			return nil, fmt.Errorf("backend: decode submit ack: %w", err)
		}
	}
	return &ack, nil
}
