package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// RecordingKind selects the recording upload endpoint.
type RecordingKind string

const (
	RecordingProctoring RecordingKind = "proctoring"
	RecordingInterview  RecordingKind = "interview"
)

// Upload is one multipart file upload.
type Upload struct {
	SessionID string
	Filename  string
	Body      io.Reader
}

// AnalyzeFrame sends a video chunk for server-side analysis and returns
// the violations the analyser found.
func (c *Client) AnalyzeFrame(ctx context.Context, up Upload) ([]model.AnalysisResult, error) {
	raw, err := c.postMultipart(ctx, "/api/proctoring/analyze", "video", up)
	if err != nil {
		return nil, err
	}
	var body struct {
		Violations []model.AnalysisResult `json:"violations"`
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(unwrapData(raw), &body); err != nil {
		return nil, fmt.Errorf("backend: decode analysis: %w", err)
	}
	return body.Violations, nil
}

// UploadRecording stores a proctoring or interview recording.
func (c *Client) UploadRecording(ctx context.Context, kind RecordingKind, up Upload) error {
	path := "/api/proctoring/upload-recording"
	if kind == RecordingInterview {
		path = "/api/interview/upload-recording"
	}
	_, err := c.postMultipart(ctx, path, "recording", up)
	return err
}

// UploadScreenshot stores an interview screenshot.
func (c *Client) UploadScreenshot(ctx context.Context, up Upload) error {
	_, err := c.postMultipart(ctx, "/api/interview/screenshot", "screenshot", up)
	return err
}

func (c *Client) postMultipart(ctx context.Context, path, field string, up Upload) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if up.SessionID != "" {
		if err := w.WriteField("sessionId", up.SessionID); err != nil {
			return nil, fmt.Errorf("backend: multipart field: %w", err)
		}
	}
	name := up.Filename
	if name == "" {
		name = field
	}
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return nil, fmt.Errorf("backend: multipart file: %w", err)
	}
	if up.Body != nil {
		if _, err := io.Copy(part, up.Body); err != nil {
			return nil, fmt.Errorf("backend: multipart copy: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("backend: multipart close: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", w.FormDataContentType())
	return c.do(ctx, http.MethodPost, path, header, &buf)
}
