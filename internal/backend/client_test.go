package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second, Log: zerolog.Nop()})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://exams"})
	assert.Error(t, err)
}

func TestStartExamSendsBearerToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/exams/exam-1/start", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"sessionId":"s-9","timeRemaining":1800}`))
	})).WithToken("tok")

	res, err := c.StartExam(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.Equal(t, "s-9", res.SessionID)
	assert.Equal(t, 1800, res.TimeRemaining)
}

func TestStartExamWithoutSessionID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timeRemaining":60}`))
	}))
	_, err := c.StartExam(context.Background(), "exam-1")
	assert.Error(t, err)
}

func TestGetExamDecodesSettings(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"exam-1","title":"Physics","duration_minutes":90,
			"settings":{"proctoring":{"enabled":true,"webcamRequired":true},
			"exam":{"autoSubmit":true,"timeWarnings":[10,2]}}}}`))
	}))

	exam, err := c.GetExam(context.Background(), "exam-1")
	require.NoError(t, err)
	assert.Equal(t, "Physics", exam.Title)
	assert.Equal(t, 5400, exam.DurationSeconds())
	assert.True(t, exam.Settings.Proctoring.WebcamRequired)
	assert.Equal(t, []int{600, 120}, exam.Settings.Exam.WarningThresholds())
}

func TestGetQuestionsFallsBackToQueryEndpoint(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		if strings.HasSuffix(r.URL.Path, "/questions") && strings.HasPrefix(r.URL.Path, "/api/exams/") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "exam-1", r.URL.Query().Get("exam"))
		_, _ = w.Write([]byte(`{"questions":[{"id":7,"question_text":"2+2?"},{"id":"q8","question_text":"Why?"}]}`))
	}))

	qs, err := c.GetQuestions(context.Background(), "exam-1")
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "7", qs[0].ID)
	assert.Equal(t, "q8", qs[1].ID)
	assert.Equal(t, []string{"/api/exams/exam-1/questions", "/api/questions?exam=exam-1"}, paths)
}

func TestSubmitSessionSendsPayloadAndIdempotencyKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/exam-sessions/s-1/submit", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))

		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `{"q1":"a"}`, string(body["answers"]))
		assert.JSONEq(t, `[]`, string(body["proctorViolations"]))
		_, hasMetrics := body["interviewMetrics"]
		assert.False(t, hasMetrics)

		_, _ = w.Write([]byte(`{"score":87.5,"grade":"B"}`))
	}))

	ack, err := c.SubmitSession(context.Background(), "s-1", &model.SubmissionPayload{
		Answers:           map[string]json.RawMessage{"q1": model.TextAnswer("a")},
		ProctorViolations: []model.Violation{},
		IdempotencyKey:    "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 87.5, ack.Score)
	assert.Contains(t, string(ack.Raw), `"grade"`)
}

func TestSubmitSessionErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
		already   bool
	}{
		{"conflict", http.StatusConflict, false, true},
		{"server error", http.StatusBadGateway, true, false},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"bad request", http.StatusBadRequest, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			_, err := c.SubmitSession(context.Background(), "s-1", &model.SubmissionPayload{})
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.Equal(t, tc.already, errors.Is(err, ErrAlreadySubmitted))
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SubmitSession(ctx, "s-1", &model.SubmissionPayload{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransient(err))
}

func TestCancelledRequestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(&NetworkError{Err: context.Canceled}))
	assert.False(t, IsTransient(ErrAlreadySubmitted))
	assert.False(t, IsTransient(&StatusError{Method: "POST", Path: "/x", StatusCode: 422}))
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base, Log: zerolog.Nop()})
	require.NoError(t, err)
	_, err = c.GetExam(context.Background(), "exam-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAnalyzeFrameMultipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/proctoring/analyze", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "s-1", r.FormValue("sessionId"))
		f, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "chunk.webm", hdr.Filename)
		assert.Equal(t, "frames", string(b))
		_, _ = w.Write([]byte(`{"violations":[{"type":"multiple_faces","severity":"high"}]}`))
	}))

	res, err := c.AnalyzeFrame(context.Background(), Upload{
		SessionID: "s-1",
		Filename:  "chunk.webm",
		Body:      strings.NewReader("frames"),
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, model.ViolationMultipleFaces, res[0].Type)
	assert.Equal(t, model.SeverityHigh, res[0].Severity)
}

func TestUploadEndpoints(t *testing.T) {
	var got []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))

	ctx := context.Background()
	require.NoError(t, c.UploadRecording(ctx, RecordingProctoring, Upload{SessionID: "s"}))
	require.NoError(t, c.UploadRecording(ctx, RecordingInterview, Upload{SessionID: "s"}))
	require.NoError(t, c.UploadScreenshot(ctx, Upload{SessionID: "s"}))
	assert.Equal(t, []string{
		"/api/proctoring/upload-recording",
		"/api/interview/upload-recording",
		"/api/interview/screenshot",
	}, got)
}
