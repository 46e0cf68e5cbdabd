package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu       sync.Mutex
	calls    int32
	payloads []*model.SubmissionPayload
	errs     []error
	block    chan struct{}
	ack      *model.ServerAck
}

func (f *fakeBackend) SubmitSession(ctx context.Context, _ string, p *model.SubmissionPayload) (*model.ServerAck, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	var err error
	if int(n) <= len(f.errs) {
		err = f.errs[n-1]
	}
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if f.ack != nil {
		return f.ack, nil
	}
	return &model.ServerAck{Score: 80}, nil
}

func startedSession(t *testing.T) *session.Session {
	t.Helper()
	s := session.New("exam-1")
	qs := []model.Question{{ID: "q1"}, {ID: "q2"}, {ID: "q3"}, {ID: "q4"}}
	require.NoError(t, s.Start("sess-1", qs, 600, epoch))
	return s
}

func newPipeline(b Submitter, settings model.ExamSettings, outcomes *[]Outcome) *Pipeline {
	opts := Options{
		Backend:  b,
		Settings: settings,
		Timeout:  time.Second,
		Clock:    clock.Fake(epoch.Add(5 * time.Minute)),
		Log:      zerolog.Nop(),
	}
	if outcomes != nil {
		var mu sync.Mutex
		opts.OnOutcome = func(o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			*outcomes = append(*outcomes, o)
		}
	}
	return New(opts)
}

func proctored() model.ExamSettings {
	var s model.ExamSettings
	s.Proctoring.Enabled = true
	return s
}

func TestSubmitCompletesSession(t *testing.T) {
	s := startedSession(t)
	require.NoError(t, s.RecordAnswer("q1", model.TextAnswer("A"), epoch.Add(time.Minute)))
	fb := &fakeBackend{}
	var outcomes []Outcome
	p := newPipeline(fb, proctored(), &outcomes)

	ack, err := p.Submit(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 80.0, ack.Score)
	assert.Equal(t, model.SessionStatusCompleted, s.Status())
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.NotEmpty(t, outcomes[0].IdempotencyKey)
}

func TestSubmitAfterCompletedReturnsCachedAck(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{}
	p := newPipeline(fb, proctored(), nil)

	first, err := p.Submit(context.Background(), s)
	require.NoError(t, err)

	second, err := p.Submit(context.Background(), s)
	assert.ErrorIs(t, err, session.ErrAlreadySubmitted)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))
}

func TestConcurrentSubmitsShareOneCall(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{block: make(chan struct{})}
	p := newPipeline(fb, proctored(), nil)

	const callers = 8
	var wg sync.WaitGroup
	acks := make([]*model.ServerAck, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = p.Submit(context.Background(), s)
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fb.calls) == 1 }, time.Second, time.Millisecond)
	close(fb.block)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			// A caller that arrived after completion sees the cached ack.
			assert.ErrorIs(t, errs[i], session.ErrAlreadySubmitted)
		}
		require.NotNil(t, acks[i])
		assert.Equal(t, 80.0, acks[i].Score)
	}
}

func TestCallerCancellationDoesNotAbortSharedAttempt(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{block: make(chan struct{})}
	p := newPipeline(fb, proctored(), nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := p.Submit(leaderCtx, s)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fb.calls) == 1 }, time.Second, time.Millisecond)

	cancelLeader()
	err := <-leaderErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsRetryable(err), "a caller giving up is not a verdict on the submission")

	type result struct {
		ack *model.ServerAck
		err error
	}
	joined := make(chan result, 1)
	go func() {
		ack, err := p.Submit(context.Background(), s)
		joined <- result{ack, err}
	}()
	close(fb.block)

	res := <-joined
	if res.err != nil {
		assert.ErrorIs(t, res.err, session.ErrAlreadySubmitted)
	}
	require.NotNil(t, res.ack)
	assert.Equal(t, 80.0, res.ack.Score)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fb.calls))
	assert.Equal(t, model.SessionStatusCompleted, s.Status())
}

func TestRetryReusesFrozenPayload(t *testing.T) {
	s := startedSession(t)
	require.NoError(t, s.RecordAnswer("q1", model.TextAnswer("A"), epoch.Add(time.Minute)))
	fb := &fakeBackend{errs: []error{&backend.NetworkError{Err: errors.New("connection reset")}}}
	p := newPipeline(fb, proctored(), nil)

	_, err := p.Submit(context.Background(), s)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, model.SessionStatusSubmitting, s.Status())

	// Answers are locked after a failed attempt.
	assert.ErrorIs(t, s.RecordAnswer("q2", model.TextAnswer("B"), epoch.Add(2*time.Minute)), session.ErrAnswersLocked)
	// A violation arriving mid-retry is not part of the frozen payload.
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationTabSwitch, Severity: model.SeverityMedium, Timestamp: epoch}))

	ack, err := p.Submit(context.Background(), s)
	require.NoError(t, err)
	assert.NotNil(t, ack)

	require.Len(t, fb.payloads, 2)
	assert.Same(t, fb.payloads[0], fb.payloads[1])
	assert.Empty(t, fb.payloads[1].ProctorViolations)
	assert.Equal(t, 1, s.ViolationCount())
}

func TestTimeoutIsRetryable(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{block: make(chan struct{})}
	defer close(fb.block)
	p := New(Options{Backend: fb, Timeout: 20 * time.Millisecond, Log: zerolog.Nop()})

	_, err := p.Submit(context.Background(), s)
	require.Error(t, err)
	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable)
}

func TestPermanentFailureNotRetryable(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{errs: []error{&backend.StatusError{Method: "POST", Path: "/x", StatusCode: 422}}}
	p := newPipeline(fb, proctored(), nil)

	_, err := p.Submit(context.Background(), s)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestBackendConflictCountsAsSubmitted(t *testing.T) {
	s := startedSession(t)
	fb := &fakeBackend{errs: []error{backend.ErrAlreadySubmitted}}
	p := newPipeline(fb, proctored(), nil)

	ack, err := p.Submit(context.Background(), s)
	require.NoError(t, err)
	assert.NotNil(t, ack)
	assert.Equal(t, model.SessionStatusCompleted, s.Status())
}

func TestSubmitBeforeStartIsInvalid(t *testing.T) {
	p := newPipeline(&fakeBackend{}, proctored(), nil)
	_, err := p.Submit(context.Background(), session.New("exam-1"))
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestBuildOmitsViolationsWithoutProctoring(t *testing.T) {
	snap := &session.Snapshot{
		SessionID:  "s",
		Answers:    map[string]json.RawMessage{"q1": model.TextAnswer("x")},
		Violations: []model.Violation{{Type: model.ViolationRightClick}},
	}
	payload := Build(snap, model.ExamSettings{})
	assert.Empty(t, payload.ProctorViolations)
	assert.NotNil(t, payload.ProctorViolations)
	assert.Equal(t, 1, payload.ViolationsCaptured)
	assert.Nil(t, payload.InterviewMetrics)

	payload = Build(snap, proctored())
	assert.Len(t, payload.ProctorViolations, 1)
}

func TestBuildInterviewMetrics(t *testing.T) {
	var settings model.ExamSettings
	settings.Exam.InterviewMode = true
	snap := &session.Snapshot{
		Answers:          map[string]json.RawMessage{"q1": model.TextAnswer("x")},
		TotalQuestions:   4,
		FlaggedCount:     1,
		TimeSpentSeconds: 300,
		AverageResponse:  42,
	}
	m := Build(snap, settings).InterviewMetrics
	require.NotNil(t, m)
	assert.Equal(t, 25.0, m.CompletionRate)
	assert.Equal(t, 1, m.AnsweredQuestions)
	assert.Equal(t, 42.0, m.AverageResponseSeconds)
}
