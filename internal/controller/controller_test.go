package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

var epoch = time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)

type fakeBackend struct {
	mu         sync.Mutex
	remaining  int
	starts     int
	payloads   []*model.SubmissionPayload
	submitErrs []error
	analysis   []model.AnalysisResult
	// block, when set, holds every submit until it is closed.
	block chan struct{}
}

func (f *fakeBackend) StartExam(context.Context, string) (*backend.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return &backend.StartResult{SessionID: "sess-42", TimeRemaining: f.remaining}, nil
}

func (f *fakeBackend) SubmitSession(ctx context.Context, _ string, p *model.SubmissionPayload) (*model.ServerAck, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	var err error
	if n := len(f.payloads); n <= len(f.submitErrs) {
		err = f.submitErrs[n-1]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &model.ServerAck{Score: 90}, nil
}

func (f *fakeBackend) AnalyzeFrame(context.Context, backend.Upload) ([]model.AnalysisResult, error) {
	return f.analysis, nil
}

func (f *fakeBackend) submits() []*model.SubmissionPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.SubmissionPayload(nil), f.payloads...)
}

func questions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: string(rune('a' + i))}
	}
	return qs
}

type harness struct {
	c      *Controller
	clk    *clock.FakeClock
	be     *fakeBackend
	events <-chan event.Event
}

func newHarness(t *testing.T, settings model.ExamSettings, remaining int) *harness {
	t.Helper()
	clk := clock.Fake(epoch)
	be := &fakeBackend{remaining: remaining}
	c, err := New(Options{
		Exam:         &model.Exam{ID: "exam-1", DurationMinutes: 2, Settings: settings},
		Questions:    questions(5),
		Backend:      be,
		Clock:        clk,
		Log:          zerolog.Nop(),
		RetryBackoff: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	events, _ := c.Subscribe(1024)
	return &harness{c: c, clk: clk, be: be, events: events}
}

// waitFor reads events until one of kind k arrives.
func (h *harness) waitFor(t *testing.T, k event.Kind) event.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-h.events:
			require.True(t, ok, "event stream closed waiting for %s", k)
			if e.Kind == k {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", k)
		}
	}
}

// tick advances the clock one second and waits for the resulting tick.
func (h *harness) tick(t *testing.T) event.Event {
	t.Helper()
	h.clk.Advance(time.Second)
	return h.waitFor(t, event.KindTick)
}

// advanceUntil keeps moving the clock one second at a time until an event of
// kind k is published.
func (h *harness) advanceUntil(t *testing.T, k event.Kind) event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.clk.Advance(time.Second)
		select {
		case e, ok := <-h.events:
			require.True(t, ok)
			if e.Kind == k {
				return e
			}
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s", k)
		}
	}
}

func autoSubmitSettings() model.ExamSettings {
	var s model.ExamSettings
	s.Exam.AutoSubmit = true
	return s
}

func TestExpiryTriggersExactlyOneAutoSubmit(t *testing.T) {
	h := newHarness(t, autoSubmitSettings(), 120)
	require.NoError(t, h.c.Start(context.Background()))
	h.clk.WaitForTimers(1)

	var last event.Event
	for i := 0; i < 120; i++ {
		last = h.tick(t)
	}
	assert.Equal(t, 0, last.Remaining)

	submitted := h.waitFor(t, event.KindSubmitted)
	assert.Equal(t, 90.0, submitted.Ack.Score)
	<-h.c.Done()

	// Further clock movement produces nothing.
	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.be.submits(), 1)
	assert.Equal(t, model.SessionStatusCompleted, h.c.Status())
	assert.Equal(t, 0, h.c.View().RemainingSeconds)
}

func TestExpiryWithoutAutoSubmitLocksAnswers(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 2)
	require.NoError(t, h.c.Start(context.Background()))
	h.clk.WaitForTimers(1)

	h.tick(t)
	h.tick(t)
	h.waitFor(t, event.KindTimeExpired)
	state := h.waitFor(t, event.KindState)
	assert.True(t, state.Snapshot.TimeExpired)

	assert.ErrorIs(t, h.c.RecordAnswer("a", model.TextAnswer("x")), session.ErrAnswersLocked)
	assert.Empty(t, h.be.submits())
	assert.Equal(t, model.SessionStatusInProgress, h.c.Status())

	// The student may still hand in manually.
	_, err := h.c.Submit(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.be.submits(), 1)
}

func TestAutoSubmitMarksTimeExpired(t *testing.T) {
	h := newHarness(t, autoSubmitSettings(), 0)
	h.be.submitErrs = []error{&backend.StatusError{Method: "POST", Path: "/x", StatusCode: 422}}
	require.NoError(t, h.c.Start(context.Background()))

	failed := h.waitFor(t, event.KindSubmissionFailed)
	assert.False(t, failed.Retryable)
	assert.True(t, h.c.View().TimeExpired)
	assert.Equal(t, model.SessionStatusSubmitting, h.c.Status())
}

func TestSubmitCompletesAfterCallerGivesUp(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 120)
	h.be.block = make(chan struct{})
	require.NoError(t, h.c.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.c.Submit(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.be.submits()) == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-done
	require.Error(t, err)
	assert.True(t, submission.IsRetryable(err))

	close(h.be.block)
	submitted := h.waitFor(t, event.KindSubmitted)
	assert.Equal(t, 90.0, submitted.Ack.Score)
	<-h.c.Done()
	assert.Equal(t, model.SessionStatusCompleted, h.c.Status())
	require.NotNil(t, h.c.Ack())
	assert.Len(t, h.be.submits(), 1)
}

func TestTimeWarningsFireOnce(t *testing.T) {
	s := model.ExamSettings{}
	s.Exam.TimeWarnings = []int{1}
	h := newHarness(t, s, 62)
	require.NoError(t, h.c.Start(context.Background()))
	h.clk.WaitForTimers(1)

	h.tick(t)
	h.tick(t)
	w := h.waitFor(t, event.KindTimeWarning)
	assert.Equal(t, 60, w.Threshold)
	assert.Equal(t, 60, w.Remaining)
}

func TestZeroTimeRemainingExpiresOnStart(t *testing.T) {
	h := newHarness(t, autoSubmitSettings(), 0)
	require.NoError(t, h.c.Start(context.Background()))
	h.waitFor(t, event.KindSubmitted)
	assert.Len(t, h.be.submits(), 1)
}

func TestAutoSubmitRetriesWithSamePayload(t *testing.T) {
	h := newHarness(t, autoSubmitSettings(), 1)
	h.be.submitErrs = []error{&backend.NetworkError{Err: errors.New("connection reset")}}
	require.NoError(t, h.c.Start(context.Background()))
	h.clk.WaitForTimers(1)
	h.tick(t)

	failed := h.waitFor(t, event.KindSubmissionFailed)
	assert.True(t, failed.Retryable)

	h.advanceUntil(t, event.KindSubmitted)

	payloads := h.be.submits()
	require.Len(t, payloads, 2)
	assert.Same(t, payloads[0], payloads[1])
}

func TestLastAnswerWins(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 600)
	require.NoError(t, h.c.Start(context.Background()))

	require.NoError(t, h.c.RecordAnswer("e", model.TextAnswer("B")))
	require.NoError(t, h.c.RecordAnswer("e", model.TextAnswer("C")))

	view := h.c.View()
	assert.Len(t, view.Answers, 1)
	assert.JSONEq(t, `"C"`, string(view.Answers["e"]))
}

func TestViolationsExcludedWithoutProctoring(t *testing.T) {
	s := model.ExamSettings{}
	s.Exam.PreventCopyPaste = true
	s.Exam.DisableRightClick = true
	h := newHarness(t, s, 600)
	require.NoError(t, h.c.Start(context.Background()))

	for i := 0; i < 4; i++ {
		require.True(t, h.c.HandleSignal(proctor.Signal{Kind: proctor.SignalContextMenu}))
	}
	_, err := h.c.Submit(context.Background())
	require.NoError(t, err)

	p := h.be.submits()[0]
	assert.NotNil(t, p.ProctorViolations)
	assert.Empty(t, p.ProctorViolations)
	assert.Equal(t, 4, p.ViolationsCaptured)
}

func TestViolationBeforeSubmitIsInPayload(t *testing.T) {
	s := model.ExamSettings{}
	s.Proctoring.Enabled = true
	s.Exam.PreventCopyPaste = true
	h := newHarness(t, s, 600)
	require.NoError(t, h.c.Start(context.Background()))

	require.True(t, h.c.HandleSignal(proctor.Signal{Kind: proctor.SignalPaste}))
	_, err := h.c.Submit(context.Background())
	require.NoError(t, err)

	p := h.be.submits()[0]
	require.Len(t, p.ProctorViolations, 1)
	assert.Equal(t, model.ViolationCopyPaste, p.ProctorViolations[0].Type)
	assert.Equal(t, model.SeverityHigh, p.ProctorViolations[0].Severity)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 600)
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.RecordAnswer("a", model.TextAnswer("x")))
	before := h.c.View()

	err := h.c.Start(context.Background())
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, before, h.c.View())
	assert.Equal(t, 1, h.be.starts)
}

func TestSubmitTwiceReturnsSameAck(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 600)
	require.NoError(t, h.c.Start(context.Background()))

	first, err := h.c.Submit(context.Background())
	require.NoError(t, err)
	second, err := h.c.Submit(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, h.be.submits(), 1)
}

func TestSubmitBeforeStart(t *testing.T) {
	h := newHarness(t, model.ExamSettings{}, 600)
	_, err := h.c.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestMandatoryCameraBlocksStart(t *testing.T) {
	s := model.ExamSettings{}
	s.Proctoring.Enabled = true
	s.Proctoring.WebcamRequired = true
	s.Proctoring.FaceDetection = true
	h := newHarness(t, s, 600)

	summary, err := h.c.SystemCheck(context.Background(), nil)
	require.ErrorIs(t, err, proctor.ErrCapabilityUnavailable)
	assert.False(t, summary.Passed)
	assert.ErrorIs(t, h.c.Start(context.Background()), proctor.ErrCapabilityUnavailable)
	assert.Equal(t, 0, h.be.starts)
}

func TestCloseReleasesGrantedMediaOnce(t *testing.T) {
	s := model.ExamSettings{}
	s.Proctoring.Enabled = true
	s.Proctoring.FaceDetection = true
	s.Proctoring.MicrophoneMonitoring = true
	h := newHarness(t, s, 600)

	_, err := h.c.SystemCheck(context.Background(), []proctor.Device{proctor.DeviceCamera, proctor.DeviceMicrophone})
	require.NoError(t, err)
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Abandon())

	released := map[string]int{}
	timeout := time.After(2 * time.Second)
	for len(released) < 2 {
		select {
		case e := <-h.events:
			if e.Kind == event.KindReleaseMedia {
				released[e.Device]++
			}
		case <-timeout:
			t.Fatal("media not released")
		}
	}
	h.c.Close()
	h.c.Close()
	assert.Equal(t, map[string]int{"camera": 1, "microphone": 1}, released)
	assert.Equal(t, model.SessionStatusAbandoned, h.c.Status())
}

func TestAnalyzeFrameRecordsServerViolations(t *testing.T) {
	s := model.ExamSettings{}
	s.Proctoring.Enabled = true
	s.Proctoring.AIMonitoring = true
	h := newHarness(t, s, 600)
	h.be.analysis = []model.AnalysisResult{{Type: model.ViolationAIFlagged, Severity: model.SeverityLow}}

	_, err := h.c.SystemCheck(context.Background(), []proctor.Device{proctor.DeviceCamera})
	require.NoError(t, err)
	require.NoError(t, h.c.Start(context.Background()))

	assert.Equal(t, 1, h.c.AnalyzeFrame(context.Background(), backend.Upload{}))
	v := h.waitFor(t, event.KindViolation)
	assert.Equal(t, model.SeverityLow, v.Violation.Severity)
}
