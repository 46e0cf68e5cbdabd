package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func questions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{ID: fmt.Sprint(i + 1), OrderNum: i + 1}
	}
	return qs
}

func started(t *testing.T, n, duration int) *Session {
	t.Helper()
	s := New("exam-1")
	require.NoError(t, s.Start("sess-1", questions(n), duration, t0))
	return s
}

func TestStartTwiceFailsAndLeavesStateUnchanged(t *testing.T) {
	s := started(t, 3, 120)
	require.NoError(t, s.RecordAnswer("2", model.TextAnswer("A"), t0))
	before := s.View()

	err := s.Start("sess-2", questions(10), 999, t0.Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, s.View())
	assert.Equal(t, "sess-1", s.ID())
}

func TestStartRejectsEmptyQuestionSet(t *testing.T) {
	s := New("exam-1")
	require.ErrorIs(t, s.Start("sess-1", nil, 60, t0), ErrNoQuestions)
	assert.Equal(t, model.SessionStatusNotStarted, s.Status())
}

func TestRecordAnswerLastWriteWins(t *testing.T) {
	s := started(t, 6, 120)
	require.NoError(t, s.RecordAnswer("5", model.TextAnswer("B"), t0))
	require.NoError(t, s.RecordAnswer("5", model.TextAnswer("C"), t0.Add(time.Second)))

	view := s.View()
	require.Len(t, view.Answers, 1)
	var got string
	require.NoError(t, json.Unmarshal(view.Answers["5"], &got))
	assert.Equal(t, "C", got)
}

func TestRecordAnswerValidation(t *testing.T) {
	s := New("exam-1")
	require.ErrorIs(t, s.RecordAnswer("1", model.TextAnswer("A"), t0), ErrInvalidTransition)

	s = started(t, 2, 60)
	require.ErrorIs(t, s.RecordAnswer("99", model.TextAnswer("A"), t0), ErrUnknownQuestion)
	require.ErrorIs(t, s.RecordAnswer("1", nil, t0), ErrEmptyAnswer)

	structured := json.RawMessage(`{"choices":["a","c"]}`)
	require.NoError(t, s.RecordAnswer("1", structured, t0))
	assert.JSONEq(t, string(structured), string(s.View().Answers["1"]))
}

func TestToggleFlagIsInvolutive(t *testing.T) {
	s := started(t, 3, 60)
	require.NoError(t, func() error { _, err := s.ToggleFlag("3"); return err }())
	before := s.View().Flagged

	on, err := s.ToggleFlag("1")
	require.NoError(t, err)
	assert.True(t, on)
	off, err := s.ToggleFlag("1")
	require.NoError(t, err)
	assert.False(t, off)

	assert.Equal(t, before, s.View().Flagged)
}

func TestNavigateClampsAtBoundaries(t *testing.T) {
	s := started(t, 4, 60)

	idx, err := s.Navigate(2)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	for _, out := range []int{-1, 4, 100} {
		idx, err = s.Navigate(out)
		require.NoError(t, err)
		assert.Equal(t, 2, idx, "navigate(%d) is a no-op", out)
	}
}

func TestTickIsMonotonicAndEdgeTriggered(t *testing.T) {
	s := started(t, 1, 5)
	steps := []int{1, 0, -3, 2, 7, 1, 1}
	prev := s.Remaining()
	expiries := 0
	for _, step := range steps {
		rem, expired := s.Tick(step)
		assert.LessOrEqual(t, rem, prev)
		assert.GreaterOrEqual(t, rem, 0)
		if expired {
			expiries++
		}
		prev = rem
	}
	assert.Equal(t, 0, s.Remaining())
	assert.Equal(t, 1, expiries)
}

func TestTickScenarioOneTwentySeconds(t *testing.T) {
	s := started(t, 2, 120)
	expiries := 0
	for i := 0; i < 120; i++ {
		if _, expired := s.Tick(1); expired {
			expiries++
		}
	}
	_, again := s.Tick(1)
	assert.False(t, again)
	assert.Equal(t, 1, expiries)
	assert.Equal(t, 0, s.Remaining())
}

func TestViolationsArePermanent(t *testing.T) {
	s := New("exam-1")
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationTabSwitch, Severity: model.SeverityMedium}))
	require.NoError(t, s.Start("sess-1", questions(2), 60, t0))
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationCopyPaste, Severity: model.SeverityHigh}))

	counts := []int{s.ViolationCount()}
	_, err := s.BeginSubmit(t0)
	require.NoError(t, err)
	counts = append(counts, s.ViolationCount())
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationRightClick, Severity: model.SeverityLow}))
	counts = append(counts, s.ViolationCount())
	s.SubmissionFailed()
	counts = append(counts, s.ViolationCount())
	require.NoError(t, s.Complete())
	counts = append(counts, s.ViolationCount())

	for i := 1; i < len(counts); i++ {
		assert.GreaterOrEqual(t, counts[i], counts[i-1])
	}
	require.ErrorIs(t, s.RecordViolation(model.Violation{Type: model.ViolationTabSwitch}), ErrSessionClosed)
	assert.Equal(t, 3, s.ViolationCount())
}

func TestSnapshotIsPointInTime(t *testing.T) {
	s := started(t, 3, 60)
	require.NoError(t, s.RecordAnswer("1", model.TextAnswer("A"), t0.Add(10*time.Second)))
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationCopyPaste, Severity: model.SeverityHigh}))

	snap, err := s.BeginSubmit(t0.Add(30 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSubmitting, s.Status())

	// Late input is accepted while submitting but does not leak into the snapshot.
	require.NoError(t, s.RecordAnswer("2", model.TextAnswer("B"), t0.Add(31*time.Second)))
	require.NoError(t, s.RecordViolation(model.Violation{Type: model.ViolationTabSwitch, Severity: model.SeverityMedium}))

	assert.Len(t, snap.Answers, 1)
	assert.Len(t, snap.Violations, 1)
	assert.Equal(t, 30, snap.TimeSpentSeconds)
	assert.InDelta(t, 10.0, snap.AverageResponse, 0.001)
	assert.Equal(t, 3, snap.TotalQuestions)
}

func TestCompletedFreezesState(t *testing.T) {
	s := started(t, 3, 60)
	_, err := s.BeginSubmit(t0)
	require.NoError(t, err)
	require.NoError(t, s.Complete())
	before := s.View()

	require.Error(t, s.RecordAnswer("1", model.TextAnswer("A"), t0))
	_, err = s.ToggleFlag("1")
	require.Error(t, err)
	_, err = s.Navigate(2)
	require.Error(t, err)
	s.Tick(10)
	s.MarkTimeExpired()

	assert.Equal(t, before, s.View())
	_, err = s.BeginSubmit(t0)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestFailedSubmissionLocksAnswers(t *testing.T) {
	s := started(t, 2, 60)
	_, err := s.BeginSubmit(t0)
	require.NoError(t, err)
	s.SubmissionFailed()

	require.ErrorIs(t, s.RecordAnswer("1", model.TextAnswer("A"), t0), ErrAnswersLocked)
	assert.True(t, s.View().AnswersLocked)

	// A retry may begin again from SUBMITTING.
	_, err = s.BeginSubmit(t0)
	require.NoError(t, err)
}

func TestTimeExpiredLocksAnswers(t *testing.T) {
	s := started(t, 2, 1)
	_, expired := s.Tick(1)
	require.True(t, expired)
	s.MarkTimeExpired()

	require.ErrorIs(t, s.RecordAnswer("1", model.TextAnswer("A"), t0), ErrAnswersLocked)
	assert.Equal(t, model.SessionStatusInProgress, s.Status())
	require.NoError(t, s.Abandon())
	assert.Equal(t, model.SessionStatusAbandoned, s.Status())
}
