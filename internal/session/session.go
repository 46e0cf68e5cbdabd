package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Session is the exam session aggregate and the single source of truth for
// its status. All methods are safe for concurrent use; the controller is the
// only holder of a *Session.
type Session struct {
	mu sync.RWMutex

	id        string
	examID    string
	status    model.SessionStatus
	questions []model.Question
	index     map[string]int

	answers    map[string]json.RawMessage
	answeredAt map[string]time.Time
	flagged    map[string]struct{}

	currentIndex int
	remaining    int
	expired      bool
	locked       bool

	violations []model.Violation
	startedAt  time.Time
}

// New creates a NOT_STARTED session for examID.
func New(examID string) *Session {
	return &Session{
		examID:     examID,
		status:     model.SessionStatusNotStarted,
		answers:    make(map[string]json.RawMessage),
		answeredAt: make(map[string]time.Time),
		flagged:    make(map[string]struct{}),
	}
}

// Start moves NOT_STARTED → IN_PROGRESS. On error the session is unchanged.
func (s *Session) Start(sessionID string, questions []model.Question, durationSeconds int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != model.SessionStatusNotStarted {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.status)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}
	if durationSeconds < 0 {
		return fmt.Errorf("negative duration %d", durationSeconds)
	}

	index := make(map[string]int, len(questions))
	for i, q := range questions {
		if _, dup := index[q.ID]; dup {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		index[q.ID] = i
	}

	s.id = sessionID
	s.questions = append([]model.Question(nil), questions...)
	s.index = index
	s.remaining = durationSeconds
	s.currentIndex = 0
	s.startedAt = now
	s.status = model.SessionStatusInProgress
	return nil
}

// ID returns the backend-assigned session ID (empty before Start).
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// ExamID returns the exam this session belongs to.
func (s *Session) ExamID() string { return s.examID }

// Status returns the current status.
func (s *Session) Status() model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Questions returns the fixed question sequence.
func (s *Session) Questions() []model.Question {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Question(nil), s.questions...)
}

// active reports whether the session accepts mutations. Caller holds mu.
func (s *Session) active() bool {
	return s.status == model.SessionStatusInProgress || s.status == model.SessionStatusSubmitting
}

// RecordAnswer upserts the answer for questionID; last write wins.
// Answers are still accepted while SUBMITTING so late input is not lost,
// but they are not part of an already-built snapshot.
func (s *Session) RecordAnswer(questionID string, value json.RawMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active() {
		return fmt.Errorf("%w: answer while %s", ErrInvalidTransition, s.status)
	}
	if s.expired || s.locked {
		return ErrAnswersLocked
	}
	if _, ok := s.index[questionID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if len(value) == 0 {
		return ErrEmptyAnswer
	}

	s.answers[questionID] = append(json.RawMessage(nil), value...)
	if _, seen := s.answeredAt[questionID]; !seen {
		s.answeredAt[questionID] = now
	}
	return nil
}

// ToggleFlag adds questionID to the review set, or removes it if present.
func (s *Session) ToggleFlag(questionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active() {
		return false, fmt.Errorf("%w: flag while %s", ErrInvalidTransition, s.status)
	}
	if s.locked {
		return false, ErrAnswersLocked
	}
	if _, ok := s.index[questionID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}

	if _, ok := s.flagged[questionID]; ok {
		delete(s.flagged, questionID)
		return false, nil
	}
	s.flagged[questionID] = struct{}{}
	return true, nil
}

// Navigate moves to index. Out-of-range indexes are a silent no-op.
// It returns the resulting current index.
func (s *Session) Navigate(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active() {
		return s.currentIndex, fmt.Errorf("%w: navigate while %s", ErrInvalidTransition, s.status)
	}
	if index >= 0 && index < len(s.questions) {
		s.currentIndex = index
	}
	return s.currentIndex, nil
}

// Tick decrements the remaining time, floored at zero. expired is true only
// on the call that reaches zero; later calls never report it again.
func (s *Session) Tick(seconds int) (remaining int, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active() || seconds <= 0 || s.remaining == 0 {
		return s.remaining, false
	}
	s.remaining -= seconds
	if s.remaining < 0 {
		s.remaining = 0
	}
	return s.remaining, s.remaining == 0
}

// Remaining returns the remaining seconds.
func (s *Session) Remaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remaining
}

// RecordViolation appends v. Violations are accepted in every status except
// the terminal ones, including NOT_STARTED and SUBMITTING.
func (s *Session) RecordViolation(v model.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return fmt.Errorf("%w: violation while %s", ErrSessionClosed, s.status)
	}
	s.violations = append(s.violations, v)
	return nil
}

// Violations returns a copy of the violation log.
func (s *Session) Violations() []model.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Violation(nil), s.violations...)
}

// ViolationCount returns len(violations); it never decreases.
func (s *Session) ViolationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.violations)
}

// MarkTimeExpired disables answer mutation once time has run out, whether or
// not the exam auto-submits.
func (s *Session) MarkTimeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active() {
		s.expired = true
	}
}

// TimeExpired reports whether MarkTimeExpired was applied.
func (s *Session) TimeExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

// Snapshot is the frozen state a submission payload is built from.
type Snapshot struct {
	SessionID        string
	Answers          map[string]json.RawMessage
	Violations       []model.Violation
	TotalQuestions   int
	FlaggedCount     int
	TimeSpentSeconds int
	AverageResponse  float64
}

// BeginSubmit moves IN_PROGRESS → SUBMITTING and returns a snapshot taken at
// this instant. It fails with ErrAlreadySubmitted once COMPLETED.
func (s *Session) BeginSubmit(now time.Time) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case model.SessionStatusCompleted:
		return nil, ErrAlreadySubmitted
	case model.SessionStatusInProgress, model.SessionStatusSubmitting:
	default:
		return nil, fmt.Errorf("%w: submit while %s", ErrInvalidTransition, s.status)
	}
	s.status = model.SessionStatusSubmitting

	answers := make(map[string]json.RawMessage, len(s.answers))
	for k, v := range s.answers {
		answers[k] = append(json.RawMessage(nil), v...)
	}

	snap := &Snapshot{
		SessionID:        s.id,
		Answers:          answers,
		Violations:       append([]model.Violation(nil), s.violations...),
		TotalQuestions:   len(s.questions),
		FlaggedCount:     len(s.flagged),
		TimeSpentSeconds: int(now.Sub(s.startedAt).Seconds()),
	}
	if n := len(s.answeredAt); n > 0 {
		// Mean delay from session start to each question's first answer.
		var total time.Duration
		for _, at := range s.answeredAt {
			total += at.Sub(s.startedAt)
		}
		snap.AverageResponse = total.Seconds() / float64(n)
	}
	return snap, nil
}

// SubmissionFailed locks answers after a failed attempt. The session stays
// SUBMITTING so the only way forward is a retry of the same snapshot.
func (s *Session) SubmissionFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.SessionStatusSubmitting {
		s.locked = true
	}
}

// Complete moves SUBMITTING → COMPLETED.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.SessionStatusSubmitting {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.status)
	}
	s.status = model.SessionStatusCompleted
	return nil
}

// Abandon moves IN_PROGRESS or SUBMITTING → ABANDONED.
func (s *Session) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return fmt.Errorf("%w: abandon from %s", ErrInvalidTransition, s.status)
	}
	s.status = model.SessionStatusAbandoned
	return nil
}

// View returns a read-only copy for rendering.
func (s *Session) View() model.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	answers := make(map[string]json.RawMessage, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	flagged := make([]string, 0, len(s.flagged))
	for q := range s.flagged {
		flagged = append(flagged, q)
	}
	sort.Strings(flagged)

	view := model.SessionSnapshot{
		SessionID:        s.id,
		ExamID:           s.examID,
		Status:           s.status,
		CurrentIndex:     s.currentIndex,
		TotalQuestions:   len(s.questions),
		RemainingSeconds: s.remaining,
		TimeExpired:      s.expired,
		AnswersLocked:    s.expired || s.locked,
		Answers:          answers,
		Flagged:          flagged,
		ViolationCount:   len(s.violations),
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		view.StartedAt = &started
	}
	return view
}
