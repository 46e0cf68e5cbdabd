package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/controller"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	reapInterval       = time.Minute
	checkpointTimeout  = 3 * time.Second
	// metaEvery is how often, in countdown seconds, remaining time is checkpointed.
	metaEvery = 15
)

var (
	ErrSessionNotFound = errors.New("exam session not found")
	ErrInvalidExam     = errors.New("exam definition is invalid")
)

// ExamValidationError lists the fields of a backend exam that failed validation.
type ExamValidationError struct {
	Fields map[string]string
}

func (e *ExamValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return ErrInvalidExam.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ExamValidationError) Unwrap() error { return ErrInvalidExam }

// ExamBackend is the exam backend as seen through one student's token.
type ExamBackend interface {
	controller.Backend
	GetExam(ctx context.Context, examID string) (*model.Exam, error)
	GetQuestions(ctx context.Context, examID string) ([]model.Question, error)
}

// BackendFactory binds the backend to a student's bearer token.
type BackendFactory func(token string) ExamBackend

// AuditSink receives violations, submission outcomes and status changes.
type AuditSink interface {
	Violation(rec model.ViolationRecord)
	Submission(rec model.SubmissionRecord)
	SessionStatus(examID string, studentID int, sessionID string, status model.SessionStatus)
}

// ControllerSettings are the per-session tunables copied into every controller.
type ControllerSettings struct {
	SamplingInterval   time.Duration
	AlertCooldown      time.Duration
	AudioThreshold     float64
	FaceMaxAge         time.Duration
	AudioMaxAge        time.Duration
	SubmitTimeout      time.Duration
	AutoSubmitAttempts int
	RetryBackoff       time.Duration
}

// ProctorOptions configures a ProctorService.
type ProctorOptions struct {
	Backend     BackendFactory
	Checkpoints Checkpointer
	Sink        AuditSink
	Clock       clock.Clock
	Log         zerolog.Logger
	// IdleTimeout is how long a finished, expired or never-started session
	// stays registered without client activity.
	IdleTimeout time.Duration
	Controller  ControllerSettings
}

// PreparedSession is returned to the client after Prepare.
type PreparedSession struct {
	Handle        string                `json:"handle"`
	Exam          *model.Exam           `json:"exam"`
	Questions     []model.Question      `json:"questions"`
	Devices       []proctor.Device      `json:"devices"`
	Status        model.SessionStatus   `json:"status"`
	MonitorStatus proctor.Status        `json:"monitor_status"`
	View          model.SessionSnapshot `json:"state"`
}

type liveSession struct {
	handle    string
	studentID int
	examID    string
	ctrl      *controller.Controller

	mu       sync.Mutex
	lastSeen time.Time
}

func (ls *liveSession) touch(now time.Time) {
	ls.mu.Lock()
	ls.lastSeen = now
	ls.mu.Unlock()
}

func (ls *liveSession) idleSince() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.lastSeen
}

// ProctorService owns every live exam session controller of this gateway.
type ProctorService struct {
	backend     BackendFactory
	checkpoints Checkpointer
	sink        AuditSink
	clock       clock.Clock
	log         zerolog.Logger
	idleTimeout time.Duration
	settings    ControllerSettings

	prepare singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*liveSession
	// byStudentExam maps "studentID:examID" to the newest handle.
	byStudentExam map[string]string
	// closedDrops carries the event drops of reaped controllers.
	closedDrops atomic.Int64

	wg sync.WaitGroup
}

// NewProctorService creates a new ProctorService.
func NewProctorService(opts ProctorOptions) *ProctorService {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &ProctorService{
		backend:       opts.Backend,
		checkpoints:   opts.Checkpoints,
		sink:          opts.Sink,
		clock:         opts.Clock,
		log:           opts.Log.With().Str("component", "proctor_service").Logger(),
		idleTimeout:   opts.IdleTimeout,
		settings:      opts.Controller,
		sessions:      make(map[string]*liveSession),
		byStudentExam: make(map[string]string),
	}
}

func studentExamKey(studentID int, examID string) string {
	return fmt.Sprintf("%d:%s", studentID, examID)
}

// Prepare loads an exam and builds its session controller. A student who
// already holds a live session for the exam gets that session back.
func (s *ProctorService) Prepare(ctx context.Context, studentID int, token, examID string) (*PreparedSession, error) {
	key := studentExamKey(studentID, examID)
	v, err, _ := s.prepare.Do(key, func() (interface{}, error) {
		if ls := s.lookupLive(key); ls != nil {
			ls.touch(s.clock.Now())
			return ls, nil
		}
		return s.create(ctx, studentID, token, examID)
	})
	if err != nil {
		return nil, err
	}
	return prepared(v.(*liveSession)), nil
}

func (s *ProctorService) lookupLive(key string) *liveSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[s.byStudentExam[key]]
	if !ok || isDone(ls.ctrl) {
		return nil
	}
	return ls
}

func (s *ProctorService) create(ctx context.Context, studentID int, token, examID string) (*liveSession, error) {
	be := s.backend(token)

	var (
		exam      *model.Exam
		questions []model.Question
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		exam, err = be.GetExam(gctx, examID)
		if err != nil {
			return fmt.Errorf("fetch exam: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		questions, err = be.GetQuestions(gctx, examID)
		if err != nil {
			return fmt.Errorf("fetch questions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if exam.ID == "" {
		exam.ID = examID
	}
	if fields := validator.Struct(exam); fields != nil {
		return nil, &ExamValidationError{Fields: fields}
	}

	ls := &liveSession{
		handle:    uuid.NewString(),
		studentID: studentID,
		examID:    exam.ID,
		lastSeen:  s.clock.Now(),
	}
	ctrl, err := controller.New(controller.Options{
		Exam:               exam,
		Questions:          questions,
		Backend:            be,
		Clock:              s.clock,
		Log:                s.log.With().Int("student_id", studentID).Str("handle", ls.handle).Logger(),
		SamplingInterval:   s.settings.SamplingInterval,
		AlertCooldown:      s.settings.AlertCooldown,
		AudioThreshold:     s.settings.AudioThreshold,
		FaceMaxAge:         s.settings.FaceMaxAge,
		AudioMaxAge:        s.settings.AudioMaxAge,
		SubmitTimeout:      s.settings.SubmitTimeout,
		AutoSubmitAttempts: s.settings.AutoSubmitAttempts,
		RetryBackoff:       s.settings.RetryBackoff,
		OnViolation: func(sessionID string, v model.Violation, afterSnapshot bool) {
			s.sink.Violation(model.ViolationRecord{
				SessionID:     sessionID,
				ExamID:        ls.examID,
				StudentID:     studentID,
				Type:          v.Type,
				Severity:      v.Severity,
				Source:        v.Source,
				AfterSnapshot: afterSnapshot,
				OccurredAt:    v.Timestamp,
			})
		},
		OnOutcome: func(o submission.Outcome) {
			s.sink.Submission(submissionRecord(ls, o))
		},
	})
	if err != nil {
		return nil, err
	}
	ls.ctrl = ctrl

	// Subscribe before the controller is reachable so no state is missed.
	events, cancel := ctrl.Subscribe(64)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.watch(ls, events)
	}()

	s.mu.Lock()
	s.sessions[ls.handle] = ls
	s.byStudentExam[studentExamKey(studentID, exam.ID)] = ls.handle
	s.mu.Unlock()

	s.log.Info().Str("handle", ls.handle).Str("exam_id", exam.ID).Int("student_id", studentID).
		Int("questions", len(questions)).Msg("Exam session prepared")
	return ls, nil
}

func submissionRecord(ls *liveSession, o submission.Outcome) model.SubmissionRecord {
	rec := model.SubmissionRecord{
		SessionID:      o.SessionID,
		ExamID:         ls.examID,
		StudentID:      ls.studentID,
		IdempotencyKey: o.IdempotencyKey,
		Attempt:        o.Attempt,
		Succeeded:      o.Err == nil,
		Retryable:      o.Retryable,
		Violations:     o.Violations,
		AttemptedAt:    o.At,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	if o.Ack != nil {
		score := o.Ack.Score
		rec.Score = &score
	}
	return rec
}

func prepared(ls *liveSession) *PreparedSession {
	exam := ls.ctrl.Exam()
	return &PreparedSession{
		Handle:        ls.handle,
		Exam:          exam,
		Questions:     ls.ctrl.Questions(),
		Devices:       proctor.CapabilitiesFor(exam.Settings).Devices(),
		Status:        ls.ctrl.Status(),
		MonitorStatus: ls.ctrl.MonitorStatus(),
		View:          ls.ctrl.View(),
	}
}

// watch mirrors a session's outward events into the checkpoint store and
// the monitor feed until the controller closes its bus.
func (s *ProctorService) watch(ls *liveSession, events <-chan event.Event) {
	var last model.SessionStatus
	for e := range events {
		switch e.Kind {
		case event.KindState:
			if e.Snapshot == nil {
				continue
			}
			snap := e.Snapshot
			if snap.SessionID == "" {
				continue
			}
			s.checkpoint(func(ctx context.Context) error {
				return s.checkpoints.SaveMeta(ctx, snap.SessionID, snap.Status, snap.RemainingSeconds)
			})
			if snap.Status != last {
				last = snap.Status
				s.sink.SessionStatus(ls.examID, ls.studentID, snap.SessionID, snap.Status)
				if snap.Status.Terminal() {
					s.checkpoint(func(ctx context.Context) error {
						return s.checkpoints.Retire(ctx, snap.SessionID)
					})
				}
			}
		case event.KindTick:
			if last == "" || e.Remaining%metaEvery != 0 {
				continue
			}
			id, status, remaining := ls.ctrl.SessionID(), last, e.Remaining
			s.checkpoint(func(ctx context.Context) error {
				return s.checkpoints.SaveMeta(ctx, id, status, remaining)
			})
		}
	}
}

func (s *ProctorService) checkpoint(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Checkpoint write failed")
	}
}

// Get returns the controller behind handle if it belongs to studentID.
func (s *ProctorService) Get(handle string, studentID int) (*controller.Controller, error) {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return nil, err
	}
	return ls.ctrl, nil
}

func (s *ProctorService) get(handle string, studentID int) (*liveSession, error) {
	s.mu.RLock()
	ls, ok := s.sessions[handle]
	s.mu.RUnlock()
	if !ok || ls.studentID != studentID {
		return nil, ErrSessionNotFound
	}
	ls.touch(s.clock.Now())
	return ls, nil
}

// SystemCheck runs the device check with the devices the client was granted.
func (s *ProctorService) SystemCheck(ctx context.Context, handle string, studentID int, granted []proctor.Device) (*proctor.CheckSummary, error) {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return nil, err
	}
	return ls.ctrl.SystemCheck(ctx, granted)
}

// Start opens the session on the backend and starts timing and monitoring.
func (s *ProctorService) Start(ctx context.Context, handle string, studentID int) (model.SessionSnapshot, error) {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := ls.ctrl.Start(ctx); err != nil {
		return model.SessionSnapshot{}, err
	}
	s.checkpoint(func(ctx context.Context) error {
		return s.checkpoints.Register(ctx, ls.examID, ls.ctrl.SessionID(), studentID)
	})
	return ls.ctrl.View(), nil
}

// RecordAnswer stores an answer and checkpoints it.
func (s *ProctorService) RecordAnswer(ctx context.Context, handle string, studentID int, questionID string, value json.RawMessage) error {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return err
	}
	if err := ls.ctrl.RecordAnswer(questionID, value); err != nil {
		return err
	}
	if err := s.checkpoints.SaveAnswer(ctx, ls.ctrl.SessionID(), questionID, value); err != nil {
		s.log.Warn().Err(err).Str("handle", handle).Msg("Answer checkpoint failed")
	}
	return nil
}

// ToggleFlag flips a question's review flag and checkpoints it.
func (s *ProctorService) ToggleFlag(ctx context.Context, handle string, studentID int, questionID string) (bool, error) {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return false, err
	}
	flagged, err := ls.ctrl.ToggleFlag(questionID)
	if err != nil {
		return false, err
	}
	if err := s.checkpoints.SaveFlag(ctx, ls.ctrl.SessionID(), questionID, flagged); err != nil {
		s.log.Warn().Err(err).Str("handle", handle).Msg("Flag checkpoint failed")
	}
	return flagged, nil
}

// Submit submits the session; see controller.Controller.Submit.
func (s *ProctorService) Submit(ctx context.Context, handle string, studentID int) (*model.ServerAck, error) {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return nil, err
	}
	return ls.ctrl.Submit(ctx)
}

// Abandon ends the session without grading.
func (s *ProctorService) Abandon(handle string, studentID int) error {
	ls, err := s.get(handle, studentID)
	if err != nil {
		return err
	}
	return ls.ctrl.Abandon()
}

// Count returns the number of registered sessions.
func (s *ProctorService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Run reaps idle sessions until ctx is done.
func (s *ProctorService) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.log.Info().Int("reaped", n).Int("live", s.Count()).Msg("Reaped idle exam sessions")
			}
		}
	}
}

// Reap closes sessions idle for longer than the idle timeout that are
// finished, expired, or were never started. Running sessions stay, so an
// offline student is still auto-submitted on expiry.
func (s *ProctorService) Reap() int {
	now := s.clock.Now()

	var victims []*liveSession
	s.mu.Lock()
	for handle, ls := range s.sessions {
		if now.Sub(ls.idleSince()) < s.idleTimeout || !reapable(ls.ctrl) {
			continue
		}
		victims = append(victims, ls)
		delete(s.sessions, handle)
		key := studentExamKey(ls.studentID, ls.examID)
		if s.byStudentExam[key] == handle {
			delete(s.byStudentExam, key)
		}
	}
	s.mu.Unlock()

	for _, ls := range victims {
		if !isDone(ls.ctrl) {
			s.log.Warn().Str("handle", ls.handle).Str("status", string(ls.ctrl.Status())).Msg("Closing unfinished idle session")
			// Expired and never submitted: the student walked away.
			if ls.ctrl.Status() != model.SessionStatusNotStarted {
				_ = ls.ctrl.Abandon()
			}
		}
		ls.ctrl.Close()
		s.closedDrops.Add(int64(ls.ctrl.DroppedEvents()))
	}
	return len(victims)
}

// ClientEventsDropped is the number of session events client streams missed,
// over every controller this service has run.
func (s *ProctorService) ClientEventsDropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.closedDrops.Load()
	for _, ls := range s.sessions {
		n += int64(ls.ctrl.DroppedEvents())
	}
	return n
}

func reapable(ctrl *controller.Controller) bool {
	if isDone(ctrl) {
		return true
	}
	if ctrl.Status() == model.SessionStatusNotStarted {
		return true
	}
	view := ctrl.View()
	return view.TimeExpired
}

func isDone(ctrl *controller.Controller) bool {
	select {
	case <-ctrl.Done():
		return true
	default:
		return false
	}
}

// CloseAll closes every session and waits for the watchers. Used on shutdown.
func (s *ProctorService) CloseAll() {
	s.mu.Lock()
	all := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		all = append(all, ls)
	}
	s.sessions = make(map[string]*liveSession)
	s.byStudentExam = make(map[string]string)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ls := range all {
		wg.Add(1)
		go func(ls *liveSession) {
			defer wg.Done()
			ls.ctrl.Close()
		}(ls)
	}
	wg.Wait()
	s.wg.Wait()
	s.log.Info().Int("closed", len(all)).Msg("All exam sessions closed")
}
