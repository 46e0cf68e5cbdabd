// Package submission turns a session into exactly one graded attempt on the
// exam backend. The payload is frozen once per submission and reused for
// every retry, and concurrent submit requests for the same session share a
// single network call.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// DefaultTimeout bounds one submit call.
const DefaultTimeout = 30 * time.Second

// Submitter is the backend call the pipeline drives.
type Submitter interface {
	SubmitSession(ctx context.Context, sessionID string, payload *model.SubmissionPayload) (*model.ServerAck, error)
}

// SubmissionError is a failed attempt. Retryable attempts may be repeated
// with the same payload.
type SubmissionError struct {
	Err       error
	Retryable bool
}

func (e *SubmissionError) Error() string {
	if e.Retryable {
		return "submission failed (retryable): " + e.Err.Error()
	}
	return "submission failed: " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable *SubmissionError.
func IsRetryable(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Retryable
}

// Outcome describes one finished attempt, for auditing.
type Outcome struct {
	SessionID      string
	IdempotencyKey string
	Attempt        int
	Ack            *model.ServerAck
	Err            error
	Retryable      bool
	Violations     int
	At             time.Time
}

// Options configures a Pipeline.
type Options struct {
	Backend  Submitter
	Settings model.ExamSettings
	Timeout  time.Duration
	Clock    clock.Clock
	Log      zerolog.Logger
	// OnOutcome, when set, observes every attempt.
	OnOutcome func(Outcome)
}

// Pipeline submits sessions.
type Pipeline struct {
	backend   Submitter
	settings  model.ExamSettings
	timeout   time.Duration
	clock     clock.Clock
	log       zerolog.Logger
	onOutcome func(Outcome)

	group singleflight.Group

	mu       sync.Mutex
	payloads map[string]*model.SubmissionPayload
	attempts map[string]int
	acks     map[string]*model.ServerAck
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Pipeline{
		backend:   opts.Backend,
		settings:  opts.Settings,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		log:       opts.Log.With().Str("component", "submission_pipeline").Logger(),
		onOutcome: opts.OnOutcome,
		payloads:  make(map[string]*model.SubmissionPayload),
		attempts:  make(map[string]int),
		acks:      make(map[string]*model.ServerAck),
	}
}

// Submit runs one attempt for sess. After success, later calls return the
// cached ack together with session.ErrAlreadySubmitted, which callers treat
// as success.
//
// The attempt is not tied to any one caller: it runs under the pipeline
// timeout only, and every caller waits for it under its own ctx. A caller
// that gives up gets a retryable error while the attempt carries on for the
// others; its outcome still reaches OnOutcome.
func (p *Pipeline) Submit(ctx context.Context, sess *session.Session) (*model.ServerAck, error) {
	id := sess.ID()
	if ack := p.cachedAck(id); ack != nil {
		return ack, session.ErrAlreadySubmitted
	}

	attemptCtx := context.WithoutCancel(ctx)
	ch := p.group.DoChan(id, func() (any, error) {
		return p.attempt(attemptCtx, sess)
	})
	select {
	case res := <-ch:
		if res.Shared {
			p.log.Debug().Str("session_id", id).Msg("Joined in-flight submission")
		}
		ack, _ := res.Val.(*model.ServerAck)
		return ack, res.Err
	case <-ctx.Done():
		return nil, &SubmissionError{Err: ctx.Err(), Retryable: true}
	}
}

// Payload returns the frozen payload of a pending submission, or nil.
func (p *Pipeline) Payload(sessionID string) *model.SubmissionPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloads[sessionID]
}

func (p *Pipeline) cachedAck(id string) *model.ServerAck {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acks[id]
}

func (p *Pipeline) attempt(ctx context.Context, sess *session.Session) (*model.ServerAck, error) {
	id := sess.ID()
	if ack := p.cachedAck(id); ack != nil {
		return ack, session.ErrAlreadySubmitted
	}

	payload, err := p.payloadFor(sess)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.attempts[id]++
	attempt := p.attempts[id]
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.log.With().Str("session_id", id).Int("attempt", attempt).Logger()
	log.Info().Int("answers", len(payload.Answers)).Int("violations", len(payload.ProctorViolations)).Msg("Submitting session")

	ack, err := p.backend.SubmitSession(callCtx, id, payload)
	if errors.Is(err, backend.ErrAlreadySubmitted) {
		// An earlier attempt reached the backend; its response was lost.
		log.Warn().Msg("Backend reports session already submitted")
		ack, err = &model.ServerAck{}, nil
	}
	if err != nil {
		retryable := backend.IsTransient(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
		sess.SubmissionFailed()
		subErr := &SubmissionError{Err: err, Retryable: retryable}
		log.Error().Err(err).Bool("retryable", retryable).Msg("Submission failed")
		p.report(Outcome{SessionID: id, IdempotencyKey: payload.IdempotencyKey, Attempt: attempt, Err: err, Retryable: retryable, Violations: len(payload.ProctorViolations)})
		return nil, subErr
	}

	if err := sess.Complete(); err != nil {
		// Abandoned while the request was in flight; the backend has the attempt.
		log.Warn().Err(err).Msg("Session not completable after successful submit")
	}

	p.mu.Lock()
	p.acks[id] = ack
	delete(p.payloads, id)
	p.mu.Unlock()

	log.Info().Float64("score", ack.Score).Msg("Session submitted")
	p.report(Outcome{SessionID: id, IdempotencyKey: payload.IdempotencyKey, Attempt: attempt, Ack: ack, Violations: len(payload.ProctorViolations)})
	return ack, nil
}

// payloadFor returns the cached payload or freezes a new one.
func (p *Pipeline) payloadFor(sess *session.Session) (*model.SubmissionPayload, error) {
	id := sess.ID()
	p.mu.Lock()
	cached := p.payloads[id]
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	snap, err := sess.BeginSubmit(p.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	payload := Build(snap, p.settings)
	payload.IdempotencyKey = uuid.NewString()

	p.mu.Lock()
	p.payloads[id] = payload
	p.mu.Unlock()
	return payload, nil
}

func (p *Pipeline) report(o Outcome) {
	if p.onOutcome == nil {
		return
	}
	o.At = p.clock.Now()
	p.onOutcome(o)
}

// Build converts a snapshot into the wire payload. Violations are only
// included when proctoring is enabled; interview metrics only in interview
// mode.
func Build(snap *session.Snapshot, settings model.ExamSettings) *model.SubmissionPayload {
	payload := &model.SubmissionPayload{
		Answers:            snap.Answers,
		ProctorViolations:  []model.Violation{},
		ViolationsCaptured: len(snap.Violations),
	}
	if settings.Proctoring.Enabled {
		payload.ProctorViolations = append(payload.ProctorViolations, snap.Violations...)
	}
	if settings.Exam.InterviewMode {
		answered := len(snap.Answers)
		var rate float64
		if snap.TotalQuestions > 0 {
			rate = float64(answered) / float64(snap.TotalQuestions) * 100
		}
		payload.InterviewMetrics = &model.InterviewMetrics{
			TotalQuestions:         snap.TotalQuestions,
			AnsweredQuestions:      answered,
			FlaggedQuestions:       snap.FlaggedCount,
			CompletionRate:         rate,
			AverageResponseSeconds: snap.AverageResponse,
			TimeSpentSeconds:       snap.TimeSpentSeconds,
			ViolationCount:         len(snap.Violations),
		}
	}
	return payload
}
