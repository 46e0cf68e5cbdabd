// Package controller hosts the Exam Session Controller: the per-session
// object that owns the state machine, countdown, integrity monitor and
// submission pipeline, and routes every event between them.
//
// Timer and monitor never touch the session. They push events into the
// controller's inbox and a single loop goroutine applies them. User commands
// (answers, flags, navigation, submit) are synchronous method calls. Every
// outward notification is published on the controller's event bus.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

const (
	inboxSize           = 256
	defaultAutoAttempts = 5
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 15 * time.Second
)

var (
	ErrNotStarted = errors.New("exam session not started")
	ErrClosed     = errors.New("exam session controller closed")
)

// Backend is the subset of the exam backend a controller calls.
type Backend interface {
	StartExam(ctx context.Context, examID string) (*backend.StartResult, error)
	SubmitSession(ctx context.Context, sessionID string, payload *model.SubmissionPayload) (*model.ServerAck, error)
	AnalyzeFrame(ctx context.Context, up backend.Upload) ([]model.AnalysisResult, error)
}

// Options configures a Controller.
type Options struct {
	Exam      *model.Exam
	Questions []model.Question
	Backend   Backend
	// Devices overrides the client-reported devices; nil uses reports
	// passed to SystemCheck.
	Devices proctor.Devices
	Clock   clock.Clock
	Log     zerolog.Logger

	SamplingInterval   time.Duration
	AlertCooldown      time.Duration
	AudioThreshold     float64
	FaceMaxAge         time.Duration
	AudioMaxAge        time.Duration
	SubmitTimeout      time.Duration
	AutoSubmitAttempts int
	RetryBackoff       time.Duration

	// OnViolation observes every recorded violation. afterSnapshot is set
	// for violations recorded once a submission payload was frozen; they are
	// not part of that payload.
	OnViolation func(sessionID string, v model.Violation, afterSnapshot bool)
	// OnOutcome observes every submission attempt.
	OnOutcome func(submission.Outcome)
}

// Controller is one exam session.
type Controller struct {
	exam      *model.Exam
	questions []model.Question
	backend   Backend
	clock     clock.Clock
	log       zerolog.Logger

	sess     *session.Session
	monitor  *proctor.Monitor
	pipeline *submission.Pipeline
	bus      *event.Bus
	devices  proctor.Devices
	client   *clientDevices

	autoAttempts int
	retryBackoff time.Duration
	onViolation  func(string, model.Violation, bool)

	inbox  chan inbound
	ctx    context.Context
	cancel context.CancelFunc

	startMu   sync.Mutex
	mu        sync.Mutex
	countdown *timer.Countdown
	started   bool
	ack       *model.ServerAck

	expireOnce sync.Once
	haltOnce   sync.Once
	halted     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New builds a controller in NOT_STARTED with the monitor in CHECKING.
func New(opts Options) (*Controller, error) {
	if opts.Exam == nil {
		return nil, errors.New("controller: exam is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("controller: backend is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.AutoSubmitAttempts <= 0 {
		opts.AutoSubmitAttempts = defaultAutoAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}

	log := opts.Log.With().Str("component", "session_controller").Str("exam_id", opts.Exam.ID).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		exam:         opts.Exam,
		questions:    opts.Questions,
		backend:      opts.Backend,
		clock:        opts.Clock,
		log:          log,
		sess:         session.New(opts.Exam.ID),
		bus:          event.NewBus(),
		autoAttempts: opts.AutoSubmitAttempts,
		retryBackoff: opts.RetryBackoff,
		onViolation:  opts.OnViolation,
		inbox:        make(chan inbound, inboxSize),
		ctx:          ctx,
		cancel:       cancel,
		halted:       make(chan struct{}),
	}

	c.client = newClientDevices(c.releaseMedia)
	c.devices = opts.Devices
	if c.devices == nil {
		c.devices = c.client
	}

	c.monitor = proctor.New(proctor.Options{
		Capabilities:     proctor.CapabilitiesFor(opts.Exam.Settings),
		Clock:            opts.Clock,
		Emit:             c.emit,
		Log:              opts.Log,
		SamplingInterval: opts.SamplingInterval,
		AlertCooldown:    opts.AlertCooldown,
		AudioThreshold:   opts.AudioThreshold,
		FaceMaxAge:       opts.FaceMaxAge,
		AudioMaxAge:      opts.AudioMaxAge,
	})
	c.pipeline = submission.New(submission.Options{
		Backend:  opts.Backend,
		Settings: opts.Exam.Settings,
		Timeout:  opts.SubmitTimeout,
		Clock:    opts.Clock,
		Log:      opts.Log,
		OnOutcome: func(o submission.Outcome) {
			if opts.OnOutcome != nil {
				opts.OnOutcome(o)
			}
			c.applyOutcome(o)
		},
	})

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

// inbound is an inbox entry: an event, or a barrier when done is set.
type inbound struct {
	event event.Event
	done  chan struct{}
}

// emit is the handle timer and monitor push events through. After the
// controller halts, events are discarded.
func (c *Controller) emit(e event.Event) {
	select {
	case c.inbox <- inbound{event: e}:
	case <-c.halted:
	}
}

// flush waits until every event queued before the call has been applied.
func (c *Controller) flush() {
	done := make(chan struct{})
	select {
	case c.inbox <- inbound{done: done}:
	case <-c.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-c.ctx.Done():
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inbox:
			if in.done != nil {
				close(in.done)
				continue
			}
			c.apply(in.event)
		}
	}
}

// apply handles one inbound event on the loop goroutine.
func (c *Controller) apply(e event.Event) {
	switch e.Kind {
	case event.KindTick:
		remaining, expired := c.sess.Tick(e.Elapsed)
		e.Remaining = remaining
		c.bus.Publish(e)
		if expired {
			c.handleExpiry()
		}
	case event.KindTimeWarning:
		c.bus.Publish(e)
	case event.KindTimeExpired:
		c.handleExpiry()
	case event.KindViolation:
		if e.Violation == nil {
			return
		}
		if err := c.sess.RecordViolation(*e.Violation); err != nil {
			c.log.Debug().Err(err).Msg("Violation after session closed")
			return
		}
		if c.onViolation != nil {
			id := c.sess.ID()
			c.onViolation(id, *e.Violation, c.pipeline.Payload(id) != nil)
		}
		c.bus.Publish(e)
	case event.KindMonitorStatus:
		c.bus.Publish(e)
	default:
		c.log.Warn().Str("kind", string(e.Kind)).Msg("Unexpected inbound event")
	}
}

// handleExpiry runs once, whichever of the session tick edge or the
// countdown's expiry event arrives first.
func (c *Controller) handleExpiry() {
	c.expireOnce.Do(func() {
		c.log.Info().Str("session_id", c.sess.ID()).Bool("auto_submit", c.exam.Settings.Exam.AutoSubmit).Msg("Time expired")
		c.bus.Publish(event.Event{Kind: event.KindTimeExpired, At: c.clock.Now()})

		c.sess.MarkTimeExpired()
		if !c.exam.Settings.Exam.AutoSubmit {
			c.publishState()
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.autoSubmit()
		}()
	})
}

// autoSubmit retries transient failures with exponential backoff. The
// pipeline reuses the same payload on every attempt.
func (c *Controller) autoSubmit() {
	backoff := c.retryBackoff
	for attempt := 1; attempt <= c.autoAttempts; attempt++ {
		_, err := c.submit(c.ctx)
		if err == nil || !submission.IsRetryable(err) {
			return
		}
		if attempt == c.autoAttempts {
			c.log.Error().Err(err).Int("attempts", attempt).Msg("Auto-submit gave up")
			return
		}
		if !c.sleep(backoff) {
			return
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

// sleep waits d on the controller clock. It returns false on Close.
func (c *Controller) sleep(d time.Duration) bool {
	wake := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(wake) })
	defer t.Stop()
	select {
	case <-wake:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// DroppedEvents is the number of outward events subscribers were too slow
// to take.
func (c *Controller) DroppedEvents() int { return c.bus.Dropped() }

// Subscribe returns a channel of outward events and its cancel func.
func (c *Controller) Subscribe(buffer int) (<-chan event.Event, func()) {
	return c.bus.Subscribe(buffer)
}

// Exam returns the exam definition.
func (c *Controller) Exam() *model.Exam { return c.exam }

// SessionID returns the backend session ID, empty before Start.
func (c *Controller) SessionID() string { return c.sess.ID() }

// Status returns the session status.
func (c *Controller) Status() model.SessionStatus { return c.sess.Status() }

// MonitorStatus returns the integrity indicator.
func (c *Controller) MonitorStatus() proctor.Status { return c.monitor.Status() }

// View returns a read-only snapshot of the session.
func (c *Controller) View() model.SessionSnapshot { return c.sess.View() }

// Questions returns the question list in delivery order.
func (c *Controller) Questions() []model.Question {
	if qs := c.sess.Questions(); len(qs) > 0 {
		return qs
	}
	return c.questions
}

// Ack returns the server acknowledgement once submitted.
func (c *Controller) Ack() *model.ServerAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack
}

// Done is closed when the session has finished (submitted, abandoned or
// closed) and media has been released.
func (c *Controller) Done() <-chan struct{} { return c.halted }

// SystemCheck runs the monitor's device check. granted lists devices the
// client obtained permission for; it is ignored when Options.Devices is set.
func (c *Controller) SystemCheck(ctx context.Context, granted []proctor.Device) (*proctor.CheckSummary, error) {
	if c.isHalted() {
		return nil, ErrClosed
	}
	c.client.grant(granted)
	return c.monitor.SystemCheck(ctx, c.devices)
}

// Start opens the session on the backend, then starts the countdown and the
// monitor. A monitor that has not run its check runs it now with no granted
// devices, so mandatory capabilities block the start.
func (c *Controller) Start(ctx context.Context) error {
	if c.isHalted() {
		return ErrClosed
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", session.ErrInvalidTransition)
	}
	c.mu.Unlock()

	switch c.monitor.Status() {
	case proctor.StatusChecking:
		if _, err := c.monitor.SystemCheck(ctx, c.devices); err != nil {
			return err
		}
	case proctor.StatusError:
		return proctor.ErrCapabilityUnavailable
	}
	if len(c.questions) == 0 {
		return session.ErrNoQuestions
	}

	res, err := c.backend.StartExam(ctx, c.exam.ID)
	if err != nil {
		return fmt.Errorf("start exam: %w", err)
	}
	remaining := res.TimeRemaining
	if err := c.sess.Start(res.SessionID, c.questions, remaining, c.clock.Now()); err != nil {
		return err
	}

	countdown := timer.New(timer.Options{
		Clock:      c.clock,
		Remaining:  remaining,
		Thresholds: c.exam.Settings.Exam.WarningThresholds(),
		Emit:       c.emit,
		Log:        c.log,
	})

	c.mu.Lock()
	c.started = true
	c.countdown = countdown
	c.mu.Unlock()

	if err := c.monitor.Start(c.ctx); err != nil {
		c.log.Warn().Err(err).Msg("Monitor did not start")
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		countdown.Run(c.ctx)
	}()

	c.log.Info().Str("session_id", res.SessionID).Int("remaining", remaining).Msg("Exam session started")
	c.publishState()
	return nil
}

// RecordAnswer stores an answer.
func (c *Controller) RecordAnswer(questionID string, value json.RawMessage) error {
	if err := c.sess.RecordAnswer(questionID, value, c.clock.Now()); err != nil {
		return err
	}
	c.publishState()
	return nil
}

// ToggleFlag flips a question's review flag.
func (c *Controller) ToggleFlag(questionID string) (bool, error) {
	flagged, err := c.sess.ToggleFlag(questionID)
	if err != nil {
		return false, err
	}
	c.publishState()
	return flagged, nil
}

// Navigate moves to index; out-of-range indexes are ignored.
func (c *Controller) Navigate(index int) (int, error) {
	cur, err := c.sess.Navigate(index)
	if err != nil {
		return cur, err
	}
	c.publishState()
	return cur, nil
}

// HandleSignal forwards a client environment event to the monitor.
func (c *Controller) HandleSignal(sig proctor.Signal) bool {
	return c.monitor.HandleSignal(sig)
}

// ObserveFace records the client's latest face reading.
func (c *Controller) ObserveFace(s proctor.FaceSample) { c.monitor.ObserveFace(s) }

// ObserveAudio records the client's latest audio level.
func (c *Controller) ObserveAudio(s proctor.AudioSample) { c.monitor.ObserveAudio(s) }

// Acknowledge dismisses the current alert.
func (c *Controller) Acknowledge() { c.monitor.Acknowledge() }

// AnalyzeFrame sends a video chunk for analysis and records whatever the
// analyser flags. Failures are logged and reported as zero violations.
func (c *Controller) AnalyzeFrame(ctx context.Context, up backend.Upload) int {
	if !c.monitor.Enabled(proctor.CapAIFrameAnalysis) || c.sess.Status() != model.SessionStatusInProgress {
		return 0
	}
	up.SessionID = c.sess.ID()
	results, err := c.backend.AnalyzeFrame(ctx, up)
	if err != nil {
		c.log.Warn().Err(err).Msg("Frame analysis failed")
		return 0
	}
	return c.monitor.RecordAnalysis(results)
}

// Submit submits the session. A session that is already submitted returns
// the first ack with no error.
func (c *Controller) Submit(ctx context.Context) (*model.ServerAck, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	return c.submit(ctx)
}

func (c *Controller) submit(ctx context.Context) (*model.ServerAck, error) {
	// Violations already detected belong in the snapshot.
	c.flush()
	ack, err := c.pipeline.Submit(ctx, c.sess)
	if errors.Is(err, session.ErrAlreadySubmitted) {
		if ack == nil {
			ack = c.Ack()
		}
		return ack, nil
	}
	if err != nil {
		return nil, err
	}
	c.complete(ack)
	return ack, nil
}

// applyOutcome publishes a finished attempt. It runs on the attempt itself,
// so an attempt whose callers have all gone away still completes the session.
func (c *Controller) applyOutcome(o submission.Outcome) {
	if o.Err != nil {
		c.bus.Publish(event.Event{Kind: event.KindSubmissionFailed, At: c.clock.Now(), Error: o.Err.Error(), Retryable: o.Retryable})
		c.publishState()
		return
	}
	c.complete(o.Ack)
}

func (c *Controller) complete(ack *model.ServerAck) {
	c.mu.Lock()
	first := c.ack == nil
	if first {
		c.ack = ack
	}
	c.mu.Unlock()
	if !first {
		return
	}
	c.bus.Publish(event.Event{Kind: event.KindSubmitted, At: c.clock.Now(), Ack: ack})
	c.publishState()
	c.halt()
}

// Abandon ends the session without grading.
func (c *Controller) Abandon() error {
	if err := c.sess.Abandon(); err != nil {
		return err
	}
	c.log.Info().Str("session_id", c.sess.ID()).Msg("Exam session abandoned")
	c.publishState()
	c.halt()
	return nil
}

// halt stops the countdown and monitor and releases media. Outward events
// can still be published until Close.
func (c *Controller) halt() {
	c.haltOnce.Do(func() {
		close(c.halted)

		c.mu.Lock()
		countdown := c.countdown
		c.mu.Unlock()
		if countdown != nil {
			countdown.Stop()
		}
		if err := c.monitor.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("Media release reported errors")
		}
	})
}

func (c *Controller) isHalted() bool {
	select {
	case <-c.halted:
		return true
	default:
		return false
	}
}

// Close tears the controller down: countdown, samplers, loop, media and
// subscribers. It runs on every exit path and is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.halt()
		c.cancel()
		c.wg.Wait()
		c.bus.Close()
		c.log.Debug().Msg("Controller closed")
	})
}

func (c *Controller) releaseMedia(dev proctor.Device) {
	c.bus.Publish(event.Event{Kind: event.KindReleaseMedia, At: c.clock.Now(), Device: string(dev)})
}

func (c *Controller) publishState() {
	view := c.sess.View()
	c.bus.Publish(event.Event{Kind: event.KindState, At: c.clock.Now(), Snapshot: &view})
}
