package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Status is the live monitor indicator shown to the student.
type Status string

const (
	StatusChecking   Status = "CHECKING"
	StatusReady      Status = "READY"
	StatusMonitoring Status = "MONITORING"
	StatusViolation  Status = "VIOLATION"
	StatusError      Status = "ERROR"
)

var (
	// ErrCapabilityUnavailable means a mandatory device could not be acquired.
	ErrCapabilityUnavailable = errors.New("required proctoring capability unavailable")
	ErrNotReady              = errors.New("monitor has not passed the system check")
	ErrStopped               = errors.New("monitor stopped")
)

const (
	DefaultSamplingInterval = 2 * time.Second
	DefaultAlertCooldown    = 3 * time.Second
	DefaultAudioThreshold   = 0.6
	DefaultFaceMaxAge       = 5 * time.Second
	DefaultAudioMaxAge      = 3 * time.Second
)

// Options configures a Monitor.
type Options struct {
	Capabilities     Capabilities
	Clock            clock.Clock
	Emit             event.Emitter
	Log              zerolog.Logger
	SamplingInterval time.Duration
	AlertCooldown    time.Duration
	AudioThreshold   float64
	// FaceMaxAge and AudioMaxAge are how old the latest client sample may be
	// before the sampler treats it as missing.
	FaceMaxAge       time.Duration
	AudioMaxAge      time.Duration
}

// CheckResult is one line of the system-check summary.
type CheckResult struct {
	Device       Device       `json:"device"`
	Capabilities []Capability `json:"capabilities"`
	Mandatory    bool         `json:"mandatory"`
	Available    bool         `json:"available"`
	Error        string       `json:"error,omitempty"`
}

// CheckSummary is returned by SystemCheck.
type CheckSummary struct {
	Status  Status        `json:"status"`
	Passed  bool          `json:"passed"`
	Results []CheckResult `json:"results"`
	// Unavailable lists capabilities degraded by the check.
	Unavailable []Capability `json:"unavailable,omitempty"`
}

// Monitor watches one session. It never reads or mutates session state; it
// only emits events.
type Monitor struct {
	clock    clock.Clock
	emit     event.Emitter
	log      zerolog.Logger
	interval time.Duration
	cooldown time.Duration
	audioMax float64
	faceAge  time.Duration
	audioAge time.Duration
	scope    *Scope

	mu          sync.Mutex
	caps        Capabilities
	unavailable map[Capability]bool
	status      Status
	pinned      bool // a high-severity alert is showing
	clearTimer  *clock.Timer
	limiters    map[model.ViolationType]*rate.Limiter
	face        *FaceSample
	audio       *AudioSample
	summary     *CheckSummary
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a monitor in CHECKING.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = DefaultSamplingInterval
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = DefaultAlertCooldown
	}
	if opts.AudioThreshold <= 0 {
		opts.AudioThreshold = DefaultAudioThreshold
	}
	if opts.FaceMaxAge <= 0 {
		opts.FaceMaxAge = DefaultFaceMaxAge
	}
	if opts.AudioMaxAge <= 0 {
		opts.AudioMaxAge = DefaultAudioMaxAge
	}
	if opts.Capabilities.Enabled == nil {
		opts.Capabilities.Enabled = map[Capability]bool{}
	}
	return &Monitor{
		clock:       opts.Clock,
		emit:        opts.Emit,
		log:         opts.Log.With().Str("component", "integrity_monitor").Logger(),
		interval:    opts.SamplingInterval,
		cooldown:    opts.AlertCooldown,
		audioMax:    opts.AudioThreshold,
		faceAge:     opts.FaceMaxAge,
		audioAge:    opts.AudioMaxAge,
		scope:       NewScope(),
		caps:        opts.Capabilities,
		unavailable: make(map[Capability]bool),
		status:      StatusChecking,
		limiters:    make(map[model.ViolationType]*rate.Limiter),
	}
}

// Status returns the current indicator.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Enabled reports whether capability c is active (configured and not degraded).
func (m *Monitor) Enabled(c Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabledLocked(c)
}

func (m *Monitor) enabledLocked(c Capability) bool {
	return m.caps.Enabled[c] && !m.unavailable[c]
}

// Summary returns the last system-check summary, or nil.
func (m *Monitor) Summary() *CheckSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

// SystemCheck acquires every device the configuration needs. Optional
// failures degrade their capabilities; a mandatory failure leaves the
// monitor in ERROR and returns ErrCapabilityUnavailable. It may be re-run
// from ERROR once the student fixes the problem.
func (m *Monitor) SystemCheck(ctx context.Context, devices Devices) (*CheckSummary, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	switch m.status {
	case StatusChecking, StatusError, StatusReady:
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("system check while %s", m.status)
	}
	caps := m.caps
	m.mu.Unlock()
	m.setStatus(StatusChecking)

	summary := &CheckSummary{Passed: true}
	unavailable := make(map[Capability]bool)

	for _, dev := range caps.Devices() {
		res := CheckResult{
			Device:       dev,
			Capabilities: caps.dependents(dev),
			Mandatory:    caps.Mandatory[dev],
		}
		if m.scope.Has(dev) {
			res.Available = true
			summary.Results = append(summary.Results, res)
			continue
		}

		stream, err := acquire(ctx, devices, dev)
		if err == nil {
			err = m.scope.Add(dev, stream)
		}
		if err != nil {
			res.Error = err.Error()
			for _, c := range res.Capabilities {
				unavailable[c] = true
				summary.Unavailable = append(summary.Unavailable, c)
			}
			if res.Mandatory {
				summary.Passed = false
			}
			m.log.Warn().Err(err).Str("device", string(dev)).Bool("mandatory", res.Mandatory).Msg("Device unavailable")
		} else {
			res.Available = true
		}
		summary.Results = append(summary.Results, res)
	}

	next := StatusReady
	if !summary.Passed {
		next = StatusError
	}
	summary.Status = next

	m.mu.Lock()
	m.unavailable = unavailable
	m.summary = summary
	m.mu.Unlock()
	m.setStatus(next)

	if !summary.Passed {
		return summary, ErrCapabilityUnavailable
	}
	return summary, nil
}

func acquire(ctx context.Context, devices Devices, dev Device) (Stream, error) {
	if devices == nil {
		return nil, fmt.Errorf("no media devices for %s", dev)
	}
	return devices.Acquire(ctx, dev)
}

// Start enters MONITORING and launches the periodic samplers. The samplers
// stop on Stop or when ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.status != StatusReady {
		m.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrNotReady, m.status)
	}
	ctx, m.cancel = context.WithCancel(ctx)

	var samplers []func(time.Time)
	if m.enabledLocked(CapFaceDetection) {
		samplers = append(samplers, m.sampleFace)
	}
	if m.enabledLocked(CapAudioLevel) {
		samplers = append(samplers, m.sampleAudio)
	}
	for _, sample := range samplers {
		m.wg.Add(1)
		go m.runSampler(ctx, sample)
	}
	m.mu.Unlock()

	m.setStatus(StatusMonitoring)
	return nil
}

func (m *Monitor) runSampler(ctx context.Context, sample func(time.Time)) {
	defer m.wg.Done()
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sample(now)
		}
	}
}

// ObserveFace stores the latest face reading for the next sample.
func (m *Monitor) ObserveFace(s FaceSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.At.IsZero() {
		s.At = m.clock.Now()
	}
	m.face = &s
}

// ObserveAudio stores the latest audio reading for the next sample.
func (m *Monitor) ObserveAudio(s AudioSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.At.IsZero() {
		s.At = m.clock.Now()
	}
	m.audio = &s
}

// sampleFace runs once per sampling window. Missing or stale readings count
// as no face, so continued absence yields a violation every window.
func (m *Monitor) sampleFace(now time.Time) {
	m.mu.Lock()
	face := m.face
	m.mu.Unlock()

	switch {
	case face == nil || now.Sub(face.At) > m.faceAge || face.Faces == 0:
		m.raise(model.ViolationFaceNotDetected, SeverityOf(model.ViolationFaceNotDetected), string(CapFaceDetection), now, true)
	case face.Faces > 1:
		m.raise(model.ViolationMultipleFaces, SeverityOf(model.ViolationMultipleFaces), string(CapFaceDetection), now, true)
	default:
		m.restore()
	}
}

func (m *Monitor) sampleAudio(now time.Time) {
	m.mu.Lock()
	audio := m.audio
	m.mu.Unlock()

	if audio == nil || now.Sub(audio.At) > m.audioAge {
		return
	}
	if audio.Level > m.audioMax {
		m.raise(model.ViolationUnusualAudio, SeverityOf(model.ViolationUnusualAudio), string(CapAudioLevel), now, true)
	}
}

// HandleSignal processes one client environment event. Signals for disabled
// capabilities, and signals outside MONITORING/VIOLATION, are ignored.
// It reports whether a violation was raised.
func (m *Monitor) HandleSignal(sig Signal) bool {
	rule, ok := edgeRules[sig.Kind]
	if !ok {
		m.log.Debug().Str("signal", string(sig.Kind)).Msg("Unknown signal")
		return false
	}

	m.mu.Lock()
	live := !m.stopped && (m.status == StatusMonitoring || m.status == StatusViolation)
	enabled := m.enabledLocked(rule.capability)
	m.mu.Unlock()
	if !live || !enabled {
		return false
	}

	if rule.restores {
		m.restore()
		return false
	}
	at := sig.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	return m.raise(rule.violation, SeverityOf(rule.violation), string(rule.capability), at, false)
}

// RecordAnalysis turns frame-analysis results into violations. Severities
// come from the analyser; unknown ones fall back to the static table.
func (m *Monitor) RecordAnalysis(results []model.AnalysisResult) int {
	if !m.Enabled(CapAIFrameAnalysis) {
		return 0
	}
	n := 0
	now := m.clock.Now()
	for _, r := range results {
		typ := r.Type
		if typ == "" {
			typ = model.ViolationAIFlagged
		}
		sev := r.Severity
		if !sev.Valid() {
			sev = SeverityOf(typ)
		}
		if m.raise(typ, sev, string(CapAIFrameAnalysis), now, false) {
			n++
		}
	}
	return n
}

// raise emits a violation and updates the indicator. Periodic checks are
// rate limited to one violation per type per sampling window.
func (m *Monitor) raise(typ model.ViolationType, sev model.Severity, source string, at time.Time, periodic bool) bool {
	m.mu.Lock()
	if m.stopped || (m.status != StatusMonitoring && m.status != StatusViolation) {
		m.mu.Unlock()
		return false
	}
	if periodic {
		lim, ok := m.limiters[typ]
		if !ok {
			lim = rate.NewLimiter(rate.Every(m.interval), 1)
			m.limiters[typ] = lim
		}
		if !lim.AllowN(at, 1) {
			m.mu.Unlock()
			return false
		}
	}

	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	if sev == model.SeverityHigh {
		m.pinned = true
	} else if !m.pinned {
		m.clearTimer = m.clock.AfterFunc(m.cooldown, m.autoClear)
	}
	changed := m.status != StatusViolation
	m.status = StatusViolation
	m.mu.Unlock()

	v := model.Violation{Type: typ, Severity: sev, Timestamp: at, Source: source}
	m.log.Info().Str("type", string(typ)).Str("severity", string(sev)).Msg("Violation detected")
	m.send(event.Event{Kind: event.KindViolation, At: at, Violation: &v})
	if changed {
		m.sendStatus(StatusViolation)
	}
	return true
}

// autoClear returns a low/medium alert to MONITORING after the cool-down.
func (m *Monitor) autoClear() {
	m.mu.Lock()
	if m.stopped || m.pinned || m.status != StatusViolation {
		m.mu.Unlock()
		return
	}
	m.clearTimer = nil
	m.status = StatusMonitoring
	m.mu.Unlock()
	m.sendStatus(StatusMonitoring)
}

// restore clears the indicator on a non-violating event.
func (m *Monitor) restore() {
	m.mu.Lock()
	if m.stopped || m.status != StatusViolation || !m.pinned {
		m.mu.Unlock()
		return
	}
	m.pinned = false
	m.status = StatusMonitoring
	m.mu.Unlock()
	m.sendStatus(StatusMonitoring)
}

// Acknowledge clears a persistent alert. The violation records are untouched.
func (m *Monitor) Acknowledge() {
	m.mu.Lock()
	if m.stopped || m.status != StatusViolation {
		m.mu.Unlock()
		return
	}
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	m.pinned = false
	m.status = StatusMonitoring
	m.mu.Unlock()
	m.sendStatus(StatusMonitoring)
}

// Stop halts samplers, cancels the cool-down and releases every media
// stream. It is idempotent.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	return m.scope.Release()
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if changed {
		m.sendStatus(s)
	}
}

func (m *Monitor) sendStatus(s Status) {
	m.send(event.Event{Kind: event.KindMonitorStatus, At: m.clock.Now(), MonitorStatus: string(s)})
}

func (m *Monitor) send(e event.Event) {
	if m.emit != nil {
		m.emit(e)
	}
}
