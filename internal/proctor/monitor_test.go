package proctor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/event"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) emit(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) violations() []model.Violation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Violation
	for _, e := range r.events {
		if e.Kind == event.KindViolation {
			out = append(out, *e.Violation)
		}
	}
	return out
}

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevices struct {
	streams map[Device]*fakeStream
	fail    map[Device]bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{streams: map[Device]*fakeStream{}, fail: map[Device]bool{}}
}

func (d *fakeDevices) Acquire(_ context.Context, dev Device) (Stream, error) {
	if d.fail[dev] {
		return nil, errors.New("permission denied")
	}
	s := &fakeStream{}
	d.streams[dev] = s
	return s, nil
}

func proctoredSettings() model.ExamSettings {
	var s model.ExamSettings
	s.Proctoring.Enabled = true
	s.Proctoring.TabSwitchDetection = true
	s.Proctoring.FaceDetection = true
	s.Proctoring.MicrophoneMonitoring = true
	s.Exam.FullscreenRequired = true
	s.Exam.PreventCopyPaste = true
	return s
}

// edgeSettings enables only signal-driven detectors so that advancing the
// fake clock fires no sampler.
func edgeSettings() model.ExamSettings {
	s := proctoredSettings()
	s.Proctoring.FaceDetection = false
	s.Proctoring.MicrophoneMonitoring = false
	return s
}

func newMonitor(t *testing.T, settings model.ExamSettings) (*Monitor, *clock.FakeClock, *recorder) {
	t.Helper()
	clk := clock.Fake(epoch)
	rec := &recorder{}
	m := New(Options{
		Capabilities: CapabilitiesFor(settings),
		Clock:        clk,
		Emit:         rec.emit,
		Log:          zerolog.Nop(),
	})
	t.Cleanup(func() { _ = m.Stop() })
	return m, clk, rec
}

func startMonitor(t *testing.T, m *Monitor, devices Devices) {
	t.Helper()
	_, err := m.SystemCheck(context.Background(), devices)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, StatusMonitoring, m.Status())
}

func TestSystemCheckDegradesOptionalDevice(t *testing.T) {
	m, _, _ := newMonitor(t, proctoredSettings())
	devices := newFakeDevices()
	devices.fail[DeviceMicrophone] = true

	summary, err := m.SystemCheck(context.Background(), devices)
	require.NoError(t, err)
	assert.True(t, summary.Passed)
	assert.Equal(t, StatusReady, m.Status())
	assert.Contains(t, summary.Unavailable, CapAudioLevel)
	assert.False(t, m.Enabled(CapAudioLevel))
	assert.True(t, m.Enabled(CapFaceDetection))
}

func TestSystemCheckMandatoryCameraBlocksStart(t *testing.T) {
	settings := proctoredSettings()
	settings.Proctoring.WebcamRequired = true
	m, _, _ := newMonitor(t, settings)
	devices := newFakeDevices()
	devices.fail[DeviceCamera] = true

	summary, err := m.SystemCheck(context.Background(), devices)
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.False(t, summary.Passed)
	assert.Equal(t, StatusError, m.Status())
	assert.ErrorIs(t, m.Start(context.Background()), ErrNotReady)

	// Student grants the camera and re-runs the check.
	devices.fail[DeviceCamera] = false
	_, err = m.SystemCheck(context.Background(), devices)
	require.NoError(t, err)
	assert.NoError(t, m.Start(context.Background()))
}

func TestSignalsIgnoredBeforeMonitoring(t *testing.T) {
	m, _, rec := newMonitor(t, proctoredSettings())
	assert.False(t, m.HandleSignal(Signal{Kind: SignalVisibilityHidden}))
	assert.Empty(t, rec.violations())
}

func TestDisabledCapabilityRaisesNothing(t *testing.T) {
	settings := proctoredSettings()
	settings.Exam.PreventCopyPaste = false
	m, _, rec := newMonitor(t, settings)
	startMonitor(t, m, newFakeDevices())

	assert.False(t, m.HandleSignal(Signal{Kind: SignalPaste}))
	assert.Empty(t, rec.violations())
}

func TestMediumAlertClearsAfterCooldown(t *testing.T) {
	m, clk, rec := newMonitor(t, edgeSettings())
	startMonitor(t, m, newFakeDevices())

	require.True(t, m.HandleSignal(Signal{Kind: SignalVisibilityHidden}))
	assert.Equal(t, StatusViolation, m.Status())

	v := rec.violations()
	require.Len(t, v, 1)
	assert.Equal(t, model.ViolationTabSwitch, v[0].Type)
	assert.Equal(t, model.SeverityMedium, v[0].Severity)

	clk.Advance(2 * time.Second)
	assert.Equal(t, StatusViolation, m.Status())
	clk.Advance(time.Second)
	assert.Equal(t, StatusMonitoring, m.Status())
}

func TestHighAlertPersistsUntilRestored(t *testing.T) {
	m, clk, _ := newMonitor(t, edgeSettings())
	startMonitor(t, m, newFakeDevices())

	require.True(t, m.HandleSignal(Signal{Kind: SignalFullscreenExit}))
	clk.Advance(10 * time.Second)
	assert.Equal(t, StatusViolation, m.Status())

	m.HandleSignal(Signal{Kind: SignalFullscreenEnter})
	assert.Equal(t, StatusMonitoring, m.Status())
}

func TestAcknowledgeClearsHighAlert(t *testing.T) {
	m, _, rec := newMonitor(t, proctoredSettings())
	startMonitor(t, m, newFakeDevices())

	require.True(t, m.HandleSignal(Signal{Kind: SignalCopy}))
	m.Acknowledge()
	assert.Equal(t, StatusMonitoring, m.Status())
	assert.Len(t, rec.violations(), 1)
}

func TestRepeatedEdgeSignalsEachRaise(t *testing.T) {
	m, _, rec := newMonitor(t, proctoredSettings())
	startMonitor(t, m, newFakeDevices())

	for i := 0; i < 3; i++ {
		m.HandleSignal(Signal{Kind: SignalVisibilityHidden})
		m.HandleSignal(Signal{Kind: SignalVisibilityVisible})
	}
	assert.Len(t, rec.violations(), 3)
}

func TestFaceSamplingRateLimitedPerWindow(t *testing.T) {
	m, clk, rec := newMonitor(t, proctoredSettings())
	startMonitor(t, m, newFakeDevices())

	now := clk.Now()
	m.sampleFace(now)
	m.sampleFace(now.Add(500 * time.Millisecond))
	assert.Len(t, rec.violations(), 1)

	m.sampleFace(now.Add(2 * time.Second))
	assert.Len(t, rec.violations(), 2)
}

func TestFaceSampleClassification(t *testing.T) {
	m, clk, rec := newMonitor(t, proctoredSettings())
	startMonitor(t, m, newFakeDevices())
	now := clk.Now()

	m.ObserveFace(FaceSample{Faces: 1, At: now})
	m.sampleFace(now)
	assert.Empty(t, rec.violations())

	m.ObserveFace(FaceSample{Faces: 2, At: now})
	m.sampleFace(now)
	v := rec.violations()
	require.Len(t, v, 1)
	assert.Equal(t, model.ViolationMultipleFaces, v[0].Type)
	assert.Equal(t, model.SeverityHigh, v[0].Severity)

	// A stale reading counts as no face.
	m.sampleFace(now.Add(10 * time.Second))
	v = rec.violations()
	require.Len(t, v, 2)
	assert.Equal(t, model.ViolationFaceNotDetected, v[1].Type)
}

func TestAudioAboveThreshold(t *testing.T) {
	m, clk, rec := newMonitor(t, proctoredSettings())
	startMonitor(t, m, newFakeDevices())
	now := clk.Now()

	m.ObserveAudio(AudioSample{Level: 0.3, At: now})
	m.sampleAudio(now)
	assert.Empty(t, rec.violations())

	m.ObserveAudio(AudioSample{Level: 0.9, At: now})
	m.sampleAudio(now)
	v := rec.violations()
	require.Len(t, v, 1)
	assert.Equal(t, model.ViolationUnusualAudio, v[0].Type)
}

func TestStaleAudioSampleIgnored(t *testing.T) {
	clk := clock.Fake(epoch)
	rec := &recorder{}
	m := New(Options{
		Capabilities: CapabilitiesFor(proctoredSettings()),
		Clock:        clk,
		Emit:         rec.emit,
		Log:          zerolog.Nop(),
		FaceMaxAge:   time.Minute,
		AudioMaxAge:  2 * time.Second,
	})
	t.Cleanup(func() { _ = m.Stop() })
	startMonitor(t, m, newFakeDevices())
	now := clk.Now()

	m.ObserveAudio(AudioSample{Level: 0.9, At: now.Add(-3 * time.Second)})
	m.sampleAudio(now)
	assert.Empty(t, rec.violations(), "older than the audio max age, regardless of the face max age")

	m.ObserveAudio(AudioSample{Level: 0.9, At: now.Add(-time.Second)})
	m.sampleAudio(now)
	require.Len(t, rec.violations(), 1)
}

func TestSamplerDrivenByClock(t *testing.T) {
	settings := proctoredSettings()
	settings.Proctoring.MicrophoneMonitoring = false
	m, clk, rec := newMonitor(t, settings)
	startMonitor(t, m, newFakeDevices())

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return len(rec.violations()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordAnalysisUsesServerSeverity(t *testing.T) {
	settings := proctoredSettings()
	settings.Proctoring.AIMonitoring = true
	m, _, rec := newMonitor(t, settings)
	startMonitor(t, m, newFakeDevices())

	n := m.RecordAnalysis([]model.AnalysisResult{
		{Type: model.ViolationMultipleFaces, Severity: model.SeverityLow},
		{Type: "phone_detected", Severity: model.SeverityHigh},
	})
	assert.Equal(t, 2, n)
	v := rec.violations()
	require.Len(t, v, 2)
	assert.Equal(t, model.SeverityLow, v[0].Severity)
	assert.Equal(t, model.ViolationType("phone_detected"), v[1].Type)
	assert.Equal(t, string(CapAIFrameAnalysis), v[1].Source)
}

func TestStopReleasesMediaOnceAndSilences(t *testing.T) {
	m, _, rec := newMonitor(t, proctoredSettings())
	devices := newFakeDevices()
	startMonitor(t, m, devices)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	for dev, s := range devices.streams {
		assert.Equal(t, 1, s.closes(), "device %s", dev)
	}
	assert.False(t, m.HandleSignal(Signal{Kind: SignalVisibilityHidden}))
	assert.Empty(t, rec.violations())
}
