// Package proctor implements the integrity monitor: a set of optional
// detectors that turn environment signals into violations, a status
// machine surfaced to the student, and the one-time system check that
// acquires media devices before an exam may start.
package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// Capability is one independently configurable detector.
type Capability string

const (
	CapTabVisibility   Capability = "tab_visibility"
	CapWindowFocus     Capability = "window_focus"
	CapClipboard       Capability = "clipboard"
	CapRightClick      Capability = "right_click"
	CapFullscreen      Capability = "fullscreen"
	CapNetworkStatus   Capability = "network_status"
	CapFaceDetection   Capability = "face_detection"
	CapAudioLevel      Capability = "audio_level"
	CapAIFrameAnalysis Capability = "ai_frame_analysis"
	CapScreenRecording Capability = "screen_recording"
)

// Device is a media source the client must grant.
type Device string

const (
	DeviceCamera     Device = "camera"
	DeviceMicrophone Device = "microphone"
	DeviceScreen     Device = "screen"
)

// deviceFor maps capabilities that need a media device.
var deviceFor = map[Capability]Device{
	CapFaceDetection:   DeviceCamera,
	CapAIFrameAnalysis: DeviceCamera,
	CapAudioLevel:      DeviceMicrophone,
	CapScreenRecording: DeviceScreen,
}

// Capabilities is the enabled detector set for one exam.
type Capabilities struct {
	Enabled map[Capability]bool
	// Mandatory devices block the exam start when they cannot be acquired.
	Mandatory map[Device]bool
}

// CapabilitiesFor derives the detector set from exam settings. Clipboard,
// right-click and fullscreen detection follow the exam options and work
// without proctoring; everything else requires proctoring.enabled.
func CapabilitiesFor(s model.ExamSettings) Capabilities {
	c := Capabilities{
		Enabled:   make(map[Capability]bool),
		Mandatory: make(map[Device]bool),
	}
	c.Enabled[CapClipboard] = s.Exam.PreventCopyPaste
	c.Enabled[CapRightClick] = s.Exam.DisableRightClick
	c.Enabled[CapFullscreen] = s.Exam.FullscreenRequired

	p := s.Proctoring
	if p.Enabled {
		c.Enabled[CapTabVisibility] = p.TabSwitchDetection
		c.Enabled[CapWindowFocus] = p.TabSwitchDetection
		c.Enabled[CapNetworkStatus] = true
		c.Enabled[CapFaceDetection] = p.FaceDetection || p.EyeTracking
		c.Enabled[CapAudioLevel] = p.MicrophoneMonitoring || p.VoiceAnalysis
		c.Enabled[CapAIFrameAnalysis] = p.AIMonitoring
		c.Enabled[CapScreenRecording] = p.ScreenRecording
		if p.WebcamRequired {
			c.Mandatory[DeviceCamera] = true
		}
	}
	return c
}

// Devices returns every device some enabled capability (or a mandatory
// requirement) needs, in a stable order.
func (c Capabilities) Devices() []Device {
	need := make(map[Device]bool)
	for capability, dev := range deviceFor {
		if c.Enabled[capability] {
			need[dev] = true
		}
	}
	for dev := range c.Mandatory {
		need[dev] = true
	}
	var out []Device
	for _, d := range []Device{DeviceCamera, DeviceMicrophone, DeviceScreen} {
		if need[d] {
			out = append(out, d)
		}
	}
	return out
}

// dependents lists enabled capabilities that rely on dev.
func (c Capabilities) dependents(dev Device) []Capability {
	var out []Capability
	for _, capability := range []Capability{CapFaceDetection, CapAIFrameAnalysis, CapAudioLevel, CapScreenRecording} {
		if c.Enabled[capability] && deviceFor[capability] == dev {
			out = append(out, capability)
		}
	}
	return out
}
