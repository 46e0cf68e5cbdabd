package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// SignalKind is an environment event reported by the client.
type SignalKind string

const (
	SignalVisibilityHidden  SignalKind = "visibility_hidden"
	SignalVisibilityVisible SignalKind = "visibility_visible"
	SignalWindowBlur        SignalKind = "window_blur"
	SignalWindowFocus       SignalKind = "window_focus"
	SignalCopy              SignalKind = "copy"
	SignalCut               SignalKind = "cut"
	SignalPaste             SignalKind = "paste"
	SignalContextMenu       SignalKind = "context_menu"
	SignalFullscreenExit    SignalKind = "fullscreen_exit"
	SignalFullscreenEnter   SignalKind = "fullscreen_enter"
	SignalOffline           SignalKind = "offline"
	SignalOnline            SignalKind = "online"
)

// Signal is one environment event.
type Signal struct {
	Kind SignalKind `json:"kind"`
	At   time.Time  `json:"at"`
}

// edgeRule maps a signal to the capability that watches it and, for
// triggering signals, the violation it raises. Restoring signals clear a
// persistent alert instead.
type edgeRule struct {
	capability Capability
	violation  model.ViolationType
	restores   bool
}

var edgeRules = map[SignalKind]edgeRule{
	SignalVisibilityHidden:  {capability: CapTabVisibility, violation: model.ViolationTabSwitch},
	SignalVisibilityVisible: {capability: CapTabVisibility, restores: true},
	SignalWindowBlur:        {capability: CapWindowFocus, violation: model.ViolationWindowBlur},
	SignalWindowFocus:       {capability: CapWindowFocus, restores: true},
	SignalCopy:              {capability: CapClipboard, violation: model.ViolationCopyPaste},
	SignalCut:               {capability: CapClipboard, violation: model.ViolationCopyPaste},
	SignalPaste:             {capability: CapClipboard, violation: model.ViolationCopyPaste},
	SignalContextMenu:       {capability: CapRightClick, violation: model.ViolationRightClick},
	SignalFullscreenExit:    {capability: CapFullscreen, violation: model.ViolationFullscreenExit},
	SignalFullscreenEnter:   {capability: CapFullscreen, restores: true},
	SignalOffline:           {capability: CapNetworkStatus, violation: model.ViolationNetworkDisconnection},
	SignalOnline:            {capability: CapNetworkStatus, restores: true},
}

// KnownSignal reports whether k is a recognised signal kind.
func KnownSignal(k SignalKind) bool {
	_, ok := edgeRules[k]
	return ok
}

// FaceSample is the client's latest face-detector reading.
type FaceSample struct {
	Faces int       `json:"faces"`
	At    time.Time `json:"at"`
}

// AudioSample is the client's latest normalised input level (0..1).
type AudioSample struct {
	Level float64   `json:"level"`
	At    time.Time `json:"at"`
}
