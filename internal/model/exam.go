package model

// Exam is the immutable exam definition fetched from the backend.
type Exam struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	DurationMinutes int          `json:"duration_minutes" validate:"min=0,max=1440"`
	Settings        ExamSettings `json:"settings"`
}

// DurationSeconds returns the nominal exam length in seconds.
func (e *Exam) DurationSeconds() int {
	return e.DurationMinutes * 60
}

// ExamSettings is the settings object attached to every exam.
type ExamSettings struct {
	Proctoring ProctoringSettings `json:"proctoring"`
	Exam       ExamOptions        `json:"exam"`
}

// ProctoringSettings toggles integrity capabilities.
type ProctoringSettings struct {
	Enabled              bool `json:"enabled"`
	WebcamRequired       bool `json:"webcamRequired"`
	ScreenRecording      bool `json:"screenRecording"`
	TabSwitchDetection   bool `json:"tabSwitchDetection"`
	AIMonitoring         bool `json:"aiMonitoring"`
	MicrophoneMonitoring bool `json:"microphoneMonitoring"`
	FaceDetection        bool `json:"faceDetection"`
	EyeTracking          bool `json:"eyeTracking"`
	EnvironmentScan      bool `json:"environmentScan"`
	VoiceAnalysis        bool `json:"voiceAnalysis"`
}

// ExamOptions holds delivery options.
type ExamOptions struct {
	AllowReview        bool `json:"allowReview"`
	ShowCorrectAnswers bool `json:"showCorrectAnswers"`
	RandomizeQuestions bool `json:"randomizeQuestions"`
	// TimeWarnings are remaining-time marks in minutes, e.g. [5, 1].
	TimeWarnings       []int `json:"timeWarnings" validate:"dive,min=1"`
	AutoSubmit         bool  `json:"autoSubmit"`
	PreventCopyPaste   bool  `json:"preventCopyPaste"`
	DisableRightClick  bool  `json:"disableRightClick"`
	FullscreenRequired bool  `json:"fullscreenRequired"`
	InterviewMode      bool  `json:"interviewMode"`
}

// DefaultTimeWarnings is used when an exam does not configure any.
var DefaultTimeWarnings = []int{5, 1}

// WarningThresholds returns the configured warning marks converted to seconds.
func (o ExamOptions) WarningThresholds() []int {
	marks := o.TimeWarnings
	if len(marks) == 0 {
		marks = DefaultTimeWarnings
	}
	out := make([]int, 0, len(marks))
	for _, m := range marks {
		if m > 0 {
			out = append(out, m*60)
		}
	}
	return out
}
