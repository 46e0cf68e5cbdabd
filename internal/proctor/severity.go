package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// severities is fixed per violation type. Only AI frame analysis reports its
// own severity.
var severities = map[model.ViolationType]model.Severity{
	model.ViolationTabSwitch:            model.SeverityMedium,
	model.ViolationWindowBlur:           model.SeverityLow,
	model.ViolationCopyPaste:            model.SeverityHigh,
	model.ViolationRightClick:           model.SeverityLow,
	model.ViolationFullscreenExit:       model.SeverityHigh,
	model.ViolationNetworkDisconnection: model.SeverityMedium,
	model.ViolationFaceNotDetected:      model.SeverityMedium,
	model.ViolationMultipleFaces:        model.SeverityHigh,
	model.ViolationUnusualAudio:         model.SeverityLow,
	model.ViolationAIFlagged:            model.SeverityMedium,
}

// SeverityOf returns the static severity for t, medium if unknown.
func SeverityOf(t model.ViolationType) model.Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return model.SeverityMedium
}
