package session

import "errors"

var (
	// ErrInvalidTransition is a programmer error: the operation is illegal
	// for the current status. It is never retried.
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNoQuestions       = errors.New("session has no questions")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrEmptyAnswer       = errors.New("answer value is empty")
	// ErrAnswersLocked is returned after time expired without auto-submit or
	// after a failed submission attempt.
	ErrAnswersLocked = errors.New("answers are locked")
	ErrSessionClosed = errors.New("session is closed")
	// ErrAlreadySubmitted is returned when submitting a completed session.
	ErrAlreadySubmitted = errors.New("session already submitted")
)
