package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Exam session ──────────────────────────────────────────────────
	ErrSessionNotFound       ErrCode = "SESSION_NOT_FOUND"
	ErrInvalidTransition     ErrCode = "INVALID_TRANSITION"
	ErrSessionNotStarted     ErrCode = "SESSION_NOT_STARTED"
	ErrSessionClosed         ErrCode = "SESSION_CLOSED"
	ErrNoQuestions           ErrCode = "NO_QUESTIONS"
	ErrUnknownQuestion       ErrCode = "UNKNOWN_QUESTION"
	ErrAnswersLocked         ErrCode = "ANSWERS_LOCKED"
	ErrCapabilityUnavailable ErrCode = "CAPABILITY_UNAVAILABLE"
	ErrSubmissionFailed      ErrCode = "SUBMISSION_FAILED"
	ErrSubmissionRetryable   ErrCode = "SUBMISSION_RETRYABLE"

	// ─── Upstream ──────────────────────────────────────────────────────
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"
	ErrBackendRejected    ErrCode = "BACKEND_REJECTED"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileRequired ErrCode = "FILE_REQUIRED"
	ErrFileTooLarge ErrCode = "FILE_TOO_LARGE"
	ErrQueueFull    ErrCode = "UPLOAD_QUEUE_FULL"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

var messages = map[ErrCode]string{
	ErrTokenRequired:         "Authentication token is required.",
	ErrTokenInvalid:          "Authentication token is invalid or expired.",
	ErrPermissionDenied:      "You do not have permission for this action.",
	ErrStudentAccessOnly:     "This resource is restricted to students.",
	ErrAdminAccessOnly:       "This resource is restricted to exam administrators.",
	ErrValidation:            "Validation failed. Please check your input.",
	ErrInvalidID:             "Invalid ID format.",
	ErrInvalidPayload:        "Invalid request payload.",
	ErrNotFound:              "Resource not found.",
	ErrSessionNotFound:       "Exam session not found or already closed.",
	ErrInvalidTransition:     "This action is not allowed in the current session state.",
	ErrSessionNotStarted:     "The exam session has not started yet.",
	ErrSessionClosed:         "The exam session is closed.",
	ErrNoQuestions:           "This exam has no questions.",
	ErrUnknownQuestion:       "The question does not belong to this exam.",
	ErrAnswersLocked:         "Answers can no longer be changed. Please submit.",
	ErrCapabilityUnavailable: "A required proctoring device is unavailable.",
	ErrSubmissionFailed:      "Submission was rejected.",
	ErrSubmissionRetryable:   "Submission failed. Your answers are kept; please retry.",
	ErrBackendUnavailable:    "The exam service is temporarily unavailable.",
	ErrBackendRejected:       "The exam service rejected the request.",
	ErrFileRequired:          "A file upload is required.",
	ErrFileTooLarge:          "File size exceeds the limit.",
	ErrQueueFull:             "Upload queue is full; the artifact was dropped.",
	ErrRateLimitExceeded:     "Too many requests. Please try again later.",
	ErrInternal:              "Internal server error.",
}

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "An unexpected error occurred."
}
