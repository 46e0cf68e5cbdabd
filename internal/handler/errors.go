package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/artifact"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/controller"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

// classify maps a domain error to an HTTP status and API error code.
func classify(err error) (int, response.ErrCode) {
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrInvalidExam):
		return http.StatusBadGateway, response.ErrBackendRejected
	case errors.Is(err, controller.ErrNotStarted):
		return http.StatusConflict, response.ErrSessionNotStarted
	case errors.Is(err, controller.ErrClosed), errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone, response.ErrSessionClosed
	case errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, session.ErrAnswersLocked):
		return http.StatusConflict, response.ErrAnswersLocked
	case errors.Is(err, session.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrEmptyAnswer):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, proctor.ErrCapabilityUnavailable):
		return http.StatusPreconditionFailed, response.ErrCapabilityUnavailable
	case errors.Is(err, artifact.ErrQueueFull), errors.Is(err, artifact.ErrClosed):
		return http.StatusServiceUnavailable, response.ErrQueueFull
	case submission.IsRetryable(err):
		return http.StatusServiceUnavailable, response.ErrSubmissionRetryable
	}

	var subErr *submission.SubmissionError
	if errors.As(err, &subErr) {
		return http.StatusUnprocessableEntity, response.ErrSubmissionFailed
	}
	if backend.IsNotFound(err) {
		return http.StatusNotFound, response.ErrNotFound
	}
	if backend.IsTransient(err) {
		return http.StatusServiceUnavailable, response.ErrBackendUnavailable
	}
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			return http.StatusForbidden, response.ErrPermissionDenied
		}
		return http.StatusBadGateway, response.ErrBackendRejected
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// failFromError writes the error envelope for err.
func failFromError(c *gin.Context, err error) {
	status, code := classify(err)

	var ve *service.ExamValidationError
	if errors.As(err, &ve) {
		response.FailWithFields(c, status, code, ve.Fields)
		return
	}
	if status == http.StatusInternalServerError {
		response.Fail(c, status, code)
		return
	}
	response.FailWithDetail(c, status, code, err.Error())
}
