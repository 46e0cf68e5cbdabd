package handler

import (
	"bytes"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/artifact"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// ArtifactQueue accepts recordings and screenshots for background upload.
type ArtifactQueue interface {
	Enqueue(job artifact.Job) error
}

// ProctorHandler serves the student's exam session lifecycle over REST.
type ProctorHandler struct {
	proctorService *service.ProctorService
	artifacts      ArtifactQueue
	maxUploadBytes int64
	log            zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(proctorService *service.ProctorService, artifacts ArtifactQueue, maxUploadBytes int64, log zerolog.Logger) *ProctorHandler {
	return &ProctorHandler{
		proctorService: proctorService,
		artifacts:      artifacts,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "proctor_handler").Logger(),
	}
}

// PrepareSession godoc
// POST /api/v1/proctor/exams/:exam_id/sessions
// Loads the exam and returns a session handle plus the devices to request.
func (h *ProctorHandler) PrepareSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID := c.Param("exam_id")
	if examID == "" || len(examID) > 128 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	prepared, err := h.proctorService.Prepare(c.Request.Context(), claims.UserID, middleware.GetToken(c), examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID).Int("student_id", claims.UserID).Msg("Prepare failed")
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, prepared)
}

// SystemCheck godoc
// POST /api/v1/proctor/sessions/:handle/system-check
func (h *ProctorHandler) SystemCheck(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SystemCheckRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	devices := make([]proctor.Device, 0, len(req.Devices))
	for _, d := range req.Devices {
		devices = append(devices, proctor.Device(d))
	}

	summary, err := h.proctorService.SystemCheck(c.Request.Context(), c.Param("handle"), claims.UserID, devices)
	if err != nil && summary == nil {
		failFromError(c, err)
		return
	}
	// A failed mandatory check still reports per-device results.
	status := http.StatusOK
	if err != nil {
		status = http.StatusPreconditionFailed
	}
	response.Success(c, status, summary)
}

// StartSession godoc
// POST /api/v1/proctor/sessions/:handle/start
func (h *ProctorHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	view, err := h.proctorService.Start(c.Request.Context(), c.Param("handle"), claims.UserID)
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, view)
}

// GetSession godoc
// GET /api/v1/proctor/sessions/:handle
func (h *ProctorHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	ctrl, err := h.proctorService.Get(c.Param("handle"), claims.UserID)
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"state":          ctrl.View(),
		"monitor_status": ctrl.MonitorStatus(),
		"ack":            ctrl.Ack(),
	})
}

// SaveAnswer godoc
// PUT /api/v1/proctor/sessions/:handle/answers
// REST fallback for clients without a WebSocket.
func (h *ProctorHandler) SaveAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if err := h.proctorService.RecordAnswer(c.Request.Context(), c.Param("handle"), claims.UserID, req.QuestionID, req.Value); err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID})
}

// ToggleFlag godoc
// POST /api/v1/proctor/sessions/:handle/flags
func (h *ProctorHandler) ToggleFlag(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.FlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	flagged, err := h.proctorService.ToggleFlag(c.Request.Context(), c.Param("handle"), claims.UserID, req.QuestionID)
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": req.QuestionID, "flagged": flagged})
}

// SubmitSession godoc
// POST /api/v1/proctor/sessions/:handle/submit
// Submitting twice returns the first acknowledgement.
func (h *ProctorHandler) SubmitSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	ack, err := h.proctorService.Submit(c.Request.Context(), c.Param("handle"), claims.UserID)
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// AbandonSession godoc
// POST /api/v1/proctor/sessions/:handle/abandon
func (h *ProctorHandler) AbandonSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.proctorService.Abandon(c.Param("handle"), claims.UserID); err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": model.SessionStatusAbandoned})
}

// UploadRecording godoc
// POST /api/v1/proctor/sessions/:handle/recordings?kind=proctoring|interview
// Queues a recording chunk for background upload and returns immediately.
func (h *ProctorHandler) UploadRecording(c *gin.Context) {
	kind := artifact.KindProctoringRecording
	if c.Query("kind") == string(backend.RecordingInterview) {
		kind = artifact.KindInterviewRecording
	}
	h.enqueue(c, kind, "recording")
}

// UploadScreenshot godoc
// POST /api/v1/proctor/sessions/:handle/screenshots
func (h *ProctorHandler) UploadScreenshot(c *gin.Context) {
	h.enqueue(c, artifact.KindScreenshot, "screenshot")
}

func (h *ProctorHandler) enqueue(c *gin.Context, kind artifact.Kind, field string) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	ctrl, err := h.proctorService.Get(c.Param("handle"), claims.UserID)
	if err != nil {
		failFromError(c, err)
		return
	}
	sessionID := ctrl.SessionID()
	if sessionID == "" {
		response.Fail(c, http.StatusConflict, response.ErrSessionNotStarted)
		return
	}

	filename, data, ok := h.readFile(c, field)
	if !ok {
		return
	}
	err = h.artifacts.Enqueue(artifact.Job{
		Kind:      kind,
		SessionID: sessionID,
		Filename:  filename,
		Data:      data,
		Token:     middleware.GetToken(c),
	})
	if err != nil {
		failFromError(c, err)
		return
	}
	response.Success(c, http.StatusAccepted, gin.H{"queued": true})
}

// AnalyzeFrame godoc
// POST /api/v1/proctor/sessions/:handle/frames
// Sends a video chunk for AI analysis and records any flagged violations.
func (h *ProctorHandler) AnalyzeFrame(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	ctrl, err := h.proctorService.Get(c.Param("handle"), claims.UserID)
	if err != nil {
		failFromError(c, err)
		return
	}

	filename, data, ok := h.readFile(c, "video")
	if !ok {
		return
	}
	n := ctrl.AnalyzeFrame(c.Request.Context(), backend.Upload{Filename: filename, Body: bytes.NewReader(data)})
	response.Success(c, http.StatusOK, gin.H{"violations": n})
}

// readFile reads a multipart field into memory, bounded by maxUploadBytes.
func (h *ProctorHandler) readFile(c *gin.Context, field string) (string, []byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)

	file, header, err := c.Request.FormFile(field)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return "", nil, false
	}
	defer file.Close()

	if header.Size > h.maxUploadBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		return "", nil, false
	}
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return "", nil, false
	}
	if int64(len(data)) > h.maxUploadBytes {
		response.Fail(c, http.StatusRequestEntityTooLarge, response.ErrFileTooLarge)
		return "", nil, false
	}
	return filepath.Base(header.Filename), data, true
}
