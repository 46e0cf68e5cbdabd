package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler serves the proctor's live view of an exam and the audit.
type MonitorHandler struct {
	rdb            *redis.Client
	monitorService *service.MonitorService
	auditService   *service.AuditService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	monitorService *service.MonitorService,
	auditService *service.AuditService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		monitorService: monitorService,
		auditService:   auditService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:exam_id/monitor
// Streams a snapshot, then live violation/status/submission messages and
// periodic refreshes.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID := c.Param("exam_id")
	if examID == "" {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// Subscribe first so nothing published during the snapshot is lost.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID))
	defer pubsub.Close()
	ch := pubsub.Channel()

	h.sendSnapshot(c, reqCtx, examID, "snapshot")

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Payloads are already JSON; forward them untouched.
			writeSSEData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendSnapshot(c, reqCtx, examID, "refresh")

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, parent context.Context, examID, kind string) {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.Snapshot(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID).Msg("Failed to build monitor snapshot")
		return
	}
	c.SSEvent("message", gin.H{"type": kind, "data": snap})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// ExamViolationCounts godoc
// GET /api/v1/admin/exams/:exam_id/violations
func (h *MonitorHandler) ExamViolationCounts(c *gin.Context) {
	counts, err := h.auditService.ExamViolationCounts(c.Request.Context(), c.Param("exam_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Violation counts query failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"students": counts})
}

// SessionViolations godoc
// GET /api/v1/admin/sessions/:session_id/violations?limit=500
func (h *MonitorHandler) SessionViolations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.auditService.SessionViolations(c.Request.Context(), c.Param("session_id"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Session violations query failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"violations": records})
}

// SessionSubmissions godoc
// GET /api/v1/admin/sessions/:session_id/submissions
func (h *MonitorHandler) SessionSubmissions(c *gin.Context) {
	records, err := h.auditService.SessionSubmissions(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Session submissions query failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"submissions": records})
}
