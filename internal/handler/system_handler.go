package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/artifact"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// GatewayStats reports the in-process counters that show up on the health
// and metrics endpoints.
type GatewayStats interface {
	Sessions() int
	Uploads() artifact.Stats
	DroppedEvents() int64
	ClientEventsDropped() int64
}

// StatsFunc adapts closures to GatewayStats.
type StatsFunc struct {
	SessionsFn    func() int
	UploadsFn     func() artifact.Stats
	DroppedFn     func() int64
	ClientDropsFn func() int64
}

func (f StatsFunc) Sessions() int              { return f.SessionsFn() }
func (f StatsFunc) Uploads() artifact.Stats    { return f.UploadsFn() }
func (f StatsFunc) DroppedEvents() int64       { return f.DroppedFn() }
func (f StatsFunc) ClientEventsDropped() int64 { return f.ClientDropsFn() }

// SystemHandler exposes health and streams runtime metrics via SSE.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	stats     GatewayStats
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, stats GatewayStats, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		stats:     stats,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status              string         `json:"status"`
	Postgres            string         `json:"postgres"`
	Redis               string         `json:"redis"`
	Uptime              string         `json:"uptime"`
	Sessions            int            `json:"sessions"`
	Uploads             artifact.Stats `json:"uploads"`
	DroppedEvents       int64          `json:"dropped_events"`
	ClientEventsDropped int64          `json:"client_events_dropped"`
}

// Health godoc
// GET /health
// 200 when both stores answer, 503 otherwise. Live sessions keep running
// without the stores, so this is a readiness signal for the audit path only.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	report := healthReport{
		Status:              "ok",
		Postgres:            "ok",
		Redis:               "ok",
		Uptime:              formatDuration(time.Since(h.startTime)),
		Sessions:            h.stats.Sessions(),
		Uploads:             h.stats.Uploads(),
		DroppedEvents:       h.stats.DroppedEvents(),
		ClientEventsDropped: h.stats.ClientEventsDropped(),
	}
	if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Postgres health check failed")
		report.Postgres = "down"
		report.Status = "degraded"
	}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		report.Redis = "down"
		report.Status = "degraded"
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	StackInuse uint64 `json:"stack_inuse"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	Sessions            int            `json:"sessions"`
	Uploads             artifact.Stats `json:"uploads"`
	DroppedEvents       int64          `json:"dropped_events"`
	ClientEventsDropped int64          `json:"client_events_dropped"`

	QueueViolations  int64 `json:"queue_violations"`
	QueueSubmissions int64 `json:"queue_submissions"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	h.writeMetrics(c, reqCtx)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c, reqCtx)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context, ctx context.Context) {
	data, err := json.Marshal(h.collect(ctx))
	if err != nil {
		return
	}
	writeSSEData(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp:           time.Now().Unix(),
		Uptime:              formatDuration(time.Since(h.startTime)),
		GoVersion:           runtime.Version(),
		NumCPU:              runtime.NumCPU(),
		Goroutines:          runtime.NumGoroutine(),
		Sessions:            h.stats.Sessions(),
		Uploads:             h.stats.Uploads(),
		DroppedEvents:       h.stats.DroppedEvents(),
		ClientEventsDropped: h.stats.ClientEventsDropped(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.StackInuse = ms.StackInuse
	m.NumGC = ms.NumGC

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	pipe := h.rdb.Pipeline()
	violationsCmd := pipe.LLen(ctx, config.WorkerKey.PersistViolationsQueue)
	submissionsCmd := pipe.LLen(ctx, config.WorkerKey.PersistSubmissionsQueue)
	if _, err := pipe.Exec(ctx); err == nil {
		m.QueueViolations, _ = violationsCmd.Result()
		m.QueueSubmissions, _ = submissionsCmd.Result()
	}

	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	default:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
}
