package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Proctor *handler.ProctorHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID first so the access log can carry it.
	router.Use(response.RequestIDMiddleware())
	router.Use(logger.RequestLogger(log))

	router.GET("/health", handlers.System.Health)

	// ─── 1. Proctor Group (Student JWT, Rate Limited) ──────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(
		middleware.RequireStudentJWT(authService),
		limiter.Middleware(),
		middleware.NoStore(),
	)
	{
		proctorAPI.POST("/exams/:exam_id/sessions", handlers.Proctor.PrepareSession)

		sessions := proctorAPI.Group("/sessions/:handle")
		{
			sessions.GET("", handlers.Proctor.GetSession)
			sessions.POST("/system-check", handlers.Proctor.SystemCheck)
			sessions.POST("/start", handlers.Proctor.StartSession)
			sessions.PUT("/answers", handlers.Proctor.SaveAnswer)
			sessions.POST("/flags", handlers.Proctor.ToggleFlag)
			sessions.POST("/submit", handlers.Proctor.SubmitSession)
			sessions.POST("/abandon", handlers.Proctor.AbandonSession)
			sessions.POST("/recordings", handlers.Proctor.UploadRecording)
			sessions.POST("/screenshots", handlers.Proctor.UploadScreenshot)
			sessions.POST("/frames", handlers.Proctor.AnalyzeFrame)
		}
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/proctor/sessions/:handle/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService), middleware.NoStore())
	{
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(model.PermissionExamsMonitor),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/exams/:exam_id/violations",
			middleware.RequireAnyPermission(model.PermissionViolationsRead, model.PermissionExamsMonitor),
			middleware.Brotli(),
			handlers.Monitor.ExamViolationCounts,
		)
		adminAPI.GET("/sessions/:session_id/violations",
			middleware.RequirePermission(model.PermissionViolationsRead),
			middleware.Brotli(),
			handlers.Monitor.SessionViolations,
		)
		adminAPI.GET("/sessions/:session_id/submissions",
			middleware.RequirePermission(model.PermissionSubmissionsRead),
			middleware.Brotli(),
			handlers.Monitor.SessionSubmissions,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetricsSSE, // Open to all admins
		)
	}

	return router
}
