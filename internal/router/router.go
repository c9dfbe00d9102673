package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"genmedia-backend/internal/app"
	"genmedia-backend/internal/config"
	"genmedia-backend/internal/handlers"
	"genmedia-backend/internal/metrics"
	"genmedia-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware CORS middleware
// Priority: Environment Variable > YAML Config > Default (*)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		allowCredentials := true
		maxAge := 3600

		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			allowedOrigins = allowedOrigins[:0]
			for _, o := range strings.Split(envOrigins, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		} else if config.AppConfig != nil && len(config.AppConfig.CORS.AllowedOrigins) > 0 {
			allowedOrigins = config.AppConfig.CORS.AllowedOrigins
			allowCredentials = config.AppConfig.CORS.AllowCredentials
			if config.AppConfig.CORS.MaxAge > 0 {
				maxAge = config.AppConfig.CORS.MaxAge
			}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if strings.TrimSpace(allowedOrigin) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else if c.Request.Method != "OPTIONS" {
				logrus.WithFields(logrus.Fields{
					"origin": origin,
					"path":   c.Request.URL.Path,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept, X-User-ID")
		if allowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type, Content-Disposition")
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// metricsMiddleware records per-route request durations
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// SetupRouter builds the HTTP surface from the service container
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(), metricsMiddleware())

	logger := logrus.StandardLogger()

	var allowedIPs []string
	if config.AppConfig != nil && len(config.AppConfig.Admin.AllowedIPs) > 0 {
		allowedIPs = config.AppConfig.Admin.AllowedIPs
		logger.WithFields(logrus.Fields{
			"allowed_ips": allowedIPs,
			"count":       len(allowedIPs),
		}).Info("Admin API IP whitelist configured")
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, allowedIPs)
	auth := middleware.NewAuthMiddleware(logger)

	uploadDir := "./uploads"
	if config.AppConfig != nil {
		uploadDir = config.AppConfig.Storage.UploadDir
	}

	generateHandler := handlers.NewGenerateHandler(container.TaskQueue, uploadDir)
	taskHandler := handlers.NewTaskHandler(container.TaskQueue, container.Artifacts, container.QuotaLedger)
	infoHandler := handlers.NewInfoHandler(container.TaskQueue, container.WorkerPool)
	wsHandler := handlers.NewWebSocketHandler(container.PushService, logger)

	// ============ Liveness and health ============
	r.GET("/ping", handlers.PingHandler)
	r.GET("/health", infoHandler.HealthCheckHandler)

	// ============ Prometheus metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ WebSocket event stream ============
	r.GET("/ws/tasks", auth.RequireAuth(), wsHandler.StreamHandler)

	// ============ API routes ============
	api := r.Group("/api", auth.RequireAuth())
	{
		generate := api.Group("/generate")
		{
			generate.POST("/text-to-image", generateHandler.TextToImageHandler)
			generate.POST("/image-edit", generateHandler.ImageEditHandler)
			generate.POST("/batch-edit", generateHandler.BatchEditHandler)
			generate.POST("/text-to-video", generateHandler.TextToVideoHandler)
			generate.POST("/image-to-video", generateHandler.ImageToVideoHandler)
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("", taskHandler.ListTasksHandler)
			tasks.GET("/:id", taskHandler.GetTaskHandler)
			tasks.GET("/:id/result", taskHandler.GetResultHandler)
			tasks.POST("/:id/cancel", taskHandler.CancelTaskHandler)
			tasks.DELETE("/:id", taskHandler.DeleteTaskHandler)
			tasks.POST("/:id/restore", taskHandler.RestoreTaskHandler)
			tasks.DELETE("/:id/purge", taskHandler.PurgeTaskHandler)
		}

		api.GET("/quota", taskHandler.GetQuotaHandler)
		api.GET("/info/aspect-ratios", infoHandler.AspectRatiosHandler)

		// Maintenance endpoints, localhost or whitelisted IPs only
		admin := api.Group("/admin", localhostOnly.Restrict())
		{
			admin.POST("/sweep", func(c *gin.Context) {
				purged, err := container.TaskQueue.SweepRecycleBin(c.Request.Context())
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				removed, err := container.Artifacts.SweepOnce(c.Request.Context())
				if err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, gin.H{"purged_tasks": purged, "removed_artifacts": removed})
			})
		}
	}

	// ============ NoRoute handler for 404 ============
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "Endpoint not found",
			"path":       c.Request.URL.Path,
			"suggestion": "Check /api endpoints for available APIs",
		})
	})

	return r
}
