package handlers

import (
	"net/http"

	"genmedia-backend/internal/config"
	"genmedia-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// InfoHandler exposes health and capability endpoints
type InfoHandler struct {
	queue *services.TaskQueueService
	pool  *services.WorkerPoolService
}

// NewInfoHandler creates the info handler
func NewInfoHandler(queue *services.TaskQueueService, pool *services.WorkerPoolService) *InfoHandler {
	return &InfoHandler{
		queue: queue,
		pool:  pool,
	}
}

// HealthCheckHandler reports engine health and queue depth
// GET /health
func (h *InfoHandler) HealthCheckHandler(c *gin.Context) {
	pending, running := h.queue.Counts()

	status := "ok"
	httpStatus := http.StatusOK
	if !h.pool.Healthy() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":  status,
		"service": "genmedia-backend",
		"pending": pending,
		"running": running,
		"slots":   h.pool.Snapshot(),
	})
}

// AspectRatiosHandler lists the supported aspect ratios and their pixel sizes
// GET /api/info/aspect-ratios
func (h *InfoHandler) AspectRatiosHandler(c *gin.Context) {
	ratios := map[string][]int{}
	if config.AppConfig != nil {
		ratios = config.AppConfig.Generation.AspectRatios
	}
	c.JSON(http.StatusOK, gin.H{"aspect_ratios": ratios})
}

// PingHandler liveness probe
// GET /ping
func PingHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}
