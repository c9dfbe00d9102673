package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"genmedia-backend/internal/middleware"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// TaskHandler exposes task status, results, history and lifecycle actions
type TaskHandler struct {
	queue     *services.TaskQueueService
	artifacts *services.ArtifactStore
	ledger    services.QuotaLedger
}

// NewTaskHandler creates the task handler
func NewTaskHandler(queue *services.TaskQueueService, artifacts *services.ArtifactStore, ledger services.QuotaLedger) *TaskHandler {
	return &TaskHandler{
		queue:     queue,
		artifacts: artifacts,
		ledger:    ledger,
	}
}

// ownedTask fetches a task and enforces owner scoping. Tasks belonging to
// other owners look exactly like missing ones.
func (h *TaskHandler) ownedTask(c *gin.Context) (*models.Task, bool) {
	task, err := h.queue.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil || task.OwnerID != middleware.OwnerID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return nil, false
	}
	return task, true
}

// GetTaskHandler returns a task's current state
// GET /api/tasks/:id
func (h *TaskHandler) GetTaskHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetResultHandler streams a completed task's artifact
// GET /api/tasks/:id/result
func (h *TaskHandler) GetResultHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	switch task.Status {
	case models.TaskStatusCompleted:
	case models.TaskStatusPending, models.TaskStatusRunning:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Task result not ready",
			"code":   "RESULT_NOT_READY",
			"status": task.Status,
		})
		return
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Task did not complete",
			"code":       "TASK_NOT_COMPLETED",
			"status":     task.Status,
			"error_code": task.ErrorCode,
		})
		return
	}

	path, err := h.artifacts.Path(task.ResultRef)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact no longer available"})
		return
	}

	c.Header("Content-Type", contentTypeForExt(filepath.Ext(path)))
	c.Header("Content-Disposition", "inline; filename=\""+task.ID+filepath.Ext(path)+"\"")
	c.File(path)
}

// CancelTaskHandler requests cancellation of a pending or running task
// POST /api/tasks/:id/cancel
func (h *TaskHandler) CancelTaskHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	if err := h.queue.Cancel(c.Request.Context(), task.ID); err != nil {
		if errors.Is(err, services.ErrNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Task already finished",
				"code":   "NOT_CANCELLABLE",
				"status": task.Status,
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListTasksHandler returns the owner's task history, newest first
// GET /api/tasks?offset=0&limit=20
func (h *TaskHandler) ListTasksHandler(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := h.queue.ListByOwner(c.Request.Context(), middleware.OwnerID(c), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tasks"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":  tasks,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// DeleteTaskHandler moves a finished task into the recycle bin
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTaskHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	if err := h.queue.SoftDelete(c.Request.Context(), task.ID); err != nil {
		if errors.Is(err, services.ErrNotDeletable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Only finished tasks can be deleted",
				"code":   "NOT_DELETABLE",
				"status": task.Status,
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RestoreTaskHandler pulls a task back out of the recycle bin
// POST /api/tasks/:id/restore
func (h *TaskHandler) RestoreTaskHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	if err := h.queue.Restore(c.Request.Context(), task.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// PurgeTaskHandler permanently deletes a recycle-binned task
// DELETE /api/tasks/:id/purge
func (h *TaskHandler) PurgeTaskHandler(c *gin.Context) {
	task, ok := h.ownedTask(c)
	if !ok {
		return
	}

	if err := h.queue.Purge(c.Request.Context(), task.ID); err != nil {
		if errors.Is(err, services.ErrNotDeleted) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Task must be in the recycle bin before purge",
				"code":  "NOT_DELETED",
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetQuotaHandler returns the owner's quota usage for the current period
// GET /api/quota
func (h *TaskHandler) GetQuotaHandler(c *gin.Context) {
	used, limit, err := h.ledger.Usage(c.Request.Context(), middleware.OwnerID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read quota"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"used":      used,
		"limit":     limit,
		"remaining": limit - used,
	})
}

func contentTypeForExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
