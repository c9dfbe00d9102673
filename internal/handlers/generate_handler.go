package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"genmedia-backend/internal/config"
	"genmedia-backend/internal/middleware"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/services"
	"genmedia-backend/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GenerateHandler exposes the five submission endpoints
type GenerateHandler struct {
	queue     *services.TaskQueueService
	uploadDir string
}

// NewGenerateHandler creates the submission handler
func NewGenerateHandler(queue *services.TaskQueueService, uploadDir string) *GenerateHandler {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		panic(fmt.Sprintf("Failed to create upload directory: %v", err))
	}
	return &GenerateHandler{
		queue:     queue,
		uploadDir: uploadDir,
	}
}

// TextToImageHandler handles text-to-image submission
// POST /api/generate/text-to-image
func (h *GenerateHandler) TextToImageHandler(c *gin.Context) {
	var req types.TextToImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.GenerationParams{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		AspectRatio:       req.AspectRatio,
		NumInferenceSteps: req.NumInferenceSteps,
		TrueCFGScale:      req.TrueCFGScale,
		Seed:              req.Seed,
		NumImages:         req.NumImages,
	}
	h.submit(c, models.TaskTypeTextToImage, params)
}

// ImageEditHandler handles image editing submission (multipart)
// POST /api/generate/image-edit
func (h *GenerateHandler) ImageEditHandler(c *gin.Context) {
	prompt := c.PostForm("prompt")
	inputImages, err := h.saveUploads(c, 2)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.GenerationParams{
		Prompt:            prompt,
		NegativePrompt:    c.PostForm("negative_prompt"),
		NumInferenceSteps: formInt(c, "num_inference_steps"),
		TrueCFGScale:      formFloat(c, "true_cfg_scale"),
		GuidanceScale:     formFloat(c, "guidance_scale"),
		Seed:              int64(formInt(c, "seed")),
		NumImages:         formInt(c, "num_images"),
		InputImages:       inputImages,
	}
	h.submit(c, models.TaskTypeImageEdit, params)
}

// BatchEditHandler handles batch editing submission (multipart, one image,
// multiple prompts)
// POST /api/generate/batch-edit
func (h *GenerateHandler) BatchEditHandler(c *gin.Context) {
	prompts := c.PostFormArray("prompts")
	inputImages, err := h.saveUploads(c, 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.GenerationParams{
		Prompts:           prompts,
		NegativePrompt:    c.PostForm("negative_prompt"),
		NumInferenceSteps: formInt(c, "num_inference_steps"),
		TrueCFGScale:      formFloat(c, "true_cfg_scale"),
		GuidanceScale:     formFloat(c, "guidance_scale"),
		Seed:              int64(formInt(c, "seed")),
		InputImages:       inputImages,
	}
	h.submit(c, models.TaskTypeBatchEdit, params)
}

// TextToVideoHandler handles text-to-video submission
// POST /api/generate/text-to-video
func (h *GenerateHandler) TextToVideoHandler(c *gin.Context) {
	var req types.TextToVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.GenerationParams{
		Prompt:            req.Prompt,
		NegativePrompt:    req.NegativePrompt,
		NumFrames:         req.NumFrames,
		NumInferenceSteps: req.NumInferenceSteps,
		GuidanceScale:     req.GuidanceScale,
		Seed:              req.Seed,
	}
	h.submit(c, models.TaskTypeTextToVideo, params)
}

// ImageToVideoHandler handles image-to-video submission (multipart)
// POST /api/generate/image-to-video
func (h *GenerateHandler) ImageToVideoHandler(c *gin.Context) {
	inputImages, err := h.saveUploads(c, 1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.GenerationParams{
		Prompt:            c.PostForm("prompt"),
		NegativePrompt:    c.PostForm("negative_prompt"),
		NumFrames:         formInt(c, "num_frames"),
		NumInferenceSteps: formInt(c, "num_inference_steps"),
		GuidanceScale:     formFloat(c, "guidance_scale"),
		Seed:              int64(formInt(c, "seed")),
		InputImages:       inputImages,
	}
	h.submit(c, models.TaskTypeImageToVideo, params)
}

// submit runs the shared submission path and maps errors to HTTP statuses
func (h *GenerateHandler) submit(c *gin.Context, taskType models.TaskType, params *types.GenerationParams) {
	ownerID := middleware.OwnerID(c)

	task, position, err := h.queue.Submit(c.Request.Context(), ownerID, taskType, params)
	if err != nil {
		// A rejected submission leaves no task row behind, so its uploads
		// have no owner and nothing else reclaims them.
		removeUploads(params.InputImages)

		var validationErr *services.ValidationError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validationErr.Error(),
				"field": validationErr.Field,
			})
		case errors.Is(err, services.ErrQuotaExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Quota exceeded for the current period",
				"code":  "QUOTA_EXCEEDED",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task"})
		}
		return
	}

	c.JSON(http.StatusAccepted, types.SubmitResponse{
		TaskID:        task.ID,
		QueuePosition: position,
	})
}

// saveUploads validates and stores the multipart image files, returning
// their server-side paths
func (h *GenerateHandler) saveUploads(c *gin.Context, maxFiles int) ([]string, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}

	files := form.File["images"]
	if len(files) == 0 {
		files = form.File["image"]
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no image uploaded")
	}
	if len(files) > maxFiles {
		return nil, fmt.Errorf("at most %d image(s) allowed", maxFiles)
	}

	maxSize := int64(20) * 1024 * 1024
	if config.AppConfig != nil && config.AppConfig.Generation.MaxUploadSizeMB > 0 {
		maxSize = int64(config.AppConfig.Generation.MaxUploadSizeMB) * 1024 * 1024
	}

	paths := make([]string, 0, len(files))
	for _, file := range files {
		if file.Size > maxSize {
			return nil, fmt.Errorf("file %s exceeds %dMB limit", file.Filename, maxSize/(1024*1024))
		}
		if !validImageType(file) {
			return nil, fmt.Errorf("file %s has unsupported type, only jpeg, png and webp are allowed", file.Filename)
		}

		ext := strings.ToLower(filepath.Ext(file.Filename))
		dest := filepath.Join(h.uploadDir, uuid.New().String()+ext)
		if err := saveUploadedFile(file, dest); err != nil {
			return nil, fmt.Errorf("failed to save upload: %w", err)
		}
		paths = append(paths, dest)
	}
	return paths, nil
}

// removeUploads deletes saved upload files after a rejected submission
func removeUploads(paths []string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

var allowedImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

func validImageType(file *multipart.FileHeader) bool {
	if !allowedImageExts[strings.ToLower(filepath.Ext(file.Filename))] {
		return false
	}
	switch file.Header.Get("Content-Type") {
	case "image/jpeg", "image/png", "image/webp", "":
		return true
	}
	return false
}

func saveUploadedFile(file *multipart.FileHeader, dest string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func formInt(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.PostForm(key))
	return v
}

func formFloat(c *gin.Context, key string) float64 {
	v, _ := strconv.ParseFloat(c.PostForm(key), 64)
	return v
}
