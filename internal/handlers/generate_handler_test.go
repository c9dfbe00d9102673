package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"
	"time"

	"genmedia-backend/internal/app"
	"genmedia-backend/internal/config"
	"genmedia-backend/internal/events"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/repository"
	"genmedia-backend/internal/router"
	"genmedia-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, quotaLimit int64) (*gin.Engine, *app.ServiceContainer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Quota.Limit = quotaLimit
	cfg.Storage.UploadDir = t.TempDir()
	config.AppConfig = cfg
	t.Cleanup(func() { config.AppConfig = nil })

	repo := repository.NewMemoryTaskRepository()
	ledger := services.NewMemoryQuotaLedger(models.QuotaPeriodDay, quotaLimit, nil)
	artifacts, err := services.NewArtifactStore(t.TempDir(), repo, time.Hour, time.Hour)
	require.NoError(t, err)

	hub := events.NewHub()
	queue := services.NewTaskQueueService(cfg, repo, ledger, artifacts, hub)
	runner := &stubRunner{}
	pool := services.NewWorkerPoolService(1, []int{0}, runner, 0, 3)
	push := services.NewWebSocketPushService(hub)
	t.Cleanup(push.Stop)

	container := &app.ServiceContainer{
		TaskRepo:    repo,
		QuotaLedger: ledger,
		Artifacts:   artifacts,
		WorkerPool:  pool,
		TaskQueue:   queue,
		Dispatcher:  services.NewDispatcherService(queue, pool, artifacts),
		Hub:         hub,
		PushService: push,
	}
	return router.SetupRouter(container), container
}

type stubRunner struct{}

func (s *stubRunner) Execute(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*services.InferenceResult, error) {
	return &services.InferenceResult{}, nil
}

func (s *stubRunner) Probe(ctx context.Context, gpuIndex int) error { return nil }

func postJSON(t *testing.T, r *gin.Engine, user, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, r *gin.Engine, user, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User-ID", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func postImageUpload(t *testing.T, r *gin.Engine, user, path string, fields map[string]string, fileName string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+fileName+`"`)
	header.Set("Content-Type", "image/png")
	fw, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitTextToImage(t *testing.T) {
	r, _ := newTestServer(t, 100)

	w := postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{"prompt": "a red fox"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		TaskID        string `json:"task_id"`
		QueuePosition int    `json:"queue_position"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	require.Equal(t, 1, resp.QueuePosition)

	// owner can read the task back
	w = doGet(t, r, "alice", "/api/tasks/"+resp.TaskID)
	require.Equal(t, http.StatusOK, w.Code)

	// other owners cannot see it
	w = doGet(t, r, "bob", "/api/tasks/"+resp.TaskID)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitValidationError(t *testing.T) {
	r, _ := newTestServer(t, 100)

	// binding-level rejection: prompt is required
	w := postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// semantic rejection: unsupported aspect ratio
	w = postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{
		"prompt":       "x",
		"aspect_ratio": "7:1",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "aspect_ratio")
}

func TestRejectedSubmissionCleansUpUploads(t *testing.T) {
	r, _ := newTestServer(t, 100)
	uploadDir := config.AppConfig.Storage.UploadDir

	// upload saves fine, then the submission fails parameter validation
	w := postImageUpload(t, r, "alice", "/api/generate/image-edit", map[string]string{
		"prompt":              "brighten",
		"num_inference_steps": "5",
	}, "in.png", []byte("png bytes"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "num_inference_steps")

	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Empty(t, entries, "rejected submission must not leave uploads behind")

	// an accepted submission keeps its upload for the worker to read
	w = postImageUpload(t, r, "alice", "/api/generate/image-edit", map[string]string{
		"prompt": "brighten",
	}, "in.png", []byte("png bytes"))
	require.Equal(t, http.StatusAccepted, w.Code)

	entries, err = os.ReadDir(uploadDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSubmitQuotaExceeded(t *testing.T) {
	r, _ := newTestServer(t, 1)

	w := postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{"prompt": "one"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{"prompt": "two"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Contains(t, w.Body.String(), "QUOTA_EXCEEDED")

	// quota endpoint reflects the usage
	w = doGet(t, r, "alice", "/api/quota")
	require.Equal(t, http.StatusOK, w.Code)
	var quota struct {
		Used      int64 `json:"used"`
		Limit     int64 `json:"limit"`
		Remaining int64 `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quota))
	require.Equal(t, int64(1), quota.Used)
	require.Equal(t, int64(0), quota.Remaining)
}

func TestCancelAndHistory(t *testing.T) {
	r, _ := newTestServer(t, 100)

	w := postJSON(t, r, "alice", "/api/generate/text-to-image", gin.H{"prompt": "x"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// result not ready while pending
	w = doGet(t, r, "alice", "/api/tasks/"+resp.TaskID+"/result")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "RESULT_NOT_READY")

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+resp.TaskID+"/cancel", nil)
	req.Header.Set("X-User-ID", "alice")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// a second cancel is rejected
	req = httptest.NewRequest(http.MethodPost, "/api/tasks/"+resp.TaskID+"/cancel", nil)
	req.Header.Set("X-User-ID", "alice")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	// history shows the cancelled task
	w = doGet(t, r, "alice", "/api/tasks")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Tasks []models.Task `json:"tasks"`
		Total int64         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, int64(1), list.Total)
	require.Equal(t, models.TaskStatusCancelled, list.Tasks[0].Status)
}

func TestHealthAndInfo(t *testing.T) {
	r, _ := newTestServer(t, 100)

	w := doGet(t, r, "alice", "/health")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "genmedia-backend")

	w = doGet(t, r, "alice", "/api/info/aspect-ratios")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "16:9")

	w = doGet(t, r, "alice", "/ping")
	require.Equal(t, http.StatusOK, w.Code)
}
