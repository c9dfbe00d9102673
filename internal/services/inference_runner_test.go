package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"genmedia-backend/internal/models"

	"github.com/stretchr/testify/require"
)

func shRunner(t *testing.T, script string) *ProcessRunner {
	t.Helper()
	return NewProcessRunner([]string{"/bin/sh", "-c", script}, []string{"/bin/true"}, t.TempDir(), 5*time.Second)
}

func testTask() *models.Task {
	return &models.Task{
		ID:     "task-runner-test",
		Type:   models.TaskTypeTextToImage,
		Status: models.TaskStatusRunning,
		Params: `{"prompt":"x"}`,
	}
}

func TestProcessRunner_SuccessAndEnv(t *testing.T) {
	// worker reports progress then a result carrying its CUDA_VISIBLE_DEVICES
	runner := shRunner(t, `req=$(cat)
echo '{"progress": 0.25}'
echo '{"progress": 0.75}'
echo "{\"result\": {\"file_path\": \"gpu-$CUDA_VISIBLE_DEVICES\", \"media_type\": \"image/png\"}}"`)

	var seen []float64
	result, err := runner.Execute(context.Background(), testTask(), 3, func(p float64) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.Equal(t, "gpu-3", result.FilePath)
	require.Equal(t, "image/png", result.MediaType)
	require.Equal(t, []float64{0.25, 0.75}, seen)
}

func TestProcessRunner_WorkerReportedError(t *testing.T) {
	runner := shRunner(t, `cat > /dev/null
echo '{"error": {"code": "out_of_memory", "message": "CUDA out of memory"}}'`)

	_, err := runner.Execute(context.Background(), testTask(), 0, nil)
	var inferErr *InferenceError
	require.ErrorAs(t, err, &inferErr)
	require.Equal(t, models.ErrorCodeOutOfMemory, inferErr.Code)
	require.Equal(t, "CUDA out of memory", inferErr.Message)
}

func TestProcessRunner_CrashWithStderr(t *testing.T) {
	runner := shRunner(t, `cat > /dev/null
echo "segfault in kernel launch" >&2
exit 3`)

	_, err := runner.Execute(context.Background(), testTask(), 0, nil)
	require.ErrorIs(t, err, ErrWorkerCrashed)
	require.Contains(t, err.Error(), "segfault in kernel launch")
}

func TestProcessRunner_ExitWithoutResult(t *testing.T) {
	runner := shRunner(t, `cat > /dev/null
echo '{"progress": 0.5}'`)

	_, err := runner.Execute(context.Background(), testTask(), 0, nil)
	require.ErrorIs(t, err, ErrWorkerCrashed)
}

func TestProcessRunner_CancelKillsWorker(t *testing.T) {
	runner := shRunner(t, `cat > /dev/null
sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := runner.Execute(ctx, testTask(), 0, nil)
	require.True(t, errors.Is(err, context.Canceled))
	require.Less(t, time.Since(start), 5*time.Second, "worker was not killed promptly")
}

func TestProcessRunner_Probe(t *testing.T) {
	ok := NewProcessRunner([]string{"/bin/sh"}, []string{"/bin/true"}, t.TempDir(), time.Second)
	require.NoError(t, ok.Probe(context.Background(), 0))

	bad := NewProcessRunner([]string{"/bin/sh"}, []string{"/bin/false"}, t.TempDir(), time.Second)
	require.Error(t, bad.Probe(context.Background(), 0))
}
