package services

import (
	"context"
	"testing"

	"genmedia-backend/internal/config"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/repository"
	"genmedia-backend/internal/types"

	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, limit int64) (*TaskQueueService, *MemoryQuotaLedger) {
	t.Helper()
	cfg := config.Default()
	cfg.Quota.Limit = limit

	ledger := NewMemoryQuotaLedger(models.QuotaPeriodDay, limit, nil)
	queue := NewTaskQueueService(cfg, repository.NewMemoryTaskRepository(), ledger, nil, nil)
	return queue, ledger
}

func submitImage(t *testing.T, q *TaskQueueService, owner, prompt string) *models.Task {
	t.Helper()
	task, _, err := q.Submit(context.Background(), owner, models.TaskTypeTextToImage,
		&types.GenerationParams{Prompt: prompt})
	require.NoError(t, err)
	return task
}

func TestSubmit_AppliesDefaults(t *testing.T) {
	q, _ := newTestQueue(t, 100)

	params := &types.GenerationParams{Prompt: "a red fox"}
	task, position, err := q.Submit(context.Background(), "alice", models.TaskTypeTextToImage, params)
	require.NoError(t, err)
	require.Equal(t, 1, position)
	require.Equal(t, models.TaskStatusPending, task.Status)
	require.Equal(t, 1, task.QuotaCost)

	// defaults filled into the snapshot
	require.Equal(t, 50, params.NumInferenceSteps)
	require.Equal(t, 1, params.NumImages)
	require.Equal(t, "1:1", params.AspectRatio)
	require.Equal(t, 1024, params.Width)
	require.Equal(t, 1024, params.Height)
}

func TestSubmit_Validation(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	cases := []struct {
		name     string
		taskType models.TaskType
		params   *types.GenerationParams
	}{
		{"empty prompt", models.TaskTypeTextToImage, &types.GenerationParams{}},
		{"bad aspect ratio", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "x", AspectRatio: "5:1"}},
		{"steps too low", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "x", NumInferenceSteps: 5}},
		{"steps too high", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "x", NumInferenceSteps: 500}},
		{"too many images", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "x", NumImages: 9}},
		{"edit without input", models.TaskTypeImageEdit, &types.GenerationParams{Prompt: "x"}},
		{"edit with three inputs", models.TaskTypeImageEdit, &types.GenerationParams{Prompt: "x", InputImages: []string{"a", "b", "c"}}},
		{"batch without prompts", models.TaskTypeBatchEdit, &types.GenerationParams{InputImages: []string{"a"}}},
		{"batch with empty prompt", models.TaskTypeBatchEdit, &types.GenerationParams{Prompts: []string{"ok", ""}, InputImages: []string{"a"}}},
		{"batch too many prompts", models.TaskTypeBatchEdit, &types.GenerationParams{
			Prompts:     []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"},
			InputImages: []string{"a"},
		}},
		{"video without prompt", models.TaskTypeTextToVideo, &types.GenerationParams{}},
		{"video too many frames", models.TaskTypeTextToVideo, &types.GenerationParams{Prompt: "x", NumFrames: 9999}},
		{"image to video without input", models.TaskTypeImageToVideo, &types.GenerationParams{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := q.Submit(ctx, "alice", tc.taskType, tc.params)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}

	// nothing was reserved or enqueued
	used, _, _ := q.ledger.Usage(ctx, "alice")
	require.Equal(t, int64(0), used)
	pending, running := q.Counts()
	require.Equal(t, 0, pending)
	require.Equal(t, 0, running)
}

func TestSubmit_CostScaling(t *testing.T) {
	q, ledger := newTestQueue(t, 100)
	ctx := context.Background()

	task, _, err := q.Submit(ctx, "alice", models.TaskTypeTextToImage,
		&types.GenerationParams{Prompt: "x", NumImages: 4})
	require.NoError(t, err)
	require.Equal(t, 4, task.QuotaCost)

	task, _, err = q.Submit(ctx, "alice", models.TaskTypeBatchEdit,
		&types.GenerationParams{Prompts: []string{"a", "b", "c"}, InputImages: []string{"in.png"}})
	require.NoError(t, err)
	require.Equal(t, 3, task.QuotaCost)

	task, _, err = q.Submit(ctx, "alice", models.TaskTypeTextToVideo,
		&types.GenerationParams{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, 5, task.QuotaCost)

	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(12), used)
}

func TestSubmit_QuotaExceeded(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	submitImage(t, q, "alice", "one")
	submitImage(t, q, "alice", "two")

	_, _, err := q.Submit(ctx, "alice", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "three"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// rejection leaves no trace
	pending, _ := q.Counts()
	require.Equal(t, 2, pending)
}

func TestDequeue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t, 100)

	first := submitImage(t, q, "alice", "first")
	second := submitImage(t, q, "bob", "second")
	third := submitImage(t, q, "alice", "third")

	require.Equal(t, first.ID, q.Dequeue().ID)
	require.Equal(t, second.ID, q.Dequeue().ID)
	require.Equal(t, third.ID, q.Dequeue().ID)
	require.Nil(t, q.Dequeue())
}

func TestRequeueFront_PreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t, 100)

	first := submitImage(t, q, "alice", "first")
	submitImage(t, q, "alice", "second")

	task := q.Dequeue()
	require.Equal(t, first.ID, task.ID)

	q.RequeueFront(task.ID)
	require.Equal(t, first.ID, q.Dequeue().ID)
}

func TestLifecycle_CompleteCommitsQuota(t *testing.T) {
	q, ledger := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")
	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))

	got, err := q.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, 0, *got.GPUIndex)

	require.NoError(t, q.MarkCompleted(ctx, task.ID, "sha256:abc"))

	got, _ = q.GetTask(ctx, task.ID)
	require.Equal(t, models.TaskStatusCompleted, got.Status)
	require.Equal(t, "sha256:abc", got.ResultRef)
	require.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.FinishedAt)

	// quota stays consumed
	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(1), used)
}

func TestLifecycle_FailureRefundsQuota(t *testing.T) {
	q, ledger := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")
	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))
	require.NoError(t, q.MarkFailed(ctx, task.ID, models.ErrorCodeWorkerCrashed, "boom"))

	got, _ := q.GetTask(ctx, task.ID)
	require.Equal(t, models.TaskStatusFailed, got.Status)
	require.Equal(t, models.ErrorCodeWorkerCrashed, got.ErrorCode)

	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(0), used)
}

func TestLifecycle_FirstTerminalWins(t *testing.T) {
	q, ledger := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")
	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))
	require.NoError(t, q.MarkCancelled(ctx, task.ID))

	// a late crash report changes nothing
	require.NoError(t, q.MarkFailed(ctx, task.ID, models.ErrorCodeWorkerCrashed, "late"))

	got, _ := q.GetTask(ctx, task.ID)
	require.Equal(t, models.TaskStatusCancelled, got.Status)

	// refund happened exactly once
	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(0), used)
}

func TestSetProgress_ClampedAndMonotonic(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")

	// progress on a pending task is ignored
	q.SetProgress(task.ID, 0.5)
	got, _ := q.GetTask(ctx, task.ID)
	require.Equal(t, 0.0, got.Progress)

	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))
	q.SetProgress(task.ID, 0.5)
	q.SetProgress(task.ID, 0.3) // backwards, ignored
	q.SetProgress(task.ID, 2.0) // clamped

	got, _ = q.GetTask(ctx, task.ID)
	require.Equal(t, 1.0, got.Progress)
}

func TestCancel_PendingRefundsAndDequeues(t *testing.T) {
	q, ledger := newTestQueue(t, 100)
	ctx := context.Background()

	first := submitImage(t, q, "alice", "first")
	second := submitImage(t, q, "alice", "second")

	require.NoError(t, q.Cancel(ctx, first.ID))

	got, _ := q.GetTask(ctx, first.ID)
	require.Equal(t, models.TaskStatusCancelled, got.Status)

	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(1), used)

	// cancelled task no longer dispatchable
	require.Equal(t, second.ID, q.Dequeue().ID)
	require.Nil(t, q.Dequeue())
}

func TestCancel_RunningInvokesCancelFunc(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")
	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))

	invoked := false
	q.RegisterCancel(task.ID, func() { invoked = true })

	require.NoError(t, q.Cancel(ctx, task.ID))
	require.True(t, invoked)

	// transition happens when the dispatcher observes the worker death
	got, _ := q.GetTask(ctx, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)
}

func TestCancel_TerminalRejected(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")
	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))
	require.NoError(t, q.MarkCompleted(ctx, task.ID, "sha256:abc"))

	require.ErrorIs(t, q.Cancel(ctx, task.ID), ErrNotCancellable)
}

func TestRecycleBin_DeleteRestorePurge(t *testing.T) {
	q, _ := newTestQueue(t, 100)
	ctx := context.Background()

	task := submitImage(t, q, "alice", "x")

	// pending tasks cannot be binned
	require.ErrorIs(t, q.SoftDelete(ctx, task.ID), ErrNotDeletable)

	require.NoError(t, q.MarkRunning(ctx, task.ID, 0))
	require.NoError(t, q.MarkCompleted(ctx, task.ID, "sha256:abc"))

	// purge requires the recycle bin first
	require.ErrorIs(t, q.Purge(ctx, task.ID), ErrNotDeleted)

	require.NoError(t, q.SoftDelete(ctx, task.ID))
	tasks, total, err := q.ListByOwner(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
	require.Empty(t, tasks)

	// soft delete is idempotent
	require.NoError(t, q.SoftDelete(ctx, task.ID))

	require.NoError(t, q.Restore(ctx, task.ID))
	_, total, _ = q.ListByOwner(ctx, "alice", 0, 10)
	require.Equal(t, int64(1), total)

	// restore on a live task is a no-op
	require.NoError(t, q.Restore(ctx, task.ID))

	require.NoError(t, q.SoftDelete(ctx, task.ID))
	require.NoError(t, q.Purge(ctx, task.ID))

	_, err = q.GetTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecovery_RequeuesPendingFailsRunning(t *testing.T) {
	cfg := config.Default()
	repo := repository.NewMemoryTaskRepository()
	ledger := NewMemoryQuotaLedger(models.QuotaPeriodDay, 100, nil)

	first := NewTaskQueueService(cfg, repo, ledger, nil, nil)
	ctx := context.Background()

	a, _, err := first.Submit(ctx, "alice", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "a"})
	require.NoError(t, err)
	b, _, err := first.Submit(ctx, "alice", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "b"})
	require.NoError(t, err)
	c, _, err := first.Submit(ctx, "alice", models.TaskTypeTextToImage, &types.GenerationParams{Prompt: "c"})
	require.NoError(t, err)
	require.NoError(t, first.MarkRunning(ctx, a.ID, 0))

	// simulate a process restart over the same storage
	second := NewTaskQueueService(cfg, repo, ledger, nil, nil)
	require.NoError(t, second.recover(ctx))

	// the running task was orphaned and failed with its quota refunded
	got, err := second.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusFailed, got.Status)
	require.Equal(t, models.ErrorCodeWorkerCrashed, got.ErrorCode)

	// pending tasks rejoined the queue in submission order
	require.Equal(t, b.ID, second.Dequeue().ID)
	require.Equal(t, c.ID, second.Dequeue().ID)
	require.Nil(t, second.Dequeue())

	// adopted reservations: b and c still count, a was refunded
	used, _, _ := ledger.Usage(ctx, "alice")
	require.Equal(t, int64(2), used)
}
