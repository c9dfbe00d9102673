package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"genmedia-backend/internal/config"
	"genmedia-backend/internal/events"
	"genmedia-backend/internal/metrics"
	"genmedia-backend/internal/models"
	"genmedia-backend/internal/repository"
	"genmedia-backend/internal/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskQueueService is the sole writer of task state. Every transition goes
// through its mutex, gets written through to the repository, and is published
// on the event hub. The dispatcher and HTTP handlers only ever call into it.
type TaskQueueService struct {
	cfg       *config.Config
	repo      repository.TaskRepository
	ledger    QuotaLedger
	artifacts *ArtifactStore
	hub       *events.Hub

	mu           sync.Mutex
	tasks        map[string]*models.Task
	pending      []string // FIFO of pending task IDs
	reservations map[string]*Reservation
	cancelFuncs  map[string]context.CancelFunc

	notify  func()
	nowFunc func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTaskQueueService creates the queue. artifacts may be nil (purge then
// skips artifact removal), hub may be nil (no event fan-out).
func NewTaskQueueService(cfg *config.Config, repo repository.TaskRepository, ledger QuotaLedger, artifacts *ArtifactStore, hub *events.Hub) *TaskQueueService {
	return &TaskQueueService{
		cfg:          cfg,
		repo:         repo,
		ledger:       ledger,
		artifacts:    artifacts,
		hub:          hub,
		tasks:        make(map[string]*models.Task),
		reservations: make(map[string]*Reservation),
		cancelFuncs:  make(map[string]context.CancelFunc),
		nowFunc:      time.Now,
		stopChan:     make(chan struct{}),
	}
}

// SetDispatchNotifier registers the callback fired when new work arrives
func (s *TaskQueueService) SetDispatchNotifier(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = fn
}

// Start recovers persisted state and launches the recycle bin sweeper
func (s *TaskQueueService) Start() error {
	if err := s.recover(context.Background()); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.recycleSweepLoop()
	log.Printf("✅ [TaskQueue] Started")
	return nil
}

// Stop terminates the sweeper
func (s *TaskQueueService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	log.Printf("🛑 [TaskQueue] Stopped")
}

// recover rebuilds in-memory state from the repository after a restart.
// Pending tasks rejoin the queue in submission order with their quota usage
// adopted as-is. Tasks that were running when the process died are failed:
// their worker processes are gone.
func (s *TaskQueueService) recover(ctx context.Context) error {
	pending, err := s.repo.FindByStatus(ctx, models.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to load pending tasks: %w", err)
	}

	s.mu.Lock()
	for _, task := range pending {
		s.tasks[task.ID] = task
		s.pending = append(s.pending, task.ID)
		s.reservations[task.ID] = s.ledger.AdoptReservation(task.OwnerID, int64(task.QuotaCost))
	}
	s.mu.Unlock()

	if len(pending) > 0 {
		log.Printf("✅ [TaskQueue] Recovered %d pending task(s)", len(pending))
	}

	running, err := s.repo.FindByStatus(ctx, models.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to load running tasks: %w", err)
	}
	for _, task := range running {
		s.mu.Lock()
		s.tasks[task.ID] = task
		s.reservations[task.ID] = s.ledger.AdoptReservation(task.OwnerID, int64(task.QuotaCost))
		s.mu.Unlock()

		if err := s.MarkFailed(ctx, task.ID, models.ErrorCodeWorkerCrashed, "engine restarted while task was running"); err != nil {
			logrus.WithFields(logrus.Fields{"task_id": task.ID, "error": err.Error()}).Warn("Failed to fail orphaned running task")
		}
	}
	if len(running) > 0 {
		log.Printf("⚠️ [TaskQueue] Failed %d task(s) orphaned by restart", len(running))
	}

	s.updateGauges()
	return nil
}

// Submit validates, reserves quota, persists, and enqueues a new task.
// Returns the created task and its 1-based queue position.
func (s *TaskQueueService) Submit(ctx context.Context, ownerID string, taskType models.TaskType, params *types.GenerationParams) (*models.Task, int, error) {
	if !models.ValidTaskType(taskType) {
		return nil, 0, NewValidationError("type", "unknown task type")
	}
	if err := s.validateParams(taskType, params); err != nil {
		return nil, 0, err
	}

	cost := s.taskCost(taskType, params)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode params: %w", err)
	}

	res, err := s.ledger.Reserve(ctx, ownerID, int64(cost))
	if err == ErrQuotaExceeded {
		metrics.QuotaRejections.Inc()
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, err
	}

	task := &models.Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		OwnerID:   ownerID,
		Status:    models.TaskStatusPending,
		Params:    string(paramsJSON),
		QuotaCost: cost,
		CreatedAt: s.nowFunc(),
	}

	if err := s.repo.Create(ctx, task); err != nil {
		s.ledger.Refund(ctx, res)
		return nil, 0, fmt.Errorf("failed to persist task: %w", err)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.pending = append(s.pending, task.ID)
	s.reservations[task.ID] = res
	position := len(s.pending)
	taskCopy := *task
	s.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(taskType)).Inc()
	s.updateGauges()
	s.publish(events.EventTaskSubmitted, &taskCopy)

	logrus.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"type":     taskType,
		"owner_id": ownerID,
		"cost":     cost,
		"position": position,
	}).Info("Task submitted")

	s.kick()
	return &taskCopy, position, nil
}

// Dequeue pops the oldest pending task, or returns nil when the queue is
// empty. The caller must follow up with MarkRunning or RequeueFront.
func (s *TaskQueueService) Dequeue() *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	id := s.pending[0]
	s.pending = s.pending[1:]

	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	taskCopy := *task
	return &taskCopy
}

// RequeueFront puts a dequeued task back at the head of the queue
func (s *TaskQueueService) RequeueFront(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok && task.Status == models.TaskStatusPending {
		s.pending = append([]string{taskID}, s.pending...)
	}
}

// MarkRunning transitions a pending task to running on the given GPU
func (s *TaskQueueService) MarkRunning(ctx context.Context, taskID string, gpuIndex int) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if task.Status != models.TaskStatusPending {
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s, not pending", taskID, task.Status)
	}
	now := s.nowFunc()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	task.GPUIndex = &gpuIndex
	taskCopy := *task
	s.mu.Unlock()

	if err := s.repo.Save(ctx, &taskCopy); err != nil {
		logrus.WithFields(logrus.Fields{"task_id": taskID, "error": err.Error()}).Error("Failed to persist running transition")
	}
	s.updateGauges()
	s.publish(events.EventTaskStarted, &taskCopy)
	return nil
}

// SetProgress updates a running task's progress. Values are clamped to
// [0, 1] and never move backwards.
func (s *TaskQueueService) SetProgress(taskID string, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != models.TaskStatusRunning || progress <= task.Progress {
		s.mu.Unlock()
		return
	}
	task.Progress = progress
	taskCopy := *task
	s.mu.Unlock()

	s.publish(events.EventTaskProgress, &taskCopy)
}

// MarkCompleted transitions a running task to completed and commits its
// quota reservation
func (s *TaskQueueService) MarkCompleted(ctx context.Context, taskID, resultRef string) error {
	return s.finish(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskStatusCompleted
		task.Progress = 1
		task.ResultRef = resultRef
	})
}

// MarkFailed transitions a task to failed and refunds its reservation
func (s *TaskQueueService) MarkFailed(ctx context.Context, taskID, errorCode, errorMessage string) error {
	return s.finish(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskStatusFailed
		task.ErrorCode = errorCode
		task.ErrorMessage = errorMessage
	})
}

// MarkCancelled transitions a task to cancelled and refunds its reservation
func (s *TaskQueueService) MarkCancelled(ctx context.Context, taskID string) error {
	return s.finish(ctx, taskID, func(task *models.Task) {
		task.Status = models.TaskStatusCancelled
	})
}

// finish applies one terminal transition. The first terminal state wins;
// later attempts are no-ops so a cancel racing a crash cannot double-count.
func (s *TaskQueueService) finish(ctx context.Context, taskID string, apply func(*models.Task)) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if task.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	now := s.nowFunc()
	apply(task)
	task.FinishedAt = &now

	res := s.reservations[taskID]
	delete(s.reservations, taskID)
	delete(s.cancelFuncs, taskID)
	taskCopy := *task
	s.mu.Unlock()

	if res != nil {
		if taskCopy.Status == models.TaskStatusCompleted {
			s.ledger.Commit(ctx, res)
		} else {
			if err := s.ledger.Refund(ctx, res); err != nil {
				logrus.WithFields(logrus.Fields{"task_id": taskID, "error": err.Error()}).Error("Quota refund failed")
			} else {
				metrics.QuotaRefunds.Inc()
			}
		}
	}

	if err := s.repo.Save(ctx, &taskCopy); err != nil {
		logrus.WithFields(logrus.Fields{"task_id": taskID, "error": err.Error()}).Error("Failed to persist terminal transition")
	}

	metrics.TasksFinished.WithLabelValues(string(taskCopy.Type), string(taskCopy.Status)).Inc()
	if taskCopy.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(string(taskCopy.Type)).Observe(now.Sub(*taskCopy.StartedAt).Seconds())
	}
	s.updateGauges()

	switch taskCopy.Status {
	case models.TaskStatusCompleted:
		s.publish(events.EventTaskCompleted, &taskCopy)
	case models.TaskStatusFailed:
		s.publish(events.EventTaskFailed, &taskCopy)
	case models.TaskStatusCancelled:
		s.publish(events.EventTaskCancelled, &taskCopy)
	}

	logrus.WithFields(logrus.Fields{
		"task_id": taskID,
		"status":  taskCopy.Status,
	}).Info("Task finished")
	return nil
}

// RegisterCancel stores the cancel func that kills a running task's worker
func (s *TaskQueueService) RegisterCancel(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok && !task.Status.IsTerminal() {
		s.cancelFuncs[taskID] = cancel
	}
}

// Cancel requests cancellation of a task. Pending tasks are cancelled
// immediately with their quota refunded; running tasks have their worker
// killed and transition once the dispatcher observes the death. Terminal
// tasks return ErrNotCancellable.
func (s *TaskQueueService) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	switch task.Status {
	case models.TaskStatusPending:
		for i, id := range s.pending {
			if id == taskID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return s.MarkCancelled(ctx, taskID)

	case models.TaskStatusRunning:
		cancel := s.cancelFuncs[taskID]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		s.mu.Unlock()
		return ErrNotCancellable
	}
}

// GetTask returns a snapshot of the task, consulting the repository for
// tasks no longer held in memory
func (s *TaskQueueService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	if task, ok := s.tasks[taskID]; ok {
		taskCopy := *task
		s.mu.Unlock()
		return &taskCopy, nil
	}
	s.mu.Unlock()

	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, ErrNotFound
	}
	return task, nil
}

// ListByOwner returns the owner's non-deleted tasks, newest first
func (s *TaskQueueService) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.Task, int64, error) {
	return s.repo.ListByOwner(ctx, ownerID, offset, limit)
}

// SoftDelete moves a terminal task into the recycle bin
func (s *TaskQueueService) SoftDelete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		persisted, err := s.repo.GetByID(ctx, taskID)
		if err != nil {
			return ErrNotFound
		}
		s.mu.Lock()
		s.tasks[taskID] = persisted
		task = persisted
	}
	if !task.Status.IsTerminal() {
		s.mu.Unlock()
		return ErrNotDeletable
	}
	if task.DeletedAt != nil {
		s.mu.Unlock()
		return nil
	}
	now := s.nowFunc()
	task.DeletedAt = &now
	taskCopy := *task
	s.mu.Unlock()

	return s.repo.Save(ctx, &taskCopy)
}

// Restore pulls a task back out of the recycle bin. Restoring a task that
// is not deleted is a no-op.
func (s *TaskQueueService) Restore(ctx context.Context, taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		persisted, err := s.repo.GetByID(ctx, taskID)
		if err != nil {
			return ErrNotFound
		}
		s.mu.Lock()
		s.tasks[taskID] = persisted
		task = persisted
	}
	if task.DeletedAt == nil {
		s.mu.Unlock()
		return nil
	}
	task.DeletedAt = nil
	taskCopy := *task
	s.mu.Unlock()

	return s.repo.Save(ctx, &taskCopy)
}

// Purge permanently removes a recycle-binned task and its artifact
func (s *TaskQueueService) Purge(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.DeletedAt == nil {
		return ErrNotDeleted
	}
	return s.hardDelete(ctx, task)
}

// hardDelete removes the row first so the artifact reference check does not
// count the task being purged
func (s *TaskQueueService) hardDelete(ctx context.Context, task *models.Task) error {
	if err := s.repo.Delete(ctx, task.ID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tasks, task.ID)
	delete(s.reservations, task.ID)
	delete(s.cancelFuncs, task.ID)
	s.mu.Unlock()

	if task.ResultRef != "" && s.artifacts != nil {
		if err := s.artifacts.Remove(ctx, task.ResultRef); err != nil {
			logrus.WithFields(logrus.Fields{"task_id": task.ID, "error": err.Error()}).Warn("Failed to remove purged task artifact")
		}
	}
	return nil
}

// recycleSweepLoop auto-purges recycle-binned tasks past the retention window
func (s *TaskQueueService) recycleSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.Storage.SweepMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n, err := s.SweepRecycleBin(context.Background()); err != nil {
				log.Printf("⚠️ [TaskQueue] Recycle sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("🧹 [TaskQueue] Purged %d expired task(s) from recycle bin", n)
			}
		}
	}
}

// SweepRecycleBin hard-deletes tasks soft-deleted longer ago than retention
func (s *TaskQueueService) SweepRecycleBin(ctx context.Context) (int, error) {
	cutoff := s.nowFunc().Add(-time.Duration(s.cfg.Storage.RetentionHours) * time.Hour)
	expired, err := s.repo.FindExpiredDeleted(ctx, cutoff.Unix())
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, task := range expired {
		if err := s.hardDelete(ctx, task); err == nil {
			purged++
		}
	}
	return purged, nil
}

// Counts returns the number of pending and running tasks
func (s *TaskQueueService) Counts() (pending, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		switch task.Status {
		case models.TaskStatusPending:
			pending++
		case models.TaskStatusRunning:
			running++
		}
	}
	return pending, running
}

func (s *TaskQueueService) updateGauges() {
	pending, running := s.Counts()
	metrics.QueueDepth.Set(float64(pending))
	metrics.TasksRunning.Set(float64(running))
}

func (s *TaskQueueService) kick() {
	s.mu.Lock()
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *TaskQueueService) publish(eventType string, task *models.Task) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.TaskEvent{
		Type:      eventType,
		TaskID:    task.ID,
		OwnerID:   task.OwnerID,
		TaskType:  string(task.Type),
		Status:    string(task.Status),
		Progress:  task.Progress,
		ErrorCode: task.ErrorCode,
		Timestamp: s.nowFunc(),
	})
}

// taskCost computes the quota cost for a submission
func (s *TaskQueueService) taskCost(taskType models.TaskType, params *types.GenerationParams) int {
	per := 1
	if cost, ok := s.cfg.Quota.Costs[string(taskType)]; ok && cost > 0 {
		per = cost
	}

	switch taskType {
	case models.TaskTypeTextToImage, models.TaskTypeImageEdit:
		n := params.NumImages
		if n < 1 {
			n = 1
		}
		return per * n
	case models.TaskTypeBatchEdit:
		return per * len(params.Prompts)
	default:
		return per
	}
}

// validateParams enforces per-type parameter bounds and fills defaults
func (s *TaskQueueService) validateParams(taskType models.TaskType, params *types.GenerationParams) error {
	gen := s.cfg.Generation

	if params.NumInferenceSteps == 0 {
		params.NumInferenceSteps = 50
	}
	if params.NumInferenceSteps < gen.MinInferenceSteps || params.NumInferenceSteps > gen.MaxInferenceSteps {
		return NewValidationError("num_inference_steps",
			fmt.Sprintf("must be between %d and %d", gen.MinInferenceSteps, gen.MaxInferenceSteps))
	}

	switch taskType {
	case models.TaskTypeTextToImage:
		if params.Prompt == "" {
			return NewValidationError("prompt", "required")
		}
		if err := s.applyAspectRatio(params); err != nil {
			return err
		}
		if params.NumImages == 0 {
			params.NumImages = 1
		}
		if params.NumImages < 1 || params.NumImages > gen.MaxImagesPerRequest {
			return NewValidationError("num_images",
				fmt.Sprintf("must be between 1 and %d", gen.MaxImagesPerRequest))
		}

	case models.TaskTypeImageEdit:
		if params.Prompt == "" {
			return NewValidationError("prompt", "required")
		}
		if len(params.InputImages) < 1 || len(params.InputImages) > 2 {
			return NewValidationError("input_images", "requires 1 or 2 input images")
		}
		if params.NumImages == 0 {
			params.NumImages = 1
		}
		if params.NumImages < 1 || params.NumImages > gen.MaxImagesPerRequest {
			return NewValidationError("num_images",
				fmt.Sprintf("must be between 1 and %d", gen.MaxImagesPerRequest))
		}

	case models.TaskTypeBatchEdit:
		if len(params.Prompts) == 0 {
			return NewValidationError("prompts", "required")
		}
		if len(params.Prompts) > gen.MaxBatchPrompts {
			return NewValidationError("prompts",
				fmt.Sprintf("at most %d prompts per batch", gen.MaxBatchPrompts))
		}
		for i, p := range params.Prompts {
			if p == "" {
				return NewValidationError("prompts", fmt.Sprintf("prompt %d is empty", i))
			}
		}
		if len(params.InputImages) != 1 {
			return NewValidationError("input_images", "requires exactly 1 input image")
		}

	case models.TaskTypeTextToVideo:
		if params.Prompt == "" {
			return NewValidationError("prompt", "required")
		}
		if err := s.validateFrames(params); err != nil {
			return err
		}

	case models.TaskTypeImageToVideo:
		if len(params.InputImages) != 1 {
			return NewValidationError("input_images", "requires exactly 1 input image")
		}
		if err := s.validateFrames(params); err != nil {
			return err
		}
	}

	return nil
}

func (s *TaskQueueService) applyAspectRatio(params *types.GenerationParams) error {
	if params.AspectRatio == "" {
		params.AspectRatio = "1:1"
	}
	size, ok := s.cfg.Generation.AspectRatios[params.AspectRatio]
	if !ok || len(size) != 2 {
		return NewValidationError("aspect_ratio", "unsupported aspect ratio")
	}
	params.Width = size[0]
	params.Height = size[1]
	return nil
}

func (s *TaskQueueService) validateFrames(params *types.GenerationParams) error {
	if params.NumFrames == 0 {
		params.NumFrames = 81
	}
	if params.NumFrames < 1 || params.NumFrames > s.cfg.Generation.MaxFrames {
		return NewValidationError("num_frames",
			fmt.Sprintf("must be between 1 and %d", s.cfg.Generation.MaxFrames))
	}
	if params.FPS == 0 {
		params.FPS = 16
	}
	return nil
}
