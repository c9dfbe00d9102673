package services

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"genmedia-backend/internal/metrics"
	"genmedia-backend/internal/models"

	"github.com/sirupsen/logrus"
)

// DispatcherService is the single control loop matching pending tasks to
// idle worker slots. All slot acquisition happens here, so there is exactly
// one goroutine deciding placement; task runs fan out, one goroutine per
// in-flight task.
type DispatcherService struct {
	queue     *TaskQueueService
	pool      *WorkerPoolService
	artifacts *ArtifactStore

	kickChan chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	runWG    sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewDispatcherService wires the dispatcher to its queue and pool
func NewDispatcherService(queue *TaskQueueService, pool *WorkerPoolService, artifacts *ArtifactStore) *DispatcherService {
	ctx, cancel := context.WithCancel(context.Background())
	d := &DispatcherService{
		queue:      queue,
		pool:       pool,
		artifacts:  artifacts,
		kickChan:   make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	queue.SetDispatchNotifier(d.Kick)
	pool.SetOnSlotIdle(d.Kick)
	return d
}

// Kick nudges the control loop. Non-blocking; multiple kicks coalesce.
func (d *DispatcherService) Kick() {
	select {
	case d.kickChan <- struct{}{}:
	default:
	}
}

// Start launches the control loop
func (d *DispatcherService) Start() {
	d.wg.Add(1)
	go d.loop()
	log.Printf("✅ [Dispatcher] Started")
}

// Stop cancels in-flight tasks and waits for the loop and all task
// goroutines to drain
func (d *DispatcherService) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.cancelBase()
	})
	d.wg.Wait()
	d.runWG.Wait()
	log.Printf("🛑 [Dispatcher] Stopped")
}

func (d *DispatcherService) loop() {
	defer d.wg.Done()

	// Fallback tick covers any lost wakeup (e.g. a slot recovering while a
	// kick was already pending).
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-d.kickChan:
		case <-ticker.C:
		}
		d.dispatchReady()
	}
}

// dispatchReady starts as many pending tasks as there are idle slots
func (d *DispatcherService) dispatchReady() {
	for {
		select {
		case <-d.stopChan:
			return
		default:
		}

		task := d.queue.Dequeue()
		if task == nil {
			return
		}

		slot := d.pool.Acquire(task.ID)
		if slot == nil {
			d.queue.RequeueFront(task.ID)
			return
		}

		// The cancel func must be in place before MarkRunning publishes the
		// task as running, or a cancel arriving right after the status change
		// would find nothing to signal.
		ctx, cancel := context.WithCancel(d.baseCtx)
		d.queue.RegisterCancel(task.ID, cancel)

		if err := d.queue.MarkRunning(d.baseCtx, task.ID, slot.GPUIndex); err != nil {
			// Task was cancelled between dequeue and placement.
			cancel()
			d.pool.Release(slot)
			continue
		}

		d.runWG.Add(1)
		go d.runTask(ctx, cancel, task, slot)
	}
}

// runTask executes one task on its slot and applies the terminal transition
func (d *DispatcherService) runTask(ctx context.Context, cancel context.CancelFunc, task *models.Task, slot *WorkerSlot) {
	defer d.runWG.Done()
	defer cancel()

	logrus.WithFields(logrus.Fields{
		"task_id":   task.ID,
		"type":      task.Type,
		"gpu_index": slot.GPUIndex,
	}).Info("Dispatching task")

	result, err := slot.Run(ctx, task, func(p float64) {
		d.queue.SetProgress(task.ID, p)
	})

	d.applyOutcome(task, slot, result, err)

	d.pool.Release(slot)
	d.Kick()
}

func (d *DispatcherService) applyOutcome(task *models.Task, slot *WorkerSlot, result *InferenceResult, err error) {
	ctx := context.Background()

	switch {
	case err == nil:
		ref, putErr := d.artifacts.Put(task.ID, result.FilePath)
		if putErr != nil {
			logrus.WithFields(logrus.Fields{"task_id": task.ID, "error": putErr.Error()}).Error("Failed to store artifact")
			d.queue.MarkFailed(ctx, task.ID, "artifact_error", putErr.Error())
			return
		}
		metrics.ArtifactsStored.Inc()
		d.queue.MarkCompleted(ctx, task.ID, ref)

	case errors.Is(err, context.Canceled):
		d.queue.MarkCancelled(ctx, task.ID)

	default:
		var inferErr *InferenceError
		if errors.As(err, &inferErr) {
			d.queue.MarkFailed(ctx, task.ID, inferErr.Code, inferErr.Message)
			return
		}
		if errors.Is(err, ErrWorkerCrashed) {
			metrics.WorkerCrashes.WithLabelValues(strconv.Itoa(slot.GPUIndex)).Inc()
			d.queue.MarkFailed(ctx, task.ID, models.ErrorCodeWorkerCrashed, err.Error())
			return
		}
		d.queue.MarkFailed(ctx, task.ID, models.ErrorCodeInferenceError, err.Error())
	}
}
