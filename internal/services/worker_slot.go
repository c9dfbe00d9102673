package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"genmedia-backend/internal/models"
)

// SlotState is the lifecycle state of one worker slot
type SlotState string

const (
	SlotIdle       SlotState = "idle"
	SlotBusy       SlotState = "busy"
	SlotRestarting SlotState = "restarting"
	SlotUnhealthy  SlotState = "unhealthy"
)

// WorkerSlot is one unit of execution capacity bound to a single GPU. At most
// one task runs on a slot at a time; each run gets a fresh worker process so
// teardown is unconditional regardless of how the task ended.
type WorkerSlot struct {
	GPUIndex int

	mu             sync.Mutex
	state          SlotState
	currentTaskID  string
	lastReleasedAt time.Time

	runner      InferenceRunner
	taskTimeout time.Duration
}

// NewWorkerSlot creates an idle slot bound to the given GPU
func NewWorkerSlot(gpuIndex int, runner InferenceRunner, taskTimeout time.Duration) *WorkerSlot {
	return &WorkerSlot{
		GPUIndex:       gpuIndex,
		state:          SlotIdle,
		lastReleasedAt: time.Now(),
		runner:         runner,
		taskTimeout:    taskTimeout,
	}
}

// State returns the slot's current state
func (s *WorkerSlot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentTaskID returns the task running on the slot, if any
func (s *WorkerSlot) CurrentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTaskID
}

// LastReleasedAt returns when the slot last went idle
func (s *WorkerSlot) LastReleasedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReleasedAt
}

func (s *WorkerSlot) setState(state SlotState, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.currentTaskID = taskID
	if state == SlotIdle {
		s.lastReleasedAt = time.Now()
	}
}

// Run executes a task on the slot's GPU. The slot must already be marked busy
// by the pool. A configured task timeout is treated like cancellation: the
// worker process is killed and ctx's error comes back.
func (s *WorkerSlot) Run(ctx context.Context, task *models.Task, progress func(float64)) (*InferenceResult, error) {
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	result, err := s.runner.Execute(ctx, task, s.GPUIndex, progress)
	if errors.Is(err, context.DeadlineExceeded) {
		err = context.Canceled
	}
	return result, err
}
