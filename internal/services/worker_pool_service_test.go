package services

import (
	"context"
	"sync"
	"time"

	"testing"

	"genmedia-backend/internal/models"

	"github.com/stretchr/testify/require"
)

// fakeRunner scripts Execute and Probe behavior for pool and dispatcher tests
type fakeRunner struct {
	mu        sync.Mutex
	executeFn func(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*InferenceResult, error)
	probeErrs map[int][]error // per-GPU queue of probe results
}

func (f *fakeRunner) Execute(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*InferenceResult, error) {
	f.mu.Lock()
	fn := f.executeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, task, gpuIndex, progress)
	}
	return &InferenceResult{}, nil
}

func (f *fakeRunner) setExecute(fn func(ctx context.Context, task *models.Task, gpuIndex int, progress func(float64)) (*InferenceResult, error)) {
	f.mu.Lock()
	f.executeFn = fn
	f.mu.Unlock()
}

func (f *fakeRunner) Probe(ctx context.Context, gpuIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.probeErrs[gpuIndex]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.probeErrs[gpuIndex] = queue[1:]
	return err
}

func (f *fakeRunner) queueProbeErr(gpuIndex int, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErrs == nil {
		f.probeErrs = make(map[int][]error)
	}
	f.probeErrs[gpuIndex] = append(f.probeErrs[gpuIndex], errs...)
}

func TestPool_AcquirePrefersColdGPU(t *testing.T) {
	runner := &fakeRunner{}
	pool := NewWorkerPoolService(4, []int{0, 1}, runner, 0, 3)

	first := pool.Acquire("task-1")
	require.NotNil(t, first)

	// second acquire must land on the other GPU
	second := pool.Acquire("task-2")
	require.NotNil(t, second)
	require.NotEqual(t, first.GPUIndex, second.GPUIndex)
}

func TestPool_AcquireExhaustion(t *testing.T) {
	runner := &fakeRunner{}
	pool := NewWorkerPoolService(2, []int{0}, runner, 0, 3)

	require.NotNil(t, pool.Acquire("task-1"))
	require.NotNil(t, pool.Acquire("task-2"))
	require.Nil(t, pool.Acquire("task-3"))
	require.Equal(t, 0, pool.IdleCount())
}

func TestPool_AcquireLRU(t *testing.T) {
	runner := &fakeRunner{}
	pool := NewWorkerPoolService(2, []int{0}, runner, 0, 3)

	a := pool.Acquire("task-a")
	b := pool.Acquire("task-b")

	pool.Release(a)
	time.Sleep(5 * time.Millisecond)
	pool.Release(b)

	// a was released first, so it is least recently used
	next := pool.Acquire("task-c")
	require.Same(t, a, next)
}

func TestPool_ReleaseProbeFailureThenRecovery(t *testing.T) {
	runner := &fakeRunner{}
	runner.queueProbeErr(0, context.DeadlineExceeded) // release probe fails once
	pool := NewWorkerPoolService(1, []int{0}, runner, 0, 5)
	pool.restartBackoff = time.Millisecond

	idleNotified := make(chan struct{}, 1)
	pool.SetOnSlotIdle(func() {
		select {
		case idleNotified <- struct{}{}:
		default:
		}
	})

	slot := pool.Acquire("task-1")
	require.NotNil(t, slot)

	pool.Release(slot)
	require.Equal(t, SlotRestarting, slot.State())
	require.Nil(t, pool.Acquire("task-2"))

	// background probe succeeds on the next attempt
	select {
	case <-idleNotified:
	case <-time.After(2 * time.Second):
		t.Fatal("slot did not recover")
	}
	require.Equal(t, SlotIdle, slot.State())
	require.NotNil(t, pool.Acquire("task-2"))

	pool.Stop()
}

func TestPool_PermanentlyUnhealthyAfterRetryBudget(t *testing.T) {
	runner := &fakeRunner{}
	// release probe plus both restart attempts fail
	runner.queueProbeErr(0, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded)
	pool := NewWorkerPoolService(1, []int{0}, runner, 0, 2)
	pool.restartBackoff = time.Millisecond

	slot := pool.Acquire("task-1")
	pool.Release(slot)

	require.Eventually(t, func() bool {
		return slot.State() == SlotUnhealthy
	}, 2*time.Second, 5*time.Millisecond)

	require.Nil(t, pool.Acquire("task-2"))
	require.False(t, pool.Healthy())

	pool.Stop()
}

func TestPool_Snapshot(t *testing.T) {
	runner := &fakeRunner{}
	pool := NewWorkerPoolService(2, []int{0, 1}, runner, 0, 3)

	slot := pool.Acquire("task-1")
	snaps := pool.Snapshot()
	require.Len(t, snaps, 2)

	busy := 0
	for _, snap := range snaps {
		if snap.State == SlotBusy {
			busy++
			require.Equal(t, "task-1", snap.CurrentTaskID)
			require.Equal(t, slot.GPUIndex, snap.GPUIndex)
		}
	}
	require.Equal(t, 1, busy)
}
