package services

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"genmedia-backend/internal/metrics"

	"github.com/sirupsen/logrus"
)

// SlotSnapshot is a point-in-time view of one slot for health reporting
type SlotSnapshot struct {
	GPUIndex      int       `json:"gpu_index"`
	State         SlotState `json:"state"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
}

// WorkerPoolService owns a fixed set of worker slots spread round-robin over
// the configured GPUs and hands them out to the dispatcher. Slots that fail
// their health probe go through bounded restart attempts before being taken
// out of rotation for good.
type WorkerPoolService struct {
	mu    sync.Mutex
	slots []*WorkerSlot

	runner             InferenceRunner
	maxRestartAttempts int
	restartBackoff     time.Duration

	onSlotIdle func()

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPoolService creates the pool with maxWorkers slots over gpus
func NewWorkerPoolService(maxWorkers int, gpus []int, runner InferenceRunner, taskTimeout time.Duration, maxRestartAttempts int) *WorkerPoolService {
	if len(gpus) == 0 {
		gpus = []int{0}
	}
	slots := make([]*WorkerSlot, 0, maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		slots = append(slots, NewWorkerSlot(gpus[i%len(gpus)], runner, taskTimeout))
	}
	return &WorkerPoolService{
		slots:              slots,
		runner:             runner,
		maxRestartAttempts: maxRestartAttempts,
		restartBackoff:     5 * time.Second,
		stopChan:           make(chan struct{}),
	}
}

// SetOnSlotIdle registers a callback fired whenever a slot returns to idle
func (p *WorkerPoolService) SetOnSlotIdle(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotIdle = fn
}

// Start logs the pool configuration
func (p *WorkerPoolService) Start() {
	gpuSet := make(map[int]bool)
	for _, s := range p.slots {
		gpuSet[s.GPUIndex] = true
	}
	p.updateSlotGauges()
	log.Printf("✅ [WorkerPool] Started with %d slot(s) across %d GPU(s)", len(p.slots), len(gpuSet))
}

// Stop waits for in-flight restart probes to finish
func (p *WorkerPoolService) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	log.Printf("🛑 [WorkerPool] Stopped")
}

// Acquire claims an idle slot for taskID, or returns nil when none is free.
// Among idle slots the least recently released wins; a GPU with no busy slot
// is preferred over one already running a task, so thermal and memory load
// spread across devices.
func (p *WorkerPoolService) Acquire(taskID string) *WorkerSlot {
	p.mu.Lock()
	defer p.mu.Unlock()

	busyGPUs := make(map[int]bool)
	for _, s := range p.slots {
		if s.State() == SlotBusy {
			busyGPUs[s.GPUIndex] = true
		}
	}

	best := p.pickIdle(func(s *WorkerSlot) bool { return !busyGPUs[s.GPUIndex] })
	if best == nil {
		best = p.pickIdle(func(*WorkerSlot) bool { return true })
	}
	if best == nil {
		return nil
	}

	best.setState(SlotBusy, taskID)
	p.updateSlotGauges()
	return best
}

// pickIdle returns the least recently released idle slot passing the filter.
// Caller holds p.mu.
func (p *WorkerPoolService) pickIdle(filter func(*WorkerSlot) bool) *WorkerSlot {
	var best *WorkerSlot
	for _, s := range p.slots {
		if s.State() != SlotIdle || !filter(s) {
			continue
		}
		if best == nil || s.LastReleasedAt().Before(best.LastReleasedAt()) {
			best = s
		}
	}
	return best
}

// Release returns a slot after its task finished. The GPU is probed before
// the slot rejoins the idle set; a failing probe moves the slot to restarting
// and kicks off background recovery.
func (p *WorkerPoolService) Release(slot *WorkerSlot) {
	probeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.runner.Probe(probeCtx, slot.GPUIndex); err != nil {
		logrus.WithFields(logrus.Fields{
			"gpu_index": slot.GPUIndex,
			"error":     err.Error(),
		}).Warn("GPU probe failed after task, slot entering restart")
		slot.setState(SlotRestarting, "")
		p.updateSlotGauges()

		p.wg.Add(1)
		go p.recoverSlot(slot)
		return
	}

	slot.setState(SlotIdle, "")
	p.updateSlotGauges()
	p.notifyIdle()
}

// recoverSlot retries the health probe with backoff until the slot recovers
// or the attempt budget runs out
func (p *WorkerPoolService) recoverSlot(slot *WorkerSlot) {
	defer p.wg.Done()

	for attempt := 1; attempt <= p.maxRestartAttempts; attempt++ {
		select {
		case <-p.stopChan:
			return
		case <-time.After(p.restartBackoff):
		}

		if err := p.runner.Probe(context.Background(), slot.GPUIndex); err != nil {
			logrus.WithFields(logrus.Fields{
				"gpu_index": slot.GPUIndex,
				"attempt":   attempt,
				"error":     err.Error(),
			}).Warn("GPU restart probe failed")
			continue
		}

		slot.setState(SlotIdle, "")
		p.updateSlotGauges()
		log.Printf("✅ [WorkerPool] GPU %d recovered after %d attempt(s)", slot.GPUIndex, attempt)
		p.notifyIdle()
		return
	}

	slot.setState(SlotUnhealthy, "")
	p.updateSlotGauges()
	logrus.WithField("gpu_index", slot.GPUIndex).Error("GPU permanently unhealthy, slot removed from rotation")
}

// updateSlotGauges exports per-GPU slot state counts
func (p *WorkerPoolService) updateSlotGauges() {
	counts := make(map[int]map[SlotState]int)
	for _, s := range p.slots {
		if counts[s.GPUIndex] == nil {
			counts[s.GPUIndex] = make(map[SlotState]int)
		}
		counts[s.GPUIndex][s.State()]++
	}
	for gpu, states := range counts {
		for _, state := range []SlotState{SlotIdle, SlotBusy, SlotRestarting, SlotUnhealthy} {
			metrics.SlotState.WithLabelValues(strconv.Itoa(gpu), string(state)).Set(float64(states[state]))
		}
	}
}

func (p *WorkerPoolService) notifyIdle() {
	p.mu.Lock()
	fn := p.onSlotIdle
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// IdleCount returns the number of slots currently accepting work
func (p *WorkerPoolService) IdleCount() int {
	n := 0
	for _, s := range p.slots {
		if s.State() == SlotIdle {
			n++
		}
	}
	return n
}

// Healthy reports whether at least one slot can still take work
func (p *WorkerPoolService) Healthy() bool {
	for _, s := range p.slots {
		if s.State() != SlotUnhealthy {
			return true
		}
	}
	return false
}

// Snapshot returns the state of every slot for health endpoints
func (p *WorkerPoolService) Snapshot() []SlotSnapshot {
	snaps := make([]SlotSnapshot, 0, len(p.slots))
	for _, s := range p.slots {
		snaps = append(snaps, SlotSnapshot{
			GPUIndex:      s.GPUIndex,
			State:         s.State(),
			CurrentTaskID: s.CurrentTaskID(),
		})
	}
	return snaps
}
