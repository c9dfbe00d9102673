package events

import (
	"log"
	"sync"
	"time"
)

// event type names published on task state transitions
const (
	EventTaskSubmitted = "task.submitted"
	EventTaskStarted   = "task.started"
	EventTaskProgress  = "task.progress"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
)

// TaskEvent is the payload fanned out to WebSocket clients and NATS
type TaskEvent struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	OwnerID   string    `json:"owner_id"`
	TaskType  string    `json:"task_type"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	ErrorCode string    `json:"error_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans task events out to in-process subscribers. Publish never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// state machine.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan TaskEvent
	nextID int
}

// NewHub creates an empty event hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan TaskEvent)}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function
func (h *Hub) Subscribe(buffer int) (<-chan TaskEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan TaskEvent, buffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to all subscribers, dropping on full buffers
func (h *Hub) Publish(event TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("⚠️ [EventHub] Dropped %s event for %d slow subscriber(s)", event.Type, dropped)
	}
}

// SubscriberCount returns the number of active subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
