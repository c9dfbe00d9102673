package models

import (
	"time"
)

// TaskStatus generation task lifecycle state
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"   // waiting in the FIFO queue
	TaskStatusRunning   TaskStatus = "running"   // executing on a worker slot
	TaskStatusCompleted TaskStatus = "completed" // terminal, result_ref set
	TaskStatusFailed    TaskStatus = "failed"    // terminal, error set
	TaskStatusCancelled TaskStatus = "cancelled" // terminal, user-initiated
)

// IsTerminal reports whether the status accepts no further lifecycle transition
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskType generation task type
type TaskType string

const (
	TaskTypeTextToImage  TaskType = "text_to_image"
	TaskTypeImageEdit    TaskType = "image_edit"
	TaskTypeBatchEdit    TaskType = "batch_edit"
	TaskTypeTextToVideo  TaskType = "text_to_video"
	TaskTypeImageToVideo TaskType = "image_to_video"
)

// ValidTaskType reports whether t names a supported pipeline
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeTextToImage, TaskTypeImageEdit, TaskTypeBatchEdit,
		TaskTypeTextToVideo, TaskTypeImageToVideo:
		return true
	}
	return false
}

// Error reason codes recorded on failed tasks
const (
	ErrorCodeWorkerCrashed  = "worker_crashed"
	ErrorCodeInferenceError = "inference_error"
	ErrorCodeOutOfMemory    = "out_of_memory"
)

// Task one user-requested unit of generative work
type Task struct {
	ID      string     `json:"id" gorm:"primaryKey"` // UUID
	Type    TaskType   `json:"type" gorm:"not null;index"`
	OwnerID string     `json:"owner_id" gorm:"not null;index"`
	Status  TaskStatus `json:"status" gorm:"not null;default:pending;index"`

	// Immutable parameter snapshot captured at submission (JSON)
	Params string `json:"params" gorm:"type:text"`

	// Advisory progress, monotonically non-decreasing in [0,1]
	Progress float64 `json:"progress"`

	// Artifact store handle, set only when status=completed
	ResultRef string `json:"result_ref" gorm:"index"`

	// Failure reason, set only when status=failed
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message" gorm:"type:text"`

	// GPU the task ran on, set when dispatched
	GPUIndex *int `json:"gpu_index"`

	// Quota units reserved at submission
	QuotaCost int `json:"quota_cost"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`

	// Recycle bin marker; set on soft delete, cleared on restore
	DeletedAt *time.Time `json:"deleted_at" gorm:"index"`
}

// TableName specifies the table name
func (Task) TableName() string {
	return "tasks"
}

// IsDeleted reports whether the task sits in the recycle bin
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}
