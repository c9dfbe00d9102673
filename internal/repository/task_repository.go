// Package repository provides data access interfaces and implementations
package repository

import (
	"context"

	"genmedia-backend/internal/models"

	"gorm.io/gorm"
)

// TaskRepository defines the interface for Task persistence. The task queue
// service is the sole writer; the repository is its write-through store and
// the source of truth for crash recovery.
type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	Save(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id string) (*models.Task, error)
	Delete(ctx context.Context, id string) error

	// FindByStatus returns tasks in a status ordered by creation time
	FindByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	// ListByOwner returns the active (non-deleted) history page, newest first
	ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.Task, int64, error)
	// FindExpiredDeleted returns soft-deleted tasks whose deleted_at is older than cutoff
	FindExpiredDeleted(ctx context.Context, cutoff int64) ([]*models.Task, error)
	// CountByResultRef counts live task rows referencing an artifact
	CountByResultRef(ctx context.Context, resultRef string) (int64, error)
}

// taskRepository implements TaskRepository on GORM
type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository instance
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepository) Save(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Task{}).Error
}

func (r *taskRepository) FindByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	var tasks []*models.Task
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

func (r *taskRepository) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.Task, int64, error) {
	var tasks []*models.Task
	var total int64

	base := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID)

	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepository) FindExpiredDeleted(ctx context.Context, cutoff int64) ([]*models.Task, error) {
	var tasks []*models.Task
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND deleted_at < to_timestamp(?)", cutoff).
		Find(&tasks).Error
	return tasks, err
}

func (r *taskRepository) CountByResultRef(ctx context.Context, resultRef string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("result_ref = ?", resultRef).
		Count(&count).Error
	return count, err
}
