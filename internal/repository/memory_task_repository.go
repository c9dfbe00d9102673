package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"genmedia-backend/internal/models"

	"gorm.io/gorm"
)

// memoryTaskRepository is an in-memory TaskRepository used when the engine
// runs without a database (tests, single-shot tools). It implements the same
// contract as the GORM repository, including gorm.ErrRecordNotFound.
type memoryTaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]models.Task
}

// NewMemoryTaskRepository creates an in-memory TaskRepository
func NewMemoryTaskRepository() TaskRepository {
	return &memoryTaskRepository{tasks: make(map[string]models.Task)}
}

func (r *memoryTaskRepository) Create(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = *task
	return nil
}

func (r *memoryTaskRepository) Save(ctx context.Context, task *models.Task) error {
	return r.Create(ctx, task)
}

func (r *memoryTaskRepository) GetByID(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &task, nil
}

func (r *memoryTaskRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memoryTaskRepository) FindByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Task
	for id := range r.tasks {
		task := r.tasks[id]
		if task.Status == status {
			out = append(out, &task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryTaskRepository) ListByOwner(ctx context.Context, ownerID string, offset, limit int) ([]*models.Task, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*models.Task
	for id := range r.tasks {
		task := r.tasks[id]
		if task.OwnerID == ownerID && task.DeletedAt == nil {
			all = append(all, &task)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *memoryTaskRepository) FindExpiredDeleted(ctx context.Context, cutoff int64) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit := time.Unix(cutoff, 0)
	var out []*models.Task
	for id := range r.tasks {
		task := r.tasks[id]
		if task.DeletedAt != nil && task.DeletedAt.Before(limit) {
			out = append(out, &task)
		}
	}
	return out, nil
}

func (r *memoryTaskRepository) CountByResultRef(ctx context.Context, resultRef string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, task := range r.tasks {
		if task.ResultRef == resultRef {
			count++
		}
	}
	return count, nil
}
