package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"athletereach/models"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// IncludeClosed also returns completed and skipped tasks.
	IncludeClosed bool
	// DueBefore keeps tasks due at or before the given time.
	DueBefore *time.Time
}

// TaskStore owns follow-up reminders. Closing a task is a compare-and-set on
// completed=false so a task is closed exactly once.
type TaskStore struct {
	db    *gorm.DB
	clock Clock
}

func NewTaskStore(db *gorm.DB, clock Clock) *TaskStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TaskStore{db: db, clock: clock}
}

func (s *TaskStore) Create(ctx context.Context, t *models.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock.Now()
	}
	if t.Metadata == nil {
		t.Metadata = models.StringMap{}
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// GetOwned loads a caller's task; tasks of other users look missing.
func (s *TaskStore) GetOwned(ctx context.Context, callerID, id uint) (*models.Task, error) {
	var t models.Task
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, callerID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("loading task %d: %w", id, err)
	}
	return &t, nil
}

// List returns the caller's tasks, soonest due first.
func (s *TaskStore) List(ctx context.Context, callerID uint, f TaskFilter) ([]models.Task, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", callerID)
	if !f.IncludeClosed {
		q = q.Where("completed = ?", false)
	}
	if f.DueBefore != nil {
		q = q.Where("due_date <= ?", *f.DueBefore)
	}
	var tasks []models.Task
	if err := q.Order("due_date ASC").Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// Close marks an open task completed, optionally as skipped.
func (s *TaskStore) Close(ctx context.Context, callerID, id uint, skipped bool) (*models.Task, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND user_id = ? AND completed = ?", id, callerID, false).
		Updates(map[string]interface{}{
			"completed":    true,
			"skipped":      skipped,
			"completed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("closing task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetOwned(ctx, callerID, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %d is already closed: %w", id, ErrInvalidTransition)
	}
	return s.GetOwned(ctx, callerID, id)
}
