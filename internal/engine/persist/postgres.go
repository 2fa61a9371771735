// Package persist implements the Result Persister (C9): idempotent
// upsert of step results keyed on (user_id, task_id, step_index), an
// auxiliary task status index, and stale-task requeue recovery.
package persist

import (
	"context"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresPersister is a GORM-backed Persister.
type PostgresPersister struct {
	db *gorm.DB
}

// NewPostgres returns a PostgresPersister. Migrate should be called once
// at startup before it is used.
func NewPostgres(db *gorm.DB) *PostgresPersister {
	return &PostgresPersister{db: db}
}

// Migrate creates/updates the tables this persister owns.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&StepResultEntity{}, &TaskIndexEntity{}, &Heartbeat{})
}

func toEntity(r engine.TaskStepResult) StepResultEntity {
	ent := StepResultEntity{
		UserID:    r.UserID,
		TaskID:    r.TaskID,
		StepIndex: r.StepIndex,
		Step:      r.Step,
		Result:    r.Result,
		Completed: r.Completed,
		Message:   r.Message,
		Status:    string(r.Status),
		UpdatedAt: time.Now().UTC(),
	}
	if r.ErrorCode != nil {
		ent.ErrorCode = string(*r.ErrorCode)
	}
	if r.ErrorMessage != nil {
		ent.ErrorMessage = *r.ErrorMessage
	}
	return ent
}

// Persist upserts result keyed on (user_id, task_id, step_index); a
// redelivered step overwrites the prior row rather than duplicating it
// (§4.9, P7).
func (p *PostgresPersister) Persist(ctx context.Context, result engine.TaskStepResult) error {
	ent := toEntity(result)
	ent.CreatedAt = result.CreatedAt
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = time.Now().UTC()
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "task_id"}, {Name: "step_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"step", "result", "completed", "message", "status",
				"error_code", "error_message", "updated_at",
			}),
		}).
		Create(&ent).Error
}

// UpdateTaskStatus upserts the (user_id, task_id) -> status index row.
func (p *PostgresPersister) UpdateTaskStatus(ctx context.Context, userID, taskID string, status engine.TaskStatus) error {
	now := time.Now().UTC()
	ent := TaskIndexEntity{UserID: userID, TaskID: taskID, Status: string(status), CreatedAt: now, UpdatedAt: now}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).
		Create(&ent).Error
}

// Heartbeat records that (userID, taskID) is still being actively
// worked on queue, storing envelope so a crash can be redelivered
// verbatim later.
func (p *PostgresPersister) Heartbeat(ctx context.Context, userID, taskID, queue string, envelope []byte) error {
	now := time.Now().UTC()
	hb := Heartbeat{UserID: userID, TaskID: taskID, Queue: queue, Envelope: envelope, LastHeartbeat: now}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue", "envelope", "last_heartbeat"}),
		}).
		Create(&hb).Error
}

// ClearHeartbeat removes the heartbeat row for a task that reached a
// terminal state, so it is never mistakenly requeued later.
func (p *PostgresPersister) ClearHeartbeat(ctx context.Context, userID, taskID string) error {
	return p.db.WithContext(ctx).Where("user_id = ? AND task_id = ?", userID, taskID).Delete(&Heartbeat{}).Error
}

// ClaimStaleHeartbeats locks (FOR UPDATE SKIP LOCKED) up to limit
// heartbeats older than ttl, bumps their attempt counters in the same
// transaction, and returns the pre-bump rows for the caller to re-enqueue
// or give up on.
func (p *PostgresPersister) ClaimStaleHeartbeats(ctx context.Context, ttl time.Duration, limit int) ([]Heartbeat, error) {
	if limit <= 0 {
		limit = 100
	}
	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}

	var stale []Heartbeat
	sel := tx.Raw(`
		SELECT * FROM task_heartbeats
		WHERE last_heartbeat < ?
		ORDER BY last_heartbeat
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`, time.Now().UTC().Add(-ttl), limit).Scan(&stale)
	if sel.Error != nil {
		tx.Rollback()
		return nil, sel.Error
	}
	if len(stale) == 0 {
		tx.Rollback()
		return nil, nil
	}

	for _, hb := range stale {
		if err := tx.Model(&Heartbeat{}).
			Where("user_id = ? AND task_id = ?", hb.UserID, hb.TaskID).
			Updates(map[string]interface{}{"attempts": hb.Attempts + 1, "last_heartbeat": time.Now().UTC()}).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return stale, nil
}

var _ engine.Persister = (*PostgresPersister)(nil)
