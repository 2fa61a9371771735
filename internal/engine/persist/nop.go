package persist

import (
	"context"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

// NopPersister discards every result. Useful for tests and for modes
// that opt out of durability entirely.
type NopPersister struct{}

func (NopPersister) Persist(ctx context.Context, result engine.TaskStepResult) error { return nil }

func (NopPersister) UpdateTaskStatus(ctx context.Context, userID, taskID string, status engine.TaskStatus) error {
	return nil
}

var _ engine.Persister = NopPersister{}
