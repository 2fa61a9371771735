package bus

import (
	"context"
	"sync"
)

// CancelRegistry lets a client-issued cancel action reach the worker
// goroutine actually running (user_id, task_id), without the bus package
// knowing anything about workers or the step executor (§4.4, §5, P7).
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry returns an empty CancelRegistry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func cancelKey(userID, taskID string) string { return userID + "\x00" + taskID }

// Register records cancel as the way to abort (userID, taskID)'s
// in-flight work. The caller must invoke the returned func once the task
// finishes, successfully or not, to remove the entry.
func (r *CancelRegistry) Register(userID, taskID string, cancel context.CancelFunc) func() {
	key := cancelKey(userID, taskID)
	r.mu.Lock()
	r.cancels[key] = cancel
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.cancels, key)
		r.mu.Unlock()
	}
}

// Cancel aborts (userID, taskID)'s in-flight work if it is currently
// registered, reporting whether an entry was found.
func (r *CancelRegistry) Cancel(userID, taskID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[cancelKey(userID, taskID)]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
