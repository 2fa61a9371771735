package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/google/uuid"
)

// ConfirmationRegistry implements engine.Confirmer over a Hub: it sends
// a task_step_result event carrying a fresh callback_id to the target
// user and blocks until a matching {action:"confirm"} message arrives
// (routed in by Client.ReadPump) or the timeout elapses.
type ConfirmationRegistry struct {
	hub *Hub

	mu      sync.Mutex
	waiters map[string]chan confirmationResponse
}

// confirmationResponse is the parsed form of a client's {action:"confirm"}
// message, decoupled from the wire ClientMessage shape.
type confirmationResponse struct {
	Proceed  bool
	Feedback *string
}

// NewConfirmationRegistry returns a ConfirmationRegistry backed by hub.
func NewConfirmationRegistry(hub *Hub) *ConfirmationRegistry {
	return &ConfirmationRegistry{hub: hub, waiters: make(map[string]chan confirmationResponse)}
}

// Confirm asks userID to approve or decline step, blocking until they
// answer or timeout elapses. It returns engine.ErrConfirmationTimeout
// (never a zero UserConfirmation) on timeout, per the Confirmer contract.
func (r *ConfirmationRegistry) Confirm(ctx context.Context, userID, taskID string, step int, prompt json.RawMessage, timeout time.Duration) (engine.UserConfirmation, error) {
	callbackID := uuid.NewString()
	ch := make(chan confirmationResponse, 1)

	r.mu.Lock()
	r.waiters[callbackID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, callbackID)
		r.mu.Unlock()
	}()

	env := stepResultEnvelope(userID, taskID, step, "", "awaiting_confirmation",
		fmt.Sprintf("confirmation requested, timeout_sec=%d", int(timeout.Seconds())), prompt, "", callbackID)
	r.hub.SendToUser(userID, env)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return engine.UserConfirmation{Proceed: resp.Proceed, Feedback: resp.Feedback}, nil
	case <-timer.C:
		return engine.UserConfirmation{}, engine.ErrConfirmationTimeout
	case <-ctx.Done():
		return engine.UserConfirmation{}, ctx.Err()
	}
}

// resolve delivers resp to whichever Confirm call is waiting on
// callbackID, if any. A response with no matching waiter (already timed
// out, or a forged callback_id) is silently dropped.
func (r *ConfirmationRegistry) resolve(callbackID string, resp confirmationResponse) {
	r.mu.Lock()
	ch, ok := r.waiters[callbackID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

var _ engine.Confirmer = (*ConfirmationRegistry)(nil)
