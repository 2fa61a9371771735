package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConfirmationTimeout is returned by Confirmer.Confirm when no
// response arrives within the given timeout (Design Notes open
// question 2). The caller decides proceed-vs-abort; Confirm itself
// never does.
var ErrConfirmationTimeout = errors.New("engine: confirmation timed out")

// TaskHandler is the preferred service shape (§4.1): a service that knows
// which task names it owns and can run them directly by name.
type TaskHandler interface {
	Supports(taskName string) bool
	Handle(ctx context.Context, taskName string, input json.RawMessage, tc *TaskContext) (json.RawMessage, error)
}

// TaskSink is the fallback shape: a single catch-all entry point, used when
// a service has no per-task methods to dispatch by name.
type TaskSink interface {
	ExecuteTask(ctx context.Context, taskName string, input json.RawMessage, tc *TaskContext) (json.RawMessage, error)
}

// ServiceFactory produces a fresh service instance on each lookup. Services
// are not assumed to be safe for concurrent reuse across tasks unless the
// factory documents otherwise.
type ServiceFactory func() (interface{}, error)

// ServiceRegistry is the process-wide (mode, service) -> factory map (C1).
type ServiceRegistry interface {
	Register(mode, service string, factory ServiceFactory) error
	Lookup(mode, service string) (ServiceFactory, error)
}

// Dispatcher resolves a service via the registry and invokes the named
// task on it (C7).
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (json.RawMessage, error)
}

// Message is what producers enqueue onto a broker lane; it mirrors the
// broker wire layout in spec §6.
type Message struct {
	TaskName  string          `json:"task_name"`
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id"`
	Step      int             `json:"step"`
	Mode      string          `json:"mode"`
	Service   string          `json:"service"`
	InputData json.RawMessage `json:"input_data"`
	Context   json.RawMessage `json:"context"`
}

// Delivery wraps a Message with the Ack/Nack the consumer must call exactly
// once per delivery.
type Delivery struct {
	Message Message
	Ack     func() error
	Nack    func() error
}

// Broker is the two-lane (fast_tasks / heavy_tasks) message transport (C5).
// Implementations provide at-least-once delivery; callers must tolerate
// redelivery (Design Notes open question 4).
type Broker interface {
	Enqueue(ctx context.Context, queue string, msg Message) error
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Queue name constants, routed per spec §4.5.
const (
	QueueFast  = "fast_tasks"
	QueueHeavy = "heavy_tasks"
)

// RouteQueue maps a task kind to its lane.
func RouteQueue(taskName string) string {
	if taskName == "execute_heavy_task" {
		return QueueHeavy
	}
	return QueueFast
}

// Persister is the Result Persister contract (C9): idempotent by
// (user_id, task_id, step_index).
type Persister interface {
	Persist(ctx context.Context, result TaskStepResult) error
	UpdateTaskStatus(ctx context.Context, userID, taskID string, status TaskStatus) error
}

// ErrorClassifier maps a raised error to a taxonomy code (C10).
type ErrorClassifier interface {
	Classify(err error) ErrorCode
}

// Confirmer is the step executor's view of the Progress Bus's
// notify_user/confirm protocol (C4): ask a user to proceed or abort a
// step, and block until they answer or timeout elapses. Implementations
// return ErrConfirmationTimeout (not UserConfirmation{}) when the
// timeout fires, so the executor can apply the step's on_timeout policy.
type Confirmer interface {
	Confirm(ctx context.Context, userID, taskID string, step int, prompt json.RawMessage, timeout time.Duration) (UserConfirmation, error)
}
