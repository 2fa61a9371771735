package engine

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task or a single step within it.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
	StatusTimedOut  TaskStatus = "TIMED_OUT"
	StatusCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether status is one of the four terminal states a
// step or task can settle into (P1).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorCode is the error taxonomy produced by the classifier (C10). It is
// defined here, rather than in internal/engine/classify, so that
// TaskStepResult can reference it without classify depending back on every
// package that produces a TaskStepResult.
type ErrorCode string

const (
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrRateLimited   ErrorCode = "RATE_LIMITED"
	ErrAuth          ErrorCode = "AUTH"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrInvalidParams ErrorCode = "INVALID_PARAMS"
	ErrUnavailable   ErrorCode = "UNAVAILABLE"
	ErrCancelled     ErrorCode = "CANCELLED"
	ErrInternal      ErrorCode = "INTERNAL"
)

// IsRetryable reports whether the step executor should re-attempt a step that
// failed with this code.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrTimeout, ErrRateLimited, ErrUnavailable:
		return true
	default:
		return false
	}
}

// TaskStepResult is the persisted outcome of one executed DSL step.
// Invariant: when Completed is false, Status is one of
// FAILED/TIMED_OUT/CANCELLED and ErrorCode is set.
type TaskStepResult struct {
	UserID    string `json:"user_id"`
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index"`

	Step      string          `json:"step"`
	Result    json.RawMessage `json:"result,omitempty"`
	Completed bool            `json:"completed"`
	Message   string          `json:"message,omitempty"`
	Status    TaskStatus      `json:"status"`

	ErrorCode    *ErrorCode `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`

	// PersistenceDegraded is set by the step executor, not the persister, when a
	// persist() call failed; it never changes task outcome (§4.9).
	PersistenceDegraded bool `json:"persistence_degraded,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Valid enforces the §3 invariant on TaskStepResult.
func (r TaskStepResult) Valid() bool {
	if r.Completed {
		return true
	}
	switch r.Status {
	case StatusFailed, StatusTimedOut, StatusCancelled:
		return r.ErrorCode != nil
	default:
		return false
	}
}

// UserConfirmation closes out a blocked step (§3).
type UserConfirmation struct {
	Proceed  bool    `json:"proceed"`
	Feedback *string `json:"feedback,omitempty"`
}

// DispatchRequest is what the Step Executor hands the Dispatcher (C7) for a
// single `task` step, and what the Dispatcher passes through to the
// resolved service. UserID/TaskID/Step travel all the way to the service so
// an idempotent service can dedupe across at-least-once redelivery
// (Design Notes open question 4).
type DispatchRequest struct {
	TaskName string `json:"task_name"`
	Mode     string `json:"mode"`
	Service  string `json:"service"`

	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
	Step   int    `json:"step"`

	InputData json.RawMessage `json:"input_data"`

	// Context is the calling TaskContext's Serialize() snapshot, passed
	// through so a service that reads tc (§4.7) sees the task's real
	// variables/metadata/session_id rather than an empty one.
	Context json.RawMessage `json:"context,omitempty"`
}

// TaskIndex is the auxiliary (user_id, task_id) -> status index the Result
// Persister owes alongside each TaskStepResult (§6).
type TaskIndex struct {
	UserID    string     `json:"user_id"`
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
