package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// jsonSafe rejects values that cannot round-trip through JSON (functions,
// channels, complex numbers) at the point they are stored, rather than
// failing later during serialization (keeps P6 trivially true for anything
// that was ever accepted into metadata/variables).
func jsonSafe(v interface{}) error {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		[]interface{}, map[string]interface{}, json.RawMessage:
		return nil
	default:
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("value of type %T is not JSON-safe: %w", v, err)
		}
		return nil
	}
}

// TaskContext is the per-task state owned by exactly one worker for the
// duration of a task (§3, §4.2). user_id and task_id are immutable after
// construction; metadata may only be set at construction time; variables
// are mutable for the life of the task.
type TaskContext struct {
	userID    string
	taskID    string
	sessionID *string
	metadata  map[string]interface{}
	createdAt time.Time

	mu        sync.RWMutex
	variables map[string]interface{}
}

// TaskContextOption configures construction-only fields.
type TaskContextOption func(*TaskContext)

// WithSessionID sets the optional session identifier.
func WithSessionID(sessionID string) TaskContextOption {
	return func(tc *TaskContext) { tc.sessionID = &sessionID }
}

// WithMetadata replaces the metadata map. Values must be JSON-safe; an
// unsafe value is dropped with a panic during construction since metadata
// is always caller-controlled and constant for the task's lifetime.
func WithMetadata(metadata map[string]interface{}) TaskContextOption {
	return func(tc *TaskContext) {
		for k, v := range metadata {
			if err := jsonSafe(v); err != nil {
				panic(fmt.Sprintf("engine: metadata[%q]: %v", k, err))
			}
		}
		tc.metadata = metadata
	}
}

// NewTaskContext constructs a TaskContext. userID and taskID must be
// non-empty (§3 invariant).
func NewTaskContext(userID, taskID string, opts ...TaskContextOption) (*TaskContext, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: user_id must not be empty")
	}
	if taskID == "" {
		return nil, fmt.Errorf("engine: task_id must not be empty")
	}
	tc := &TaskContext{
		userID:    userID,
		taskID:    taskID,
		metadata:  map[string]interface{}{},
		createdAt: time.Now().UTC(),
		variables: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc, nil
}

func (tc *TaskContext) UserID() string  { return tc.userID }
func (tc *TaskContext) TaskID() string  { return tc.taskID }
func (tc *TaskContext) CreatedAt() time.Time { return tc.createdAt }

func (tc *TaskContext) SessionID() (string, bool) {
	if tc.sessionID == nil {
		return "", false
	}
	return *tc.sessionID, true
}

func (tc *TaskContext) Metadata() map[string]interface{} {
	out := make(map[string]interface{}, len(tc.metadata))
	for k, v := range tc.metadata {
		out[k] = v
	}
	return out
}

// SetVariable stores v under key. Returns an error if v is not JSON-safe.
func (tc *TaskContext) SetVariable(key string, v interface{}) error {
	if err := jsonSafe(v); err != nil {
		return err
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.variables[key] = v
	return nil
}

// GetVariable returns the value at key, or def (the first element, if any)
// when the key is unset.
func (tc *TaskContext) GetVariable(key string, def ...interface{}) interface{} {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if v, ok := tc.variables[key]; ok {
		return v
	}
	if len(def) > 0 {
		return def[0]
	}
	return nil
}

// Variables returns a snapshot copy of the variable store, safe to read
// concurrently with further SetVariable calls from the owning worker.
func (tc *TaskContext) Variables() map[string]interface{} {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make(map[string]interface{}, len(tc.variables))
	for k, v := range tc.variables {
		out[k] = v
	}
	return out
}

// taskContextWire is the tagged key/value serialisation shape (§3):
// created_at in ISO-8601 string form.
type taskContextWire struct {
	UserID    string                 `json:"user_id"`
	TaskID    string                 `json:"task_id"`
	SessionID *string                `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt string                 `json:"created_at"`
	Variables map[string]interface{} `json:"variables"`
}

// Serialize renders the TaskContext to its tagged key/value wire form.
func (tc *TaskContext) Serialize() ([]byte, error) {
	wire := taskContextWire{
		UserID:    tc.userID,
		TaskID:    tc.taskID,
		SessionID: tc.sessionID,
		Metadata:  tc.Metadata(),
		CreatedAt: tc.createdAt.UTC().Format(time.RFC3339Nano),
		Variables: tc.Variables(),
	}
	return json.Marshal(wire)
}

// DeserializeTaskContext is the inverse of Serialize (P6 round-trip).
func DeserializeTaskContext(data []byte) (*TaskContext, error) {
	var wire taskContextWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("engine: deserialize task context: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	if err != nil {
		createdAt, err = time.Parse(time.RFC3339, wire.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("engine: deserialize created_at: %w", err)
		}
	}
	if wire.Metadata == nil {
		wire.Metadata = map[string]interface{}{}
	}
	if wire.Variables == nil {
		wire.Variables = map[string]interface{}{}
	}
	return &TaskContext{
		userID:    wire.UserID,
		taskID:    wire.TaskID,
		sessionID: wire.SessionID,
		metadata:  wire.Metadata,
		createdAt: createdAt,
		variables: wire.Variables,
	}, nil
}
