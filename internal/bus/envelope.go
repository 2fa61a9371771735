// Package bus implements the Progress Bus (C4): a per-user WebSocket
// connection hub that streams task progress and blocks on user
// confirmations via a callback-ID/timeout protocol.
package bus

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape of every server -> client message (§6): a
// flat record rather than a typed envelope wrapping an opaque payload,
// so a client reads status/result/error/callback_id straight off the
// top level.
type Envelope struct {
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	TaskID     string          `json:"task_id"`
	Step       int             `json:"step"`
	Status     string          `json:"status"`
	Task       string          `json:"task,omitempty"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CallbackID string          `json:"callback_id,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Server-side event types (§6's type enum).
const (
	EventTaskStepResult     = "task_step_result"
	EventSystemNotification = "system_notification"
	EventTaskProgress       = "task_progress"
	EventHeartbeat          = "heartbeat"
)

// ClientAction is the discriminator of a client -> server message (§6).
type ClientAction string

const (
	ActionConfirm   ClientAction = "confirm"
	ActionCancel    ClientAction = "cancel"
	ActionPing      ClientAction = "ping"
	ActionSubscribe ClientAction = "subscribe"
)

// ClientMessage is the wire shape of every client -> server message.
// Proceed is a pointer so an absent field is distinguishable from an
// explicit false.
type ClientMessage struct {
	Action     ClientAction `json:"action"`
	CallbackID string       `json:"callback_id,omitempty"`
	Proceed    *bool        `json:"proceed,omitempty"`
	Feedback   *string      `json:"feedback,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
	TaskID     string       `json:"task_id,omitempty"`
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

// stepResultEnvelope builds a task_step_result event: the terminal (or
// confirmation-blocking) record for one step.
func stepResultEnvelope(userID, taskID string, step int, task, status, message string, result json.RawMessage, errMsg, callbackID string) Envelope {
	return Envelope{
		Type:       EventTaskStepResult,
		UserID:     userID,
		TaskID:     taskID,
		Step:       step,
		Status:     status,
		Task:       task,
		Message:    message,
		Result:     result,
		Error:      errMsg,
		CallbackID: callbackID,
		Timestamp:  nowMillis(),
	}
}

// progressEnvelope builds a task_progress event: a non-terminal update
// (e.g. a step or task entering RUNNING).
func progressEnvelope(userID, taskID string, step int, task, status, message string) Envelope {
	return Envelope{
		Type:      EventTaskProgress,
		UserID:    userID,
		TaskID:    taskID,
		Step:      step,
		Status:    status,
		Task:      task,
		Message:   message,
		Timestamp: nowMillis(),
	}
}

// systemNotification builds a system_notification event for Hub.Broadcast
// callers (e.g. a cancel action's rebroadcast notice, §4.4).
func systemNotification(userID, taskID, message string) Envelope {
	return Envelope{
		Type:      EventSystemNotification,
		UserID:    userID,
		TaskID:    taskID,
		Status:    "cancelled",
		Message:   message,
		Timestamp: nowMillis(),
	}
}
