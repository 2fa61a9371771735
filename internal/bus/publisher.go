package bus

import (
	"context"
	"encoding/json"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

// TaskPublisher adapts a Hub into worker.ProgressPublisher: a task-level
// lifecycle transition (§4.6 - the worker emits RUNNING, then exactly one
// of COMPLETED/FAILED/TIMED_OUT/CANCELLED) becomes bus traffic addressed
// to the owning user: RUNNING as task_progress, a terminal status as
// task_step_result. Step is -1 to mark it as a whole-task event rather
// than one step's.
type TaskPublisher struct {
	hub *Hub
}

// NewTaskPublisher returns a TaskPublisher backed by hub.
func NewTaskPublisher(hub *Hub) *TaskPublisher { return &TaskPublisher{hub: hub} }

// PublishTask satisfies worker.ProgressPublisher.
func (p *TaskPublisher) PublishTask(ctx context.Context, userID, taskID string, status engine.TaskStatus, message string) {
	if !status.IsTerminal() {
		p.hub.SendToUser(userID, progressEnvelope(userID, taskID, -1, "", string(status), message))
		return
	}
	p.hub.SendToUser(userID, stepResultEnvelope(userID, taskID, -1, "", string(status), message, nil, "", ""))
}

// StepPublisher adapts a Hub into executor.StepPublisher: each step's
// progress and terminal events (§4.8) become bus traffic addressed to the
// owning user.
type StepPublisher struct {
	hub *Hub
}

// NewStepPublisher returns a StepPublisher backed by hub.
func NewStepPublisher(hub *Hub) *StepPublisher { return &StepPublisher{hub: hub} }

// PublishStep satisfies executor.StepPublisher. A non-terminal status
// (RUNNING) is sent as task_progress; a terminal one is sent as
// task_step_result carrying the step's result or error.
func (p *StepPublisher) PublishStep(ctx context.Context, userID, taskID string, step int, task string, status engine.TaskStatus, message string, result json.RawMessage, errMsg string) {
	if !status.IsTerminal() {
		p.hub.SendToUser(userID, progressEnvelope(userID, taskID, step, task, string(status), message))
		return
	}
	p.hub.SendToUser(userID, stepResultEnvelope(userID, taskID, step, task, string(status), message, result, errMsg, ""))
}
