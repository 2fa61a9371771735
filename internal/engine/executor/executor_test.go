package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/classify"
	"github.com/alpinesboltltd/taskcore/internal/engine/dsl"
	"github.com/alpinesboltltd/taskcore/internal/engine/executor/condition"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	handle func(req engine.DispatchRequest) (json.RawMessage, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req engine.DispatchRequest) (json.RawMessage, error) {
	return f.handle(req)
}

func newTC(t *testing.T) *engine.TaskContext {
	t.Helper()
	tc, err := engine.NewTaskContext("user-1", "task-1")
	require.NoError(t, err)
	return tc
}

func TestExecuteSequenceOfTasks(t *testing.T) {
	calls := 0
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New())

	steps := []dsl.Step{
		{Type: dsl.StepTask, TaskName: "step_a", Mode: "chat", Service: "svc"},
		{Type: dsl.StepTask, TaskName: "step_b", Mode: "chat", Service: "svc"},
	}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 2, calls)
	require.True(t, results[0].Completed)
	require.Equal(t, engine.StatusCompleted, results[1].Status)
}

func TestExecuteIfStepTakesThenBranch(t *testing.T) {
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"branch":"then"}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New())

	tc := newTC(t)
	require.NoError(t, tc.SetVariable("score", 0.9))

	cond := "variables.score > 0.5"
	steps := []dsl.Step{{
		Type:      dsl.StepIf,
		Condition: &cond,
		Then:      []dsl.Step{{Type: dsl.StepTask, TaskName: "then_task", Mode: "m", Service: "s"}},
		Else:      []dsl.Step{{Type: dsl.StepTask, TaskName: "else_task", Mode: "m", Service: "s"}},
	}}

	results, err := e.Execute(context.Background(), steps, tc)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "then_task", results[0].Step)
}

func TestExecuteVariableSubstitution(t *testing.T) {
	var seenInput json.RawMessage
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		seenInput = req.InputData
		return json.RawMessage(`{"value":42}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New())

	tc := newTC(t)
	require.NoError(t, tc.SetVariable("name", "ada"))

	steps := []dsl.Step{{
		Type: dsl.StepTask, TaskName: "greet", Mode: "m", Service: "s",
		Params: map[string]interface{}{"greeting": "hello {{variables.name}}"},
	}}
	_, err := e.Execute(context.Background(), steps, tc)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(seenInput, &decoded))
	require.Equal(t, "hello ada", decoded["greeting"])
}

func TestExecutePriorResultReference(t *testing.T) {
	call := 0
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		call++
		if call == 1 {
			return json.RawMessage(`{"result":7}`), nil
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New())

	steps := []dsl.Step{
		{Type: dsl.StepTask, TaskName: "first", Mode: "m", Service: "s"},
		{Type: dsl.StepTask, TaskName: "second", Mode: "m", Service: "s",
			Params: map[string]interface{}{"prior": "{{result[0].result.result}}"}},
	}
	var seenInput json.RawMessage
	dispatcher.handle = func(req engine.DispatchRequest) (json.RawMessage, error) {
		call++
		if req.TaskName == "first" {
			return json.RawMessage(`{"result":7}`), nil
		}
		seenInput = req.InputData
		return json.RawMessage(`{"ok":true}`), nil
	}

	_, err := e.Execute(context.Background(), steps, newTC(t))
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(seenInput, &decoded))
	require.EqualValues(t, 7, decoded["prior"])
}

func TestExecuteNonRetryableFailureStopsSequence(t *testing.T) {
	calls := 0
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		calls++
		return nil, errors.New("bad params")
	}}
	e := New(dispatcher, condition.New(), classify.New())

	steps := []dsl.Step{
		{Type: dsl.StepTask, TaskName: "fails", Mode: "m", Service: "s"},
		{Type: dsl.StepTask, TaskName: "never_runs", Mode: "m", Service: "s"},
	}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.Error(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Completed)
	require.Equal(t, 1, calls)
}

type codedErr struct{ code engine.ErrorCode }

func (e codedErr) Error() string              { return string(e.code) }
func (e codedErr) ErrorCode() engine.ErrorCode { return e.code }

func TestExecuteRetriesRetryableFailures(t *testing.T) {
	calls := 0
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, codedErr{engine.ErrUnavailable}
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New(), WithRetryPolicy(classify.RetryPolicy{
		BaseDelay: time.Millisecond, Factor: 1, CapDelay: time.Millisecond, MaxAttempts: 3,
	}))

	steps := []dsl.Step{{Type: dsl.StepTask, TaskName: "flaky", Mode: "m", Service: "s"}}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.True(t, results[0].Completed)
}

func TestExecuteParallelBranchesRunIndependently(t *testing.T) {
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}
	e := New(dispatcher, condition.New(), classify.New())

	steps := []dsl.Step{{
		Type: dsl.StepParallel,
		Steps: []dsl.Step{
			{Type: dsl.StepTask, TaskName: "branch_a", Mode: "m", Service: "s"},
			{Type: dsl.StepTask, TaskName: "branch_b", Mode: "m", Service: "s"},
		},
	}}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestExecuteConfirmationTimeoutDefaultsToProceed(t *testing.T) {
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}
	confirmer := &timeoutConfirmer{}
	e := New(dispatcher, condition.New(), classify.New(), WithConfirmer(confirmer))

	steps := []dsl.Step{{
		Type: dsl.StepTask, TaskName: "risky", Mode: "m", Service: "s",
		NeedsConfirmation: true, OnTimeout: "proceed",
	}}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.NoError(t, err)
	require.True(t, results[0].Completed)
}

func TestExecuteConfirmationTimeoutAbortsWhenConfigured(t *testing.T) {
	dispatcher := &fakeDispatcher{handle: func(req engine.DispatchRequest) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}
	confirmer := &timeoutConfirmer{}
	e := New(dispatcher, condition.New(), classify.New(), WithConfirmer(confirmer))

	steps := []dsl.Step{{
		Type: dsl.StepTask, TaskName: "risky", Mode: "m", Service: "s",
		NeedsConfirmation: true, OnTimeout: "abort",
	}}
	results, err := e.Execute(context.Background(), steps, newTC(t))
	require.Error(t, err)
	require.False(t, results[0].Completed)
	require.Equal(t, engine.StatusCancelled, results[0].Status)
}

type timeoutConfirmer struct{}

func (timeoutConfirmer) Confirm(ctx context.Context, userID, taskID string, step int, prompt json.RawMessage, timeout time.Duration) (engine.UserConfirmation, error) {
	return engine.UserConfirmation{}, engine.ErrConfirmationTimeout
}
