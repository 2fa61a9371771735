// Package integration exercises the task execution core end to end: a
// Service Registry + Dispatcher + Step Executor wired together the way
// internal/app.Run assembles them, run directly against the seed
// scenarios a real embedding application would hit.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/bus"
	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/broker"
	"github.com/alpinesboltltd/taskcore/internal/engine/classify"
	"github.com/alpinesboltltd/taskcore/internal/engine/dispatcher"
	"github.com/alpinesboltltd/taskcore/internal/engine/dsl"
	"github.com/alpinesboltltd/taskcore/internal/engine/executor"
	"github.com/alpinesboltltd/taskcore/internal/engine/executor/condition"
	"github.com/alpinesboltltd/taskcore/internal/engine/persist"
	"github.com/alpinesboltltd/taskcore/internal/engine/registry"
	"github.com/alpinesboltltd/taskcore/internal/engine/worker"
	"github.com/stretchr/testify/require"
)

// echoService is a TaskHandler that echoes its input back, optionally
// failing the first N calls with a given error code before succeeding
// (used to drive the retry scenario).
type echoService struct {
	failTimes int32
	failCode  engine.ErrorCode
	calls     int32
}

func (s *echoService) Supports(taskName string) bool { return taskName == "echo" }

func (s *echoService) Handle(ctx context.Context, taskName string, input json.RawMessage, tc *engine.TaskContext) (json.RawMessage, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failTimes {
		return nil, codedErr{s.failCode}
	}
	return input, nil
}

type codedErr struct{ code engine.ErrorCode }

func (e codedErr) Error() string           { return fmt.Sprintf("echo: injected %s failure", e.code) }
func (e codedErr) ErrorCode() engine.ErrorCode { return e.code }

type failAlwaysService struct{}

func (failAlwaysService) Supports(taskName string) bool { return taskName == "doomed" }
func (failAlwaysService) Handle(ctx context.Context, taskName string, input json.RawMessage, tc *engine.TaskContext) (json.RawMessage, error) {
	return nil, codedErr{engine.ErrInvalidParams}
}

type sleeperService struct{ delay time.Duration }

func (sleeperService) Supports(taskName string) bool { return taskName == "sleep" }
func (s sleeperService) Handle(ctx context.Context, taskName string, input json.RawMessage, tc *engine.TaskContext) (json.RawMessage, error) {
	select {
	case <-time.After(s.delay):
		return json.RawMessage(`{"slept":true}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newExecutor(t *testing.T, confirmer engine.Confirmer, retry classify.RetryPolicy) (*executor.Executor, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	disp := dispatcher.New(reg)
	opts := []executor.Option{executor.WithRetryPolicy(retry)}
	if confirmer != nil {
		opts = append(opts, executor.WithConfirmer(confirmer), executor.WithConfirmationTimeout(50*time.Millisecond))
	}
	return executor.New(disp, condition.New(), classify.New(), opts...), reg
}

func taskStep(name string, params map[string]interface{}) dsl.Step {
	return dsl.Step{Type: dsl.StepTask, TaskName: name, Mode: "sync", Service: "svc", Params: params}
}

func TestFastTaskHappyPath(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-1", "task-1")
	require.NoError(t, err)

	steps := []dsl.Step{taskStep("echo", map[string]interface{}{"greeting": "hi"})}
	results, err := exec.Execute(context.Background(), steps, tc)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Completed)
	require.Equal(t, engine.StatusCompleted, results[0].Status)
}

func TestHeavyTaskWithConfirmationProceeds(t *testing.T) {
	confirmer := &fixedConfirmer{result: engine.UserConfirmation{Proceed: true}}
	exec, reg := newExecutor(t, confirmer, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-2", "task-2")
	require.NoError(t, err)

	step := taskStep("echo", map[string]interface{}{"amount": 100})
	step.NeedsConfirmation = true
	step.OnTimeout = "abort"

	results, err := exec.Execute(context.Background(), []dsl.Step{step}, tc)
	require.NoError(t, err)
	require.True(t, results[0].Completed)
}

func TestConfirmationTimeoutDefaultsToProceed(t *testing.T) {
	confirmer := &timeoutConfirmer{}
	exec, reg := newExecutor(t, confirmer, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-3", "task-3")
	require.NoError(t, err)

	step := taskStep("echo", nil)
	step.NeedsConfirmation = true
	step.OnTimeout = "proceed"

	results, err := exec.Execute(context.Background(), []dsl.Step{step}, tc)
	require.NoError(t, err)
	require.True(t, results[0].Completed)
}

func TestConfirmationTimeoutAborts(t *testing.T) {
	confirmer := &timeoutConfirmer{}
	exec, reg := newExecutor(t, confirmer, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-4", "task-4")
	require.NoError(t, err)

	step := taskStep("echo", nil)
	step.NeedsConfirmation = true
	step.OnTimeout = "abort"

	results, err := exec.Execute(context.Background(), []dsl.Step{step}, tc)
	require.Error(t, err)
	require.False(t, results[0].Completed)
	require.Equal(t, engine.StatusCancelled, results[0].Status)
}

func TestRetryableFailureEventuallySucceeds(t *testing.T) {
	fast := classify.RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, CapDelay: 10 * time.Millisecond, MaxAttempts: 3}
	exec, reg := newExecutor(t, nil, fast)
	svc := &echoService{failTimes: 2, failCode: engine.ErrUnavailable}
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return svc, nil }))

	tc, err := engine.NewTaskContext("user-5", "task-5")
	require.NoError(t, err)

	results, err := exec.Execute(context.Background(), []dsl.Step{taskStep("echo", nil)}, tc)
	require.NoError(t, err)
	require.True(t, results[0].Completed)
	require.EqualValues(t, 3, svc.calls)
}

func TestNonRetryableFailureStopsSequence(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return failAlwaysService{}, nil }))

	tc, err := engine.NewTaskContext("user-6", "task-6")
	require.NoError(t, err)

	step1 := taskStep("doomed", nil)
	step2 := taskStep("doomed", nil)
	results, err := exec.Execute(context.Background(), []dsl.Step{step1, step2}, tc)
	require.Error(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Completed)
	require.Equal(t, engine.StatusFailed, results[0].Status)
}

func TestParallelBranchesAggregateInOrder(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-7", "task-7")
	require.NoError(t, err)

	parallel := dsl.Step{
		Type: dsl.StepParallel,
		Steps: []dsl.Step{
			taskStep("echo", map[string]interface{}{"branch": "a"}),
			taskStep("echo", map[string]interface{}{"branch": "b"}),
		},
	}
	results, err := exec.Execute(context.Background(), []dsl.Step{parallel}, tc)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Completed)
	}
}

func TestCancelMidFlightStopsExecution(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return sleeperService{delay: time.Second}, nil }))

	tc, err := engine.NewTaskContext("user-8", "task-8")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = exec.Execute(ctx, []dsl.Step{taskStep("sleep", nil)}, tc)
	require.Error(t, err)
}

// TestSequenceStopOnFailureFalseRunsAllChildren confirms a sequence step
// whose stop_on_failure is explicitly false keeps running its remaining
// children after a failure, reporting the first failure once they have all
// run.
func TestSequenceStopOnFailureFalseRunsAllChildren(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return failAlwaysService{}, nil }))
	require.NoError(t, reg.Register("sync", "echosvc", func() (interface{}, error) { return &echoService{}, nil }))

	tc, err := engine.NewTaskContext("user-10", "task-10")
	require.NoError(t, err)

	echoAfterFailure := dsl.Step{Type: dsl.StepTask, TaskName: "echo", Mode: "sync", Service: "echosvc"}
	sequence := dsl.Step{
		Type:   dsl.StepSequence,
		Params: map[string]interface{}{"stop_on_failure": false},
		Steps:  []dsl.Step{taskStep("doomed", nil), echoAfterFailure},
	}

	results, err := exec.Execute(context.Background(), []dsl.Step{sequence}, tc)
	require.Error(t, err)
	require.Len(t, results, 2)
	require.False(t, results[0].Completed)
	require.Equal(t, engine.StatusFailed, results[0].Status)
	require.True(t, results[1].Completed)
}

// TestBusCancelAbortsWorkerPoolTask wires a real broker + worker pool +
// executor + CancelRegistry together and proves a bus cancel action reaches
// the actual goroutine running the task, not just a raw context passed
// straight to Execute.
func TestBusCancelAbortsWorkerPoolTask(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return sleeperService{delay: time.Second}, nil }))

	b := broker.NewInMem()
	persister := persist.NopPersister{}
	cancels := bus.NewCancelRegistry()
	pool := worker.New(b, exec, persister, []worker.Lane{
		{
			Queue:         engine.QueueFast,
			Concurrency:   2,
			SoftTimeLimit: time.Second,
			HardTimeLimit: 5 * time.Second,
		},
	}, worker.WithCancelRegistrar(cancels))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	envelope := worker.TaskEnvelope{Steps: []dsl.Step{taskStep("sleep", nil)}}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Enqueue(context.Background(), engine.QueueFast, engine.Message{
			UserID: "user-11", TaskID: "task-11", InputData: payload,
		}) == nil
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return cancels.Cancel("user-11", "task-11")
	}, time.Second, 10*time.Millisecond, "worker never registered the task with the cancel registry")

	cancel()
	<-done
}

// TestWorkerPoolDrainsBrokerDelivery runs a full broker -> worker pool ->
// executor -> persister chain for a single enqueued task envelope,
// confirming the pieces internal/app.Run wires together actually fit.
func TestWorkerPoolDrainsBrokerDelivery(t *testing.T) {
	exec, reg := newExecutor(t, nil, classify.DefaultRetryPolicy)
	require.NoError(t, reg.Register("sync", "svc", func() (interface{}, error) { return &echoService{}, nil }))

	b := broker.NewInMem()
	persister := persist.NopPersister{}
	pool := worker.New(b, exec, persister, []worker.Lane{
		{
			Queue:         engine.QueueFast,
			Concurrency:   2,
			SoftTimeLimit: time.Second,
			HardTimeLimit: 5 * time.Second,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	envelope := worker.TaskEnvelope{Steps: []dsl.Step{taskStep("echo", map[string]interface{}{"ok": true})}}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Enqueue(context.Background(), engine.QueueFast, engine.Message{
			UserID: "user-9", TaskID: "task-9", InputData: payload,
		}) == nil
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done
}

type fixedConfirmer struct{ result engine.UserConfirmation }

func (c *fixedConfirmer) Confirm(ctx context.Context, userID, taskID string, step int, prompt json.RawMessage, timeout time.Duration) (engine.UserConfirmation, error) {
	return c.result, nil
}

type timeoutConfirmer struct{}

func (timeoutConfirmer) Confirm(ctx context.Context, userID, taskID string, step int, prompt json.RawMessage, timeout time.Duration) (engine.UserConfirmation, error) {
	return engine.UserConfirmation{}, engine.ErrConfirmationTimeout
}
