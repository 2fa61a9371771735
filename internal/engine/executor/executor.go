// Package executor implements the Step Executor (C8): a recursive walk
// over a DSLStep tree that dispatches task steps, evaluates if
// conditions, runs sequence/parallel branches, and checkpoints each
// completed step through an optional save callback.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/classify"
	"github.com/alpinesboltltd/taskcore/internal/engine/dsl"
	"github.com/alpinesboltltd/taskcore/internal/engine/metrics"
)

// SaveCallback checkpoints a completed step result as soon as it is
// produced, independent of whatever the caller does with the final
// aggregate slice Execute returns. A failing SaveCallback never aborts
// the task (§4.9: persistence failures are soft); the executor only
// flags PersistenceDegraded on the in-memory result.
type SaveCallback func(ctx context.Context, result engine.TaskStepResult) error

// Option configures an Executor.
type Option func(*Executor)

// WithConfirmer wires the notify_user/confirm protocol for steps marked
// RequiresConfirmation. Without one, such steps fail with ErrCancelled
// (status CANCELLED).
func WithConfirmer(c engine.Confirmer) Option {
	return func(e *Executor) { e.confirmer = c }
}

// WithSaveCallback wires a checkpoint hook invoked after every step.
func WithSaveCallback(save SaveCallback) Option {
	return func(e *Executor) { e.save = save }
}

// WithRetryPolicy overrides classify.DefaultRetryPolicy.
func WithRetryPolicy(p classify.RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithConfirmationTimeout overrides the default 5-minute confirmation
// wait.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(e *Executor) { e.confirmTimeout = d }
}

// StepPublisher emits a lifecycle event for one step (§4.8: "publishes a
// progress event"), both a non-terminal RUNNING update and the step's
// eventual terminal outcome. Implemented by bus.StepPublisher; wiring
// none simply means the executor never touches the bus.
type StepPublisher interface {
	PublishStep(ctx context.Context, userID, taskID string, step int, task string, status engine.TaskStatus, message string, result json.RawMessage, errMsg string)
}

// WithStepPublisher wires a StepPublisher so every step's RUNNING and
// terminal transitions reach the Progress Bus.
func WithStepPublisher(p StepPublisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// Executor walks a DSLStep tree for one task.
type Executor struct {
	dispatcher engine.Dispatcher
	evaluator  dsl.ConditionEvaluator
	classifier engine.ErrorClassifier
	confirmer  engine.Confirmer
	save       SaveCallback
	publisher  StepPublisher
	retry      classify.RetryPolicy

	confirmTimeout time.Duration
}

// New builds an Executor. dispatcher and evaluator must not be nil.
func New(dispatcher engine.Dispatcher, evaluator dsl.ConditionEvaluator, classifier engine.ErrorClassifier, opts ...Option) *Executor {
	e := &Executor{
		dispatcher:     dispatcher,
		evaluator:      evaluator,
		classifier:     classifier,
		retry:          classify.DefaultRetryPolicy,
		confirmTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs steps in order against tc and returns every step result
// produced, in execution order, flattened across nested sequence/if/
// parallel branches. It returns on the first step failure (a task
// failure that retries did not clear, or the context being cancelled),
// except inside a sequence whose stop_on_failure is false; results
// already produced are still returned alongside the error.
func (e *Executor) Execute(ctx context.Context, steps []dsl.Step, tc *engine.TaskContext) ([]engine.TaskStepResult, error) {
	var (
		mu      sync.Mutex
		results []engine.TaskStepResult
	)
	if err := e.execSequence(ctx, steps, tc, &mu, &results, true); err != nil {
		return results, err
	}
	return results, nil
}

// stopOnFailure reads a sequence step's stop_on_failure parameter
// (§4.3/§4.8), defaulting to true (abort on first failure) when absent
// or not a bool.
func stopOnFailure(params map[string]interface{}) bool {
	v, ok := params["stop_on_failure"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	if !ok {
		return true
	}
	return b
}

// execSequence runs steps in order. When stopOnFailure is true (the
// default for a sequence step, and always true for the implicit
// top-level sequence Execute drives), the first child failure aborts the
// remaining children. When false, every child still runs; the sequence
// itself reports the first failure encountered once all children have
// run.
func (e *Executor) execSequence(ctx context.Context, steps []dsl.Step, tc *engine.TaskContext, mu *sync.Mutex, results *[]engine.TaskStepResult, stopOnFailureFlag bool) error {
	var firstErr error
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.execStep(ctx, steps[i], tc, mu, results); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if stopOnFailureFlag {
				return err
			}
		}
	}
	return firstErr
}

func (e *Executor) execStep(ctx context.Context, step dsl.Step, tc *engine.TaskContext, mu *sync.Mutex, results *[]engine.TaskStepResult) error {
	switch step.Type {
	case dsl.StepTask:
		return e.execTask(ctx, step, tc, mu, results)
	case dsl.StepIf:
		mu.Lock()
		env := e.buildEnv(tc, *results)
		mu.Unlock()
		ok, err := e.evaluator.Evaluate(ctx, *step.Condition, env)
		if err != nil {
			return fmt.Errorf("executor: evaluate condition: %w", err)
		}
		if ok {
			return e.execSequence(ctx, step.Then, tc, mu, results, true)
		}
		return e.execSequence(ctx, step.Else, tc, mu, results, true)
	case dsl.StepSequence:
		return e.execSequence(ctx, step.Steps, tc, mu, results, stopOnFailure(step.Params))
	case dsl.StepParallel:
		return e.execParallel(ctx, step, tc, mu, results)
	default:
		return fmt.Errorf("executor: unknown step type %q", step.Type)
	}
}

// execParallel runs every branch of step.Steps concurrently. Each
// branch sees the same snapshot of prior results; branches cannot see
// each other's results (§4.4 - parallel branches are independent).
// Completed branch results are appended to the shared slice in branch
// order once all branches finish, keeping result[] indexing
// deterministic regardless of completion order. If
// CancelSiblingsOnFailure is set, the first branch failure cancels the
// remaining branches' context; otherwise every branch runs to
// completion and the first failure (in branch order) is returned after
// all results are recorded.
func (e *Executor) execParallel(ctx context.Context, step dsl.Step, tc *engine.TaskContext, mu *sync.Mutex, results *[]engine.TaskStepResult) error {
	mu.Lock()
	seed := append([]engine.TaskStepResult(nil), *results...)
	mu.Unlock()

	branchCtx := ctx
	var cancel context.CancelFunc
	if step.CancelSiblingsOnFailure {
		branchCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	branchResults := make([][]engine.TaskStepResult, len(step.Steps))
	branchErrs := make([]error, len(step.Steps))

	var wg sync.WaitGroup
	for i := range step.Steps {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			var branchMu sync.Mutex
			local := append([]engine.TaskStepResult(nil), seed...)
			err := e.execStep(branchCtx, step.Steps[i], tc, &branchMu, &local)
			branchResults[i] = local[len(seed):]
			branchErrs[i] = err
			if err != nil && cancel != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	for i := range branchResults {
		*results = append(*results, branchResults[i]...)
	}
	mu.Unlock()

	for _, err := range branchErrs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) buildEnv(tc *engine.TaskContext, results []engine.TaskStepResult) map[string]interface{} {
	resultList := make([]interface{}, len(results))
	for i, r := range results {
		var parsed interface{}
		if len(r.Result) > 0 {
			_ = json.Unmarshal(r.Result, &parsed)
		}
		resultList[i] = map[string]interface{}{
			"step":      r.Step,
			"completed": r.Completed,
			"status":    string(r.Status),
			"result":    parsed,
		}
	}
	return map[string]interface{}{
		"variables": tc.Variables(),
		"metadata":  tc.Metadata(),
		"result":    resultList,
	}
}

func (e *Executor) execTask(ctx context.Context, step dsl.Step, tc *engine.TaskContext, mu *sync.Mutex, results *[]engine.TaskStepResult) error {
	mu.Lock()
	index := len(*results)
	env := e.buildEnv(tc, *results)
	mu.Unlock()

	if e.publisher != nil {
		e.publisher.PublishStep(ctx, tc.UserID(), tc.TaskID(), index, step.TaskName, engine.StatusRunning, "", nil, "")
	}

	substituted, err := substituteValue(map[string]interface{}(step.Params), env)
	if err != nil {
		return e.finalize(ctx, tc, step, index, mu, results, engine.ErrInvalidParams, err)
	}
	inputData, err := json.Marshal(substituted)
	if err != nil {
		return e.finalize(ctx, tc, step, index, mu, results, engine.ErrInvalidParams, err)
	}

	tcSnapshot, err := tc.Serialize()
	if err != nil {
		return e.finalize(ctx, tc, step, index, mu, results, engine.ErrInternal, err)
	}

	req := engine.DispatchRequest{
		TaskName:  step.TaskName,
		Mode:      step.Mode,
		Service:   step.Service,
		UserID:    tc.UserID(),
		TaskID:    tc.TaskID(),
		Step:      index,
		InputData: inputData,
		Context:   tcSnapshot,
	}

	raw, dispatchErr := e.dispatchWithRetry(ctx, req)
	if dispatchErr != nil {
		return e.finalize(ctx, tc, step, index, mu, results, e.classifier.Classify(dispatchErr), dispatchErr)
	}

	if step.RequiresConfirmation() {
		confirmErr := e.awaitConfirmation(ctx, tc, step, index, raw)
		if confirmErr != nil {
			return e.finalize(ctx, tc, step, index, mu, results, engine.ErrCancelled, confirmErr)
		}
	}

	result := engine.TaskStepResult{
		UserID:    tc.UserID(),
		TaskID:    tc.TaskID(),
		StepIndex: index,
		Step:      step.TaskName,
		Result:    raw,
		Completed: true,
		Status:    engine.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	e.record(ctx, mu, results, result)
	if e.publisher != nil {
		e.publisher.PublishStep(ctx, tc.UserID(), tc.TaskID(), index, step.TaskName, engine.StatusCompleted, "", raw, "")
	}
	return nil
}

func (e *Executor) dispatchWithRetry(ctx context.Context, req engine.DispatchRequest) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		raw, err := e.dispatcher.Dispatch(ctx, req)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		code := e.classifier.Classify(err)
		if !code.IsRetryable() || attempt == e.retry.MaxAttempts {
			return nil, err
		}
		metrics.RecordStepRetry(string(code))
		select {
		case <-time.After(e.retry.Delay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// awaitConfirmation blocks on the confirmer and applies the step's
// on_timeout policy (Design Notes open question 2): "proceed" treats a
// timeout as approval, "abort" treats it as decline.
func (e *Executor) awaitConfirmation(ctx context.Context, tc *engine.TaskContext, step dsl.Step, index int, prompt json.RawMessage) error {
	if e.confirmer == nil {
		return fmt.Errorf("executor: step %q requires confirmation but no confirmer is wired", step.TaskName)
	}
	confirmation, err := e.confirmer.Confirm(ctx, tc.UserID(), tc.TaskID(), index, prompt, e.confirmTimeout)
	if err != nil {
		if err == engine.ErrConfirmationTimeout {
			if step.OnTimeout == "proceed" {
				return nil
			}
			return fmt.Errorf("executor: step %q confirmation timed out and on_timeout is abort", step.TaskName)
		}
		return err
	}
	if !confirmation.Proceed {
		reason := "user declined to proceed"
		if confirmation.Feedback != nil && *confirmation.Feedback != "" {
			reason = *confirmation.Feedback
		}
		return fmt.Errorf("executor: step %q: %s", step.TaskName, reason)
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, tc *engine.TaskContext, step dsl.Step, index int, mu *sync.Mutex, results *[]engine.TaskStepResult, code engine.ErrorCode, cause error) error {
	status := engine.StatusFailed
	switch code {
	case engine.ErrTimeout:
		status = engine.StatusTimedOut
	case engine.ErrCancelled:
		status = engine.StatusCancelled
	}
	msg := cause.Error()
	result := engine.TaskStepResult{
		UserID:       tc.UserID(),
		TaskID:       tc.TaskID(),
		StepIndex:    index,
		Step:         step.TaskName,
		Completed:    false,
		Status:       status,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		CreatedAt:    time.Now().UTC(),
	}
	e.record(ctx, mu, results, result)
	if e.publisher != nil {
		e.publisher.PublishStep(ctx, tc.UserID(), tc.TaskID(), index, step.TaskName, status, msg, nil, msg)
	}
	return fmt.Errorf("executor: step %q: %w", step.TaskName, cause)
}

func (e *Executor) record(ctx context.Context, mu *sync.Mutex, results *[]engine.TaskStepResult, result engine.TaskStepResult) {
	if e.save != nil {
		if err := e.save(ctx, result); err != nil {
			result.PersistenceDegraded = true
		}
	}
	mu.Lock()
	*results = append(*results, result)
	mu.Unlock()
}
