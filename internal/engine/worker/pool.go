// Package worker implements the Worker Pool (C6): one bounded-concurrency
// pool per queue lane, pulling deliveries off a Broker and running each
// one's DSL step tree to completion through the Step Executor, adapted
// from the semaphore-plus-WaitGroup shape of a polling scheduler into an
// always-on consumer loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/dsl"
	"github.com/alpinesboltltd/taskcore/internal/engine/metrics"
)

// Executor is the subset of executor.Executor the pool depends on.
type Executor interface {
	Execute(ctx context.Context, steps []dsl.Step, tc *engine.TaskContext) ([]engine.TaskStepResult, error)
}

// HeartbeatRecorder is implemented by persisters that support stale-task
// crash recovery (persist.PostgresPersister). It is optional: a Pool
// built over a Persister that doesn't implement it simply skips
// heartbeating, at the cost of crash recovery for that deployment.
type HeartbeatRecorder interface {
	Heartbeat(ctx context.Context, userID, taskID, queue string, envelope []byte) error
	ClearHeartbeat(ctx context.Context, userID, taskID string) error
}

// ProgressPublisher emits a task-level lifecycle event to the Progress
// Bus (§4.6: RUNNING, then exactly one of COMPLETED/FAILED/TIMED_OUT/
// CANCELLED). Implemented by bus.TaskPublisher; a Pool built without one
// simply runs without bus visibility.
type ProgressPublisher interface {
	PublishTask(ctx context.Context, userID, taskID string, status engine.TaskStatus, message string)
}

// CancelRegistrar lets a client-issued cancel action reach the worker
// goroutine running (userID, taskID) (§4.4, §5, P7). Implemented by
// bus.CancelRegistry.
type CancelRegistrar interface {
	Register(userID, taskID string, cancel context.CancelFunc) (unregister func())
	Cancel(userID, taskID string) bool
}

// Option configures optional Pool collaborators.
type Option func(*Pool)

// WithProgressPublisher wires p so every task's RUNNING and terminal
// transitions reach the Progress Bus.
func WithProgressPublisher(p ProgressPublisher) Option {
	return func(pl *Pool) { pl.publisher = p }
}

// WithCancelRegistrar wires r so a bus cancel action can abort the
// in-flight task it names.
func WithCancelRegistrar(r CancelRegistrar) Option {
	return func(pl *Pool) { pl.cancels = r }
}

// TaskEnvelope is the shape a Worker Pool Message's InputData carries:
// the step tree to run plus whatever task-scoped metadata/session the
// TaskContext should be constructed with.
type TaskEnvelope struct {
	Steps     []dsl.Step             `json:"steps"`
	SessionID string                 `json:"session_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Lane is one queue's bounded-concurrency consumer.
type Lane struct {
	Queue          string
	Concurrency    int
	SoftTimeLimit  time.Duration
	HardTimeLimit  time.Duration
}

// Pool runs a Lane per configured queue against deliveries pulled from
// broker, executing each one's step tree via exec and recording the
// outcome through persister.
type Pool struct {
	broker    engine.Broker
	exec      Executor
	persister engine.Persister
	lanes     []Lane

	publisher ProgressPublisher
	cancels   CancelRegistrar

	wg sync.WaitGroup
}

// New returns a Pool. lanes must name distinct queues.
func New(broker engine.Broker, exec Executor, persister engine.Persister, lanes []Lane, opts ...Option) *Pool {
	p := &Pool{broker: broker, exec: exec, persister: persister, lanes: lanes}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts every configured lane and blocks until ctx is cancelled and
// all in-flight work has drained.
func (p *Pool) Run(ctx context.Context) error {
	for _, lane := range p.lanes {
		deliveries, err := p.broker.Consume(ctx, lane.Queue)
		if err != nil {
			return err
		}
		p.runLane(ctx, lane, deliveries)
	}
	p.wg.Wait()
	return nil
}

func (p *Pool) runLane(ctx context.Context, lane Lane, deliveries <-chan engine.Delivery) {
	sem := make(chan struct{}, lane.Concurrency)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for delivery := range deliveries {
			sem <- struct{}{}
			p.wg.Add(1)
			go func(d engine.Delivery) {
				defer func() { <-sem; p.wg.Done() }()
				p.handle(ctx, lane, d)
			}(delivery)
		}
	}()
}

func (p *Pool) handle(ctx context.Context, lane Lane, delivery engine.Delivery) {
	msg := delivery.Message

	var envelope TaskEnvelope
	if err := json.Unmarshal(msg.InputData, &envelope); err != nil {
		log.Printf("worker: queue=%s task=%s: malformed envelope: %v", lane.Queue, msg.TaskID, err)
		_ = delivery.Nack()
		return
	}

	tc, err := engine.NewTaskContext(msg.UserID, msg.TaskID,
		engine.WithSessionID(envelope.SessionID),
		engine.WithMetadata(envelope.Metadata))
	if err != nil {
		log.Printf("worker: queue=%s task=%s: build task context: %v", lane.Queue, msg.TaskID, err)
		_ = delivery.Nack()
		return
	}

	// Three layered contexts bound one task's execution: hardCtx is the
	// kill switch (§5 hard deadline), clientCtx lets a bus cancel action
	// abort cooperatively without being mistaken for a timeout, and
	// softCtx is the cooperative soft-deadline signal the executor
	// observes at its next suspension point (§5 soft deadline).
	hardCtx, hardCancel := context.WithTimeout(ctx, lane.HardTimeLimit)
	defer hardCancel()

	var clientCancelled atomic.Bool
	clientCtx, clientCancel := context.WithCancel(hardCtx)
	defer clientCancel()

	softCtx, softCancel := context.WithCancel(clientCtx)
	defer softCancel()

	if p.cancels != nil {
		unregister := p.cancels.Register(msg.UserID, msg.TaskID, func() {
			clientCancelled.Store(true)
			clientCancel()
		})
		defer unregister()
	}

	softTimer := time.AfterFunc(lane.SoftTimeLimit, func() {
		log.Printf("worker: queue=%s task=%s: exceeded soft time limit %s, signalling cooperative cancel", lane.Queue, msg.TaskID, lane.SoftTimeLimit)
		softCancel()
	})
	defer softTimer.Stop()

	metrics.RecordTaskStarted(lane.Queue)
	startedAt := time.Now()

	if err := p.persister.UpdateTaskStatus(ctx, msg.UserID, msg.TaskID, engine.StatusRunning); err != nil {
		log.Printf("worker: queue=%s task=%s: persist running status: %v", lane.Queue, msg.TaskID, err)
		metrics.RecordPersistenceError("UpdateTaskStatus")
	}
	if p.publisher != nil {
		p.publisher.PublishTask(ctx, msg.UserID, msg.TaskID, engine.StatusRunning, "")
	}

	recorder, tracksHeartbeat := p.persister.(HeartbeatRecorder)
	if tracksHeartbeat {
		if err := recorder.Heartbeat(ctx, msg.UserID, msg.TaskID, lane.Queue, msg.InputData); err != nil {
			log.Printf("worker: queue=%s task=%s: heartbeat: %v", lane.Queue, msg.TaskID, err)
		}
	}

	_, execErr := p.exec.Execute(softCtx, envelope.Steps, tc)

	status := engine.StatusCompleted
	message := ""
	switch {
	case execErr == nil:
		status = engine.StatusCompleted
	case clientCancelled.Load():
		status = engine.StatusCancelled
		message = execErr.Error()
	case errors.Is(hardCtx.Err(), context.DeadlineExceeded):
		status = engine.StatusTimedOut
		message = execErr.Error()
	case errors.Is(softCtx.Err(), context.Canceled):
		status = engine.StatusTimedOut
		message = execErr.Error()
	default:
		status = engine.StatusFailed
		message = execErr.Error()
	}
	if execErr != nil {
		log.Printf("worker: queue=%s task=%s: %v", lane.Queue, msg.TaskID, execErr)
	}

	metrics.RecordTaskFinished(lane.Queue, string(status), time.Since(startedAt))
	if p.publisher != nil {
		p.publisher.PublishTask(ctx, msg.UserID, msg.TaskID, status, message)
	}

	if err := p.persister.UpdateTaskStatus(ctx, msg.UserID, msg.TaskID, status); err != nil {
		log.Printf("worker: queue=%s task=%s: persist final status: %v", lane.Queue, msg.TaskID, err)
		metrics.RecordPersistenceError("UpdateTaskStatus")
	}
	if tracksHeartbeat {
		if err := recorder.ClearHeartbeat(ctx, msg.UserID, msg.TaskID); err != nil {
			log.Printf("worker: queue=%s task=%s: clear heartbeat: %v", lane.Queue, msg.TaskID, err)
		}
	}

	if err := delivery.Ack(); err != nil {
		log.Printf("worker: queue=%s task=%s: ack: %v", lane.Queue, msg.TaskID, err)
	}
}
