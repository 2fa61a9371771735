// Package dispatcher implements the Dispatcher (C7): resolves a service
// via the Service Registry and invokes the named task on it, preferring
// a TaskHandler's Supports/Handle pair over a TaskSink's catch-all
// ExecuteTask.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

// Dispatcher resolves (mode, service) through a ServiceRegistry and
// invokes task_name on the resolved instance.
type Dispatcher struct {
	registry engine.ServiceRegistry
}

// New returns a Dispatcher backed by registry.
func New(registry engine.ServiceRegistry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// OriginError wraps an error raised by a dispatched service, recording
// which (service, method) produced it so logs and the classifier can
// tell a transport failure from a service failure.
type OriginError struct {
	Service string
	Method  string
	Err     error
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("dispatcher: %s.%s: %v", e.Service, e.Method, e.Err)
}

func (e *OriginError) Unwrap() error { return e.Err }

// ErrorCode forwards to the wrapped error when it carries one, so
// classify.Classifier still sees the service's intended code through
// the OriginError wrapper.
func (e *OriginError) ErrorCode() engine.ErrorCode {
	var coded interface{ ErrorCode() engine.ErrorCode }
	if errors.As(e.Err, &coded) {
		return coded.ErrorCode()
	}
	switch {
	case errors.Is(e.Err, context.DeadlineExceeded):
		return engine.ErrTimeout
	case errors.Is(e.Err, context.Canceled):
		return engine.ErrCancelled
	}
	return engine.ErrInternal
}

// Dispatch resolves req.Mode/req.Service through the registry and
// invokes req.TaskName on the resolved instance: a TaskHandler that
// Supports the name is preferred, falling back to TaskSink.ExecuteTask.
// A panic inside the service is recovered and returned as an OriginError.
func (d *Dispatcher) Dispatch(ctx context.Context, req engine.DispatchRequest) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &OriginError{Service: req.Service, Method: req.TaskName, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	factory, err := d.registry.Lookup(req.Mode, req.Service)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	instance, err := factory()
	if err != nil {
		return nil, &OriginError{Service: req.Service, Method: "factory", Err: err}
	}

	tc, err := d.buildTaskContext(req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build task context: %w", err)
	}

	if handler, ok := instance.(engine.TaskHandler); ok && handler.Supports(req.TaskName) {
		out, err := handler.Handle(ctx, req.TaskName, req.InputData, tc)
		if err != nil {
			return nil, &OriginError{Service: req.Service, Method: req.TaskName, Err: err}
		}
		return out, nil
	}

	if sink, ok := instance.(engine.TaskSink); ok {
		out, err := sink.ExecuteTask(ctx, req.TaskName, req.InputData, tc)
		if err != nil {
			return nil, &OriginError{Service: req.Service, Method: "ExecuteTask", Err: err}
		}
		return out, nil
	}

	return nil, fmt.Errorf("dispatcher: service %q for mode %q implements neither TaskHandler nor TaskSink", req.Service, req.Mode)
}

// buildTaskContext reconstructs the caller's real TaskContext from
// req.Context when the executor provided one (§4.7: a dispatched service
// sees the task's actual variables/metadata/session_id, not a blank
// context), falling back to a fresh context when none travelled with the
// request.
func (d *Dispatcher) buildTaskContext(req engine.DispatchRequest) (*engine.TaskContext, error) {
	if len(req.Context) == 0 {
		return engine.NewTaskContext(req.UserID, req.TaskID)
	}
	return engine.DeserializeTaskContext(req.Context)
}

var _ engine.Dispatcher = (*Dispatcher)(nil)
