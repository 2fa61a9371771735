// Package condition implements the default ConditionEvaluator (part of
// C8) used to resolve an `if` step's condition expression, backed by
// expr-lang/expr with compiled-program caching.
package condition

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates step conditions against the environment the
// executor builds for a task (variables plus prior step results).
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New returns an Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expression and runs
// it against env. The result must be a bool.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, env map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("condition: compile %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition: evaluate %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition: %q evaluated to %T, want bool", expression, result)
	}
	return b, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
