package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocel "github.com/google/cel-go/cel"
)

// maxExpressionLength bounds how long a single condition expression may be.
const maxExpressionLength = 1024

// maxCostBudget limits CEL runtime cost, guarding against pathological
// expressions over large param maps.
const maxCostBudget = 100_000

// evalTimeout bounds a single evaluation.
const evalTimeout = 2 * time.Second

// Evaluator compiles descriptor Conditions once and evaluates them per
// request, implementing policy.ConditionEvaluator.
type Evaluator struct {
	env *gocel.Env

	mu       sync.RWMutex
	compiled map[string]gocel.Program
}

// NewEvaluator builds an Evaluator over the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}
	return &Evaluator{env: env, compiled: make(map[string]gocel.Program)}, nil
}

// CompileCondition parses, type-checks, and caches the CEL program for
// action's Condition. Call this once per descriptor at construction time.
func (e *Evaluator) CompileCondition(action, expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("condition for %q too long: %d characters (max %d)", action, len(expr), maxExpressionLength)
	}
	if expr == "" {
		return errors.New("condition expression is empty")
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile condition for %q: %w", action, issues.Err())
	}
	prg, err := e.env.Program(ast, gocel.EvalOptions(gocel.OptOptimize), gocel.CostLimit(maxCostBudget))
	if err != nil {
		return fmt.Errorf("build program for %q: %w", action, err)
	}

	e.mu.Lock()
	e.compiled[action] = prg
	e.mu.Unlock()
	return nil
}

// Evaluate implements policy.ConditionEvaluator. ConditionEvaluator passes
// no request id, so request_id is always bound to the empty string here;
// request_time is the evaluation time in UTC.
func (e *Evaluator) Evaluate(ctx context.Context, action string, params map[string]interface{}) (bool, bool, error) {
	e.mu.RLock()
	prg, ok := e.compiled[action]
	e.mu.RUnlock()
	if !ok {
		return false, false, nil
	}

	activation := BuildActivation(action, params, "", time.Now().UTC())

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, true, fmt.Errorf("evaluate condition for %q: %w", action, err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, true, fmt.Errorf("condition for %q did not return a boolean, got %T", action, result.Value())
	}
	return boolResult, true, nil
}
