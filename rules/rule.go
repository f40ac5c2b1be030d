package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating step guard expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once per expression and cached. Unknown identifiers
// evaluate to nil so that guards can reference results of steps that have
// not run yet.
type ExprEvaluator struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	helpers map[string]func(env map[string]any) any
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:   make(map[string]*vm.Program),
		helpers: make(map[string]func(map[string]any) any),
	}
}

// AddHelper exposes a derived value under name. f is called with the
// evaluation environment on every Evaluate.
func (e *ExprEvaluator) AddHelper(name string, f func(env map[string]any) any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = f
}

// Evaluate evaluates the given expression against env, which is not modified.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	scope := make(map[string]any, len(env)+len(e.helpers))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.helpers {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
