package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean conditions such as a step's approval_when.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled
// programs are cached per expression.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an empty cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a value derived from the environment; it is
// exposed to expressions under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Validate compiles expression, reporting syntax errors up front.
func (e *ExprEvaluator) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression against env. env is not modified. Unknown
// identifiers evaluate to nil. A non-boolean result is an error.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	scope := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.optionsFunc {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}
