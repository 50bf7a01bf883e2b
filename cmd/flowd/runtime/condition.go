package runtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates decision condition expressions with CEL.
// Compiled programs are cached per normalized expression.
type ConditionEvaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]cel.Program)}
}

// Evaluate runs a condition expression against the upstream output and the
// node's input context. JSONPath-style $.field rewrites to output.field so
// authored conditions can use either form.
func (e *ConditionEvaluator) Evaluate(expression string, output, context map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	normalized := strings.ReplaceAll(expression, "$.", "output.")

	e.mu.RLock()
	prg, cached := e.cache[normalized]
	e.mu.RUnlock()

	if !cached {
		var err error
		prg, err = compileCondition(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    context,
	})
	if err != nil {
		return false, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", out.Value())
	}
	return result, nil
}

func compileCondition(expression string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of compiled expressions held.
func (e *ConditionEvaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
