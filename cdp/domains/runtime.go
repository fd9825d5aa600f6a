package domains

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
)

// Runtime exposes the CDP Runtime domain actions.
type Runtime interface {
	Evaluate(ctx context.Context, expression string) (any, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

// Evaluate evaluates expression in the main frame and returns its value
// decoded from JSON. Undefined results are returned as nil.
func (r *runtime) Evaluate(ctx context.Context, expression string) (any, error) {
	action := cdpr.Evaluate(expression).WithReturnByValue(true)

	res, exc, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", expression, err)
	}
	if exc != nil {
		return nil, &EvaluationError{Expression: expression, Text: exceptionText(exc)}
	}
	if res == nil || res.Type == cdpr.TypeUndefined || len(res.Value) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(res.Value, &v); err != nil {
		return nil, fmt.Errorf("decoding the value of %q: %w", expression, err)
	}

	return v, nil
}

func exceptionText(exc *cdpr.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

// EvaluationError is an exception thrown by an evaluated expression.
type EvaluationError struct {
	Expression string
	Text       string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expression, e.Text)
}
