package cel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// Event is the activation a subscription filter is evaluated against.
type Event struct {
	EventID   string
	EventType string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Evaluator compiles subscription filter expressions and caches the programs by source text.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_id", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// ValidateFilterExpression checks that expression compiles and yields a bool.
func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileFilter(expression)
	return err
}

func (e *Evaluator) compileFilter(expression string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}

// EvaluateFilter reports whether ev matches expression. An empty expression matches everything.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, ev Event) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compileFilter(expression)
	if err != nil {
		return false, err
	}

	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"event_id":   ev.EventID,
		"event_type": ev.EventType,
		"timestamp":  ev.Timestamp,
		"payload":    payload,
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
