package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// ReviewGuard decides whether an automated verdict may be flagged as
// auto-approvable. The guard expression is CEL over two variables:
//   - decision: map(string, dyn) — the automated decision (compliant, reason, ...)
//   - scenario: map(string, dyn) — the scenario payload
//
// An empty expression disables the guard: nothing is ever auto-approvable.
// The expression is compiled once at construction; safe for concurrent use.
type ReviewGuard struct {
	expression string
	prg        cel.Program
}

// NewReviewGuard compiles the guard expression. An empty expression yields a
// guard that always answers false.
func NewReviewGuard(expression string) (*ReviewGuard, error) {
	if expression == "" {
		return &ReviewGuard{}, nil
	}

	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("decision", mapType),
		cel.Variable("scenario", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return &ReviewGuard{expression: expression, prg: prg}, nil
}

// Allows evaluates the guard against a decision and its scenario. Any
// evaluation fault is returned as an error; callers fall back to requiring
// review.
func (g *ReviewGuard) Allows(decision *schema.Decision, scenario map[string]any) (bool, error) {
	if g.prg == nil {
		return false, nil
	}
	if decision == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "decision is nil")
	}

	decisionMap, err := decisionToMap(decision)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeValidation,
			"failed to serialize decision for guard").WithCause(err)
	}
	if scenario == nil {
		scenario = map[string]any{}
	}

	out, _, err := g.prg.Eval(map[string]any{
		"decision": decisionMap,
		"scenario": scenario,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard evaluation failed for %q: %s", g.expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": g.expression})
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard expression %q returned %T, want bool", g.expression, out.Value())
	}
	return allowed, nil
}

// decisionToMap round-trips a Decision through JSON so CEL sees plain maps.
func decisionToMap(d *schema.Decision) (map[string]any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
