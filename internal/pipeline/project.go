package pipeline

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// ContextProjector reshapes the raw scenario payload into the context handed
// to policy scripts. The projection is a jq expression; the typical use is
// stripping free-text fields before generated code sees the data. An empty
// expression is the identity. Compiled once at construction; safe for
// concurrent use.
type ContextProjector struct {
	expression string
	code       *gojq.Code
}

// NewContextProjector parses and compiles the jq expression. An empty
// expression yields an identity projector.
func NewContextProjector(expression string) (*ContextProjector, error) {
	if expression == "" {
		return &ContextProjector{}, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Block $ENV and env access from projection expressions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return &ContextProjector{expression: expression, code: code}, nil
}

// Project applies the projection to a scenario payload. The expression must
// produce exactly one JSON object; anything else is a validation fault.
func (p *ContextProjector) Project(ctx context.Context, scenario map[string]any) (map[string]any, error) {
	if p.code == nil {
		return scenario, nil
	}

	iter := p.code.RunWithContext(ctx, normalizeForJQ(scenario))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", p.expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": p.expression})
		}
		results = append(results, val)
	}

	if len(results) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"projection %q produced %d outputs, want exactly 1", p.expression, len(results))
	}

	projected, ok := results[0].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"projection %q produced %T, want an object", p.expression, results[0])
	}
	return projected, nil
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
