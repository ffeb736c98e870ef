package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// scenarioSchemaJSON is the JSON Schema for hazmat transport scenarios.
// Embedded as a constant to avoid filesystem dependencies. Unknown fields are
// allowed; scenario payloads carry whatever the submitting system attaches,
// but the fields the policy layer relies on must be well-typed when present.
const scenarioSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hazardsafe.dev/schemas/scenario.json",
  "type": "object",
  "required": ["material_class"],
  "properties": {
    "material_class": {
      "type": "string",
      "minLength": 1
    },
    "package_type": {
      "type": "string"
    },
    "ambient_temperature_c": {
      "type": "number"
    },
    "transport_index": {
      "type": "number",
      "minimum": 0
    },
    "quantity": {
      "type": "number",
      "minimum": 0
    },
    "description": {
      "type": "string"
    }
  }
}`

// ScenarioValidator validates scenario payloads against the built-in hazmat
// schema and, optionally, caller-supplied schemas. Safe for concurrent use.
type ScenarioValidator struct {
	scenarioSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewScenarioValidator creates a ScenarioValidator with the hazmat scenario
// schema pre-compiled.
func NewScenarioValidator() (*ScenarioValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scenarioSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal scenario schema: %w", err)
	}
	if err := c.AddResource("https://hazardsafe.dev/schemas/scenario.json", doc); err != nil {
		return nil, fmt.Errorf("add scenario schema resource: %w", err)
	}

	compiled, err := c.Compile("https://hazardsafe.dev/schemas/scenario.json")
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}

	return &ScenarioValidator{
		scenarioSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateScenario checks a scenario payload against the built-in hazmat
// schema.
func (v *ScenarioValidator) ValidateScenario(data map[string]any) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "scenario data is nil")
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize scenario data").WithCause(err)
	}

	if err := v.scenarioSchema.Validate(doc); err != nil {
		return toGateError(err)
	}
	return nil
}

// ValidateAgainst validates scenario data against a JSON Schema supplied as
// raw bytes. The schema is compiled once and cached for subsequent calls.
func (v *ScenarioValidator) ValidateAgainst(data map[string]any, rawSchema []byte) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "scenario data is nil")
	}
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid scenario schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize scenario data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toGateError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *ScenarioValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("gatekeeper://scenario-schema/%d", len(v.cache))

	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGateError converts a jsonschema.ValidationError into a GateError with
// one message per leaf violation.
func toGateError(err error) *schema.GateError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("scenario validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
