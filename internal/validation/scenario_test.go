package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

func TestNewScenarioValidator(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.NotNil(t, v.scenarioSchema)
}

// --- ValidateScenario ---

func TestValidateScenario_Nil(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateScenario(nil)
	require.Error(t, err)

	gerr, ok := err.(*schema.GateError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
	assert.Contains(t, gerr.Message, "nil")
}

func TestValidateScenario_Valid(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateScenario(map[string]any{
		"material_class":        "Class 7",
		"package_type":          "Type B(U)",
		"ambient_temperature_c": 38.1,
		"transport_index":       0.5,
		"description":           "borderline temperature",
	})
	assert.NoError(t, err)
}

func TestValidateScenario_UnknownFieldsAllowed(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateScenario(map[string]any{
		"material_class": "Class 3",
		"carrier":        "ACME Logistics",
		"route":          []any{"DEN", "SLC"},
	})
	assert.NoError(t, err)
}

func TestValidateScenario_MissingMaterialClass(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateScenario(map[string]any{
		"package_type": "Type A",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateScenario_WrongTypes(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateScenario(map[string]any{
		"material_class":        "Class 7",
		"ambient_temperature_c": "hot",
		"transport_index":       -1.0,
	})
	require.Error(t, err)

	gerr, ok := err.(*schema.GateError)
	require.True(t, ok)
	violations, ok := gerr.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

// --- ValidateAgainst ---

func TestValidateAgainst_EmptySchemaSkips(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateAgainst(map[string]any{"anything": true}, nil)
	assert.NoError(t, err)
}

func TestValidateAgainst_CallerSchema(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	callerSchema := []byte(`{
		"type": "object",
		"required": ["un_number"],
		"properties": {
			"un_number": {"type": "string", "pattern": "^UN[0-9]{4}$"}
		}
	}`)

	err = v.ValidateAgainst(map[string]any{"un_number": "UN2910"}, callerSchema)
	assert.NoError(t, err)

	err = v.ValidateAgainst(map[string]any{"un_number": "2910"}, callerSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateAgainst_InvalidSchema(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	err = v.ValidateAgainst(map[string]any{"x": 1}, []byte(`{"type": 42}`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateAgainst_SchemaCacheIsConcurrencySafe(t *testing.T) {
	v, err := NewScenarioValidator()
	require.NoError(t, err)

	callerSchema := []byte(`{"type": "object", "required": ["material_class"]}`)
	data := map[string]any{"material_class": "Class 1"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateAgainst(data, callerSchema))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
