package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
)

func calculatorTool() agent.ToolDescriptor {
	return agent.ToolDescriptor{
		Name: "com.calculator.execute",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"expression": map[string]any{"type": "string"}},
			"required":   []any{"expression"},
		},
	}
}

func TestInputValidatorAcceptsValidInput(t *testing.T) {
	validate := InputValidator()
	verr := validate(calculatorTool(), map[string]any{"expression": "2+2"})
	assert.Nil(t, verr)
}

func TestInputValidatorRejectsAndCarriesSchema(t *testing.T) {
	validate := InputValidator()
	verr := validate(calculatorTool(), map[string]any{"expression": 42})
	require.NotNil(t, verr)
	assert.Equal(t, "com.calculator.execute", verr.Tool)
	assert.NotEmpty(t, verr.Message)
	assert.NotEmpty(t, verr.Schema, "failures must carry the schema for self-correction")

	var schema map[string]any
	require.NoError(t, json.Unmarshal(verr.Schema, &schema))
	assert.Equal(t, "object", schema["type"])
}

func TestInputValidatorMissingRequiredField(t *testing.T) {
	validate := InputValidator()
	verr := validate(calculatorTool(), map[string]any{})
	require.NotNil(t, verr)
	assert.Contains(t, verr.Message, "expression")
}

func TestInputValidatorNoSchemaAcceptsAnything(t *testing.T) {
	validate := InputValidator()
	tool := agent.ToolDescriptor{Name: "freeform"}
	assert.Nil(t, validate(tool, map[string]any{"whatever": []any{1, "x"}}))
	assert.Nil(t, validate(tool, nil))
}

func TestInputValidatorCachesCompiledSchema(t *testing.T) {
	validate := InputValidator()
	tool := calculatorTool()
	// Repeated calls against the same tool hit the compiled cache; both
	// outcomes must stay correct.
	for i := 0; i < 3; i++ {
		assert.Nil(t, validate(tool, map[string]any{"expression": "2+2"}))
		assert.NotNil(t, validate(tool, map[string]any{"expression": 42}))
	}
}

func TestOutputValidatorNilWithoutSchema(t *testing.T) {
	assert.Nil(t, OutputValidator(nil))
	assert.Nil(t, OutputValidator(json.RawMessage{}))
}

func TestOutputValidatorChecksResponse(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"result": {"type": "number"}},
		"required": ["result"]
	}`)
	validate := OutputValidator(schema)
	require.NotNil(t, validate)

	assert.Nil(t, validate(map[string]any{"result": 4}, false))

	verr := validate(map[string]any{"result": "four"}, false)
	require.NotNil(t, verr)
	assert.Equal(t, schema, verr.Schema)
}

func TestOutputValidatorExhaustedAcceptsAnything(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["result"]}`)
	validate := OutputValidator(schema)

	assert.Nil(t, validate("free text, not even JSON", true))
	assert.NotNil(t, validate("free text, not even JSON", false))
}

func TestOutputValidatorNormalizesTypedValues(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}}
	}`)
	validate := OutputValidator(schema)

	type resp struct {
		Count int `json:"count"`
	}
	assert.Nil(t, validate(resp{Count: 3}, false))
}
