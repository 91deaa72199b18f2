// Package validate builds the runner's tool-input and final-output
// validators on compiled JSON Schemas. Validation failures are non-fatal:
// they are returned as structured agent.ValidationError values carrying the
// schema so the LLM can self-correct.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relayworks/relay/pkg/agent"
)

// compile turns a raw schema document into a compiled validator.
func compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// InputValidator returns a validator for tool inputs. Compiled schemas are
// cached per tool name; tools without a schema accept any input.
func InputValidator() agent.InputValidator {
	var mu sync.Mutex
	cache := make(map[string]*jsonschema.Schema)

	return func(tool agent.ToolDescriptor, input map[string]any) *agent.ValidationError {
		if tool.InputSchema == nil {
			return nil
		}
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return &agent.ValidationError{Tool: tool.Name, Message: fmt.Sprintf("invalid input schema: %v", err)}
		}

		mu.Lock()
		compiled, ok := cache[tool.Name]
		mu.Unlock()
		if !ok {
			compiled, err = compile(tool.Name+".schema.json", raw)
			if err != nil {
				return &agent.ValidationError{Tool: tool.Name, Message: err.Error(), Schema: raw}
			}
			mu.Lock()
			cache[tool.Name] = compiled
			mu.Unlock()
		}

		if err := compiled.Validate(normalize(input)); err != nil {
			return &agent.ValidationError{Tool: tool.Name, Message: err.Error(), Schema: raw}
		}
		return nil
	}
}

// OutputValidator returns a validator for the final LLM response against
// the declared output schema. Per the runner contract, an exhausted budget
// accepts any response.
func OutputValidator(schema json.RawMessage) agent.OutputValidator {
	if len(schema) == 0 {
		return nil
	}
	var once sync.Once
	var compiled *jsonschema.Schema
	var compileErr error

	return func(response any, exhausted bool) *agent.ValidationError {
		if exhausted {
			return nil
		}
		once.Do(func() {
			compiled, compileErr = compile("output.schema.json", schema)
		})
		if compileErr != nil {
			return &agent.ValidationError{Message: compileErr.Error(), Schema: schema}
		}
		if err := compiled.Validate(normalize(response)); err != nil {
			return &agent.ValidationError{Message: err.Error(), Schema: schema}
		}
		return nil
	}
}

// normalize round-trips a value through JSON so typed structs and numeric
// kinds match what the schema library expects.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
