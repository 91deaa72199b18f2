package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
	"github.com/relayworks/relay/pkg/config"
	"github.com/relayworks/relay/pkg/handler"
	"github.com/relayworks/relay/pkg/state"
)

type nopLLM struct{}

func (nopLLM) Generate(context.Context, *agent.LLMRequest) (*agent.LLMResult, error) {
	return &agent.LLMResult{Response: "ok"}, nil
}

func TestCalculatorHandlerResumesOnReviewReplies(t *testing.T) {
	store := state.NewMemoryStore(state.MemoryConfig{})
	h, err := handler.New(calculatorHandlerConfig(config.Config{}, store, nopLLM{}, nil, nil))
	require.NoError(t, err)

	// Service replies and the human review decision both resume instances.
	assert.True(t, h.Accepts("evt.calculator.execute.success"))
	assert.True(t, h.Accepts("com.calculator.execute.error"))
	assert.True(t, h.Accepts("evt.review.response"))
	assert.True(t, h.Accepts("com.review.request.error"))
	assert.True(t, h.Accepts("evt.calculation.request"))
}

func TestReflectSchemaDerivesObjectSchema(t *testing.T) {
	schema := reflectSchema(&calculatorInput{})
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "expression")
}
