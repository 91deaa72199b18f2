package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
)

func sampleInstance(subject string) *Instance {
	return &Instance{
		Subject:             subject,
		MaxToolInteractions: 5,
		Messages: []agent.Message{
			agent.NewTextMessage(agent.RoleUser, "add 2 and 2"),
			agent.NewToolUseMessage(agent.ToolUse{
				ID:    "tu_1",
				Name:  "com_calculator_execute",
				Input: map[string]any{"expression": "2+2", "nested": map[string]any{"a": []any{1, 2}}},
			}),
		},
		ExpectedToolTypes: map[string]int{"com.calculator.execute": 1},
	}
}

func TestReadAbsentReturnsNil(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	inst, err := store.Read(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "s", sampleInstance("s")))
	got, err := store.Read(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s", got.Subject)
	assert.Len(t, got.Messages, 2)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestReadReturnsDeepClone(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, "s", sampleInstance("s")))

	first, err := store.Read(ctx, "s")
	require.NoError(t, err)

	// Mutate everything reachable from the snapshot.
	first.Messages[1].Content[0].ToolUse.Input["expression"] = "tampered"
	nested := first.Messages[1].Content[0].ToolUse.Input["nested"].(map[string]any)
	nested["a"].([]any)[0] = 99
	first.ExpectedToolTypes["com.calculator.execute"] = 42

	second, err := store.Read(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "2+2", second.Messages[1].Content[0].ToolUse.Input["expression"])
	assert.EqualValues(t, 1, second.Messages[1].Content[0].ToolUse.Input["nested"].(map[string]any)["a"].([]any)[0])
	assert.Equal(t, 1, second.ExpectedToolTypes["com.calculator.execute"])
}

func TestWriteStoresClone(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	ctx := context.Background()

	inst := sampleInstance("s")
	require.NoError(t, store.Write(ctx, "s", inst))

	// Mutating the caller's copy after the write must not leak in.
	inst.Messages[0].Content[0].Text = "tampered"

	got, err := store.Read(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "add 2 and 2", got.Messages[0].Content[0].Text)
}

func TestWritePreservesCreatedAt(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "s", sampleInstance("s")))
	first, err := store.Read(ctx, "s")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, store.Write(ctx, "s", first))
	second, err := store.Read(ctx, "s")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
}

func TestCleanupRemovesStateAndLock(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{Lock: LockConfig{MaxRetries: 1, InitialDelay: time.Millisecond}})
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "s", sampleInstance("s")))
	require.True(t, store.Lock(ctx, "s"))

	require.NoError(t, store.Cleanup(ctx, "s"))

	inst, err := store.Read(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, inst)
	// The lock went with it.
	assert.True(t, store.Lock(ctx, "s"))
}

func TestCleanupDisabledRetainsInstance(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{CleanupDisabled: true})
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "s", sampleInstance("s")))
	require.NoError(t, store.Cleanup(ctx, "s"))

	inst, err := store.Read(ctx, "s")
	require.NoError(t, err)
	assert.NotNil(t, inst)
}

func TestClearWipesEverything(t *testing.T) {
	store := NewMemoryStore(MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "a", sampleInstance("a")))
	require.NoError(t, store.Write(ctx, "b", sampleInstance("b")))
	require.Equal(t, 2, store.Len())

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 0, store.Len())
}

func TestInstanceCloneIndependence(t *testing.T) {
	inst := sampleInstance("s")
	inst.Collected = []CollectedReply{{Type: "t", Data: map[string]any{"k": "v"}}}
	inst.DelegatedBy = &agent.Identity{Alias: "parent"}

	cloned := inst.Clone()
	cloned.Collected[0].Data["k"] = "tampered"
	cloned.DelegatedBy.Alias = "tampered"

	assert.Equal(t, "v", inst.Collected[0].Data["k"])
	assert.Equal(t, "parent", inst.DelegatedBy.Alias)
}
