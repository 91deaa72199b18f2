package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
)

func TestNameFormatterRoundTrip(t *testing.T) {
	f := newNameFormatter()

	names := []string{"com.calculator.execute", "evt.review.request", "plain"}
	for _, raw := range names {
		agentic, err := f.Format(raw)
		require.NoError(t, err)
		assert.NotContains(t, agentic, ".")

		back, ok := f.Reverse(agentic)
		require.True(t, ok)
		assert.Equal(t, raw, back)
	}
}

func TestNameFormatterIdempotent(t *testing.T) {
	f := newNameFormatter()

	first, err := f.Format("com.calculator.execute")
	require.NoError(t, err)
	second, err := f.Format("com.calculator.execute")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNameFormatterCollision(t *testing.T) {
	f := newNameFormatter()

	_, err := f.Format("com.tool.run")
	require.NoError(t, err)

	_, err = f.Format("com_tool.run")
	require.Error(t, err)
	var cfgErr *agent.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNameFormatterUnknownReverse(t *testing.T) {
	f := newNameFormatter()
	_, ok := f.Reverse("never_registered")
	assert.False(t, ok)
}
