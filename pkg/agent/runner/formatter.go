package runner

import (
	"strings"

	"github.com/relayworks/relay/pkg/agent"
)

// nameFormatter maps raw tool names (dotted event types) to agentic names
// the LLM can emit, and back. One formatter per execution: the reverse map
// must never be shared across agents with overlapping tool names.
type nameFormatter struct {
	toAgentic map[string]string
	toRaw     map[string]string
}

func newNameFormatter() *nameFormatter {
	return &nameFormatter{
		toAgentic: make(map[string]string),
		toRaw:     make(map[string]string),
	}
}

// Format registers raw and returns its agentic name. Two distinct raw names
// formatting identically is a configuration error.
func (f *nameFormatter) Format(raw string) (string, error) {
	if agentic, ok := f.toAgentic[raw]; ok {
		return agentic, nil
	}
	agentic := strings.ReplaceAll(raw, ".", "_")
	if existing, ok := f.toRaw[agentic]; ok && existing != raw {
		return "", agent.NewConfigError("tool name collision: %q and %q both format to %q", existing, raw, agentic)
	}
	f.toAgentic[raw] = agentic
	f.toRaw[agentic] = raw
	return agentic, nil
}

// Reverse resolves an agentic name back to the raw name it was formatted from.
func (f *nameFormatter) Reverse(agentic string) (string, bool) {
	raw, ok := f.toRaw[agentic]
	return raw, ok
}
