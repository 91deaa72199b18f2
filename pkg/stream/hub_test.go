package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
)

func publishTo(t *testing.T, sink agent.StreamSink, typ, subject string) {
	t.Helper()
	require.NoError(t, sink.Publish(context.Background(), agent.StreamEvent{
		Type:    typ,
		Subject: subject,
		Time:    time.Now(),
	}))
}

func TestHubFansOutBySubject(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	chA, cancelA := h.Subscribe("subject-a")
	defer cancelA()
	chB, cancelB := h.Subscribe("subject-b")
	defer cancelB()

	publishTo(t, h, agent.StreamLLMDelta, "subject-a")

	select {
	case evt := <-chA:
		assert.Equal(t, agent.StreamLLMDelta, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber for subject-a received nothing")
	}

	select {
	case evt := <-chB:
		t.Fatalf("subscriber for subject-b received %v", evt)
	default:
	}
}

func TestHubWildcardSubscriberSeesEverything(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	all, cancel := h.Subscribe("")
	defer cancel()

	publishTo(t, h, agent.StreamToolCallStarted, "a")
	publishTo(t, h, agent.StreamToolCallCompleted, "b")

	first := <-all
	second := <-all
	assert.Equal(t, "a", first.Subject)
	assert.Equal(t, "b", second.Subject)
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, cancel := h.Subscribe("s")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultSubscriberBuffer+10; i++ {
			publishTo(t, h, agent.StreamLLMDelta, "s")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Len(t, ch, DefaultSubscriberBuffer)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, cancel := h.Subscribe("s")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic or deliver.
	publishTo(t, h, agent.StreamLLMDelta, "s")
}

func TestHubCloseDropsAllSubscribers(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe("s")
	defer cancel()

	h.Close()
	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields a closed channel.
	late, _ := h.Subscribe("s")
	_, open = <-late
	assert.False(t, open)
}

func TestTeeDeliversToAllSinks(t *testing.T) {
	a := NewHub(nil)
	b := NewHub(nil)
	defer a.Close()
	defer b.Close()

	chA, cancelA := a.Subscribe("")
	defer cancelA()
	chB, cancelB := b.Subscribe("")
	defer cancelB()

	tee := NewTee(nil, a, b)
	publishTo(t, tee, agent.StreamLLMDelta, "s")

	assert.Equal(t, agent.StreamLLMDelta, (<-chA).Type)
	assert.Equal(t, agent.StreamLLMDelta, (<-chB).Type)
}
