package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/relay/pkg/agent"
	"github.com/relayworks/relay/pkg/event"
	"github.com/relayworks/relay/pkg/state"
)

// scriptedLLM replays a fixed sequence of results.
type scriptedLLM struct {
	mu    sync.Mutex
	steps []func(req *agent.LLMRequest) (*agent.LLMResult, error)
	calls int
}

func (s *scriptedLLM) Generate(_ context.Context, req *agent.LLMRequest) (*agent.LLMResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.steps) {
		return nil, fmt.Errorf("unexpected LLM call %d", s.calls+1)
	}
	step := s.steps[s.calls]
	s.calls++
	return step(req)
}

func respond(text string) func(*agent.LLMRequest) (*agent.LLMResult, error) {
	return func(*agent.LLMRequest) (*agent.LLMResult, error) {
		return &agent.LLMResult{Response: text}, nil
	}
}

func requestTools(reqs ...agent.ToolRequest) func(*agent.LLMRequest) (*agent.LLMResult, error) {
	return func(*agent.LLMRequest) (*agent.LLMResult, error) {
		return &agent.LLMResult{ToolRequests: reqs}, nil
	}
}

func calculatorContracts() event.ServiceContracts {
	return event.ServiceContracts{
		"com.calculator.execute": {
			URI:     "service://calculator",
			Version: "1.0.0",
			Accepts: "com.calculator.execute",
			Emits:   []string{"evt.calculator.execute.success"},
		},
	}
}

func newTestHandler(t *testing.T, llm agent.LLMAdapter, opts func(*Config)) (*Resumable, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore(state.MemoryConfig{})
	cfg := Config{
		Self: agent.Identity{Alias: "calculator-agent", Source: "agent.calculator"},
		Contract: event.ResumableContract{
			Contract: event.Contract{
				URI:     "agent://calculator",
				Version: "1.0.0",
				Accepts: "evt.calculation.request",
				Emits:   []string{"evt.calculation.done"},
			},
			CompletionType: "evt.calculation.done",
		},
		Services: calculatorContracts(),
		Tools: []agent.ToolDescriptor{
			{Name: "com.calculator.execute", Description: "Evaluates an expression"},
		},
		LLM:   llm,
		Store: store,
	}
	if opts != nil {
		opts(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)
	return h, store
}

func initEvent(subject, message string) event.Event {
	return event.New("gateway", "evt.calculation.request", subject, map[string]any{"message": message})
}

func TestHappyPathSingleTool(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(agent.ToolRequest{
			ID: "tu_1", Type: "com_calculator_execute",
			Data: map[string]any{"expression": "2+2"},
		}),
		respond("4"),
	}}
	h, store := newTestHandler(t, llm, nil)
	ctx := context.Background()

	// Init: one outbound tool-call event.
	out, err := h.Handle(ctx, initEvent("subj-1", "add 2 and 2"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	call := out[0]
	assert.Equal(t, "com.calculator.execute", call.Type)
	assert.Equal(t, "2+2", call.Data["expression"])
	assert.Equal(t, "subj-1", call.Data["parentSubject"])
	assert.Equal(t, "tu_1", call.Data["toolUseId"])
	assert.NotEqual(t, "subj-1", call.Subject, "tool calls start a fresh child subject")

	// The instance is persisted and unlocked between events.
	inst, err := store.Read(ctx, "subj-1")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, 1, inst.ToolInteractions)
	assert.Equal(t, map[string]int{"com.calculator.execute": 1}, inst.ExpectedToolTypes)

	// Reply arrives: handler resumes and completes.
	reply := event.New("svc.calculator", "evt.calculator.execute.success", "subj-1", map[string]any{
		"result":    4,
		"toolUseId": "tu_1",
	})
	out, err = h.Handle(ctx, reply)
	require.NoError(t, err)
	require.Len(t, out, 1)
	done := out[0]
	assert.Equal(t, "evt.calculation.done", done.Type)
	assert.Equal(t, "subj-1", done.Subject)
	output, ok := done.Data["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "4", output["response"])

	// Completion cleans the instance up.
	inst, err = store.Read(ctx, "subj-1")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestPartialCollection(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(
			agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "1+1"}},
			agent.ToolRequest{ID: "tu_2", Type: "com_calculator_execute", Data: map[string]any{"expression": "2+2"}},
		),
		respond("2 and 4"),
	}}
	h, store := newTestHandler(t, llm, nil)
	ctx := context.Background()

	out, err := h.Handle(ctx, initEvent("subj-2", "two sums"))
	require.NoError(t, err)
	require.Len(t, out, 2)

	// First reply: collected, no emission.
	reply1 := event.New("svc.calculator", "evt.calculator.execute.success", "subj-2", map[string]any{
		"result": 2, "toolUseId": "tu_1",
	})
	out, err = h.Handle(ctx, reply1)
	require.NoError(t, err)
	assert.Empty(t, out)

	inst, err := store.Read(ctx, "subj-2")
	require.NoError(t, err)
	require.Len(t, inst.Collected, 1)

	// Second reply: batch complete, resume and finish.
	reply2 := event.New("svc.calculator", "evt.calculator.execute.success", "subj-2", map[string]any{
		"result": 4, "toolUseId": "tu_2",
	})
	out, err = h.Handle(ctx, reply2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt.calculation.done", out[0].Type)
}

func TestErrorReplyBecomesStructuredResult(t *testing.T) {
	var sawContent any
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "1/0"}}),
		func(req *agent.LLMRequest) (*agent.LLMResult, error) {
			last := req.Messages[len(req.Messages)-1]
			sawContent = last.Content[0].ToolResult.Content
			return &agent.LLMResult{Response: "The calculator failed."}, nil
		},
	}}
	h, _ := newTestHandler(t, llm, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, initEvent("subj-3", "divide by zero"))
	require.NoError(t, err)

	errReply := event.New("svc.calculator", "com.calculator.execute.error", "subj-3", map[string]any{
		"errorName":    "DivisionByZero",
		"errorMessage": "cannot divide by zero",
		"toolUseId":    "tu_1",
	})
	out, err := h.Handle(ctx, errReply)
	require.NoError(t, err)
	require.Len(t, out, 1)

	content, ok := sawContent.(map[string]any)
	require.True(t, ok, "error reply should surface as a structured tool_result")
	assert.Equal(t, "DivisionByZero", content["error"])
	assert.Contains(t, content["instruction"], "Do not retry")
}

func TestUnknownSubjectIsNoOp(t *testing.T) {
	h, _ := newTestHandler(t, &scriptedLLM{}, nil)
	reply := event.New("svc.calculator", "evt.calculator.execute.success", "nobody-home", map[string]any{"result": 4})
	out, err := h.Handle(context.Background(), reply)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUnrecognizedReplyTypeIsFatal(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "2+2"}}),
	}}
	h, _ := newTestHandler(t, llm, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, initEvent("subj-4", "add"))
	require.NoError(t, err)

	bogus := event.New("svc.mystery", "evt.mystery.reply", "subj-4", map[string]any{})
	_, err = h.Handle(ctx, bogus)
	require.Error(t, err)
	var rtErr *agent.RuntimeError
	assert.ErrorAs(t, err, &rtErr)
	assert.False(t, h.Accepts("evt.mystery.reply"))
}

func TestLockContentionIsRetryable(t *testing.T) {
	h, store := newTestHandler(t, &scriptedLLM{}, func(cfg *Config) {
		cfg.Store = nil // replaced below
		store := state.NewMemoryStore(state.MemoryConfig{
			Lock: state.LockConfig{MaxRetries: 1, InitialDelay: 1},
		})
		cfg.Store = store
	})
	_ = store

	ctx := context.Background()
	// Hold the lock so Handle cannot acquire it.
	require.True(t, h.cfg.Store.Lock(ctx, "subj-5"))
	defer h.cfg.Store.Unlock("subj-5")

	_, err := h.Handle(ctx, initEvent("subj-5", "add"))
	require.Error(t, err)
	assert.True(t, agent.IsRetryable(err))
}

func TestApprovalFlow(t *testing.T) {
	approvals := state.NewMemoryApprovals()
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		// Iteration 1: the LLM asks for approval first.
		requestTools(agent.ToolRequest{
			ID: "tu_1", Type: "com_review_request",
			Data: map[string]any{"tool": "com.danger.delete"},
		}),
		// Iteration 2 (after approval): the restricted tool is called.
		requestTools(agent.ToolRequest{
			ID: "tu_2", Type: "com_danger_delete",
			Data: map[string]any{"target": "stale-cache"},
		}),
		respond("deleted"),
	}}
	h, _ := newTestHandler(t, llm, func(cfg *Config) {
		cfg.Approvals = approvals
		cfg.ApprovalDomain = "human"
		cfg.Tools = append(cfg.Tools, agent.ToolDescriptor{
			Name: "com.danger.delete", RequiresApproval: true,
		})
		cfg.ApprovalTools = []agent.ToolDescriptor{
			{Name: "com.review.request", Description: "Ask a human for approval"},
		}
		cfg.Services["com.danger.delete"] = event.Contract{
			URI: "service://danger", Version: "1.0.0",
			Accepts: "com.danger.delete",
			Emits:   []string{"evt.danger.delete.done"},
		}
		cfg.Services["com.review.request"] = event.Contract{
			URI: "service://review", Version: "1.0.0",
			Accepts: "com.review.request",
			Emits:   []string{"evt.review.response"},
		}
	})
	ctx := context.Background()

	out, err := h.Handle(ctx, initEvent("subj-6", "delete the stale cache"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "com.review.request", out[0].Type)
	assert.Equal(t, "human", out[0].Domain, "approval calls route to the human-interaction domain")

	// Human approves: the decision lands in the cache before the resume.
	approval := event.New("svc.review", "evt.review.response", "subj-6", map[string]any{
		"approvals": map[string]any{"com.danger.delete": true},
		"toolUseId": "tu_1",
	})
	out, err = h.Handle(ctx, approval)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "com.danger.delete", out[0].Type)

	cached, err := approvals.GetBatched(ctx, "agent.calculator", []string{"com.danger.delete"})
	require.NoError(t, err)
	assert.True(t, cached["com.danger.delete"].Value)

	// Tool reply completes the flow.
	done := event.New("svc.danger", "evt.danger.delete.done", "subj-6", map[string]any{
		"status": "ok", "toolUseId": "tu_2",
	})
	out, err = h.Handle(ctx, done)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt.calculation.done", out[0].Type)
}

func TestScopeMatchWithoutCorrelationID(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "2+2"}}),
		respond("4"),
	}}
	h, _ := newTestHandler(t, llm, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, initEvent("subj-7", "add 2 and 2"))
	require.NoError(t, err)

	// Reply without toolUseId: scope-matched to the only pending tool_use.
	reply := event.New("svc.calculator", "evt.calculator.execute.success", "subj-7", map[string]any{"result": 4})
	out, err := h.Handle(ctx, reply)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt.calculation.done", out[0].Type)
}

func TestScopeMatchAmbiguityLeavesReplyUncorrelated(t *testing.T) {
	var resumed []agent.Message
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(
			agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "1+1"}},
			agent.ToolRequest{ID: "tu_2", Type: "com_calculator_execute", Data: map[string]any{"expression": "2+2"}},
		),
		func(req *agent.LLMRequest) (*agent.LLMResult, error) {
			resumed = req.Messages
			return &agent.LLMResult{Response: "4"}, nil
		},
	}}
	h, _ := newTestHandler(t, llm, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, initEvent("subj-8", "two sums"))
	require.NoError(t, err)

	// Two pending tool_uses of the same type: a reply without toolUseId is
	// ambiguous and must not bind to either of them.
	vague := event.New("svc.calculator", "evt.calculator.execute.success", "subj-8", map[string]any{"result": 2})
	out, err := h.Handle(ctx, vague)
	require.NoError(t, err)
	assert.Empty(t, out)

	correlated := event.New("svc.calculator", "evt.calculator.execute.success", "subj-8", map[string]any{
		"result": 4, "toolUseId": "tu_2",
	})
	out, err = h.Handle(ctx, correlated)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "evt.calculation.done", out[0].Type)

	// Only the correlated result reached the transcript.
	last := resumed[len(resumed)-1]
	require.Len(t, last.Content, 1)
	assert.Equal(t, "tu_2", last.Content[0].ToolResult.ToolUseID)
}

func TestDelegatedCompletionRoutesToParent(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		respond("done"),
	}}
	h, _ := newTestHandler(t, llm, nil)

	evt := event.New("agent.parent", "evt.calculation.request", "child-subj", map[string]any{
		"message":       "do it",
		"parentSubject": "parent-subj",
		"delegatedBy":   map[string]any{"alias": "parent-agent", "source": "agent.parent"},
	})
	out, err := h.Handle(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "parent-subj", out[0].Subject, "completion keys the caller's workflow")
	assert.Equal(t, "agent.parent", out[0].To)
}

// llmFunc is a stateless adapter for concurrency tests: scripted steps would
// interleave across instances.
type llmFunc func(req *agent.LLMRequest) (*agent.LLMResult, error)

func (f llmFunc) Generate(_ context.Context, req *agent.LLMRequest) (*agent.LLMResult, error) {
	return f(req)
}

func TestConcurrentInstancesAreIsolated(t *testing.T) {
	// First call per instance requests the calculator with the user's
	// expression; after the tool result arrives, echo it back.
	llm := llmFunc(func(req *agent.LLMRequest) (*agent.LLMResult, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			for _, item := range req.Messages[i].Content {
				if item.ToolResult != nil {
					content, _ := item.ToolResult.Content.(map[string]any)
					return &agent.LLMResult{Response: fmt.Sprintf("%v", content["result"])}, nil
				}
			}
		}
		return &agent.LLMResult{ToolRequests: []agent.ToolRequest{{
			ID: "tu_1", Type: "com_calculator_execute",
			Data: map[string]any{"expression": req.Messages[0].Text()},
		}}}, nil
	})
	h, store := newTestHandler(t, llm, nil)
	ctx := context.Background()

	const instances = 8
	var wg sync.WaitGroup
	errs := make([]error, instances)

	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := fmt.Sprintf("subj-iso-%d", i)
			expr := fmt.Sprintf("%d+%d", i, i)

			out, err := h.Handle(ctx, initEvent(subject, expr))
			if err != nil {
				errs[i] = err
				return
			}
			if len(out) != 1 || out[0].Data["expression"] != expr {
				errs[i] = fmt.Errorf("instance %d: unexpected outbound %v", i, out)
				return
			}

			reply := event.New("svc.calculator", "evt.calculator.execute.success", subject, map[string]any{
				"result": i * 2, "toolUseId": "tu_1",
			})
			out, err = h.Handle(ctx, reply)
			if err != nil {
				errs[i] = err
				return
			}
			if len(out) != 1 {
				errs[i] = fmt.Errorf("instance %d: expected completion, got %v", i, out)
				return
			}
			output, _ := out[0].Data["output"].(map[string]any)
			if output["response"] != fmt.Sprintf("%d", i*2) {
				errs[i] = fmt.Errorf("instance %d: cross-talk, got %v", i, output)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "instance %d", i)
	}
	assert.Equal(t, 0, store.Len(), "all instances cleaned up after completion")
}

func TestDuplicateInitIgnored(t *testing.T) {
	llm := &scriptedLLM{steps: []func(*agent.LLMRequest) (*agent.LLMResult, error){
		requestTools(agent.ToolRequest{ID: "tu_1", Type: "com_calculator_execute", Data: map[string]any{"expression": "2+2"}}),
	}}
	h, _ := newTestHandler(t, llm, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, initEvent("subj-8", "add"))
	require.NoError(t, err)

	out, err := h.Handle(ctx, initEvent("subj-8", "add again"))
	require.NoError(t, err)
	assert.Empty(t, out)
}
