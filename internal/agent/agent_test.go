package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/canvasforge/internal/tools"
	"github.com/user/canvasforge/pkg/llm"
)

// fakeProvider replays one scripted chunk sequence per cycle.
type fakeProvider struct {
	turns    [][]llm.Chunk
	requests [][]llm.Message
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message, t []llm.Tool) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message, t []llm.Tool) (<-chan llm.Chunk, error) {
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	f.requests = append(f.requests, snapshot)

	var chunks []llm.Chunk
	if len(f.requests) <= len(f.turns) {
		chunks = f.turns[len(f.requests)-1]
	}
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type failingTool struct{}

func (failingTool) Name() string                 { return "boom" }
func (failingTool) Description() string          { return "Always fails" }
func (failingTool) Parameters() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (failingTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", errors.New("kaboom")
}

type captureTool struct {
	name string
	args []string
}

func (c *captureTool) Name() string                { return c.name }
func (c *captureTool) Description() string         { return "captures args" }
func (c *captureTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (c *captureTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	c.args = append(c.args, string(args))
	return `{"ok":true}`, nil
}

func toolCallTurn(name, args string) []llm.Chunk {
	return []llm.Chunk{
		llm.ToolCallsChunk{Deltas: []llm.ToolCallDelta{{
			Index:    0,
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionDelta{Name: name, Arguments: args},
		}}},
		llm.DoneChunk{},
	}
}

func textTurn(parts ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.TextChunk{Text: p})
	}
	return append(chunks, llm.DoneChunk{})
}

func TestRunToolRoundTrip(t *testing.T) {
	capture := &captureTool{name: "echo"}
	registry := tools.NewRegistry()
	registry.Register(capture)

	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("echo", `{"payload":"x"}`),
		textTurn("<div>", "done</div>"),
	}}

	result, err := New(provider, registry).Run(context.Background(), "draw", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "<div>done</div>" {
		t.Fatalf("expected final text, got %q", result.Text)
	}
	if len(capture.args) != 1 || capture.args[0] != `{"payload":"x"}` {
		t.Errorf("expected tool invoked with args, got %v", capture.args)
	}

	// Second request must contain the assistant tool-call turn (null content)
	// and the tool result turn.
	second := provider.requests[1]
	var sawAssistant, sawToolResult bool
	for _, m := range second {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			sawAssistant = true
			if m.Content != nil {
				t.Error("assistant tool-call turn must have null content")
			}
		}
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawToolResult = true
			if m.Text() != `{"ok":true}` {
				t.Errorf("unexpected tool result content: %q", m.Text())
			}
		}
	}
	if !sawAssistant || !sawToolResult {
		t.Errorf("conversation missing tool turns: %+v", second)
	}
}

func TestToolFailureIsIsolated(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(failingTool{})

	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("boom", `{}`),
		textTurn("recovered"),
	}}

	result, err := New(provider, registry).Run(context.Background(), "go", Options{})
	if err != nil {
		t.Fatalf("tool failure must not abort the loop: %v", err)
	}
	if result.Text != "recovered" {
		t.Fatalf("expected loop to continue past the failure, got %q", result.Text)
	}

	second := provider.requests[1]
	found := false
	for _, m := range second {
		if m.Role == "tool" && strings.Contains(m.Text(), `"error"`) && strings.Contains(m.Text(), "kaboom") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error tool-result turn, got %+v", second)
	}
}

func TestUnknownToolSilentlySkipped(t *testing.T) {
	registry := tools.NewRegistry()

	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("nonexistent", `{}`),
		textTurn("ok"),
	}}

	result, err := New(provider, registry).Run(context.Background(), "go", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "ok" {
		t.Fatalf("expected loop to continue, got %q", result.Text)
	}
	// No tool-result turn is appended for the unknown name.
	for _, m := range provider.requests[1] {
		if m.Role == "tool" {
			t.Errorf("unexpected tool turn for unknown tool: %+v", m)
		}
	}
}

func TestArgumentRepair(t *testing.T) {
	capture := &captureTool{name: "echo"}
	registry := tools.NewRegistry()
	registry.Register(capture)

	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("echo", `{"a":1,}`),
		textTurn("done"),
	}}

	if _, err := New(provider, registry).Run(context.Background(), "go", Options{}); err != nil {
		t.Fatal(err)
	}
	if len(capture.args) != 1 || capture.args[0] != `{"a":1}` {
		t.Errorf("expected repaired arguments, got %v", capture.args)
	}
}

func TestUnrepairableArgumentsFallBackToEmptyObject(t *testing.T) {
	capture := &captureTool{name: "echo"}
	registry := tools.NewRegistry()
	registry.Register(capture)

	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("echo", `{"a": [broken`),
		textTurn("done"),
	}}

	if _, err := New(provider, registry).Run(context.Background(), "go", Options{}); err != nil {
		t.Fatal(err)
	}
	if len(capture.args) != 1 || capture.args[0] != `{}` {
		t.Errorf("expected empty-object fallback, got %v", capture.args)
	}
}

func TestEmptyStreamReturnsEmptyResult(t *testing.T) {
	provider := &fakeProvider{turns: [][]llm.Chunk{{}}} // zero chunks, not even done

	result, err := New(provider, tools.NewRegistry()).Run(context.Background(), "go", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "" || len(result.Messages) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if len(provider.requests) != 1 {
		t.Errorf("expected loop to stop after the empty stream, got %d requests", len(provider.requests))
	}
}

func TestEmptyTurnIsNotTerminal(t *testing.T) {
	// A done-only turn means "chunks arrived but no content": keep cycling.
	provider := &fakeProvider{turns: [][]llm.Chunk{
		{llm.DoneChunk{}},
		textTurn("eventually"),
	}}

	result, err := New(provider, tools.NewRegistry()).Run(context.Background(), "go", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "eventually" {
		t.Fatalf("expected second cycle to produce text, got %q", result.Text)
	}
}

func TestCycleBudgetExhaustion(t *testing.T) {
	capture := &captureTool{name: "echo"}
	registry := tools.NewRegistry()
	registry.Register(capture)

	// Every turn requests another tool call; the budget must stop the loop.
	provider := &fakeProvider{turns: [][]llm.Chunk{
		toolCallTurn("echo", `{}`),
		toolCallTurn("echo", `{}`),
		toolCallTurn("echo", `{}`),
	}}

	result, err := New(provider, registry).Run(context.Background(), "go", Options{Cycles: 3})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "" {
		t.Fatalf("expected empty result after exhausted budget, got %q", result.Text)
	}
	if len(provider.requests) != 3 {
		t.Errorf("expected exactly 3 cycles, got %d", len(provider.requests))
	}
}

func TestStreamedTextReachesCallback(t *testing.T) {
	provider := &fakeProvider{turns: [][]llm.Chunk{textTurn("<div", "></div>")}}

	var streamed []string
	result, err := New(provider, tools.NewRegistry()).Run(context.Background(), "draw a red circle", Options{
		OnText: func(s string) { streamed = append(streamed, s) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "<div></div>" {
		t.Fatalf("expected concatenated text, got %q", result.Text)
	}
	if len(streamed) != 2 || streamed[0] != "<div" || streamed[1] != "></div>" {
		t.Errorf("expected fragments in arrival order, got %v", streamed)
	}
}

func TestHistoryAndSystemPromptPlacement(t *testing.T) {
	provider := &fakeProvider{turns: [][]llm.Chunk{textTurn("hi")}}

	_, err := New(provider, tools.NewRegistry()).Run(context.Background(), "now", Options{
		SystemPrompt: "html only",
		History:      []llm.Message{llm.UserMessage("before"), llm.AssistantMessage("earlier")},
	})
	if err != nil {
		t.Fatal(err)
	}

	sent := provider.requests[0]
	if len(sent) != 4 {
		t.Fatalf("expected system+history+user, got %d messages", len(sent))
	}
	if sent[0].Role != "system" || sent[0].Text() != "html only" {
		t.Errorf("unexpected system turn: %+v", sent[0])
	}
	if sent[3].Role != "user" || sent[3].Text() != "now" {
		t.Errorf("unexpected final user turn: %+v", sent[3])
	}
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &fakeProvider{turns: [][]llm.Chunk{textTurn("never")}}
	result, err := New(provider, tools.NewRegistry()).Run(ctx, "go", Options{})
	if err != nil {
		t.Fatalf("cancellation must not raise, got %v", err)
	}
	if result.Text != "" {
		t.Fatalf("expected no final text after cancellation, got %q", result.Text)
	}
	if len(provider.requests) != 0 {
		t.Errorf("expected no provider calls after pre-cancelled ctx, got %d", len(provider.requests))
	}
}
