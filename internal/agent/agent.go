// Package agent implements the tool-using completion loop: send the
// conversation, stream the reply, execute any requested tools, feed the
// results back, and repeat until the model produces plain text or the cycle
// budget runs out.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/user/canvasforge/internal/tools"
	"github.com/user/canvasforge/pkg/llm"
)

// DefaultCycles bounds the number of request/tool rounds per run.
const DefaultCycles = 5

const defaultSystemPrompt = "You are a helpful, tool-using assistant."

// Loop drives one provider against one tool registry. A Loop is stateless
// across runs; each Run owns its conversation and accumulators, so
// independent runs may execute concurrently.
type Loop struct {
	provider llm.Provider
	registry *tools.Registry
}

// New creates a Loop with the given provider and registry.
func New(provider llm.Provider, registry *tools.Registry) *Loop {
	return &Loop{provider: provider, registry: registry}
}

// Options configures a single run.
type Options struct {
	// Cycles caps request/tool rounds; 0 means DefaultCycles.
	Cycles int
	// SystemPrompt replaces the default system turn.
	SystemPrompt string
	// History is prior conversation (excluding system), prepended before the
	// new user input.
	History []llm.Message
	// OnText is invoked for every streamed text fragment, in arrival order.
	OnText func(text string)
}

// Result is the outcome of a run. An empty Text with empty Messages means the
// run produced nothing (empty stream or exhausted budget); the caller decides
// whether to retry.
type Result struct {
	Messages []llm.Message
	Text     string
}

// Run executes the loop for one user input. Transport errors from the
// provider surface as the returned error; tool failures and malformed
// arguments never do. Cancelling ctx stops further cycles and returns
// whatever partial state existed, without an error.
func (l *Loop) Run(ctx context.Context, userInput string, opts Options) (*Result, error) {
	cycles := opts.Cycles
	if cycles <= 0 {
		cycles = DefaultCycles
	}
	system := opts.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	messages := make([]llm.Message, 0, len(opts.History)+2)
	messages = append(messages, llm.SystemMessage(system))
	messages = append(messages, opts.History...)
	messages = append(messages, llm.UserMessage(userInput))

	for cycle := 0; cycle < cycles; cycle++ {
		if ctx.Err() != nil {
			return &Result{Messages: messages}, nil
		}

		stream, err := l.provider.Stream(ctx, messages, l.registry.Specs())
		if err != nil {
			return nil, err
		}

		acc := NewAccumulator()
		var finalText strings.Builder
		gotAny := false
		for chunk := range stream {
			gotAny = true
			switch c := chunk.(type) {
			case llm.TextChunk:
				if c.Text == "" {
					continue
				}
				finalText.WriteString(c.Text)
				if opts.OnText != nil {
					opts.OnText(c.Text)
				}
			case llm.ToolCallsChunk:
				for _, d := range c.Deltas {
					acc.Add(d)
				}
			case llm.DoneChunk:
				// Terminal marker, no payload.
			}
		}

		if ctx.Err() != nil {
			return &Result{Messages: messages}, nil
		}

		if calls := acc.Finalize(); len(calls) > 0 {
			messages = append(messages, llm.AssistantToolCalls(calls))
			messages = l.executeCalls(ctx, messages, calls)
			continue
		}

		// Nothing arrived at all: stop so the caller can decide to retry.
		if !gotAny {
			return &Result{}, nil
		}

		if text := finalText.String(); strings.TrimSpace(text) != "" {
			messages = append(messages, llm.AssistantMessage(text))
			return &Result{Messages: messages, Text: text}, nil
		}

		// Chunks arrived but carried neither tools nor text: an empty turn,
		// not a failure. Try again within the budget.
	}

	return &Result{}, nil
}

// executeCalls runs each requested tool in order and appends its result turn.
// Unknown tool names are skipped; handler failures become {"error": ...} tool
// results. Neither aborts the loop.
func (l *Loop) executeCalls(ctx context.Context, messages []llm.Message, calls []llm.ToolCall) []llm.Message {
	for _, call := range calls {
		name := call.Function.Name
		tool, ok := l.registry.Get(name)
		if !ok {
			slog.Warn("model requested unknown tool", "tool", name)
			continue
		}

		args := parseArguments(call.Function.Arguments)
		result, err := tool.Execute(ctx, args)
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			messages = append(messages, llm.ToolMessage(name, call.ID, string(payload)))
			continue
		}
		messages = append(messages, llm.ToolMessage(name, call.ID, result))
	}
	return messages
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// parseArguments turns a streamed argument string into a JSON object. Invalid
// JSON gets one best-effort repair (dropping trailing commas before closing
// brackets) before falling back to an empty object: argument noise must never
// abort a cycle.
func parseArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	if fixed := trailingComma.ReplaceAllString(raw, "$1"); json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed)
	}
	return json.RawMessage(`{}`)
}
