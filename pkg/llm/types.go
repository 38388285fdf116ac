package llm

import "encoding/json"

// Message represents a chat message in a conversation. Content is a pointer
// so that assistant turns carrying only tool calls marshal as "content": null,
// which OpenAI-compatible endpoints require.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Text returns the message content, or "" when the content is null.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: "system", Content: &content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: &content}
}

// AssistantMessage builds an assistant-role message with text content.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: &content}
}

// AssistantToolCalls builds an assistant turn that requests tool calls.
// Content is null by protocol convention.
func AssistantToolCalls(calls []ToolCall) Message {
	return Message{Role: "assistant", Content: nil, ToolCalls: calls}
}

// ToolMessage builds a tool-result message linked back to the originating call.
func ToolMessage(name, callID, content string) Message {
	return Message{Role: "tool", Name: name, ToolCallID: callID, Content: &content}
}

// ToolCall represents a complete tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its arguments. Arguments is the
// raw string the provider streamed; it is parsed only at execution time.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a callable capability offered to the model.
type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Function describes a function tool including its JSON-schema parameters.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Response represents a complete, non-streamed response.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments for the
// same call share an index; arguments arrive as string pieces to concatenate.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta is the function portion of a streamed tool-call fragment.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one incremental unit of a streamed completion. It is a sealed sum
// type (TextChunk | ToolCallsChunk | DoneChunk) so consumers can switch
// exhaustively instead of probing optional fields.
type Chunk interface {
	chunk()
}

// TextChunk carries a content fragment.
type TextChunk struct {
	Text string
}

// ToolCallsChunk carries partial tool-call deltas keyed by index.
type ToolCallsChunk struct {
	Deltas []ToolCallDelta
}

// DoneChunk marks the end of the stream. No payload.
type DoneChunk struct{}

func (TextChunk) chunk()      {}
func (ToolCallsChunk) chunk() {}
func (DoneChunk) chunk()      {}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens caps the response length; 0 leaves it to the provider.
	MaxTokens int
	// ToolChoice is the provider tool_choice policy ("auto", "none", or a
	// forced-function object). Nil omits the field.
	ToolChoice any
	// ParallelToolCalls, when set, is forwarded verbatim.
	ParallelToolCalls *bool
	// NonStreaming issues a single blocking request and replays the response
	// as chunks instead of reading a data: stream.
	NonStreaming bool
}
