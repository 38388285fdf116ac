// Package openai implements llm.Provider against OpenAI-compatible chat
// completions endpoints (OpenAI, OpenRouter, local gateways).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/user/canvasforge/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
// The underlying http.Client carries no global timeout: streamed responses
// stay open for the duration of the generation and are bounded by ctx.
func New(config *llm.Config) *Client {
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model             string        `json:"model"`
	Messages          []llm.Message `json:"messages"`
	Tools             []llm.Tool    `json:"tools,omitempty"`
	ToolChoice        any           `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool         `json:"parallel_tool_calls,omitempty"`
	Stream            bool          `json:"stream"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
}

// chatResponse is the non-streaming chat completions response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   *string        `json:"content"`
			ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamRecord is one decoded "data:" line of a streamed response.
type streamRecord struct {
	Choices []struct {
		Delta struct {
			Content   *string             `json:"content"`
			ToolCalls []llm.ToolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) newRequest(ctx context.Context, messages []llm.Message, tools []llm.Tool, stream bool) (*http.Request, error) {
	reqBody := chatRequest{
		Model:             c.config.Model,
		Messages:          messages,
		Stream:            stream,
		MaxTokens:         c.config.MaxTokens,
		ParallelToolCalls: c.config.ParallelToolCalls,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
		reqBody.ToolChoice = c.config.ToolChoice
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	return req, nil
}

// Complete sends a non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	req, err := c.newRequest(ctx, messages, tools, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &llm.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := chatResp.Choices[0].Message
	out := &llm.Response{
		ToolCalls: msg.ToolCalls,
		Usage: llm.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}
	if msg.Content != nil {
		out.Content = *msg.Content
	}
	return out, nil
}

// Stream sends a chat completion request and returns a lazy sequence of
// chunks terminated by llm.DoneChunk. The wire format is newline-delimited
// records prefixed "data: " and terminated by a literal [DONE] sentinel.
// Records split across read boundaries are reassembled by the buffered
// reader; malformed records are skipped so provider noise never kills a
// stream. If ctx is cancelled before any bytes arrive the channel closes
// empty with no error.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Chunk, error) {
	if c.config.NonStreaming {
		return c.completeAsStream(ctx, messages, tools)
	}

	req, err := c.newRequest(ctx, messages, tools, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Aborted before the response arrived; end quietly.
			return closedChunkChan(), nil
		}
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &llm.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				if c.emitLine(ctx, out, line) {
					return
				}
			}
			if err != nil {
				break
			}
		}
		send(ctx, out, llm.DoneChunk{})
	}()
	return out, nil
}

// emitLine decodes one wire line and forwards its chunks. It reports whether
// the stream is finished (either [DONE] or a dead consumer).
func (c *Client) emitLine(ctx context.Context, out chan<- llm.Chunk, line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data: ") {
		return false
	}
	payload := strings.TrimPrefix(line, "data: ")
	if payload == "[DONE]" {
		send(ctx, out, llm.DoneChunk{})
		return true
	}

	var rec streamRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return false // provider noise, skip
	}
	if len(rec.Choices) == 0 {
		return false
	}

	delta := rec.Choices[0].Delta
	if len(delta.ToolCalls) > 0 {
		if !send(ctx, out, llm.ToolCallsChunk{Deltas: delta.ToolCalls}) {
			return true
		}
	}
	if delta.Content != nil {
		if !send(ctx, out, llm.TextChunk{Text: *delta.Content}) {
			return true
		}
	}
	return false
}

// completeAsStream issues one blocking request and replays the response as at
// most one tool-calls chunk, at most one text chunk, then done.
func (c *Client) completeAsStream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Chunk, error) {
	resp, err := c.Complete(ctx, messages, tools)
	if err != nil {
		if ctx.Err() != nil {
			return closedChunkChan(), nil
		}
		return nil, err
	}

	out := make(chan llm.Chunk, 3)
	if len(resp.ToolCalls) > 0 {
		deltas := make([]llm.ToolCallDelta, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			deltas[i] = llm.ToolCallDelta{
				Index: i,
				ID:    tc.ID,
				Type:  tc.Type,
				Function: llm.FunctionDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		}
		out <- llm.ToolCallsChunk{Deltas: deltas}
	}
	if resp.Content != "" {
		out <- llm.TextChunk{Text: resp.Content}
	}
	out <- llm.DoneChunk{}
	close(out)
	return out, nil
}

// send delivers a chunk unless the consumer is gone. Returns false when ctx
// ended before the chunk could be delivered.
func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func closedChunkChan() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}
