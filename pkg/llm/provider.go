package llm

import (
	"context"
	"fmt"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a lazy sequence of
	// chunks terminated by DoneChunk. The channel is closed when the stream
	// ends. Cancelling ctx before any bytes arrive closes the channel without
	// surfacing an error: cancellation is not a failure.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Chunk, error)
}

// HTTPError reports a non-2xx status from a completions endpoint. The client
// never retries these itself; retry and fallback policy live in the caller.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider error: %d %s", e.StatusCode, e.Status)
}
