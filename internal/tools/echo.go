package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Echo returns the provided payload unchanged. Useful as a wiring check for
// the tool-call round trip.
type Echo struct{}

// NewEcho creates a new Echo tool.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string        { return "echo" }
func (e *Echo) Description() string { return "Echo back the provided payload" }
func (e *Echo) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"payload": {"type": "string"}
		},
		"required": ["payload"]
	}`)
}

func (e *Echo) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	result, err := json.Marshal(map[string]string{"payload": params.Payload})
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(result), nil
}
