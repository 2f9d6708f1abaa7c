// Package llm provides language-model client implementations.
package llm

import "context"

// Message represents a chat message for the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Client is the interface the orchestrator uses to query a language
// model. A transport failure or malformed response is returned as an
// error and is fatal to the current turn.
type Client interface {
	// Chat sends the full message sequence and returns the model's
	// text output, trimmed of surrounding whitespace.
	Chat(ctx context.Context, messages []Message) (string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
