// Package trace defines the structured per-turn events the orchestrator
// publishes and an append-only JSONL sink for writing them out. The
// format is stable and meant for external log consumers; nothing in the
// core interprets it.
package trace

// Event types emitted during a conversation turn, in the order they occur.
const (
	// TypeLLMOutput records one raw model response and its duration.
	TypeLLMOutput = "llm_output"
	// TypeToolCall records a validated tool invocation and its duration.
	TypeToolCall = "tool_call"
	// TypeToolResult records the canonicalized result of a tool call.
	TypeToolResult = "tool_result"
	// TypeValidationError records a rejected tool call.
	TypeValidationError = "validation_error"
	// TypeFinalText records the model's final natural-language answer.
	TypeFinalText = "final_text"
)

// Event is a single structured trace event from one conversation turn.
type Event struct {
	Type       string         `json:"type"`
	Content    string         `json:"content,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS float64        `json:"duration_ms,omitempty"`
}
