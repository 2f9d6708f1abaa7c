package orchestrator

import (
	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/trace"
)

// RuntimeConfig bounds a turn. All budgets are fixed at construction.
type RuntimeConfig struct {
	// MaxToolCalls is the hard per-turn ceiling on executed tool calls.
	MaxToolCalls int
	// MaxInvalidToolCalls is the per-turn ceiling on rejected or
	// unparseable tool-call attempts before escalating to the user.
	MaxInvalidToolCalls int
	// MaxMessages caps retained history; 0 disables truncation.
	MaxMessages int
}

// DefaultRuntimeConfig mirrors the shipped loop limits.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{MaxToolCalls: 4, MaxInvalidToolCalls: 2, MaxMessages: 12}
}

// normalized clamps budgets so the loop always makes progress.
func (rc RuntimeConfig) normalized() RuntimeConfig {
	if rc.MaxToolCalls < 1 {
		rc.MaxToolCalls = 1
	}
	if rc.MaxInvalidToolCalls < 1 {
		rc.MaxInvalidToolCalls = 1
	}
	if rc.MaxMessages < 0 {
		rc.MaxMessages = 0
	}
	return rc
}

// ConversationState is the per-session mutable record. It is owned by
// exactly one Orchestrator and must not be shared across goroutines.
type ConversationState struct {
	Messages      []llm.Message
	DefaultsCache map[string]any
	LastAssetID   string

	// Per-turn scratch, reset at the top of every user turn.
	ToolCallsThisTurn     int
	InvalidRetriesThisTurn int

	// Diagnostics for the host.
	LastModelOutput    string
	LastLLMMillis      float64
	LastPromptMessages []llm.Message
	LastTurnEvents     []trace.Event
}

// NewConversationState returns an empty session record.
func NewConversationState() *ConversationState {
	return &ConversationState{
		DefaultsCache: map[string]any{},
	}
}

// beginTurn resets the per-turn counters and diagnostics.
func (s *ConversationState) beginTurn() {
	s.ToolCallsThisTurn = 0
	s.InvalidRetriesThisTurn = 0
	s.LastTurnEvents = nil
	s.LastModelOutput = ""
	s.LastLLMMillis = 0
	s.LastPromptMessages = nil
}

// append adds a message to history and truncates to the retention cap.
func (s *ConversationState) append(rc RuntimeConfig, role, content string) {
	s.Messages = append(s.Messages, llm.Message{Role: role, Content: content})
	s.truncate(rc)
}

// truncate drops the oldest messages beyond MaxMessages. A cap of 0
// retains everything.
func (s *ConversationState) truncate(rc RuntimeConfig) {
	if rc.MaxMessages <= 0 {
		return
	}
	if excess := len(s.Messages) - rc.MaxMessages; excess > 0 {
		s.Messages = append(s.Messages[:0], s.Messages[excess:]...)
	}
}

// mergeDefaults deep-merges per-namespace updates into the cache.
// Namespaces whose value is not a mapping are dropped; backends
// sometimes wrap the real values in an "updated" envelope, which is
// unwrapped first.
func (s *ConversationState) mergeDefaults(updated map[string]any) {
	if s.DefaultsCache == nil {
		s.DefaultsCache = map[string]any{}
	}
	for ns, raw := range updated {
		values, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if wrapped, present := values["updated"]; present {
			inner, ok := wrapped.(map[string]any)
			if !ok {
				continue
			}
			values = inner
		}
		existing, ok := s.DefaultsCache[ns].(map[string]any)
		if !ok {
			existing = map[string]any{}
		}
		for k, v := range values {
			existing[k] = v
		}
		s.DefaultsCache[ns] = existing
	}
}
