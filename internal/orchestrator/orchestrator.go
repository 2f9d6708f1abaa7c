package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/trace"
)

const systemPrompt = `You control a ComfyUI toolset via tool calls.
You must output either:
1) A strict JSON object: {"tool":"...","args":{...}}
2) A final natural-language response with no JSON.
Never invent tools. Allowed tools: get_defaults, set_defaults, generate_image, regenerate.
Use set_defaults for persistent changes. Use generate_image for one-offs.
Use regenerate for iterations when an asset_id exists.
If a request is ambiguous, ask one clarifying question.
get_defaults takes no arguments.
Keep responses short and deterministic.`

const (
	msgBudgetExhausted  = "I hit the tool-call limit. Tell me what to adjust next."
	msgInvalidEscalate  = "I couldn't make a valid tool call. What should I change next?"
	msgToolCallRequired = "I need a tool call to proceed. What should I change?"

	errEmptyOutput      = "Model returned an empty response. Respond with a tool call or a short final reply."
	errToolCallRequired = "Tool call required for this request. Use set_defaults or regenerate."
)

// ToolBackend executes validated tool calls. Both transports satisfy
// it via the MCP client; tests substitute scripted fakes.
type ToolBackend interface {
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Orchestrator runs the per-conversation tool-call loop. One instance
// owns one ConversationState; it is not safe for concurrent turns.
type Orchestrator struct {
	config  RuntimeConfig
	llm     llm.Client
	backend ToolBackend
	logger  *slog.Logger
	state   *ConversationState
	now     func() time.Time
}

// New constructs an orchestrator with a fresh conversation.
func New(config RuntimeConfig, llmClient llm.Client, backend ToolBackend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:  config.normalized(),
		llm:     llmClient,
		backend: backend,
		logger:  logger,
		state:   NewConversationState(),
		now:     time.Now,
	}
}

// State exposes the session record for host-side inspection.
func (o *Orchestrator) State() *ConversationState { return o.state }

// LastAssetID returns the identifier of the most recent generated asset.
func (o *Orchestrator) LastAssetID() string { return o.state.LastAssetID }

// LastTurnEvents returns the structured trace of the most recent turn.
func (o *Orchestrator) LastTurnEvents() []trace.Event { return o.state.LastTurnEvents }

// ClearDefaultsCache forces the next turn to re-fetch defaults.
func (o *Orchestrator) ClearDefaultsCache() {
	o.state.DefaultsCache = map[string]any{}
}

// EnsureDefaults fetches backend defaults once per session. The result
// is folded into state and recorded as a tool-result history message,
// never surfaced as a user-visible reply.
func (o *Orchestrator) EnsureDefaults(ctx context.Context) error {
	if len(o.state.DefaultsCache) > 0 {
		return nil
	}
	if o.backend == nil {
		return fmt.Errorf("tool backend not initialized")
	}
	defaults, err := o.backend.CallTool(ctx, ToolGetDefaults.String(), map[string]any{})
	if err != nil {
		return fmt.Errorf("fetch defaults: %w", err)
	}
	o.state.DefaultsCache = defaults
	o.appendToolResult(ToolGetDefaults.String(), defaults)
	return nil
}

// HandleUserTurn runs one full turn: prompt the model, execute at most
// MaxToolCalls validated tool calls, and return the user-visible reply.
// Transport failures from either backend abort the turn.
func (o *Orchestrator) HandleUserTurn(ctx context.Context, userText string) (string, error) {
	// Guard every turn, not just the defaults fetch: a pre-warmed
	// cache must not let the loop reach CallTool on a nil backend.
	if o.backend == nil {
		return "", fmt.Errorf("tool backend not initialized")
	}
	if err := o.EnsureDefaults(ctx); err != nil {
		return "", err
	}

	o.state.append(o.config, "user", userText)
	o.state.beginTurn()
	emptyRetries := 0
	requireTool := requiresToolCall(userText, o.state.LastAssetID)

	for o.state.ToolCallsThisTurn < o.config.MaxToolCalls {
		// The tool requirement is satisfied once a call has executed
		// this turn; after that, plain text is the model's closing
		// reply and empty output takes the normal fallback path.
		needTool := requireTool && o.state.ToolCallsThisTurn == 0

		messages := o.buildMessages()
		o.state.LastPromptMessages = messages

		start := o.now()
		modelText, err := o.llm.Chat(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm chat: %w", err)
		}
		llmMS := float64(o.now().Sub(start)) / float64(time.Millisecond)
		o.state.LastModelOutput = modelText
		o.state.LastLLMMillis = llmMS
		o.recordEvent(trace.Event{Type: trace.TypeLLMOutput, Content: modelText, DurationMS: llmMS})

		if isBlank(modelText) {
			emptyRetries++
			if needTool {
				if call, ok := Synthesize(userText, o.state.LastAssetID); ok {
					o.logger.Debug("synthesized tool call", "tool", call.Name)
					modelText = encodeToolCall(call)
				} else if emptyRetries > 1 {
					return o.fallbackFinal(), nil
				} else {
					o.appendToolError(errEmptyOutput)
					continue
				}
			} else {
				if emptyRetries > 1 {
					return o.fallbackFinal(), nil
				}
				o.appendToolError(errEmptyOutput)
				continue
			}
		}

		name, args, parsed := ParseToolCall(modelText)
		if !parsed {
			if needTool {
				o.state.InvalidRetriesThisTurn++
				o.appendToolError(errToolCallRequired)
				if o.state.InvalidRetriesThisTurn > o.config.MaxInvalidToolCalls {
					return msgToolCallRequired, nil
				}
				continue
			}
			o.recordEvent(trace.Event{Type: trace.TypeFinalText, Content: modelText})
			o.state.append(o.config, "assistant", modelText)
			return modelText, nil
		}

		if name == ToolRegenerate.String() {
			args = normalizeRegenerateArgs(args, o.state.LastAssetID)
		}

		if res := Validate(name, args); !res.OK {
			o.state.InvalidRetriesThisTurn++
			o.appendToolError(res.Error)
			o.recordEvent(trace.Event{Type: trace.TypeValidationError, Tool: name, Error: res.Error})
			o.logger.Debug("tool call rejected", "tool", name, "error", res.Error)
			if o.state.InvalidRetriesThisTurn > o.config.MaxInvalidToolCalls {
				return msgInvalidEscalate, nil
			}
			continue
		}

		start = o.now()
		raw, err := o.backend.CallTool(ctx, name, args)
		if err != nil {
			return "", fmt.Errorf("call tool %s: %w", name, err)
		}
		toolMS := float64(o.now().Sub(start)) / float64(time.Millisecond)
		canonical := Canonicalize(name, raw)
		o.recordEvent(trace.Event{Type: trace.TypeToolCall, Tool: name, Args: args, DurationMS: toolMS})
		o.recordEvent(trace.Event{Type: trace.TypeToolResult, Tool: name, Payload: canonical.asMap()})

		if canonical.OK {
			switch name {
			case ToolSetDefaults.String():
				if updated, ok := raw["updated"].(map[string]any); ok {
					o.state.mergeDefaults(updated)
				}
			case ToolGenerateImage.String(), ToolRegenerate.String():
				if id := canonical.AssetID(); id != "" {
					o.state.LastAssetID = id
				}
			}
		}

		o.appendToolResult(name, canonical)
		o.state.ToolCallsThisTurn++
	}

	return msgBudgetExhausted, nil
}

// buildMessages renders the full prompt: system instructions, the
// current effective defaults, the last asset id if any, then history.
func (o *Orchestrator) buildMessages() []llm.Message {
	summary, _ := json.Marshal(cleanDefaultsForPrompt(o.state.DefaultsCache))
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "assistant", Content: "Current defaults: " + string(summary)},
	}
	if o.state.LastAssetID != "" {
		messages = append(messages, llm.Message{
			Role:    "assistant",
			Content: "Last asset_id: " + o.state.LastAssetID,
		})
	}
	return append(messages, o.state.Messages...)
}

func (o *Orchestrator) appendToolResult(tool string, payload any) {
	content, _ := json.Marshal(map[string]any{
		"tool_result": map[string]any{"tool": tool, "payload": payload},
	})
	o.state.append(o.config, "assistant", string(content))
}

func (o *Orchestrator) appendToolError(message string) {
	content, _ := json.Marshal(map[string]any{
		"tool_error": map[string]any{"error": message},
	})
	o.state.append(o.config, "assistant", string(content))
}

func (o *Orchestrator) recordEvent(ev trace.Event) {
	o.state.LastTurnEvents = append(o.state.LastTurnEvents, ev)
}

func (o *Orchestrator) fallbackFinal() string {
	text := fallbackFinalText(o.state.LastAssetID)
	o.state.append(o.config, "assistant", text)
	return text
}

func fallbackFinalText(lastAssetID string) string {
	if lastAssetID != "" {
		return fmt.Sprintf("Done. Last asset_id: %s. What should we tweak next?", lastAssetID)
	}
	return "Done. What should we tweak next?"
}

func isBlank(text string) bool {
	for _, r := range text {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func encodeToolCall(call ToolCall) string {
	content, _ := json.Marshal(map[string]any{"tool": call.Name, "args": call.Args})
	return string(content)
}

// normalizeRegenerateArgs auto-fills a missing asset_id from session
// state and folds stray top-level override keys into param_overrides.
func normalizeRegenerateArgs(args map[string]any, lastAssetID string) map[string]any {
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = v
	}
	if _, present := normalized["asset_id"]; !present && lastAssetID != "" {
		normalized["asset_id"] = lastAssetID
	}

	overrides, _ := normalized["param_overrides"].(map[string]any)
	if overrides == nil {
		overrides = map[string]any{}
	}
	for key := range regenerateOverrideFields {
		if v, present := normalized[key]; present {
			overrides[key] = v
			delete(normalized, key)
		}
	}
	if len(overrides) > 0 {
		normalized["param_overrides"] = overrides
	}
	return normalized
}

// cleanDefaultsForPrompt strips backend bookkeeping keys before the
// defaults snapshot is serialized into the prompt.
func cleanDefaultsForPrompt(defaults map[string]any) map[string]any {
	cleaned := make(map[string]any, len(defaults))
	for ns, value := range defaults {
		nested, ok := value.(map[string]any)
		if !ok {
			cleaned[ns] = value
			continue
		}
		filtered := make(map[string]any, len(nested))
		for k, v := range nested {
			if k == "success" || k == "updated" {
				continue
			}
			filtered[k] = v
		}
		cleaned[ns] = filtered
	}
	return cleaned
}
