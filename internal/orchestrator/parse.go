package orchestrator

import (
	"encoding/json"
	"strings"
)

// stripCodeFence removes a single layer of ``` fencing, with or
// without a language tag, from model output.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop a language tag like "json" on the fence line.
		first := strings.TrimSpace(trimmed[:idx])
		if first != "" && !strings.HasPrefix(first, "{") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// ParseToolCall attempts to read model output as a strict
// {"tool": name, "args": {...}} structure, tolerating one layer of
// code-fence wrapping. Returns false when the output is not a tool
// call at all; the caller then treats it as final text.
func ParseToolCall(output string) (name string, args map[string]any, ok bool) {
	cleaned := stripCodeFence(output)
	if !strings.HasPrefix(cleaned, "{") {
		return "", nil, false
	}

	var envelope struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return "", nil, false
	}
	if envelope.Tool == "" {
		return "", nil, false
	}
	if envelope.Args == nil {
		envelope.Args = map[string]any{}
	}
	return envelope.Tool, envelope.Args, true
}
