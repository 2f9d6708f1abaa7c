// Package orchestrator implements the conversation-turn loop that lets
// a local language model drive a fixed set of remote media tools. The
// loop queries the model, classifies its output as a tool call or a
// final answer, validates tool calls against declared schemas, invokes
// the tool backend, and folds canonicalized results back into
// conversation state — all under hard retry and call-count budgets.
package orchestrator

// Tool identifies one of the fixed allow-listed tools. Dispatch inside
// the loop switches on this enum; the raw string form only exists at
// the parsing boundary where model output is untrusted.
type Tool int

const (
	// ToolUnknown is the zero value for names outside the allow-list.
	ToolUnknown Tool = iota
	// ToolGetDefaults fetches all effective parameter defaults.
	ToolGetDefaults
	// ToolSetDefaults updates per-namespace parameter defaults.
	ToolSetDefaults
	// ToolGenerateImage generates a new image asset.
	ToolGenerateImage
	// ToolRegenerate re-runs generation for an existing asset.
	ToolRegenerate
)

// toolNames maps each tool to its wire name.
var toolNames = map[Tool]string{
	ToolGetDefaults:   "get_defaults",
	ToolSetDefaults:   "set_defaults",
	ToolGenerateImage: "generate_image",
	ToolRegenerate:    "regenerate",
}

// ParseTool maps a wire name to its Tool. The second return is false
// for any name outside the allow-list; this is the defensive check
// against malformed model output.
func ParseTool(name string) (Tool, bool) {
	switch name {
	case "get_defaults":
		return ToolGetDefaults, true
	case "set_defaults":
		return ToolSetDefaults, true
	case "generate_image":
		return ToolGenerateImage, true
	case "regenerate":
		return ToolRegenerate, true
	}
	return ToolUnknown, false
}

// String returns the tool's wire name, or "unknown".
func (t Tool) String() string {
	if name, ok := toolNames[t]; ok {
		return name
	}
	return "unknown"
}

// AllowedTools returns the wire names of all allow-listed tools, in the
// order they are presented to the model.
func AllowedTools() []string {
	return []string{"get_defaults", "set_defaults", "generate_image", "regenerate"}
}

// ToolCall is one parsed tool invocation from model output. It exists
// only within a single loop iteration and is never persisted.
type ToolCall struct {
	Tool Tool
	Name string // raw name as the model produced it
	Args map[string]any
}
