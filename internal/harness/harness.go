// Package harness evaluates the orchestrator against a small scripted
// prompt suite. It inspects per-turn trace events and conversation
// history, never the backend directly.
package harness

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/trace"
)

// Case is one scripted evaluation prompt with its pass criteria.
type Case struct {
	Prompt        string
	ExpectedTools []string
	// RequireTool marks prompts that must produce at least one
	// executed tool call to pass.
	RequireTool bool
}

// DefaultSuite covers the core interaction shapes: defaults changes,
// fresh generations, regenerations, and one deliberately ambiguous
// prompt that should end in a clarifying question.
func DefaultSuite() []Case {
	return []Case{
		{Prompt: "set default to 1024x1024 and 30 steps", ExpectedTools: []string{"set_defaults"}, RequireTool: true},
		{Prompt: "generate: a neon-lit rainy street, bladerunner vibe", ExpectedTools: []string{"generate_image"}, RequireTool: true},
		{Prompt: "make it less noisy, keep composition, regenerate", ExpectedTools: []string{"regenerate"}, RequireTool: true},
		{Prompt: "just this once make it 768x768", ExpectedTools: []string{"generate_image"}, RequireTool: true},
		{Prompt: "regenerate with a different seed", ExpectedTools: []string{"regenerate"}, RequireTool: true},
		{Prompt: "make it more cinematic, increase contrast slightly", ExpectedTools: []string{"regenerate"}, RequireTool: true},
		{Prompt: "ambiguous: make it better", RequireTool: false},
	}
}

// ToolResult is one executed tool call as seen by the evaluator.
type ToolResult struct {
	Tool    string
	OK      bool
	Payload map[string]any
}

// ExtractFromEvents pulls executed tool results and validation errors
// out of one turn's trace events.
func ExtractFromEvents(events []trace.Event) ([]ToolResult, []string) {
	var results []ToolResult
	var toolErrors []string
	for _, ev := range events {
		switch ev.Type {
		case trace.TypeToolResult:
			ok, _ := ev.Payload["ok"].(bool)
			results = append(results, ToolResult{Tool: ev.Tool, OK: ok, Payload: ev.Payload})
		case trace.TypeValidationError:
			if ev.Error != "" {
				toolErrors = append(toolErrors, ev.Error)
			}
		}
	}
	return results, toolErrors
}

// ExtractFromHistory recovers tool results and tool errors from the
// structured assistant messages in conversation history, for hosts
// that only retained the transcript.
func ExtractFromHistory(messages []llm.Message) ([]ToolResult, []string) {
	var results []ToolResult
	var toolErrors []string
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		var envelope struct {
			ToolResult *struct {
				Tool    string         `json:"tool"`
				Payload map[string]any `json:"payload"`
			} `json:"tool_result"`
			ToolError *struct {
				Error string `json:"error"`
			} `json:"tool_error"`
		}
		if err := json.Unmarshal([]byte(msg.Content), &envelope); err != nil {
			continue
		}
		if envelope.ToolResult != nil {
			ok, _ := envelope.ToolResult.Payload["ok"].(bool)
			results = append(results, ToolResult{
				Tool:    envelope.ToolResult.Tool,
				OK:      ok,
				Payload: envelope.ToolResult.Payload,
			})
		}
		if envelope.ToolError != nil && envelope.ToolError.Error != "" {
			toolErrors = append(toolErrors, envelope.ToolError.Error)
		}
	}
	return results, toolErrors
}

// Result is the evaluated outcome of one case.
type Result struct {
	Prompt         string
	UsedTools      []string
	ToolCalls      int
	InvalidRetries int
	ExpectedOK     bool
	ToolUsedOK     bool
	ToolErrors     []string
	Passed         bool
}

// Evaluate scores one case against the observed tool activity of its
// turn. A case passes when an expected tool ran (if any were named),
// tool usage matched the requirement, and no validation errors occurred.
func Evaluate(c Case, results []ToolResult, toolErrors []string, toolCalls, invalidRetries int) Result {
	used := make([]string, 0, len(results))
	for _, r := range results {
		if r.Tool != "" {
			used = append(used, r.Tool)
		}
	}

	expectedOK := true
	if len(c.ExpectedTools) > 0 {
		expectedOK = false
		for _, tool := range used {
			for _, want := range c.ExpectedTools {
				if tool == want {
					expectedOK = true
				}
			}
		}
	}

	toolUsedOK := true
	if c.RequireTool {
		toolUsedOK = len(used) > 0
	}

	return Result{
		Prompt:         c.Prompt,
		UsedTools:      used,
		ToolCalls:      toolCalls,
		InvalidRetries: invalidRetries,
		ExpectedOK:     expectedOK,
		ToolUsedOK:     toolUsedOK,
		ToolErrors:     toolErrors,
		Passed:         expectedOK && toolUsedOK && len(toolErrors) == 0,
	}
}

// FormatSummary renders one line per result plus a pass count header.
func FormatSummary(results []Result) string {
	var b strings.Builder
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	fmt.Fprintf(&b, "Summary: %d/%d passing", passed, len(results))
	for i, r := range results {
		status := "FAIL"
		if r.Passed {
			status = "PASS"
		}
		fmt.Fprintf(&b, "\n%02d. %s | tools=[%s] | calls=%d retries=%d | %s",
			i+1, status, strings.Join(r.UsedTools, ", "), r.ToolCalls, r.InvalidRetries, r.Prompt)
	}
	return b.String()
}
