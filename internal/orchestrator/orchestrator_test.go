package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/trace"
)

// scriptedLLM returns canned outputs in order; the last one repeats.
type scriptedLLM struct {
	outputs []string
	calls   int
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	if len(s.outputs) == 0 {
		return "", errors.New("no scripted output")
	}
	idx := s.calls - 1
	if idx >= len(s.outputs) {
		idx = len(s.outputs) - 1
	}
	return s.outputs[idx], nil
}

func (s *scriptedLLM) Ping(ctx context.Context) error { return nil }

type backendCall struct {
	name string
	args map[string]any
}

// fakeBackend records calls and serves results from a per-tool table.
type fakeBackend struct {
	results map[string]map[string]any
	err     error
	calls   []backendCall
}

func (b *fakeBackend) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	b.calls = append(b.calls, backendCall{name: name, args: args})
	if b.err != nil {
		return nil, b.err
	}
	if res, ok := b.results[name]; ok {
		return res, nil
	}
	return map[string]any{}, nil
}

func defaultsResult() map[string]any {
	return map[string]any{
		"image": map[string]any{"width": float64(1024), "height": float64(1024)},
	}
}

func newTestOrchestrator(outputs []string, results map[string]map[string]any) (*Orchestrator, *scriptedLLM, *fakeBackend) {
	if results == nil {
		results = map[string]map[string]any{}
	}
	if _, ok := results["get_defaults"]; !ok {
		results["get_defaults"] = defaultsResult()
	}
	model := &scriptedLLM{outputs: outputs}
	backend := &fakeBackend{results: results}
	orch := New(DefaultRuntimeConfig(), model, backend, nil)
	return orch, model, backend
}

func TestHandleUserTurnFinalText(t *testing.T) {
	orch, model, backend := newTestOrchestrator([]string{"Hello! What would you like to create?"}, nil)

	reply, err := orch.HandleUserTurn(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Hello! What would you like to create?" {
		t.Fatalf("reply = %q", reply)
	}
	if model.calls != 1 {
		t.Fatalf("llm calls = %d, want 1", model.calls)
	}
	// Only the session-scoped defaults fetch hits the backend.
	if len(backend.calls) != 1 || backend.calls[0].name != "get_defaults" {
		t.Fatalf("backend calls = %v", backend.calls)
	}

	events := orch.LastTurnEvents()
	if len(events) != 2 || events[0].Type != trace.TypeLLMOutput || events[1].Type != trace.TypeFinalText {
		t.Fatalf("events = %v", events)
	}
}

func TestHandleUserTurnGenerateThenFinal(t *testing.T) {
	orch, _, backend := newTestOrchestrator(
		[]string{
			`{"tool":"generate_image","args":{"prompt":"a lighthouse"}}`,
			"Here it is.",
		},
		map[string]map[string]any{
			"generate_image": {
				"success":   true,
				"asset_id":  "a1",
				"asset_url": "http://localhost:9000/assets/a1",
				"width":     float64(1024),
				"height":    float64(1024),
				"mime_type": "image/png",
			},
		},
	)

	reply, err := orch.HandleUserTurn(context.Background(), "draw a lighthouse")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Here it is." {
		t.Fatalf("reply = %q", reply)
	}
	if orch.LastAssetID() != "a1" {
		t.Fatalf("lastAssetID = %q", orch.LastAssetID())
	}
	if len(backend.calls) != 2 || backend.calls[1].name != "generate_image" {
		t.Fatalf("backend calls = %v", backend.calls)
	}

	var sawCall, sawResult bool
	for _, ev := range orch.LastTurnEvents() {
		switch ev.Type {
		case trace.TypeToolCall:
			sawCall = ev.Tool == "generate_image" && ev.Args["prompt"] == "a lighthouse"
		case trace.TypeToolResult:
			sawResult = ev.Payload["ok"] == true
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("missing tool trace events: %v", orch.LastTurnEvents())
	}
}

func TestHandleUserTurnBudgetExhausted(t *testing.T) {
	// The model never stops calling tools; the loop must cut it off.
	orch, model, backend := newTestOrchestrator(
		[]string{`{"tool":"get_defaults","args":{}}`},
		nil,
	)

	reply, err := orch.HandleUserTurn(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if reply != msgBudgetExhausted {
		t.Fatalf("reply = %q", reply)
	}
	if orch.State().ToolCallsThisTurn != DefaultRuntimeConfig().MaxToolCalls {
		t.Fatalf("tool calls = %d", orch.State().ToolCallsThisTurn)
	}
	if model.calls != DefaultRuntimeConfig().MaxToolCalls {
		t.Fatalf("llm calls = %d", model.calls)
	}
	// Session fetch plus one execution per iteration.
	if len(backend.calls) != 1+DefaultRuntimeConfig().MaxToolCalls {
		t.Fatalf("backend calls = %d", len(backend.calls))
	}
}

func TestHandleUserTurnInvalidEscalation(t *testing.T) {
	// Every output fails validation; after the retry budget the turn
	// ends with the canned escalation, with no tool execution.
	orch, _, backend := newTestOrchestrator(
		[]string{`{"tool":"generate_image","args":{"bogus":1}}`},
		nil,
	)

	reply, err := orch.HandleUserTurn(context.Background(), "draw something")
	if err != nil {
		t.Fatal(err)
	}
	if reply != msgInvalidEscalate {
		t.Fatalf("reply = %q", reply)
	}
	if got := orch.State().InvalidRetriesThisTurn; got != DefaultRuntimeConfig().MaxInvalidToolCalls+1 {
		t.Fatalf("invalid retries = %d", got)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend calls = %v, want defaults fetch only", backend.calls)
	}

	var validationErrors int
	for _, ev := range orch.LastTurnEvents() {
		if ev.Type == trace.TypeValidationError {
			validationErrors++
			if !strings.Contains(ev.Error, "Unknown keys") {
				t.Fatalf("validation error = %q", ev.Error)
			}
		}
	}
	if validationErrors != DefaultRuntimeConfig().MaxInvalidToolCalls+1 {
		t.Fatalf("validation events = %d", validationErrors)
	}
}

func TestHandleUserTurnEmptyTwiceFallback(t *testing.T) {
	orch, model, _ := newTestOrchestrator([]string{"", ""}, nil)

	reply, err := orch.HandleUserTurn(context.Background(), "hello?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Done. What should we tweak next?" {
		t.Fatalf("reply = %q", reply)
	}
	if model.calls != 2 {
		t.Fatalf("llm calls = %d, want 2", model.calls)
	}
}

func TestHandleUserTurnEmptyFallbackNamesAsset(t *testing.T) {
	orch, _, _ := newTestOrchestrator(
		[]string{
			`{"tool":"generate_image","args":{"prompt":"a cat"}}`,
			"Done, a cat.",
		},
		map[string]map[string]any{
			"generate_image": {"success": true, "asset_id": "cat-1"},
		},
	)
	if _, err := orch.HandleUserTurn(context.Background(), "draw a cat"); err != nil {
		t.Fatal(err)
	}

	// Next turn the model goes silent twice on a non-tool question.
	orch.llm = &scriptedLLM{outputs: []string{"", ""}}
	reply, err := orch.HandleUserTurn(context.Background(), "thanks")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Done. Last asset_id: cat-1. What should we tweak next?" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleUserTurnSynthesisOnEmpty(t *testing.T) {
	// Model is silent but the utterance demands a defaults change; the
	// loop synthesizes a set_defaults call, executes it, then accepts
	// the model's final text.
	orch, _, backend := newTestOrchestrator(
		[]string{"", "Defaults updated."},
		map[string]map[string]any{
			"set_defaults": {
				"updated": map[string]any{
					"image": map[string]any{"width": float64(1024), "height": float64(1024), "steps": float64(30)},
				},
			},
		},
	)

	reply, err := orch.HandleUserTurn(context.Background(), "set default to 1024x1024 with 30 steps")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Defaults updated." {
		t.Fatalf("reply = %q", reply)
	}
	if len(backend.calls) != 2 || backend.calls[1].name != "set_defaults" {
		t.Fatalf("backend calls = %v", backend.calls)
	}
	// Synthesized calls re-enter through the JSON parser, so numbers
	// arrive as float64 like genuine model output.
	image, _ := backend.calls[1].args["image"].(map[string]any)
	if image["width"] != float64(1024) || image["height"] != float64(1024) || image["steps"] != float64(30) {
		t.Fatalf("synthesized args = %v", backend.calls[1].args)
	}

	cached, _ := orch.State().DefaultsCache["image"].(map[string]any)
	if cached["steps"] != float64(30) {
		t.Fatalf("defaults cache = %v", orch.State().DefaultsCache)
	}
}

func TestHandleUserTurnRegenerateAutoFill(t *testing.T) {
	orch, _, backend := newTestOrchestrator(
		[]string{
			`{"tool":"generate_image","args":{"prompt":"a fox"}}`,
			"Generated.",
		},
		map[string]map[string]any{
			"generate_image": {"success": true, "asset_id": "fox-1"},
			"regenerate":     {"success": true, "asset_id": "fox-2"},
		},
	)
	if _, err := orch.HandleUserTurn(context.Background(), "draw a fox"); err != nil {
		t.Fatal(err)
	}

	// Second turn: the model omits asset_id and leaves steps at the
	// top level; both must be normalized before validation.
	orch.llm = &scriptedLLM{outputs: []string{
		`{"tool":"regenerate","args":{"steps":40}}`,
		"Regenerated.",
	}}
	reply, err := orch.HandleUserTurn(context.Background(), "again with 40 steps")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Regenerated." {
		t.Fatalf("reply = %q", reply)
	}

	call := backend.calls[len(backend.calls)-1]
	if call.name != "regenerate" {
		t.Fatalf("last call = %v", call)
	}
	if call.args["asset_id"] != "fox-1" {
		t.Fatalf("asset_id = %v, want auto-filled fox-1", call.args["asset_id"])
	}
	overrides, _ := call.args["param_overrides"].(map[string]any)
	if overrides["steps"] != float64(40) {
		t.Fatalf("param_overrides = %v", call.args["param_overrides"])
	}
	if _, present := call.args["steps"]; present {
		t.Fatal("top-level steps must be folded into param_overrides")
	}
	if orch.LastAssetID() != "fox-2" {
		t.Fatalf("lastAssetID = %q, want fox-2", orch.LastAssetID())
	}
}

func TestHandleUserTurnDomainFailureKeepsAsset(t *testing.T) {
	// A backend-reported failure is canonicalized, not fatal: the loop
	// feeds it back to the model and the prior asset id survives.
	orch, _, _ := newTestOrchestrator(
		[]string{
			`{"tool":"generate_image","args":{"prompt":"a fox"}}`,
			"Generated.",
		},
		map[string]map[string]any{
			"generate_image": {"success": true, "asset_id": "fox-1"},
			"regenerate":     {"error": "Tool returned error", "detail": "unknown model"},
		},
	)
	if _, err := orch.HandleUserTurn(context.Background(), "draw a fox"); err != nil {
		t.Fatal(err)
	}

	orch.llm = &scriptedLLM{outputs: []string{
		`{"tool":"regenerate","args":{"asset_id":"fox-1"}}`,
		"That model is unavailable.",
	}}
	reply, err := orch.HandleUserTurn(context.Background(), "switch to model turbo")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "That model is unavailable." {
		t.Fatalf("reply = %q", reply)
	}
	if orch.LastAssetID() != "fox-1" {
		t.Fatalf("lastAssetID = %q, failed call must not clear it", orch.LastAssetID())
	}

	var sawFailure bool
	for _, ev := range orch.LastTurnEvents() {
		if ev.Type == trace.TypeToolResult && ev.Payload["ok"] == false {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("expected an ok=false tool_result event")
	}
}

func TestHandleUserTurnTransportErrorFatal(t *testing.T) {
	orch, _, backend := newTestOrchestrator(
		[]string{`{"tool":"generate_image","args":{"prompt":"a fox"}}`},
		nil,
	)
	if err := orch.EnsureDefaults(context.Background()); err != nil {
		t.Fatal(err)
	}
	backend.err = errors.New("connection refused")

	if _, err := orch.HandleUserTurn(context.Background(), "draw a fox"); err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestEnsureDefaultsOncePerSession(t *testing.T) {
	orch, _, backend := newTestOrchestrator([]string{"ok"}, nil)

	for i := 0; i < 3; i++ {
		if _, err := orch.HandleUserTurn(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	var fetches int
	for _, c := range backend.calls {
		if c.name == "get_defaults" {
			fetches++
		}
	}
	if fetches != 1 {
		t.Fatalf("defaults fetches = %d, want 1", fetches)
	}

	orch.ClearDefaultsCache()
	if _, err := orch.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	fetches = 0
	for _, c := range backend.calls {
		if c.name == "get_defaults" {
			fetches++
		}
	}
	if fetches != 2 {
		t.Fatalf("defaults fetches after clear = %d, want 2", fetches)
	}
}

func TestPromptCarriesDefaultsAndAsset(t *testing.T) {
	orch, _, _ := newTestOrchestrator(
		[]string{
			`{"tool":"generate_image","args":{"prompt":"a fox"}}`,
			"Generated.",
		},
		map[string]map[string]any{
			"generate_image": {"success": true, "asset_id": "fox-1"},
		},
	)
	if _, err := orch.HandleUserTurn(context.Background(), "draw a fox"); err != nil {
		t.Fatal(err)
	}

	prompt := orch.State().LastPromptMessages
	if prompt[0].Role != "system" || !strings.Contains(prompt[0].Content, "get_defaults, set_defaults, generate_image, regenerate") {
		t.Fatalf("system message = %v", prompt[0])
	}
	if !strings.HasPrefix(prompt[1].Content, "Current defaults: ") {
		t.Fatalf("defaults summary = %q", prompt[1].Content)
	}
	if !strings.Contains(prompt[2].Content, "Last asset_id: fox-1") {
		t.Fatalf("asset message = %q", prompt[2].Content)
	}
}

func TestHistoryTruncation(t *testing.T) {
	model := &scriptedLLM{outputs: []string{"reply"}}
	backend := &fakeBackend{results: map[string]map[string]any{"get_defaults": defaultsResult()}}
	orch := New(RuntimeConfig{MaxToolCalls: 4, MaxInvalidToolCalls: 2, MaxMessages: 4}, model, backend, nil)

	for i := 0; i < 5; i++ {
		if _, err := orch.HandleUserTurn(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(orch.State().Messages); got != 4 {
		t.Fatalf("history length = %d, want 4", got)
	}
	// Newest exchange survives.
	last := orch.State().Messages[len(orch.State().Messages)-1]
	if last.Role != "assistant" || last.Content != "reply" {
		t.Fatalf("last message = %v", last)
	}
}

func TestToolErrorMessageShape(t *testing.T) {
	orch, _, _ := newTestOrchestrator(
		[]string{`{"tool":"nope","args":{}}`, "Understood."},
		nil,
	)
	if _, err := orch.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, m := range orch.State().Messages {
		if !strings.Contains(m.Content, "tool_error") {
			continue
		}
		found = true
		var envelope struct {
			ToolError struct {
				Error string `json:"error"`
			} `json:"tool_error"`
		}
		if err := json.Unmarshal([]byte(m.Content), &envelope); err != nil {
			t.Fatalf("tool_error message is not JSON: %q", m.Content)
		}
		if envelope.ToolError.Error != "Tool 'nope' is not allowed" {
			t.Fatalf("error = %q", envelope.ToolError.Error)
		}
	}
	if !found {
		t.Fatal("no tool_error message in history")
	}
}

func TestHandleUserTurnFinalTextAfterRequiredToolCall(t *testing.T) {
	// Once the required tool call has executed, the model's closing
	// plain text ends the turn; it must not be rejected as a missing
	// tool call.
	orch, model, backend := newTestOrchestrator(
		[]string{
			`{"tool":"set_defaults","args":{"image":{"width":768,"height":768}}}`,
			"Defaults updated.",
		},
		map[string]map[string]any{
			"set_defaults": {
				"updated": map[string]any{
					"image": map[string]any{"width": float64(768), "height": float64(768)},
				},
			},
		},
	)

	reply, err := orch.HandleUserTurn(context.Background(), "set default to 768x768")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Defaults updated." {
		t.Fatalf("reply = %q", reply)
	}
	if model.calls != 2 {
		t.Fatalf("llm calls = %d, want 2", model.calls)
	}
	if len(backend.calls) != 2 || backend.calls[1].name != "set_defaults" {
		t.Fatalf("backend calls = %v", backend.calls)
	}
	if orch.State().InvalidRetriesThisTurn != 0 {
		t.Fatalf("invalid retries = %d, want 0", orch.State().InvalidRetriesThisTurn)
	}
}

func TestHandleUserTurnRequiredToolStillRejectsBarePlainText(t *testing.T) {
	// Plain text before any tool call on a required turn keeps
	// escalating until the retry budget runs out.
	orch, _, backend := newTestOrchestrator(
		[]string{"Sure, I will change the defaults."},
		nil,
	)

	reply, err := orch.HandleUserTurn(context.Background(), "set default to 1024x1024")
	if err != nil {
		t.Fatal(err)
	}
	if reply != msgToolCallRequired {
		t.Fatalf("reply = %q", reply)
	}
	if len(backend.calls) != 1 {
		t.Fatalf("backend calls = %v, want defaults fetch only", backend.calls)
	}
}

func TestHandleUserTurnNilBackendGuard(t *testing.T) {
	// A pre-warmed defaults cache must not let a turn reach CallTool
	// on a nil backend.
	model := &scriptedLLM{outputs: []string{`{"tool":"get_defaults","args":{}}`}}
	orch := New(DefaultRuntimeConfig(), model, nil, nil)
	orch.State().DefaultsCache = defaultsResult()

	_, err := orch.HandleUserTurn(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "tool backend not initialized") {
		t.Fatalf("err = %v, want backend guard error", err)
	}
	if model.calls != 0 {
		t.Fatalf("llm calls = %d, want none before the guard", model.calls)
	}
}

func TestTurnCountersResetBetweenTurns(t *testing.T) {
	// An invalid-retry turn followed by a clean text-only turn: both
	// per-turn counters must read zero after the clean turn.
	orch, _, _ := newTestOrchestrator(
		[]string{`{"tool":"generate_image","args":{"bogus":1}}`},
		nil,
	)
	if _, err := orch.HandleUserTurn(context.Background(), "draw something"); err != nil {
		t.Fatal(err)
	}
	if orch.State().InvalidRetriesThisTurn == 0 {
		t.Fatal("first turn should have accumulated invalid retries")
	}

	orch.llm = &scriptedLLM{outputs: []string{"Nothing to do."}}
	if _, err := orch.HandleUserTurn(context.Background(), "never mind"); err != nil {
		t.Fatal(err)
	}
	if got := orch.State().InvalidRetriesThisTurn; got != 0 {
		t.Fatalf("invalid retries after clean turn = %d, want 0", got)
	}
	if got := orch.State().ToolCallsThisTurn; got != 0 {
		t.Fatalf("tool calls after clean turn = %d, want 0", got)
	}
}
