package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/atelierhq/atelier/internal/llm"
	"github.com/atelierhq/atelier/internal/mcp"
	"github.com/atelierhq/atelier/internal/orchestrator"
)

// inprocTransport feeds the client's requests straight into a Server.
type inprocTransport struct {
	server *Server
}

func (t inprocTransport) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp := t.server.HandleMessage(ctx, data)
	if resp == nil {
		return nil, fmt.Errorf("no response for request %d", req.ID)
	}
	return resp, nil
}

func (t inprocTransport) Notify(ctx context.Context, notif *mcp.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	t.server.HandleMessage(ctx, data)
	return nil
}

func (t inprocTransport) Close() error { return nil }

type sequenceLLM struct {
	outputs []string
	calls   int
}

func (s *sequenceLLM) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	if s.calls > len(s.outputs) {
		return s.outputs[len(s.outputs)-1], nil
	}
	return s.outputs[s.calls-1], nil
}

func (s *sequenceLLM) Ping(ctx context.Context) error { return nil }

// TestFullConversationLoop drives the orchestrator against the real
// tool server through the MCP client: generate, then set defaults,
// then regenerate with an auto-filled asset id.
func TestFullConversationLoop(t *testing.T) {
	srv := newTestServer(t)
	client := mcp.NewClient(inprocTransport{server: srv}, nil)

	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	model := &sequenceLLM{outputs: []string{
		`{"tool":"generate_image","args":{"prompt":"a misty harbor"}}`,
		"Generated the harbor.",
	}}
	orch := orchestrator.New(orchestrator.DefaultRuntimeConfig(), model, client, nil)

	reply, err := orch.HandleUserTurn(ctx, "draw a misty harbor")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Generated the harbor." {
		t.Fatalf("reply = %q", reply)
	}
	firstAsset := orch.LastAssetID()
	if firstAsset == "" {
		t.Fatal("no asset id after generation")
	}
	if srv.registry.Get(firstAsset) == nil {
		t.Fatal("asset not registered on the server")
	}

	// Turn 2: persistent defaults change.
	model.outputs = []string{
		`{"tool":"set_defaults","args":{"image":{"width":1024,"height":1024,"steps":30}}}`,
		"Defaults set to 1024x1024, 30 steps.",
	}
	model.calls = 0
	reply, err = orch.HandleUserTurn(ctx, "set default to 1024x1024 and 30 steps")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Defaults set to 1024x1024, 30 steps." {
		t.Fatalf("reply = %q", reply)
	}
	cached, _ := orch.State().DefaultsCache["image"].(map[string]any)
	if cached["width"] != float64(1024) || cached["steps"] != float64(30) {
		t.Fatalf("defaults cache = %v", orch.State().DefaultsCache)
	}
	if got := srv.defaults.Get("image", "width", nil); got != float64(1024) {
		t.Fatalf("server default width = %v", got)
	}

	// Turn 3: the model omits asset_id; the orchestrator fills it in.
	model.outputs = []string{
		`{"tool":"regenerate","args":{"param_overrides":{"cfg":6.5}}}`,
		"Regenerated with softer guidance.",
	}
	model.calls = 0
	reply, err = orch.HandleUserTurn(ctx, "regenerate with cfg 6.5")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Regenerated with softer guidance." {
		t.Fatalf("reply = %q", reply)
	}
	if orch.LastAssetID() == firstAsset {
		t.Fatal("regenerate must produce a new asset id")
	}

	rec := srv.registry.Get(orch.LastAssetID())
	if rec == nil {
		t.Fatal("regenerated asset missing from registry")
	}
	params, _ := rec.Metadata["params"].(map[string]any)
	if params["cfg"] != 6.5 {
		t.Fatalf("cfg override lost: %v", params)
	}
	if rec.Metadata["prompt"] != "a misty harbor" {
		t.Fatalf("prompt = %v", rec.Metadata["prompt"])
	}
}

// TestDomainErrorSurfacesThroughLoop exercises the unknown-asset path
// end to end: the backend reports a domain failure, the orchestrator
// canonicalizes it and lets the model answer.
func TestDomainErrorSurfacesThroughLoop(t *testing.T) {
	srv := newTestServer(t)
	client := mcp.NewClient(inprocTransport{server: srv}, nil)
	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	model := &sequenceLLM{outputs: []string{
		`{"tool":"regenerate","args":{"asset_id":"ghost"}}`,
		"I couldn't find that asset. Want me to generate a fresh one?",
	}}
	orch := orchestrator.New(orchestrator.DefaultRuntimeConfig(), model, client, nil)

	reply, err := orch.HandleUserTurn(ctx, "rework the old one")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "I couldn't find that asset. Want me to generate a fresh one?" {
		t.Fatalf("reply = %q", reply)
	}
	if orch.LastAssetID() != "" {
		t.Fatalf("lastAssetID = %q", orch.LastAssetID())
	}
}
