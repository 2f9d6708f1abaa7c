// Package server implements the tool side of the MCP contract: the
// four media tools served over stdio or HTTP, backed by the defaults
// manager, the asset registry, and a pluggable generator.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierhq/atelier/internal/assets"
	"github.com/atelierhq/atelier/internal/buildinfo"
	"github.com/atelierhq/atelier/internal/defaults"
	"github.com/atelierhq/atelier/internal/mcp"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Server dispatches MCP requests to the tool implementations.
type Server struct {
	defaults  *defaults.Manager
	registry  *assets.Registry
	generator Generator
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a tool server.
func New(dm *defaults.Manager, registry *assets.Registry, generator Generator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		defaults:  dm,
		registry:  registry,
		generator: generator,
		logger:    logger,
		now:       time.Now,
	}
}

// message is an incoming JSON-RPC message; a nil ID marks a
// notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// HandleMessage processes one raw JSON-RPC message. The returned
// response is nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, data []byte) *mcp.Response {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return errorResponse(0, codeParseError, fmt.Sprintf("parse request: %v", err))
	}

	if msg.ID == nil {
		// Notifications (notifications/initialized and friends) need
		// no reply.
		s.logger.Debug("notification received", "method", msg.Method)
		return nil
	}

	result, rpcErr := s.dispatch(ctx, msg.Method, msg.Params)
	if rpcErr != nil {
		return &mcp.Response{JSONRPC: "2.0", ID: *msg.ID, Error: rpcErr}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(*msg.ID, codeInternalError, fmt.Sprintf("encode result: %v", err))
	}
	return &mcp.Response{JSONRPC: "2.0", ID: *msg.ID, Result: raw}
}

func errorResponse(id int64, code int, msg string) *mcp.Response {
	return &mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: msg}}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *mcp.RPCError) {
	switch method {
	case "initialize":
		return map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "atelier-server",
				"version": buildinfo.Version,
			},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": toolDefinitions()}, nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		return nil, &mcp.RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *mcp.RPCError) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &mcp.RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("parse tool call: %v", err)}
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}

	start := s.now()
	var payload map[string]any
	switch call.Name {
	case "get_defaults":
		payload = s.getDefaults()
	case "set_defaults":
		payload = s.setDefaults(call.Arguments)
	case "generate_image":
		payload = s.generate(ctx, call.Arguments)
	case "regenerate":
		payload = s.regenerate(ctx, call.Arguments)
	default:
		return nil, &mcp.RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", call.Name)}
	}
	s.logger.Info("tool call served",
		"tool", call.Name,
		"duration_ms", s.now().Sub(start).Milliseconds())

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, &mcp.RPCError{Code: codeInternalError, Message: fmt.Sprintf("encode payload: %v", err)}
	}
	return mcp.CallToolResult{
		Content:           []mcp.ContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: payload,
	}, nil
}

func (s *Server) getDefaults() map[string]any {
	all := s.defaults.All()
	payload := make(map[string]any, len(all))
	for ns, values := range all {
		payload[ns] = values
	}
	return payload
}

func (s *Server) setDefaults(args map[string]any) map[string]any {
	persist, _ := args["persist"].(bool)

	updated := map[string]any{}
	for _, ns := range defaults.Namespaces {
		raw, present := args[ns]
		if !present {
			continue
		}
		values, ok := raw.(map[string]any)
		if !ok {
			return map[string]any{
				"success": false,
				"errors":  []string{fmt.Sprintf("namespace %q must be an object", ns)},
			}
		}
		res, err := s.defaults.SetDefaults(ns, values, true)
		if err != nil {
			return map[string]any{"success": false, "errors": []string{err.Error()}}
		}
		if len(res.Errors) > 0 {
			return map[string]any{"success": false, "errors": res.Errors}
		}
		if persist {
			if err := s.defaults.Persist(ns, values); err != nil {
				return map[string]any{"success": false, "errors": []string{err.Error()}}
			}
		}
		updated[ns] = map[string]any{"success": true, "updated": res.Updated}
	}
	return map[string]any{"success": true, "updated": updated}
}

// imageParamKeys are the generation parameters resolved through the
// defaults manager.
var imageParamKeys = []string{
	"width", "height", "steps", "cfg", "sampler_name",
	"scheduler", "denoise", "model", "negative_prompt",
}

func (s *Server) generate(ctx context.Context, args map[string]any) map[string]any {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		return map[string]any{"success": false, "errors": []string{"'prompt' is required"}}
	}

	params := map[string]any{}
	for _, key := range imageParamKeys {
		if v := s.defaults.Get("image", key, args[key]); v != nil {
			params[key] = v
		}
	}
	if model, _ := params["model"].(string); !s.defaults.ModelValid("image", model) {
		return map[string]any{
			"success": false,
			"errors":  []string{fmt.Sprintf("Model %q not found. Use list_models to see available checkpoints.", model)},
		}
	}

	seed := resolveSeed(args["seed"], s.now)
	return s.runGeneration(ctx, "generate_image", GenerateRequest{
		Namespace: "image",
		Prompt:    prompt,
		Params:    params,
		Seed:      seed,
	})
}

func (s *Server) regenerate(ctx context.Context, args map[string]any) map[string]any {
	assetID, _ := args["asset_id"].(string)
	if assetID == "" {
		return map[string]any{"success": false, "errors": []string{"'asset_id' is required"}}
	}
	rec := s.registry.Get(assetID)
	if rec == nil {
		return map[string]any{"error": "Unknown asset_id", "detail": assetID}
	}

	namespace, _ := rec.Metadata["namespace"].(string)
	if namespace == "" {
		namespace = "image"
	}
	prompt, _ := rec.Metadata["prompt"].(string)
	params := map[string]any{}
	if stored, ok := rec.Metadata["params"].(map[string]any); ok {
		for k, v := range stored {
			params[k] = v
		}
	}

	if overrides, ok := args["param_overrides"].(map[string]any); ok {
		for k, v := range overrides {
			if k == "prompt" {
				if p, ok := v.(string); ok {
					prompt = p
				}
				continue
			}
			params[k] = v
		}
	}
	if prompt == "" {
		return map[string]any{"error": "Asset has no recorded prompt", "detail": assetID}
	}
	if model, _ := params["model"].(string); !s.defaults.ModelValid(namespace, model) {
		return map[string]any{
			"success": false,
			"errors":  []string{fmt.Sprintf("Model %q not found. Use list_models to see available checkpoints.", model)},
		}
	}

	// A fresh seed unless the caller pinned one, so a plain regenerate
	// yields a variation rather than the identical file.
	var seed int64
	if provided := resolveSeedIfPresent(args["seed"]); provided != nil {
		seed = *provided
	} else if stored, ok := rec.Metadata["seed"].(float64); ok {
		seed = int64(stored) + 1
	} else {
		seed = resolveSeed(nil, s.now)
	}

	return s.runGeneration(ctx, "regenerate", GenerateRequest{
		Namespace: namespace,
		Prompt:    prompt,
		Params:    params,
		Seed:      seed,
	})
}

func (s *Server) runGeneration(ctx context.Context, workflowID string, req GenerateRequest) map[string]any {
	result, err := s.generator.Generate(ctx, req)
	if err != nil {
		s.logger.Error("generation failed", "workflow", workflowID, "error", err)
		return map[string]any{"error": "Generation failed", "detail": err.Error()}
	}

	rec, err := s.registry.Register(assets.RegisterInput{
		Filename:   result.Filename,
		Subfolder:  result.Subfolder,
		FolderType: result.FolderType,
		PromptID:   result.PromptID,
		WorkflowID: workflowID,
		MimeType:   result.MimeType,
		Width:      result.Width,
		Height:     result.Height,
		BytesSize:  result.BytesSize,
		Metadata: map[string]any{
			"namespace": req.Namespace,
			"prompt":    req.Prompt,
			"params":    req.Params,
			"seed":      float64(req.Seed),
		},
	})
	if err != nil {
		return map[string]any{"error": "Asset registration failed", "detail": err.Error()}
	}

	return map[string]any{
		"success":   true,
		"asset_id":  rec.AssetID,
		"asset_url": rec.URL(s.registry.BaseURL()),
		"width":     result.Width,
		"height":    result.Height,
		"mime_type": result.MimeType,
		"prompt_id": result.PromptID,
	}
}

func resolveSeed(v any, now func() time.Time) int64 {
	if provided := resolveSeedIfPresent(v); provided != nil {
		return *provided
	}
	return now().UnixNano() & 0x7fffffff
}

func resolveSeedIfPresent(v any) *int64 {
	switch n := v.(type) {
	case int:
		s := int64(n)
		return &s
	case int64:
		return &n
	case float64:
		s := int64(n)
		return &s
	}
	return nil
}

func toolDefinitions() []mcp.ToolDefinition {
	imageProperties := map[string]any{
		"width":           map[string]any{"type": "integer"},
		"height":          map[string]any{"type": "integer"},
		"steps":           map[string]any{"type": "integer"},
		"cfg":             map[string]any{"type": "number"},
		"sampler_name":    map[string]any{"type": "string"},
		"scheduler":       map[string]any{"type": "string"},
		"denoise":         map[string]any{"type": "number"},
		"model":           map[string]any{"type": "string"},
		"negative_prompt": map[string]any{"type": "string"},
	}
	generateProperties := map[string]any{
		"prompt":                map[string]any{"type": "string"},
		"seed":                  map[string]any{"type": "integer"},
		"return_inline_preview": map[string]any{"type": "boolean"},
	}
	for k, v := range imageProperties {
		generateProperties[k] = v
	}

	return []mcp.ToolDefinition{
		{
			Name:        "get_defaults",
			Description: "Get the effective generation defaults for all namespaces.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "set_defaults",
			Description: "Set runtime generation defaults per namespace; optionally persist them.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"image":   map[string]any{"type": "object", "properties": imageProperties},
					"audio":   map[string]any{"type": "object"},
					"video":   map[string]any{"type": "object"},
					"persist": map[string]any{"type": "boolean"},
				},
			},
		},
		{
			Name:        "generate_image",
			Description: "Generate an image from a prompt; unset parameters use the current defaults.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": generateProperties,
				"required":   []string{"prompt"},
			},
		},
		{
			Name:        "regenerate",
			Description: "Re-run a previous generation by asset id, optionally overriding parameters.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"asset_id":              map[string]any{"type": "string"},
					"seed":                  map[string]any{"type": "integer"},
					"return_inline_preview": map[string]any{"type": "boolean"},
					"param_overrides":       map[string]any{"type": "object"},
				},
				"required": []string{"asset_id"},
			},
		},
	}
}
