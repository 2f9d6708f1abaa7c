// Package comfyui is a minimal client for the ComfyUI HTTP and
// websocket APIs: workflow submission, history retrieval, checkpoint
// listing, and execution progress.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/internal/httpkit"
)

// Client talks to one ComfyUI instance.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a client for the ComfyUI instance at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8188"
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: uuid.NewString(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute))
	}
	return c
}

// BaseURL returns the instance base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ClientID returns the id used to correlate websocket progress events.
func (c *Client) ClientID() string { return c.clientID }

// QueueResponse is the acknowledgement for a submitted workflow.
type QueueResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

// SubmitPrompt queues a workflow graph for execution and returns the
// prompt id to poll history with.
func (c *Client) SubmitPrompt(ctx context.Context, workflow map[string]any) (*QueueResponse, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submit prompt: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var queued QueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return nil, fmt.Errorf("decode prompt response: %w", err)
	}
	if queued.PromptID == "" {
		return nil, fmt.Errorf("submit prompt: no prompt_id in response")
	}
	return &queued, nil
}

// OutputFile is one file produced by a finished workflow.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History fetches the execution record for one prompt id. Returns nil
// with no error while the prompt has not finished.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("create history request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	var all map[string]map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if entry, ok := all[promptID]; ok {
		return entry, nil
	}
	return nil, nil
}

// OutputFiles extracts the produced files from a history entry.
func OutputFiles(history map[string]any) []OutputFile {
	var files []OutputFile
	outputs, _ := history["outputs"].(map[string]any)
	for _, nodeOut := range outputs {
		node, ok := nodeOut.(map[string]any)
		if !ok {
			continue
		}
		for _, collection := range []string{"images", "audio", "gifs", "videos"} {
			items, ok := node[collection].([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				entry, ok := item.(map[string]any)
				if !ok {
					continue
				}
				f := OutputFile{Type: "output"}
				f.Filename, _ = entry["filename"].(string)
				if f.Filename == "" {
					continue
				}
				f.Subfolder, _ = entry["subfolder"].(string)
				if t, ok := entry["type"].(string); ok && t != "" {
					f.Type = t
				}
				files = append(files, f)
			}
		}
	}
	return files
}

// AvailableModels lists the checkpoint names known to the instance.
// Errors degrade to an empty list; model validation is best-effort.
func (c *Client) AvailableModels() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := c.ListModels(ctx)
	if err != nil {
		c.logger.Warn("list models failed", "error", err)
		return nil
	}
	return models
}

// ListModels queries /object_info for the checkpoint loader's model
// enumeration.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, fmt.Errorf("create object_info request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch object_info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch object_info: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}

	// Shape: {"CheckpointLoaderSimple":{"input":{"required":{"ckpt_name":[[names...],...]}}}}
	var info map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode object_info: %w", err)
	}

	node, ok := info["CheckpointLoaderSimple"]
	if !ok {
		return nil, nil
	}
	spec, ok := node.Input.Required["ckpt_name"]
	if !ok || len(spec) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		return nil, fmt.Errorf("decode checkpoint names: %w", err)
	}
	return names, nil
}
