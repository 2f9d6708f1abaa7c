package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ProgressEvent is one execution update from the websocket stream.
type ProgressEvent struct {
	// Type is the backend message type: "progress", "executing",
	// "execution_success", "execution_error", "status".
	Type     string
	PromptID string
	Node     string
	Value    int
	Max      int
}

// Done reports whether the event terminates execution of its prompt.
func (e ProgressEvent) Done() bool {
	if e.Type == "execution_success" || e.Type == "execution_error" {
		return true
	}
	// Older backends signal completion with an executing message whose
	// node is null.
	return e.Type == "executing" && e.Node == ""
}

type wsEnvelope struct {
	Type string `json:"type"`
	Data struct {
		PromptID string `json:"prompt_id"`
		Node     *string `json:"node"`
		Value    int     `json:"value"`
		Max      int     `json:"max"`
	} `json:"data"`
}

// WaitForCompletion follows the websocket stream until the prompt
// finishes or ctx expires. onProgress may be nil.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, onProgress func(ProgressEvent)) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read websocket: %w", err)
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			// Binary preview frames and other non-JSON payloads are
			// interleaved with status messages.
			continue
		}
		if envelope.Data.PromptID != "" && envelope.Data.PromptID != promptID {
			continue
		}

		event := ProgressEvent{
			Type:     envelope.Type,
			PromptID: envelope.Data.PromptID,
			Value:    envelope.Data.Value,
			Max:      envelope.Data.Max,
		}
		if envelope.Data.Node != nil {
			event.Node = *envelope.Data.Node
		}
		if onProgress != nil {
			onProgress(event)
		}

		switch envelope.Type {
		case "execution_error":
			return fmt.Errorf("workflow execution failed for prompt %s", promptID)
		case "execution_success":
			return nil
		case "executing":
			if envelope.Data.Node == nil && envelope.Data.PromptID == promptID {
				return nil
			}
		}
	}
}

func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = "clientId=" + url.QueryEscape(c.clientID)
	return u.String(), nil
}
