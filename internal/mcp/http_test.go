package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportSendJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q", req.JSONRPC)
		}
		if accept := r.Header.Get("Accept"); accept != "application/json, text/event-stream" {
			t.Errorf("Accept = %q", accept)
		}
		w.Header().Set("Mcp-Session-Id", "sess-1")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	resp, err := tr.Send(context.Background(), NewRequest(7, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("resp.ID = %d, want 7", resp.ID)
	}
	if tr.sessionID != "sess-1" {
		t.Errorf("sessionID = %q, want sess-1", tr.sessionID)
	}
}

func TestHTTPTransportSessionAffinity(t *testing.T) {
	var sessions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.Header.Get("Mcp-Session-Id"))
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Mcp-Session-Id", "sess-42")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	ctx := context.Background()
	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(ctx, NewRequest(2, "tools/list", nil)); err != nil {
		t.Fatal(err)
	}

	if sessions[0] != "" {
		t.Errorf("first request carried session %q", sessions[0])
	}
	if sessions[1] != "sess-42" {
		t.Errorf("second request session = %q, want sess-42", sessions[1])
	}
}

func TestHTTPTransportSSEResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\r\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"tools\":[]}}\r\n\r\n", req.ID)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	resp, err := tr.Send(context.Background(), NewRequest(3, "tools/list", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 3 {
		t.Errorf("resp.ID = %d, want 3", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("resp.Error = %v", resp.Error)
	}
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL})
	if _, err := tr.Send(context.Background(), NewRequest(1, "ping", nil)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestExtractSSEDataNoFrame(t *testing.T) {
	if _, err := extractSSEData([]byte("event: message\n\n")); err == nil {
		t.Fatal("expected error when no data frame present")
	}
}
