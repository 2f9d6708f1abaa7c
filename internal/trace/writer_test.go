package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmitStampsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := w.Emit(map[string]any{"event": "run_start", "run_id": "r1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record["ts"] != "2026-03-01T12:00:00Z" {
		t.Errorf("ts = %v", record["ts"])
	}
	if record["event"] != "run_start" {
		t.Errorf("event = %v", record["event"])
	}
}

func TestEmitEventEnvelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	ev := Event{
		Type:       TypeToolResult,
		Tool:       "generate_image",
		Payload:    map[string]any{"ok": true},
		DurationMS: 12.5,
	}
	if err := w.EmitEvent(3, "draw a cat", ev); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if record["event"] != TypeToolResult {
		t.Errorf("event = %v", record["event"])
	}
	if record["turn_index"] != float64(3) {
		t.Errorf("turn_index = %v", record["turn_index"])
	}
	if record["tool"] != "generate_image" {
		t.Errorf("tool = %v", record["tool"])
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")

	for i := 0; i < 2; i++ {
		w, err := OpenFile(path)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		if err := w.Emit(map[string]any{"event": "run_start"}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Errorf("line %d is not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2 (append mode)", lines)
	}
}
