package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Writer appends trace records to an io.Writer as JSONL, one record per
// line, each stamped with a UTC timestamp. Records are arbitrary maps so
// callers can emit both turn events and run/case envelope records.
type Writer struct {
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// NewWriter wraps an io.Writer. The caller retains ownership of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, now: time.Now}
}

// OpenFile opens (or creates) path for appending and returns a Writer
// that owns the file handle.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{w: f, c: f, now: time.Now}, nil
}

// Emit writes one record. The "ts" key is set to the current UTC time
// in RFC 3339 form; any existing "ts" value is overwritten.
func (w *Writer) Emit(record map[string]any) error {
	out := make(map[string]any, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	out["ts"] = w.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal trace record: %w", err)
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// EmitEvent writes one turn event under an envelope naming the turn it
// belongs to.
func (w *Writer) EmitEvent(turn int, prompt string, ev Event) error {
	record := map[string]any{
		"event":      ev.Type,
		"turn_index": turn,
		"prompt":     prompt,
	}
	if ev.Content != "" {
		record["content"] = ev.Content
	}
	if ev.Tool != "" {
		record["tool"] = ev.Tool
	}
	if ev.Args != nil {
		record["args"] = ev.Args
	}
	if ev.Payload != nil {
		record["payload"] = ev.Payload
	}
	if ev.Error != "" {
		record["error"] = ev.Error
	}
	if ev.DurationMS > 0 {
		record["duration_ms"] = ev.DurationMS
	}
	return w.Emit(record)
}

// Close closes the underlying file if this Writer owns one.
func (w *Writer) Close() error {
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
