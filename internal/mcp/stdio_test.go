package mcp

import (
	"context"
	"runtime"
	"testing"
	"time"
)

// echoServer is a shell one-liner that reads one JSON-RPC line and
// answers every request with an empty result, echoing the id back.
// Close to the dumbest possible MCP server, which is all the transport
// needs.
const echoServer = `while read line; do id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p'); [ -n "$id" ] && printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"; done`

func newShellTransport(t *testing.T, script string) *StdioTransport {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based transport test requires a POSIX shell")
	}
	tr := NewStdioTransport(StdioConfig{Command: "sh", Args: []string{"-c", script}})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestStdioSendReceivesMatchingID(t *testing.T) {
	tr := newShellTransport(t, echoServer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(5, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 5 {
		t.Errorf("resp.ID = %d, want 5", resp.ID)
	}
}

func TestStdioSkipsNotificationLines(t *testing.T) {
	// Server emits a notification and a junk line before the real response.
	script := `read line
printf '{"jsonrpc":"2.0","method":"notifications/progress"}\n'
printf 'not json at all\n'
printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'
cat > /dev/null`
	tr := newShellTransport(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, NewRequest(1, "initialize", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("resp.ID = %d, want 1", resp.ID)
	}
}

func TestStdioContextCancellation(t *testing.T) {
	// Server never answers.
	tr := newShellTransport(t, `cat > /dev/null`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestStdioNotifyWritesWithoutReading(t *testing.T) {
	tr := newShellTransport(t, `cat > /dev/null`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestFlattenEnvStableOrder(t *testing.T) {
	got := flattenEnv(map[string]string{"B": "2", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("flattenEnv = %v", got)
	}
	if flattenEnv(nil) != nil {
		t.Error("flattenEnv(nil) should be nil")
	}
}
