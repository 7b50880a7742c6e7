package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFakeInterpreter drops a shell script at dir/name and returns its path.
// Using "sh" as the interpreter and the script as the entry point keeps
// Spawn's exec.CommandContext(ctx, interpreter, entryPoint) shape intact
// without depending on the file's executable bit.
func writeFakeInterpreter(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fake interpreter %s: %v", name, err)
	}
	return path
}

func spawnBridge(t *testing.T, script string) *Bridge {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b, err := Spawn(ctx, "sh", script, t.TempDir(), nil, "json")
	if err != nil {
		t.Fatalf("spawning bridge: %v", err)
	}
	return b
}

// echoScript answers every request with {"echo": <method>}, and answers a
// request whose method is "boom" with a server-error response instead.
const echoScript = `#!/bin/sh
while IFS= read -r line; do
	id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
	method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
	if [ -z "$id" ]; then
		continue
	fi
	if [ "$method" = "boom" ]; then
		printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"boom"}}\n' "$id"
	else
		printf '{"jsonrpc":"2.0","id":%s,"result":{"echo":"%s"}}\n' "$id" "$method"
	fi
done
`

func TestBridgeCallRoundTrip(t *testing.T) {
	b := spawnBridge(t, writeFakeInterpreter(t, "echo.sh", echoScript))

	result, err := b.Call("ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	var decoded struct{ Echo string `json:"echo"` }
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if decoded.Echo != "ping" {
		t.Fatalf("expected echo ping, got %q", decoded.Echo)
	}
}

func TestBridgeCallSurfacesSubprocessError(t *testing.T) {
	b := spawnBridge(t, writeFakeInterpreter(t, "echo.sh", echoScript))

	_, err := b.Call("boom", nil)
	if err == nil {
		t.Fatal("expected an error from a boom-shaped response")
	}
}

func TestBridgeCallFailsOnceMarkedDead(t *testing.T) {
	b := spawnBridge(t, writeFakeInterpreter(t, "exits.sh", "#!/bin/sh\nexit 0\n"))

	done := make(chan error, 1)
	b.OnDead(func(err error) { done <- err })
	go b.Serve()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the bridge to notice the subprocess exit")
	}

	if _, err := b.Call("ping", nil); err == nil {
		t.Fatal("expected Call on a dead bridge to fail immediately")
	}
}

// selfInitiatingScript sends one unsolicited request of its own before ever
// reading anything, matching the engine calling back into the core (e.g. a
// log line) outside of any in-flight Call (spec.md section 4.J).
const selfInitiatingScript = `#!/bin/sh
printf '{"jsonrpc":"2.0","id":1,"method":"logLine","params":{"msg":"hello"}}\n'
while IFS= read -r line; do
	:
done
`

func TestBridgeServeDispatchesSubprocessInitiatedRequests(t *testing.T) {
	b := spawnBridge(t, writeFakeInterpreter(t, "selfinit.sh", selfInitiatingScript))

	received := make(chan string, 1)
	b.RegisterMethod("logLine", func(params json.RawMessage) (interface{}, error) {
		var p struct{ Msg string `json:"msg"` }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		received <- p.Msg
		return map[string]bool{"ok": true}, nil
	})

	go b.Serve()

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("expected msg hello, got %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the subprocess-initiated request to dispatch")
	}
}

func TestBridgeNotifyWritesWithoutError(t *testing.T) {
	b := spawnBridge(t, writeFakeInterpreter(t, "echo.sh", echoScript))

	if err := b.Notify("tick", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}
