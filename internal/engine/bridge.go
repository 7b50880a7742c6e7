package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// MethodHandler answers one subprocess-initiated RPC call. Returning an
// error produces an Internal error response unless the caller wraps it in
// *RPCError for a specific code.
type MethodHandler func(params json.RawMessage) (interface{}, error)

// RPCError lets a MethodHandler pick a specific JSON-RPC error code instead
// of the default Internal (-32603).
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Bridge owns one spawned interpreter subprocess and the duplex, newline-
// delimited JSON-RPC channel on its stdin/stdout (spec.md section 4.J).
// Grounded on archon's os/exec-free codebase for nothing directly — no pack
// example spawns a game-logic subprocess — so the process plumbing below is
// built straight from stdlib os/exec, the only mechanism available for it.
type Bridge struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu sync.Mutex

	nextID int64

	pending   map[int64]chan envelope
	pendingMu sync.Mutex

	methods map[string]MethodHandler

	dead   atomic.Bool
	onDead func(error)
}

// Spawn launches the interpreter per spec.md section 6: working directory
// workDir, command `interpreter entryPoint`, with FK_DISABLED_PACKS (JSON
// array) and FK_RPC_MODE set in the environment.
func Spawn(ctx context.Context, interpreter, entryPoint, workDir string, disabledPacks []string, rpcMode string) (*Bridge, error) {
	disabledJSON, err := json.Marshal(disabledPacks)
	if err != nil {
		return nil, errors.Wrap(err, "encoding disabled pack list")
	}

	cmd := exec.CommandContext(ctx, interpreter, entryPoint)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"FK_DISABLED_PACKS="+string(disabledJSON),
		"FK_RPC_MODE="+rpcMode,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening subprocess stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening subprocess stdout")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting engine subprocess")
	}

	b := &Bridge{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		pending: make(map[int64]chan envelope),
		methods: make(map[string]MethodHandler),
	}
	return b, nil
}

// RegisterMethod adds one entry to the server-exposed RPC method table
// (spec.md section 4.J: logging, Player, Room, Thread methods).
func (b *Bridge) RegisterMethod(name string, handler MethodHandler) {
	b.methods[name] = handler
}

// OnDead registers the callback invoked once, the first time a read from the
// subprocess fails (spec.md section 4.J shutdown()).
func (b *Bridge) OnDead(fn func(error)) { b.onDead = fn }

func (b *Bridge) allocateID() int64 {
	id := atomic.AddInt64(&b.nextID, 1)
	if id >= idRollover {
		atomic.StoreInt64(&b.nextID, 0)
	}
	return id
}

func (b *Bridge) write(e envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encoding rpc envelope")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err = b.stdin.Write(append(data, '\n'))
	return err
}

// Call makes a request to the subprocess and blocks for its response,
// reentrantly dispatching any subprocess-initiated calls that arrive first
// (spec.md section 4.J: "read one packet ... if it is the expected response,
// return"). If the subprocess dies mid-call, Call returns with a logged
// warning rather than blocking forever.
func (b *Bridge) Call(method string, params interface{}) (json.RawMessage, error) {
	if b.dead.Load() {
		return nil, errors.New("engine subprocess is not running")
	}

	id := b.allocateID()
	req, err := newRequestEnvelope(id, method, params)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan envelope, 1)
	b.pendingMu.Lock()
	b.pending[id] = replyCh
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	if err := b.write(req); err != nil {
		return nil, errors.Wrap(err, "writing rpc request")
	}

	for {
		line, err := b.readLine()
		if err != nil {
			b.markDead(err)
			log.Warnf("engine bridge: subprocess died mid-call to %s: %v", method, err)
			return nil, errors.Wrap(err, "engine subprocess died mid-call")
		}

		var e envelope
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warnf("engine bridge: malformed rpc packet: %v", err)
			continue
		}

		if e.isRequest() {
			b.dispatchRequest(e)
			continue
		}

		if e.ID != nil && *e.ID == id {
			if e.Error != nil {
				return nil, errors.Errorf("engine rpc error %d: %s", e.Error.Code, e.Error.Message)
			}
			return e.Result, nil
		}

		// A response to some other in-flight id (shouldn't normally happen
		// since calls aren't pipelined), or a stray notification-shaped
		// response; route it and keep reading for ours.
		b.routeUnexpected(e)
	}
}

// Notify sends a fire-and-forget notification (no id, no reply expected).
func (b *Bridge) Notify(method string, params interface{}) error {
	n, err := newNotificationEnvelope(method, params)
	if err != nil {
		return err
	}
	return b.write(n)
}

// Serve runs the top-level read loop for packets that arrive when no Call
// is in flight: the subprocess's own unsolicited requests/notifications.
// Run in the Room Thread's own goroutine.
func (b *Bridge) Serve() {
	for {
		line, err := b.readLine()
		if err != nil {
			b.markDead(err)
			return
		}

		var e envelope
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warnf("engine bridge: malformed rpc packet: %v", err)
			continue
		}

		if e.isRequest() {
			b.dispatchRequest(e)
		} else {
			b.routeUnexpected(e)
		}
	}
}

func (b *Bridge) dispatchRequest(e envelope) {
	handler, ok := b.methods[e.Method]
	if !ok {
		if e.ID != nil {
			_ = b.write(newErrorEnvelope(*e.ID, ErrMethodNotFound, fmt.Sprintf("method not found: %s", e.Method)))
		}
		return
	}

	result, err := handler(e.Params)
	if e.ID == nil {
		// Notification: no response expected even on error.
		return
	}

	if err != nil {
		code := ErrInternal
		if rpcErr, ok := err.(*RPCError); ok {
			code = rpcErr.Code
		}
		_ = b.write(newErrorEnvelope(*e.ID, code, err.Error()))
		return
	}

	resp, err := newResultEnvelope(*e.ID, result)
	if err != nil {
		_ = b.write(newErrorEnvelope(*e.ID, ErrInternal, "failed to encode result"))
		return
	}
	_ = b.write(resp)
}

// routeUnexpected hands a response to a pending Call waiting on its id, if
// any; this only matters if Serve's loop and an in-flight Call's loop race,
// which the single Room Thread executor design prevents in practice.
func (b *Bridge) routeUnexpected(e envelope) {
	if e.ID == nil {
		return
	}
	b.pendingMu.Lock()
	ch, ok := b.pending[*e.ID]
	b.pendingMu.Unlock()
	if ok {
		ch <- e
	}
}

func (b *Bridge) readLine() ([]byte, error) {
	line, err := b.stdout.ReadBytes('\n')
	if len(line) > 0 {
		return line, nil
	}
	return nil, err
}

func (b *Bridge) markDead(err error) {
	if b.dead.Swap(true) {
		return
	}
	if b.onDead != nil {
		b.onDead(err)
	}
}

// Bye sends the shutdown notification and terminates the subprocess.
func (b *Bridge) Bye() error {
	_ = b.Notify("bye", nil)
	_ = b.stdin.Close()
	return b.cmd.Wait()
}
