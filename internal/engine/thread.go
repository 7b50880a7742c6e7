package engine

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/executor"
)

// ThreadConfig collects the knobs needed to spawn a Room Thread's
// interpreter subprocess (spec.md section 6).
type ThreadConfig struct {
	Interpreter   string
	EntryPoint    string
	WorkDir       string
	RPCMode       string
	DisabledPacks []string
	Capacity      int
}

// RoomThread is one worker: a single-goroutine executor serializing access
// to one spawned interpreter subprocess, plus the bookkeeping spec.md
// section 3/4.J describes (capacity, attached rooms, outdatedness).
// Grounded on archon's internal/server/shipgate/shipgate_client.go for the
// "one RPC-capable remote endpoint per worker" shape, generalized from a
// gRPC client to a stdin/stdout subprocess bridge.
type RoomThread struct {
	ID int32

	bridge   *Bridge
	workExec *executor.Executor

	capacity int32

	mu                 sync.Mutex
	rooms              []int32
	contentFingerprint [32]byte
	outdated           bool

	refCount int32 // rooms currently attached; guarded by mu

	deadOnce sync.Once
	onDead   func(t *RoomThread, err error)
}

// SpawnThread launches a new Room Thread: spawns the interpreter subprocess,
// starts the bridge's read loop on its own goroutine, and returns the handle
// callers register rooms against.
func SpawnThread(ctx context.Context, id int32, cfg ThreadConfig, fingerprint [32]byte) (*RoomThread, error) {
	bridge, err := Spawn(ctx, cfg.Interpreter, cfg.EntryPoint, cfg.WorkDir, cfg.DisabledPacks, cfg.RPCMode)
	if err != nil {
		return nil, err
	}

	capacity := int32(cfg.Capacity)
	if capacity <= 0 {
		capacity = 8
	}

	t := &RoomThread{
		ID:                 id,
		bridge:             bridge,
		workExec:           executor.New(64),
		capacity:           capacity,
		contentFingerprint: fingerprint,
	}

	bridge.OnDead(func(err error) {
		log.Warnf("room thread %d: subprocess died: %v", id, err)
		t.deadOnce.Do(func() {
			if t.onDead != nil {
				t.onDead(t, err)
			}
		})
	})

	go bridge.Serve()
	return t, nil
}

// RegisterMethod exposes one server-hosted RPC method the subprocess may call.
func (t *RoomThread) RegisterMethod(name string, handler MethodHandler) {
	t.bridge.RegisterMethod(name, handler)
}

// OnDead registers the callback invoked once, the first time the subprocess
// dies; the caller (roommgr) uses this to drive thread shutdown (spec.md
// section 4.J shutdown()).
func (t *RoomThread) OnDead(fn func(*RoomThread, error)) { t.onDead = fn }

// IsOutdated reports whether the Server's content fingerprint has moved on
// from the one this thread was spawned with.
func (t *RoomThread) IsOutdated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outdated
}

// MarkOutdated flags the thread as outdated: it keeps serving rooms already
// attached, but HasCapacity reports false from now on, so no new room is
// bound to it.
func (t *RoomThread) MarkOutdated() {
	t.mu.Lock()
	t.outdated = true
	t.mu.Unlock()
}

// HasCapacity reports whether another room can be bound to this thread.
func (t *RoomThread) HasCapacity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.outdated && int32(len(t.rooms)) < t.capacity
}

// AttachRoom records roomID as hosted by this thread and increments refCount.
func (t *RoomThread) AttachRoom(roomID int32) {
	t.mu.Lock()
	t.rooms = append(t.rooms, roomID)
	t.refCount++
	t.mu.Unlock()
}

// DetachRoom removes roomID and decrements refCount; it reports the
// resulting refCount so the caller can decide whether to retire the thread.
func (t *RoomThread) DetachRoom(roomID int32) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range t.rooms {
		if id == roomID {
			t.rooms = append(t.rooms[:i], t.rooms[i+1:]...)
			break
		}
	}
	if t.refCount > 0 {
		t.refCount--
	}
	return t.refCount
}

// RefCount returns the number of rooms currently attached to this thread.
func (t *RoomThread) RefCount() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount
}

// Rooms returns a snapshot of the room ids hosted by this thread.
func (t *RoomThread) Rooms() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int32, len(t.rooms))
	copy(out, t.rooms)
	return out
}

// Dispatch posts a closure onto the thread's worker executor, preserving
// invocation order across every origin that can drive this thread — a user
// packet, an admin command, or a reentrant engine callback (spec.md section
// 5: "Requests to a Room Thread from any origin ... are appended to that
// thread's queue in invocation order").
func (t *RoomThread) Dispatch(fn func()) { t.workExec.Post(fn) }

// HandleRequest pushes a raw "<roomId>,<senderId>,<command>" string into the
// engine as a notification, the Thread-to-engine call spec.md section 4.J
// names HandleRequest(raw).
func (t *RoomThread) HandleRequest(raw string) {
	t.Dispatch(func() {
		if err := t.bridge.Notify("HandleRequest", []string{raw}); err != nil {
			log.Warnf("room thread %d: HandleRequest failed: %v", t.ID, err)
		}
	})
}

// ResumeRoom wakes the engine for roomId with the given reason (spec.md
// section 4.F thinking-player disconnect, section 4.H abandonment checks).
func (t *RoomThread) ResumeRoom(roomID int32, reason string) {
	t.Dispatch(func() {
		if err := t.bridge.Notify("ResumeRoom", []interface{}{roomID, reason}); err != nil {
			log.Warnf("room thread %d: ResumeRoom failed: %v", t.ID, err)
		}
	})
}

// SetPlayerState, AddObserver and RemoveObserver are straightforward
// Thread-to-engine notifications (spec.md section 4.J).
func (t *RoomThread) SetPlayerState(connID int32, state string) {
	t.Dispatch(func() {
		_ = t.bridge.Notify("SetPlayerState", []interface{}{connID, state})
	})
}

func (t *RoomThread) AddObserver(roomID, connID int32) {
	t.Dispatch(func() {
		_ = t.bridge.Notify("AddObserver", []interface{}{roomID, connID})
	})
}

func (t *RoomThread) RemoveObserver(roomID, connID int32) {
	t.Dispatch(func() {
		_ = t.bridge.Notify("RemoveObserver", []interface{}{roomID, connID})
	})
}

// Bye tells the subprocess to shut down and tears down the bridge. Used both
// for ordinary outdated-thread retirement and for the fatal-error shutdown
// path (spec.md section 4.J shutdown()).
func (t *RoomThread) Bye() error {
	return t.bridge.Bye()
}

// threadIDCounter backs NextThreadID (spec.md section 9: mutable global
// counters become atomic process-wide counters). Room Thread ids never need
// to roll over in practice, bounded as they are by the live subprocess
// count, unlike the request/connection id counters.
var threadIDCounter int32

func NextThreadID() int32 {
	return atomic.AddInt32(&threadIDCounter, 1)
}
