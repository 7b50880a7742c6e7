// Package roommgr is the Room Manager described in spec.md section 4.I: an
// id-keyed Room registry that also owns the sole Lobby instance and decides
// which Room Thread a newly created Room is bound to. Grounded on archon's
// internal/server/shipgate/shipgate_service.go (a mutex-guarded, id-keyed
// registry of remote endpoints), generalized from ships to rooms and their
// attached engine subprocess threads.
package roommgr

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/engine"
	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/room"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/user"
)

// Manager owns every live Room plus the Room Threads they're bound to.
type Manager struct {
	users     *user.Manager
	accounts  *store.AccountStore
	hooks     room.RunnerHooks
	threadCfg engine.ThreadConfig
	mainExec  *executor.Executor

	mu          sync.RWMutex
	rooms       map[int32]*room.Room
	threads     []*engine.RoomThread
	nextRoomID  int32
	fingerprint [32]byte

	onThreadRPCRegister func(thread *engine.RoomThread)
}

// Config collects what Manager needs beyond the user/account handles.
type Config struct {
	ThreadConfig engine.ThreadConfig
	Hooks        room.RunnerHooks
	// MainExecutor is the Server's main executor; every Room built by this
	// Manager dispatches abandonment checks and game-over bookkeeping onto
	// it (spec.md section 5).
	MainExecutor *executor.Executor
	// OnThreadRPCRegister is invoked once per newly spawned Room Thread so
	// the caller (gameserver.Server) can register the server-exposed RPC
	// method table (spec.md section 4.J) without roommgr importing
	// gameserver.
	OnThreadRPCRegister func(thread *engine.RoomThread)
}

func New(users *user.Manager, accounts *store.AccountStore, cfg Config) *Manager {
	return &Manager{
		users:               users,
		accounts:            accounts,
		hooks:               cfg.Hooks,
		threadCfg:           cfg.ThreadConfig,
		mainExec:            cfg.MainExecutor,
		rooms:               make(map[int32]*room.Room),
		onThreadRPCRegister: cfg.OnThreadRPCRegister,
	}
}

// FindRoom looks up a Room by id.
func (m *Manager) FindRoom(id int32) (*room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// ListRooms returns a stable-ordered snapshot of every live Room, for
// RefreshRoomList (spec.md section 4.G).
func (m *Manager) ListRooms() []*room.Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*room.Room, 0, len(m.rooms))
	for id := int32(1); id <= m.nextRoomID; id++ {
		if r, ok := m.rooms[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// CreateRoom allocates a new Room id, finds or spawns an available Room
// Thread, and registers the Room. Implements spec.md section 4.I createRoom;
// its signature satisfies internal/lobby's RoomCreator contract without an
// import cycle between the two packages.
func (m *Manager) CreateRoom(owner *player.Player, name string, capacity, timeout int32, settings []byte) (*room.Room, error) {
	thread, err := m.availableThread()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextRoomID++
	id := m.nextRoomID
	m.mu.Unlock()

	r := room.New(id, name, capacity, timeout, settings, owner.ConnID, m.users, m.accounts, thread, m.mainExec, m.hooks)
	r.OnAbandoned(func(abandoned *room.Room) {
		m.RemoveRoom(abandoned.ID)
	})

	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()

	thread.AttachRoom(id)
	return r, nil
}

// RemoveRoom detaches the Room from its thread and drops the registry entry
// (spec.md section 4.I removeRoom). If the thread is outdated and its
// refcount has reached zero, the thread itself is retired.
func (m *Manager) RemoveRoom(id int32) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var target *engine.RoomThread
	m.mu.RLock()
	for _, t := range m.threads {
		if t.ID == r.ThreadID {
			target = t
			break
		}
	}
	m.mu.RUnlock()
	if target == nil {
		return
	}

	remaining := target.DetachRoom(id)
	if target.IsOutdated() && remaining == 0 {
		m.retireThread(target)
	}
}

// availableThread returns the first non-full, non-outdated thread, spawning
// one if none qualifies (spec.md section 4.I/4.K getAvailableThread).
func (m *Manager) availableThread() (*engine.RoomThread, error) {
	m.mu.RLock()
	for _, t := range m.threads {
		if t.HasCapacity() {
			m.mu.RUnlock()
			return t, nil
		}
	}
	m.mu.RUnlock()

	return m.spawnThread()
}

// SetFingerprint updates the fingerprint newly spawned threads are stamped
// with, kept in sync with packman.Manager.Fingerprint() by
// gameserver.Server.RefreshFingerprint.
func (m *Manager) SetFingerprint(fp [32]byte) {
	m.mu.Lock()
	m.fingerprint = fp
	m.mu.Unlock()
}

func (m *Manager) spawnThread() (*engine.RoomThread, error) {
	id := engine.NextThreadID()

	m.mu.RLock()
	fingerprint := m.fingerprint
	m.mu.RUnlock()

	thread, err := engine.SpawnThread(context.Background(), id, m.threadCfg, fingerprint)
	if err != nil {
		return nil, errors.Wrap(err, "spawning room thread")
	}

	thread.OnDead(func(t *engine.RoomThread, err error) {
		log.Warnf("room thread %d died, shutting down its rooms: %v", t.ID, err)
		m.shutdownThread(t)
	})

	if m.onThreadRPCRegister != nil {
		m.onThreadRPCRegister(thread)
	}

	m.mu.Lock()
	m.threads = append(m.threads, thread)
	m.mu.Unlock()

	return thread, nil
}

// MarkOutdated flags every currently live thread as outdated, called from
// Server.refreshFingerprint (spec.md section 4.K) when the content
// fingerprint changes.
func (m *Manager) MarkOutdated() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.threads {
		t.MarkOutdated()
	}
}

// SweepOutdatedThreads removes every outdated thread whose refcount has
// already reached zero (spec.md section 4.K step 4).
func (m *Manager) SweepOutdatedThreads() {
	m.mu.Lock()
	var kept []*engine.RoomThread
	var toRetire []*engine.RoomThread
	for _, t := range m.threads {
		if t.IsOutdated() && t.RefCount() == 0 {
			toRetire = append(toRetire, t)
			continue
		}
		kept = append(kept, t)
	}
	m.threads = kept
	m.mu.Unlock()

	for _, t := range toRetire {
		_ = t.Bye()
	}
}

func (m *Manager) retireThread(t *engine.RoomThread) {
	m.mu.Lock()
	for i, existing := range m.threads {
		if existing == t {
			m.threads = append(m.threads[:i], m.threads[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	_ = t.Bye()
}

// shutdownThread implements spec.md section 4.J shutdown(): on fatal
// inability to reach the subprocess, every room on the thread is told the
// server hit an internal error, decref'd once, marked outdated, and removed.
func (m *Manager) shutdownThread(t *engine.RoomThread) {
	t.MarkOutdated()
	for _, roomID := range t.Rooms() {
		r, ok := m.FindRoom(roomID)
		if !ok {
			continue
		}
		r.BroadcastError("Server Internal Error")
		r.DecreaseRefCount()
		m.RemoveRoom(roomID)
	}
}
