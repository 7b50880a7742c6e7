// Package user is the User Manager described in spec.md section 4.E:
// connId/id lookup tables for connected Players, pre-auth rejection gates,
// and the glue that routes the first packet on a new connection into
// internal/auth. Grounded on archon's internal/server/client_list.go (a
// mutex-guarded registry of connected clients) generalized from a single
// flat list keyed by IP to three maps keyed by connection id and Player id.
package user

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fkserver/core/internal/auth"
	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/wire"
)

// Manager tracks connected Players and performs pre-auth admission control.
type Manager struct {
	mu      sync.RWMutex
	byConn  map[int32]*player.Player
	byID    map[int32]*player.Player // humans, id > 0
	robots  map[int32]*player.Player // id < 0

	nextConnID int32

	accounts *store.AccountStore
	authMgr  *auth.Manager

	// tempBans is the in-memory, TTL-expiring IP ban table (spec.md section
	// 4.G temporary bans issued for abandonment), distinct from the
	// permanent/persisted banip table in AccountStore.
	tempBans *gocache.Cache

	capacity int

	// onAuthenticated is invoked once a Player clears the handshake and is
	// installed; the Lobby wires itself in here so user stays decoupled from
	// room/lobby packages.
	onAuthenticated func(p *player.Player)
}

func New(accounts *store.AccountStore, authMgr *auth.Manager, capacity int, tempBanTTL time.Duration) *Manager {
	return &Manager{
		byConn:   make(map[int32]*player.Player),
		byID:     make(map[int32]*player.Player),
		robots:   make(map[int32]*player.Player),
		accounts: accounts,
		authMgr:  authMgr,
		tempBans: gocache.New(tempBanTTL, time.Minute),
		capacity: capacity,
	}
}

// OnAuthenticated registers the callback run after a Player is installed.
func (m *Manager) OnAuthenticated(fn func(p *player.Player)) {
	m.onAuthenticated = fn
}

// FindByConnID/FindByID/FindRobot are read-only lookups used by Room/Lobby.
func (m *Manager) FindByConnID(connID int32) (*player.Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byConn[connID]
	return p, ok
}

func (m *Manager) FindByID(id int32) (*player.Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id < 0 {
		p, ok := m.robots[id]
		return p, ok
	}
	p, ok := m.byID[id]
	return p, ok
}

// Remove implements auth.Registry: drop a Player from the id table, e.g.
// when a stale session is displaced during collision resolution.
func (m *Manager) Remove(id int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 {
		delete(m.robots, id)
		return
	}
	delete(m.byID, id)
}

// Install implements auth.Registry: publish a freshly authenticated (or
// reconnected) Player under its id.
func (m *Manager) Install(p *player.Player) {
	m.mu.Lock()
	if p.IsRobot() {
		m.robots[p.ID] = p
	} else {
		m.byID[p.ID] = p
	}
	m.mu.Unlock()

	if m.onAuthenticated != nil {
		m.onAuthenticated(p)
	}
}

// All returns a snapshot of every currently installed human Player, used by
// the heartbeat ticker and Server.Broadcast (spec.md section 4.K).
func (m *Manager) All() []*player.Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*player.Player, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	return out
}

// count reports the number of connected humans, used for the capacity gate.
func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// HandleNewConnection implements the three pre-auth rejection gates (spec.md
// section 4.E), then sends the greeting, arms the handshake timer, and wires
// the first inbound packet to the Auth Manager.
func (m *Manager) HandleNewConnection(conn *netio.Connection) {
	ip := conn.IPAddr()

	if banned, _ := m.accounts.IsIPBanned(ip); banned {
		_ = conn.Close()
		return
	}
	if _, tempBanned := m.tempBans.Get(ip); tempBanned {
		_ = conn.Close()
		return
	}
	if m.count() >= m.capacity {
		conn.Send(wire.NewNotification(wire.Notification|wire.ServerToClient,
			[]byte("ErrorDlg"), []byte("server-full")))
		_ = conn.Close()
		return
	}

	connID := atomic.AddInt32(&m.nextConnID, 1)
	m.mu.Lock()
	m.byConn[connID] = nil
	m.mu.Unlock()

	conn.ArmHandshakeTimer()
	conn.Send(m.authMgr.Greeting())

	var handshakeDone bool
	var handshakeMu sync.Mutex

	conn.OnPacket(func(pkt wire.Packet) {
		handshakeMu.Lock()
		done := handshakeDone
		handshakeMu.Unlock()
		if done {
			return
		}

		handshakeMu.Lock()
		handshakeDone = true
		handshakeMu.Unlock()

		conn.DisarmHandshakeTimer()
		p, err := m.authMgr.HandleSetup(conn, pkt, connID, m)
		if err != nil {
			return
		}

		m.mu.Lock()
		m.byConn[connID] = p
		m.mu.Unlock()

		// From here on every decoded packet on this socket belongs to p's
		// Router, not the handshake — rewire the connection's single packet
		// callback so replies/notifications actually reach it.
		conn.OnPacket(func(pkt wire.Packet) {
			p.Router.HandlePacket(pkt)
		})
	})

	conn.OnDisconnect(func(error) {
		m.mu.Lock()
		delete(m.byConn, connID)
		m.mu.Unlock()
	})
}

// AdoptForRunner registers a new connId for runner, a run-player-handoff
// shell that has just taken over another Player's live socket (spec.md
// section 4.F). The old connId keeps resolving to the original Player so
// Room membership lookups are unaffected.
func (m *Manager) AdoptForRunner(runner *player.Player) int32 {
	connID := atomic.AddInt32(&m.nextConnID, 1)
	m.mu.Lock()
	m.byConn[connID] = runner
	m.mu.Unlock()
	return connID
}

// WireDisconnect arranges for connID's registry entry to be dropped once
// conn tears down, the same cleanup HandleNewConnection wires for an
// ordinary login, reused here for a socket adopted by a run-player handoff.
func (m *Manager) WireDisconnect(conn *netio.Connection, connID int32) {
	conn.OnDisconnect(func(error) {
		m.mu.Lock()
		delete(m.byConn, connID)
		m.mu.Unlock()
	})
}

// TemporarilyBanIP bans ip for the manager's configured TTL, used for the
// run-player handoff's IP ban (spec.md section 4.F).
func (m *Manager) TemporarilyBanIP(ip string) {
	m.tempBans.SetDefault(ip, struct{}{})
}
