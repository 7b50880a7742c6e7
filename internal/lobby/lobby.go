// Package lobby implements the pseudo-room every Online Player not in a Room
// resides in (spec.md section 4.G): room listing, avatar/password changes,
// room creation/join/observe and global chat. Dispatch-by-command is
// generalized from archon's internal/server/block/block.go packet switch
// (a single Handle entrypoint fanning out on packet type), here keyed by
// the command string instead of a numeric PSO opcode.
package lobby

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/auth"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/room"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/wire"
)

// RoomCreator is the subset of roommgr.Manager the Lobby needs to handle
// CreateRoom without importing the roommgr package (which in turn owns the
// Lobby, so the dependency must run this direction only).
type RoomCreator interface {
	CreateRoom(owner *player.Player, name string, capacity, timeout int32, settings []byte) (*room.Room, error)
	ListRooms() []*room.Room
	FindRoom(id int32) (*room.Room, bool)
}

// Manager is the sole Lobby instance (spec.md section 3: "the sole room with
// id = 0"), membership indexed by connId.
type Manager struct {
	rooms    RoomCreator
	accounts *store.AccountStore

	mu      sync.RWMutex
	members map[int32]*player.Player
}

func New(rooms RoomCreator, accounts *store.AccountStore) *Manager {
	return &Manager{
		rooms:    rooms,
		accounts: accounts,
		members:  make(map[int32]*player.Player),
	}
}

// AddMember installs p into the Lobby's connId-indexed membership set and
// broadcasts the updated headcount (spec.md section 4.G, 6: UpdatePlayerNum).
func (m *Manager) AddMember(p *player.Player) {
	p.RoomID = 0

	m.mu.Lock()
	m.members[p.ConnID] = p
	count := len(m.members)
	m.mu.Unlock()

	if p.Router != nil {
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("EnterLobby"), nil)
	}
	m.broadcastPlayerCount(count)
}

// RemoveMember drops a connId from the membership set, used both on
// ordinary room-join and on disconnect/kick.
func (m *Manager) RemoveMember(connID int32) {
	m.mu.Lock()
	delete(m.members, connID)
	count := len(m.members)
	m.mu.Unlock()
	m.broadcastPlayerCount(count)
}

func (m *Manager) broadcastPlayerCount(count int) {
	m.mu.RLock()
	members := make([]*player.Player, 0, len(m.members))
	for _, p := range m.members {
		members = append(members, p)
	}
	m.mu.RUnlock()

	payload := wire.EncodeArrayHeader(2)
	payload = append(payload, wire.EncodeInt(int64(count))...)
	payload = append(payload, wire.EncodeInt(int64(count))...)
	for _, p := range members {
		if p.Router != nil {
			_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("UpdatePlayerNum"), payload)
		}
	}
}

// KickAll disconnects every Lobby resident, used by Server.refreshFingerprint
// step 5 (spec.md section 4.K) after a content change invalidates anyone not
// already committed to a Room.
func (m *Manager) KickAll(reason string) {
	m.mu.Lock()
	members := make([]*player.Player, 0, len(m.members))
	for _, p := range m.members {
		members = append(members, p)
	}
	m.members = make(map[int32]*player.Player)
	m.mu.Unlock()

	for _, p := range members {
		if p.Router != nil {
			_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("ErrorDlg"), wire.EncodeText(reason))
		}
		if p.Conn != nil {
			_ = p.Conn.Close()
		}
	}
}

// AbandonedCheck implements spec.md section 4.G's abandonment pass: iterates
// members and removes any whose socket is gone.
func (m *Manager) AbandonedCheck() {
	m.mu.RLock()
	stale := make([]int32, 0)
	for connID, p := range m.members {
		if p.Conn == nil {
			stale = append(stale, connID)
		}
	}
	m.mu.RUnlock()

	for _, connID := range stale {
		m.RemoveMember(connID)
	}
}

// Handle dispatches one Lobby-scoped command from p. Malformed payloads
// silently no-op (spec.md section 4.G).
func (m *Manager) Handle(p *player.Player, command string, payload []byte) {
	switch command {
	case "UpdateAvatar":
		m.handleUpdateAvatar(p, payload)
	case "UpdatePassword":
		m.handleUpdatePassword(p, payload)
	case "CreateRoom":
		m.handleCreateRoom(p, payload)
	case "EnterRoom":
		m.handleEnterRoom(p, payload)
	case "ObserveRoom":
		m.handleObserveRoom(p, payload)
	case "RefreshRoomList":
		m.handleRefreshRoomList(p)
	case "Chat":
		m.handleChat(p, payload)
	default:
		log.Debugf("lobby: unhandled command %q from connId %d", command, p.ConnID)
	}
}

func (m *Manager) handleUpdateAvatar(p *player.Player, payload []byte) {
	avatar, ok := decodeString(payload)
	if !ok {
		return
	}
	if err := m.accounts.UpdateAvatar(p.ID, avatar); err != nil {
		log.Warnf("lobby: updating avatar for %d: %v", p.ID, err)
		return
	}
	p.Avatar = avatar
	if p.Router != nil {
		changed, _ := wire.EncodeMap([]string{"connId", "avatar"}, []interface{}{p.ConnID, avatar})
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("ChangeSelf"), changed)
	}
}

func (m *Manager) handleUpdatePassword(p *player.Player, payload []byte) {
	items, ok := decodeArray(payload)
	if !ok || len(items) != 2 {
		return
	}
	oldPassword, ok1 := items[0].(string)
	newPassword, ok2 := items[1].(string)
	if !ok1 || !ok2 {
		return
	}

	account, err := m.accounts.FindByID(p.ID)
	if err != nil || account == nil {
		return
	}
	if auth.HashWithSalt(oldPassword, account.Salt) != account.PasswordHash {
		m.sendError(p, "wrong-current-password")
		return
	}

	newHash := auth.HashWithSalt(newPassword, account.Salt)
	if err := m.accounts.UpdatePassword(p.ID, newHash, account.Salt); err != nil {
		log.Warnf("lobby: updating password for %d: %v", p.ID, err)
	}
}

func (m *Manager) handleCreateRoom(p *player.Player, payload []byte) {
	items, ok := decodeArray(payload)
	if !ok || len(items) != 4 {
		return
	}
	name, ok1 := items[0].(string)
	capacity, ok2 := items[1].(int64)
	timeout, ok3 := items[2].(int64)
	settings, ok4 := items[3].([]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return
	}

	r, err := m.rooms.CreateRoom(p, name, int32(capacity), int32(timeout), settings)
	if err != nil {
		m.sendError(p, "create-room-failed")
		return
	}

	m.RemoveMember(p.ConnID)
	_ = r.AddPlayer(p)
}

func (m *Manager) handleEnterRoom(p *player.Player, payload []byte) {
	id, ok := decodeInt(payload)
	if !ok {
		return
	}
	r, found := m.rooms.FindRoom(int32(id))
	if !found {
		m.sendError(p, "no-such-room")
		return
	}
	if err := r.AddPlayer(p); err != nil {
		m.sendError(p, "enter-room-failed")
		return
	}
	m.RemoveMember(p.ConnID)
	p.RoomID = r.ID
}

func (m *Manager) handleObserveRoom(p *player.Player, payload []byte) {
	id, ok := decodeInt(payload)
	if !ok {
		return
	}
	r, found := m.rooms.FindRoom(int32(id))
	if !found {
		m.sendError(p, "no-such-room")
		return
	}
	if err := r.AddObserver(p); err != nil {
		m.sendError(p, "observe-room-failed")
	}
}

func (m *Manager) handleRefreshRoomList(p *player.Player) {
	if p.Router == nil {
		return
	}
	rooms := m.rooms.ListRooms()
	entries := make([]interface{}, 0, len(rooms))
	for _, r := range rooms {
		entry, err := wire.EncodeMap(
			[]string{"id", "name", "capacity", "members", "started", "mode"},
			[]interface{}{r.ID, r.Name, r.Capacity, r.MemberCount(), r.Started(), r.GameMode()})
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	payload := wire.EncodeArrayHeader(len(entries))
	for _, e := range entries {
		payload = append(payload, e.([]byte)...)
	}
	_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("UpdateRoomList"), payload)
}

func (m *Manager) handleChat(p *player.Player, payload []byte) {
	msg, ok := decodeString(payload)
	if !ok {
		return
	}
	chatPayload, _ := wire.EncodeMap([]string{"connId", "screenName", "message"},
		[]interface{}{p.ConnID, p.ScreenName, msg})

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, member := range m.members {
		if member.Router != nil {
			_ = member.Router.Notify(wire.Notification|wire.ServerToClient, []byte("Chat"), chatPayload)
		}
	}
}

func (m *Manager) sendError(p *player.Player, code string) {
	if p.Router == nil {
		return
	}
	_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("ErrorDlg"), wire.EncodeText(code))
}

func decodeString(payload []byte) (string, bool) {
	v, n, err := wire.DecodeValue(payload)
	if err != nil || n != len(payload) {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		if b, ok2 := v.([]byte); ok2 {
			return string(b), true
		}
	}
	return s, ok
}

func decodeInt(payload []byte) (int64, bool) {
	v, n, err := wire.DecodeValue(payload)
	if err != nil || n != len(payload) {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

func decodeArray(payload []byte) ([]interface{}, bool) {
	v, n, err := wire.DecodeValue(payload)
	if err != nil || n != len(payload) {
		return nil, false
	}
	items, ok := v.([]interface{})
	return items, ok
}
