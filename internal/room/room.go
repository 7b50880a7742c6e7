// Package room implements one game instance's membership, lifecycle and
// abandonment rules (spec.md section 4.H). Novel relative to the teacher
// repo — archon's PSO rooms are pure client-side lobby state with no
// server-owned refcount or subprocess attachment — so the refcount/threading
// rules here are built straight from original_source/src/server/room, with
// the ordered-membership and broadcast style borrowed from archon's
// internal/server/block packet-switch pattern (internal/lobby.Manager).
package room

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/engine"
	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/user"
	"github.com/fkserver/core/internal/wire"
)

// rejectionWindow is how long a kicked player is barred from rejoining
// (spec.md section 3: "rejectedIds: set (kicked players cannot rejoin for
// 3 min)").
const rejectionWindow = 3 * time.Minute

var (
	ErrRoomFull       = fmt.Errorf("room is full")
	ErrAlreadyStarted = fmt.Errorf("room has already started")
	ErrRejected       = fmt.Errorf("player is temporarily rejected from this room")
	ErrNotOwner       = fmt.Errorf("only the room owner may do this")
	ErrNotStarted     = fmt.Errorf("room has not started")
)

// RunnerHooks decouples Room from the lobby/user-manager packages it would
// otherwise need to import to perform the run-player handoff (spec.md
// section 4.F): placing the runner shell in the Lobby and issuing the
// temporary IP ban are both owned elsewhere.
type RunnerHooks struct {
	PlaceInLobby func(runner *player.Player)
	BanIP        func(ip string)
	// AdoptSocket transfers original's live socket to runner (spec.md
	// section 4.F: the runner "adopts the socket"), leaving original
	// attached to the Room with no direct transport of its own. A no-op
	// if original has no live socket (e.g. it was already disconnected).
	AdoptSocket func(original, runner *player.Player)
}

// GameResult is one member's outcome, reported by the engine via
// updatePlayerWinRate/gameOver RPC calls (spec.md section 4.J).
type GameResult struct {
	ConnID int32
	Mode   string
	Role   string
	Won    bool
	Died   bool
}

// Room is one game instance: membership, readiness, lifecycle state and the
// engine attachment refcount (spec.md section 3).
type Room struct {
	ID          int32
	Name        string
	Capacity    int32
	Timeout     int32
	Settings    []byte
	ThreadID    int32

	users    *user.Manager
	accounts *store.AccountStore
	thread   *engine.RoomThread
	mainExec *executor.Executor
	hooks    RunnerHooks

	mu          sync.Mutex
	ownerConnID int32
	players     []int32 // connId, insertion order
	observers   []int32
	rejected    map[int32]time.Time
	started     bool
	sessionID   int32
	sessionData []byte
	lastMode    string

	refMu    sync.Mutex
	refCount int32

	timerMu sync.Mutex
	timer   *time.Timer

	onAbandoned func(r *Room)
}

// New constructs a Room bound to the given Room Thread. ownerConnID is the
// creator's connId (spec.md section 3: "ownerConnId always references a
// member with positive id or equals 0").
func New(id int32, name string, capacity, timeout int32, settings []byte, ownerConnID int32,
	users *user.Manager, accounts *store.AccountStore, thread *engine.RoomThread, mainExec *executor.Executor, hooks RunnerHooks) *Room {
	return &Room{
		ID:          id,
		Name:        name,
		Capacity:    capacity,
		Timeout:     timeout,
		Settings:    settings,
		ThreadID:    thread.ID,
		users:       users,
		accounts:    accounts,
		thread:      thread,
		mainExec:    mainExec,
		hooks:       hooks,
		ownerConnID: ownerConnID,
		rejected:    make(map[int32]time.Time),
	}
}

// OnAbandoned registers the callback the Room Manager uses to remove a Room
// once it has no members and no engine attachment left (spec.md section
// 4.H/4.I).
func (r *Room) OnAbandoned(fn func(r *Room)) {
	r.mu.Lock()
	r.onAbandoned = fn
	r.mu.Unlock()
}

// GameMode reads the opaque settings blob's "gameMode" key, one of the two
// keys spec.md section 3 says the core actually reads out of Settings.
func (r *Room) GameMode() string {
	return r.settingsField("gameMode")
}

// Password reads the opaque settings blob's "password" key.
func (r *Room) Password() string {
	return r.settingsField("password")
}

func (r *Room) settingsField(key string) string {
	v, _, err := wire.DecodeValue(r.Settings)
	if err != nil {
		return ""
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Started reports whether manuallyStart has run for this session.
func (r *Room) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// MemberCount returns the number of non-observer members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Owner returns the current owner's connId, 0 if unassigned.
func (r *Room) Owner() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerConnID
}

func (r *Room) memberPlayers() []*player.Player {
	r.mu.Lock()
	ids := append([]int32(nil), r.players...)
	r.mu.Unlock()

	out := make([]*player.Player, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.users.FindByConnID(id); ok && p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (r *Room) broadcast(command string, payload []byte) {
	for _, p := range r.memberPlayers() {
		if p.Router != nil {
			_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte(command), payload)
		}
	}
}

// loadGameData refreshes p's cached [total, win, run] win-rate triple for
// the room's current game mode (spec.md section 4.H/4.J gameData). Storage
// errors are logged and swallowed per spec.md section 7 — a lookup failure
// falls back to zeros rather than blocking the join.
func (r *Room) loadGameData(p *player.Player) {
	total, win, run, err := r.accounts.FindGameData(p.ID, r.GameMode())
	if err != nil {
		log.Warnf("room %d: loading game data for player %d: %v", r.ID, p.ID, err)
		total, win, run = 0, 0, 0
	}
	p.SetGameData(total, win, run)
}

func (r *Room) gameDataPayload(p *player.Player) []byte {
	total, win, run := p.GameData()
	payload, _ := wire.EncodeMap(
		[]string{"id", "total", "win", "run"},
		[]interface{}{p.ID, total, win, run})
	return payload
}

// BroadcastError sends an ErrorDlg notification to every current member, used
// by the Room Thread shutdown path (spec.md section 4.J shutdown()) and by
// any other caller that needs to surface a server-side failure to the room.
func (r *Room) BroadcastError(msg string) {
	r.broadcast("ErrorDlg", wire.EncodeText(msg))
}

// AddPlayer implements spec.md section 4.H addPlayer: rejects a full,
// started or temporarily-rejected room; otherwise broadcasts the join,
// appends the member, sends the joiner its own room snapshot, replays
// existing members to the joiner, and assigns an owner if none exists.
func (r *Room) AddPlayer(p *player.Player) error {
	r.mu.Lock()
	if len(r.players) >= int(r.Capacity) {
		r.mu.Unlock()
		return ErrRoomFull
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	if until, rejected := r.rejected[p.ID]; rejected && time.Now().Before(until) {
		r.mu.Unlock()
		return ErrRejected
	}
	existing := append([]int32(nil), r.players...)
	r.players = append(r.players, p.ConnID)
	if r.ownerConnID == 0 {
		r.ownerConnID = p.ConnID
	}
	owner := r.ownerConnID
	r.mu.Unlock()

	addedPayload, _ := wire.EncodeMap(
		[]string{"connId", "id", "screenName", "avatar"},
		[]interface{}{p.ConnID, p.ID, p.ScreenName, p.Avatar})
	r.broadcast("AddPlayer", addedPayload)

	enterPayload, _ := wire.EncodeMap(
		[]string{"id", "capacity", "timeout", "settings"},
		[]interface{}{r.ID, r.Capacity, r.Timeout, r.Settings})
	if p.Router != nil {
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("EnterRoom"), enterPayload)
	}

	for _, connID := range existing {
		other, ok := r.users.FindByConnID(connID)
		if !ok || other == nil || p.Router == nil {
			continue
		}
		info, _ := wire.EncodeMap(
			[]string{"connId", "id", "screenName", "avatar"},
			[]interface{}{other.ConnID, other.ID, other.ScreenName, other.Avatar})
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("AddPlayer"), info)
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("UpdateGameData"), r.gameDataPayload(other))
	}

	// Per-mode win-rate (spec.md section 4.H "fetches per-mode win-rate on
	// mode change"): a mode change re-fetches every current member's
	// triple and re-broadcasts it room-wide; otherwise only the joiner's
	// own (freshly fetched) triple needs announcing.
	if mode := r.GameMode(); mode != r.lastMode {
		r.lastMode = mode
		for _, member := range r.memberPlayers() {
			r.loadGameData(member)
			r.broadcast("UpdateGameData", r.gameDataPayload(member))
		}
	} else {
		r.loadGameData(p)
		r.broadcast("UpdateGameData", r.gameDataPayload(p))
	}

	if owner == p.ConnID {
		r.broadcast("RoomOwner", wire.EncodeInt(int64(owner)))
	}
	return nil
}

// ResendSetup re-sends the EnterRoom frame a fresh join would receive,
// without touching membership or broadcasting AddPlayer again. Used on
// reconnection (spec.md section 4.D gate 8 / section 4.F): the player never
// left the room's member list, so only the setup frame needs repeating.
func (r *Room) ResendSetup(p *player.Player) {
	enterPayload, _ := wire.EncodeMap(
		[]string{"id", "capacity", "timeout", "settings"},
		[]interface{}{r.ID, r.Capacity, r.Timeout, r.Settings})
	if p.Router != nil {
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("EnterRoom"), enterPayload)
	}
}

// RemovePlayer implements spec.md section 4.H removePlayer: a pre-start
// departure is a plain removal; a started-game departure triggers the
// run-player handoff and, if membership drops to zero, an abandonment check.
func (r *Room) RemovePlayer(p *player.Player) {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()

	if !started {
		r.removeMember(p.ConnID)
		r.broadcast("RemovePlayer", wire.EncodeInt(int64(p.ConnID)))
		return
	}

	r.handoffToRunner(p)

	if r.MemberCount() == 0 || r.noLiveMembers() {
		r.ScheduleAbandonmentCheck("NoHuman")
	}
}

func (r *Room) removeMember(connID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range r.players {
		if id == connID {
			r.players = append(r.players[:i], r.players[i+1:]...)
			break
		}
	}
	if r.ownerConnID == connID {
		if len(r.players) > 0 {
			r.ownerConnID = r.players[0]
		} else {
			r.ownerConnID = 0
		}
	}
}

func (r *Room) noLiveMembers() bool {
	for _, p := range r.memberPlayers() {
		if p.State() != player.Run && p.State() != player.Offline {
			return false
		}
	}
	return true
}

// handoffToRunner preserves p's in-game identity (state=Run, still a Room
// member, so its seat stays populated) while a new runner Player takes over
// p's socket through hooks.AdoptSocket and is placed in the Lobby (spec.md
// section 4.F).
func (r *Room) handoffToRunner(p *player.Player) {
	if p.Runned() {
		return
	}
	p.SetRunned(true)
	p.SetState(player.Run)

	runner := player.New()
	runner.ID = 0 // unassigned per spec.md section 3
	runner.ScreenName = p.ScreenName
	runner.Avatar = p.Avatar
	runner.UUID = p.UUID
	runner.RoomID = 0
	total, win, run := p.GameData()
	runner.SetGameData(total, win, run)
	runner.AddGameTime(p.GameTimeSeconds())

	if r.hooks.AdoptSocket != nil {
		r.hooks.AdoptSocket(p, runner)
	}

	if r.hooks.PlaceInLobby != nil {
		r.hooks.PlaceInLobby(runner)
	}

	if r.hooks.BanIP != nil && !r.IsOutdated() {
		if acct, err := r.accounts.FindByID(p.ID); err == nil && acct != nil && acct.LastIP != "" {
			r.hooks.BanIP(acct.LastIP)
		}
	}

	if p.Thinking() {
		r.thread.ResumeRoom(r.ID, "player_disconnect")
	}
}

// Forward pushes a raw client command into the engine as a comma-joined
// "<roomId>,<senderId>,<command>" string (spec.md section 4.J), the generic
// path for in-game actions the core itself has no opinion about (PushRequest).
func (r *Room) Forward(senderID int32, command string) {
	r.thread.HandleRequest(fmt.Sprintf("%d,%d,%s", r.ID, senderID, command))
}

// AddObserver forwards an "observe" request to the engine; only valid once
// the room has started (spec.md section 4.H).
func (r *Room) AddObserver(p *player.Player) error {
	if !r.Started() {
		return ErrNotStarted
	}
	r.mu.Lock()
	r.observers = append(r.observers, p.ConnID)
	r.mu.Unlock()

	r.thread.AddObserver(r.ID, p.ConnID)
	r.thread.HandleRequest(fmt.Sprintf("%d,%d,observe", r.ID, p.ID))
	return nil
}

func (r *Room) RemoveObserver(p *player.Player) {
	r.mu.Lock()
	for i, id := range r.observers {
		if id == p.ConnID {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.thread.RemoveObserver(r.ID, p.ConnID)
}

// KickPlayer is owner-only and bars the target from rejoining for
// rejectionWindow (spec.md section 4.H kickPlayer).
func (r *Room) KickPlayer(requesterConnID int32, target *player.Player) error {
	r.mu.Lock()
	if r.ownerConnID != requesterConnID {
		r.mu.Unlock()
		return ErrNotOwner
	}
	r.rejected[target.ID] = time.Now().Add(rejectionWindow)
	r.mu.Unlock()

	r.removeMember(target.ConnID)
	r.broadcast("RemovePlayer", wire.EncodeInt(int64(target.ConnID)))
	return nil
}

// ManuallyStart implements spec.md section 4.H manuallyStart: requires a
// full, not-yet-started room; resets readiness/death/game-time, detects
// duplicate IP/UUID among members, pushes the newroom notification, and
// atomically bumps refCount so a concurrent reconnect request is guaranteed
// to queue after newroom on the thread's ordered executor.
func (r *Room) ManuallyStart() error {
	r.mu.Lock()
	if len(r.players) < int(r.Capacity) {
		r.mu.Unlock()
		return fmt.Errorf("room is not full")
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.sessionID++
	r.mu.Unlock()

	members := r.memberPlayers()
	seenIPs := make(map[string]bool)
	seenUUIDs := make(map[string]bool)
	for _, p := range members {
		p.SetReady(false)
		p.SetDied(false)
		p.ResetGameTime()

		if acct, err := r.accounts.FindByID(p.ID); err == nil && acct != nil {
			if acct.LastIP != "" && seenIPs[acct.LastIP] {
				r.broadcast("ServerMessage", wire.EncodeText("#DuplicateIPWarning"))
			}
			seenIPs[acct.LastIP] = true
		}
		if seenUUIDs[p.UUID] {
			r.broadcast("ServerMessage", wire.EncodeText("#DuplicateUUIDWarning"))
		}
		seenUUIDs[p.UUID] = true
	}

	r.thread.HandleRequest(fmt.Sprintf("-1,%d,newroom", r.ID))
	r.IncreaseRefCount()
	return nil
}

// IncreaseRefCount/DecreaseRefCount guard Room.refCount under its own mutex
// per spec.md section 5; DecreaseRefCount never lets the count go negative
// (testable property 5).
func (r *Room) IncreaseRefCount() int32 {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	r.refCount++
	return r.refCount
}

func (r *Room) DecreaseRefCount() int32 {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	if r.refCount > 0 {
		r.refCount--
	}
	if r.refCount == 0 {
		r.mainExec.Post(func() { r.ScheduleAbandonmentCheck("NoRefCount") })
	}
	return r.refCount
}

func (r *Room) RefCount() int32 {
	r.refMu.Lock()
	defer r.refMu.Unlock()
	return r.refCount
}

// SessionID/SessionData implement the engine-visible scratch state spec.md
// section 4.H describes ("sessionData is opaque engine scratchpad").
func (r *Room) SessionID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Room) SessionData() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.sessionData...)
}

func (r *Room) SetSessionData(data []byte) {
	r.mu.Lock()
	r.sessionData = data
	r.mu.Unlock()
}

// SetRequestTimer arms the single-shot timer the engine can set via RPC; on
// expiry it wakes the engine with reason "request_timer" (spec.md section
// 4.H). An already-armed timer is replaced.
func (r *Room) SetRequestTimer(seconds int32) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		r.thread.ResumeRoom(r.ID, "request_timer")
	})
}

// DestroyRequestTimer cancels the pending request timer, if any. Timer
// cancellation is never an error (spec.md section 5).
func (r *Room) DestroyRequestTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// GameOver implements spec.md section 4.H game-over pass: runs on the main
// executor, accumulates game time in one transaction, records win-rate per
// result, flips Trust to Online, drops any Offline non-runner from the member
// list, and records a run (plus an IP ban unless the room is outdated) for
// every member still in Run state.
func (r *Room) GameOver(results []GameResult) {
	r.mainExec.Post(func() {
		gameTime := make(map[int32]int64)
		for _, p := range r.memberPlayers() {
			gameTime[p.ID] = p.GameTimeSeconds()
		}
		_ = r.accounts.AddGameTimeBatch(gameTime)

		for _, res := range results {
			p, ok := r.users.FindByConnID(res.ConnID)
			if !ok || p == nil {
				continue
			}
			_ = r.accounts.RecordGameResult(p.ID, res.Mode, res.Role, res.Won)
		}

		for _, p := range r.memberPlayers() {
			switch p.State() {
			case player.Trust:
				p.SetState(player.Online)
			case player.Offline:
				if !p.Runned() {
					r.removeMember(p.ConnID)
				}
			case player.Run:
				if acct, err := r.accounts.FindByID(p.ID); err == nil && acct != nil && acct.LastIP != "" && !r.IsOutdated() {
					if r.hooks.BanIP != nil {
						r.hooks.BanIP(acct.LastIP)
					}
				}
				_, _ = r.accounts.RecordRun(p.ID)
			}
		}

		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
	})
}

// ScheduleAbandonmentCheck always dispatches to the main executor (spec.md
// section 5: "Abandonment is always scheduled ... because player removal
// can originate from the engine thread"). reason is "NoHuman" or
// "NoRefCount".
func (r *Room) ScheduleAbandonmentCheck(reason string) {
	r.mainExec.Post(func() {
		r.checkAbandonment(reason)
	})
}

func (r *Room) checkAbandonment(reason string) {
	abandoned := r.MemberCount() == 0 || r.noLiveMembers()
	if !abandoned {
		return
	}

	if reason == "NoHuman" && r.RefCount() > 0 {
		r.thread.ResumeRoom(r.ID, "player_disconnect")
		return
	}

	r.mu.Lock()
	fn := r.onAbandoned
	r.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// IsOutdated reports whether this room's assigned thread no longer matches
// the server's current content fingerprint (spec.md section 3/4.J).
func (r *Room) IsOutdated() bool {
	return r.thread.IsOutdated()
}

// Snapshot returns a map describing this room's members, matching the shape
// RoomThread_getRoom returns to the engine (spec.md section 4.J).
func (r *Room) Snapshot() map[string]interface{} {
	members := make([]interface{}, 0)
	for _, p := range r.memberPlayers() {
		total, win, run := p.GameData()
		members = append(members, map[string]interface{}{
			"id":            p.ID,
			"connId":        p.ConnID,
			"screenName":    p.ScreenName,
			"avatar":        p.Avatar,
			"totalGameTime": p.GameTimeSeconds(),
			"state":         p.State().String(),
			"gameData":      []int64{total, win, run},
		})
	}
	return map[string]interface{}{
		"id":       r.ID,
		"name":     r.Name,
		"capacity": r.Capacity,
		"players":  members,
	}
}
