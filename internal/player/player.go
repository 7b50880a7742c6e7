// Package player implements the per-user session state machine described in
// spec.md section 4.F, generalizing archon's internal/core/client.Client
// (one struct holding everything about a connected user) from a stateless
// PSO login session to a stateful, reconnectable game session.
package player

import (
	"sync"

	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/router"
)

// State is the Player's place in the session state machine (spec.md 4.F).
type State int

const (
	Invalid State = iota
	Online
	Trust
	Run
	Leave
	Robot
	Offline
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case Online:
		return "Online"
	case Trust:
		return "Trust"
	case Run:
		return "Run"
	case Leave:
		return "Leave"
	case Robot:
		return "Robot"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// DefaultTTL is the number of heartbeat credits a Player starts with
// (spec.md section 3).
const DefaultTTL = 6

// Player holds one user's identity and session state.
type Player struct {
	mu sync.Mutex

	ID         int32
	ConnID     int32
	ScreenName string
	Avatar     string
	UUID       string

	state State
	ready bool
	died  bool
	// runned marks a Player that has already been substituted by a runner
	// once and therefore should not be run-handed-off a second time.
	runned bool

	RoomID int32
	ttl    int32

	thinkingMu sync.Mutex
	thinking   bool

	gameTimeSeconds int64

	// gameData is the [total, win, run] triple the UpdateGameData frame
	// reports for this player in the room's current game mode (spec.md
	// section 4.J RoomThread_getRoom player snapshot).
	gameData [3]int64

	Conn   *Connection
	Router *router.Router

	// offlineCh is closed exactly once when the Player transitions to
	// Offline/removed, unblocking any WaitForReply call in flight for it.
	offlineCh chan struct{}
}

// Connection is an alias of the concrete netio.Connection type, not an
// interface; a Player always holds a real netio.Connection.
type Connection = netio.Connection

// New constructs an Invalid-state Player shell. Callers attach a socket with
// AdoptConnection once authentication completes.
func New() *Player {
	return &Player{
		state:     Invalid,
		ttl:       DefaultTTL,
		offlineCh: make(chan struct{}),
	}
}

// IsHuman reports whether this Player represents a connected human (positive id).
func (p *Player) IsHuman() bool { return p.ID > 0 }

// IsRobot reports whether this Player represents a Room-owned Robot (negative id).
func (p *Player) IsRobot() bool { return p.ID < 0 }

// State returns the current session state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the Player to s. Kicking, in particular, must be
// driven through the Server's main executor per spec.md section 5; SetState
// itself is a plain, lock-protected field write and does not enforce that —
// callers are responsible for dispatching onto the main executor first.
func (p *Player) SetState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	if s == Offline {
		p.mu.Lock()
		select {
		case <-p.offlineCh:
			// already closed
		default:
			close(p.offlineCh)
		}
		p.mu.Unlock()
	}
}

// OfflineSignal returns a channel closed when the Player goes Offline, used
// as the cancel signal for an in-flight Router.WaitForReply call.
func (p *Player) OfflineSignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offlineCh
}

// Ready / SetReady track the Room-join readiness flag.
func (p *Player) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Player) SetReady(v bool) {
	p.mu.Lock()
	p.ready = v
	p.mu.Unlock()
}

// Died / SetDied track whether the Player has died in the current game.
func (p *Player) Died() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.died
}

func (p *Player) SetDied(v bool) {
	p.mu.Lock()
	p.died = v
	p.mu.Unlock()
}

// Runned / SetRunned track whether a runner has already taken this identity's socket.
func (p *Player) Runned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runned
}

func (p *Player) SetRunned(v bool) {
	p.mu.Lock()
	p.runned = v
	p.mu.Unlock()
}

// Thinking reports whether the engine is currently awaiting this Player's
// response, guarded by its own mutex per spec.md section 5.
func (p *Player) Thinking() bool {
	p.thinkingMu.Lock()
	defer p.thinkingMu.Unlock()
	return p.thinking
}

func (p *Player) SetThinking(v bool) {
	p.thinkingMu.Lock()
	p.thinking = v
	p.thinkingMu.Unlock()
}

// TTL returns the remaining heartbeat credit.
func (p *Player) TTL() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ttl
}

// ResetTTL restores the heartbeat credit to DefaultTTL, called when a
// Heartbeat reply is received.
func (p *Player) ResetTTL() {
	p.mu.Lock()
	p.ttl = DefaultTTL
	p.mu.Unlock()
}

// DecrementTTL consumes one heartbeat credit and reports whether the Player
// has now exhausted its credits and should be kicked.
func (p *Player) DecrementTTL() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl--
	return p.ttl <= 0
}

// GameData returns the cached [total, win, run] win-rate triple Room loads
// from the account store on join and mode change.
func (p *Player) GameData() (total, win, run int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gameData[0], p.gameData[1], p.gameData[2]
}

func (p *Player) SetGameData(total, win, run int64) {
	p.mu.Lock()
	p.gameData = [3]int64{total, win, run}
	p.mu.Unlock()
}

// AddGameTime accumulates seconds of in-game time.
func (p *Player) AddGameTime(seconds int64) {
	p.mu.Lock()
	p.gameTimeSeconds += seconds
	p.mu.Unlock()
}

// GameTimeSeconds returns the accumulated in-game time; it does not reset the
// counter (ResetGameTime does).
func (p *Player) GameTimeSeconds() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gameTimeSeconds
}

func (p *Player) ResetGameTime() {
	p.mu.Lock()
	p.gameTimeSeconds = 0
	p.mu.Unlock()
}

// AdoptConnection rebinds this Player to a new socket/router pair, used both
// for ordinary login and for the reconnection fast path (spec.md section 4.D
// gate 8).
func (p *Player) AdoptConnection(conn *Connection, r *router.Router) {
	p.mu.Lock()
	p.Conn = conn
	p.Router = r
	p.state = Online
	p.ttl = DefaultTTL
	p.offlineCh = make(chan struct{})
	p.mu.Unlock()
}
