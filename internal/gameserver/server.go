// Package gameserver is the Server coordinator described in spec.md section
// 4.K: it owns the main executor and every other singleton, accepts TCP
// connections, wires the post-handshake packet dispatch between Lobby and
// Room, drives the 30s heartbeat, and hosts the server-exposed RPC method
// table every Room Thread's subprocess calls into. Grounded on archon's
// internal/frontend.go accept-loop shape (net.Listen, a per-connection
// goroutine, a WaitGroup for graceful shutdown), generalized from archon's
// length-prefixed binary frontend to the self-delimiting wire codec and a
// single listener instead of one frontend per sub-server.
package gameserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fkserver/core/internal/auth"
	"github.com/fkserver/core/internal/config"
	"github.com/fkserver/core/internal/engine"
	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/lobby"
	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/packman"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/room"
	"github.com/fkserver/core/internal/roommgr"
	"github.com/fkserver/core/internal/router"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/user"
	"github.com/fkserver/core/internal/wire"
)

const heartbeatInterval = 30 * time.Second

// Server owns every long-lived singleton and the main single-threaded event
// loop spec.md section 5 describes: authentication, lobby and room
// membership, and heartbeat all dispatch through mainExec.
type Server struct {
	cfg *config.Config

	mainExec *executor.Executor

	accounts  *store.AccountStore
	saves     *store.SaveStore
	packages  *packman.Manager
	authMgr   *auth.Manager
	users     *user.Manager
	rooms     *roommgr.Manager
	lobbyMgr  *lobby.Manager

	listener net.Listener

	startedAt time.Time

	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// New wires every package named in the MODULE MAP together. The Room
// Manager needs the Lobby to place run-player handoff shells, and the Lobby
// needs the Room Manager to create/find rooms; lobbyMgr is resolved after
// roomsMgr so the RunnerHooks closures passed into roommgr.New are bound
// to a forward reference, set once lobby.New returns.
func New(cfg *config.Config, accountsDB, savesDB *store.Store) (*Server, error) {
	accounts := store.NewAccountStore(accountsDB)
	saves := store.NewSaveStore(savesDB)
	packages := packman.New(accountsDB)
	if err := packages.Refresh(); err != nil {
		return nil, err
	}

	authMgr, err := auth.New(auth.Config{
		KeyPath:             cfg.Auth.RSAKeyDir,
		VersionRange:        cfg.ClientVersionRange,
		BannedWords:         cfg.BanWords,
		MaxPlayersPerDevice: cfg.Auth.MaxPlayersPerDevice,
		WhitelistEnabled:    cfg.Auth.WhitelistEnabled,
	}, accounts, packages)
	if err != nil {
		return nil, err
	}

	mainExec := executor.New(256)
	users := user.New(accounts, authMgr, cfg.Capacity, time.Duration(cfg.TempBanTime)*time.Minute)

	var lobbyMgr *lobby.Manager
	s := &Server{
		cfg:           cfg,
		mainExec:      mainExec,
		accounts:      accounts,
		saves:         saves,
		packages:      packages,
		authMgr:       authMgr,
		users:         users,
		heartbeatStop: make(chan struct{}),
	}

	hooks := room.RunnerHooks{
		PlaceInLobby: func(runner *player.Player) {
			if lobbyMgr != nil {
				lobbyMgr.AddMember(runner)
			}
		},
		BanIP: users.TemporarilyBanIP,
		// AdoptSocket implements spec.md section 4.F's "adopts the socket":
		// the runner gets its own connId/Router bound to original's live
		// Connection, and that Connection's packet/disconnect callbacks are
		// rewired onto the runner so original (now a transport-less Run
		// placeholder) is never touched by the adopted socket again.
		AdoptSocket: func(original, runner *player.Player) {
			conn := original.Conn
			if conn == nil {
				return
			}
			connID := users.AdoptForRunner(runner)
			runner.ConnID = connID
			runner.AdoptConnection(conn, router.New(func(pkt wire.Packet) error {
				conn.Send(pkt)
				return nil
			}))
			runner.Router.OnNotification(func(pkt wire.Packet) {
				s.dispatchClientCommand(runner, pkt)
			})

			original.Conn = nil
			original.Router = nil

			conn.OnPacket(func(pkt wire.Packet) {
				runner.Router.HandlePacket(pkt)
			})
			users.WireDisconnect(conn, connID)
		},
	}

	roomsMgr := roommgr.New(users, accounts, roommgr.Config{
		ThreadConfig: engine.ThreadConfig{
			Interpreter:   cfg.Engine.Interpreter,
			EntryPoint:    cfg.Engine.EntryPoint,
			WorkDir:       cfg.Engine.WorkDir,
			RPCMode:       cfg.Engine.RPCMode,
			DisabledPacks: cfg.HiddenPacks,
			Capacity:      cfg.RoomCountPerThread,
		},
		Hooks:               hooks,
		MainExecutor:        mainExec,
		OnThreadRPCRegister: s.registerEngineMethods,
	})
	roomsMgr.SetFingerprint(packages.Fingerprint())

	lobbyMgr = lobby.New(roomsMgr, accounts)

	s.rooms = roomsMgr
	s.lobbyMgr = lobbyMgr

	users.OnAuthenticated(s.onAuthenticated)
	return s, nil
}

// Listen opens the TCP socket and runs the accept loop until ctx is
// cancelled or Stop is called.
func (s *Server) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	log.Infof("gameserver: listening on %s", addr)

	s.heartbeatWG.Add(1)
	go s.runHeartbeat()

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warnf("gameserver: accept failed: %v", err)
				return err
			}
		}
		go s.acceptConnection(conn)
	}
}

// Stop closes the listener and halts the heartbeat coroutine.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	close(s.heartbeatStop)
	s.heartbeatWG.Wait()
	s.mainExec.Stop()
}

// GetUptime implements spec.md section 4.K getUptime.
func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startedAt)
}

// Description, IconURL, Capacity and OnlineCount implement
// internal/discovery.Info, the read-only snapshot the UDP "fkGetDetail"
// responder reports (spec.md section 6).
func (s *Server) Description() string { return s.cfg.Description }
func (s *Server) IconURL() string     { return s.cfg.IconURL }
func (s *Server) Capacity() int       { return s.cfg.Capacity }
func (s *Server) OnlineCount() int    { return len(s.users.All()) }

func (s *Server) acceptConnection(raw net.Conn) {
	conn := netio.New(raw, s.mainExec)
	s.users.HandleNewConnection(conn)
	conn.StartReading()
}

// onAuthenticated wires a freshly installed Player's Router to Lobby/Room
// dispatch and places it in the Lobby (spec.md section 4.D/4.G). A Player
// installed without a Router gets no dispatch wiring; a Robot is left for
// its caller to seat in its Room.
func (s *Server) onAuthenticated(p *player.Player) {
	if p.Router != nil {
		p.Router.OnNotification(func(pkt wire.Packet) {
			s.dispatchClientCommand(p, pkt)
		})
	}
	if p.IsRobot() {
		return
	}
	if p.RoomID == 0 {
		s.lobbyMgr.AddMember(p)
		return
	}

	// Reconnection (spec.md section 4.D gate 8 / scenario S3): the Player
	// never left its Room's member list, so re-emit the setup frame and
	// push "<roomId>,<id>,reconnect" to the room's engine instead of
	// re-adding lobby membership.
	if r, ok := s.rooms.FindRoom(p.RoomID); ok {
		r.ResendSetup(p)
		r.Forward(p.ID, "reconnect")
	}
}

func (s *Server) dispatchClientCommand(p *player.Player, pkt wire.Packet) {
	command := string(pkt.Command)

	if command == "Heartbeat" {
		p.ResetTTL()
		return
	}

	if p.RoomID == 0 {
		s.lobbyMgr.Handle(p, command, pkt.Payload)
		return
	}

	r, ok := s.rooms.FindRoom(p.RoomID)
	if !ok {
		return
	}
	s.dispatchRoomCommand(p, r, command, pkt.Payload)
}

// dispatchRoomCommand handles the room-scoped client commands spec.md
// section 6 lists beyond the Lobby set. Anything the core has no direct
// opinion about is forwarded into the engine verbatim as PushRequest.
func (s *Server) dispatchRoomCommand(p *player.Player, r *room.Room, command string, payload []byte) {
	switch command {
	case "QuitRoom":
		r.RemovePlayer(p)
		p.RoomID = 0
		s.lobbyMgr.AddMember(p)
	case "Ready":
		v, _, err := wire.DecodeValue(payload)
		if err == nil {
			if b, ok := v.(bool); ok {
				p.SetReady(b)
			}
		}
	case "StartGame":
		if r.Owner() == p.ConnID {
			_ = r.ManuallyStart()
		}
	case "KickPlayer":
		connID, _, err := wire.DecodeValue(payload)
		if err != nil {
			return
		}
		id, ok := connID.(int64)
		if !ok {
			return
		}
		target, ok := s.users.FindByConnID(int32(id))
		if ok && target != nil {
			_ = r.KickPlayer(p.ConnID, target)
		}
	case "Trust":
		p.SetState(playerTrust())
	case "ChangeRoom":
		if !s.cfg.EnableChangeRoom {
			return
		}
		targetID, _, err := wire.DecodeValue(payload)
		if err != nil {
			return
		}
		id, ok := targetID.(int64)
		if !ok {
			return
		}
		target, found := s.rooms.FindRoom(int32(id))
		if !found {
			return
		}
		r.RemovePlayer(p)
		if err := target.AddPlayer(p); err == nil {
			p.RoomID = target.ID
		} else {
			p.RoomID = 0
			s.lobbyMgr.AddMember(p)
		}
	case "AddRobot":
		if !s.cfg.EnableBots {
			return
		}
		robot := player.NewRobot(r.ID)
		robot.ConnID = robot.ID
		s.users.Install(robot)
		_ = r.AddPlayer(robot)
	case "ObserveRoom":
		_ = r.AddObserver(p)
	case "Chat":
		msg, ok := decodeChatText(payload)
		if ok {
			r.Forward(p.ID, "chat:"+msg)
		}
	case "PushRequest":
		text, ok := decodeChatText(payload)
		if ok {
			r.Forward(p.ID, text)
		}
	default:
		log.Debugf("gameserver: unhandled room command %q from connId %d", command, p.ConnID)
	}
}

func decodeChatText(payload []byte) (string, bool) {
	v, n, err := wire.DecodeValue(payload)
	if err != nil || n != len(payload) {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// playerTrust exists only to keep the player package import scoped to the
// type rather than spelling player.Trust at every call site in this switch.
func playerTrust() player.State { return player.Trust }

func (s *Server) runHeartbeat() {
	defer s.heartbeatWG.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.heartbeatStop:
			return
		case <-ticker.C:
			s.mainExec.Post(s.tickHeartbeat)
		}
	}
}

// tickHeartbeat implements spec.md section 4.F/8 testable property 6: a
// Player that misses DefaultTTL consecutive heartbeats is kicked within one
// tick. Runs on the main executor per spec.md section 5 (kicking a Player
// must be dispatched there).
func (s *Server) tickHeartbeat() {
	for _, p := range s.users.All() {
		if p.State() != player.Online && p.State() != player.Trust {
			continue
		}
		if p.DecrementTTL() {
			s.kick(p, "heartbeat-timeout")
			continue
		}
		if p.Router != nil {
			_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("Heartbeat"), nil)
		}
		if p.RoomID != 0 {
			p.AddGameTime(int64(heartbeatInterval.Seconds()))
		}
	}
}

func (s *Server) kick(p *player.Player, reason string) {
	if p.Router != nil {
		_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte("ErrorDlg"), wire.EncodeText(reason))
	}
	if p.RoomID != 0 {
		if r, ok := s.rooms.FindRoom(p.RoomID); ok {
			r.RemovePlayer(p)
		}
	} else {
		s.lobbyMgr.RemoveMember(p.ConnID)
	}
	p.SetState(player.Offline)
	s.users.Remove(p.ID)
	if p.Conn != nil {
		_ = p.Conn.Close()
	}
}

// Broadcast implements spec.md section 4.K broadcast: sends command/payload
// to every currently connected human.
func (s *Server) Broadcast(command string, payload []byte) {
	for _, p := range s.users.All() {
		if p.Router != nil {
			_ = p.Router.Notify(wire.Notification|wire.ServerToClient, []byte(command), payload)
		}
	}
}

// IsTempBanned and IsMuted implement spec.md section 4.K, delegating to the
// account store's persisted suspension tables.
func (s *Server) IsTempBanned(userID int32) (bool, error) {
	return s.accounts.IsTempBanned(userID)
}

func (s *Server) IsMuted(userID int32) (bool, error) {
	return s.accounts.IsTempMuted(userID)
}

// TemporarilyBan implements spec.md section 4.K temporarilyBan: both the
// in-memory IP gate (rejecting new connections immediately) and the
// persisted account-level suspension used by the Auth Manager.
func (s *Server) TemporarilyBan(userID int32, ip, reason string) error {
	s.users.TemporarilyBanIP(ip)
	return s.accounts.TempBan(userID, reason, time.Now().Add(time.Duration(s.cfg.TempBanTime)*time.Minute))
}

// BeginTransaction/EndTransaction expose the accounts store's process-wide
// exclusive transaction lock (spec.md section 4.K/5).
func (s *Server) BeginTransaction() (*store.Tx, error) {
	return s.accounts.BeginTransaction()
}

// GetAvailableThread returns the ThreadID of every live Room, in room id
// order, one entry per Room (a thread hosting several rooms appears several
// times). It does not pick or spawn a thread; thread selection for new rooms
// happens inside roommgr.Manager.CreateRoom.
func (s *Server) GetAvailableThread() ([]int32, error) {
	out := make([]int32, 0)
	for _, r := range s.rooms.ListRooms() {
		out = append(out, r.ThreadID)
	}
	return out, nil
}

// RefreshFingerprint implements spec.md section 4.K refreshFingerprint. It
// posts its work onto the main executor itself and returns without waiting.
func (s *Server) RefreshFingerprint() {
	s.mainExec.Post(func() {
		if err := s.packages.Refresh(); err != nil {
			log.Warnf("gameserver: refreshing package summary: %v", err)
			return
		}
		fingerprint := s.packages.Fingerprint()
		s.rooms.SetFingerprint(fingerprint)
		s.rooms.MarkOutdated()

		for _, r := range s.rooms.ListRooms() {
			if !r.IsOutdated() {
				continue
			}
			if r.Started() {
				r.Forward(0, "#RoomOutdated")
			} else {
				for _, p := range s.roomMembers(r) {
					s.kick(p, "room-outdated")
				}
			}
		}

		s.rooms.SweepOutdatedThreads()
		s.lobbyMgr.KickAll("content-updated")
	})
}

func (s *Server) roomMembers(r *room.Room) []*player.Player {
	out := make([]*player.Player, 0, r.MemberCount())
	for _, p := range s.users.All() {
		if p.RoomID == r.ID {
			out = append(out, p)
		}
	}
	return out
}

// registerEngineMethods installs the full server-exposed RPC method table
// (spec.md section 4.J) onto a freshly spawned Room Thread's bridge. Room-
// scoped methods take the hosting room's id as their first parameter since
// one thread may host several rooms simultaneously.
func (s *Server) registerEngineMethods(thread *engine.RoomThread) {
	thread.RegisterMethod("qDebug", s.logMethod(log.Debugf))
	thread.RegisterMethod("qInfo", s.logMethod(log.Infof))
	thread.RegisterMethod("qWarning", s.logMethod(log.Warnf))
	thread.RegisterMethod("qCritical", s.logMethod(log.Errorf))
	thread.RegisterMethod("print", s.logMethod(log.Infof))

	thread.RegisterMethod("doRequest", s.methodDoRequest)
	thread.RegisterMethod("waitForReply", s.methodWaitForReply)
	thread.RegisterMethod("doNotify", s.methodDoNotify)
	thread.RegisterMethod("thinking", s.methodThinking)
	thread.RegisterMethod("setThinking", s.methodSetThinking)
	thread.RegisterMethod("setDied", s.methodSetDied)
	thread.RegisterMethod("emitKick", s.methodEmitKick)
	thread.RegisterMethod("saveState", s.methodSaveState)
	thread.RegisterMethod("getSaveState", s.methodGetSaveState)
	thread.RegisterMethod("saveGlobalState", s.methodSaveGlobalState)
	thread.RegisterMethod("getGlobalSaveState", s.methodGetGlobalSaveState)

	thread.RegisterMethod("delay", s.methodDelay)
	thread.RegisterMethod("updatePlayerWinRate", s.methodUpdatePlayerWinRate)
	thread.RegisterMethod("updateGeneralWinRate", s.methodUpdateGeneralWinRate)
	thread.RegisterMethod("gameOver", s.methodGameOver)
	thread.RegisterMethod("setRequestTimer", s.methodSetRequestTimer)
	thread.RegisterMethod("destroyRequestTimer", s.methodDestroyRequestTimer)
	thread.RegisterMethod("decreaseRefCount", s.methodDecreaseRefCount)
	thread.RegisterMethod("getSessionId", s.methodGetSessionID)
	thread.RegisterMethod("getSessionData", s.methodGetSessionData)
	thread.RegisterMethod("setSessionData", s.methodSetSessionData)

	thread.RegisterMethod("RoomThread_getRoom", s.methodGetRoomSnapshot)
}

func (s *Server) logMethod(logf func(format string, args ...interface{})) engine.MethodHandler {
	return func(params json.RawMessage) (interface{}, error) {
		var msg string
		if err := decodeParams(params, &msg); err != nil {
			return nil, err
		}
		logf("%s", msg)
		return nil, nil
	}
}

func decodeParams(params json.RawMessage, dest ...interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return err
	}
	if len(raw) < len(dest) {
		return fmt.Errorf("rpc: expected %d params, got %d", len(dest), len(raw))
	}
	for i, d := range dest {
		if err := json.Unmarshal(raw[i], d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) findConnPlayer(connID int32) (*player.Player, error) {
	p, ok := s.users.FindByConnID(connID)
	if !ok || p == nil {
		return nil, fmt.Errorf("no player with connId %d", connID)
	}
	return p, nil
}

func (s *Server) methodDoRequest(params json.RawMessage) (interface{}, error) {
	var connID int32
	var command string
	var payload []byte
	var timeout int32
	if err := decodeParams(params, &connID, &command, &payload, &timeout); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	id, err := p.Router.Request(wire.Request|wire.ServerToClient, []byte(command), payload, timeout, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Server) methodWaitForReply(params json.RawMessage) (interface{}, error) {
	var connID int32
	if err := decodeParams(params, &connID); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return p.Router.WaitForReply(p.OfflineSignal()), nil
}

func (s *Server) methodDoNotify(params json.RawMessage) (interface{}, error) {
	var connID int32
	var command string
	var payload []byte
	if err := decodeParams(params, &connID, &command, &payload); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return nil, p.Router.Notify(wire.Notification|wire.ServerToClient, []byte(command), payload)
}

func (s *Server) methodThinking(params json.RawMessage) (interface{}, error) {
	var connID int32
	if err := decodeParams(params, &connID); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return p.Thinking(), nil
}

func (s *Server) methodSetThinking(params json.RawMessage) (interface{}, error) {
	var connID int32
	var v bool
	if err := decodeParams(params, &connID, &v); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	p.SetThinking(v)
	return nil, nil
}

func (s *Server) methodSetDied(params json.RawMessage) (interface{}, error) {
	var connID int32
	var v bool
	if err := decodeParams(params, &connID, &v); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	p.SetDied(v)
	return nil, nil
}

func (s *Server) methodEmitKick(params json.RawMessage) (interface{}, error) {
	var connID int32
	if err := decodeParams(params, &connID); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	s.mainExec.Post(func() { s.kick(p, "engine-requested") })
	return nil, nil
}

func (s *Server) methodSaveState(params json.RawMessage) (interface{}, error) {
	var connID int32
	var mode string
	var data []byte
	if err := decodeParams(params, &connID, &mode, &data); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return nil, s.saves.PutGameSave(p.ID, mode, data)
}

func (s *Server) methodGetSaveState(params json.RawMessage) (interface{}, error) {
	var connID int32
	var mode string
	if err := decodeParams(params, &connID, &mode); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return s.saves.GameSave(p.ID, mode)
}

func (s *Server) methodSaveGlobalState(params json.RawMessage) (interface{}, error) {
	var connID int32
	var key string
	var data []byte
	if err := decodeParams(params, &connID, &key, &data); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return nil, s.saves.PutGlobalSave(p.ID, key, data)
}

func (s *Server) methodGetGlobalSaveState(params json.RawMessage) (interface{}, error) {
	var connID int32
	var key string
	if err := decodeParams(params, &connID, &key); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return s.saves.GlobalSave(p.ID, key)
}

func (s *Server) findRoom(params json.RawMessage) (*room.Room, []json.RawMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("rpc: missing roomId param")
	}
	var roomID int32
	if err := json.Unmarshal(raw[0], &roomID); err != nil {
		return nil, nil, err
	}
	r, ok := s.rooms.FindRoom(roomID)
	if !ok {
		return nil, nil, fmt.Errorf("no room with id %d", roomID)
	}
	return r, raw[1:], nil
}

func (s *Server) methodDelay(params json.RawMessage) (interface{}, error) {
	_, rest, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	var ms int64
	if len(rest) > 0 {
		_ = json.Unmarshal(rest[0], &ms)
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil, nil
}

func (s *Server) methodUpdatePlayerWinRate(params json.RawMessage) (interface{}, error) {
	_, rest, err := s.findRoom(params)
	if err != nil || len(rest) < 4 {
		return nil, fmt.Errorf("rpc: malformed updatePlayerWinRate params")
	}
	var connID int32
	var mode, role string
	var won bool
	if err := json.Unmarshal(rest[0], &connID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rest[1], &mode); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rest[2], &role); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rest[3], &won); err != nil {
		return nil, err
	}
	p, err := s.findConnPlayer(connID)
	if err != nil {
		return nil, err
	}
	return nil, s.accounts.RecordGameResult(p.ID, mode, role, won)
}

func (s *Server) methodUpdateGeneralWinRate(params json.RawMessage) (interface{}, error) {
	_, rest, err := s.findRoom(params)
	if err != nil || len(rest) < 3 {
		return nil, fmt.Errorf("rpc: malformed updateGeneralWinRate params")
	}
	var mode, role string
	var won bool
	if err := json.Unmarshal(rest[0], &mode); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rest[1], &role); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rest[2], &won); err != nil {
		return nil, err
	}
	return nil, s.accounts.RecordGeneralResult(mode, role, won)
}

func (s *Server) methodGameOver(params json.RawMessage) (interface{}, error) {
	r, rest, err := s.findRoom(params)
	if err != nil || len(rest) < 1 {
		return nil, fmt.Errorf("rpc: malformed gameOver params")
	}
	var results []room.GameResult
	if err := json.Unmarshal(rest[0], &results); err != nil {
		return nil, err
	}
	r.GameOver(results)
	return nil, nil
}

func (s *Server) methodSetRequestTimer(params json.RawMessage) (interface{}, error) {
	r, rest, err := s.findRoom(params)
	if err != nil || len(rest) < 1 {
		return nil, fmt.Errorf("rpc: malformed setRequestTimer params")
	}
	var seconds int32
	if err := json.Unmarshal(rest[0], &seconds); err != nil {
		return nil, err
	}
	r.SetRequestTimer(seconds)
	return nil, nil
}

func (s *Server) methodDestroyRequestTimer(params json.RawMessage) (interface{}, error) {
	r, _, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	r.DestroyRequestTimer()
	return nil, nil
}

func (s *Server) methodDecreaseRefCount(params json.RawMessage) (interface{}, error) {
	r, _, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	return r.DecreaseRefCount(), nil
}

func (s *Server) methodGetSessionID(params json.RawMessage) (interface{}, error) {
	r, _, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	return r.SessionID(), nil
}

func (s *Server) methodGetSessionData(params json.RawMessage) (interface{}, error) {
	r, _, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	return r.SessionData(), nil
}

func (s *Server) methodSetSessionData(params json.RawMessage) (interface{}, error) {
	r, rest, err := s.findRoom(params)
	if err != nil || len(rest) < 1 {
		return nil, fmt.Errorf("rpc: malformed setSessionData params")
	}
	var data []byte
	if err := json.Unmarshal(rest[0], &data); err != nil {
		return nil, err
	}
	r.SetSessionData(data)
	return nil, nil
}

func (s *Server) methodGetRoomSnapshot(params json.RawMessage) (interface{}, error) {
	r, _, err := s.findRoom(params)
	if err != nil {
		return nil, err
	}
	return r.Snapshot(), nil
}
