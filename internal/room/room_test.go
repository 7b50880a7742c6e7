package room

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"

	"github.com/fkserver/core/internal/auth"
	"github.com/fkserver/core/internal/engine"
	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/packman"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/user"
	"github.com/fkserver/core/internal/wire"
)

// aesPlaceholderLen mirrors internal/auth's unexported aesSessionKeyLen.
const aesPlaceholderLen = 32

const testAccountsSchema = `
CREATE TABLE userinfo (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	salt TEXT NOT NULL,
	uuid TEXT NOT NULL,
	last_ip TEXT,
	banned BOOLEAN NOT NULL DEFAULT 0,
	avatar TEXT NOT NULL DEFAULT 'standard'
);
CREATE TABLE uuidinfo (uuid TEXT NOT NULL, user_id INTEGER NOT NULL, PRIMARY KEY (uuid, user_id));
CREATE TABLE banip (ip TEXT PRIMARY KEY, permanent BOOLEAN NOT NULL DEFAULT 1, expires_at DATETIME);
CREATE TABLE banuuid (uuid TEXT PRIMARY KEY);
CREATE TABLE tempban (user_id INTEGER PRIMARY KEY, reason TEXT, expires_at DATETIME NOT NULL);
CREATE TABLE tempmute (user_id INTEGER PRIMARY KEY, expires_at DATETIME NOT NULL);
CREATE TABLE whitelist (name TEXT PRIMARY KEY);
CREATE TABLE pWinRate (user_id INTEGER NOT NULL, mode TEXT NOT NULL, role TEXT NOT NULL, total INTEGER NOT NULL DEFAULT 0, win INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (user_id, mode, role));
CREATE TABLE gWinRate (mode TEXT NOT NULL, role TEXT NOT NULL, total INTEGER NOT NULL DEFAULT 0, win INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (mode, role));
CREATE TABLE runRate (user_id INTEGER PRIMARY KEY, run_count INTEGER NOT NULL DEFAULT 0);
CREATE TABLE usergameinfo (user_id INTEGER PRIMARY KEY, total_game_time INTEGER NOT NULL DEFAULT 0);
CREATE TABLE packages (name TEXT PRIMARY KEY, url TEXT NOT NULL, hash TEXT NOT NULL, enabled BOOLEAN NOT NULL DEFAULT 1);
CREATE VIEW pWinRateView AS
	SELECT user_id, mode, role, total, win,
	       CASE WHEN total > 0 THEN CAST(win AS REAL) / total ELSE 0 END AS win_rate
	FROM pWinRate;
`

func newTestStoreAndAccounts(t *testing.T) (*store.Store, *store.AccountStore) {
	t.Helper()
	db, err := store.OpenWithDialector(sqlite.Open(":memory:"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := db.ApplySchema(testAccountsSchema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db, store.NewAccountStore(db)
}

// authedUsers drives the real Setup handshake over a net.Pipe so Room's
// r.users.FindByConnID lookups resolve the same way they would against a
// live connection (spec.md section 4.D).
type authedUsers struct {
	t        *testing.T
	users    *user.Manager
	packages *packman.Manager
	authed   chan *player.Player
}

func newAuthedUsers(t *testing.T, accounts *store.AccountStore, db *store.Store, capacity int) *authedUsers {
	t.Helper()
	packages := packman.New(db)
	if err := packages.Refresh(); err != nil {
		t.Fatalf("refresh packages: %v", err)
	}

	authMgr, err := auth.New(auth.Config{
		KeyPath:             filepath.Join(t.TempDir(), "key.pem"),
		VersionRange:        ">=0.5.14 <0.6.0",
		MaxPlayersPerDevice: 10,
	}, accounts, packages)
	if err != nil {
		t.Fatalf("constructing auth manager: %v", err)
	}

	users := user.New(accounts, authMgr, capacity, time.Minute)
	au := &authedUsers{t: t, users: users, packages: packages, authed: make(chan *player.Player, 8)}
	users.OnAuthenticated(func(p *player.Player) { au.authed <- p })
	return au
}

func (au *authedUsers) authenticate(name, uuid string) *player.Player {
	t := au.t
	t.Helper()

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	writeExec := executor.New(8)
	t.Cleanup(writeExec.Stop)
	conn := netio.New(serverSide, writeExec)
	go conn.StartReading()

	clientPackets := make(chan wire.Packet, 4)
	go func() {
		dec := wire.NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := clientSide.Read(buf)
			if n > 0 {
				packets, _ := dec.Feed(buf[:n])
				for _, pkt := range packets {
					clientPackets <- pkt
				}
			}
			if err != nil {
				return
			}
		}
	}()

	au.users.HandleNewConnection(conn)

	var greeting wire.Packet
	select {
	case greeting = <-clientPackets:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handshake greeting")
	}

	pub, err := x509.ParsePKCS1PublicKey(greeting.Payload)
	if err != nil {
		t.Fatalf("parsing server public key: %v", err)
	}

	encryptedPW, err := rsa.EncryptPKCS1v15(rand.Reader, pub,
		append(make([]byte, aesPlaceholderLen), []byte("correct-horse")...))
	if err != nil {
		t.Fatalf("encrypting password: %v", err)
	}

	fp := au.packages.Fingerprint()
	payload := wire.EncodeSetupPayload([]byte(name), encryptedPW, fp[:], []byte("0.5.14"), []byte(uuid))
	setupPkt := wire.NewNotification(wire.Notification|wire.ClientToServer, []byte("Setup"), payload)
	if _, err := clientSide.Write(wire.Encode(setupPkt)); err != nil {
		t.Fatalf("writing Setup packet: %v", err)
	}

	var p *player.Player
	select {
	case p = <-au.authed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for authentication to complete")
	}

	deadline := time.After(2 * time.Second)
	for {
		if found, ok := au.users.FindByConnID(p.ConnID); ok && found != nil {
			return found
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connId registration")
		case <-time.After(time.Millisecond):
		}
	}
}

// newTestThread spawns a Room Thread whose "interpreter" subprocess is
// /bin/cat echoing stdin back to stdout: enough to let Dispatch/HandleRequest
// exercise the thread's own executor and bridge plumbing without needing a
// real game-logic interpreter.
func newTestThread(t *testing.T) *engine.RoomThread {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	thread, err := engine.SpawnThread(ctx, 1, engine.ThreadConfig{
		Interpreter: "cat",
		EntryPoint:  "-",
		WorkDir:     t.TempDir(),
		RPCMode:     "json",
		Capacity:    8,
	}, [32]byte{})
	if err != nil {
		t.Fatalf("spawning room thread: %v", err)
	}
	return thread
}

// capturedHooks records RunnerHooks invocations for assertions.
type capturedHooks struct {
	mu       sync.Mutex
	placed   []*player.Player
	bannedIP []string
}

func (c *capturedHooks) hooks() RunnerHooks {
	return RunnerHooks{
		PlaceInLobby: func(p *player.Player) {
			c.mu.Lock()
			c.placed = append(c.placed, p)
			c.mu.Unlock()
		},
		BanIP: func(ip string) {
			c.mu.Lock()
			c.bannedIP = append(c.bannedIP, ip)
			c.mu.Unlock()
		},
	}
}

// drain flushes up to two levels of self-reposting work on exec (every
// abandonment check in this package posts at most one further task onto the
// main executor), so assertions made right after can trust the check ran.
func drain(exec *executor.Executor) {
	exec.PostAndWait(func() {})
	exec.PostAndWait(func() {})
}

func TestAddPlayerJoinsAndAssignsOwner(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 4, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}

	if r.Owner() != alice.ConnID {
		t.Fatalf("expected alice (connId %d) to become owner, got %d", alice.ConnID, r.Owner())
	}
	if r.MemberCount() != 1 {
		t.Fatalf("expected 1 member, got %d", r.MemberCount())
	}

	bob := au.authenticate("bob", "uuid-bob")
	if err := r.AddPlayer(bob); err != nil {
		t.Fatalf("add second player: %v", err)
	}
	if r.Owner() != alice.ConnID {
		t.Fatalf("expected owner to remain alice, got %d", r.Owner())
	}
	if r.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", r.MemberCount())
	}
}

func TestAddPlayerRejectsWhenFull(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 1, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}

	bob := au.authenticate("bob", "uuid-bob")
	if err := r.AddPlayer(bob); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestAddPlayerRejectsAfterKickWindow(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 4, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	owner := au.authenticate("owner", "uuid-owner")
	kicked := au.authenticate("kicked", "uuid-kicked")
	if err := r.AddPlayer(owner); err != nil {
		t.Fatalf("add owner: %v", err)
	}
	if err := r.AddPlayer(kicked); err != nil {
		t.Fatalf("add kicked: %v", err)
	}

	if err := r.KickPlayer(owner.ConnID, kicked); err != nil {
		t.Fatalf("kick: %v", err)
	}

	if err := r.AddPlayer(kicked); err != ErrRejected {
		t.Fatalf("expected ErrRejected for a just-kicked player, got %v", err)
	}
}

func TestRemovePlayerBeforeStartIsPlainRemoval(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 4, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}

	r.RemovePlayer(alice)

	if r.MemberCount() != 0 {
		t.Fatalf("expected room to be empty after removal, got %d members", r.MemberCount())
	}
	if r.Owner() != 0 {
		t.Fatalf("expected owner to reset to 0, got %d", r.Owner())
	}
}

func TestManuallyStartRequiresFullRoom(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 2, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}

	if err := r.ManuallyStart(); err == nil {
		t.Fatal("expected ManuallyStart to fail on a non-full room")
	}
}

func TestManuallyStartBumpsRefCountAndFlagsStarted(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 1, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}

	if err := r.ManuallyStart(); err != nil {
		t.Fatalf("manually start: %v", err)
	}
	if !r.Started() {
		t.Fatal("expected room to be marked started")
	}
	if r.RefCount() != 1 {
		t.Fatalf("expected refCount 1 after ManuallyStart, got %d", r.RefCount())
	}

	if err := r.ManuallyStart(); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted on a second call, got %v", err)
	}
}

func TestRemovePlayerAfterStartHandsOffToRunner(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	hooks := &capturedHooks{}
	r := New(1, "room", 1, 60, nil, 0, au.users, accounts, thread, mainExec, hooks.hooks())

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}
	if err := r.ManuallyStart(); err != nil {
		t.Fatalf("manually start: %v", err)
	}

	r.RemovePlayer(alice)
	drain(mainExec)

	if alice.State() != player.Run {
		t.Fatalf("expected departing mid-game player to end in Run state, got %v", alice.State())
	}
	if !alice.Runned() {
		t.Fatal("expected departing player to be marked as runned")
	}

	hooks.mu.Lock()
	placed := len(hooks.placed)
	hooks.mu.Unlock()
	if placed != 1 {
		t.Fatalf("expected exactly one runner placed in the lobby, got %d", placed)
	}

	// A second disconnect of the same identity must not hand off twice.
	r.RemovePlayer(alice)
	hooks.mu.Lock()
	placedAgain := len(hooks.placed)
	hooks.mu.Unlock()
	if placedAgain != 1 {
		t.Fatalf("expected no second runner handoff, got %d total", placedAgain)
	}
}

func TestDecreaseRefCountNeverGoesNegativeAndSchedulesAbandonment(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 4, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	var abandonedCount int
	var mu sync.Mutex
	r.OnAbandoned(func(*Room) {
		mu.Lock()
		abandonedCount++
		mu.Unlock()
	})

	if got := r.DecreaseRefCount(); got != 0 {
		t.Fatalf("expected refCount to stay at 0, got %d", got)
	}
	drain(mainExec)

	mu.Lock()
	count := abandonedCount
	mu.Unlock()
	// The room has no members and no engine refs: checkAbandonment fires
	// and, since reason is NoRefCount (not NoHuman), calls onAbandoned
	// directly rather than asking the engine to resume first.
	if count != 1 {
		t.Fatalf("expected onAbandoned to fire exactly once for an empty room with no refs, got %d", count)
	}

	r.IncreaseRefCount()
	if got := r.RefCount(); got != 1 {
		t.Fatalf("expected refCount 1 after increase, got %d", got)
	}
	if got := r.DecreaseRefCount(); got != 0 {
		t.Fatalf("expected refCount back to 0, got %d", got)
	}
}

func TestKickPlayerRequiresOwner(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 4, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	owner := au.authenticate("owner", "uuid-owner")
	other := au.authenticate("other", "uuid-other")
	target := au.authenticate("target", "uuid-target")
	for _, p := range []*player.Player{owner, other, target} {
		if err := r.AddPlayer(p); err != nil {
			t.Fatalf("add player %d: %v", p.ID, err)
		}
	}

	if err := r.KickPlayer(other.ConnID, target); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := r.KickPlayer(owner.ConnID, target); err != nil {
		t.Fatalf("owner kick should succeed: %v", err)
	}
	if r.MemberCount() != 2 {
		t.Fatalf("expected 2 members remaining after kick, got %d", r.MemberCount())
	}
}

func TestGameOverFlipsTrustToOnlineAndResetsStarted(t *testing.T) {
	db, accounts := newTestStoreAndAccounts(t)
	au := newAuthedUsers(t, accounts, db, 10)
	thread := newTestThread(t)
	mainExec := executor.New(8)
	t.Cleanup(mainExec.Stop)

	r := New(1, "room", 1, 60, nil, 0, au.users, accounts, thread, mainExec, RunnerHooks{})

	alice := au.authenticate("alice", "uuid-alice")
	if err := r.AddPlayer(alice); err != nil {
		t.Fatalf("add player: %v", err)
	}
	if err := r.ManuallyStart(); err != nil {
		t.Fatalf("manually start: %v", err)
	}
	alice.SetState(player.Trust)
	alice.AddGameTime(42)

	r.GameOver([]GameResult{{ConnID: alice.ConnID, Mode: "standard", Role: "zhu", Won: true}})
	mainExec.PostAndWait(func() {})

	if alice.State() != player.Online {
		t.Fatalf("expected Trust to flip to Online after game over, got %v", alice.State())
	}
	if r.Started() {
		t.Fatal("expected started flag to reset after game over")
	}

	row, err := db.QueryOne(`SELECT total_game_time FROM usergameinfo WHERE user_id = ?`, alice.ID)
	if err != nil || row == nil {
		t.Fatalf("expected accumulated game time row, got %+v err %v", row, err)
	}
}
