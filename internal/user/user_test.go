package user

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"

	"github.com/fkserver/core/internal/auth"
	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/packman"
	"github.com/fkserver/core/internal/store"
)

const testSchema = `
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
CREATE TABLE packages (name TEXT PRIMARY KEY, url TEXT NOT NULL, hash TEXT NOT NULL, enabled BOOLEAN NOT NULL DEFAULT 1);
`

func newTestSetup(t *testing.T, capacity int) *Manager {
	t.Helper()
	db, err := store.OpenWithDialector(sqlite.Open(":memory:"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := db.ApplySchema(testSchema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}

	accounts := store.NewAccountStore(db)
	packages := packman.New(db)
	if err := packages.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	authMgr, err := auth.New(auth.Config{
		KeyPath:             filepath.Join(t.TempDir(), "key.pem"),
		VersionRange:        ">=0.5.14 <0.6.0",
		MaxPlayersPerDevice: 1,
	}, accounts, packages)
	if err != nil {
		t.Fatalf("constructing auth manager: %v", err)
	}

	return New(accounts, authMgr, capacity, time.Minute)
}

func newPipeConnection(t *testing.T) *netio.Connection {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	exec := executor.New(8)
	t.Cleanup(exec.Stop)
	return netio.New(serverSide, exec)
}

func TestHandleNewConnectionRejectsOverCapacity(t *testing.T) {
	m := newTestSetup(t, 0)
	conn := newPipeConnection(t)

	m.HandleNewConnection(conn)

	if _, ok := m.FindByConnID(1); ok {
		t.Fatal("expected connection to be rejected before registration")
	}
}

func TestHandleNewConnectionArmsHandshake(t *testing.T) {
	m := newTestSetup(t, 10)
	conn := newPipeConnection(t)

	m.HandleNewConnection(conn)

	if _, ok := m.FindByConnID(1); !ok {
		t.Fatal("expected connection to be provisionally registered pending handshake")
	}
}

func TestTemporarilyBanIPBlocksNextConnection(t *testing.T) {
	m := newTestSetup(t, 10)
	m.TemporarilyBanIP("203.0.113.1")

	if _, banned := m.tempBans.Get("203.0.113.1"); !banned {
		t.Fatal("expected ip to be present in temp ban cache")
	}
}
