package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"

	"github.com/fkserver/core/internal/executor"
	"github.com/fkserver/core/internal/netio"
	"github.com/fkserver/core/internal/packman"
	"github.com/fkserver/core/internal/player"
	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/wire"
)

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
CREATE TABLE packages (name TEXT PRIMARY KEY, url TEXT NOT NULL, hash TEXT NOT NULL, enabled BOOLEAN NOT NULL DEFAULT 1);
`

type fakeRegistry struct {
	byID map[int32]*player.Player
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{byID: map[int32]*player.Player{}} }

func (f *fakeRegistry) FindByID(id int32) (*player.Player, bool) {
	p, ok := f.byID[id]
	return p, ok
}
func (f *fakeRegistry) Remove(id int32)           { delete(f.byID, id) }
func (f *fakeRegistry) Install(p *player.Player)  { f.byID[p.ID] = p }

func newTestManager(t *testing.T) (*Manager, *fakeRegistry) {
	t.Helper()
	db, err := store.OpenWithDialector(sqlite.Open(":memory:"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := db.ApplySchema(testAccountsSchema); err != nil {
		t.Fatalf("applying schema: %v", err)
	}

	packages := packman.New(db)
	if err := packages.Refresh(); err != nil {
		t.Fatalf("refresh packages: %v", err)
	}

	m, err := New(Config{
		KeyPath:             filepath.Join(t.TempDir(), "test.pem"),
		VersionRange:        ">=0.5.14 <0.6.0",
		MaxPlayersPerDevice: 1,
	}, store.NewAccountStore(db), packages)
	if err != nil {
		t.Fatalf("constructing manager: %v", err)
	}
	return m, newFakeRegistry()
}

func newTestConnection(t *testing.T) *netio.Connection {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	exec := executor.New(8)
	t.Cleanup(exec.Stop)
	return netio.New(serverSide, exec)
}

func buildSetupPacket(m *Manager, name, password, fingerprint []byte, version, uuid string) wire.Packet {
	encryptedPW, err := rsa.EncryptPKCS1v15(rand.Reader, &m.key.PublicKey,
		append(make([]byte, aesSessionKeyLen), password...))
	if err != nil {
		panic(err)
	}
	payload := wire.EncodeSetupPayload(name, encryptedPW, fingerprint, []byte(version), []byte(uuid))
	return wire.NewNotification(wire.Notification|wire.ClientToServer, []byte("Setup"), payload)
}

func TestHandleSetupRegistersNewAccount(t *testing.T) {
	m, registry := newTestManager(t)
	conn := newTestConnection(t)

	fp := m.packages.Fingerprint()
	pkt := buildSetupPacket(m, []byte("alice"), []byte("pw1234"), fp[:], "0.5.14", "uuid-aaaa")

	if _, err := m.HandleSetup(conn, pkt, 1, registry); err != nil {
		t.Fatalf("expected successful handshake, got %v", err)
	}

	p, ok := registry.FindByID(1)
	if !ok || p.ScreenName != "alice" {
		t.Fatalf("expected alice installed with id 1, got %+v ok=%v", p, ok)
	}
}

func TestHandleSetupRejectsBadVersion(t *testing.T) {
	m, registry := newTestManager(t)
	conn := newTestConnection(t)

	fp := m.packages.Fingerprint()
	pkt := buildSetupPacket(m, []byte("bob"), []byte("pw1234"), fp[:], "0.1.0", "uuid-bbbb")

	_, err := m.HandleSetup(conn, pkt, 1, registry)
	if err != ErrVersionMismatch {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestHandleSetupRejectsWrongFingerprint(t *testing.T) {
	m, registry := newTestManager(t)
	conn := newTestConnection(t)

	pkt := buildSetupPacket(m, []byte("carol"), []byte("pw1234"), []byte("not-the-real-fingerprint-000000"), "0.5.14", "uuid-cccc")

	_, err := m.HandleSetup(conn, pkt, 1, registry)
	if err != ErrFingerprint {
		t.Fatalf("expected ErrFingerprint, got %v", err)
	}
}

func TestHandleSetupVerifiesExistingPassword(t *testing.T) {
	m, registry := newTestManager(t)
	fp := m.packages.Fingerprint()

	conn1 := newTestConnection(t)
	pkt1 := buildSetupPacket(m, []byte("dave"), []byte("correct-horse"), fp[:], "0.5.14", "uuid-dddd")
	if _, err := m.HandleSetup(conn1, pkt1, 1, registry); err != nil {
		t.Fatalf("initial registration failed: %v", err)
	}
	registry.byID[1].SetState(player.Offline)

	conn2 := newTestConnection(t)
	badPkt := buildSetupPacket(m, []byte("dave"), []byte("wrong-password"), fp[:], "0.5.14", "uuid-eeee")
	if _, err := m.HandleSetup(conn2, badPkt, 2, registry); err != ErrBadPassword {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}

	conn3 := newTestConnection(t)
	goodPkt := buildSetupPacket(m, []byte("dave"), []byte("correct-horse"), fp[:], "0.5.14", "uuid-ffff")
	if _, err := m.HandleSetup(conn3, goodPkt, 3, registry); err != nil {
		t.Fatalf("expected successful reauth, got %v", err)
	}
}
