package store

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenWithDialector(sqlite.Open(":memory:"))
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	if err := db.ApplySchema(accountsSchemaForTest, gameSavesSchemaForTest); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return db
}

// accountsSchemaForTest/gameSavesSchemaForTest mirror schema/*.sql with
// sqlite-compatible types (no SERIAL/BYTEA) since tests run against
// glebarez/sqlite rather than Postgres.
const accountsSchemaForTest = `
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
CREATE VIEW pWinRateView AS
	SELECT user_id, mode, role, total, win,
	       CASE WHEN total > 0 THEN CAST(win AS REAL) / total ELSE 0 END AS win_rate
	FROM pWinRate;
`

const gameSavesSchemaForTest = `
CREATE TABLE gameSaves (user_id INTEGER NOT NULL, mode TEXT NOT NULL, data BLOB NOT NULL, updated_at DATETIME, PRIMARY KEY (user_id, mode));
CREATE TABLE globalSaves (user_id INTEGER NOT NULL, key TEXT NOT NULL, data BLOB NOT NULL, updated_at DATETIME, PRIMARY KEY (user_id, key));
`

func TestRegisterAndFindAccount(t *testing.T) {
	db := newTestStore(t)
	accounts := NewAccountStore(db)

	id, err := accounts.Register("alice", "hash", "salt", "uuid-1", "127.0.0.1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	acc, err := accounts.FindByID(id)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if acc == nil || acc.Name != "alice" {
		t.Fatalf("expected to find alice, got %+v", acc)
	}

	byName, err := accounts.FindByName("alice")
	if err != nil || byName == nil || byName.ID != id {
		t.Fatalf("expected find by name to resolve the same account, got %+v, err %v", byName, err)
	}
}

func TestIPBanExpiry(t *testing.T) {
	db := newTestStore(t)
	accounts := NewAccountStore(db)

	if err := accounts.BanIP("10.0.0.1", false, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("ban ip: %v", err)
	}
	banned, err := accounts.IsIPBanned("10.0.0.1")
	if err != nil {
		t.Fatalf("checking ban: %v", err)
	}
	if banned {
		t.Fatal("expected expired temporary ban to no longer be in effect")
	}

	if err := accounts.BanIP("10.0.0.2", true, time.Time{}); err != nil {
		t.Fatalf("ban ip: %v", err)
	}
	banned, err = accounts.IsIPBanned("10.0.0.2")
	if err != nil {
		t.Fatalf("checking ban: %v", err)
	}
	if !banned {
		t.Fatal("expected permanent ban to be in effect")
	}
}

func TestRecordGameResultAccumulates(t *testing.T) {
	db := newTestStore(t)
	accounts := NewAccountStore(db)
	id, _ := accounts.Register("bob", "hash", "salt", "uuid-2", "127.0.0.1")

	if err := accounts.RecordGameResult(id, "standard", "zhu", true); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if err := accounts.RecordGameResult(id, "standard", "zhu", false); err != nil {
		t.Fatalf("record result: %v", err)
	}

	row, err := db.QueryOne(`SELECT total, win FROM pWinRate WHERE user_id = ? AND mode = ? AND role = ?`,
		id, "standard", "zhu")
	if err != nil || row == nil {
		t.Fatalf("querying pWinRate: %v", err)
	}
	if row["total"].(int64) != 2 || row["win"].(int64) != 1 {
		t.Fatalf("expected total=2 win=1, got %+v", row)
	}
}

func TestGameSaveRoundTripsBlobBytes(t *testing.T) {
	db := newTestStore(t)
	saves := NewSaveStore(db)

	payload := []byte{0x00, 0xFF, 0x10, 0x02, 0x00}
	if err := saves.PutGameSave(1, "standard", payload); err != nil {
		t.Fatalf("put save: %v", err)
	}

	got, err := saves.GameSave(1, "standard")
	if err != nil {
		t.Fatalf("get save: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes back, got %d", len(payload), len(got))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d corrupted: want %x got %x", i, payload[i], got[i])
		}
	}
}
