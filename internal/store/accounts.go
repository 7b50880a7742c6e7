package store

import (
	"time"

	"github.com/pkg/errors"
)

// AccountStore wraps a Store with the account/ban/whitelist/winrate queries
// spec.md section 6 names by table, generalizing archon's
// internal/core/data/account_table.go accessor style (named methods wrapping
// hand-written SQL) from a single accounts table to the full userinfo/
// uuidinfo/ban/winrate group.
type AccountStore struct {
	db *Store
}

func NewAccountStore(db *Store) *AccountStore {
	return &AccountStore{db: db}
}

// Account is the subset of userinfo exposed to callers.
type Account struct {
	ID           int32
	Name         string
	PasswordHash string
	Salt         string
	UUID         string
	LastIP       string
	Banned       bool
	Avatar       string
}

// BeginTransaction exposes the store-wide exclusive transaction lock
// directly, for callers (gameserver.Server) that need to wrap several
// AccountStore calls in one atomic unit beyond what a single method offers.
func (a *AccountStore) BeginTransaction() (*Tx, error) {
	return a.db.BeginTransaction()
}

func (a *AccountStore) FindByName(name string) (*Account, error) {
	row, err := a.db.QueryOne(`SELECT id, name, password_hash, salt, uuid, last_ip, banned, avatar
		FROM userinfo WHERE name = ?`, name)
	if err != nil {
		return nil, errors.Wrap(err, "querying userinfo by name")
	}
	if row == nil {
		return nil, nil
	}
	return rowToAccount(row), nil
}

func (a *AccountStore) FindByID(id int32) (*Account, error) {
	row, err := a.db.QueryOne(`SELECT id, name, password_hash, salt, uuid, last_ip, banned, avatar
		FROM userinfo WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "querying userinfo by id")
	}
	if row == nil {
		return nil, nil
	}
	return rowToAccount(row), nil
}

func rowToAccount(row Row) *Account {
	acc := &Account{}
	if v, ok := row["id"].(int64); ok {
		acc.ID = int32(v)
	}
	acc.Name, _ = row["name"].(string)
	acc.PasswordHash, _ = row["password_hash"].(string)
	acc.Salt, _ = row["salt"].(string)
	acc.UUID, _ = row["uuid"].(string)
	acc.LastIP, _ = row["last_ip"].(string)
	acc.Banned, _ = row["banned"].(bool)
	acc.Avatar, _ = row["avatar"].(string)
	return acc
}

// Register inserts a new userinfo row and returns the assigned id.
func (a *AccountStore) Register(name, passwordHash, salt, uuid, ip string) (int32, error) {
	if err := a.db.Exec(
		`INSERT INTO userinfo (name, password_hash, salt, uuid, last_ip) VALUES (?, ?, ?, ?, ?)`,
		name, passwordHash, salt, uuid, ip,
	); err != nil {
		return 0, errors.Wrap(err, "registering account")
	}
	row, err := a.db.QueryOne(`SELECT id FROM userinfo WHERE name = ?`, name)
	if err != nil || row == nil {
		return 0, errors.Wrap(err, "fetching newly registered account id")
	}
	id, _ := row["id"].(int64)
	return int32(id), nil
}

func (a *AccountStore) UpdateLastIP(id int32, ip string) error {
	return errors.Wrap(a.db.Exec(`UPDATE userinfo SET last_ip = ? WHERE id = ?`, ip, id),
		"updating last_ip")
}

// RecordLogin updates the last-known IP and the uuid-to-account mapping
// under one write transaction, matching the handshake's success path
// (spec.md section 4.D: "updates last-IP and UUID mapping tables under a
// write transaction").
func (a *AccountStore) RecordLogin(id int32, ip, uuid string) error {
	tx, err := a.db.BeginTransaction()
	if err != nil {
		return err
	}

	if err := tx.Exec(`UPDATE userinfo SET last_ip = ? WHERE id = ?`, ip, id); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "updating last_ip")
	}
	if err := tx.Exec(
		`INSERT INTO uuidinfo (uuid, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, uuid, id,
	); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "recording uuid")
	}

	return tx.EndTransaction()
}

func (a *AccountStore) UpdateAvatar(id int32, avatar string) error {
	return errors.Wrap(a.db.Exec(`UPDATE userinfo SET avatar = ? WHERE id = ?`, avatar, id),
		"updating avatar")
}

func (a *AccountStore) UpdatePassword(id int32, passwordHash, salt string) error {
	return errors.Wrap(a.db.Exec(`UPDATE userinfo SET password_hash = ?, salt = ? WHERE id = ?`,
		passwordHash, salt, id), "updating password")
}

// RecordUUID inserts the uuid-to-account association used by the one-device-
// per-account reconnection gate (spec.md section 4.D gate 4).
func (a *AccountStore) RecordUUID(uuid string, userID int32) error {
	return errors.Wrap(a.db.Exec(
		`INSERT INTO uuidinfo (uuid, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, uuid, userID),
		"recording uuid")
}

func (a *AccountStore) CountDevicesForUUID(uuid string) (int, error) {
	row, err := a.db.QueryOne(`SELECT COUNT(*) AS c FROM uuidinfo WHERE uuid = ?`, uuid)
	if err != nil {
		return 0, errors.Wrap(err, "counting uuid devices")
	}
	if row == nil {
		return 0, nil
	}
	c, _ := row["c"].(int64)
	return int(c), nil
}

// IsIPBanned reports whether ip is under a permanent or still-active
// temporary ban.
func (a *AccountStore) IsIPBanned(ip string) (bool, error) {
	row, err := a.db.QueryOne(
		`SELECT permanent, expires_at FROM banip WHERE ip = ? AND (permanent = TRUE OR expires_at > ?)`,
		ip, time.Now())
	if err != nil {
		return false, errors.Wrap(err, "checking ip ban")
	}
	return row != nil, nil
}

func (a *AccountStore) BanIP(ip string, permanent bool, expiresAt time.Time) error {
	return errors.Wrap(a.db.Exec(
		`INSERT INTO banip (ip, permanent, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (ip) DO UPDATE SET permanent = excluded.permanent, expires_at = excluded.expires_at`,
		ip, permanent, expiresAt), "banning ip")
}

func (a *AccountStore) IsUUIDBanned(uuid string) (bool, error) {
	row, err := a.db.QueryOne(`SELECT uuid FROM banuuid WHERE uuid = ?`, uuid)
	if err != nil {
		return false, errors.Wrap(err, "checking uuid ban")
	}
	return row != nil, nil
}

func (a *AccountStore) BanUUID(uuid string) error {
	return errors.Wrap(a.db.Exec(`INSERT INTO banuuid (uuid) VALUES (?) ON CONFLICT DO NOTHING`, uuid),
		"banning uuid")
}

// IsTempBanned and TempBan cover the persisted account-level suspensions,
// distinct from user.Manager's in-memory temporary IP ban cache (spec.md
// section 4.G). Server.TemporarilyBan writes to both.
func (a *AccountStore) IsTempBanned(userID int32) (bool, error) {
	row, err := a.db.QueryOne(`SELECT expires_at FROM tempban WHERE user_id = ? AND expires_at > ?`,
		userID, time.Now())
	if err != nil {
		return false, errors.Wrap(err, "checking temp ban")
	}
	return row != nil, nil
}

func (a *AccountStore) TempBan(userID int32, reason string, expiresAt time.Time) error {
	return errors.Wrap(a.db.Exec(
		`INSERT INTO tempban (user_id, reason, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET reason = excluded.reason, expires_at = excluded.expires_at`,
		userID, reason, expiresAt), "temp-banning account")
}

func (a *AccountStore) IsTempMuted(userID int32) (bool, error) {
	row, err := a.db.QueryOne(`SELECT expires_at FROM tempmute WHERE user_id = ? AND expires_at > ?`,
		userID, time.Now())
	if err != nil {
		return false, errors.Wrap(err, "checking temp mute")
	}
	return row != nil, nil
}

func (a *AccountStore) TempMute(userID int32, expiresAt time.Time) error {
	return errors.Wrap(a.db.Exec(
		`INSERT INTO tempmute (user_id, expires_at) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		userID, expiresAt), "temp-muting account")
}

func (a *AccountStore) IsWhitelisted(name string) (bool, error) {
	row, err := a.db.QueryOne(`SELECT name FROM whitelist WHERE name = ?`, name)
	if err != nil {
		return false, errors.Wrap(err, "checking whitelist")
	}
	return row != nil, nil
}

func (a *AccountStore) AddToWhitelist(name string) error {
	return errors.Wrap(a.db.Exec(`INSERT INTO whitelist (name) VALUES (?) ON CONFLICT DO NOTHING`, name),
		"adding to whitelist")
}

// RecordGameResult updates both the per-player and global win-rate tables in
// one transaction, matching the game-over bookkeeping pass spec.md section
// 4.H describes for Room.
func (a *AccountStore) RecordGameResult(userID int32, mode, role string, won bool) error {
	tx, err := a.db.BeginTransaction()
	if err != nil {
		return err
	}

	winIncrement := 0
	if won {
		winIncrement = 1
	}

	if err := tx.Exec(
		`INSERT INTO pWinRate (user_id, mode, role, total, win) VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (user_id, mode, role) DO UPDATE SET
				total = pWinRate.total + 1, win = pWinRate.win + excluded.win`,
		userID, mode, role, winIncrement,
	); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Exec(
		`INSERT INTO gWinRate (mode, role, total, win) VALUES (?, ?, 1, ?)
			ON CONFLICT (mode, role) DO UPDATE SET
				total = gWinRate.total + 1, win = gWinRate.win + excluded.win`,
		mode, role, winIncrement,
	); err != nil {
		tx.Rollback()
		return err
	}

	return tx.EndTransaction()
}

// RecordGeneralResult updates only the mode/role-wide win rate, for the
// engine's updateGeneralWinRate RPC call which has no single player in
// scope (spec.md section 4.J).
func (a *AccountStore) RecordGeneralResult(mode, role string, won bool) error {
	winIncrement := 0
	if won {
		winIncrement = 1
	}
	return errors.Wrap(a.db.Exec(
		`INSERT INTO gWinRate (mode, role, total, win) VALUES (?, ?, 1, ?)
			ON CONFLICT (mode, role) DO UPDATE SET
				total = gWinRate.total + 1, win = gWinRate.win + excluded.win`,
		mode, role, winIncrement), "recording general result")
}

// FindGameData returns the [total, win, run] triple the UpdateGameData
// frame reports for a player in one game mode (spec.md section 4.F/4.J
// gameData): total/win summed across roles from pWinRateView, run from the
// account-wide runRate counter.
func (a *AccountStore) FindGameData(userID int32, mode string) (total, win, run int64, err error) {
	row, err := a.db.QueryOne(
		`SELECT COALESCE(SUM(total), 0) AS total, COALESCE(SUM(win), 0) AS win
			FROM pWinRateView WHERE user_id = ? AND mode = ?`, userID, mode)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "querying player win rate")
	}
	if row != nil {
		total, _ = row["total"].(int64)
		win, _ = row["win"].(int64)
	}

	runRow, err := a.db.QueryOne(`SELECT run_count FROM runRate WHERE user_id = ?`, userID)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "querying run rate")
	}
	if runRow != nil {
		run, _ = runRow["run_count"].(int64)
	}
	return total, win, run, nil
}

// RecordRun increments a player's run-away count and returns the new total.
// Room's game-over pass calls it for members still in Run state.
func (a *AccountStore) RecordRun(userID int32) (int64, error) {
	tx, err := a.db.BeginTransaction()
	if err != nil {
		return 0, err
	}
	if err := tx.Exec(
		`INSERT INTO runRate (user_id, run_count) VALUES (?, 1)
			ON CONFLICT (user_id) DO UPDATE SET run_count = runRate.run_count + 1`,
		userID,
	); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	row, err := a.db.QueryOne(`SELECT run_count FROM runRate WHERE user_id = ?`, userID)
	if err != nil || row == nil {
		return 0, err
	}
	count, _ := row["run_count"].(int64)
	return count, nil
}

// AddGameTime accumulates one player's total recorded game time. The
// heartbeat tick only adds to the Player's in-memory counter; Room's
// game-over pass persists it through AddGameTimeBatch.
func (a *AccountStore) AddGameTime(userID int32, seconds int64) error {
	return errors.Wrap(a.db.Exec(
		`INSERT INTO usergameinfo (user_id, total_game_time) VALUES (?, ?)
			ON CONFLICT (user_id) DO UPDATE SET total_game_time = usergameinfo.total_game_time + excluded.total_game_time`,
		userID, seconds), "recording game time")
}

// AddGameTimeBatch applies every entry's accumulated seconds within a single
// exclusive transaction, matching spec.md section 4.H's game-over pass:
// "accumulates per-player game time into usergameinfo.totalGameTime in one
// transaction".
func (a *AccountStore) AddGameTimeBatch(seconds map[int32]int64) error {
	if len(seconds) == 0 {
		return nil
	}

	tx, err := a.db.BeginTransaction()
	if err != nil {
		return err
	}
	for userID, secs := range seconds {
		if err := tx.Exec(
			`INSERT INTO usergameinfo (user_id, total_game_time) VALUES (?, ?)
				ON CONFLICT (user_id) DO UPDATE SET total_game_time = usergameinfo.total_game_time + excluded.total_game_time`,
			userID, secs,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "recording game time batch")
		}
	}
	return tx.EndTransaction()
}
