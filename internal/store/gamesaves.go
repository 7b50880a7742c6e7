package store

import "github.com/pkg/errors"

// SaveStore wraps the gameSaves/globalSaves blob tables, kept in a database
// separate from accounts.go per spec.md section 6 ("a separate store for
// game save data").
type SaveStore struct {
	db *Store
}

func NewSaveStore(db *Store) *SaveStore {
	return &SaveStore{db: db}
}

// GameSave reads a player's saved state for one game mode. Returns (nil, nil)
// if no save exists yet.
func (s *SaveStore) GameSave(userID int32, mode string) ([]byte, error) {
	rows, err := s.db.QueryRaw(`SELECT data FROM gameSaves WHERE user_id = ? AND mode = ?`, userID, mode)
	if err != nil {
		return nil, errors.Wrap(err, "reading game save")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	data, _ := rows[0]["data"].([]byte)
	return data, nil
}

func (s *SaveStore) PutGameSave(userID int32, mode string, data []byte) error {
	return errors.Wrap(s.db.Exec(
		`INSERT INTO gameSaves (user_id, mode, data) VALUES (?, ?, ?)
			ON CONFLICT (user_id, mode) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		userID, mode, data), "writing game save")
}

// GlobalSave reads an arbitrary key/blob entry not tied to a game mode
// (achievements, unlocked extensions, and similar persistent player data).
func (s *SaveStore) GlobalSave(userID int32, key string) ([]byte, error) {
	rows, err := s.db.QueryRaw(`SELECT data FROM globalSaves WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		return nil, errors.Wrap(err, "reading global save")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	data, _ := rows[0]["data"].([]byte)
	return data, nil
}

func (s *SaveStore) PutGlobalSave(userID int32, key string, data []byte) error {
	return errors.Wrap(s.db.Exec(
		`INSERT INTO globalSaves (user_id, key, data) VALUES (?, ?, ?)
			ON CONFLICT (user_id, key) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		userID, key, data), "writing global save")
}
