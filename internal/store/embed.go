package store

import (
	"embed"
	"strings"
)

//go:embed schema/accounts.sql schema/packages.sql schema/gamesaves.sql
var schemaFS embed.FS

// splitStatements breaks one schema file's contents into individual
// statements on ";" — spec.md section 6 only promises the files are loaded
// "at startup", and most SQL drivers (pq/Postgres in particular) refuse a
// multi-statement Exec, so ApplySchema always runs one CREATE TABLE at a time.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func readSchema(name string) ([]string, error) {
	b, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, err
	}
	return splitStatements(string(b)), nil
}

// ApplyAccountsSchema loads and applies accounts.sql + packages.sql, the two
// schema files living in the accounts database (spec.md section 6).
func (s *Store) ApplyAccountsSchema() error {
	for _, file := range []string{"accounts.sql", "packages.sql"} {
		stmts, err := readSchema(file)
		if err != nil {
			return err
		}
		if err := s.ApplySchema(stmts...); err != nil {
			return err
		}
	}
	return nil
}

// ApplyGameSavesSchema loads and applies gamesaves.sql, the schema for the
// separate game-saves database (spec.md section 6).
func (s *Store) ApplyGameSavesSchema() error {
	stmts, err := readSchema("gamesaves.sql")
	if err != nil {
		return err
	}
	return s.ApplySchema(stmts...)
}
