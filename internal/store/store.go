// Package store is the thin persistence boundary spec.md section 1 and 6
// describe: the core never expresses its own ORM models over the accounts
// or game-saves databases, it only names SQL to run and gets row maps back,
// treating the relational store as an external collaborator. Grounded on
// archon's internal/core/data (gorm.Open + AutoMigrate) but used here purely
// as a raw SQL executor rather than an object mapper.
package store

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Row is one result row, keyed by column name.
type Row = map[string]interface{}

// Store wraps a *gorm.DB purely as a connection pool and raw SQL executor.
type Store struct {
	db *gorm.DB

	// txMu is the server-wide exclusive transaction mutex spec.md section
	// 5 calls for: BeginTransaction/EndTransaction serialize multi-statement
	// updates across the whole process, not just within one *sql.Tx.
	txMu sync.Mutex
}

// Open connects to a Postgres database at dsn. debug enables full SQL
// logging, mirroring archon's internal/core/data.Initialize split between
// logger.Error and logger.Info modes.
func Open(dsn string, debug bool) (*Store, error) {
	logMode := gormlogger.Default.LogMode(gormlogger.Error)
	if debug {
		logMode = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logMode})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	return &Store{db: db}, nil
}

// OpenWithDialector is used by tests to substitute an in-memory sqlite
// dialector (github.com/glebarez/sqlite) for the Postgres driver.
func OpenWithDialector(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "getting underlying sql.DB")
	}
	return sqlDB.Close()
}

// ApplySchema executes one or more schema files' contents verbatim,
// matching spec.md section 6: "Schemas are loaded from initialization SQL
// files at startup."
func (s *Store) ApplySchema(sqlStatements ...string) error {
	for _, stmt := range sqlStatements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return errors.Wrap(err, "applying schema")
		}
	}
	return nil
}

// Query runs sql with args and returns every row as a string-keyed map.
// SQL errors are logged by the caller and swallowed per spec.md section 7 —
// Query itself always returns the error so the caller can decide.
func (s *Store) Query(query string, args ...interface{}) ([]Row, error) {
	rows, err := s.db.Raw(query, args...).Rows()
	if err != nil {
		return nil, errors.Wrap(err, "executing query")
	}
	defer rows.Close()

	return scanRows(rows)
}

// QueryRaw behaves like Query but skips the []byte->string normalization,
// for callers reading BLOB/BYTEA columns (e.g. gameSaves.data) that must
// round-trip as raw bytes.
func (s *Store) QueryRaw(query string, args ...interface{}) ([]Row, error) {
	rows, err := s.db.Raw(query, args...).Rows()
	if err != nil {
		return nil, errors.Wrap(err, "executing query")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "reading columns")
	}

	var results []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// QueryOne is a convenience wrapper returning the first row, or (nil, nil)
// if the query produced no rows.
func (s *Store) QueryOne(query string, args ...interface{}) (Row, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Exec runs a statement that doesn't return rows (INSERT/UPDATE/DELETE).
func (s *Store) Exec(statement string, args ...interface{}) error {
	return errors.Wrap(s.db.Exec(statement, args...).Error, "executing statement")
}

// BeginTransaction acquires the process-wide exclusive lock described in
// spec.md section 5 and returns a bound Tx for issuing statements within it.
func (s *Store) BeginTransaction() (*Tx, error) {
	s.txMu.Lock()

	tx := s.db.Begin()
	if tx.Error != nil {
		s.txMu.Unlock()
		return nil, errors.Wrap(tx.Error, "beginning transaction")
	}
	return &Tx{tx: tx, store: s}, nil
}

// Tx is one exclusive, multi-statement transaction.
type Tx struct {
	tx    *gorm.DB
	store *Store
	done  bool
}

func (t *Tx) Exec(statement string, args ...interface{}) error {
	return errors.Wrap(t.tx.Exec(statement, args...).Error, "executing statement in transaction")
}

func (t *Tx) Query(query string, args ...interface{}) ([]Row, error) {
	rows, err := t.tx.Raw(query, args...).Rows()
	if err != nil {
		return nil, errors.Wrap(err, "executing query in transaction")
	}
	defer rows.Close()
	return scanRows(rows)
}

// Commit commits the transaction and releases the store-wide lock. Safe to
// call at most once; EndTransaction below is the spec-named counterpart.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	return errors.Wrap(t.tx.Commit().Error, "committing transaction")
}

// Rollback aborts the transaction and releases the store-wide lock.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()
	return errors.Wrap(t.tx.Rollback().Error, "rolling back transaction")
}

// EndTransaction is an alias for Commit, matching the spec's naming
// (BeginTransaction/EndTransaction) for callers that don't need Rollback.
func (t *Tx) EndTransaction() error { return t.Commit() }

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "reading columns")
	}

	var results []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanned(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// normalizeScanned converts driver-specific byte representations (commonly
// returned for both TEXT and BYTEA columns by the pure-Go sqlite driver used
// in tests) into plain strings where that's unambiguous, matching what
// callers expect out of a "row map".
func normalizeScanned(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
