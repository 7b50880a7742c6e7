// Package packman is the content fingerprint and package registry external
// collaborator spec.md section 1 carves out of the core: which extension
// packs are enabled, and what the client-visible fingerprint of that set
// currently is. Grounded on original_source/src/core/packman.cpp's
// PackMan::refreshSummary, which serializes {name,url,hash} rows for every
// enabled package as a CBOR array — reused here verbatim as the wire
// encoding, via internal/wire, rather than re-derived with a hand-rolled
// format. Table access style follows archon's internal/core/data accessors.
package packman

import (
	"crypto/sha256"
	"sync"

	"github.com/fkserver/core/internal/store"
	"github.com/fkserver/core/internal/wire"
	"github.com/pkg/errors"
)

// Package describes one enabled content pack.
type Package struct {
	Name string
	URL  string
	Hash string
}

// Manager tracks the set of enabled packages and the CBOR-encoded summary
// (fingerprint) clients compare against their local install at handshake
// time (spec.md section 4.D gate 4).
type Manager struct {
	db *store.Store

	mu       sync.RWMutex
	packages []Package
	summary  []byte
}

func New(db *store.Store) *Manager {
	return &Manager{db: db}
}

// Refresh reloads the enabled-package set from storage and recomputes the
// fingerprint summary, mirroring PackMan::refreshSummary.
func (m *Manager) Refresh() error {
	rows, err := m.db.Query(`SELECT name, url, hash FROM packages WHERE enabled = 1`)
	if err != nil {
		return errors.Wrap(err, "loading enabled packages")
	}

	packages := make([]Package, 0, len(rows))
	summary := wire.EncodeArrayHeader(len(rows))
	for _, row := range rows {
		name, _ := row["name"].(string)
		url, _ := row["url"].(string)
		hash, _ := row["hash"].(string)
		packages = append(packages, Package{Name: name, URL: url, Hash: hash})

		entry, err := wire.EncodeMap([]string{"name", "hash", "url"},
			[]interface{}{name, hash, url})
		if err != nil {
			return errors.Wrap(err, "encoding package summary entry")
		}
		summary = append(summary, entry...)
	}

	m.mu.Lock()
	m.packages = packages
	m.summary = summary
	m.mu.Unlock()
	return nil
}

// Summary returns the current CBOR-encoded fingerprint payload, ready to
// send as-is as the UpdatePackage payload on a fingerprint mismatch, or to
// hash and compare against a client-submitted fingerprint at setup time.
func (m *Manager) Summary() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.summary))
	copy(out, m.summary)
	return out
}

// Fingerprint is the sha256 digest of Summary, the compact form actually
// compared against the client's submitted fingerprint at setup time
// (spec.md section 4.D gate 4) instead of shipping the full package list
// back and forth.
func (m *Manager) Fingerprint() [32]byte {
	return sha256.Sum256(m.Summary())
}

// Packages returns a snapshot of the currently enabled package list.
func (m *Manager) Packages() []Package {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Package, len(m.packages))
	copy(out, m.packages)
	return out
}

// Enable marks pack enabled in the packages table; Summary and Fingerprint
// reflect the change only after the next Refresh call. Callers update the
// outdated-threads set after this returns.
func (m *Manager) Enable(name string) error {
	return errors.Wrap(m.db.Exec(`UPDATE packages SET enabled = 1 WHERE name = ?`, name),
		"enabling package")
}

func (m *Manager) Disable(name string) error {
	return errors.Wrap(m.db.Exec(`UPDATE packages SET enabled = 0 WHERE name = ?`, name),
		"disabling package")
}

// Register inserts or updates a package's url/hash pair — used after a
// download/update cycle performed by the out-of-process package installer.
func (m *Manager) Register(name, url, hash string) error {
	return errors.Wrap(m.db.Exec(
		`INSERT INTO packages (name, url, hash, enabled) VALUES (?, ?, ?, 1)
			ON CONFLICT (name) DO UPDATE SET url = excluded.url, hash = excluded.hash`,
		name, url, hash), "registering package")
}
