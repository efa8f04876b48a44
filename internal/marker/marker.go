// Package marker implements the client-local, non-reversible termination
// marker store. A marker is written synchronously the moment an attempt is
// terminated, before any remote write is acknowledged, so a same-session or
// same-device retry by the same identity is blocked even when the backend is
// unreachable.
//
// Each marker carries an HMAC over its fields so a casually edited database
// row is detectable. The MAC key is derived per store secret via HKDF.
// The store also keeps the violation log of terminated attempts for audit.
package marker

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"

	"proctord/internal/violation"
)

const schema = `
CREATE TABLE IF NOT EXISTS markers (
    identity    TEXT PRIMARY KEY,
    attempt_id  TEXT NOT NULL,
    reason      TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    mac         BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS violations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    identity    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    details     TEXT,
    timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_identity ON violations(identity, timestamp);
`

var (
	// ErrMarkerExists is returned when an identity is already marked.
	ErrMarkerExists = errors.New("marker: identity already marked")

	// ErrTampered is returned when a marker's MAC does not verify.
	ErrTampered = errors.New("marker: record failed integrity check")
)

// Marker records one terminated attempt.
type Marker struct {
	Identity  string
	AttemptID string
	Reason    string
	CreatedAt time.Time
}

// Store is the SQLite-backed marker store.
type Store struct {
	db  *sql.DB
	key []byte
}

// Open opens or creates the marker database and derives the MAC key from
// the given secret.
func Open(path string, secret []byte) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create marker directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open marker database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply marker schema: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("proctord marker mac v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		db.Close()
		return nil, fmt.Errorf("derive mac key: %w", err)
	}

	return &Store{db: db, key: key}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Write records a marker. The first marker for an identity wins; a second
// write returns ErrMarkerExists without touching the stored row, which is
// what makes the marker non-reversible.
func (s *Store) Write(m Marker) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO markers (identity, attempt_id, reason, created_at, mac)
		VALUES (?, ?, ?, ?, ?)`,
		m.Identity, m.AttemptID, m.Reason, m.CreatedAt.UnixNano(), s.mac(m),
	)
	if err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if n == 0 {
		return ErrMarkerExists
	}
	return nil
}

// Has reports whether the identity is marked. Integrity is not checked
// here; a tampered row still blocks.
func (s *Store) Has(identity string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM markers WHERE identity = ?`, identity).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query marker: %w", err)
	}
	return true, nil
}

// Get returns the marker for an identity, verifying its MAC. Returns
// (nil, nil) when no marker exists and ErrTampered when the MAC fails.
func (s *Store) Get(identity string) (*Marker, error) {
	var m Marker
	var createdNs int64
	var mac []byte
	err := s.db.QueryRow(`
		SELECT identity, attempt_id, reason, created_at, mac
		FROM markers WHERE identity = ?`, identity,
	).Scan(&m.Identity, &m.AttemptID, &m.Reason, &createdNs, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get marker: %w", err)
	}
	m.CreatedAt = time.Unix(0, createdNs)

	if !hmac.Equal(mac, s.mac(m)) {
		return nil, ErrTampered
	}
	return &m, nil
}

// List returns all markers in creation order. Tampered rows are included;
// callers that care must re-verify with Get.
func (s *Store) List() ([]Marker, error) {
	rows, err := s.db.Query(`
		SELECT identity, attempt_id, reason, created_at
		FROM markers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var m Marker
		var createdNs int64
		if err := rows.Scan(&m.Identity, &m.AttemptID, &m.Reason, &createdNs); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdNs)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendViolations persists an attempt's violation log for audit.
func (s *Store) AppendViolations(identity string, vs []violation.Violation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO violations (identity, kind, details, timestamp)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range vs {
		var details []byte
		if len(v.Details) > 0 {
			details, err = json.Marshal(v.Details)
			if err != nil {
				return fmt.Errorf("marshal details: %w", err)
			}
		}
		if _, err := stmt.Exec(identity, string(v.Kind), details, v.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Violations returns the persisted violation log for an identity in
// record order.
func (s *Store) Violations(identity string) ([]violation.Violation, error) {
	rows, err := s.db.Query(`
		SELECT kind, details, timestamp
		FROM violations WHERE identity = ? ORDER BY id`, identity)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []violation.Violation
	for rows.Next() {
		var v violation.Violation
		var kind string
		var details []byte
		var tsNs int64
		if err := rows.Scan(&kind, &details, &tsNs); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		v.Kind = violation.Kind(kind)
		v.Timestamp = time.Unix(0, tsNs)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &v.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// mac computes the integrity tag over a marker's fields.
func (s *Store) mac(m Marker) []byte {
	h := hmac.New(sha256.New, s.key)
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", m.Identity, m.AttemptID, m.Reason, m.CreatedAt.UnixNano())
	return h.Sum(nil)
}
