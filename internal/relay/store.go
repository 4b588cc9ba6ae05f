// Package relay implements the server-side storage-only peer: it holds
// ciphertext, timestamps, and a fingerprint index per owner, and never
// sees an encryption key (spec §4.7). Grounded on the teacher's
// internal/acl/store.go shape (struct{db *sql.DB}, initSchema, database/sql
// with the mattn/go-sqlite3 driver) repurposed from entry ACL rows onto
// evolu_writeKey/evolu_message/evolu_timestamp/evolu_usage, and on
// internal/version/store.go's read-style query helpers.
package relay

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
)

// AuthError is returned when a presented write key doesn't match the one
// on file for that owner.
type AuthError struct {
	OwnerID [16]byte
}

func (e AuthError) Error() string {
	return fmt.Sprintf("relay: write key mismatch for owner %x", e.OwnerID)
}

// QuotaError is returned when admitting a write would push an owner's
// stored byte count over its quota. The caller's enclosing frame must be
// rolled back in full; Store guarantees this itself inside AdmitMessages.
type QuotaError struct {
	OwnerID  [16]byte
	Would    int64
	Quota    int64
}

func (e QuotaError) Error() string {
	return fmt.Sprintf("relay: owner %x would use %d bytes, over quota %d", e.OwnerID, e.Would, e.Quota)
}

// OwnerLimitError is returned when admitting a never-before-seen owner
// would exceed the relay's configured MaxOwners.
type OwnerLimitError struct {
	Max int
}

func (e OwnerLimitError) Error() string {
	return fmt.Sprintf("relay: at capacity (%d owners)", e.Max)
}

// QuotaFunc decides whether ownerID may store an additional
// additionalBytes, given its current usage. allowed alone decides; quota
// is the limit reported back when a write is rejected (UnlimitedQuota
// reports 0).
type QuotaFunc func(ownerID [16]byte, currentBytes, additionalBytes int64) (allowed bool, quota int64)

// UnlimitedQuota never rejects a write.
func UnlimitedQuota([16]byte, int64, int64) (bool, int64) { return true, 0 }

const schema = `
CREATE TABLE IF NOT EXISTS evolu_writeKey (
	ownerId BLOB PRIMARY KEY,
	writeKey BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS evolu_message (
	ownerId BLOB NOT NULL,
	timestamp BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	PRIMARY KEY (ownerId, timestamp)
);

CREATE TABLE IF NOT EXISTS evolu_timestamp (
	ownerId BLOB NOT NULL,
	timestamp BLOB NOT NULL,
	PRIMARY KEY (ownerId, timestamp)
);

CREATE TABLE IF NOT EXISTS evolu_usage (
	ownerId BLOB PRIMARY KEY,
	storedBytes INTEGER NOT NULL DEFAULT 0
);
`

// Store is the relay's SQLite-backed persistence: every owner's ciphertext,
// timestamp set, and running usage counter, gated by a per-owner mutex so
// writes to one owner never block writes to another (spec §4.7
// concurrency policy).
type Store struct {
	db        *sql.DB
	quota     QuotaFunc
	maxOwners int // 0 means unlimited

	locksMu sync.Mutex
	locks   map[[16]byte]*sync.Mutex

	indexMu sync.Mutex
	indexes map[[16]byte]*fingerprint.Index
}

// SetMaxOwners bounds how many distinct owners Admit will accept for the
// first time; 0 (the default) leaves it unlimited. Existing owners are
// never evicted when the limit is lowered.
func (s *Store) SetMaxOwners(n int) {
	s.maxOwners = n
}

// Open opens (creating if necessary) a SQLite-backed relay Store at path.
// quota may be nil to allow unlimited storage.
func Open(path string, quota QuotaFunc) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("relay: open %s: %w", path, err)
	}
	if quota == nil {
		quota = UnlimitedQuota
	}
	s := &Store{
		db:      db,
		quota:   quota,
		locks:   make(map[[16]byte]*sync.Mutex),
		indexes: make(map[[16]byte]*fingerprint.Index),
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relay: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ownerLock(ownerID [16]byte) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[ownerID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[ownerID] = m
	}
	return m
}

// Index returns the in-memory fingerprint index for ownerID, loading it
// from evolu_timestamp on first access. The index is part of the same
// per-owner critical section as every write (spec §5: "fingerprint index
// is part of the storage transaction").
func (s *Store) Index(ctx context.Context, ownerID [16]byte) (*fingerprint.Index, error) {
	s.indexMu.Lock()
	idx, ok := s.indexes[ownerID]
	s.indexMu.Unlock()
	if ok {
		return idx, nil
	}

	idx = fingerprint.New(1)
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp FROM evolu_timestamp WHERE ownerId = ?`, ownerID[:])
	if err != nil {
		return nil, fmt.Errorf("relay: load index for %x: %w", ownerID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var enc []byte
		if err := rows.Scan(&enc); err != nil {
			return nil, fmt.Errorf("relay: scan timestamp: %w", err)
		}
		ts, err := clock.Decode(enc)
		if err != nil {
			return nil, fmt.Errorf("relay: decode timestamp: %w", err)
		}
		idx.Insert(ts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.indexMu.Lock()
	if existing, ok := s.indexes[ownerID]; ok {
		idx = existing
	} else {
		s.indexes[ownerID] = idx
	}
	s.indexMu.Unlock()
	return idx, nil
}

// Admit checks an Initiate's write key against the one on file, persisting
// it on first observation (spec §4.7 admission rule). Returns AuthError on
// mismatch.
func (s *Store) Admit(ctx context.Context, ownerID [16]byte, writeKey [16]byte) error {
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	var existing []byte
	err := s.db.QueryRowContext(ctx, `SELECT writeKey FROM evolu_writeKey WHERE ownerId = ?`, ownerID[:]).Scan(&existing)
	if err == sql.ErrNoRows {
		if s.maxOwners > 0 {
			var count int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evolu_writeKey`).Scan(&count); err != nil {
				return fmt.Errorf("relay: count owners: %w", err)
			}
			if count >= s.maxOwners {
				return OwnerLimitError{Max: s.maxOwners}
			}
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO evolu_writeKey (ownerId, writeKey) VALUES (?, ?)`, ownerID[:], writeKey[:])
		if err != nil {
			return fmt.Errorf("relay: persist write key: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay: lookup write key: %w", err)
	}
	if !bytes.Equal(existing, writeKey[:]) {
		return AuthError{OwnerID: ownerID}
	}
	return nil
}

// Usage returns the current stored-byte total for ownerID (0 if never
// written to).
func (s *Store) Usage(ctx context.Context, ownerID [16]byte) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT storedBytes FROM evolu_usage WHERE ownerId = ?`, ownerID[:]).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("relay: read usage: %w", err)
	}
	return n, nil
}

// AdmitMessages stores msgs for ownerID inside one transaction, rejecting
// the entire frame with QuotaError if the quota predicate disallows the
// additional bytes (spec §4.7: "rejection rolls back the frame's writes").
// Duplicate timestamps already on file are skipped, not counted twice
// toward usage (idempotent redelivery).
func (s *Store) AdmitMessages(ctx context.Context, ownerID [16]byte, msgs []crdtmsg.EncryptedCrdtMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Usage(ctx, ownerID)
	if err != nil {
		return err
	}

	var additional int64
	for _, m := range msgs {
		additional += int64(len(m.Change))
	}
	if allowed, quota := s.quota(ownerID, current, additional); !allowed {
		return QuotaError{OwnerID: ownerID, Would: current + additional, Quota: quota}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored []crdtmsg.EncryptedCrdtMessage
	for _, m := range msgs {
		tsEnc := m.Timestamp.Encode()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO evolu_message (ownerId, timestamp, ciphertext) VALUES (?, ?, ?)
			ON CONFLICT(ownerId, timestamp) DO NOTHING
		`, ownerID[:], tsEnc[:], m.Change)
		if err != nil {
			return fmt.Errorf("relay: insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // already on file, idempotent redelivery
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evolu_timestamp (ownerId, timestamp) VALUES (?, ?)
			ON CONFLICT(ownerId, timestamp) DO NOTHING
		`, ownerID[:], tsEnc[:]); err != nil {
			return fmt.Errorf("relay: insert timestamp: %w", err)
		}
		stored = append(stored, m)
	}

	var storedBytes int64
	for _, m := range stored {
		storedBytes += int64(len(m.Change))
	}
	if storedBytes > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evolu_usage (ownerId, storedBytes) VALUES (?, ?)
			ON CONFLICT(ownerId) DO UPDATE SET storedBytes = storedBytes + excluded.storedBytes
		`, ownerID[:], storedBytes); err != nil {
			return fmt.Errorf("relay: update usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relay: commit: %w", err)
	}

	if len(stored) > 0 {
		idx, err := s.Index(ctx, ownerID)
		if err != nil {
			return err
		}
		for _, m := range stored {
			idx.Insert(m.Timestamp)
		}
	}
	return nil
}

// FetchRange returns every message for ownerID with timestamp in [lo, hi).
func (s *Store) FetchRange(ctx context.Context, ownerID [16]byte, lo, hi clock.Timestamp) ([]crdtmsg.EncryptedCrdtMessage, error) {
	loEnc := lo.Encode()
	hiEnc := hi.Encode()
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, ciphertext FROM evolu_message
		WHERE ownerId = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp
	`, ownerID[:], loEnc[:], hiEnc[:])
	if err != nil {
		return nil, fmt.Errorf("relay: fetch range: %w", err)
	}
	defer rows.Close()

	var out []crdtmsg.EncryptedCrdtMessage
	for rows.Next() {
		var tsEnc, ciphertext []byte
		if err := rows.Scan(&tsEnc, &ciphertext); err != nil {
			return nil, fmt.Errorf("relay: scan message: %w", err)
		}
		ts, err := clock.Decode(tsEnc)
		if err != nil {
			return nil, fmt.Errorf("relay: decode timestamp: %w", err)
		}
		out = append(out, crdtmsg.EncryptedCrdtMessage{Timestamp: ts, Change: ciphertext})
	}
	return out, rows.Err()
}

// DeleteOwner atomically removes every trace of ownerID: history,
// fingerprint state, write key, and usage (spec §4.7 deleteOwner).
func (s *Store) DeleteOwner(ctx context.Context, ownerID [16]byte) error {
	lock := s.ownerLock(ownerID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM evolu_message WHERE ownerId = ?`,
		`DELETE FROM evolu_timestamp WHERE ownerId = ?`,
		`DELETE FROM evolu_writeKey WHERE ownerId = ?`,
		`DELETE FROM evolu_usage WHERE ownerId = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, ownerID[:]); err != nil {
			return fmt.Errorf("relay: delete owner: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relay: commit delete: %w", err)
	}

	s.indexMu.Lock()
	delete(s.indexes, ownerID)
	s.indexMu.Unlock()
	return nil
}
