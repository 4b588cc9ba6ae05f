// Package sqlite implements storage.Store on top of SQLite, mirroring
// the teacher's internal/storage/sqlite package: database/sql with the
// mattn/go-sqlite3 driver, transactional upserts, and fmt-wrapped errors.
// The schema generalizes the teacher's single hardcoded entries/tags
// tables into an append-only evolu_history CRDT log plus one projection
// table per app-declared TableDef (spec §4.3/§6).
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/hooks"
	"github.com/evolu-go/evolu/internal/schema"
	"github.com/evolu-go/evolu/internal/storage"
)

// Store implements storage.Store over a single SQLite database file (or
// ":memory:" for an ephemeral one).
type Store struct {
	db        *sql.DB
	path      string
	tables    map[string]storage.TableDef
	schemas   *schema.Registry
	hookMgr   *hooks.Manager
	mu        sync.RWMutex
	listeners map[int]storage.ChangeListener
	nextSubID int
}

// New opens (creating if necessary) a SQLite-backed Store at path.
// schemas may be nil to skip column validation entirely.
func New(path string, schemas *schema.Registry) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if schemas == nil {
		schemas = schema.NewRegistry()
	}
	return &Store{
		db:        db,
		path:      path,
		tables:    make(map[string]storage.TableDef),
		schemas:   schemas,
		hookMgr:   hooks.NewManager(),
		listeners: make(map[int]storage.ChangeListener),
	}, nil
}

// DB exposes the underlying *sql.DB for collaborators that need to share
// the connection (internal/version, internal/search).
func (s *Store) DB() *sql.DB { return s.db }

// Hooks exposes the webhook/callback manager so callers can register HTTP
// webhooks (internal/hooks) in addition to the in-process Subscribe
// listeners storage.Store itself manages.
func (s *Store) Hooks() *hooks.Manager { return s.hookMgr }

const baseSchema = `
CREATE TABLE IF NOT EXISTS evolu_version (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	schema_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS evolu_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS evolu_history (
	table_name TEXT NOT NULL,
	row_id BLOB NOT NULL,
	column_name TEXT NOT NULL,
	timestamp BLOB NOT NULL,
	value TEXT,
	PRIMARY KEY (table_name, row_id, column_name, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_evolu_history_winner
	ON evolu_history(table_name, row_id, column_name, timestamp DESC);

CREATE INDEX IF NOT EXISTS idx_evolu_history_timestamp
	ON evolu_history(timestamp);
`

const currentSchemaVersion = 1

// Init creates the base schema (version/config/history) if it doesn't
// already exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("sqlite: init base schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evolu_version (id, schema_version) VALUES (1, ?)
		 ON CONFLICT(id) DO NOTHING`, currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}
	return nil
}

// DefineTable registers table and creates its projection table: an "id"
// BLOB primary key (a crdtmsg.RowID) plus one TEXT column per declared
// column, each storing the JSON-encoded current value.
func (s *Store) DefineTable(ctx context.Context, def storage.TableDef) error {
	if def.Name == "" {
		return fmt.Errorf("sqlite: table name must not be empty")
	}
	if strings.HasPrefix(def.Name, "_") {
		def.LocalOnly = true
	}

	cols := make([]string, 0, len(def.Columns))
	for _, c := range def.Columns {
		cols = append(cols, fmt.Sprintf("%q TEXT", c))
	}
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id BLOB PRIMARY KEY, deleted INTEGER NOT NULL DEFAULT 0%s)`,
		def.Name, commaPrefixed(cols),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", def.Name, err)
	}

	s.mu.Lock()
	s.tables[def.Name] = def
	s.mu.Unlock()
	return nil
}

func commaPrefixed(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	return ", " + strings.Join(cols, ", ")
}

func (s *Store) tableDef(name string) (storage.TableDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.tables[name]
	return def, ok
}

// ApplyMutation implements storage.Store.
func (s *Store) ApplyMutation(ctx context.Context, msg crdtmsg.CrdtMessage) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.applyMutationTx(ctx, tx, msg)
		return err
	})
	if err == nil && applied {
		s.notifyCommit(msg.Change, msg.Timestamp)
	}
	return applied, err
}

// ApplyMutations implements storage.Store, applying every message inside
// one transaction.
func (s *Store) ApplyMutations(ctx context.Context, msgs []crdtmsg.CrdtMessage) error {
	applied := make([]crdtmsg.CrdtMessage, 0, len(msgs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range msgs {
			ok, err := s.applyMutationTx(ctx, tx, msg)
			if err != nil {
				return err
			}
			if ok {
				applied = append(applied, msg)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, msg := range applied {
		s.notifyCommit(msg.Change, msg.Timestamp)
	}
	return nil
}

func (s *Store) notifyCommit(change crdtmsg.DbChange, ts clock.Timestamp) {
	s.hookMgr.Trigger(hooks.CommitEvent(change, ts))
	s.mu.RLock()
	listeners := make([]storage.ChangeListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Store) applyMutationTx(ctx context.Context, tx *sql.Tx, msg crdtmsg.CrdtMessage) (bool, error) {
	def, ok := s.tableDef(msg.Change.Table)
	if !ok {
		return false, storage.ErrUnknownTable{Table: msg.Change.Table}
	}

	valueJSON, err := json.Marshal(msg.Change.Value)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal value: %w", err)
	}
	if s.schemas.HasSchema(msg.Change.Table, msg.Change.Column) {
		result := s.schemas.Validate(msg.Change.Table, msg.Change.Column, valueJSON)
		if !result.Valid {
			reason := "validation failed"
			if len(result.Errors) > 0 {
				reason = result.Errors[0].Description
			}
			return false, storage.ValidationError{Table: msg.Change.Table, Column: msg.Change.Column, Reason: reason}
		}
	}

	tsEnc := msg.Timestamp.Encode()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO evolu_history (table_name, row_id, column_name, timestamp, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, row_id, column_name, timestamp) DO NOTHING
	`, msg.Change.Table, msg.Change.ID[:], msg.Change.Column, tsEnc[:], string(valueJSON))
	if err != nil {
		return false, fmt.Errorf("sqlite: insert history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil // exact timestamp already recorded (duplicate redelivery)
	}

	// Determine whether this write is the new winner for (table, row, column).
	var winnerTs []byte
	var winnerValue sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT timestamp, value FROM evolu_history
		WHERE table_name = ? AND row_id = ? AND column_name = ?
		ORDER BY timestamp DESC LIMIT 1
	`, msg.Change.Table, msg.Change.ID[:], msg.Change.Column).Scan(&winnerTs, &winnerValue)
	if err != nil {
		return false, fmt.Errorf("sqlite: find winner: %w", err)
	}
	if !bytes.Equal(winnerTs, tsEnc[:]) {
		return true, nil // recorded, but a later write already wins
	}

	if def.HasColumn(msg.Change.Column) {
		upsert := fmt.Sprintf(`
			INSERT INTO %q (id, %q) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET %q = excluded.%q
		`, msg.Change.Table, msg.Change.Column, msg.Change.Column, msg.Change.Column)
		var val interface{}
		if winnerValue.Valid {
			val = winnerValue.String
		}
		if _, err := tx.ExecContext(ctx, upsert, msg.Change.ID[:], val); err != nil {
			return false, fmt.Errorf("sqlite: project column %s: %w", msg.Change.Column, err)
		}
	}
	return true, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// AllTimestamps implements storage.Store.
func (s *Store) AllTimestamps(ctx context.Context) ([]clock.Timestamp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT timestamp FROM evolu_history ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list timestamps: %w", err)
	}
	defer rows.Close()

	var out []clock.Timestamp
	for rows.Next() {
		var enc []byte
		if err := rows.Scan(&enc); err != nil {
			return nil, fmt.Errorf("sqlite: scan timestamp: %w", err)
		}
		ts, err := clock.Decode(enc)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// MessagesInRange implements storage.Store.
func (s *Store) MessagesInRange(ctx context.Context, lo, hi clock.Timestamp) ([]crdtmsg.CrdtMessage, error) {
	loEnc := lo.Encode()
	hiEnc := hi.Encode()
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, row_id, column_name, timestamp, value
		FROM evolu_history
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp
	`, loEnc[:], hiEnc[:])
	if err != nil {
		return nil, fmt.Errorf("sqlite: query range: %w", err)
	}
	defer rows.Close()

	var out []crdtmsg.CrdtMessage
	for rows.Next() {
		var table, column string
		var rowID []byte
		var tsEnc []byte
		var value sql.NullString
		if err := rows.Scan(&table, &rowID, &column, &tsEnc, &value); err != nil {
			return nil, fmt.Errorf("sqlite: scan range row: %w", err)
		}
		ts, err := clock.Decode(tsEnc)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode timestamp: %w", err)
		}
		var decoded interface{}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &decoded); err != nil {
				return nil, fmt.Errorf("sqlite: decode value: %w", err)
			}
		}
		var rid crdtmsg.RowID
		copy(rid[:], rowID)
		out = append(out, crdtmsg.CrdtMessage{
			Timestamp: ts,
			Change:    crdtmsg.DbChange{Table: table, ID: rid, Column: column, Value: decoded},
		})
	}
	return out, rows.Err()
}

// GetRow implements storage.Store.
func (s *Store) GetRow(ctx context.Context, table string, id crdtmsg.RowID) (storage.Row, error) {
	def, ok := s.tableDef(table)
	if !ok {
		return nil, storage.ErrUnknownTable{Table: table}
	}

	cols := append([]string{"deleted"}, def.Columns...)
	query := fmt.Sprintf(`SELECT %s FROM %q WHERE id = ?`, quoteJoin(cols), table)
	dest := make([]interface{}, len(cols))
	ptrs := make([]sql.NullString, len(cols))
	for i := range ptrs {
		dest[i] = &ptrs[i]
	}

	if err := s.db.QueryRowContext(ctx, query, id[:]).Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound{Table: table, ID: id}
		}
		return nil, fmt.Errorf("sqlite: get row: %w", err)
	}

	row := make(storage.Row, len(def.Columns))
	for i, col := range cols {
		if col == "deleted" {
			continue
		}
		if !ptrs[i].Valid {
			row[col] = nil
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(ptrs[i].String), &v); err != nil {
			return nil, fmt.Errorf("sqlite: decode column %s: %w", col, err)
		}
		row[col] = v
	}
	return row, nil
}

// ListRows implements storage.Store.
func (s *Store) ListRows(ctx context.Context, table string) ([]storage.Row, error) {
	def, ok := s.tableDef(table)
	if !ok {
		return nil, storage.ErrUnknownTable{Table: table}
	}

	cols := append([]string{"id"}, def.Columns...)
	query := fmt.Sprintf(`SELECT %s FROM %q WHERE deleted = 0`, quoteJoin(cols), table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rows: %w", err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		ptrs := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		dest[0] = new([]byte) // id column is BLOB, not TEXT
		for i := 1; i < len(cols); i++ {
			dest[i] = &ptrs[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlite: scan row: %w", err)
		}

		row := make(storage.Row, len(def.Columns)+1)
		row["id"] = *(dest[0].(*[]byte))
		for i := 1; i < len(cols); i++ {
			if !ptrs[i].Valid {
				row[cols[i]] = nil
				continue
			}
			var v interface{}
			if err := json.Unmarshal([]byte(ptrs[i].String), &v); err != nil {
				return nil, fmt.Errorf("sqlite: decode column %s: %w", cols[i], err)
			}
			row[cols[i]] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func quoteJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

// SetConfig implements storage.Store.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evolu_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: set config %s: %w", key, err)
	}
	return nil
}

// GetConfig implements storage.Store.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM evolu_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: get config %s: %w", key, err)
	}
	return value, true, nil
}

// Subscribe implements storage.Store.
func (s *Store) Subscribe(fn storage.ChangeListener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ExportDatabase implements storage.Store by reading the backing file
// directly; in-memory databases cannot be exported this way.
func (s *Store) ExportDatabase(ctx context.Context) ([]byte, error) {
	if s.path == ":memory:" || strings.HasPrefix(s.path, "file::memory:") {
		return nil, fmt.Errorf("sqlite: cannot export an in-memory database")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read database file: %w", err)
	}
	return data, nil
}

// ResetOrRestore implements storage.Store: it closes the current
// connection, replaces the file with data (or truncates it when data is
// nil), and reopens.
func (s *Store) ResetOrRestore(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close before reset: %w", err)
	}
	if s.path != ":memory:" {
		if data != nil {
			if err := os.WriteFile(s.path, data, 0600); err != nil {
				return fmt.Errorf("sqlite: write restored database: %w", err)
			}
		} else if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sqlite: remove database for reset: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("sqlite: reopen database: %w", err)
	}
	s.db = db
	s.tables = make(map[string]storage.TableDef)
	return s.Init(ctx)
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
