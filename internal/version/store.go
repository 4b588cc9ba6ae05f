// Package version exposes the append-only evolu_history log
// (internal/storage/sqlite) as browsable per-column history. Adapted from
// the teacher's entry_versions store (internal/version/store.go), which
// kept its own versions table with independent maxVersions pruning; that
// model doesn't survive the move to column-level CRDT history (spec
// §4.3/§4.5), because pruning history would strip timestamps the
// fingerprint index still needs to answer range queries for older data.
// Store here is read-only: it never prunes, it only browses what
// sqlite.Store already recorded.
package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
)

// ColumnVersion is one recorded write to a single (table, row, column).
type ColumnVersion struct {
	Timestamp clock.Timestamp `json:"timestamp"`
	Value     interface{}     `json:"value"`
}

// Diff summarizes how a column changed between two versions.
type Diff struct {
	OldTimestamp clock.Timestamp `json:"old_timestamp"`
	NewTimestamp clock.Timestamp `json:"new_timestamp"`
	Changed      bool            `json:"changed"`
	OldValue     interface{}     `json:"old_value,omitempty"`
	NewValue     interface{}     `json:"new_value,omitempty"`
}

// Store browses evolu_history, the CRDT log sqlite.Store writes to. It
// holds no state of its own and performs no schema migrations: the table
// is owned by internal/storage/sqlite.
type Store struct {
	db *sql.DB
}

// NewStore wraps db, which must already have the evolu_history table
// (created by sqlite.Store.Init).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetHistory returns every recorded write to (table, id, column), newest
// first.
func (s *Store) GetHistory(ctx context.Context, table string, id crdtmsg.RowID, column string) ([]ColumnVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, value FROM evolu_history
		WHERE table_name = ? AND row_id = ? AND column_name = ?
		ORDER BY timestamp DESC
	`, table, id[:], column)
	if err != nil {
		return nil, fmt.Errorf("version: get history: %w", err)
	}
	defer rows.Close()

	var out []ColumnVersion
	for rows.Next() {
		v, err := scanColumnVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetValueAt returns the winning value for (table, id, column) as of at:
// the latest recorded write whose timestamp is <= at.
func (s *Store) GetValueAt(ctx context.Context, table string, id crdtmsg.RowID, column string, at clock.Timestamp) (ColumnVersion, error) {
	enc := at.Encode()
	row := s.db.QueryRowContext(ctx, `
		SELECT timestamp, value FROM evolu_history
		WHERE table_name = ? AND row_id = ? AND column_name = ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, table, id[:], column, enc[:])

	v, err := scanColumnVersionRow(row)
	if err == sql.ErrNoRows {
		return ColumnVersion{}, fmt.Errorf("version: no value for %s.%s before %s", table, column, at)
	}
	if err != nil {
		return ColumnVersion{}, err
	}
	return v, nil
}

// GetVersionCount returns how many distinct writes (table, id, column) has
// recorded.
func (s *Store) GetVersionCount(ctx context.Context, table string, id crdtmsg.RowID, column string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evolu_history
		WHERE table_name = ? AND row_id = ? AND column_name = ?
	`, table, id[:], column).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("version: count: %w", err)
	}
	return count, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanColumnVersion(r *sql.Rows) (ColumnVersion, error) {
	return scanColumnVersionRow(r)
}

func scanColumnVersionRow(r scannable) (ColumnVersion, error) {
	var tsEnc []byte
	var value sql.NullString
	if err := r.Scan(&tsEnc, &value); err != nil {
		return ColumnVersion{}, err
	}
	ts, err := clock.Decode(tsEnc)
	if err != nil {
		return ColumnVersion{}, fmt.Errorf("version: decode timestamp: %w", err)
	}
	var decoded interface{}
	if value.Valid {
		if err := json.Unmarshal([]byte(value.String), &decoded); err != nil {
			return ColumnVersion{}, fmt.Errorf("version: decode value: %w", err)
		}
	}
	return ColumnVersion{Timestamp: ts, Value: decoded}, nil
}

// ComputeDiff reports whether value changed between two versions.
func ComputeDiff(old, newV ColumnVersion) Diff {
	oldJSON, _ := json.Marshal(old.Value)
	newJSON, _ := json.Marshal(newV.Value)
	return Diff{
		OldTimestamp: old.Timestamp,
		NewTimestamp: newV.Timestamp,
		Changed:      string(oldJSON) != string(newJSON),
		OldValue:     old.Value,
		NewValue:     newV.Value,
	}
}
