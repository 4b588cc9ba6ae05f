// Package storage defines the local, encrypted-at-rest persistence layer:
// an append-only history of every column write plus a projected "current
// value" table per app-declared table, matching spec §4.3's column-level
// LWW model. Generalizes the teacher's Store interface
// (internal/storage/store.go: Put/Get/List/Delete/ApplyBatch/
// GetMaxTimestamp/Close) from whole-row entries to column-level CRDT
// messages.
package storage

import (
	"context"
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
)

// ErrNotFound is returned when a row doesn't exist in a table.
type ErrNotFound struct {
	Table string
	ID    crdtmsg.RowID
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("storage: row %x not found in table %q", e.ID, e.Table)
}

// ErrUnknownTable is returned when an operation references a table that
// was never passed to DefineTable.
type ErrUnknownTable struct {
	Table string
}

func (e ErrUnknownTable) Error() string {
	return fmt.Sprintf("storage: table %q is not defined", e.Table)
}

// ValidationError is returned by ApplyMutation when a column value fails
// its registered JSON-Schema fragment. Adapted from the teacher's
// schema.ValidationError (internal/schema/validator.go), surfaced here at
// the exact mutation boundary spec §7 names.
type ValidationError struct {
	Table  string
	Column string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("storage: %s.%s: %s", e.Table, e.Column, e.Reason)
}

// TableDef declares an app table: its column names and whether it
// participates in CRDT replication. Tables whose name starts with "_" are
// local-only by convention (spec §6) and are never replicated regardless
// of LocalOnly.
type TableDef struct {
	Name      string
	Columns   []string
	LocalOnly bool
}

// HasColumn reports whether name is one of def's declared columns.
func (def TableDef) HasColumn(name string) bool {
	for _, c := range def.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Row is a single decoded application row: column name to decoded value.
type Row map[string]interface{}

// ChangeListener receives every DbChange as it is committed, whether
// locally originated or merged in from a remote peer. Adapted from the
// teacher's hook dispatch (internal/hooks/manager.go Callback) generalized
// from whole-entry events to column-level ones.
type ChangeListener func(crdtmsg.DbChange)

// Store is the local persistence and CRDT-merge engine for one owner's
// replica.
type Store interface {
	// Init prepares the base schema (evolu_version/evolu_config/
	// evolu_history) for use; app tables are created by DefineTable.
	Init(ctx context.Context) error

	// DefineTable registers an app table, creating its projection table if
	// it doesn't already exist.
	DefineTable(ctx context.Context, def TableDef) error

	// ApplyMutation merges a single CrdtMessage into history and, if its
	// timestamp is the new winner for that (table, row, column), updates
	// the table's projection. Returns applied=false only when a message
	// with this exact timestamp for the same column was already recorded
	// (idempotent redelivery, spec §4.3 edge case); a message that is
	// recorded but loses to a later write returns applied=true and leaves
	// the projection unchanged.
	ApplyMutation(ctx context.Context, msg crdtmsg.CrdtMessage) (applied bool, err error)

	// ApplyMutations applies a batch atomically.
	ApplyMutations(ctx context.Context, msgs []crdtmsg.CrdtMessage) error

	// AllTimestamps returns every timestamp ever recorded in history, used
	// to seed a fresh fingerprint index (e.g. after process restart).
	AllTimestamps(ctx context.Context) ([]clock.Timestamp, error)

	// MessagesInRange returns every CrdtMessage with timestamp in
	// [lo, hi), in ascending timestamp order — the payload of a
	// NeedMessages response (spec §4.5).
	MessagesInRange(ctx context.Context, lo, hi clock.Timestamp) ([]crdtmsg.CrdtMessage, error)

	// GetRow returns a table's current projected values for id.
	GetRow(ctx context.Context, table string, id crdtmsg.RowID) (Row, error)

	// ListRows returns every non-deleted row currently projected for
	// table.
	ListRows(ctx context.Context, table string) ([]Row, error)

	// SetConfig/GetConfig persist small singleton values (clock
	// watermark, owner identity) in evolu_config (spec §6).
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (value string, ok bool, err error)

	// Subscribe registers fn to be called after every committed change.
	// The returned func removes the subscription.
	Subscribe(fn ChangeListener) (unsubscribe func())

	// ExportDatabase serializes the entire local database for backup.
	ExportDatabase(ctx context.Context) ([]byte, error)

	// ResetOrRestore replaces the local database with previously exported
	// bytes, or wipes it entirely when data is nil (spec §3: "may be
	// rotated only via full restore").
	ResetOrRestore(ctx context.Context, data []byte) error

	Close() error
}
