// Package crdtmsg defines the unit of replication: a single column-level
// write (DbChange) timestamped and wrapped into a CrdtMessage, which is
// encrypted to an EncryptedCrdtMessage before it ever leaves the device.
// Generalizes the teacher's whole-row Entry (internal/core/entry.go) down
// to a single (table, row, column) write, matching spec §2's column-level
// LWW model instead of row-level CRDT merge.
package crdtmsg

import (
	"encoding/json"
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
	evoluCrypto "github.com/evolu-go/evolu/pkg/crypto"
)

// RowID identifies a row within a table, independent of any SQL rowid —
// callers mint these (typically via a UUID) so rows created concurrently
// on different devices never collide.
type RowID [16]byte

// DbChange is a single column write: "set column Column of row ID in
// table Table to Value". Value is nil to represent an explicit NULL.
// Column-level granularity is what lets concurrent edits to different
// columns of the same row merge without conflict (spec §2).
type DbChange struct {
	Table  string      `json:"table"`
	ID     RowID       `json:"id"`
	Column string      `json:"column"`
	Value  interface{} `json:"value"`
}

// CrdtMessage pairs a DbChange with the HLC timestamp that orders it
// against every other write to the same column, anywhere.
type CrdtMessage struct {
	Timestamp clock.Timestamp `json:"timestamp"`
	Change    DbChange        `json:"change"`
}

// EncryptedCrdtMessage is the form a CrdtMessage takes once serialized and
// sealed under the owner's encryption key. This is the only form that ever
// crosses the network or lands in a relay's storage (spec §4.1).
type EncryptedCrdtMessage struct {
	Timestamp clock.Timestamp
	Change    []byte // AEAD ciphertext of a JSON-marshaled DbChange
}

// FilterNilChanges keeps only the last change in the slice for each
// (table, id, column), whatever its Value: only the most recent write to a
// given column needs to leave the device, since the HLC timestamp ordering
// already determines which one wins on the remote side (this reduces wire
// volume, not correctness — a receiver merges idempotently regardless of
// whether a stale write was included). A nil Value that is the last write
// to its column is kept; nil values are not dropped otherwise.
func FilterNilChanges(changes []DbChange) []DbChange {
	type key struct {
		table, column string
		id            RowID
	}
	latest := make(map[key]int, len(changes))
	for i, c := range changes {
		latest[key{c.Table, c.Column, c.ID}] = i
	}
	out := make([]DbChange, 0, len(latest))
	for i, c := range changes {
		if latest[key{c.Table, c.Column, c.ID}] == i {
			out = append(out, c)
		}
	}
	return out
}

// Encrypt seals a CrdtMessage's change under key, deriving the AEAD nonce
// from the message's own timestamp so no explicit nonce needs to travel on
// the wire (spec §4.1).
func Encrypt(key evoluCrypto.Key, msg CrdtMessage, aad []byte) (EncryptedCrdtMessage, error) {
	plaintext, err := json.Marshal(msg.Change)
	if err != nil {
		return EncryptedCrdtMessage{}, fmt.Errorf("crdtmsg: marshal change: %w", err)
	}
	ts := msg.Timestamp.Encode()
	ciphertext, err := evoluCrypto.EncryptWithTimestamp(key, ts[:], plaintext, aad)
	if err != nil {
		return EncryptedCrdtMessage{}, fmt.Errorf("crdtmsg: encrypt: %w", err)
	}
	return EncryptedCrdtMessage{Timestamp: msg.Timestamp, Change: ciphertext}, nil
}

// Decrypt opens an EncryptedCrdtMessage back into its plaintext CrdtMessage.
func Decrypt(key evoluCrypto.Key, enc EncryptedCrdtMessage, aad []byte) (CrdtMessage, error) {
	plaintext, err := evoluCrypto.Decrypt(key, enc.Change, aad)
	if err != nil {
		return CrdtMessage{}, fmt.Errorf("crdtmsg: decrypt: %w", err)
	}
	var change DbChange
	if err := json.Unmarshal(plaintext, &change); err != nil {
		return CrdtMessage{}, fmt.Errorf("crdtmsg: unmarshal change: %w", err)
	}
	return CrdtMessage{Timestamp: enc.Timestamp, Change: change}, nil
}
