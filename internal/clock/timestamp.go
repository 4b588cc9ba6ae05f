// Package clock implements the hybrid-logical clock (HLC) that orders
// every change in the system: a 48-bit millisecond counter, a 16-bit
// logical counter for same-millisecond causality, and an 8-byte node id
// that breaks ties between concurrent writers. Grounded on the teacher's
// Lamport clock (internal/core/clock.go, Send/Receive shape) generalized
// from a single uint64 counter to the three-field HLC spec §4.2 requires.
package clock

import (
	"encoding/hex"
	"fmt"
)

const (
	// MaxCounter is the largest representable logical counter (16 bits).
	MaxCounter = 1<<16 - 1
	// MaxMillis is the largest representable millisecond value (48 bits).
	MaxMillis = 1<<48 - 1
	// NodeIDSize is the byte length of a node identifier.
	NodeIDSize = 8
	// EncodedSize is the byte length of a canonical Timestamp encoding:
	// 6 bytes millis + 2 bytes counter + 8 bytes node id.
	EncodedSize = 6 + 2 + NodeIDSize
)

// NodeID uniquely identifies a writer (one per device/owner installation).
type NodeID [NodeIDSize]byte

// String renders a NodeID as lowercase hex, matching the teacher's
// preference for hex peer/session identifiers (internal/sync/sync.go
// GenerateSessionID).
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Timestamp is a single hybrid-logical clock reading: millis since the
// Unix epoch, a logical counter disambiguating same-millisecond events,
// and the node that minted it.
type Timestamp struct {
	Millis  uint64
	Counter uint16
	Node    NodeID
}

// Zero is the minimum possible Timestamp, useful as a range lower bound.
var Zero = Timestamp{}

// Compare orders two timestamps: millis, then counter, then node id bytes,
// matching the canonical big-endian encoding's lexicographic order exactly
// (spec §4.2 "canonical fixed-width lexicographic ordering").
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Millis != o.Millis:
		if t.Millis < o.Millis {
			return -1
		}
		return 1
	case t.Counter != o.Counter:
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	default:
		for i := range t.Node {
			if t.Node[i] != o.Node[i] {
				if t.Node[i] < o.Node[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}
}

// Before reports whether t strictly precedes o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// Encode renders the timestamp into its canonical 16-byte big-endian form:
// millis(6) || counter(2) || node(8). Big-endian multi-byte fields keep
// byte-lexicographic order equal to numeric order, so storage engines can
// range-scan and the fingerprint index can bucket without decoding.
func (t Timestamp) Encode() [EncodedSize]byte {
	var out [EncodedSize]byte
	m := t.Millis
	out[0] = byte(m >> 40)
	out[1] = byte(m >> 32)
	out[2] = byte(m >> 24)
	out[3] = byte(m >> 16)
	out[4] = byte(m >> 8)
	out[5] = byte(m)
	out[6] = byte(t.Counter >> 8)
	out[7] = byte(t.Counter)
	copy(out[8:], t.Node[:])
	return out
}

// String renders the canonical encoding as hex, used as the map/SQL-column
// key representation throughout storage and the wire protocol.
func (t Timestamp) String() string {
	enc := t.Encode()
	return hex.EncodeToString(enc[:])
}

// Decode parses a canonical 16-byte encoding produced by Encode.
func Decode(b []byte) (Timestamp, error) {
	if len(b) != EncodedSize {
		return Timestamp{}, fmt.Errorf("clock: timestamp must be %d bytes, got %d", EncodedSize, len(b))
	}
	var t Timestamp
	t.Millis = uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	t.Counter = uint16(b[6])<<8 | uint16(b[7])
	copy(t.Node[:], b[8:])
	return t, nil
}

// DecodeString parses a hex-encoded canonical timestamp produced by String.
func DecodeString(s string) (Timestamp, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: invalid timestamp hex: %w", err)
	}
	return Decode(b)
}
