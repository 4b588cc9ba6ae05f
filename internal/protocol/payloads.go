package protocol

import (
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
)

// InitiatePayload opens a reconciliation session: the initiator names the
// owner it wants to sync, authenticating with that owner's write key
// (spec §4.3/§4.6 admission check). The protocol version itself travels
// in the frame header (see Frame.Version), not in this payload.
type InitiatePayload struct {
	OwnerID  [16]byte
	WriteKey [16]byte
}

// BucketWire is the wire encoding of a fingerprint.Bucket.
type BucketWire struct {
	Lo          clock.Timestamp
	Hi          clock.Timestamp
	Fingerprint [12]byte
	Count       uint32
}

// EncodeBucket converts a fingerprint.Bucket into its wire form.
func EncodeBucket(b fingerprint.Bucket) BucketWire {
	return BucketWire{Lo: b.Lo, Hi: b.Hi, Fingerprint: b.Fingerprint, Count: uint32(b.Count)}
}

// DecodeBucket parses a BucketWire back into a fingerprint.Bucket.
func DecodeBucket(w BucketWire) (fingerprint.Bucket, error) {
	return fingerprint.Bucket{Lo: w.Lo, Hi: w.Hi, Fingerprint: w.Fingerprint, Count: int(w.Count)}, nil
}

// RangeFingerprintsPayload reports one side's balanced bucket
// decomposition of a range, per spec §4.5. The receiver computes its own
// fingerprint over each reported [Lo, Hi) and replies with
// NeedMessages for buckets that disagree, or nothing further for buckets
// that already match.
type RangeFingerprintsPayload struct {
	Buckets []BucketWire
}

// NeedMessagesPayload requests every message in [Lo, Hi) — the final,
// small-enough-to-just-exchange leaf range the bisection converged to
// (spec §9: bounded by fingerprint.DefaultLeafThreshold by default).
type NeedMessagesPayload struct {
	Lo clock.Timestamp
	Hi clock.Timestamp
}

// EncryptedMessageWire is the wire encoding of a
// crdtmsg.EncryptedCrdtMessage.
type EncryptedMessageWire struct {
	Timestamp clock.Timestamp
	Change    []byte // ciphertext
}

// EncodeMessage converts an EncryptedCrdtMessage into its wire form.
func EncodeMessage(m crdtmsg.EncryptedCrdtMessage) EncryptedMessageWire {
	return EncryptedMessageWire{Timestamp: m.Timestamp, Change: m.Change}
}

// DecodeMessage parses an EncryptedMessageWire back into an
// EncryptedCrdtMessage.
func DecodeMessage(w EncryptedMessageWire) (crdtmsg.EncryptedCrdtMessage, error) {
	return crdtmsg.EncryptedCrdtMessage{Timestamp: w.Timestamp, Change: w.Change}, nil
}

// MessagesPayload carries the actual encrypted replication data — the
// only frame whose payload a relay or peer never needs (and, being
// ciphertext, never can) inspect.
type MessagesPayload struct {
	Messages []EncryptedMessageWire
	Done     bool
}

// AckPayload confirms receipt up to (and including) a timestamp, letting
// the sender advance its own watermark for that peer.
type AckPayload struct {
	UpTo clock.Timestamp
}

// ErrorCode classifies an ErrorPayload for programmatic handling,
// mirroring the teacher's Err* concrete error types
// (internal/crdt/replica.go) surfaced over the wire instead of in-process.
type ErrorCode byte

const (
	ErrCodeVersionMismatch ErrorCode = iota + 1
	ErrCodeAuth
	ErrCodeQuota
	ErrCodeMalformed
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeVersionMismatch:
		return "version_mismatch"
	case ErrCodeAuth:
		return "auth"
	case ErrCodeQuota:
		return "quota"
	case ErrCodeMalformed:
		return "malformed"
	case ErrCodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorCode(%d)", byte(c))
	}
}

// ErrorPayload reports a session-ending failure to the peer before
// closing the connection.
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}
