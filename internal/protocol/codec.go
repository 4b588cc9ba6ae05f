package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
)

// binWriter accumulates a payload's binary encoding. Every multi-byte
// integer is little-endian and every variable-length field (string, raw
// bytes, repeated struct) is length-prefixed, per spec §6's wire-format
// requirement.
type binWriter struct {
	buf bytes.Buffer
}

func (w *binWriter) byte(b byte) { w.buf.WriteByte(b) }

func (w *binWriter) bool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *binWriter) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *binWriter) raw(b []byte) { w.buf.Write(b) }

func (w *binWriter) bytes(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *binWriter) string(s string) { w.bytes([]byte(s)) }

// timestamp writes clock.Timestamp's canonical fixed-width encoding
// (clock.EncodedSize bytes). Spec §6 describes a 12-byte timestamp; this
// repo's HLC carries a full 8-byte node id rather than the spec's
// narrower node field, so the wire encoding is clock.EncodedSize (16)
// bytes wide — see DESIGN.md's note on the timestamp encoding width for
// why that's a deliberate, not accidental, deviation.
func (w *binWriter) timestamp(t clock.Timestamp) {
	enc := t.Encode()
	w.buf.Write(enc[:])
}

// binReader consumes a payload written by binWriter, tracking how much of
// the buffer remains so a truncated or malformed frame surfaces as an
// error rather than a panic.
type binReader struct {
	buf []byte
}

func newBinReader(b []byte) *binReader { return &binReader{buf: b} }

func (r *binReader) need(n int) error {
	if len(r.buf) < n {
		return fmt.Errorf("truncated payload: need %d bytes, have %d", n, len(r.buf))
	}
	return nil
}

func (r *binReader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *binReader) bool() (bool, error) {
	b, err := r.byte()
	return b != 0, err
}

func (r *binReader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *binReader) raw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *binReader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.raw(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *binReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *binReader) timestamp() (clock.Timestamp, error) {
	b, err := r.raw(clock.EncodedSize)
	if err != nil {
		return clock.Timestamp{}, err
	}
	return clock.Decode(b)
}

func (r *binReader) done() error {
	if len(r.buf) != 0 {
		return fmt.Errorf("trailing %d unread bytes", len(r.buf))
	}
	return nil
}

// encodePayload dispatches v to its binary encoding. v must be one of the
// concrete payload types defined in payloads.go, passed by value; a
// pointer to one is rejected like any other unsupported type.
func encodePayload(v interface{}) ([]byte, error) {
	w := &binWriter{}
	switch p := v.(type) {
	case InitiatePayload:
		w.raw(p.OwnerID[:])
		w.raw(p.WriteKey[:])
	case BucketWire:
		w.timestamp(p.Lo)
		w.timestamp(p.Hi)
		w.raw(p.Fingerprint[:])
		w.uint32(p.Count)
	case RangeFingerprintsPayload:
		w.uint32(uint32(len(p.Buckets)))
		for _, b := range p.Buckets {
			sub, err := encodePayload(b)
			if err != nil {
				return nil, err
			}
			w.raw(sub)
		}
	case NeedMessagesPayload:
		w.timestamp(p.Lo)
		w.timestamp(p.Hi)
	case EncryptedMessageWire:
		w.timestamp(p.Timestamp)
		w.bytes(p.Change)
	case MessagesPayload:
		w.uint32(uint32(len(p.Messages)))
		for _, m := range p.Messages {
			sub, err := encodePayload(m)
			if err != nil {
				return nil, err
			}
			w.raw(sub)
		}
		w.bool(p.Done)
	case AckPayload:
		w.timestamp(p.UpTo)
	case ErrorPayload:
		w.byte(byte(p.Code))
		w.string(p.Message)
	default:
		return nil, fmt.Errorf("unsupported payload type %T", v)
	}
	return w.buf.Bytes(), nil
}

// decodePayload dispatches into v, which must be a pointer to one of the
// concrete payload types defined in payloads.go.
func decodePayload(data []byte, v interface{}) error {
	r := newBinReader(data)
	switch p := v.(type) {
	case *InitiatePayload:
		owner, err := r.raw(16)
		if err != nil {
			return err
		}
		key, err := r.raw(16)
		if err != nil {
			return err
		}
		copy(p.OwnerID[:], owner)
		copy(p.WriteKey[:], key)
	case *BucketWire:
		lo, err := r.timestamp()
		if err != nil {
			return err
		}
		hi, err := r.timestamp()
		if err != nil {
			return err
		}
		fp, err := r.raw(12)
		if err != nil {
			return err
		}
		count, err := r.uint32()
		if err != nil {
			return err
		}
		p.Lo, p.Hi, p.Count = lo, hi, count
		copy(p.Fingerprint[:], fp)
	case *RangeFingerprintsPayload:
		n, err := r.uint32()
		if err != nil {
			return err
		}
		p.Buckets = make([]BucketWire, n)
		for i := range p.Buckets {
			if err := decodeInto(r, &p.Buckets[i]); err != nil {
				return err
			}
		}
	case *NeedMessagesPayload:
		lo, err := r.timestamp()
		if err != nil {
			return err
		}
		hi, err := r.timestamp()
		if err != nil {
			return err
		}
		p.Lo, p.Hi = lo, hi
	case *EncryptedMessageWire:
		ts, err := r.timestamp()
		if err != nil {
			return err
		}
		change, err := r.bytes()
		if err != nil {
			return err
		}
		p.Timestamp, p.Change = ts, change
	case *MessagesPayload:
		n, err := r.uint32()
		if err != nil {
			return err
		}
		p.Messages = make([]EncryptedMessageWire, n)
		for i := range p.Messages {
			if err := decodeInto(r, &p.Messages[i]); err != nil {
				return err
			}
		}
		done, err := r.bool()
		if err != nil {
			return err
		}
		p.Done = done
	case *AckPayload:
		upTo, err := r.timestamp()
		if err != nil {
			return err
		}
		p.UpTo = upTo
	case *ErrorPayload:
		code, err := r.byte()
		if err != nil {
			return err
		}
		msg, err := r.string()
		if err != nil {
			return err
		}
		p.Code, p.Message = ErrorCode(code), msg
	default:
		return fmt.Errorf("unsupported payload type %T", v)
	}
	return r.done()
}

// decodeInto decodes one element of a repeated field from the remainder
// of r in place, without requiring the element to consume the whole
// buffer (decodePayload's top-level done() check only applies once all
// elements have been read).
func decodeInto(r *binReader, v interface{}) error {
	switch p := v.(type) {
	case *BucketWire:
		lo, err := r.timestamp()
		if err != nil {
			return err
		}
		hi, err := r.timestamp()
		if err != nil {
			return err
		}
		fp, err := r.raw(12)
		if err != nil {
			return err
		}
		count, err := r.uint32()
		if err != nil {
			return err
		}
		p.Lo, p.Hi, p.Count = lo, hi, count
		copy(p.Fingerprint[:], fp)
	case *EncryptedMessageWire:
		ts, err := r.timestamp()
		if err != nil {
			return err
		}
		change, err := r.bytes()
		if err != nil {
			return err
		}
		p.Timestamp, p.Change = ts, change
	default:
		return fmt.Errorf("unsupported element type %T", v)
	}
	return nil
}
