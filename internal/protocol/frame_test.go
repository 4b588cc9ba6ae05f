package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: FrameAck, Payload: []byte{0xde, 0xad, 0xbe, 0xef}}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || got.Version != Version || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: FrameInitiate, Payload: []byte("a")},
		{Type: FrameAck, Payload: []byte("bb")},
		{Type: FrameError, Payload: []byte("ccc")},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d mismatch: want %+v got %+v", i, want, got)
		}
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 10)
	n := writeTestUvarint(lenBuf, uint64(MaxFrameSize)+1)
	buf.Write(lenBuf[:n])

	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Error("expected error for oversized frame length")
	}
}

func TestReadFrameRejectsVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Version: Version + 1, Type: FrameAck, Payload: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	_, err := ReadFrame(bufio.NewReader(&buf))
	var mismatch *VersionMismatchError
	if err == nil {
		t.Fatal("expected VersionMismatchError, got nil")
	}
	if me, ok := err.(*VersionMismatchError); ok {
		mismatch = me
	}
	if mismatch == nil {
		t.Fatalf("expected *VersionMismatchError, got %T: %v", err, err)
	}
	if mismatch.Got != Version+1 || mismatch.Want != Version {
		t.Errorf("unexpected mismatch fields: %+v", mismatch)
	}
}

func writeTestUvarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

func TestEncodeDecodeInitiate(t *testing.T) {
	want := InitiatePayload{OwnerID: [16]byte{1, 2, 3}, WriteKey: [16]byte{4, 5, 6}}
	f, err := Encode(FrameInitiate, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.Version != Version {
		t.Errorf("expected frame stamped with current Version, got %d", f.Version)
	}
	var got InitiatePayload
	if err := Decode(f, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("mismatch: want %+v got %+v", want, got)
	}
}

func TestBucketWireRoundTrip(t *testing.T) {
	b := fingerprint.Bucket{
		Lo:          clock.Timestamp{Millis: 1, Counter: 0, Node: clock.NodeID{1}},
		Hi:          clock.Timestamp{Millis: 2, Counter: 0, Node: clock.NodeID{1}},
		Fingerprint: [12]byte{1, 2, 3},
		Count:       5,
	}
	wire := EncodeBucket(b)
	f, err := Encode(FrameRangeFingerprints, RangeFingerprintsPayload{Buckets: []BucketWire{wire}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var payload RangeFingerprintsPayload
	if err := Decode(f, &payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(payload.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(payload.Buckets))
	}
	got, err := DecodeBucket(payload.Buckets[0])
	if err != nil {
		t.Fatalf("DecodeBucket: %v", err)
	}
	if got.Lo != b.Lo || got.Hi != b.Hi || got.Fingerprint != b.Fingerprint || got.Count != b.Count {
		t.Errorf("round trip mismatch: want %+v got %+v", b, got)
	}
}

func TestEncryptedMessageWireRoundTrip(t *testing.T) {
	m := crdtmsg.EncryptedCrdtMessage{
		Timestamp: clock.Timestamp{Millis: 100, Node: clock.NodeID{2}},
		Change:    []byte{0xde, 0xad, 0xbe, 0xef},
	}
	wire := EncodeMessage(m)
	f, err := Encode(FrameMessages, MessagesPayload{Messages: []EncryptedMessageWire{wire}, Done: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var payload MessagesPayload
	if err := Decode(f, &payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !payload.Done || len(payload.Messages) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	got, err := DecodeMessage(payload.Messages[0])
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Timestamp != m.Timestamp || !bytes.Equal(got.Change, m.Change) {
		t.Errorf("round trip mismatch: want %+v got %+v", m, got)
	}
}

func TestAckPayloadRoundTrip(t *testing.T) {
	want := AckPayload{UpTo: clock.Timestamp{Millis: 42, Counter: 7, Node: clock.NodeID{9}}}
	f, err := Encode(FrameAck, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got AckPayload
	if err := Decode(f, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.UpTo != want.UpTo {
		t.Errorf("mismatch: want %+v got %+v", want, got)
	}
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	want := ErrorPayload{Code: ErrCodeQuota, Message: "owner at capacity"}
	f, err := Encode(FrameError, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got ErrorPayload
	if err := Decode(f, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("mismatch: want %+v got %+v", want, got)
	}
}
