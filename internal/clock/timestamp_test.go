package clock

import "testing"

func TestTimestampEncodeDecodeRoundTrip(t *testing.T) {
	want := Timestamp{Millis: 1717000000123, Counter: 42, Node: testNode(7)}
	enc := want.Encode()
	got, err := Decode(enc[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestTimestampStringRoundTrip(t *testing.T) {
	want := Timestamp{Millis: 1, Counter: 2, Node: testNode(3)}
	got, err := DecodeString(want.String())
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestTimestampCompareOrdersByMillisThenCounterThenNode(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 1, Node: testNode(1)}
	b := Timestamp{Millis: 100, Counter: 2, Node: testNode(1)}
	c := Timestamp{Millis: 101, Counter: 0, Node: testNode(1)}
	d := Timestamp{Millis: 100, Counter: 1, Node: testNode(2)}

	if !a.Before(b) {
		t.Error("expected a before b (lower counter)")
	}
	if !b.Before(c) {
		t.Error("expected b before c (lower millis)")
	}
	if !a.Before(d) {
		t.Error("expected a before d (lower node id)")
	}
	if a.Compare(a) != 0 {
		t.Error("expected a equal to itself")
	}
}

func TestTimestampEncodingPreservesLexicographicOrder(t *testing.T) {
	timestamps := []Timestamp{
		{Millis: 1, Counter: 0, Node: testNode(0)},
		{Millis: 1, Counter: 1, Node: testNode(0)},
		{Millis: 2, Counter: 0, Node: testNode(0)},
		{Millis: 2, Counter: 0, Node: testNode(1)},
	}
	for i := 1; i < len(timestamps); i++ {
		prevEnc := timestamps[i-1].Encode()
		currEnc := timestamps[i].Encode()
		if !bytesLess(prevEnc[:], currEnc[:]) {
			t.Errorf("encoding order broken between %v and %v", timestamps[i-1], timestamps[i])
		}
	}
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding short buffer")
	}
}
