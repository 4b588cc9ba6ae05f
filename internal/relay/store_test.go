package relay

import (
	"context"
	"testing"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
)

func testOwner(b byte) [16]byte {
	var id [16]byte
	id[0] = b
	return id
}

func testTimestamp(millis uint64) clock.Timestamp {
	return clock.Timestamp{Millis: millis, Node: clock.NodeID{1}}
}

func openTestRelay(t *testing.T, quota QuotaFunc) *Store {
	t.Helper()
	s, err := Open(":memory:", quota)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAdmitAcceptsNewOwnerThenEnforcesWriteKey(t *testing.T) {
	s := openTestRelay(t, nil)
	ctx := context.Background()
	owner := testOwner(1)
	key := [16]byte{9, 9}

	if err := s.Admit(ctx, owner, key); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := s.Admit(ctx, owner, key); err != nil {
		t.Fatalf("repeat admit with same key: %v", err)
	}

	wrong := [16]byte{1, 2, 3}
	err := s.Admit(ctx, owner, wrong)
	if _, ok := err.(AuthError); !ok {
		t.Fatalf("expected AuthError for mismatched write key, got %v", err)
	}
}

func TestAdmitMessagesIdempotent(t *testing.T) {
	s := openTestRelay(t, nil)
	ctx := context.Background()
	owner := testOwner(2)

	msg := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(1), Change: []byte("ciphertext")}
	if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{msg}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{msg}); err != nil {
		t.Fatalf("repeat admit: %v", err)
	}

	usage, err := s.Usage(ctx, owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != int64(len(msg.Change)) {
		t.Errorf("expected usage %d after duplicate redelivery, got %d", len(msg.Change), usage)
	}

	idx, err := s.Index(ctx, owner)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("expected index size 1, got %d", idx.Size())
	}
}

func TestAdmitMessagesQuotaRollsBack(t *testing.T) {
	quota := func(owner [16]byte, current, additional int64) (bool, int64) {
		return current+additional <= 100, 100
	}
	s := openTestRelay(t, quota)
	ctx := context.Background()
	owner := testOwner(3)

	first := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(1), Change: make([]byte, 60)}
	if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{first}); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	second := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(2), Change: make([]byte, 60)}
	err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{second})
	if _, ok := err.(QuotaError); !ok {
		t.Fatalf("expected QuotaError, got %v", err)
	}

	usage, err := s.Usage(ctx, owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != 60 {
		t.Errorf("expected usage unchanged at 60 after rejected write, got %d", usage)
	}

	msgs, err := s.FetchRange(ctx, owner, clock.Zero, testTimestamp(1000))
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected exactly one stored message after rejected write, got %d", len(msgs))
	}
}

func TestAdmitEnforcesMaxOwners(t *testing.T) {
	s := openTestRelay(t, nil)
	s.SetMaxOwners(1)
	ctx := context.Background()

	if err := s.Admit(ctx, testOwner(10), [16]byte{1}); err != nil {
		t.Fatalf("first owner admit: %v", err)
	}
	if err := s.Admit(ctx, testOwner(10), [16]byte{1}); err != nil {
		t.Fatalf("repeat admit of the same owner should stay within the limit: %v", err)
	}

	err := s.Admit(ctx, testOwner(11), [16]byte{1})
	if _, ok := err.(OwnerLimitError); !ok {
		t.Fatalf("expected OwnerLimitError for a second owner past the limit, got %v", err)
	}
}

func TestFetchRangeReturnsOnlyInRange(t *testing.T) {
	s := openTestRelay(t, nil)
	ctx := context.Background()
	owner := testOwner(4)

	for _, ms := range []uint64{1, 5, 10, 20} {
		msg := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(ms), Change: []byte{byte(ms)}}
		if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{msg}); err != nil {
			t.Fatalf("admit ts=%d: %v", ms, err)
		}
	}

	msgs, err := s.FetchRange(ctx, owner, testTimestamp(5), testTimestamp(20))
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in [5,20), got %d", len(msgs))
	}
}

func TestDeleteOwnerRemovesEverything(t *testing.T) {
	s := openTestRelay(t, nil)
	ctx := context.Background()
	owner := testOwner(5)

	if err := s.Admit(ctx, owner, [16]byte{1}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	msg := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(1), Change: []byte("x")}
	if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{msg}); err != nil {
		t.Fatalf("admit messages: %v", err)
	}

	if err := s.DeleteOwner(ctx, owner); err != nil {
		t.Fatalf("delete owner: %v", err)
	}

	usage, err := s.Usage(ctx, owner)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != 0 {
		t.Errorf("expected usage 0 after delete, got %d", usage)
	}

	// Re-admitting after delete should be treated as a brand new owner.
	if err := s.Admit(ctx, owner, [16]byte{2}); err != nil {
		t.Errorf("expected re-admit with a different key to succeed after delete, got %v", err)
	}
}

func TestIndexReflectsStoredTimestampsAcrossReload(t *testing.T) {
	s := openTestRelay(t, nil)
	ctx := context.Background()
	owner := testOwner(6)

	for _, ms := range []uint64{1, 2, 3} {
		msg := crdtmsg.EncryptedCrdtMessage{Timestamp: testTimestamp(ms), Change: []byte{byte(ms)}}
		if err := s.AdmitMessages(ctx, owner, []crdtmsg.EncryptedCrdtMessage{msg}); err != nil {
			t.Fatalf("admit ts=%d: %v", ms, err)
		}
	}

	// Force a fresh Index load path by dropping the cache entry directly.
	s.indexMu.Lock()
	delete(s.indexes, owner)
	s.indexMu.Unlock()

	idx, err := s.Index(ctx, owner)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if idx.Size() != 3 {
		t.Errorf("expected reloaded index size 3, got %d", idx.Size())
	}
}
