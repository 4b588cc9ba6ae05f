// Package client wires one owner's local clock, storage, and fingerprint
// index together into a syncengine.Peer: the adapter the sync core's
// reconciliation protocol runs against on the device side, mirroring
// internal/relay's ownerPeer on the server side. Grounded on the
// teacher's engineWrapper (pkg/engine/engine.go): a thin struct composing
// the lower-level pieces (clock, storage, index) behind a handful of
// request/response methods, generalized from whole-entry CRUD to
// column-level mutation plus the reconciliation Peer contract.
package client

import (
	"context"
	"fmt"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
	"github.com/evolu-go/evolu/internal/storage"
	evoluCrypto "github.com/evolu-go/evolu/pkg/crypto"
)

// clockConfigKey is the evolu_config row the clock's watermark is
// persisted under (spec §6 "evolu_config(clock TEXT, ...)").
const clockConfigKey = "clock"

// Replica is one owner's local replica: its clock, its encrypted-at-rest
// storage, and the fingerprint index maintained alongside it. Replica
// implements syncengine.Peer.
type Replica struct {
	store storage.Store
	clock *clock.Clock
	key   evoluCrypto.Key
	aad   []byte // owner id, bound into every AEAD seal/open (spec §4.1)
	index *fingerprint.Index
}

// Open constructs a Replica over an already-initialized storage.Store,
// loading every existing timestamp into a fresh fingerprint index (spec
// §4.4: the index lives in memory, rebuilt from the durable history on
// open) and seeding c from the clock watermark persisted by a prior
// process, if any (spec §3/§6: the clock must resume strictly after every
// timestamp this owner has ever issued or observed, not just what Zero
// would give a freshly constructed Clock).
func Open(ctx context.Context, store storage.Store, c *clock.Clock, key evoluCrypto.Key, ownerID [16]byte) (*Replica, error) {
	idx := fingerprint.New(1)
	timestamps, err := store.AllTimestamps(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: load timestamps: %w", err)
	}
	for _, ts := range timestamps {
		idx.Insert(ts)
	}

	saved, ok, err := store.GetConfig(ctx, clockConfigKey)
	if err != nil {
		return nil, fmt.Errorf("client: load clock watermark: %w", err)
	}
	if ok {
		last, err := clock.DecodeString(saved)
		if err != nil {
			return nil, fmt.Errorf("client: decode clock watermark: %w", err)
		}
		c.Seed(last)
	}

	return &Replica{store: store, clock: c, key: key, aad: append([]byte{}, ownerID[:]...), index: idx}, nil
}

// persistClock durably records the clock's current watermark so the next
// Open resumes strictly after it, even across process restarts.
func (r *Replica) persistClock(ctx context.Context) error {
	if err := r.store.SetConfig(ctx, clockConfigKey, r.clock.Last().String()); err != nil {
		return fmt.Errorf("client: persist clock watermark: %w", err)
	}
	return nil
}

// Index implements syncengine.Peer.
func (r *Replica) Index() *fingerprint.Index { return r.index }

// Mutate timestamps change with a freshly minted local timestamp, applies
// it to storage, and folds the timestamp into the fingerprint index (spec
// §5: "one transaction spans clock read, message apply, projection
// upsert, fingerprint update"). Read-your-writes holds because the
// projection upsert inside ApplyMutation happens before Mutate returns.
func (r *Replica) Mutate(ctx context.Context, change crdtmsg.DbChange) (clock.Timestamp, error) {
	ts, err := r.clock.Send()
	if err != nil {
		return clock.Timestamp{}, fmt.Errorf("client: mint timestamp: %w", err)
	}
	msg := crdtmsg.CrdtMessage{Timestamp: ts, Change: change}
	applied, err := r.store.ApplyMutation(ctx, msg)
	if err != nil {
		return clock.Timestamp{}, err
	}
	if applied {
		r.index.Insert(ts)
	}
	if err := r.persistClock(ctx); err != nil {
		return clock.Timestamp{}, err
	}
	return ts, nil
}

// MutateBatch applies multiple changes as one local write, each minting
// its own timestamp in order (spec §5: "FIFO of local mutations per
// tab/session").
func (r *Replica) MutateBatch(ctx context.Context, changes []crdtmsg.DbChange) error {
	msgs := make([]crdtmsg.CrdtMessage, 0, len(changes))
	for _, c := range changes {
		ts, err := r.clock.Send()
		if err != nil {
			return fmt.Errorf("client: mint timestamp: %w", err)
		}
		msgs = append(msgs, crdtmsg.CrdtMessage{Timestamp: ts, Change: c})
	}
	if err := r.store.ApplyMutations(ctx, msgs); err != nil {
		return err
	}
	for _, m := range msgs {
		r.index.Insert(m.Timestamp)
	}
	return r.persistClock(ctx)
}

// FetchRange implements syncengine.Peer: every locally-held message whose
// timestamp falls in [lo, hi), sealed for transport.
func (r *Replica) FetchRange(ctx context.Context, lo, hi clock.Timestamp) ([]crdtmsg.EncryptedCrdtMessage, error) {
	msgs, err := r.store.MessagesInRange(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]crdtmsg.EncryptedCrdtMessage, 0, len(msgs))
	for _, m := range msgs {
		enc, err := crdtmsg.Encrypt(r.key, m, r.aad)
		if err != nil {
			return nil, fmt.Errorf("client: encrypt message: %w", err)
		}
		out = append(out, enc)
	}
	return out, nil
}

// StoreMessages implements syncengine.Peer: opens every incoming message
// and folds it into local storage, updating the clock and index to
// reflect the remote timestamps observed (spec §4.2 Receive rule).
// A message that fails to decrypt, or whose timestamp the clock rejects,
// is skipped: it is not stored, not logged and not reported to the
// caller, and the round goes on.
func (r *Replica) StoreMessages(ctx context.Context, msgs []crdtmsg.EncryptedCrdtMessage) error {
	decoded := make([]crdtmsg.CrdtMessage, 0, len(msgs))
	received := false
	for _, enc := range msgs {
		msg, err := crdtmsg.Decrypt(r.key, enc, r.aad)
		if err != nil {
			continue // DecryptError: skip this message, keep the stream going
		}
		if _, err := r.clock.Receive(msg.Timestamp); err != nil {
			continue // clock invariant violation: discard rather than abort the round
		}
		received = true
		decoded = append(decoded, msg)
	}
	if err := r.store.ApplyMutations(ctx, decoded); err != nil {
		return err
	}
	for _, m := range decoded {
		r.index.Insert(m.Timestamp)
	}
	if received {
		return r.persistClock(ctx)
	}
	return nil
}
