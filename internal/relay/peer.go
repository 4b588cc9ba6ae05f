package relay

import (
	"context"

	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/fingerprint"
)

// ownerPeer adapts one owner's slice of a Store to syncengine.Peer, so the
// relay side of a reconciliation session runs the exact same Reconcile
// function as the client (spec §4.5: the protocol is symmetric).
type ownerPeer struct {
	store   *Store
	ownerID [16]byte
	index   *fingerprint.Index
}

func newOwnerPeer(ctx context.Context, store *Store, ownerID [16]byte) (*ownerPeer, error) {
	idx, err := store.Index(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &ownerPeer{store: store, ownerID: ownerID, index: idx}, nil
}

func (p *ownerPeer) Index() *fingerprint.Index { return p.index }

func (p *ownerPeer) FetchRange(ctx context.Context, lo, hi clock.Timestamp) ([]crdtmsg.EncryptedCrdtMessage, error) {
	return p.store.FetchRange(ctx, p.ownerID, lo, hi)
}

func (p *ownerPeer) StoreMessages(ctx context.Context, msgs []crdtmsg.EncryptedCrdtMessage) error {
	return p.store.AdmitMessages(ctx, p.ownerID, msgs)
}
