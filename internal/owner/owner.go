// Package owner models the app owner: the identity whose writes a replica
// and a relay account belong to. An Owner is created once per user,
// persisted locally, and never rotated except by a full restore from a
// different mnemonic (spec §3).
package owner

import (
	"github.com/evolu-go/evolu/internal/clock"
	evoluCrypto "github.com/evolu-go/evolu/pkg/crypto"
)

// Owner is the in-memory identity used to stamp writes, encrypt/decrypt
// CRDT messages, and authenticate to a relay.
type Owner struct {
	ID            [16]byte
	EncryptionKey evoluCrypto.Key
	WriteKey      [16]byte
	Mnemonic      string // empty when the owner was created without one
	NodeID        clock.NodeID
}

// New derives a fresh random Owner with a freshly generated mnemonic.
func New() (Owner, error) {
	mnemonic, err := evoluCrypto.MnemonicGenerate()
	if err != nil {
		return Owner{}, err
	}
	return FromMnemonic(mnemonic, "")
}

// FromMnemonic derives a deterministic Owner from an existing mnemonic
// (spec §3: "may be externally supplied", and device-pairing via a shared
// recovery phrase).
func FromMnemonic(mnemonic, passphrase string) (Owner, error) {
	if err := evoluCrypto.MnemonicValidate(mnemonic); err != nil {
		return Owner{}, err
	}
	secrets, err := evoluCrypto.DeriveOwnerSecrets(mnemonic, passphrase)
	if err != nil {
		return Owner{}, err
	}
	o := Owner{
		ID:            secrets.OwnerID,
		EncryptionKey: secrets.EncryptionKey,
		WriteKey:      secrets.WriteKey,
		Mnemonic:      mnemonic,
	}
	o.NodeID = deriveNodeID(o.ID)
	return o, nil
}

// FromRecord adapts a persisted pkg/crypto.OwnerRecord (loaded from the
// on-disk keystore) into an Owner.
func FromRecord(r evoluCrypto.OwnerRecord) Owner {
	o := Owner{
		ID:            r.OwnerID,
		EncryptionKey: r.EncryptionKey,
		WriteKey:      r.WriteKey,
		Mnemonic:      r.Mnemonic,
	}
	o.NodeID = deriveNodeID(o.ID)
	return o
}

// Record converts the Owner back into the persistable on-disk shape.
func (o Owner) Record() evoluCrypto.OwnerRecord {
	return evoluCrypto.OwnerRecord{
		OwnerID:       o.ID,
		EncryptionKey: o.EncryptionKey,
		WriteKey:      o.WriteKey,
		Mnemonic:      o.Mnemonic,
	}
}

// deriveNodeID picks a clock node id from the owner id rather than
// generating a separate random value, so two installations of the same
// owner on the same device would (deliberately) collide and surface as a
// DuplicateNodeError instead of silently diverging. Distinct devices
// should instead derive distinct node ids by mixing in a per-installation
// salt; see WithDeviceSalt.
func deriveNodeID(ownerID [16]byte) clock.NodeID {
	var n clock.NodeID
	copy(n[:], ownerID[:clock.NodeIDSize])
	return n
}

// WithDeviceSalt re-derives the NodeID by mixing a per-installation salt
// into the owner id, so multiple devices sharing one owner (spec §3:
// "mnemonic shared across devices") each mint a distinct node id.
func (o Owner) WithDeviceSalt(salt []byte) Owner {
	mixed := evoluCrypto.Hash12(append(append([]byte{}, o.ID[:]...), salt...))
	var n clock.NodeID
	copy(n[:], mixed[:clock.NodeIDSize])
	o.NodeID = n
	return o
}
