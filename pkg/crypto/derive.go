package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// OwnerSecrets are the three values deterministically derivable from a
// mnemonic per spec §4.1/§3: ownerId (16 bytes), encryptionKey (32 bytes),
// writeKey (16 bytes).
type OwnerSecrets struct {
	OwnerID       [16]byte
	EncryptionKey Key
	WriteKey      [16]byte
}

// DeriveOwnerSecrets implements derive(mnemonic) -> (ownerId, encryptionKey,
// writeKey): a BIP-39 seed (MnemonicToSeed) feeds three independent
// SLIP-21-style HKDF derivations, each keyed by a distinct domain-separation
// label, so the same mnemonic always yields the same triple on every
// device (spec §4.1). HKDF is the same golang.org/x/crypto/hkdf package the
// teacher already depends on for per-entry/per-share key derivation
// (internal/sharing/sharing.go).
func DeriveOwnerSecrets(mnemonic, passphrase string) (OwnerSecrets, error) {
	seed := MnemonicToSeed(mnemonic, passphrase)

	var out OwnerSecrets
	if err := hkdfInto(seed, "evolu/owner-id", out.OwnerID[:]); err != nil {
		return out, err
	}
	if err := hkdfInto(seed, "evolu/encryption-key", out.EncryptionKey[:]); err != nil {
		return out, err
	}
	if err := hkdfInto(seed, "evolu/write-key", out.WriteKey[:]); err != nil {
		return out, err
	}
	return out, nil
}

func hkdfInto(seed []byte, info string, dst []byte) error {
	r := hkdf.New(sha256.New, seed, nil, []byte(info))
	if _, err := r.Read(dst); err != nil {
		return fmt.Errorf("crypto: derive %s: %w", info, err)
	}
	return nil
}
