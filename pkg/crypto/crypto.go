// Package crypto provides the symmetric AEAD, key derivation, and mnemonic
// primitives the sync core builds on. It never touches storage or the
// network; see store.go for the password-wrapped owner keystore and
// derive.go for owner derivation from a mnemonic.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20 nonce size
	SaltSize  = 16
)

var (
	ErrInvalidKey = errors.New("crypto: invalid key size")
	ErrDecrypt    = errors.New("crypto: decryption failed")
)

// Key is a 32-byte symmetric AEAD key.
type Key [KeySize]byte

// GenerateKey creates a new random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// DeriveKey derives a key from a password and salt using Argon2id.
func DeriveKey(password, salt []byte) Key {
	var k Key
	// Argon2id parameters (OWASP recommendations):
	// time=3, memory=64MB, threads=2, keyLen=32.
	dk := argon2.IDKey(password, salt, 3, 64*1024, 2, KeySize)
	copy(k[:], dk)
	return k
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateSalt creates a random salt for password wrapping.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// Encrypt seals plaintext under key with an explicit nonce, authenticating
// aad. Format: [nonce 24][ciphertext...][tag 16] (tag appended by Seal).
func Encrypt(key Key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("crypto: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AEAD: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	copy(out, nonce)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// EncryptRandom seals plaintext under a freshly generated random nonce.
// Used for local key wrapping; replication messages use
// EncryptWithTimestamp so nonce uniqueness follows from timestamp
// uniqueness per spec §4.1.
func EncryptRandom(key Key, plaintext, aad []byte) ([]byte, error) {
	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return Encrypt(key, nonce, plaintext, aad)
}

// Decrypt opens a ciphertext produced by Encrypt/EncryptRandom/
// EncryptWithTimestamp.
func Decrypt(key Key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create AEAD: %w", err)
	}
	nonce := ciphertext[:NonceSize]
	box := ciphertext[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, box, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// NonceFromTimestamp derives the 24-byte XChaCha20 nonce deterministically
// from a message's canonical timestamp encoding, per spec §4.1: the first
// 24 bytes of hash("evolu/nonce" || timestampBytes). Every committed change
// carries a distinct timestamp, so nonce reuse under a given owner key
// cannot occur without an explicit nonce field on the wire.
func NonceFromTimestamp(timestampBytes []byte) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte("evolu/nonce"))
	h.Write(timestampBytes)
	return h.Sum(nil)[:NonceSize]
}

// EncryptWithTimestamp seals plaintext using the nonce-from-timestamp
// policy described in spec §4.1.
func EncryptWithTimestamp(key Key, timestampBytes, plaintext, aad []byte) ([]byte, error) {
	return Encrypt(key, NonceFromTimestamp(timestampBytes), plaintext, aad)
}

// Hash12 truncates a cryptographic hash of data to 12 bytes. Used by the
// fingerprint index (spec §4.4) to turn timestamps into fixed-size,
// XOR-able summaries.
func Hash12(data []byte) [12]byte {
	h := blake3.New(16, nil)
	h.Write(data)
	sum := h.Sum(nil)
	var out [12]byte
	copy(out[:], sum[:12])
	return out
}
