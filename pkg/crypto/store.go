package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// OwnerFileName is the on-disk file name for the password-wrapped owner
// secrets, mirroring the teacher's keys.json layout.
const OwnerFileName = "owner.json"

// ErrAlreadyInitialized is returned by Initialize when an owner file
// already exists at the store's directory.
var ErrAlreadyInitialized = errors.New("crypto: keystore already initialized")

// OwnerRecord is the plaintext payload wrapped by OwnerStore: the triple
// derived in derive.go, plus the mnemonic it came from (if any) so a
// device can display/export it for pairing other devices (spec §3: Owner
// lifecycle — "may be externally supplied").
type OwnerRecord struct {
	OwnerID       [16]byte
	EncryptionKey Key
	WriteKey      [16]byte
	Mnemonic      string // empty if the owner has no recoverable phrase
}

// OwnerStore manages the password-wrapped owner secrets file. It is the
// sole place owner key material touches disk; everything above it deals in
// OwnerRecord values only. Adapted from the teacher's FileKeyStore
// (pkg/crypto/store.go) generalized from a single master Key to the full
// owner triple plus mnemonic.
type OwnerStore struct {
	dir string
	mu  sync.RWMutex
}

type ownerFileStruct struct {
	Salt       string           `json:"salt"`
	Ciphertext string           `json:"data"`
	Params     argon2Params     `json:"params"`
}

type argon2Params struct {
	Memory      uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

var defaultArgon2Params = argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}

// plaintextOwnerRecord is the JSON shape encrypted inside the owner file.
type plaintextOwnerRecord struct {
	OwnerID       string `json:"owner_id"`
	EncryptionKey string `json:"encryption_key"`
	WriteKey      string `json:"write_key"`
	Mnemonic      string `json:"mnemonic,omitempty"`
}

// NewOwnerStore creates a filesystem-backed OwnerStore rooted at dir.
func NewOwnerStore(dir string) *OwnerStore {
	return &OwnerStore{dir: dir}
}

// Initialize derives a fresh owner from a newly generated mnemonic,
// encrypts it with password, and persists it. Returns ErrAlreadyInitialized
// if an owner file already exists.
func (s *OwnerStore) Initialize(password []byte) (OwnerRecord, error) {
	mnemonic, err := MnemonicGenerate()
	if err != nil {
		return OwnerRecord{}, err
	}
	return s.InitializeWithMnemonic(password, mnemonic)
}

// InitializeWithMnemonic derives an owner from a caller-supplied mnemonic
// (spec §3: "may be externally supplied") and persists it.
func (s *OwnerStore) InitializeWithMnemonic(password []byte, mnemonic string) (OwnerRecord, error) {
	if err := MnemonicValidate(mnemonic); err != nil {
		return OwnerRecord{}, err
	}
	secrets, err := DeriveOwnerSecrets(mnemonic, "")
	if err != nil {
		return OwnerRecord{}, err
	}
	record := OwnerRecord{
		OwnerID:       secrets.OwnerID,
		EncryptionKey: secrets.EncryptionKey,
		WriteKey:      secrets.WriteKey,
		Mnemonic:      mnemonic,
	}
	return record, s.save(password, record)
}

// InitializeWithRecord persists a caller-supplied owner (e.g. a mnemonic-
// less externally-supplied owner; spec §6 Config.externalAppOwner).
func (s *OwnerStore) InitializeWithRecord(password []byte, record OwnerRecord) error {
	return s.save(password, record)
}

func (s *OwnerStore) save(password []byte, record OwnerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isInitialized() {
		return ErrAlreadyInitialized
	}

	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	wrapperKey := DeriveKey(password, salt)

	plain := plaintextOwnerRecord{
		OwnerID:       base64.StdEncoding.EncodeToString(record.OwnerID[:]),
		EncryptionKey: base64.StdEncoding.EncodeToString(record.EncryptionKey[:]),
		WriteKey:      base64.StdEncoding.EncodeToString(record.WriteKey[:]),
		Mnemonic:      record.Mnemonic,
	}
	plaintext, err := json.Marshal(plain)
	if err != nil {
		return err
	}

	aad := []byte(filepath.Base(s.dir))
	ciphertext, err := EncryptRandom(wrapperKey, plaintext, aad)
	if err != nil {
		return err
	}

	kf := ownerFileStruct{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Params:     defaultArgon2Params,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, OwnerFileName), data, 0600)
}

// Unlock loads and decrypts the owner record using the password.
func (s *OwnerStore) Unlock(password []byte) (OwnerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record OwnerRecord

	data, err := os.ReadFile(filepath.Join(s.dir, OwnerFileName))
	if err != nil {
		return record, err
	}
	var kf ownerFileStruct
	if err := json.Unmarshal(data, &kf); err != nil {
		return record, err
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return record, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return record, err
	}

	dk := argon2.IDKey(password, salt, kf.Params.Iterations, kf.Params.Memory, kf.Params.Parallelism, KeySize)
	var wrapperKey Key
	copy(wrapperKey[:], dk)

	aad := []byte(filepath.Base(s.dir))
	plaintext, err := Decrypt(wrapperKey, ciphertext, aad)
	if err != nil {
		return record, fmt.Errorf("crypto: incorrect password or corrupted owner file")
	}

	var plain plaintextOwnerRecord
	if err := json.Unmarshal(plaintext, &plain); err != nil {
		return record, err
	}

	ownerID, err := base64.StdEncoding.DecodeString(plain.OwnerID)
	if err != nil || len(ownerID) != 16 {
		return record, fmt.Errorf("crypto: corrupted owner id")
	}
	encKey, err := base64.StdEncoding.DecodeString(plain.EncryptionKey)
	if err != nil || len(encKey) != KeySize {
		return record, fmt.Errorf("crypto: corrupted encryption key")
	}
	writeKey, err := base64.StdEncoding.DecodeString(plain.WriteKey)
	if err != nil || len(writeKey) != 16 {
		return record, fmt.Errorf("crypto: corrupted write key")
	}

	copy(record.OwnerID[:], ownerID)
	copy(record.EncryptionKey[:], encKey)
	copy(record.WriteKey[:], writeKey)
	record.Mnemonic = plain.Mnemonic
	return record, nil
}

// IsInitialized reports whether an owner file already exists.
func (s *OwnerStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isInitialized()
}

func (s *OwnerStore) isInitialized() bool {
	_, err := os.Stat(filepath.Join(s.dir, OwnerFileName))
	return err == nil
}
