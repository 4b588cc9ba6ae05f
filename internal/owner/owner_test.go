package owner

import (
	"bytes"
	"testing"

	evoluCrypto "github.com/evolu-go/evolu/pkg/crypto"
)

func TestFromMnemonicDeterministic(t *testing.T) {
	mnemonic, err := evoluCrypto.MnemonicGenerate()
	if err != nil {
		t.Fatalf("MnemonicGenerate: %v", err)
	}

	a, err := FromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	b, err := FromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}

	if a.ID != b.ID || a.EncryptionKey != b.EncryptionKey || a.WriteKey != b.WriteKey {
		t.Error("deriving from the same mnemonic twice produced different secrets")
	}
}

func TestFromMnemonicRejectsInvalid(t *testing.T) {
	if _, err := FromMnemonic("not a valid mnemonic at all", ""); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestNewProducesRecoverableOwner(t *testing.T) {
	o, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.Mnemonic == "" {
		t.Fatal("expected New to populate a recoverable mnemonic")
	}

	recovered, err := FromMnemonic(o.Mnemonic, "")
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	if recovered.ID != o.ID {
		t.Error("recovered owner id does not match original")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	o, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rebuilt := FromRecord(o.Record())
	if rebuilt.ID != o.ID || rebuilt.EncryptionKey != o.EncryptionKey || rebuilt.WriteKey != o.WriteKey {
		t.Error("Record/FromRecord round trip lost data")
	}
}

func TestWithDeviceSaltChangesNodeID(t *testing.T) {
	o, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	withSalt := o.WithDeviceSalt([]byte("device-a"))
	if bytes.Equal(withSalt.NodeID[:], o.NodeID[:]) {
		t.Error("expected WithDeviceSalt to change the node id")
	}
}
