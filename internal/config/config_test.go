package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	if cfg.SyncInterval <= 0 {
		t.Error("expected a positive default sync interval")
	}
	if cfg.LeafThreshold <= 0 {
		t.Error("expected a positive default leaf threshold")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	want := Default()
	want.DataDir = "/tmp/evolu-test"
	want.RelayURL = "wss://relay.example.com/sync"
	want.SyncInterval = 45 * time.Second
	want.Relay.ListenAddr = ":9999"

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DataDir != want.DataDir || got.RelayURL != want.RelayURL ||
		got.SyncInterval != want.SyncInterval || got.Relay.ListenAddr != want.Relay.ListenAddr {
		t.Errorf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/evolu/config.yaml"); err == nil {
		t.Error("expected an error loading a nonexistent config file")
	}
}
