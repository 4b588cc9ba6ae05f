// Package config loads the user-facing Config document from a YAML file,
// generalizing the teacher's sync.Config/DefaultConfig pattern
// (internal/sync/sync.go) from a P2P-listener config to the sync core's
// full set of knobs (spec §6). Wire frames use the binary codec in
// internal/protocol; encoding/json is still used for the encrypted change
// plaintext and stored column values; only this outer, human-edited
// document uses YAML.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

// Config is the top-level configuration for an evolu client or relay
// process.
type Config struct {
	// DataDir holds the SQLite database, owner keystore, and optional
	// search index.
	DataDir string `yaml:"dataDir"`

	// InMemory runs storage entirely in memory, for tests and ephemeral
	// tooling.
	InMemory bool `yaml:"inMemory"`

	// RelayURL is the WebSocket endpoint of the sync relay this client
	// reconciles against.
	RelayURL string `yaml:"relayUrl"`

	// SyncInterval is how often the sync engine attempts reconciliation
	// while Idle.
	SyncInterval time.Duration `yaml:"syncInterval"`

	// InitialBackoff, MaxBackoff, and BackoffMultiplier parameterize the
	// exponential backoff applied after a failed reconciliation attempt
	// (spec §4.6).
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`

	// LeafThreshold sets syncengine.Options.LeafThreshold
	// (fingerprint.DefaultLeafThreshold if zero). Reconciliation does not
	// subdivide diverging ranges, so the value does not change how a round
	// runs.
	LeafThreshold int `yaml:"leafThreshold"`

	// MaxVersions is loaded and saved with the rest of the file but is not
	// read anywhere else: evolu_history is never pruned.
	MaxVersions int `yaml:"maxVersions"`

	// EnableSearch builds and maintains an auxiliary bleve full-text index
	// over decrypted projection content.
	EnableSearch bool `yaml:"enableSearch"`

	// ExternalAppOwner, when set, is a mnemonic the owner keystore should
	// be initialized from instead of generating a fresh one (spec §3:
	// "may be externally supplied").
	ExternalAppOwner string `yaml:"externalAppOwner,omitempty"`

	// Relay holds settings that only apply when running as a relay
	// server rather than a client.
	Relay RelayConfig `yaml:"relay"`
}

// RelayConfig configures the relay-only process (internal/relay).
type RelayConfig struct {
	ListenAddr   string `yaml:"listenAddr"`
	MaxOwners    int    `yaml:"maxOwners"`
	QuotaBytes   int64  `yaml:"quotaBytes"`
	QuotaPerOwner bool  `yaml:"quotaPerOwner"`
}

// Default returns a Config with the same conservative defaults the
// teacher ships in sync.DefaultConfig, adapted to this package's fields.
func Default() Config {
	return Config{
		DataDir:           "./evolu-data",
		SyncInterval:      30 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		LeafThreshold:     128,
		MaxVersions:       50,
		Relay: RelayConfig{
			ListenAddr:    ":4000",
			MaxOwners:     0, // unlimited
			QuotaBytes:    100 * 1024 * 1024,
			QuotaPerOwner: true,
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
