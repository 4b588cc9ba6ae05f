// Command evolu-relay runs the sync relay: a store-and-forward service
// that accepts encrypted messages from any number of owners and
// reconciles them using the same protocol a client uses against another
// client. Grounded on the teacher's cmdServe (cmd/vaultd/main.go): a
// flag-parsed data directory and listen port wrapping a single
// http.Handler, adapted from vaultd's single-vault API server to a
// multi-owner relay with a configurable storage quota.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/evolu-go/evolu/internal/config"
	"github.com/evolu-go/evolu/internal/relay"
)

func main() {
	fs := flag.NewFlagSet("evolu-relay", flag.ExitOnError)
	dataDir := fs.String("data", "", "data directory holding the relay's SQLite database")
	listenAddr := fs.String("listen", "", "address to listen on (overrides config)")
	quotaBytes := fs.Int64("quota-bytes", 0, "maximum ciphertext bytes to retain per owner (overrides config when > 0; 0 keeps the config value)")
	fs.Parse(os.Args[1:])

	dd := *dataDir
	if dd == "" {
		home, _ := os.UserHomeDir()
		dd = filepath.Join(home, ".evolu-relay")
	}

	cfg, err := loadOrDefaultConfig(dd)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = ":8089"
	}
	if *quotaBytes > 0 {
		cfg.Relay.QuotaBytes = *quotaBytes
	}

	if err := os.MkdirAll(dd, 0700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	store, err := relay.Open(filepath.Join(dd, "relay.sqlite3"), quotaFuncFor(cfg.Relay))
	if err != nil {
		log.Fatalf("open relay store: %v", err)
	}
	defer store.Close()
	store.SetMaxOwners(cfg.Relay.MaxOwners)

	server := relay.NewServer(store)

	httpServer := &http.Server{
		Addr:    cfg.Relay.ListenAddr,
		Handler: server,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("relay listening on %s (data: %s)\n", cfg.Relay.ListenAddr, dd)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("relay server error: %v", err)
	}
}

// quotaFuncFor builds the relay.QuotaFunc the storage layer enforces on
// every write, per spec §4.7. QuotaPerOwner=false disables the bound
// entirely (a relay trusting its owners, e.g. a self-hosted single-tenant
// deployment); a positive QuotaBytes applies that ceiling to each owner
// independently.
func quotaFuncFor(cfg config.RelayConfig) relay.QuotaFunc {
	if !cfg.QuotaPerOwner || cfg.QuotaBytes <= 0 {
		return relay.UnlimitedQuota
	}
	limit := cfg.QuotaBytes
	return func(ownerID [16]byte, currentBytes, additionalBytes int64) (bool, int64) {
		return currentBytes+additionalBytes <= limit, limit
	}
}

func loadOrDefaultConfig(dir string) (config.Config, error) {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}
