// Command evolu is a reference client for the sync core: it initializes a
// password-protected owner keystore, applies column-level mutations to a
// local SQLite replica, and reconciles against a relay over WebSocket.
// Grounded on the teacher's cmd/vaultd/main.go command dispatch (a bare
// os.Args[1] switch over flag.NewFlagSet subcommands, password prompts via
// golang.org/x/term) adapted from vaultd's whole-entry vault commands to
// evolu's table/row/column mutation model.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/skip2/go-qrcode"

	"github.com/evolu-go/evolu/internal/client"
	"github.com/evolu-go/evolu/internal/clock"
	"github.com/evolu-go/evolu/internal/config"
	"github.com/evolu-go/evolu/internal/crdtmsg"
	"github.com/evolu-go/evolu/internal/logging"
	"github.com/evolu-go/evolu/internal/owner"
	"github.com/evolu-go/evolu/internal/search"
	"github.com/evolu-go/evolu/internal/storage"
	"github.com/evolu-go/evolu/internal/storage/sqlite"
	"github.com/evolu-go/evolu/internal/syncengine"
	"github.com/evolu-go/evolu/internal/transport/ws"
	"github.com/evolu-go/evolu/internal/version"
	evoluCrypto "github.com/evolu-go/evolu/pkg/crypto"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		cmdInit(args)
	case "mnemonic":
		cmdMnemonic(args)
	case "set":
		cmdSet(args)
	case "get":
		cmdGet(args)
	case "search":
		cmdSearch(args)
	case "history":
		cmdHistory(args)
	case "sync":
		cmdSync(args)
	case "status":
		cmdStatus(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`evolu - local-first sync core reference client

Usage: evolu <command> [options]

Commands:
  init       Create a new owner keystore (--data; password read from stdin when it is not a terminal)
  mnemonic   Print the owner's recovery phrase (--qr <path> to export)
  set        Apply one column mutation (--table --id --column --value)
  get        Print a row's current projection (--table --id)
  search     Full-text search over indexed rows (requires enableSearch: true)
  history    List every recorded write to one column (--table --id --column)
  sync       Reconcile once or continuously against a relay (--once)
  status     Show the owner id, history entry count and latest timestamp
  help       Show this help`)
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	fs.Parse(args)
	dd := resolveDir(*dir)

	keystore := evoluCrypto.NewOwnerStore(dd)
	if keystore.IsInitialized() {
		fmt.Println("owner already initialized")
		return
	}

	fmt.Print("new password: ")
	pass1, err := readPassword()
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	fmt.Print("\nconfirm password: ")
	pass2, err := readPassword()
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	fmt.Println()
	if string(pass1) != string(pass2) {
		log.Fatal("passwords do not match")
	}

	cfg, err := loadOrDefaultConfig(dd)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var record evoluCrypto.OwnerRecord
	if cfg.ExternalAppOwner != "" {
		record, err = keystore.InitializeWithMnemonic(pass1, cfg.ExternalAppOwner)
	} else {
		record, err = keystore.Initialize(pass1)
	}
	if err != nil {
		log.Fatalf("initialize owner: %v", err)
	}

	if err := os.MkdirAll(dd, 0700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	fmt.Printf("owner initialized: %x\n", record.OwnerID)
	fmt.Println("recovery phrase (write this down):")
	fmt.Println(record.Mnemonic)
}

func cmdMnemonic(args []string) {
	fs := flag.NewFlagSet("mnemonic", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	qrPath := fs.String("qr", "", "write a QR code PNG of the phrase to this path")
	fs.Parse(args)
	dd := resolveDir(*dir)

	record := unlockOwner(dd)
	fmt.Println(record.Mnemonic)

	if *qrPath != "" {
		if err := qrcode.WriteFile(record.Mnemonic, qrcode.Medium, 256, *qrPath); err != nil {
			log.Fatalf("write QR code: %v", err)
		}
		fmt.Printf("QR code written to %s\n", *qrPath)
	}
}

func cmdSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	table := fs.String("table", "", "table name")
	id := fs.String("id", "", "row id (hex)")
	column := fs.String("column", "value", "column name")
	value := fs.String("value", "", "JSON-encoded value")
	fs.Parse(args)
	dd := resolveDir(*dir)

	if *table == "" || *id == "" || *column == "" {
		log.Fatal("--table, --id, and --column are required")
	}
	rowID, err := parseRowID(*id)
	if err != nil {
		log.Fatalf("parse --id: %v", err)
	}
	var decodedValue interface{}
	if *value != "" {
		if err := json.Unmarshal([]byte(*value), &decodedValue); err != nil {
			log.Fatalf("parse --value as JSON: %v", err)
		}
	}

	cfg, err := loadOrDefaultConfig(dd)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	record := unlockOwner(dd)
	o := owner.FromRecord(record)
	ctx := context.Background()
	store := openStoreWithColumns(ctx, dd, *table, *column)
	defer store.Close()

	if cfg.EnableSearch {
		idx, detach := attachSearchIndex(dd, store, *table)
		defer idx.Close()
		defer detach()
	}

	c := clock.New(o.NodeID, 0)
	replica, err := client.Open(ctx, store, c, o.EncryptionKey, o.ID)
	if err != nil {
		log.Fatalf("open replica: %v", err)
	}

	ts, err := replica.Mutate(ctx, crdtmsg.DbChange{Table: *table, ID: rowID, Column: *column, Value: decodedValue})
	if err != nil {
		log.Fatalf("mutate: %v", err)
	}
	fmt.Printf("applied at %s\n", ts)
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	table := fs.String("table", "", "table name")
	id := fs.String("id", "", "row id (hex)")
	column := fs.String("column", "value", "column name (must match the --column used with 'set')")
	fs.Parse(args)
	dd := resolveDir(*dir)

	if *table == "" || *id == "" {
		log.Fatal("--table and --id are required")
	}
	rowID, err := parseRowID(*id)
	if err != nil {
		log.Fatalf("parse --id: %v", err)
	}

	ctx := context.Background()
	store := openStoreWithColumns(ctx, dd, *table, *column)
	defer store.Close()

	row, err := store.GetRow(ctx, *table, rowID)
	if err != nil {
		log.Fatalf("get row: %v", err)
	}
	encoded, _ := json.MarshalIndent(row, "", "  ")
	fmt.Println(string(encoded))
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	table := fs.String("table", "", "restrict results to one table")
	limit := fs.Int("limit", 0, "max results")
	fs.Parse(args)
	dd := resolveDir(*dir)

	if fs.NArg() == 0 {
		log.Fatal("usage: evolu search [--table t] [--limit n] <query>")
	}
	query := fs.Arg(0)

	cfg, err := loadOrDefaultConfig(dd)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.EnableSearch {
		log.Fatal("search is disabled: set enableSearch: true in config.yaml")
	}

	idx, err := search.NewIndex(dd)
	if err != nil {
		log.Fatalf("open search index: %v", err)
	}
	defer idx.Close()

	results, err := idx.Search(query, search.SearchOptions{Table: *table, Limit: *limit})
	if err != nil {
		log.Fatalf("search: %v", err)
	}
	for _, r := range results {
		fmt.Printf("%s %x (score %.3f)\n", r.Table, r.RowID[:], r.Score)
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	table := fs.String("table", "", "table name")
	id := fs.String("id", "", "row id (hex)")
	column := fs.String("column", "value", "column name")
	fs.Parse(args)
	dd := resolveDir(*dir)

	if *table == "" || *id == "" {
		log.Fatal("--table and --id are required")
	}
	rowID, err := parseRowID(*id)
	if err != nil {
		log.Fatalf("parse --id: %v", err)
	}

	ctx := context.Background()
	store := openStoreWithColumns(ctx, dd, *table, *column)
	defer store.Close()

	sqliteStore, ok := store.(*sqlite.Store)
	if !ok {
		log.Fatal("history is only available over the SQLite storage backend")
	}
	versions := version.NewStore(sqliteStore.DB())

	history, err := versions.GetHistory(ctx, *table, rowID, *column)
	if err != nil {
		log.Fatalf("get history: %v", err)
	}
	if len(history) == 0 {
		fmt.Println("no recorded writes")
		return
	}
	for _, v := range history {
		encoded, _ := json.Marshal(v.Value)
		fmt.Printf("%s  %s\n", v.Timestamp, encoded)
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	fs.Parse(args)
	dd := resolveDir(*dir)

	record := unlockOwner(dd)
	o := owner.FromRecord(record)

	ctx := context.Background()
	store := openStore(ctx, dd)
	defer store.Close()

	timestamps, err := store.AllTimestamps(ctx)
	if err != nil {
		log.Fatalf("list timestamps: %v", err)
	}
	fmt.Printf("owner:   %x\n", o.ID)
	fmt.Printf("entries: %d\n", len(timestamps))
	if len(timestamps) > 0 {
		fmt.Printf("latest:  %s\n", timestamps[len(timestamps)-1])
	}
}

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	dir := fs.String("data", "", "data directory")
	relayURL := fs.String("relay", "", "relay WebSocket URL (overrides config)")
	once := fs.Bool("once", false, "reconcile a single round and exit")
	fs.Parse(args)
	dd := resolveDir(*dir)

	cfg, err := loadOrDefaultConfig(dd)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if cfg.RelayURL == "" {
		log.Fatal("no relay URL configured: pass --relay or set relayUrl in config.yaml")
	}

	record := unlockOwner(dd)
	o := owner.FromRecord(record)

	ctx := context.Background()
	store := openStore(ctx, dd)
	defer store.Close()

	c := clock.New(o.NodeID, 0)
	replica, err := client.Open(ctx, store, c, o.EncryptionKey, o.ID)
	if err != nil {
		log.Fatalf("open replica: %v", err)
	}

	logger, err := logging.NewZapDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}

	engineCfg := syncengine.DefaultConfig(cfg.RelayURL)
	engineCfg.OwnerID = o.ID
	engineCfg.WriteKey = o.WriteKey
	engineCfg.Logger = logger
	if cfg.SyncInterval > 0 {
		engineCfg.SyncInterval = cfg.SyncInterval
	}
	if cfg.LeafThreshold > 0 {
		engineCfg.Options.LeafThreshold = cfg.LeafThreshold
	}
	if *once {
		engineCfg.MaxRetries = 1
	}

	engine := syncengine.NewEngine(ws.NewDialer(), replica, engineCfg)

	if *once {
		// Run drives its own dial+reconcile cycle on Kick; stop it again
		// as soon as that first round finishes rather than idling until
		// the next SyncInterval tick.
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		engine.Kick()
		go func() {
			for {
				m := engine.Metrics()
				if m.Successes+m.Failures > 0 {
					cancel()
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
		fmt.Println("reconciling one round...")
		if err := engine.Run(runCtx); err != nil {
			log.Fatalf("sync round failed: %v", err)
		}
		metrics := engine.Metrics()
		fmt.Printf("done (attempts=%d successes=%d failures=%d)\n", metrics.Attempts, metrics.Successes, metrics.Failures)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("syncing against %s (ctrl-c to stop)\n", cfg.RelayURL)
	if err := engine.Run(runCtx); err != nil {
		log.Fatalf("sync engine stopped: %v", err)
	}
}

func resolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".evolu")
}

func unlockOwner(dir string) evoluCrypto.OwnerRecord {
	keystore := evoluCrypto.NewOwnerStore(dir)
	if !keystore.IsInitialized() {
		log.Fatal("owner not initialized; run 'evolu init' first")
	}
	fmt.Print("password: ")
	password, err := readPassword()
	fmt.Println()
	if err != nil {
		log.Fatalf("read password: %v", err)
	}
	record, err := keystore.Unlock(password)
	if err != nil {
		log.Fatalf("unlock owner: %v", err)
	}
	return record
}

func openStore(ctx context.Context, dir string) storage.Store {
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	store, err := sqlite.New(filepath.Join(dir, "evolu.sqlite3"), nil)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init store: %v", err)
	}
	return store
}

// openStoreWithColumns additionally declares table with a single column,
// since the "set"/"get" commands work against an ad hoc table rather than
// an application-declared schema (real applications call DefineTable once
// at startup with their full column list).
func openStoreWithColumns(ctx context.Context, dir, table, column string) storage.Store {
	store := openStore(ctx, dir)
	if err := store.DefineTable(ctx, storage.TableDef{Name: table, Columns: []string{column}}); err != nil {
		log.Fatalf("define table %s: %v", table, err)
	}
	return store
}

// attachSearchIndex opens the full-text index for dir and wires it to
// reindex table on every commit. The caller must Close the returned
// *search.Index and call the returned detach func when done.
func attachSearchIndex(dir string, store storage.Store, table string) (*search.Index, func()) {
	idx, err := search.NewIndex(dir)
	if err != nil {
		log.Fatalf("open search index: %v", err)
	}
	detach := idx.Attach(store, table)
	return idx, detach
}

func loadOrDefaultConfig(dir string) (config.Config, error) {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseRowID(s string) (crdtmsg.RowID, error) {
	var id crdtmsg.RowID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) > len(id) {
		return id, fmt.Errorf("expected up to %d-byte hex string", len(id))
	}
	copy(id[:], b)
	return id, nil
}

func readPassword() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var password string
		fmt.Scanln(&password)
		return []byte(password), nil
	}
	return term.ReadPassword(fd)
}
