package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ember-shard/shardgate/pkg/accountstore"
	"github.com/ember-shard/shardgate/pkg/config"
	"github.com/ember-shard/shardgate/pkg/events"
	"github.com/ember-shard/shardgate/pkg/firewall"
	"github.com/ember-shard/shardgate/pkg/ipinfo"
	"github.com/ember-shard/shardgate/pkg/server"
	"github.com/ember-shard/shardgate/pkg/sqlmirror"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("SHARDGATE_CONF", ""), "Path to config file (env: SHARDGATE_CONF)")
	boltPath := flag.String("bolt", envDefault("SHARDGATE_BOLT", ""), "Path to bbolt account database, overrides config (env: SHARDGATE_BOLT)")
	sqlPath := flag.String("sqldb", envDefault("SHARDGATE_SQLDB", ""), "Path to SQLite mirror file, overrides config (env: SHARDGATE_SQLDB)")
	port := flag.Int("port", 0, "TCP port to listen on, overrides config (env: SHARDGATE_PORT)")
	noWatch := flag.Bool("no-watch", false, "Disable config hot reload")
	flag.Parse()

	// Handle SHARDGATE_PORT env if -port flag not set
	if *port == 0 {
		if envPort := os.Getenv("SHARDGATE_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*port = p
			}
		}
	}

	var cfg *config.Config
	if *confFile != "" {
		var err error
		cfg, err = config.Load(*confFile)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Printf("Loaded config from %s", *confFile)
	} else {
		cfg = config.Default()
	}

	// Flags override config file values.
	if *port != 0 {
		cfg.Port = *port
	}
	if *boltPath != "" {
		cfg.BoltPath = *boltPath
	}
	if *sqlPath != "" {
		cfg.SQLPath = *sqlPath
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = filepath.Join(cfg.DataDir, "accounts.db")
	}
	if cfg.TLS && cfg.TLSPort == 0 {
		cfg.TLSPort = cfg.Port + 1
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Error creating data dir: %v", err)
	}

	bus := events.NewBus()
	gate := server.NewGate(cfg, bus)

	// Persistent account store.
	store, err := accountstore.Open(cfg.BoltPath)
	if err != nil {
		log.Fatalf("Error opening account database: %v", err)
	}
	defer store.Close()
	gate.Store = store
	gate.Total.Exceptions = store

	n, err := store.LoadAccounts(gate.Accounts)
	if err != nil {
		log.Fatalf("Error loading accounts: %v", err)
	}
	log.Printf("Loaded %d accounts from %s", n, cfg.BoltPath)

	// Firewall, persisted alongside the accounts.
	entries, err := store.FirewallEntries()
	if err != nil {
		log.Fatalf("Error loading firewall: %v", err)
	}
	fw, errs := firewall.New(entries, store.SaveFirewall)
	for _, e := range errs {
		log.Printf("WARNING: %v", e)
	}
	gate.Firewall = fw
	log.Printf("Firewall loaded: %d entries", len(fw.Entries()))

	// Optional SQLite mirror for operator queries.
	if cfg.SQLPath != "" {
		mirror, err := sqlmirror.Open(cfg.SQLPath)
		if err != nil {
			log.Printf("WARNING: failed to open SQL mirror %s: %v", cfg.SQLPath, err)
		} else {
			defer mirror.Close()
			gate.Mirror = mirror
			bus.Subscribe(mirror)
			if cfg.DecisionRetentionHours > 0 {
				retention := time.Duration(cfg.DecisionRetentionHours) * time.Hour
				stop := mirror.StartRetention(retention, time.Hour)
				defer stop()
			}
			log.Printf("SQL mirror enabled: %s", cfg.SQLPath)
		}
	}

	// Optional background address enrichment.
	if cfg.IPInfoURL != "" {
		svc := ipinfo.New(cfg.IPInfoURL)
		svc.Start()
		defer svc.Stop()
		gate.IPInfo = svc
		gate.Arbiter.SetExitNodeSource(svc)
		log.Printf("IP enrichment enabled: %s", cfg.IPInfoURL)
	}

	// Config hot reload: only the limits are applied live.
	if *confFile != "" && !*noWatch {
		stop, err := config.Watch(*confFile, func(next *config.Config) {
			gate.ApplyLimits(next.Limits)
		})
		if err != nil {
			log.Printf("WARNING: config watch disabled: %v", err)
		} else {
			defer stop()
			log.Printf("Watching %s for limit changes", *confFile)
		}
	}

	srv := server.NewServer(cfg, gate)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down", sig)
		srv.Stop()
	}()

	if cfg.TLS {
		log.Printf("Starting %s on port %d (TLS on %d)...", cfg.ShardName, cfg.Port, cfg.TLSPort)
	} else {
		log.Printf("Starting %s on port %d...", cfg.ShardName, cfg.Port)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	fmt.Println("Goodbye.")
}
