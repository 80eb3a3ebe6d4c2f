// paycoordd runs the coordination core as a standalone process: it composes
// the system from a YAML config, keeps the health loop running, and exits
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	paycoord "github.com/velotra/paycoord"
	"github.com/velotra/paycoord/config"
	"github.com/velotra/paycoord/health"
)

// Build metadata, injected with -ldflags at release time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		dbDriver     = flag.String("db-driver", "", "database driver (e.g. sqlite3)")
		dbDSN        = flag.String("db-dsn", "", "database DSN; empty disables transaction coordination")
		cleanupEvery = flag.Duration("cleanup-interval", 10*time.Minute, "how often to sweep expired idempotency records")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("paycoordd %s (commit %s, built %s, %s %s/%s)\n",
			version, gitCommit, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	} else if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("failed to load config from environment: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Store.Addr})
	defer client.Close()

	var db *sql.DB
	if *dbDSN != "" {
		var err error
		db, err = sql.Open(*dbDriver, *dbDSN)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
	}

	system, err := paycoord.New(cfg, paycoord.Options{Client: client, DB: db})
	if err != nil {
		log.Fatalf("failed to compose coordination core: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system.Start(ctx)
	defer system.Close()

	snapshot := system.HealthCheck(ctx)
	system.Logger.Info("main", "startup", "coordination core running", map[string]interface{}{
		"health":  string(snapshot.Overall),
		"store":   cfg.Store.Addr,
		"version": version,
	})
	if snapshot.Overall != health.StatusHealthy {
		system.Logger.Warn("main", "startup", "starting with degraded health", nil)
	}

	ticker := time.NewTicker(*cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			system.Logger.Info("main", "shutdown", "signal received, shutting down", nil)
			return
		case <-ticker.C:
			cleaned, err := system.Idempotency.CleanupExpired(ctx)
			if err != nil {
				system.Logger.Error("main", "cleanup", "expired record sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}
			if cleaned > 0 {
				system.Logger.Info("main", "cleanup", "expired records removed", map[string]interface{}{
					"cleaned": cleaned,
				})
			}
		}
	}
}
