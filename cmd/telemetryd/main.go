// telemetryd is the robot telemetry ingest and storage daemon.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortyfive/telemetry/internal/archive"
	"github.com/fortyfive/telemetry/internal/blobstore"
	"github.com/fortyfive/telemetry/internal/cache"
	"github.com/fortyfive/telemetry/internal/hotload"
	"github.com/fortyfive/telemetry/internal/ingest"
	"github.com/fortyfive/telemetry/internal/loader"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/metastore"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/router"
	"github.com/fortyfive/telemetry/internal/server"
	"github.com/fortyfive/telemetry/internal/spill"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	token := flag.String("token", "", "auth token (or TELEMETRY_TOKEN env)")
	dbPath := flag.String("db", "", "metastore database path (overrides config)")
	dataDir := flag.String("data", "", "data directory root (overrides blobstore/spill dirs)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	jsonLogs := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logging.Init(level, *jsonLogs)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("telemetryd %s starting...", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No config file found, using defaults")
			cfg = loader.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *noTLS {
		cfg.TLS.CertFile = ""
		cfg.TLS.KeyFile = ""
	}
	if *tlsCert != "" {
		cfg.TLS.CertFile = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLS.KeyFile = *tlsKey
	}
	if *dbPath != "" {
		cfg.Metastore.Path = *dbPath
	}
	if *dataDir != "" {
		cfg.Blobstore.Dir = *dataDir + "/blobs"
		cfg.Spill.Dir = *dataDir + "/spill"
	}

	// Token from flag or env
	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("TELEMETRY_TOKEN")
	}
	if authToken != "" && len(cfg.Auth.Tokens) == 0 {
		cfg.Auth.Tokens = []loader.TokenConfig{{ID: "cli", Token: authToken}}
	}

	// Validate
	if err := loader.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx := context.Background()
	types := registry.New()

	// =========================================================================
	// Initialize Stores (DuckDB metadata + filesystem blobs + spill log)
	// =========================================================================

	log.Printf("Initializing metastore: %s", cfg.Metastore.Path)
	meta, err := metastore.New(loader.ToMetastoreConfig(cfg))
	if err != nil {
		log.Fatalf("Open metastore: %v", err)
	}

	log.Printf("Initializing blobstore: %s", cfg.Blobstore.Dir)
	blobs, err := blobstore.NewFilesystem(cfg.Blobstore.Dir, cfg.Blobstore.SyncWrites)
	if err != nil {
		log.Fatalf("Open blobstore: %v", err)
	}

	spillLog, err := spill.Open(cfg.Spill.Dir, loader.ToSpillOptions(cfg))
	if err != nil {
		log.Fatalf("Open spill log: %v", err)
	}

	// =========================================================================
	// Write Path (router + pipeline)
	// =========================================================================

	rt := router.New(loader.ToRouterConfig(cfg), types, meta, blobs, spillLog)
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("Start router: %v", err)
	}

	pipeline := ingest.New(loader.ToIngestConfig(cfg), types, rt)
	if err := pipeline.Start(ctx); err != nil {
		log.Fatalf("Start pipeline: %v", err)
	}

	// =========================================================================
	// Read Path (tiered cache + hotload orchestrator)
	// =========================================================================

	cacheMgr, err := cache.NewManager(loader.ToCacheConfig(cfg))
	if err != nil {
		log.Fatalf("Create cache: %v", err)
	}
	if err := cacheMgr.Start(ctx); err != nil {
		log.Fatalf("Start cache: %v", err)
	}

	reader := hotload.New(loader.ToHotloadConfig(cfg), cacheMgr, rt)

	// =========================================================================
	// Lifecycle (retention sweeps, tier demotion)
	// =========================================================================

	archiver := archive.New(loader.ToArchiveConfig(cfg), meta, blobs)
	if err := archiver.Start(ctx); err != nil {
		log.Fatalf("Start archiver: %v", err)
	}

	// =========================================================================
	// Create Server
	// =========================================================================

	srv := server.New(loader.ToServerConfig(cfg), pipeline, meta)
	srv.SetReader(reader)

	// Push durable watermarks back to connected producers.
	pipeline.SetAckFunc(srv.DeliverAck)

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("Shutting down...")

		// Stop accepting new producers first.
		srv.Shutdown()

		// Flush pending batches through the router.
		if err := pipeline.Stop(); err != nil {
			log.Printf("Warning: pipeline stop: %v", err)
		}
		if err := rt.Stop(); err != nil {
			log.Printf("Warning: router stop: %v", err)
		}

		archiver.Stop()
		cacheMgr.Stop()

		// Close stores last.
		spillLog.Close()
		meta.Close()
	}()

	// =========================================================================
	// Run
	// =========================================================================

	log.Printf("Listening on %s", cfg.Listen)
	if cfg.WebSocketListen != "" {
		log.Printf("WebSocket ingest on %s", cfg.WebSocketListen)
	}
	if cfg.TLS.CertFile != "" {
		log.Printf("TLS enabled (cert=%s)", cfg.TLS.CertFile)
	}
	log.Printf("Retention: hot=%s, warm=%s, cold=%s",
		cfg.Archive.HotRetention.Duration(),
		cfg.Archive.WarmRetention.Duration(),
		cfg.Archive.ColdRetention.Duration())

	if err := srv.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
