// Command server runs the firmware rollout control plane.
//
// # Usage
//
//	server --config /etc/fwrollout/fwrollout.yaml
//	server --database postgres://localhost/fwrollout --listen :8080
//	server --migrate-status
//	server --rotate-signing-key
//
// # Configuration
//
// The server can be configured via:
// - A YAML config file (--config)
// - Environment variables (FWROLLOUT_*, OP_CONNECT_*)
// - Command-line flags, which take precedence
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pilot-net/fwrollout/control-plane/internal/api"
	"github.com/pilot-net/fwrollout/control-plane/internal/cache"
	"github.com/pilot-net/fwrollout/control-plane/internal/catalog"
	"github.com/pilot-net/fwrollout/control-plane/internal/config"
	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/control-plane/internal/notify"
	"github.com/pilot-net/fwrollout/control-plane/internal/rollout"
	"github.com/pilot-net/fwrollout/control-plane/internal/secrets"
	"github.com/pilot-net/fwrollout/control-plane/internal/service"
	"github.com/pilot-net/fwrollout/control-plane/internal/store"
	"github.com/pilot-net/fwrollout/control-plane/internal/worker"
	"github.com/pilot-net/fwrollout/db/migrate"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		listenAddr    = flag.String("listen", "", "HTTP listen address (overrides config)")
		dbURL         = flag.String("database", "", "Database URL (postgres://...)")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		version       = flag.Bool("version", false, "Print version and exit")
		migrateStatus = flag.Bool("migrate-status", false, "Print migration status and exit")
		rotateKey     = flag.Bool("rotate-signing-key", false, "Rotate the URL signing key and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("fwrollout-server v0.1.0")
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if cfg.Server.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if *rotateKey {
		if err := rotateSigningKey(cfg, logger); err != nil {
			logger.Error("key rotation failed", "error", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Connect to database
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.NewStoreFromURL(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if *migrateStatus {
		status, err := migrate.GetStatus(ctx, db.Pool())
		if err != nil {
			logger.Error("reading migration status failed", "error", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return
	}

	if err := migrate.Run(ctx, db.Pool(), logger); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// Redis backs the firmware cache and device notifications
	firmwareCache, err := cache.New(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to connect to redis cache", "error", err)
		os.Exit(1)
	}
	defer firmwareCache.Close()

	publisher, err := notify.NewPublisher(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to connect to redis notifications", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	keys, err := secrets.NewKeyStore(cfg.Secrets, logger)
	if err != nil {
		logger.Error("failed to open key store", "error", err)
		os.Exit(1)
	}
	defer keys.Close()

	signingKey, err := keys.GetOrCreateSigningKey(ctx)
	if err != nil {
		logger.Error("failed to load signing key", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded url signing key", "key_id", signingKey.ID)

	// Resolution pipeline
	firmware := catalog.New(db, firmwareCache, keys, catalog.Options{
		BaseURL:    cfg.Delivery.BaseURL,
		URLTTL:     cfg.Delivery.URLTTL,
		CacheTTL:   cfg.Cache.FirmwareTTL,
		StorageURL: cfg.Delivery.StorageURL,
	}, logger)
	ledger := rollout.NewLedger(db)
	breaker := rollout.NewBreaker(ledger, db, logger)
	resolver := rollout.NewResolver(breaker, firmware, logger)
	engine := rollout.NewEngine(db, resolver, logger)

	dispatcher := worker.NewDispatcher(engine, publisher, db, worker.DispatcherConfig{
		Workers:      cfg.Dispatch.Workers,
		QueueSize:    cfg.Dispatch.QueueSize,
		Timeout:      cfg.Dispatch.Timeout,
		PublishRate:  cfg.Dispatch.PublishRate,
		PublishBurst: cfg.Dispatch.PublishBurst,
	}, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Create service and API
	svc := service.NewService(db, engine, dispatcher, logger)
	collector := metrics.NewCollector(db, publisher)
	var downloads api.DownloadVerifier
	if cfg.Delivery.StorageURL != "" {
		downloads = firmware
	} else {
		logger.Warn("delivery.storage_url not set, firmware downloads disabled")
	}
	apiServer := api.NewServer(svc, collector, downloads, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      apiServer,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	// Start server
	go func() {
		logger.Info("starting server", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rotateSigningKey replaces the current URL signing key. URLs signed with
// the old key keep verifying until the next rotation.
func rotateSigningKey(cfg *config.Config, logger *slog.Logger) error {
	keys, err := secrets.NewKeyStore(cfg.Secrets, logger)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer keys.Close()

	key, err := keys.RotateKey(context.Background())
	if err != nil {
		return err
	}
	logger.Info("rotated url signing key", "key_id", key.ID)
	return nil
}
