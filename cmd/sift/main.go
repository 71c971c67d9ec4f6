package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sift/config"
	"github.com/migadu/sift/db"
	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
	"github.com/migadu/sift/pkg/retry"
	"github.com/migadu/sift/ruleset"
	"github.com/migadu/sift/server/delivery"
	"github.com/migadu/sift/server/httpapi"
	"github.com/migadu/sift/server/relayqueue"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sift version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "SIFT: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SIFT: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			f.Close()
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("SIFT filtering engine starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	database, err := connectDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatalf("Database connection failed: %v", err)
	}
	defer database.Close()

	registry, err := buildRegistry(database, &cfg.Engine)
	if err != nil {
		logger.Fatalf("Engine configuration invalid: %v", err)
	}

	pipeline, queueWorker, err := buildPipeline(registry, &cfg)
	if err != nil {
		logger.Fatalf("Relay configuration invalid: %v", err)
	}
	if queueWorker != nil {
		queueWorker.Start(ctx)
		defer queueWorker.Stop()
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registry, time.Minute)
		collector.TrackPool(database)
		collector.Start(ctx)
		defer collector.Stop()
		go serveMetrics(ctx, cfg.Metrics)
	}

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
			Registry:     registry,
			Pipeline:     pipeline,
			Engine:       cfg.Engine,
			TLS:          cfg.HTTPAPI.TLS,
			TLSCertFile:  cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:   cfg.HTTPAPI.TLSKeyFile,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, flushing rule documents...")
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := registry.Close(flushCtx); err != nil {
			logger.Error("Flush on shutdown failed", "error", err)
		}
	case err := <-errChan:
		logger.Fatalf("Server failed: %v", err)
	}
}

func loadConfig(path string, cfg *config.Config) error {
	loaded, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) && path == "config.toml" {
			logger.Infof("WARNING: default configuration file %q not found, using application defaults", path)
			return nil
		}
		return fmt.Errorf("loading configuration %q: %w", path, err)
	}
	*cfg = loaded
	return nil
}

// connectDatabase retries the initial connection: at boot the database is
// often still coming up alongside us.
func connectDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*db.Database, error) {
	var database *db.Database
	err := retry.WithRetry(ctx, func() error {
		var err error
		database, err = db.NewDatabase(ctx, cfg)
		return err
	}, retry.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2,
		MaxRetries:      8,
	})
	return database, err
}

func buildRegistry(database *db.Database, engineCfg *config.EngineConfig) (*ruleset.Registry, error) {
	saveDelay, err := engineCfg.GetSaveDelay()
	if err != nil {
		return nil, fmt.Errorf("invalid save_delay: %w", err)
	}
	return ruleset.NewRegistry(database, ruleset.ManagerOptions{SaveDelay: saveDelay}), nil
}

// buildPipeline wires the delivery context. Without a maildir there is no
// place to file mail, so the delivery hook stays off and the process only
// serves rule management. When the relay is configured a disk queue
// absorbs external forwards; the worker drains it in the background.
func buildPipeline(registry *ruleset.Registry, cfg *config.Config) (*delivery.DeliveryContext, *relayqueue.Worker, error) {
	if cfg.Delivery.MaildirPath == "" {
		logger.Info("Delivery maildir not configured, delivery hook is disabled")
		return nil, nil, nil
	}
	store, err := delivery.NewMaildirStore(cfg.Delivery.MaildirPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening maildir store: %w", err)
	}

	pipeline := &delivery.DeliveryContext{
		Registry:     registry,
		Store:        store,
		MaxBodyBytes: cfg.Engine.GetMaxBodyBytes(),
		MaxHops:      cfg.Relay.GetMaxForwardDepth(),
	}

	if !cfg.Relay.IsConfigured() {
		logger.Info("Relay not configured, forward-to-external is disabled")
		return pipeline, nil, nil
	}

	relayHandler, err := delivery.NewSMTPRelayHandler(&cfg.Relay)
	if err != nil {
		return nil, nil, fmt.Errorf("building relay handler: %w", err)
	}
	pipeline.Relay = relayHandler

	if cfg.Relay.Queue.Path == "" {
		logger.Info("Relay queue not configured, forwards are sent synchronously")
		return pipeline, nil, nil
	}

	backoff, err := cfg.Relay.Queue.GetRetryBackoff()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid retry_backoff: %w", err)
	}
	queue, err := relayqueue.NewDiskQueue(cfg.Relay.Queue.Path, cfg.Relay.Queue.GetMaxAttempts(), backoff)
	if err != nil {
		return nil, nil, fmt.Errorf("opening relay queue: %w", err)
	}
	if recovered, err := queue.Recover(); err != nil {
		logger.Warn("Relay queue recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Infof("Recovered %d stranded relay messages", recovered)
	}
	pipeline.RelayQueue = queue

	interval, err := cfg.Relay.Queue.GetWorkerInterval()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid worker_interval: %w", err)
	}
	worker := relayqueue.NewWorker(queue, relayHandler, interval,
		cfg.Relay.Queue.GetBatchSize(), cfg.Relay.Queue.GetConcurrency())
	return pipeline, worker, nil
}

func serveMetrics(ctx context.Context, cfg config.MetricsConfig) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics: serving Prometheus endpoint", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", "error", err)
	}
}
