package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/api/server"
	"github.com/scalperguard/resale-guard/internal/config"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/indexer"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/messaging"
	"github.com/scalperguard/resale-guard/internal/providers/ethereum"
	"github.com/scalperguard/resale-guard/internal/providers/jetstream"
	"github.com/scalperguard/resale-guard/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadIndexerConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "resale-indexer",
			"chain":   string(cfg.Ethereum.ChainID),
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Resale Indexer",
		zap.String("contract", cfg.Ethereum.ContractAddress),
		zap.String("store_driver", cfg.Store.Driver))

	// Initialize adapters
	fs := adapter.NewFileSystem()
	jsonAdapter := adapter.NewJSON()
	natsJS := adapter.NewNatsJetStream()
	ethDialer := adapter.NewEthClientDialer()

	// Open the record log
	recordLog, err := store.Open(store.Config{
		Driver:          store.Driver(cfg.Store.Driver),
		Dir:             cfg.Store.Dir,
		SQLitePath:      cfg.Store.SQLitePath,
		DSN:             cfg.Store.Database.DSN(),
		MaxOpenConns:    cfg.Store.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Store.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Store.Database.ConnMaxIdleTime,
	}, fs, jsonAdapter)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to open record log", zap.Error(err), zap.String("driver", cfg.Store.Driver))
	}
	defer func() {
		if err := recordLog.Close(); err != nil {
			logger.Error(err, zap.String("message", "Failed to close record log"))
		}
	}()
	logger.InfoCtx(ctx, "Opened record log", zap.String("driver", cfg.Store.Driver))

	// Initialize NATS publisher
	var publisher messaging.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = jetstream.NewPublisher(jetstream.Config{
			URL:            cfg.NATS.URL,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			Chain:          cfg.Ethereum.ChainID,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, natsJS, jsonAdapter)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create NATS publisher", zap.Error(err), zap.String("url", cfg.NATS.URL))
		}
		defer publisher.Close()
		logger.InfoCtx(ctx, "Connected to NATS JetStream")
	} else {
		logger.WarnCtx(ctx, "NATS URL not configured, records will not be announced")
	}

	// Initialize the ledger event reader
	reader := ethereum.NewReader(ethereum.ReaderConfig{
		URL:                      cfg.Ethereum.WebSocketURL,
		Chain:                    cfg.Ethereum.ChainID,
		StartBlock:               cfg.Ethereum.StartBlock,
		BackfillBlockRange:       cfg.Ethereum.BackfillBlockRange,
		TimestampCacheSize:       cfg.Ethereum.TimestampCacheSize,
		ReconnectInitialInterval: cfg.Ethereum.ReconnectInitialInterval,
		ReconnectMaxInterval:     cfg.Ethereum.ReconnectMaxInterval,
		ReconnectMaxElapsedTime:  cfg.Ethereum.ReconnectMaxElapsedTime,
	}, ethDialer)

	eventIndexer := indexer.NewIndexer(reader, recordLog, publisher, indexer.Config{
		Contract:                  cfg.Ethereum.ContractAddress,
		WriteRetryInitialInterval: cfg.WriteRetry.InitialInterval,
		WriteRetryMaxInterval:     cfg.WriteRetry.MaxInterval,
		WriteRetryMaxElapsedTime:  cfg.WriteRetry.MaxElapsedTime,
	})
	defer eventIndexer.Close()

	errCh := make(chan error, 2)

	// Start the query API
	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(server.Config{
			Debug:        cfg.Debug,
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		}, recordLog)

		go func() {
			if err := srv.Start(); err != nil {
				errCh <- fmt.Errorf("server: %w", err)
			}
		}()
	}

	// Start the indexer under a restart loop
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		if err := supervise(ctx, eventIndexer, cfg.Restart); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("indexer: %w", err)
		}
	}()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.ErrorCtx(ctx, err)
	}
	cancel()

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ErrorCtx(shutdownCtx, err, zap.String("component", "server"))
		}
	}

	// The record log is closed by a deferred call, so the in-flight write
	// must finish first
	<-supervised

	// Use non-context logger for final shutdown message since context is already canceled
	logger.Info("Resale Indexer stopped")
}

// supervise runs the indexer until ctx is cancelled, restarting it after
// failures. Each run resumes from the durable positions of the record log.
// Configuration errors are not retried.
func supervise(ctx context.Context, idx indexer.Indexer, cfg config.RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			started := time.Now()
			err := idx.Run(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if err == nil {
				return nil
			}
			if errors.Is(err, domain.ErrInvalidConfig) {
				return backoff.Permanent(err)
			}
			// a run that made progress for a while starts a fresh schedule
			if time.Since(started) > cfg.MaxInterval {
				b.Reset()
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			logger.WarnCtx(ctx, "Indexer stopped, restarting",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", d))
		},
	)
}
