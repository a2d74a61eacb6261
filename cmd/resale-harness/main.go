package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/config"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/harness"
	"github.com/scalperguard/resale-guard/internal/indexer"
	"github.com/scalperguard/resale-guard/internal/ledger"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/policy"
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
	cfg, err := config.LoadHarnessConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "resale-harness",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)

	var clock adapter.Clock = adapter.NewClock()
	if cfg.SimulatedTime {
		clock = adapter.NewSimulatedClock(time.Now())
	}
	jsonAdapter := adapter.NewJSON()

	retryable := make([]policy.Reason, 0, len(cfg.RetryReasons))
	for _, r := range cfg.RetryReasons {
		reason := policy.Reason(r)
		if reason.Sentinel() == nil {
			logger.FatalCtx(ctx, "Unknown retry reason", zap.String("reason", r))
		}
		retryable = append(retryable, reason)
	}

	deployer := domain.NormalizeIdentity(cfg.Deployer)
	a := domain.NormalizeIdentity(cfg.IdentityA)
	b := domain.NormalizeIdentity(cfg.IdentityB)
	item := domain.ItemID(cfg.ItemID)
	policyCfg := cfg.Policy.Resolve(clock.Now())

	// Deploy the in-process ledger
	l, err := ledger.New(policyCfg, deployer, clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to deploy ledger", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Deployed ledger",
		zap.String("contract", l.Contract()),
		zap.Int64("event_start", policyCfg.EventStart),
		zap.Int64("cooldown_seconds", policyCfg.CooldownSeconds),
		zap.Int64("block_before_start_seconds", policyCfg.BlockBeforeStartSeconds),
		zap.Bool("simulated_time", cfg.SimulatedTime))

	if err := setup(ctx, l, deployer, a, b, item); err != nil {
		logger.FatalCtx(ctx, "Failed to set up ledger", zap.Error(err))
	}

	// Project the ledger into JSONL record logs alongside the run
	var recordLog store.RecordLog
	indexerDone := make(chan error, 1)
	indexerCtx, stopIndexer := context.WithCancel(ctx)
	defer stopIndexer()
	if cfg.OutputDir != "" {
		// ledger heights restart at 1 every run, so older logs would mask the new records
		if err := ensureEmptyDir(cfg.OutputDir); err != nil {
			logger.FatalCtx(ctx, "Refusing to reuse output directory", zap.Error(err), zap.String("dir", cfg.OutputDir))
		}
		recordLog, err = store.NewJSONLStore(store.JSONLConfig{Dir: cfg.OutputDir}, adapter.NewFileSystem(), jsonAdapter)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to open record log", zap.Error(err), zap.String("dir", cfg.OutputDir))
		}
		defer func() {
			if err := recordLog.Close(); err != nil {
				logger.Error(err, zap.String("message", "Failed to close record log"))
			}
		}()

		idx := indexer.NewIndexer(l, recordLog, nil, indexer.Config{Contract: l.Contract()})
		go func() {
			indexerDone <- idx.Run(indexerCtx)
		}()
	}

	h, err := harness.New(l, harness.Config{
		ItemID:     item,
		A:          a,
		B:          b,
		Iterations: cfg.Iterations,
	}, backoff.NewConstantBackOff(cfg.PacingInterval), harness.RetryPolicy{
		Retryable: retryable,
		NewBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = cfg.Retry.InitialInterval
			eb.MaxInterval = cfg.Retry.MaxInterval
			eb.MaxElapsedTime = cfg.Retry.MaxElapsedTime
			// the retry budget is measured in ledger time
			eb.Clock = clock
			eb.Reset()
			return eb
		},
	}, clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create harness", zap.Error(err))
	}

	report, err := h.Run(ctx)
	if err != nil {
		logger.FatalCtx(ctx, "Harness run failed", zap.Error(err))
	}

	if recordLog != nil {
		if err := waitForIndexer(ctx, l, recordLog, indexerDone); err != nil {
			logger.ErrorCtx(ctx, err, zap.String("component", "indexer"))
		} else {
			logger.InfoCtx(ctx, "Record logs written", zap.String("dir", cfg.OutputDir))
		}
		stopIndexer()
	}

	out, err := jsonAdapter.Marshal(report)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to marshal report", zap.Error(err))
	}
	_, _ = fmt.Fprintln(os.Stdout, string(out))

	logger.Info("Resale Harness finished",
		zap.String("run_id", report.RunID),
		zap.Int("admitted", report.Admitted),
		zap.Int("rejected", report.Rejected))
}

// setup allowlists both identities and issues the item to the first one
func setup(ctx context.Context, l *ledger.Ledger, deployer, a, b domain.Identity, item domain.ItemID) error {
	for _, id := range []domain.Identity{a, b} {
		if _, err := l.SetAllowlist(ctx, deployer, id, true); err != nil {
			return fmt.Errorf("failed to allowlist %s: %w", id, err)
		}
	}
	if _, err := l.Mint(ctx, deployer, item, a); err != nil {
		return fmt.Errorf("failed to issue item %s: %w", item, err)
	}
	return nil
}

// waitForIndexer blocks until both record logs hold the ledger's last event of their kind
func waitForIndexer(ctx context.Context, l *ledger.Ledger, log store.RecordLog, done <-chan error) error {
	want := map[domain.EventKind]domain.Position{}
	for _, e := range l.Events(nil) {
		want[e.Kind] = e.Position()
	}

	for {
		caughtUp := true
		for kind, pos := range want {
			last, err := log.LastPosition(ctx, kind)
			if err != nil {
				return err
			}
			if domain.After(last, pos) {
				caughtUp = false
			} else if *last != pos {
				return fmt.Errorf("%s log is at %s, past the ledger's last event %s", kind, last, pos)
			}
		}
		if caughtUp {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err == nil {
				err = errors.New("indexer stopped before catching up")
			}
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ensureEmptyDir accepts a missing or empty directory
func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is not empty (%d entries)", dir, len(entries))
	}
	return nil
}
