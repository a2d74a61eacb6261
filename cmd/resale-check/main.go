package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/block"
	"github.com/scalperguard/resale-guard/internal/config"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/preflight"
	"github.com/scalperguard/resale-guard/internal/providers/ethereum"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
	from       = flag.String("from", "", "Sender identity")
	to         = flag.String("to", "", "Recipient identity")
	itemID     = flag.String("item", "", "Item id")
)

func main() {
	flag.Parse()

	if *from == "" || *to == "" || *itemID == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadCheckConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid config: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:           cfg.Debug,
		SentryDSN:       cfg.SentryDSN,
		BreadcrumbLevel: zapcore.InfoLevel,
		Tags: map[string]string{
			"service": "resale-check",
			"chain":   string(cfg.Ethereum.ChainID),
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)

	// Initialize ethereum client
	ethClient, err := adapter.NewEthClientDialer().Dial(ctx, cfg.Ethereum.WebSocketURL)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to dial Ethereum RPC", zap.Error(err), zap.String("websocket_url", cfg.Ethereum.WebSocketURL))
	}
	defer ethClient.Close()

	timestamps, err := block.NewTimestampProvider(ethereum.NewBlockFetcher(ethClient), block.Config{
		TimestampCacheSize: cfg.Ethereum.TimestampCacheSize,
	})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create block timestamp provider", zap.Error(err))
	}

	client, err := ethereum.NewClient(ethClient, cfg.Ethereum.ContractAddress, timestamps)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create ticket contract client", zap.Error(err))
	}
	if err := ethereum.CheckChain(ctx, client, cfg.Ethereum.ChainID); err != nil {
		logger.FatalCtx(ctx, "Node does not serve the configured chain", zap.Error(err))
	}

	result, err := preflight.NewChecker(client, adapter.NewClock()).Check(ctx,
		domain.NormalizeIdentity(*from),
		domain.NormalizeIdentity(*to),
		domain.ItemID(*itemID))
	if err != nil {
		logger.FatalCtx(ctx, "Pre-flight check failed", zap.Error(err))
	}

	out, err := adapter.NewJSON().Marshal(result)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to marshal result", zap.Error(err))
	}
	_, _ = fmt.Fprintln(os.Stdout, string(out))

	if !result.Admitted {
		logger.Flush(2 * time.Second)
		os.Exit(1)
	}
}
