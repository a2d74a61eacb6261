package block

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/logger"
)

// DefaultTimestampCacheSize is used when Config.TimestampCacheSize is not set
const DefaultTimestampCacheSize = 4096

// TimestampProvider provides cached access to block timestamps. Timestamps of
// committed blocks never change, so entries are only evicted for size.
//
//go:generate mockgen -source=block.go -destination=../mocks/block_provider.go -package=mocks -mock_names=TimestampProvider=MockTimestampProvider
type TimestampProvider interface {
	// BlockTime returns the timestamp of a block, potentially from cache
	BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// Fetcher is the interface for fetching block information from the ledger
//
//go:generate mockgen -source=block.go -destination=../mocks/block_provider.go -package=mocks -mock_names=Fetcher=MockBlockFetcher
type Fetcher interface {
	// FetchLatestBlock fetches the latest block number, bypassing any cache
	FetchLatestBlock(ctx context.Context) (uint64, error)

	// FetchBlockTimestamp fetches the timestamp for a given block number
	FetchBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)
}

// Config holds configuration for the TimestampProvider
type Config struct {
	// TimestampCacheSize bounds the number of cached block timestamps
	TimestampCacheSize int
}

type timestampProvider struct {
	fetcher Fetcher
	cache   *lru.Cache[uint64, time.Time]
}

// NewTimestampProvider creates a TimestampProvider with an LRU cache
func NewTimestampProvider(fetcher Fetcher, cfg Config) (TimestampProvider, error) {
	size := cfg.TimestampCacheSize
	if size <= 0 {
		size = DefaultTimestampCacheSize
	}
	cache, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create block timestamp cache: %w", err)
	}
	return &timestampProvider{fetcher: fetcher, cache: cache}, nil
}

// BlockTime returns the timestamp for a given block number, using cache if present
func (p *timestampProvider) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if ts, ok := p.cache.Get(blockNumber); ok {
		return ts, nil
	}

	logger.DebugCtx(ctx, "Fetching block timestamp from ledger", zap.Uint64("block_number", blockNumber))
	ts, err := p.fetcher.FetchBlockTimestamp(ctx, blockNumber)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch block timestamp for block %d: %w", blockNumber, err)
	}

	p.cache.Add(blockNumber, ts)
	return ts, nil
}
