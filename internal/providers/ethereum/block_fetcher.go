package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/block"
)

// ethereumBlockFetcher implements block.Fetcher for Ethereum
type ethereumBlockFetcher struct {
	client adapter.EthClient
}

func NewBlockFetcher(client adapter.EthClient) block.Fetcher {
	return &ethereumBlockFetcher{client: client}
}

// FetchLatestBlock fetches the latest block number from Ethereum
func (f *ethereumBlockFetcher) FetchLatestBlock(ctx context.Context) (uint64, error) {
	header, err := f.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	if header == nil || header.Number == nil {
		return 0, errNoHeader
	}
	return header.Number.Uint64(), nil
}

// FetchBlockTimestamp fetches the timestamp for a given block number from its header
func (f *ethereumBlockFetcher) FetchBlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	header, err := f.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get block %d: %w", blockNumber, err)
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("block %d: %w", blockNumber, errNoHeader)
	}
	return time.Unix(int64(header.Time), 0), nil //nolint:gosec,G115
}
