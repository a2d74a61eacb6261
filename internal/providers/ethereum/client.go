package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/scalperguard/resale-guard/internal/adapter"
	"github.com/scalperguard/resale-guard/internal/block"
	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/policy"
)

// Event signatures
var (
	// Transfer(address indexed from, address indexed to, uint256 indexed tokenId) - 4 topics
	transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// KYCUpdated(address indexed user, bool allowed)
	kycUpdatedEventSignature = crypto.Keccak256Hash([]byte("KYCUpdated(address,bool)"))
)

// ticketABI is the part of the resale-controlled ticket contract the indexer reads
const ticketABI = `[
	{"type":"function","name":"faceValue","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"eventStart","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"cooldownSec","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"blockBeforeStartSec","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"allowedKYC","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"lastTransferAt","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"KYCUpdated","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"allowed","type":"bool","indexed":false}]}
]`

// errNoHeader is returned when the node answers without a header
var errNoHeader = errors.New("node returned no header")

// defaultLogStepSize is the initial block span of a single eth_getLogs call
const defaultLogStepSize = uint64(100_000)

// Client reads the ticket contract: its policy events and its view functions
//
//go:generate mockgen -source=client.go -destination=../../mocks/ethereum_client.go -package=mocks -mock_names=Client=MockEthereumClient
type Client interface {
	// ChainID returns the CAIP-2 chain of the connected node
	ChainID(ctx context.Context) (domain.Chain, error)

	// LatestBlock returns the current head, bypassing any cache
	LatestBlock(ctx context.Context) (uint64, error)

	// SubscribeLogs subscribes to the contract's policy event logs
	SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)

	// FilterEvents returns the contract's policy events in [fromBlock, toBlock] in ledger order
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.Event, error)

	// ParseEventLog parses a log into a policy event; nil for logs that are not policy events
	ParseEventLog(ctx context.Context, vLog types.Log) (*domain.Event, error)

	// PolicyConfig reads the immutable policy configuration
	PolicyConfig(ctx context.Context) (domain.PolicyConfig, error)

	// OwnerOf returns the owner of an item; false if the item was never issued
	OwnerOf(ctx context.Context, item domain.ItemID) (domain.Identity, bool, error)

	// IsAllowed reads the allowlist flag of an identity
	IsAllowed(ctx context.Context, identity domain.Identity) (bool, error)

	// LastTransferAt reads the epoch of the last admitted transfer of an item
	LastTransferAt(ctx context.Context, item domain.ItemID) (int64, error)

	// LoadState reads the policy state of the given items and identities
	LoadState(ctx context.Context, items []domain.ItemID, identities []domain.Identity) (*policy.State, error)

	// Close closes the connection
	Close()
}

type ethereumClient struct {
	client     adapter.EthClient
	blocks     block.Fetcher
	contract   common.Address
	abi        abi.ABI
	timestamps block.TimestampProvider
	stepSize   uint64
}

// NewClient creates a client for the ticket contract at contractAddress
func NewClient(client adapter.EthClient, contractAddress string, timestamps block.TimestampProvider) (Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("%w: invalid contract address %q", domain.ErrInvalidConfig, contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(ticketABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &ethereumClient{
		client:     client,
		blocks:     NewBlockFetcher(client),
		contract:   common.HexToAddress(contractAddress),
		abi:        parsed,
		timestamps: timestamps,
		stepSize:   defaultLogStepSize,
	}, nil
}

func (c *ethereumClient) query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{
				transferEventSignature,
				kycUpdatedEventSignature,
			},
		},
	}
}

// ChainID returns the CAIP-2 chain of the connected node
func (c *ethereumClient) ChainID(ctx context.Context) (domain.Chain, error) {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chain id: %w", err)
	}
	return domain.Chain(fmt.Sprintf("eip155:%s", id.String())), nil
}

// LatestBlock returns the current head
func (c *ethereumClient) LatestBlock(ctx context.Context) (uint64, error) {
	return c.blocks.FetchLatestBlock(ctx)
}

// SubscribeLogs subscribes to new policy event logs of the contract
func (c *ethereumClient) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.client.SubscribeFilterLogs(ctx, c.query(), ch)
}

// FilterEvents fetches and parses the policy events of a block range
func (c *ethereumClient) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.Event, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	query := c.query()
	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(toBlock)

	logs, err := c.getLogsWithRetry(ctx, query, c.stepSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs for range %d-%d: %w", fromBlock, toBlock, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]domain.Event, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		event, err := c.ParseEventLog(ctx, vLog)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidEvent) {
				logger.ErrorCtx(ctx, err, zap.String("txHash", vLog.TxHash.Hex()), zap.Uint("logIndex", vLog.Index))
				continue
			}
			return nil, err
		}
		if event == nil {
			continue
		}
		events = append(events, *event)
	}
	return events, nil
}

// getLogsWithRetry processes the range from query.FromBlock to query.ToBlock in
// chunks, halving the chunk when the node reports too many results
func (c *ethereumClient) getLogsWithRetry(ctx context.Context, query ethereum.FilterQuery, stepSize uint64) ([]types.Log, error) {
	currentStepSize := stepSize

	var allLogs []types.Log
	currentFrom := new(big.Int).Set(query.FromBlock)

	for currentFrom.Cmp(query.ToBlock) <= 0 {
		currentTo := new(big.Int).Add(currentFrom, new(big.Int).SetUint64(currentStepSize-1))
		if currentTo.Cmp(query.ToBlock) > 0 {
			currentTo.Set(query.ToBlock)
		}

		queryCopy := query
		queryCopy.FromBlock = new(big.Int).Set(currentFrom)
		queryCopy.ToBlock = new(big.Int).Set(currentTo)

		logs, err := c.client.FilterLogs(ctx, queryCopy)
		if err == nil {
			allLogs = append(allLogs, logs...)
			currentFrom.SetUint64(currentTo.Uint64() + 1)
			continue
		}

		if !isTooManyResultsError(err) || currentStepSize == 1 {
			return nil, err
		}

		currentStepSize = currentStepSize / 2

		logger.WarnCtx(ctx, "Too many results, reducing step size",
			zap.Uint64("oldStepSize", currentStepSize*2),
			zap.Uint64("newStepSize", currentStepSize),
			zap.Uint64("fromBlock", currentFrom.Uint64()),
			zap.Uint64("toBlock", currentTo.Uint64()))
	}

	return allLogs, nil
}

// isTooManyResultsError checks if the error is related to too many results
func isTooManyResultsError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "query returned more than 10000 results") ||
		strings.Contains(errStr, "query timeout exceeded") ||
		strings.Contains(errStr, "too many results") ||
		strings.Contains(errStr, "exceeded maximum")
}

// isRevertError checks if a contract call failed because the contract reverted
func isRevertError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "execution reverted")
}

// ParseEventLog parses a contract log into a policy event
func (c *ethereumClient) ParseEventLog(ctx context.Context, vLog types.Log) (*domain.Event, error) {
	if len(vLog.Topics) == 0 {
		return nil, nil
	}

	event := &domain.Event{
		Contract:       vLog.Address.Hex(),
		BlockHeight:    vLog.BlockNumber,
		TransactionRef: vLog.TxHash.Hex(),
		LogIndex:       vLog.Index,
	}

	switch vLog.Topics[0] {
	case transferEventSignature:
		// ERC20 transfers share the signature but carry 3 topics
		if len(vLog.Topics) != 4 {
			logger.DebugCtx(ctx, "Skipping non-ERC721 transfer event",
				zap.String("contract", vLog.Address.Hex()),
				zap.String("txHash", vLog.TxHash.Hex()))
			return nil, nil
		}

		event.Kind = domain.EventKindTransfer
		event.Transfer = &domain.TransferPayload{
			From:   domain.Identity(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex()),
			To:     domain.Identity(common.BytesToAddress(vLog.Topics[2].Bytes()).Hex()),
			ItemID: domain.ItemID(new(big.Int).SetBytes(vLog.Topics[3].Bytes()).String()),
		}

	case kycUpdatedEventSignature:
		if len(vLog.Topics) != 2 {
			return nil, fmt.Errorf("%w: KYCUpdated expects 2 topics, got %d", domain.ErrInvalidEvent, len(vLog.Topics))
		}
		values, err := c.abi.Unpack("KYCUpdated", vLog.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to unpack KYCUpdated data: %v", domain.ErrInvalidEvent, err)
		}
		allowed, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("%w: KYCUpdated allowed is not a bool", domain.ErrInvalidEvent)
		}

		event.Kind = domain.EventKindAllowlistUpdated
		event.Allowlist = &domain.AllowlistPayload{
			Identity: domain.Identity(common.BytesToAddress(vLog.Topics[1].Bytes()).Hex()),
			Allowed:  allowed,
		}

	default:
		return nil, nil
	}

	blockTime, err := c.timestamps.BlockTime(ctx, vLog.BlockNumber)
	if err != nil {
		return nil, err
	}
	event.BlockTime = blockTime

	return event, nil
}

// call packs and executes a view function against the latest state
func (c *ethereumClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	values, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(values))
	}
	return values, nil
}

func (c *ethereumClient) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return v, nil
}

func (c *ethereumClient) callInt64(ctx context.Context, method string, args ...interface{}) (int64, error) {
	v, err := c.callUint(ctx, method, args...)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%s result %s overflows int64", method, v)
	}
	return v.Int64(), nil
}

func parseItemID(item domain.ItemID) (*big.Int, error) {
	id, ok := new(big.Int).SetString(string(item), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid item id: %s", item)
	}
	return id, nil
}

// PolicyConfig reads the resale policy parameters fixed at deployment
func (c *ethereumClient) PolicyConfig(ctx context.Context) (domain.PolicyConfig, error) {
	faceValue, err := c.callUint(ctx, "faceValue")
	if err != nil {
		return domain.PolicyConfig{}, err
	}
	eventStart, err := c.callInt64(ctx, "eventStart")
	if err != nil {
		return domain.PolicyConfig{}, err
	}
	cooldown, err := c.callInt64(ctx, "cooldownSec")
	if err != nil {
		return domain.PolicyConfig{}, err
	}
	blockBefore, err := c.callInt64(ctx, "blockBeforeStartSec")
	if err != nil {
		return domain.PolicyConfig{}, err
	}

	cfg := domain.PolicyConfig{
		FaceValue:               faceValue.String(),
		EventStart:              eventStart,
		CooldownSeconds:         cooldown,
		BlockBeforeStartSeconds: blockBefore,
	}
	if err := cfg.Validate(); err != nil {
		return domain.PolicyConfig{}, err
	}
	return cfg, nil
}

// OwnerOf reads the owner of an item. ownerOf reverts for items that were never issued.
func (c *ethereumClient) OwnerOf(ctx context.Context, item domain.ItemID) (domain.Identity, bool, error) {
	id, err := parseItemID(item)
	if err != nil {
		return "", false, err
	}

	values, err := c.call(ctx, "ownerOf", id)
	if err != nil {
		if isRevertError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return "", false, fmt.Errorf("unexpected ownerOf result type %T", values[0])
	}
	if owner == (common.Address{}) {
		return "", false, nil
	}
	return domain.Identity(owner.Hex()), true, nil
}

// IsAllowed reads the allowlist flag of an identity
func (c *ethereumClient) IsAllowed(ctx context.Context, identity domain.Identity) (bool, error) {
	if !common.IsHexAddress(string(identity)) {
		return false, fmt.Errorf("invalid identity: %s", identity)
	}

	values, err := c.call(ctx, "allowedKYC", common.HexToAddress(string(identity)))
	if err != nil {
		return false, err
	}
	allowed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected allowedKYC result type %T", values[0])
	}
	return allowed, nil
}

// LastTransferAt reads the last admitted transfer epoch of an item
func (c *ethereumClient) LastTransferAt(ctx context.Context, item domain.ItemID) (int64, error) {
	id, err := parseItemID(item)
	if err != nil {
		return 0, err
	}
	return c.callInt64(ctx, "lastTransferAt", id)
}

// LoadState reads enough ledger state to evaluate proposals about the given
// items and identities
func (c *ethereumClient) LoadState(ctx context.Context, items []domain.ItemID, identities []domain.Identity) (*policy.State, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	state := policy.NewState()
	for _, item := range items {
		owner, issued, err := c.OwnerOf(ctx, item)
		if err != nil {
			return nil, err
		}
		if !issued {
			continue
		}
		last, err := c.LastTransferAt(ctx, item)
		if err != nil {
			return nil, err
		}
		state.Restore(item, policy.ItemState{Owner: owner, LastTransferAt: last})
	}

	for _, identity := range identities {
		allowed, err := c.IsAllowed(ctx, identity)
		if err != nil {
			return nil, err
		}
		state.SetAllowlist(identity, allowed)
	}

	return state, nil
}

// Close closes the connection
func (c *ethereumClient) Close() {
	c.client.Close()
}
