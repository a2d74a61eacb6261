package ethereum_test

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalperguard/resale-guard/internal/domain"
	"github.com/scalperguard/resale-guard/internal/logger"
	"github.com/scalperguard/resale-guard/internal/mocks"
	ethprovider "github.com/scalperguard/resale-guard/internal/providers/ethereum"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

var (
	testAlice = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	testBob   = common.HexToAddress("0x00000000000000000000000000000000000000B2")

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	kycTopic      = crypto.Keccak256Hash([]byte("KYCUpdated(address,bool)"))
)

func TestMain(m *testing.M) {
	// Initialize logger for tests
	err := logger.Initialize(logger.Config{
		Debug: false,
	})
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

// =============================================================================
// Log builders
// =============================================================================

func transferLog(height uint64, index uint, from, to common.Address, tokenID int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(testContract),
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
		BlockNumber: height,
		TxHash:      common.BigToHash(big.NewInt(int64(height*1000) + int64(index))),
		Index:       index,
	}
}

func kycLog(height uint64, index uint, user common.Address, allowed bool) types.Log {
	flag := byte(0)
	if allowed {
		flag = 1
	}
	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{kycTopic, common.BytesToHash(user.Bytes())},
		Data:        common.LeftPadBytes([]byte{flag}, 32),
		BlockNumber: height,
		TxHash:      common.BigToHash(big.NewInt(int64(height*1000) + int64(index))),
		Index:       index,
	}
}

func blockTime(height uint64) time.Time {
	return time.Unix(int64(1_700_000_000+height*12), 0)
}

// testClientMocks contains the mocks behind an ethereum client
type testClientMocks struct {
	ctrl       *gomock.Controller
	ethClient  *mocks.MockEthClient
	timestamps *mocks.MockTimestampProvider
	client     ethprovider.Client
}

func setupClient(t *testing.T) *testClientMocks {
	ctrl := gomock.NewController(t)
	ethClient := mocks.NewMockEthClient(ctrl)
	timestamps := mocks.NewMockTimestampProvider(ctrl)

	client, err := ethprovider.NewClient(ethClient, testContract, timestamps)
	require.NoError(t, err)

	return &testClientMocks{
		ctrl:       ctrl,
		ethClient:  ethClient,
		timestamps: timestamps,
		client:     client,
	}
}

// packResult ABI-encodes a single view function return value
func packResult(t *testing.T, typ string, value interface{}) []byte {
	abiType, err := abi.NewType(typ, "", nil)
	require.NoError(t, err)
	out, err := abi.Arguments{{Type: abiType}}.Pack(value)
	require.NoError(t, err)
	return out
}

func TestNewClient_InvalidContract(t *testing.T) {
	_, err := ethprovider.NewClient(nil, "not-an-address", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestParseEventLog(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()
	ctx := context.Background()

	t.Run("transfer", func(t *testing.T) {
		m.timestamps.EXPECT().BlockTime(gomock.Any(), uint64(12)).Return(blockTime(12), nil)

		event, err := m.client.ParseEventLog(ctx, transferLog(12, 3, testAlice, testBob, 7))
		require.NoError(t, err)
		require.NotNil(t, event)

		assert.Equal(t, domain.EventKindTransfer, event.Kind)
		assert.Equal(t, uint64(12), event.BlockHeight)
		assert.Equal(t, uint(3), event.LogIndex)
		assert.Equal(t, blockTime(12), event.BlockTime)
		require.NotNil(t, event.Transfer)
		assert.Equal(t, domain.Identity(testAlice.Hex()), event.Transfer.From)
		assert.Equal(t, domain.Identity(testBob.Hex()), event.Transfer.To)
		assert.Equal(t, domain.ItemID("7"), event.Transfer.ItemID)
	})

	t.Run("mint from zero address", func(t *testing.T) {
		m.timestamps.EXPECT().BlockTime(gomock.Any(), uint64(2)).Return(blockTime(2), nil)

		event, err := m.client.ParseEventLog(ctx, transferLog(2, 0, common.Address{}, testAlice, 1))
		require.NoError(t, err)
		require.NotNil(t, event)
		assert.True(t, event.Transfer.From.IsZero())
	})

	t.Run("allowlist update", func(t *testing.T) {
		m.timestamps.EXPECT().BlockTime(gomock.Any(), uint64(5)).Return(blockTime(5), nil)

		event, err := m.client.ParseEventLog(ctx, kycLog(5, 1, testBob, true))
		require.NoError(t, err)
		require.NotNil(t, event)

		assert.Equal(t, domain.EventKindAllowlistUpdated, event.Kind)
		require.NotNil(t, event.Allowlist)
		assert.Equal(t, domain.Identity(testBob.Hex()), event.Allowlist.Identity)
		assert.True(t, event.Allowlist.Allowed)
	})

	t.Run("erc20 transfer is skipped", func(t *testing.T) {
		vLog := transferLog(3, 0, testAlice, testBob, 1)
		vLog.Topics = vLog.Topics[:3]

		event, err := m.client.ParseEventLog(ctx, vLog)
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("unknown signature is skipped", func(t *testing.T) {
		vLog := types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))}}

		event, err := m.client.ParseEventLog(ctx, vLog)
		require.NoError(t, err)
		assert.Nil(t, event)
	})

	t.Run("malformed allowlist update", func(t *testing.T) {
		vLog := kycLog(5, 1, testBob, true)
		vLog.Topics = vLog.Topics[:1]

		_, err := m.client.ParseEventLog(ctx, vLog)
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})

	t.Run("timestamp failure", func(t *testing.T) {
		m.timestamps.EXPECT().BlockTime(gomock.Any(), uint64(9)).Return(time.Time{}, errors.New("rpc down"))

		_, err := m.client.ParseEventLog(ctx, transferLog(9, 0, testAlice, testBob, 1))
		assert.Error(t, err)
	})
}

func TestFilterEvents_SortsAndHalvesStep(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()
	ctx := context.Background()

	var calls int
	m.ethClient.EXPECT().
		FilterLogs(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			calls++
			assert.Equal(t, []common.Address{common.HexToAddress(testContract)}, q.Addresses)
			if calls == 1 {
				return nil, errors.New("query returned more than 10000 results")
			}
			return []types.Log{
				transferLog(20, 4, testAlice, testBob, 1),
				kycLog(20, 1, testBob, true),
			}, nil
		}).
		Times(2)
	m.timestamps.EXPECT().BlockTime(gomock.Any(), uint64(20)).Return(blockTime(20), nil).Times(2)

	events, err := m.client.FilterEvents(ctx, 20, 20)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.Position{BlockHeight: 20, LogIndex: 1}, events[0].Position())
	assert.Equal(t, domain.Position{BlockHeight: 20, LogIndex: 4}, events[1].Position())
}

func TestFilterEvents_Error(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	m.ethClient.EXPECT().FilterLogs(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	_, err := m.client.FilterEvents(context.Background(), 1, 10)
	assert.Error(t, err)
}

func TestPolicyConfig(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	results := map[string][]byte{
		"faceValue":           packResult(t, "uint256", big.NewInt(10_000_000_000_000_000)),
		"eventStart":          packResult(t, "uint256", big.NewInt(1_800_000_000)),
		"cooldownSec":         packResult(t, "uint256", big.NewInt(600)),
		"blockBeforeStartSec": packResult(t, "uint256", big.NewInt(3600)),
	}
	selectors := make(map[string]string, len(results))
	for name := range results {
		selectors[string(crypto.Keccak256([]byte(name + "()"))[:4])] = name
	}

	m.ethClient.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		DoAndReturn(func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			name, ok := selectors[string(msg.Data[:4])]
			require.True(t, ok)
			return results[name], nil
		}).
		Times(4)

	cfg, err := m.client.PolicyConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyConfig{
		FaceValue:               "10000000000000000",
		EventStart:              1_800_000_000,
		CooldownSeconds:         600,
		BlockBeforeStartSeconds: 3600,
	}, cfg)
}

func TestLoadState(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	ownerOf := string(crypto.Keccak256([]byte("ownerOf(uint256)"))[:4])
	lastTransferAt := string(crypto.Keccak256([]byte("lastTransferAt(uint256)"))[:4])
	allowedKYC := string(crypto.Keccak256([]byte("allowedKYC(address)"))[:4])

	m.ethClient.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		DoAndReturn(func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
			switch string(msg.Data[:4]) {
			case ownerOf:
				tokenID := new(big.Int).SetBytes(msg.Data[4:36])
				if tokenID.Int64() == 2 {
					return nil, errors.New("execution reverted: ERC721NonexistentToken(2)")
				}
				return packResult(t, "address", testAlice), nil
			case lastTransferAt:
				return packResult(t, "uint256", big.NewInt(1_700_000_100)), nil
			case allowedKYC:
				user := common.BytesToAddress(msg.Data[4:36])
				return packResult(t, "bool", user == testAlice), nil
			}
			t.Fatalf("unexpected call %x", msg.Data[:4])
			return nil, nil
		}).
		AnyTimes()

	state, err := m.client.LoadState(context.Background(),
		[]domain.ItemID{"1", "2"},
		[]domain.Identity{domain.Identity(testAlice.Hex()), domain.Identity(testBob.Hex())})
	require.NoError(t, err)

	owner, ok := state.OwnerOf("1")
	require.True(t, ok)
	assert.Equal(t, domain.Identity(testAlice.Hex()), owner)
	assert.Equal(t, int64(1_700_000_100), state.LastTransferAt("1"))

	_, ok = state.OwnerOf("2")
	assert.False(t, ok)

	assert.True(t, state.IsAllowed(domain.Identity(testAlice.Hex())))
	assert.False(t, state.IsAllowed(domain.Identity(testBob.Hex())))
}

func TestLatestBlock(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	m.ethClient.EXPECT().HeaderByNumber(gomock.Any(), gomock.Nil()).Return(&types.Header{Number: big.NewInt(99)}, nil)

	head, err := m.client.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(99), head)
}

func TestChainID(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	m.ethClient.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(11155111), nil)

	chain, err := m.client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ChainEthereumSepolia, chain)
}

func TestCheckChain(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	m.ethClient.EXPECT().ChainID(gomock.Any()).Return(big.NewInt(11155111), nil).Times(2)

	ctx := context.Background()
	assert.NoError(t, ethprovider.CheckChain(ctx, m.client, ""))
	assert.NoError(t, ethprovider.CheckChain(ctx, m.client, domain.ChainEthereumSepolia))

	err := ethprovider.CheckChain(ctx, m.client, domain.ChainEthereumMainnet)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLatestBlock_NoHeader(t *testing.T) {
	m := setupClient(t)
	defer m.ctrl.Finish()

	m.ethClient.EXPECT().HeaderByNumber(gomock.Any(), gomock.Nil()).Return(nil, nil)

	_, err := m.client.LatestBlock(context.Background())
	assert.Error(t, err)
}
