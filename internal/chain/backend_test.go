package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
	"github.com/scroll-tech/aa-orchestrator/internal/utils/rpctest"
)

var (
	testOwner   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testAccount = common.HexToAddress("0x2a6e9Bd9E5D2a1E0Dc0c6aD0F5aA8cD6a6F2b7C1")
)

func testChainConfig(url string) config.ChainConfig {
	return config.ChainConfig{
		ChainID:          84532,
		RPCURL:           url,
		BundlerURL:       url,
		EntryPoint:       common.HexToAddress(types.EntryPointV06Address),
		AccountFactory:   common.HexToAddress("0x000000a56Aaca3e9a4C479ea6b6CD0DbcB6634F5"),
		ValidationModule: common.HexToAddress("0x0000001c5b32F37F5beA87BDD5374eB2aC54eA8e"),
	}
}

type callArgs struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
	// newer clients send "input"
	Input hexutil.Bytes `json:"input"`
}

func decodeCall(t *testing.T, params json.RawMessage) callArgs {
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(params, &raw))
	var args callArgs
	require.NoError(t, json.Unmarshal(raw[0], &args))
	if len(args.Data) == 0 {
		args.Data = args.Input
	}
	return args
}

func testHeader(baseFee *big.Int) map[string]interface{} {
	header := map[string]interface{}{
		"parentHash":       common.Hash{}.Hex(),
		"sha3Uncles":       common.Hash{}.Hex(),
		"miner":            common.Address{}.Hex(),
		"stateRoot":        common.Hash{}.Hex(),
		"transactionsRoot": common.Hash{}.Hex(),
		"receiptsRoot":     common.Hash{}.Hex(),
		"logsBloom":        hexutil.Encode(make([]byte, 256)),
		"difficulty":       "0x0",
		"number":           "0x10",
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        "0x65f00000",
		"extraData":        "0x",
		"mixHash":          common.Hash{}.Hex(),
		"nonce":            "0x0000000000000000",
		"hash":             common.Hash{}.Hex(),
	}
	if baseFee != nil {
		header["baseFeePerGas"] = hexutil.EncodeBig(baseFee)
	}
	return header
}

func TestDeriveAccountAddress(t *testing.T) {
	srv := rpctest.NewServer(t)
	cfg := testChainConfig(srv.URL)

	srv.Handle("eth_call", func(params json.RawMessage) (interface{}, *types.RPCError) {
		args := decodeCall(t, params)
		assert.Equal(t, cfg.AccountFactory, args.To)

		method, err := contracts.AccountFactory.MethodById(args.Data[:4])
		require.NoError(t, err)
		assert.Equal(t, "getAddressForCounterFactualAccount", method.Name)

		inputs, err := method.Inputs.Unpack(args.Data[4:])
		require.NoError(t, err)
		assert.Equal(t, cfg.ValidationModule, inputs[0].(common.Address))
		assert.Equal(t, int64(0), inputs[2].(*big.Int).Int64())

		return hexutil.Encode(common.LeftPadBytes(testAccount.Bytes(), 32)), nil
	})

	backend, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()

	addr, err := backend.DeriveAccountAddress(context.Background(), testOwner, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, testAccount, addr)

	t.Run("zero address is an error", func(t *testing.T) {
		srv.Result("eth_call", hexutil.Encode(make([]byte, 32)))
		_, err := backend.DeriveAccountAddress(context.Background(), testOwner, big.NewInt(0))
		assert.Error(t, err)
	})
}

func TestCurrentNonce(t *testing.T) {
	srv := rpctest.NewServer(t)
	cfg := testChainConfig(srv.URL)

	srv.Handle("eth_call", func(params json.RawMessage) (interface{}, *types.RPCError) {
		args := decodeCall(t, params)
		assert.Equal(t, cfg.EntryPoint, args.To)
		return hexutil.Encode(common.LeftPadBytes(big.NewInt(42).Bytes(), 32)), nil
	})

	backend, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()

	nonce, err := backend.CurrentNonce(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(42), nonce.Int64())
}

func TestChainReads(t *testing.T) {
	srv := rpctest.NewServer(t)
	cfg := testChainConfig(srv.URL)

	srv.Result("eth_chainId", "0x14a34")
	srv.Result("eth_blockNumber", "0x10")
	srv.Result("eth_getBalance", "0xde0b6b3a7640000")
	srv.Handle("eth_getCode", func(params json.RawMessage) (interface{}, *types.RPCError) {
		var raw []interface{}
		require.NoError(t, json.Unmarshal(params, &raw))
		if common.HexToAddress(raw[0].(string)) == testAccount {
			return "0x6080", nil
		}
		return "0x", nil
	})

	backend, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.CheckChainID(context.Background()))

	head, err := backend.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), head)

	balance, err := backend.Balance(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", balance.String())

	deployed, err := backend.IsDeployed(context.Background(), testAccount)
	require.NoError(t, err)
	assert.True(t, deployed)

	deployed, err = backend.IsDeployed(context.Background(), testOwner)
	require.NoError(t, err)
	assert.False(t, deployed)

	t.Run("chain id mismatch", func(t *testing.T) {
		srv.Result("eth_chainId", "0x1")
		assert.Error(t, backend.CheckChainID(context.Background()))
	})
}

func TestSuggestFees(t *testing.T) {
	srv := rpctest.NewServer(t)
	srv.Result("eth_maxPriorityFeePerGas", "0x3b9aca00") // 1 gwei
	srv.Result("eth_getBlockByNumber", testHeader(big.NewInt(5_000_000_000)))

	backend, err := Dial(context.Background(), testChainConfig(srv.URL))
	require.NoError(t, err)
	defer backend.Close()

	maxFee, tip, err := backend.SuggestFees(context.Background())
	require.NoError(t, err)
	// 1.13 gwei is below the 2 gwei floor.
	assert.Equal(t, int64(2_000_000_000), tip.Int64())
	assert.Equal(t, int64(12_000_000_000), maxFee.Int64())
}

func TestComputeFees(t *testing.T) {
	t.Run("buffered tip above floor", func(t *testing.T) {
		maxFee, tip, err := ComputeFees(big.NewInt(10_000_000_000), big.NewInt(1_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, int64(11_300_000_000), tip.Int64())
		assert.Equal(t, int64(13_300_000_000), maxFee.Int64())
	})

	t.Run("legacy chain", func(t *testing.T) {
		maxFee, tip, err := ComputeFees(big.NewInt(3_000_000_000), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, maxFee.Cmp(tip))
		assert.Equal(t, int64(3_390_000_000), tip.Int64())
	})

	t.Run("invalid tip", func(t *testing.T) {
		_, _, err := ComputeFees(nil, nil)
		assert.Error(t, err)
	})
}
