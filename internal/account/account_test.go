package account

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/scroll-tech/go-ethereum/accounts"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testAccount = common.HexToAddress("0x2a6e9Bd9E5D2a1E0Dc0c6aD0F5aA8cD6a6F2b7C1")
	testModule  = common.HexToAddress("0x0000001c5b32F37F5beA87BDD5374eB2aC54eA8e")
	testFactory = common.HexToAddress("0x000000a56Aaca3e9a4C479ea6b6CD0DbcB6634F5")
)

type fakeBackend struct {
	mu          sync.Mutex
	deriveCalls int
	deriveErrs  []error
	nonceCalls  int
	chainNonce  int64
	deployed    bool
}

func (b *fakeBackend) DeriveAccountAddress(_ context.Context, _ common.Address, _ *big.Int) (common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deriveCalls++
	if len(b.deriveErrs) > 0 {
		err := b.deriveErrs[0]
		b.deriveErrs = b.deriveErrs[1:]
		if err != nil {
			return common.Address{}, err
		}
	}
	return testAccount, nil
}

func (b *fakeBackend) CurrentNonce(_ context.Context, _ common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonceCalls++
	return big.NewInt(b.chainNonce), nil
}

func (b *fakeBackend) IsDeployed(_ context.Context, _ common.Address) (bool, error) {
	return b.deployed, nil
}

func (b *fakeBackend) Balance(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		ChainID:          84532,
		RPCURL:           "https://sepolia.base.org",
		BundlerURL:       "https://bundler.example.org",
		EntryPoint:       common.HexToAddress(types.EntryPointV06Address),
		AccountFactory:   testFactory,
		ValidationModule: testModule,
	}
}

func newTestFactory(t *testing.T, backend ChainBackend) *Factory {
	f, err := NewFactory(testChainConfig(), config.AccountConfig{InitRetryDelayMs: 1, CacheSize: 16}, backend)
	require.NoError(t, err)
	return f
}

func newTestSigner(t *testing.T) identity.Signer {
	signer, err := identity.NewPrivateKeySigner(testPrivateKey)
	require.NoError(t, err)
	return signer
}

func TestFactoryOpen(t *testing.T) {
	t.Run("idempotent per signer and chain", func(t *testing.T) {
		backend := &fakeBackend{}
		f := newTestFactory(t, backend)

		h1, err := f.Open(context.Background(), newTestSigner(t))
		require.NoError(t, err)
		h2, err := f.Open(context.Background(), newTestSigner(t))
		require.NoError(t, err)

		assert.Equal(t, testAccount, h1.Address())
		assert.Equal(t, h1.Address(), h2.Address())
		assert.Equal(t, 1, backend.deriveCalls)
	})

	t.Run("concurrent opens derive once", func(t *testing.T) {
		backend := &fakeBackend{}
		f := newTestFactory(t, backend)
		signer := newTestSigner(t)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h, err := f.Open(context.Background(), signer)
				assert.NoError(t, err)
				assert.Equal(t, testAccount, h.Address())
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, backend.deriveCalls)
	})

	t.Run("missing signer", func(t *testing.T) {
		backend := &fakeBackend{}
		_, err := newTestFactory(t, backend).Open(context.Background(), nil)
		assert.True(t, types.IsKind[*types.AccountInitError](err))
		assert.Equal(t, 0, backend.deriveCalls)
	})

	t.Run("invalid chain config", func(t *testing.T) {
		cfg := testChainConfig()
		cfg.BundlerURL = ""
		backend := &fakeBackend{}
		f, err := NewFactory(cfg, config.AccountConfig{}, backend)
		require.NoError(t, err)

		_, err = f.Open(context.Background(), newTestSigner(t))
		assert.True(t, types.IsKind[*types.AccountInitError](err))
		assert.ErrorContains(t, err, "bundler endpoint")
		assert.Equal(t, 0, backend.deriveCalls)
	})

	t.Run("retried once after failure", func(t *testing.T) {
		backend := &fakeBackend{deriveErrs: []error{errors.New("connection reset")}}
		h, err := newTestFactory(t, backend).Open(context.Background(), newTestSigner(t))
		require.NoError(t, err)
		assert.Equal(t, testAccount, h.Address())
		assert.Equal(t, 2, backend.deriveCalls)
	})

	t.Run("surfaced after second failure", func(t *testing.T) {
		backend := &fakeBackend{deriveErrs: []error{errors.New("connection reset"), errors.New("connection reset")}}
		_, err := newTestFactory(t, backend).Open(context.Background(), newTestSigner(t))
		assert.True(t, types.IsKind[*types.AccountInitError](err))
		assert.Equal(t, 2, backend.deriveCalls)
	})
}

func TestReserveNonceConcurrent(t *testing.T) {
	backend := &fakeBackend{chainNonce: 5}
	h, err := newTestFactory(t, backend).Open(context.Background(), newTestSigner(t))
	require.NoError(t, err)

	const n = 64
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces = make(map[int64]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := h.ReserveNonce(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			nonces[nonce.Int64()] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, nonces, n)
	for i := int64(5); i < 5+n; i++ {
		assert.Contains(t, nonces, i)
	}
}

func TestNoncesSurviveEviction(t *testing.T) {
	backend := &fakeBackend{chainNonce: 5}
	f, err := NewFactory(testChainConfig(), config.AccountConfig{InitRetryDelayMs: 1, CacheSize: 1}, backend)
	require.NoError(t, err)

	h, err := f.Open(context.Background(), newTestSigner(t))
	require.NoError(t, err)
	first, err := h.ReserveNonce(context.Background())
	require.NoError(t, err)

	other, err := identity.NewPrivateKeySigner("8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba")
	require.NoError(t, err)
	_, err = f.Open(context.Background(), other)
	require.NoError(t, err)

	h, err = f.Open(context.Background(), newTestSigner(t))
	require.NoError(t, err)
	second, err := h.ReserveNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.Int64())
	assert.Equal(t, int64(6), second.Int64())
}

func TestNonceManager(t *testing.T) {
	chainNonce := big.NewInt(3)
	onChain := func(context.Context, common.Address) (*big.Int, error) { return new(big.Int).Set(chainNonce), nil }
	m := NewNonceManager(testAccount)

	n1, err := m.Reserve(context.Background(), onChain)
	require.NoError(t, err)
	n2, err := m.Reserve(context.Background(), onChain)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n1.Int64())
	assert.Equal(t, int64(4), n2.Int64())

	t.Run("release only the latest reservation", func(t *testing.T) {
		m.Release(n1)
		n3, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n3.Int64())

		m.Release(n3)
		n4, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n4.Int64())
	})

	t.Run("chain ahead wins", func(t *testing.T) {
		chainNonce.SetInt64(10)
		n, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(10), n.Int64())
	})

	t.Run("reset follows the chain", func(t *testing.T) {
		chainNonce.SetInt64(7)
		m.Reset()
		n, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n.Int64())
	})

	t.Run("reset keeps in-flight nonces", func(t *testing.T) {
		m := NewNonceManager(testAccount)
		chainNonce := big.NewInt(5)
		onChain := func(context.Context, common.Address) (*big.Int, error) { return new(big.Int).Set(chainNonce), nil }

		a, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		b, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		m.Release(b)
		m.Reset()
		c, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(5), a.Int64())
		assert.Equal(t, int64(6), c.Int64())

		// once a is mined the chain moves past it
		chainNonce.SetInt64(6)
		m.Release(c)
		m.Reset()
		d, err := m.Reserve(context.Background(), onChain)
		require.NoError(t, err)
		assert.Equal(t, int64(6), d.Int64())
	})

	t.Run("chain error", func(t *testing.T) {
		_, err := m.Reserve(context.Background(), func(context.Context, common.Address) (*big.Int, error) {
			return nil, errors.New("rpc down")
		})
		assert.Error(t, err)
	})
}

func TestCalldataRoundTrip(t *testing.T) {
	token := common.HexToAddress("0x7683022d84f726a96c4a6611cd31dbf5409c0ac9")
	manager := common.HexToAddress("0x96E9fEe2f3dDc81E9F8309D1d50a9bD14158123b")
	approve, err := contracts.ERC20.Pack("approve", manager, big.NewInt(100))
	require.NoError(t, err)

	tests := []struct {
		name  string
		calls []types.Call
	}{
		{"single", []types.Call{types.NewCall(token, approve, nil)}},
		{"single with value", []types.Call{types.NewCall(manager, common.FromHex("0x1234"), big.NewInt(1e18))}},
		{"batch", []types.Call{
			types.NewCall(token, approve, nil),
			types.NewCall(manager, common.FromHex("0xabcdef"), big.NewInt(3)),
			types.NewCall(token, []byte{}, big.NewInt(0)),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeCalls(tt.calls)
			require.NoError(t, err)

			decoded, err := DecodeCalls(data)
			require.NoError(t, err)
			require.Len(t, decoded, len(tt.calls))
			for i, c := range tt.calls {
				assert.Equal(t, c.Target, decoded[i].Target)
				assert.Equal(t, common.Bytes2Hex(c.Data), common.Bytes2Hex(decoded[i].Data))
				assert.Equal(t, 0, c.ValueOrZero().Cmp(decoded[i].ValueOrZero()))
			}
		})
	}

	t.Run("single call uses execute", func(t *testing.T) {
		data, err := EncodeCalls(tests[0].calls)
		require.NoError(t, err)
		assert.Equal(t, contracts.SmartAccount.Methods[executeMethod].ID, data[:4])
	})

	t.Run("empty", func(t *testing.T) {
		_, err := EncodeCalls(nil)
		assert.True(t, types.IsKind[*types.EmptyOperationError](err))
	})

	t.Run("value out of range", func(t *testing.T) {
		tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
		_, err := EncodeCalls([]types.Call{types.NewCall(token, nil, tooBig)})
		assert.Error(t, err)
		_, err = EncodeCalls([]types.Call{types.NewCall(token, nil, big.NewInt(-1))})
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeCalls([]byte{1, 2})
		assert.Error(t, err)
		_, err = DecodeCalls(common.FromHex("0xdeadbeef"))
		assert.Error(t, err)
	})
}

func TestHandleSign(t *testing.T) {
	h, err := newTestFactory(t, &fakeBackend{}).Open(context.Background(), newTestSigner(t))
	require.NoError(t, err)

	op := &types.UserOperation{
		Sender:               h.Address(),
		Nonce:                big.NewInt(1),
		CallData:             common.FromHex("0x1234"),
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	require.NoError(t, h.Sign(context.Background(), op))

	values, err := signatureArgs.Unpack(op.Signature)
	require.NoError(t, err)
	sig := values[0].([]byte)
	assert.Equal(t, testModule, values[1].(common.Address))

	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(h.UserOpHash(op).Bytes()), sig)
	require.NoError(t, err)
	assert.Equal(t, h.Owner(), crypto.PubkeyToAddress(*pub))

	t.Run("dummy signature has the same envelope", func(t *testing.T) {
		values, err := signatureArgs.Unpack(h.DummySignature())
		require.NoError(t, err)
		sig := values[0].([]byte)
		require.Len(t, sig, 65)
		assert.Equal(t, byte(27), sig[64])
		assert.Equal(t, testModule, values[1].(common.Address))
	})
}

func TestHandleInitCode(t *testing.T) {
	backend := &fakeBackend{}
	h, err := newTestFactory(t, backend).Open(context.Background(), newTestSigner(t))
	require.NoError(t, err)

	initCode, err := h.InitCode(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(initCode), 24)
	assert.Equal(t, testFactory.Bytes(), initCode[:20])
	assert.Equal(t, contracts.AccountFactory.Methods["deployCounterFactualAccount"].ID, initCode[20:24])

	backend.deployed = true
	initCode, err = h.InitCode(context.Background())
	require.NoError(t, err)
	assert.Nil(t, initCode)
}
