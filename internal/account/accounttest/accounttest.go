// Package accounttest provides an in-memory chain backend and ready-made handles for tests of
// packages that build on smart accounts.
package accounttest

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// OwnerKey is a well-known development key.
const OwnerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// Account is the address Backend derives for every owner.
var Account = common.HexToAddress("0x2a6e9Bd9E5D2a1E0Dc0c6aD0F5aA8cD6a6F2b7C1")

// Backend is an in-memory account.ChainBackend.
type Backend struct {
	mu         sync.Mutex
	ChainNonce int64
	Deployed   bool
	NativeWei  *big.Int
	NonceErr   error
}

// DeriveAccountAddress implements account.ChainBackend.
func (b *Backend) DeriveAccountAddress(context.Context, common.Address, *big.Int) (common.Address, error) {
	return Account, nil
}

// CurrentNonce implements account.ChainBackend.
func (b *Backend) CurrentNonce(context.Context, common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NonceErr != nil {
		return nil, b.NonceErr
	}
	return big.NewInt(b.ChainNonce), nil
}

// SetChainNonce moves the on-chain nonce, as if operations were mined.
func (b *Backend) SetChainNonce(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ChainNonce = n
}

// IsDeployed implements account.ChainBackend.
func (b *Backend) IsDeployed(context.Context, common.Address) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Deployed, nil
}

// Balance implements account.ChainBackend.
func (b *Backend) Balance(context.Context, common.Address) (*big.Int, error) {
	if b.NativeWei == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b.NativeWei), nil
}

// ChainConfig returns a complete chain configuration pointing at url.
func ChainConfig(url string) config.ChainConfig {
	return config.ChainConfig{
		ChainID:          84532,
		RPCURL:           url,
		BundlerURL:       url,
		PaymasterURL:     url,
		EntryPoint:       common.HexToAddress(types.EntryPointV06Address),
		AccountFactory:   common.HexToAddress(config.DefaultAccountFactory),
		ValidationModule: common.HexToAddress(config.DefaultValidationModule),
	}
}

// Signer returns the signer for OwnerKey.
func Signer(t testing.TB) identity.Signer {
	signer, err := identity.NewPrivateKeySigner(OwnerKey)
	require.NoError(t, err)
	return signer
}

// Handle opens a handle for OwnerKey over backend.
func Handle(t testing.TB, backend account.ChainBackend) *account.Handle {
	factory, err := account.NewFactory(ChainConfig("http://127.0.0.1:8545"), config.AccountConfig{InitRetryDelayMs: 1, CacheSize: 8}, backend)
	require.NoError(t, err)
	h, err := factory.Open(context.Background(), Signer(t))
	require.NoError(t, err)
	return h
}
