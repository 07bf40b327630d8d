// Package account provides smart account handles bound to an authenticated signer and one chain.
package account

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/scroll-tech/go-ethereum/accounts"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// dummyECDSASignature has the shape of a real signature and passes validation during gas estimation.
var dummyECDSASignature = common.FromHex("0x73c3ac716c487ca34bb858247b5ccf1dc354fbaabdd089af3b2ac8e78ba85a4959a2d76250325bd67c11771c31fccda87c33ceec17cc0de912690521bb95ffcb1b")

// ChainBackend is the chain access an account needs.
type ChainBackend interface {
	DeriveAccountAddress(ctx context.Context, owner common.Address, index *big.Int) (common.Address, error)
	CurrentNonce(ctx context.Context, sender common.Address) (*big.Int, error)
	IsDeployed(ctx context.Context, addr common.Address) (bool, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// state is shared by every handle of the same owner on the same chain.
type state struct {
	address common.Address
	nonces  *NonceManager

	mu       sync.Mutex
	deployed bool
}

// Factory opens smart account handles. Opening is idempotent per owner and chain.
type Factory struct {
	cfg        config.ChainConfig
	backend    ChainBackend
	retryDelay time.Duration
	cache      *lru.Cache
	group      singleflight.Group

	// nonce managers outlive cache eviction so in-flight reservations are never forgotten
	nonceMu sync.Mutex
	nonces  map[common.Address]*NonceManager
}

// NewFactory creates a Factory. The chain configuration is validated lazily by Open.
func NewFactory(cfg config.ChainConfig, acctCfg config.AccountConfig, backend ChainBackend) (*Factory, error) {
	size := acctCfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &Factory{
		cfg:        cfg,
		backend:    backend,
		retryDelay: time.Duration(acctCfg.InitRetryDelayMs) * time.Millisecond,
		cache:      cache,
		nonces:     make(map[common.Address]*NonceManager),
	}, nil
}

// Open returns the handle for signer. It fails with *types.AccountInitError when the signer is
// missing, the chain configuration is invalid, or the address cannot be derived after one retry.
func (f *Factory) Open(ctx context.Context, signer identity.Signer) (*Handle, error) {
	if signer == nil {
		return nil, &types.AccountInitError{Err: fmt.Errorf("no authenticated signer")}
	}
	if err := f.cfg.Validate(); err != nil {
		return nil, &types.AccountInitError{Err: fmt.Errorf("invalid chain config: %w", err)}
	}

	owner := signer.Address()
	key := fmt.Sprintf("%d:%s", f.cfg.ChainID, owner.Hex())

	if cached, ok := f.cache.Get(key); ok {
		return f.newHandle(cached.(*state), signer), nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		if cached, ok := f.cache.Get(key); ok {
			return cached, nil
		}
		addr, err := f.derive(ctx, owner)
		if err != nil {
			return nil, err
		}
		st := &state{address: addr, nonces: f.nonceManager(addr)}
		f.cache.Add(key, st)
		log.Info("Smart account opened", "owner", owner.Hex(), "account", addr.Hex(), "chainId", f.cfg.ChainID)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return f.newHandle(v.(*state), signer), nil
}

func (f *Factory) nonceManager(addr common.Address) *NonceManager {
	f.nonceMu.Lock()
	defer f.nonceMu.Unlock()
	m, ok := f.nonces[addr]
	if !ok {
		m = NewNonceManager(addr)
		f.nonces[addr] = m
	}
	return m
}

func (f *Factory) derive(ctx context.Context, owner common.Address) (common.Address, error) {
	index := big.NewInt(f.cfg.AccountSalt)

	addr, err := f.backend.DeriveAccountAddress(ctx, owner, index)
	if err == nil {
		return addr, nil
	}
	log.Warn("Account derivation failed, retrying once", "owner", owner.Hex(), "delay", f.retryDelay, "error", err)

	timer := time.NewTimer(f.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return common.Address{}, &types.AccountInitError{Err: fmt.Errorf("%v: %w", err, ctx.Err())}
	case <-timer.C:
	}

	addr, err = f.backend.DeriveAccountAddress(ctx, owner, index)
	if err != nil {
		return common.Address{}, &types.AccountInitError{Err: err}
	}
	return addr, nil
}

func (f *Factory) newHandle(st *state, signer identity.Signer) *Handle {
	return &Handle{state: st, signer: signer, cfg: f.cfg, backend: f.backend}
}

// Handle is a smart account bound to an authenticated signer on one chain.
type Handle struct {
	*state
	signer  identity.Signer
	cfg     config.ChainConfig
	backend ChainBackend
}

// Address returns the smart account address.
func (h *Handle) Address() common.Address { return h.address }

// Owner returns the signer address that controls the account.
func (h *Handle) Owner() common.Address { return h.signer.Address() }

// ChainID returns the chain the account is bound to.
func (h *Handle) ChainID() *big.Int { return h.cfg.ChainIDBig() }

// EntryPoint returns the EntryPoint the account submits through.
func (h *Handle) EntryPoint() common.Address { return h.cfg.EntryPoint }

// InitCode returns the factory deployment code while the account has no code, else nil.
func (h *Handle) InitCode(ctx context.Context) ([]byte, error) {
	h.state.mu.Lock()
	deployed := h.deployed
	h.state.mu.Unlock()
	if deployed {
		return nil, nil
	}

	deployed, err := h.backend.IsDeployed(ctx, h.address)
	if err != nil {
		return nil, err
	}
	if deployed {
		h.state.mu.Lock()
		h.deployed = true
		h.state.mu.Unlock()
		return nil, nil
	}

	setupData, err := contracts.OwnershipModule.Pack("initForSmartAccount", h.Owner())
	if err != nil {
		return nil, err
	}
	deploy, err := contracts.AccountFactory.Pack("deployCounterFactualAccount", h.cfg.ValidationModule, setupData, big.NewInt(h.cfg.AccountSalt))
	if err != nil {
		return nil, err
	}
	return append(h.cfg.AccountFactory.Bytes(), deploy...), nil
}

// ReserveNonce returns a nonce unique among in-flight operations of this account.
func (h *Handle) ReserveNonce(ctx context.Context) (*big.Int, error) {
	return h.nonces.Reserve(ctx, h.backend.CurrentNonce)
}

// ReleaseNonce gives back a nonce whose operation was never submitted.
func (h *Handle) ReleaseNonce(nonce *big.Int) {
	h.nonces.Release(nonce)
}

// ResetNonces makes the next reservation follow the chain again.
func (h *Handle) ResetNonces() {
	h.nonces.Reset()
}

// UserOpHash returns the hash the account signs for op.
func (h *Handle) UserOpHash(op *types.UserOperation) common.Hash {
	return op.Hash(h.cfg.EntryPoint, h.ChainID())
}

// DummySignature returns a placeholder signature for gas estimation.
func (h *Handle) DummySignature() []byte {
	sig, err := WrapSignature(dummyECDSASignature, h.cfg.ValidationModule)
	if err != nil {
		return dummyECDSASignature
	}
	return sig
}

// Sign signs op in place. The signature is an EIP-191 signature over the userOpHash.
func (h *Handle) Sign(ctx context.Context, op *types.UserOperation) error {
	hash := h.UserOpHash(op)
	sig, err := h.signer.SignHash(ctx, accounts.TextHash(hash.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to sign user operation %s: %w", hash.Hex(), err)
	}
	wrapped, err := WrapSignature(sig, h.cfg.ValidationModule)
	if err != nil {
		return fmt.Errorf("failed to wrap signature: %w", err)
	}
	op.Signature = wrapped
	return nil
}

// SignMessage signs an arbitrary message with the owner key (EIP-191).
func (h *Handle) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return identity.SignMessage(ctx, h.signer, msg)
}

// Balance returns the native balance of the smart account.
func (h *Handle) Balance(ctx context.Context) (*big.Int, error) {
	return h.backend.Balance(ctx, h.address)
}
