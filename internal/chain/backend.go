// Package chain reads account and fee state from the target chain.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/scroll-tech/go-ethereum"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/ethclient"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
)

var (
	minPriorityFee = big.NewInt(2_000_000_000) // 2 gwei
	tipBufferPct   = big.NewInt(13)
)

// Backend implements chain reads over a JSON-RPC node.
type Backend struct {
	client *ethclient.Client
	cfg    config.ChainConfig
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Backend, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc %s: %w", cfg.RPCURL, err)
	}
	return &Backend{client: client, cfg: cfg}, nil
}

// Close closes the underlying RPC client.
func (b *Backend) Close() {
	b.client.Close()
}

// ChainID returns the chain id reported by the node.
func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return b.client.ChainID(ctx)
}

// CheckChainID fails if the node serves a different chain than configured.
func (b *Backend) CheckChainID(ctx context.Context) error {
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain id: %w", err)
	}
	if chainID.Cmp(b.cfg.ChainIDBig()) != 0 {
		return fmt.Errorf("chain ID mismatch: got %s, expected %d", chainID, b.cfg.ChainID)
	}
	log.Info("RPC endpoint verified", "url", b.cfg.RPCURL, "chainId", chainID)
	return nil
}

// DeriveAccountAddress returns the counterfactual smart account address of owner.
func (b *Backend) DeriveAccountAddress(ctx context.Context, owner common.Address, index *big.Int) (common.Address, error) {
	setupData, err := contracts.OwnershipModule.Pack("initForSmartAccount", owner)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack module setup data: %w", err)
	}
	data, err := contracts.AccountFactory.Pack("getAddressForCounterFactualAccount", b.cfg.ValidationModule, setupData, index)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to pack getAddressForCounterFactualAccount: %w", err)
	}

	factory := b.cfg.AccountFactory
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("getAddressForCounterFactualAccount call failed: %w", err)
	}

	values, err := contracts.AccountFactory.Unpack("getAddressForCounterFactualAccount", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack account address: %w", err)
	}
	addr, ok := values[0].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("factory returned no account address for owner %s", owner.Hex())
	}
	return addr, nil
}

// CurrentNonce returns the EntryPoint nonce of sender for key 0.
func (b *Backend) CurrentNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := contracts.EntryPoint.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce: %w", err)
	}

	entryPoint := b.cfg.EntryPoint
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getNonce call failed: %w", err)
	}

	values, err := contracts.EntryPoint.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack nonce: %w", err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce type %T", values[0])
	}
	return nonce, nil
}

// IsDeployed reports whether code exists at addr.
func (b *Backend) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	code, err := b.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

// Balance returns the native balance of addr.
func (b *Backend) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return b.client.BalanceAt(ctx, addr, nil)
}

// TokenBalance returns the ERC-20 balance of addr.
func (b *Backend) TokenBalance(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	data, err := contracts.ERC20.Pack("balanceOf", addr)
	if err != nil {
		return nil, err
	}
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	values, err := contracts.ERC20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balance: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", values[0])
	}
	return balance, nil
}

// BlockNumber returns the latest block number.
func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.client.BlockNumber(ctx)
}

// SuggestFees returns (maxFeePerGas, maxPriorityFeePerGas). The tip carries a 13% buffer with a
// 2 gwei floor, and maxFee leaves room for the base fee to double.
func (b *Backend) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	return ComputeFees(tipCap, header.BaseFee)
}

// ComputeFees derives EIP-1559 fee fields from a suggested tip and the latest base fee (nil on legacy chains).
func ComputeFees(tipCap, baseFee *big.Int) (*big.Int, *big.Int, error) {
	if tipCap == nil || tipCap.Sign() < 0 {
		return nil, nil, fmt.Errorf("invalid tip cap %v", tipCap)
	}

	buffer := new(big.Int).Div(new(big.Int).Mul(tipCap, tipBufferPct), big.NewInt(100))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)
	if maxPriorityFeePerGas.Cmp(minPriorityFee) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minPriorityFee)
	}

	if baseFee == nil {
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas, nil
	}

	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), maxPriorityFeePerGas)
	return maxFeePerGas, maxPriorityFeePerGas, nil
}
