// Package operation assembles unsigned user operations from a list of calls.
package operation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/bundler"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// GasEstimator estimates gas limits for an operation carrying a dummy signature.
type GasEstimator interface {
	EstimateUserOperationGas(ctx context.Context, op *types.UserOperation) (*bundler.GasEstimate, error)
}

// FeeSuggester returns (maxFeePerGas, maxPriorityFeePerGas).
type FeeSuggester interface {
	SuggestFees(ctx context.Context) (*big.Int, *big.Int, error)
}

// Builder turns calls into unsigned operations.
type Builder struct {
	estimator GasEstimator
	fees      FeeSuggester
	defaults  config.GasDefaults
}

// NewBuilder returns a new Builder.
func NewBuilder(estimator GasEstimator, fees FeeSuggester, defaults config.GasDefaults) *Builder {
	return &Builder{estimator: estimator, fees: fees, defaults: defaults}
}

// Build returns an unsigned operation executing calls in order. Zero calls fail with
// *types.EmptyOperationError before anything touches the network. On any later failure the
// reserved nonce is released.
func (b *Builder) Build(ctx context.Context, h *account.Handle, calls []types.Call) (*types.UserOperation, error) {
	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return nil, err
	}

	nonce, err := h.ReserveNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve nonce: %w", err)
	}

	op, err := b.build(ctx, h, nonce, callData)
	if err != nil {
		h.ReleaseNonce(nonce)
		return nil, err
	}

	log.Debug("User operation built", "sender", op.Sender.Hex(), "nonce", nonce, "calls", len(calls), "deploy", len(op.InitCode) > 0)
	return op, nil
}

func (b *Builder) build(ctx context.Context, h *account.Handle, nonce *big.Int, callData []byte) (*types.UserOperation, error) {
	initCode, err := h.InitCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get init code: %w", err)
	}

	maxFee, tip, err := b.fees.SuggestFees(ctx)
	if err != nil {
		return nil, err
	}

	op := &types.UserOperation{
		Sender:               h.Address(),
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		PaymasterAndData:     []byte{},
	}
	b.estimate(ctx, h, op)
	return op, nil
}

// Rebuild returns a copy of op whose calls are prefix followed by the calls already in op. Sender,
// nonce, initCode and fees are kept; paymaster data is cleared and gas is estimated again.
func (b *Builder) Rebuild(ctx context.Context, h *account.Handle, op *types.UserOperation, prefix ...types.Call) (*types.UserOperation, error) {
	existing, err := account.DecodeCalls(op.CallData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode operation calls: %w", err)
	}

	calls := make([]types.Call, 0, len(prefix)+len(existing))
	calls = append(calls, prefix...)
	calls = append(calls, existing...)

	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return nil, err
	}

	rebuilt := op.Copy()
	rebuilt.CallData = callData
	rebuilt.PaymasterAndData = []byte{}
	b.estimate(ctx, h, rebuilt)
	return rebuilt, nil
}

// estimate fills the gas limits. When the bundler cannot estimate, the configured defaults are used.
func (b *Builder) estimate(ctx context.Context, h *account.Handle, op *types.UserOperation) {
	verification := b.defaults.VerificationGasLimit
	if len(op.InitCode) > 0 {
		verification = b.defaults.DeploymentVerificationGasLimit
	}
	op.CallGasLimit = new(big.Int).SetUint64(b.defaults.CallGasLimit)
	op.VerificationGasLimit = new(big.Int).SetUint64(verification)
	op.PreVerificationGas = new(big.Int).SetUint64(b.defaults.PreVerificationGas)
	op.Signature = h.DummySignature()

	est, err := b.estimator.EstimateUserOperationGas(ctx, op)
	if err != nil {
		log.Warn("Gas estimation failed, using defaults", "sender", op.Sender.Hex(), "nonce", op.Nonce, "error", err)
		return
	}
	op.CallGasLimit = est.CallGasLimit.ToInt()
	op.VerificationGasLimit = est.VerificationGasLimit.ToInt()
	op.PreVerificationGas = est.PreVerificationGas.ToInt()
}
