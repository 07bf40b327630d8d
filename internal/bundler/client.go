// Package bundler is a JSON-RPC client for ERC-4337 bundlers.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"
	"github.com/scroll-tech/go-ethereum/log"
	"github.com/scroll-tech/go-ethereum/rpc"

	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *types.Quantity `json:"preVerificationGas"`
	VerificationGasLimit *types.Quantity `json:"verificationGasLimit"`
	CallGasLimit         *types.Quantity `json:"callGasLimit"`
}

// UserOperationReceipt is the result of eth_getUserOperationReceipt.
type UserOperationReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *types.Quantity `json:"nonce"`
	Paymaster     common.Address  `json:"paymaster"`
	ActualGasCost *types.Quantity `json:"actualGasCost"`
	ActualGasUsed *types.Quantity `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason"`
	Receipt       struct {
		TransactionHash common.Hash     `json:"transactionHash"`
		BlockHash       common.Hash     `json:"blockHash"`
		BlockNumber     *types.Quantity `json:"blockNumber"`
	} `json:"receipt"`
}

// BlockNumber returns the inclusion block, or 0 if unknown.
func (r *UserOperationReceipt) BlockNumber() uint64 {
	if r.Receipt.BlockNumber == nil {
		return 0
	}
	return r.Receipt.BlockNumber.ToInt().Uint64()
}

// UserOperationByHash is the result of eth_getUserOperationByHash.
type UserOperationByHash struct {
	UserOperation   *types.UserOperation `json:"userOperation"`
	EntryPoint      common.Address       `json:"entryPoint"`
	TransactionHash common.Hash          `json:"transactionHash"`
	BlockHash       common.Hash          `json:"blockHash"`
	BlockNumber     *types.Quantity      `json:"blockNumber"`
}

// Client talks to one bundler endpoint.
type Client struct {
	rpc        *rpc.Client
	entryPoint common.Address
}

// Dial connects to the bundler at url.
func Dial(ctx context.Context, url string, entryPoint common.Address) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bundler %s: %w", url, err)
	}
	return &Client{rpc: c, entryPoint: entryPoint}, nil
}

// Close closes the connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// EntryPoint returns the EntryPoint operations are sent to.
func (c *Client) EntryPoint() common.Address {
	return c.entryPoint
}

// SendUserOperation submits op. A JSON-RPC error from the bundler is returned as
// *types.SubmissionRejected carrying the bundler's message; transport failures are returned as is.
func (c *Client) SendUserOperation(ctx context.Context, op *types.UserOperation) (common.Hash, error) {
	var hash common.Hash
	err := c.rpc.CallContext(ctx, &hash, "eth_sendUserOperation", op, c.entryPoint)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return common.Hash{}, &types.SubmissionRejected{Reason: rejectionReason(rpcErr), Err: err}
		}
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation failed: %w", err)
	}
	log.Debug("User operation sent", "userOpHash", hash.Hex(), "sender", op.Sender.Hex(), "nonce", op.Nonce)
	return hash, nil
}

// EstimateUserOperationGas asks the bundler for gas limits of op (which must carry a dummy signature).
func (c *Client) EstimateUserOperationGas(ctx context.Context, op *types.UserOperation) (*GasEstimate, error) {
	var est GasEstimate
	if err := c.rpc.CallContext(ctx, &est, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas failed: %w", err)
	}
	if est.CallGasLimit == nil || est.VerificationGasLimit == nil || est.PreVerificationGas == nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas returned incomplete limits")
	}
	return &est, nil
}

// GetUserOperationReceipt returns the receipt of hash, or nil if not yet mined.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := c.rpc.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationReceipt failed: %w", err)
	}
	return receipt, nil
}

// GetUserOperationByHash returns the operation known to the bundler for hash, or nil.
func (c *Client) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var result *UserOperationByHash
	if err := c.rpc.CallContext(ctx, &result, "eth_getUserOperationByHash", hash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationByHash failed: %w", err)
	}
	return result, nil
}

// SupportedEntryPoints lists the EntryPoints the bundler accepts.
func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := c.rpc.CallContext(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, fmt.Errorf("eth_supportedEntryPoints failed: %w", err)
	}
	return entryPoints, nil
}

// CheckEntryPoint fails if the bundler does not serve the configured EntryPoint.
func (c *Client) CheckEntryPoint(ctx context.Context) error {
	entryPoints, err := c.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range entryPoints {
		if ep == c.entryPoint {
			log.Info("Bundler entry point verified", "entryPoint", ep.Hex())
			return nil
		}
	}
	return fmt.Errorf("bundler does not support entry point %s", c.entryPoint.Hex())
}

// ChainID returns the chain id the bundler serves.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.rpc.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId failed: %w", err)
	}
	return (*big.Int)(&result), nil
}

func rejectionReason(err rpc.Error) string {
	reason := err.Error()
	if dataErr, ok := err.(rpc.DataError); ok && dataErr.ErrorData() != nil {
		reason = fmt.Sprintf("%s (data: %v)", reason, dataErr.ErrorData())
	}
	return reason
}
