// Package sponsor resolves fee sponsorship for user operations through an ERC-20 token paymaster.
package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"

	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

const modeERC20 = "ERC20"

type tokenInfo struct {
	TokenList       []common.Address `json:"tokenList,omitempty"`
	PreferredToken  *common.Address  `json:"preferredToken,omitempty"`
	FeeTokenAddress *common.Address  `json:"feeTokenAddress,omitempty"`
}

type paymasterContext struct {
	Mode               string    `json:"mode"`
	CalculateGasLimits bool      `json:"calculateGasLimits,omitempty"`
	TokenInfo          tokenInfo `json:"tokenInfo"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *types.RPCError `json:"error"`
}

type sponsorshipResult struct {
	PaymasterAndData     hexutil.Bytes   `json:"paymasterAndData"`
	CallGasLimit         *types.Quantity `json:"callGasLimit"`
	VerificationGasLimit *types.Quantity `json:"verificationGasLimit"`
	PreVerificationGas   *types.Quantity `json:"preVerificationGas"`
}

// Client is a JSON-RPC client for a token paymaster service.
type Client struct {
	http  *resty.Client
	url   string
	reqID uint64
}

// NewClient returns a paymaster client for url.
func NewClient(url string, timeout time.Duration) *Client {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &Client{http: client, url: url}
}

// GetFeeQuotes calls pm_getFeeQuoteOrData in ERC20 mode.
func (c *Client) GetFeeQuotes(ctx context.Context, op *types.UserOperation, tokens []common.Address, preferred common.Address) (*types.FeeQuotesResponse, error) {
	info := tokenInfo{TokenList: tokens}
	if preferred != (common.Address{}) {
		info.PreferredToken = &preferred
	}

	var result types.FeeQuotesResponse
	if err := c.call(ctx, "pm_getFeeQuoteOrData", []interface{}{op, paymasterContext{Mode: modeERC20, TokenInfo: info}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SponsorUserOperation calls pm_sponsorUserOperation for op paying fees in feeToken.
func (c *Client) SponsorUserOperation(ctx context.Context, op *types.UserOperation, feeToken common.Address) (*types.SponsorshipData, error) {
	pmCtx := paymasterContext{
		Mode:               modeERC20,
		CalculateGasLimits: true,
		TokenInfo:          tokenInfo{FeeTokenAddress: &feeToken},
	}

	var result sponsorshipResult
	if err := c.call(ctx, "pm_sponsorUserOperation", []interface{}{op, pmCtx}, &result); err != nil {
		return nil, err
	}
	return &types.SponsorshipData{
		PaymasterAndData:     result.PaymasterAndData,
		CallGasLimit:         result.CallGasLimit.ToInt(),
		VerificationGasLimit: result.VerificationGasLimit.ToInt(),
		PreVerificationGas:   result.PreVerificationGas.ToInt(),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	req := types.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      atomic.AddUint64(&c.reqID, 1),
	}

	var resp rpcResponse
	httpResp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&resp).Post(c.url)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	if httpResp.IsError() {
		return fmt.Errorf("%s request failed with status %d: %s", method, httpResp.StatusCode(), httpResp.String())
	}
	if resp.Error != nil {
		return fmt.Errorf("%s returned error %d: %w", method, resp.Error.Code, resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return fmt.Errorf("%s returned an empty result", method)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
