package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/account/accounttest"
	"github.com/scroll-tech/aa-orchestrator/internal/bundler"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/operation"
	"github.com/scroll-tech/aa-orchestrator/internal/orm"
	"github.com/scroll-tech/aa-orchestrator/internal/orm/ormtest"
	"github.com/scroll-tech/aa-orchestrator/internal/payment"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

func init() {
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(true))
	handler = log.LvlFilterHandler(log.LvlDebug, handler)
	log.Root().SetHandler(handler)
}

var (
	usdc           = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	tokenPaymaster = common.HexToAddress("0x00000f7365cA6C59A2C93719ad53d567ed49c14C")
	recipient      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	testTxHash     = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000ff")
)

type fakeBundler struct {
	mu           sync.Mutex
	sendErr      error
	sent         []*types.UserOperation
	receiptAfter int
	receipt      *bundler.UserOperationReceipt
	receiptPolls int
	known        bool
}

func (b *fakeBundler) SendUserOperation(_ context.Context, op *types.UserOperation) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return common.Hash{}, b.sendErr
	}
	b.sent = append(b.sent, op.Copy())
	b.known = true
	return op.Hash(common.HexToAddress(types.EntryPointV06Address), big.NewInt(84532)), nil
}

func (b *fakeBundler) GetUserOperationReceipt(_ context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptPolls++
	if b.receipt == nil || b.receiptPolls <= b.receiptAfter {
		return nil, nil
	}
	r := *b.receipt
	r.UserOpHash = hash
	return &r, nil
}

func (b *fakeBundler) GetUserOperationByHash(_ context.Context, _ common.Hash) (*bundler.UserOperationByHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known {
		return nil, nil
	}
	return &bundler.UserOperationByHash{}, nil
}

func (b *fakeBundler) setReceipt(r *bundler.UserOperationReceipt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipt = r
}

func (b *fakeBundler) sentOps() []*types.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.UserOperation(nil), b.sent...)
}

func minedReceipt(block int64, success bool, reason string) *bundler.UserOperationReceipt {
	r := &bundler.UserOperationReceipt{Success: success, Reason: reason}
	r.Receipt.TransactionHash = testTxHash
	r.Receipt.BlockNumber = &types.Quantity{}
	r.Receipt.BlockNumber.SetInt64(block)
	return r
}

type fakeHead struct{ n atomic.Uint64 }

func (h *fakeHead) BlockNumber(context.Context) (uint64, error) { return h.n.Load(), nil }

type fakePaymaster struct {
	mu           sync.Mutex
	quotes       []types.FeeQuote
	quoteCalls   int
	sponsorCalls int
}

func (p *fakePaymaster) GetFeeQuotes(context.Context, *types.UserOperation, []common.Address, common.Address) (*types.FeeQuotesResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCalls++
	return &types.FeeQuotesResponse{Quotes: p.quotes, TokenPaymasterAddress: tokenPaymaster}, nil
}

func (p *fakePaymaster) SponsorUserOperation(context.Context, *types.UserOperation, common.Address) (*types.SponsorshipData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sponsorCalls++
	return &types.SponsorshipData{
		PaymasterAndData:     append(tokenPaymaster.Bytes(), 0x01),
		CallGasLimit:         big.NewInt(120000),
		VerificationGasLimit: big.NewInt(250000),
		PreVerificationGas:   big.NewInt(52000),
	}, nil
}

type noEstimate struct{}

func (noEstimate) EstimateUserOperationGas(context.Context, *types.UserOperation) (*bundler.GasEstimate, error) {
	return nil, errors.New("estimation unavailable")
}

type staticFees struct{}

func (staticFees) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(12e9), big.NewInt(2e9), nil
}

type harness struct {
	orch      *Orchestrator
	handle    *account.Handle
	backend   *accounttest.Backend
	bundler   *fakeBundler
	paymaster *fakePaymaster
	head      *fakeHead
	store     *orm.UserOperationAttempt
}

func newHarness(t *testing.T, depth uint64) *harness {
	backend := &accounttest.Backend{ChainNonce: 7, Deployed: true}
	h := &harness{
		handle:  accounttest.Handle(t, backend),
		backend: backend,
		bundler: &fakeBundler{},
		paymaster: &fakePaymaster{quotes: []types.FeeQuote{{
			Symbol: "USDC", TokenAddress: usdc, Decimal: 6,
			MaxGasFee: decimal.RequireFromString("0.25"), MaxGasFeeUSD: decimal.RequireFromString("0.25"),
		}}},
		head:  &fakeHead{},
		store: orm.NewUserOperationAttempt(ormtest.NewDB(t)),
	}
	h.head.n.Store(100)

	builder := operation.NewBuilder(noEstimate{}, staticFees{}, config.GasDefaults{
		CallGasLimit: 200000, VerificationGasLimit: 1000000, PreVerificationGas: 50000, DeploymentVerificationGasLimit: 3000000,
	})
	reg := prometheus.NewRegistry()
	resolver := sponsor.NewResolver(h.paymaster, builder, reg)
	h.orch = New(builder, resolver, h.bundler, h.head, h.store, config.SubmissionConfig{
		ConfirmationDepth:      depth,
		ConfirmationTimeoutSec: 1,
		PollInitialMs:          5,
		PollMaxMs:              20,
		PollMultiplier:         1.5,
	}, reg)
	return h
}

func transferRequest() Request {
	return Request{
		SessionID: "session",
		Kind:      "transaction",
		Calls:     []types.Call{types.NewCall(recipient, nil, big.NewInt(1))},
		Policy:    sponsor.Policy{PreferredToken: usdc, Selection: config.SelectionFirst},
	}
}

func TestExecutePaymentConfirmed(t *testing.T) {
	h := newHarness(t, 1)
	h.bundler.setReceipt(minedReceipt(100, true, ""))
	h.bundler.receiptAfter = 2

	in := &payment.Input{
		AdminShare:     &types.Quantity{},
		DonationAmount: &types.Quantity{},
		Buyer:          common.HexToAddress("0xD14dc307f52442b6A36432AcA4520B7B07273325"),
		Seller:         common.HexToAddress("0x8982828Ed33DC8cAEeF166eF4aBCB6B46d74b12a"),
		Token:          usdc,
		Sign:           common.FromHex("0x1234"),
	}
	in.AdminShare.SetInt64(5)
	in.DonationAmount.SetInt64(2)
	calls, err := payment.NewBuilder(config.PaymentConfig{ManagerAddress: common.HexToAddress("0x96E9fEe2f3dDc81E9F8309D1d50a9bD14158123b")}).Calls(in)
	require.NoError(t, err)

	res, err := h.orch.Execute(context.Background(), h.handle, Request{SessionID: "s1", Kind: "payment", Calls: calls, Policy: sponsor.Policy{}})
	require.NoError(t, err)

	assert.Equal(t, types.AttemptStateConfirmed.String(), res.State)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, testTxHash, res.Receipt.TransactionHash)
	assert.Equal(t, uint64(1), res.Receipt.Confirmations)
	require.NotNil(t, res.FeeQuote)
	assert.Equal(t, "USDC", res.FeeQuote.Symbol)

	sent := h.bundler.sentOps()
	require.Len(t, sent, 1)
	assert.Equal(t, res.UserOpHash, h.handle.UserOpHash(sent[0]))
	assert.Equal(t, tokenPaymaster, sent[0].PaymasterAddress())
	assert.Equal(t, int64(7), sent[0].Nonce.Int64())
	assert.Equal(t, int64(120000), sent[0].CallGasLimit.Int64())
	assert.NotEqual(t, h.handle.DummySignature(), []byte(sent[0].Signature))

	// fee approval, payment approval, pay
	executed, err := account.DecodeCalls(sent[0].CallData)
	require.NoError(t, err)
	require.Len(t, executed, 3)
	assert.Equal(t, usdc, executed[0].Target)
	assert.Equal(t, usdc, executed[1].Target)
	assert.Equal(t, calls[1].Target, executed[2].Target)

	stored, err := h.store.GetByHash(context.Background(), res.UserOpHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, res.AttemptID, stored.ID)
	assert.Equal(t, types.AttemptStateConfirmed, stored.State)
	assert.Equal(t, "payment", stored.Kind)
	assert.Equal(t, testTxHash.Hex(), stored.TxHash)
	assert.Equal(t, uint64(100), stored.BlockNumber)
	assert.Equal(t, usdc.Hex(), stored.FeeToken)
	assert.Equal(t, "250000", stored.FeeAmount)
}

func TestExecuteRejectedAtSend(t *testing.T) {
	h := newHarness(t, 1)
	h.bundler.sendErr = &types.SubmissionRejected{Reason: "AA33 reverted: paymaster validation failed"}

	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	var rejected *types.SubmissionRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "AA33 reverted: paymaster validation failed", rejected.Reason)
	assert.NotEqual(t, common.Hash{}, rejected.UserOpHash)
	assert.Equal(t, types.AttemptStateRejected.String(), res.State)

	stored, err := h.store.GetByHash(context.Background(), rejected.UserOpHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateRejected, stored.State)
	assert.Equal(t, rejected.Reason, stored.Reason)

	// the nonce is handed out again
	nonce, err := h.handle.ReserveNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())
}

func TestExecuteNonceRejectionKeepsInFlight(t *testing.T) {
	h := newHarness(t, 1)
	held, err := h.handle.ReserveNonce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), held.Int64())

	h.bundler.sendErr = &types.SubmissionRejected{Reason: "AA25 invalid account nonce"}
	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	require.True(t, types.IsKind[*types.SubmissionRejected](err))
	stored, err := h.store.GetByID(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "8", stored.Nonce)

	// the reset follows the chain but never hands out the held nonce
	nonce, err := h.handle.ReserveNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), nonce.Int64())
}

func TestExecuteRevertedOnChain(t *testing.T) {
	h := newHarness(t, 1)
	h.bundler.setReceipt(minedReceipt(99, false, ""))

	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	var rejected *types.SubmissionRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "execution reverted", rejected.Reason)
	assert.Equal(t, types.AttemptStateRejected.String(), res.State)
	require.NotNil(t, res.Receipt)
	assert.False(t, res.Receipt.Success)

	stored, err := h.store.GetByID(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateRejected, stored.State)
	assert.Equal(t, testTxHash.Hex(), stored.TxHash)
}

func TestExecuteTimeoutThenMined(t *testing.T) {
	h := newHarness(t, 1)

	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	var timeout *types.ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.False(t, types.IsKind[*types.SubmissionRejected](err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, res.UserOpHash, timeout.UserOpHash)
	assert.Equal(t, types.AttemptStateTimedOut.String(), res.State)

	t.Run("pending", func(t *testing.T) {
		status, err := h.orch.Status(context.Background(), timeout.UserOpHash)
		require.NoError(t, err)
		assert.True(t, status.Pending)
		assert.Nil(t, status.Receipt)
	})

	// mined after the wait window
	h.bundler.setReceipt(minedReceipt(100, true, ""))

	status, err := h.orch.Status(context.Background(), timeout.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateConfirmed.String(), status.State)
	require.NotNil(t, status.Receipt)
	assert.Equal(t, testTxHash, status.Receipt.TransactionHash)

	stored, err := h.store.GetByID(context.Background(), res.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateConfirmed, stored.State)
}

func TestExecuteSendLost(t *testing.T) {
	h := newHarness(t, 1)
	h.bundler.sendErr = errors.New("connection reset by peer")

	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	var timeout *types.ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.NotEqual(t, common.Hash{}, timeout.UserOpHash)
	assert.Equal(t, types.AttemptStateTimedOut.String(), res.State)

	stored, err := h.store.GetByHash(context.Background(), timeout.UserOpHash.Hex())
	require.NoError(t, err)
	assert.Equal(t, types.AttemptStateTimedOut, stored.State)
}

func TestExecutePreSubmissionFailures(t *testing.T) {
	t.Run("no fee quote", func(t *testing.T) {
		h := newHarness(t, 1)
		h.paymaster.quotes = nil

		res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
		assert.True(t, types.IsKind[*types.NoFeeQuoteAvailable](err))
		assert.Equal(t, 1, h.paymaster.quoteCalls)
		assert.Zero(t, h.paymaster.sponsorCalls)
		assert.Empty(t, h.bundler.sentOps())

		stored, err := h.store.GetByID(context.Background(), res.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, types.AttemptStateBuilt, stored.State)
		assert.Contains(t, stored.Error, "no fee quote")

		nonce, err := h.handle.ReserveNonce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(7), nonce.Int64())
	})

	t.Run("empty operation", func(t *testing.T) {
		h := newHarness(t, 1)
		req := transferRequest()
		req.Calls = nil

		res, err := h.orch.Execute(context.Background(), h.handle, req)
		assert.True(t, types.IsKind[*types.EmptyOperationError](err))
		assert.Nil(t, res)
		assert.Zero(t, h.paymaster.quoteCalls)
	})
}

func TestSubmitConfirmationDepth(t *testing.T) {
	h := newHarness(t, 2)
	h.bundler.setReceipt(minedReceipt(100, true, ""))

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.head.n.Store(101)
	}()

	res, err := h.orch.Execute(context.Background(), h.handle, transferRequest())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Receipt.Confirmations)
	assert.Equal(t, types.AttemptStateConfirmed.String(), res.State)
}

func TestSubmitCancelled(t *testing.T) {
	h := newHarness(t, 1)
	op, err := operation.NewBuilder(noEstimate{}, staticFees{}, config.GasDefaults{CallGasLimit: 1, VerificationGasLimit: 1, PreVerificationGas: 1}).
		Build(context.Background(), h.handle, transferRequest().Calls)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = h.orch.Submit(ctx, h.handle, op)
	var timeout *types.ConfirmationTimeout
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.bundler.sentOps(), 1)
}

func TestStatusNotFound(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.orch.Status(context.Background(), common.HexToHash("0x1234"))
	assert.True(t, types.IsKind[*types.OperationNotFound](err))
}
