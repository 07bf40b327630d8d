// Package orchestrator drives user operations from built to a terminal outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"
	"gorm.io/gorm"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/bundler"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/orm"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Bundler submits operations and reports their receipts.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *types.UserOperation) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error)
	GetUserOperationByHash(ctx context.Context, hash common.Hash) (*bundler.UserOperationByHash, error)
}

// HeadReader returns the latest block number.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Builder builds unsigned operations.
type Builder interface {
	Build(ctx context.Context, h *account.Handle, calls []types.Call) (*types.UserOperation, error)
}

// Sponsor attaches paymaster sponsorship.
type Sponsor interface {
	Resolve(ctx context.Context, h *account.Handle, op *types.UserOperation, policy sponsor.Policy) (*sponsor.Resolution, error)
}

// AttemptStore records lifecycle transitions.
type AttemptStore interface {
	Create(ctx context.Context, attempt *orm.UserOperationAttempt) error
	UpdateState(ctx context.Context, id string, from, to types.AttemptState, fields map[string]interface{}) error
	RecordError(ctx context.Context, id string, cause error) error
	GetByHash(ctx context.Context, userOpHash string) (*orm.UserOperationAttempt, error)
}

// Request is one flow to execute: a transaction, a payment, or any other list of calls.
type Request struct {
	SessionID string
	Kind      string
	Calls     []types.Call
	Policy    sponsor.Policy
}

// Result describes a flow that reached a terminal state.
type Result struct {
	AttemptID  string                    `json:"attemptId"`
	UserOpHash common.Hash               `json:"userOpHash"`
	State      string                    `json:"state"`
	FeeQuote   *types.FeeQuote           `json:"feeQuote,omitempty"`
	Receipt    *types.TransactionReceipt `json:"receipt,omitempty"`
}

// Status is the outcome of a reconciliation query.
type Status struct {
	UserOpHash common.Hash               `json:"userOpHash"`
	State      string                    `json:"state"`
	Pending    bool                      `json:"pending"`
	Receipt    *types.TransactionReceipt `json:"receipt,omitempty"`
}

// Orchestrator runs every flow through one pipeline.
type Orchestrator struct {
	builder Builder
	sponsor Sponsor
	bundler Bundler
	head    HeadReader
	store   AttemptStore
	cfg     config.SubmissionConfig

	attemptTotal        *prometheus.CounterVec
	confirmationSeconds prometheus.Histogram
}

// New returns a new Orchestrator.
func New(builder Builder, sp Sponsor, bd Bundler, head HeadReader, store AttemptStore, cfg config.SubmissionConfig, reg prometheus.Registerer) *Orchestrator {
	return &Orchestrator{
		builder: builder,
		sponsor: sp,
		bundler: bd,
		head:    head,
		store:   store,
		cfg:     cfg,
		attemptTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_attempt_total",
			Help: "The total number of user operation attempts by final state.",
		}, []string{"kind", "state"}),
		confirmationSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_confirmation_seconds",
			Help:    "Time from submission to confirmation of user operations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

// Execute builds, sponsors, submits and confirms req.Calls for h, recording every transition.
// Failures before submission leave the attempt in its last state with the error recorded.
func (o *Orchestrator) Execute(ctx context.Context, h *account.Handle, req Request) (*Result, error) {
	op, err := o.builder.Build(ctx, h, req.Calls)
	if err != nil {
		return nil, err
	}

	attempt := &orm.UserOperationAttempt{
		SessionID: req.SessionID,
		Owner:     h.Owner().Hex(),
		Sender:    op.Sender.Hex(),
		Nonce:     op.Nonce.String(),
		Kind:      req.Kind,
		CallCount: len(req.Calls),
		State:     types.AttemptStateBuilt,
	}
	if err = o.store.Create(ctx, attempt); err != nil {
		h.ReleaseNonce(op.Nonce)
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	result := &Result{AttemptID: attempt.ID, State: types.AttemptStateBuilt.String()}
	log.Info("User operation attempt started", "attempt", attempt.ID, "kind", req.Kind, "sender", attempt.Sender, "nonce", attempt.Nonce)

	resolution, err := o.sponsor.Resolve(ctx, h, op, req.Policy)
	if err != nil {
		h.ReleaseNonce(op.Nonce)
		o.fail(ctx, attempt.ID, req.Kind, types.AttemptStateBuilt, err)
		return result, err
	}
	op = resolution.Op
	result.FeeQuote = &resolution.Quote
	if err = o.transition(ctx, attempt.ID, types.AttemptStateBuilt, types.AttemptStateFeeResolved, map[string]interface{}{
		"fee_token":  resolution.Quote.TokenAddress.Hex(),
		"fee_amount": resolution.Approval.String(),
	}); err != nil {
		h.ReleaseNonce(op.Nonce)
		return result, err
	}
	result.State = types.AttemptStateFeeResolved.String()

	hash, err := o.send(ctx, h, op)
	result.UserOpHash = hash
	switch {
	case err == nil:
	case types.IsKind[*types.SubmissionRejected](err):
		o.finish(ctx, attempt.ID, req.Kind, types.AttemptStateFeeResolved, types.AttemptStateRejected, rejectionFields(hash, err))
		result.State = types.AttemptStateRejected.String()
		return result, err
	case types.IsKind[*types.ConfirmationTimeout](err):
		// the send may have reached the bundler
		if o.transition(ctx, attempt.ID, types.AttemptStateFeeResolved, types.AttemptStateSubmitted, map[string]interface{}{"user_op_hash": hash.Hex()}) == nil {
			o.finish(ctx, attempt.ID, req.Kind, types.AttemptStateSubmitted, types.AttemptStateTimedOut, map[string]interface{}{"error": err.Error()})
		}
		result.State = types.AttemptStateTimedOut.String()
		return result, err
	default:
		o.fail(ctx, attempt.ID, req.Kind, types.AttemptStateFeeResolved, err)
		return result, err
	}

	if err = o.transition(ctx, attempt.ID, types.AttemptStateFeeResolved, types.AttemptStateSubmitted, map[string]interface{}{"user_op_hash": hash.Hex()}); err != nil {
		log.Error("Failed to record submission, still waiting for confirmation", "attempt", attempt.ID, "userOpHash", hash.Hex(), "error", err)
	}
	result.State = types.AttemptStateSubmitted.String()

	receipt, err := o.wait(ctx, hash)
	result.Receipt = receipt
	switch {
	case err == nil:
		o.finish(ctx, attempt.ID, req.Kind, types.AttemptStateSubmitted, types.AttemptStateConfirmed, receiptFields(receipt))
		result.State = types.AttemptStateConfirmed.String()
		return result, nil
	case types.IsKind[*types.SubmissionRejected](err):
		fields := rejectionFields(hash, err)
		for k, v := range receiptFields(receipt) {
			fields[k] = v
		}
		o.finish(ctx, attempt.ID, req.Kind, types.AttemptStateSubmitted, types.AttemptStateRejected, fields)
		result.State = types.AttemptStateRejected.String()
	default:
		o.finish(ctx, attempt.ID, req.Kind, types.AttemptStateSubmitted, types.AttemptStateTimedOut, map[string]interface{}{"error": err.Error()})
		result.State = types.AttemptStateTimedOut.String()
	}
	return result, err
}

// Submit signs op, sends it and waits for confirmation. A bundler rejection returns
// *types.SubmissionRejected; an elapsed wait window, caller cancellation or a lost send returns
// *types.ConfirmationTimeout, whose operation may still be mined.
func (o *Orchestrator) Submit(ctx context.Context, h *account.Handle, op *types.UserOperation) (*types.TransactionReceipt, error) {
	hash, err := o.send(ctx, h, op)
	if err != nil {
		return nil, err
	}
	return o.wait(ctx, hash)
}

func (o *Orchestrator) send(ctx context.Context, h *account.Handle, op *types.UserOperation) (common.Hash, error) {
	signed := op.Copy()
	if err := h.Sign(ctx, signed); err != nil {
		h.ReleaseNonce(op.Nonce)
		return common.Hash{}, err
	}
	localHash := h.UserOpHash(signed)

	hash, err := o.bundler.SendUserOperation(ctx, signed)
	if err != nil {
		var rejected *types.SubmissionRejected
		if errors.As(err, &rejected) {
			rejected.UserOpHash = localHash
			h.ReleaseNonce(op.Nonce)
			if isNonceRejection(rejected.Reason) {
				h.ResetNonces()
			}
			log.Warn("User operation rejected by bundler", "userOpHash", localHash.Hex(), "nonce", op.Nonce, "reason", rejected.Reason)
			return localHash, err
		}
		log.Error("User operation send failed, outcome unknown", "userOpHash", localHash.Hex(), "error", err)
		return localHash, &types.ConfirmationTimeout{UserOpHash: localHash, Err: err}
	}
	if hash != localHash {
		log.Warn("Bundler returned a different userOpHash", "local", localHash.Hex(), "bundler", hash.Hex())
	}
	log.Info("User operation submitted", "userOpHash", hash.Hex(), "sender", op.Sender.Hex(), "nonce", op.Nonce)
	return hash, nil
}

// wait polls for the receipt of hash with bounded exponential backoff.
func (o *Orchestrator) wait(ctx context.Context, hash common.Hash) (*types.TransactionReceipt, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmationTimeout())
	defer cancel()

	depth := o.cfg.ConfirmationDepth
	if depth == 0 {
		depth = 1
	}
	interval := time.Duration(o.cfg.PollInitialMs) * time.Millisecond
	maxInterval := time.Duration(o.cfg.PollMaxMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	multiplier := o.cfg.PollMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-waitCtx.Done():
			cause := waitCtx.Err()
			if ctx.Err() != nil {
				cause = ctx.Err()
			}
			log.Warn("User operation confirmation wait ended, outcome unknown", "userOpHash", hash.Hex(), "elapsed", time.Since(start), "cause", cause)
			return nil, &types.ConfirmationTimeout{UserOpHash: hash, Err: cause}
		case <-timer.C:
		}

		receipt, err := o.poll(waitCtx, hash, depth)
		if err != nil || receipt != nil {
			if err == nil {
				o.confirmationSeconds.Observe(time.Since(start).Seconds())
			}
			return receipt, err
		}

		timer.Reset(interval)
		interval = time.Duration(float64(interval) * multiplier)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// poll returns a receipt once the operation is mined at the required depth, or nil to keep waiting.
func (o *Orchestrator) poll(ctx context.Context, hash common.Hash, depth uint64) (*types.TransactionReceipt, error) {
	raw, err := o.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("Receipt poll failed", "userOpHash", hash.Hex(), "error", err)
		}
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}

	receipt := toReceipt(hash, raw)
	if !raw.Success {
		return receipt, &types.SubmissionRejected{UserOpHash: hash, Reason: revertReason(raw)}
	}

	head, err := o.head.BlockNumber(ctx)
	if err != nil {
		log.Debug("Head poll failed", "userOpHash", hash.Hex(), "error", err)
		return nil, nil
	}
	if head < receipt.BlockNumber {
		head = receipt.BlockNumber
	}
	receipt.Confirmations = head - receipt.BlockNumber + 1
	if receipt.Confirmations < depth {
		return nil, nil
	}

	log.Info("User operation confirmed", "userOpHash", hash.Hex(), "txHash", receipt.TransactionHash.Hex(), "block", receipt.BlockNumber)
	return receipt, nil
}

// Status is the caller-driven reconciliation query for an operation whose outcome was unknown.
// A mined result settles a timed-out attempt in the store.
func (o *Orchestrator) Status(ctx context.Context, hash common.Hash) (*Status, error) {
	attempt, err := o.store.GetByHash(ctx, hash.Hex())
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}

	raw, err := o.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	if raw != nil {
		receipt := toReceipt(hash, raw)
		state := types.AttemptStateConfirmed
		fields := receiptFields(receipt)
		if !raw.Success {
			state = types.AttemptStateRejected
			fields["reason"] = revertReason(raw)
		}
		if head, headErr := o.head.BlockNumber(ctx); headErr == nil && head >= receipt.BlockNumber {
			receipt.Confirmations = head - receipt.BlockNumber + 1
		}
		if attempt != nil && types.CanReconcile(attempt.State, state) {
			if err := o.store.UpdateState(ctx, attempt.ID, attempt.State, state, fields); err != nil {
				log.Warn("Failed to reconcile attempt", "attempt", attempt.ID, "error", err)
			} else {
				log.Info("Attempt reconciled", "attempt", attempt.ID, "userOpHash", hash.Hex(), "state", state)
			}
		}
		return &Status{UserOpHash: hash, State: state.String(), Receipt: receipt}, nil
	}

	known, err := o.bundler.GetUserOperationByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch {
	case known != nil:
		return &Status{UserOpHash: hash, State: types.AttemptStateSubmitted.String(), Pending: true}, nil
	case attempt != nil:
		return &Status{UserOpHash: hash, State: attempt.State.String(), Pending: attempt.State == types.AttemptStateSubmitted}, nil
	default:
		return nil, &types.OperationNotFound{UserOpHash: hash}
	}
}

func (o *Orchestrator) transition(ctx context.Context, id string, from, to types.AttemptState, fields map[string]interface{}) error {
	if err := o.store.UpdateState(ctx, id, from, to, fields); err != nil {
		return fmt.Errorf("failed to record attempt %s: %w", to, err)
	}
	return nil
}

// finish records a terminal state. The outcome is already decided, so store failures are only logged.
func (o *Orchestrator) finish(ctx context.Context, id, kind string, from, to types.AttemptState, fields map[string]interface{}) {
	o.attemptTotal.WithLabelValues(kind, to.String()).Inc()
	if err := o.store.UpdateState(context.WithoutCancel(ctx), id, from, to, fields); err != nil {
		log.Error("Failed to record attempt outcome", "attempt", id, "state", to, "error", err)
	}
}

// fail records an error that stopped the attempt before submission.
func (o *Orchestrator) fail(ctx context.Context, id, kind string, state types.AttemptState, cause error) {
	o.attemptTotal.WithLabelValues(kind, state.String()).Inc()
	log.Warn("User operation attempt failed", "attempt", id, "state", state, "error", cause)
	if err := o.store.RecordError(context.WithoutCancel(ctx), id, cause); err != nil {
		log.Error("Failed to record attempt error", "attempt", id, "error", err)
	}
}

func toReceipt(hash common.Hash, raw *bundler.UserOperationReceipt) *types.TransactionReceipt {
	return &types.TransactionReceipt{
		UserOpHash:      hash,
		TransactionHash: raw.Receipt.TransactionHash,
		BlockNumber:     raw.BlockNumber(),
		Success:         raw.Success,
		Reason:          raw.Reason,
		ActualGasCost:   orZero(raw.ActualGasCost.ToInt()),
		ActualGasUsed:   orZero(raw.ActualGasUsed.ToInt()),
	}
}

func receiptFields(r *types.TransactionReceipt) map[string]interface{} {
	if r == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"tx_hash":      r.TransactionHash.Hex(),
		"block_number": r.BlockNumber,
	}
}

func rejectionFields(hash common.Hash, err error) map[string]interface{} {
	fields := map[string]interface{}{"user_op_hash": hash.Hex()}
	var rejected *types.SubmissionRejected
	if errors.As(err, &rejected) {
		fields["reason"] = rejected.Reason
	}
	return fields
}

func revertReason(raw *bundler.UserOperationReceipt) string {
	if raw.Reason != "" {
		return raw.Reason
	}
	return "execution reverted"
}

// AA25 is the EntryPoint's invalid account nonce error.
func isNonceRejection(reason string) bool {
	return strings.Contains(reason, "AA25")
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
