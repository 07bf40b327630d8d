package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/orchestrator"
	"github.com/scroll-tech/aa-orchestrator/internal/orm"
	"github.com/scroll-tech/aa-orchestrator/internal/payment"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Operation kinds recorded with each attempt.
const (
	KindTransaction = "transaction"
	KindPayment     = "payment"
)

type callParam struct {
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *types.Quantity `json:"value"`
}

type sendTransactionParams struct {
	SessionID string         `json:"sessionId" binding:"required"`
	Calls     []callParam    `json:"calls"`
	FeeToken  common.Address `json:"feeToken"`
}

type payParams struct {
	SessionID string         `json:"sessionId" binding:"required"`
	Payment   *payment.Input `json:"payment" binding:"required"`
	FeeToken  common.Address `json:"feeToken"`
}

type listParams struct {
	SessionID string `json:"sessionId" binding:"required"`
	Limit     int    `json:"limit" binding:"omitempty,min=1,max=100"`
}

// OperationRecord is one stored attempt.
type OperationRecord struct {
	AttemptID   string    `json:"attemptId"`
	Kind        string    `json:"kind"`
	Nonce       string    `json:"nonce"`
	UserOpHash  string    `json:"userOpHash,omitempty"`
	State       string    `json:"state"`
	FeeToken    string    `json:"feeToken,omitempty"`
	FeeAmount   string    `json:"feeAmount,omitempty"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const defaultListLimit = 20

type statusParams struct {
	UserOpHash common.Hash `json:"userOpHash"`
}

// sendTransaction executes the given calls as one sponsored operation. An empty call list is
// passed through so the caller gets an EmptyOperationError.
func (a *API) sendTransaction(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p sendTransactionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	calls := lo.Map(p.Calls, func(c callParam, _ int) types.Call {
		return types.NewCall(c.To, c.Data, c.Value.ToInt())
	})
	return a.execute(ctx, p.SessionID, KindTransaction, calls, p.FeeToken)
}

func (a *API) pay(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p payParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	calls, err := a.payments.Calls(p.Payment)
	if errors.Is(err, payment.ErrManagerNotConfigured) {
		return nil, err
	}
	if err != nil {
		return nil, invalidParams(err.Error())
	}
	return a.execute(ctx, p.SessionID, KindPayment, calls, p.FeeToken)
}

func (a *API) execute(ctx context.Context, sessionID, kind string, calls []types.Call, feeToken common.Address) (interface{}, error) {
	h, err := a.handle(sessionID)
	if err != nil {
		return nil, err
	}
	res, err := a.executor.Execute(ctx, h, orchestrator.Request{
		SessionID: sessionID,
		Kind:      kind,
		Calls:     calls,
		Policy:    a.policyFor(feeToken),
	})
	if res == nil {
		return nil, err
	}
	return res, err
}

// policyFor returns the default policy, or one that prefers feeToken when it is set.
func (a *API) policyFor(feeToken common.Address) sponsor.Policy {
	policy := a.policy
	if feeToken == (common.Address{}) {
		return policy
	}
	policy.PreferredToken = feeToken
	policy.Selection = config.SelectionPreferred
	if !lo.Contains(policy.CandidateTokens, feeToken) {
		policy.CandidateTokens = append([]common.Address{feeToken}, policy.CandidateTokens...)
	}
	return policy
}

func (a *API) getOperationStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p statusParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	if p.UserOpHash == (common.Hash{}) {
		return nil, invalidParams("missing userOpHash")
	}
	status, err := a.executor.Status(ctx, p.UserOpHash)
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (a *API) listOperations(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p listParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	h, err := a.handle(p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = defaultListLimit
	}
	attempts, err := a.history.ListBySender(ctx, h.Address().Hex(), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return lo.Map(attempts, func(at *orm.UserOperationAttempt, _ int) OperationRecord {
		return OperationRecord{
			AttemptID:   at.ID,
			Kind:        at.Kind,
			Nonce:       at.Nonce,
			UserOpHash:  at.UserOpHash,
			State:       at.State.String(),
			FeeToken:    at.FeeToken,
			FeeAmount:   at.FeeAmount,
			TxHash:      at.TxHash,
			BlockNumber: at.BlockNumber,
			Reason:      at.Reason,
			Error:       at.Error,
			CreatedAt:   at.CreatedAt,
		}
	}), nil
}
