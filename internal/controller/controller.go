// Package controller serves the orchestrator's JSON-RPC API.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/orchestrator"
	"github.com/scroll-tech/aa-orchestrator/internal/orm"
	"github.com/scroll-tech/aa-orchestrator/internal/payment"
	"github.com/scroll-tech/aa-orchestrator/internal/session"
	"github.com/scroll-tech/aa-orchestrator/internal/sponsor"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Sessions opens, looks up and closes login sessions.
type Sessions interface {
	Login(ctx context.Context, method string, creds identity.Credentials) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Logout(id string) error
}

// Executor runs sponsored operations and reconciles them by hash.
type Executor interface {
	Execute(ctx context.Context, h *account.Handle, req orchestrator.Request) (*orchestrator.Result, error)
	Status(ctx context.Context, hash common.Hash) (*orchestrator.Status, error)
}

// PaymentEncoder turns a payment into smart account calls.
type PaymentEncoder interface {
	Calls(in *payment.Input) ([]types.Call, error)
}

// TokenBalances reads ERC-20 balances.
type TokenBalances interface {
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// History lists the recorded attempts of a smart account, newest first.
type History interface {
	ListBySender(ctx context.Context, sender string, limit int) ([]*orm.UserOperationAttempt, error)
}

// errInvalidParams marks a request whose params do not decode or validate.
var errInvalidParams = errors.New("invalid params")

// API the orchestrator JSON-RPC controller
type API struct {
	sessions Sessions
	executor Executor
	payments PaymentEncoder
	tokens   TokenBalances
	history  History
	policy   sponsor.Policy
}

// NewAPI returns a new API. policy is the default fee policy; callers may pick a fee token per request.
func NewAPI(sessions Sessions, executor Executor, payments PaymentEncoder, tokens TokenBalances, history History, policy sponsor.Policy) *API {
	return &API{
		sessions: sessions,
		executor: executor,
		payments: payments,
		tokens:   tokens,
		history:  history,
		policy:   policy,
	}
}

// Handle serves one JSON-RPC request.
func (a *API) Handle(c *gin.Context) {
	var req types.JSONRPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug("Failed to parse JSON-RPC request", "error", err)
		types.SendError(c, nil, types.ParseErrorCode, "Parse error")
		return
	}
	if req.JSONRPC != types.JSONRPCVersion || req.Method == "" {
		types.SendError(c, req.ID, types.InvalidRequestCode, "Invalid JSON-RPC request")
		return
	}

	handler, ok := a.methods()[req.Method]
	if !ok {
		log.Debug("Method not found", "method", req.Method)
		types.SendError(c, req.ID, types.MethodNotFoundCode, "Method not found: "+req.Method)
		return
	}

	result, err := handler(c.Request.Context(), req.Params)
	if err != nil {
		a.sendError(c, req, result, err)
		return
	}
	types.SendSuccess(c, req.ID, result)
}

type methodFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

func (a *API) methods() map[string]methodFunc {
	return map[string]methodFunc{
		"aa_login":              a.login,
		"aa_logout":             a.logout,
		"aa_getUserInfo":        a.getUserInfo,
		"aa_getSmartAccount":    a.getSmartAccount,
		"aa_getBalance":         a.getBalance,
		"aa_signMessage":        a.signMessage,
		"aa_sendTransaction":    a.sendTransaction,
		"aa_pay":                a.pay,
		"aa_getOperationStatus": a.getOperationStatus,
		"aa_listOperations":     a.listOperations,
	}
}

func (a *API) sendError(c *gin.Context, req types.JSONRPCRequest, result interface{}, err error) {
	if errors.Is(err, errInvalidParams) {
		types.SendError(c, req.ID, types.InvalidParamsCode, err.Error())
		return
	}

	code := types.ErrorCode(err)
	if code == types.InternalErrorCode {
		log.Error("JSON-RPC method failed", "method", req.Method, "error", err)
	} else {
		log.Debug("JSON-RPC method failed", "method", req.Method, "code", code, "error", err)
	}
	// a flow that got past building reports how far it went
	if res, ok := result.(*orchestrator.Result); ok && res != nil {
		types.SendErrorWithData(c, req.ID, code, err.Error(), res)
		return
	}
	types.SendError(c, req.ID, code, err.Error())
}

// parseParams decodes a single-object params array into v and validates its binding tags.
func parseParams(raw json.RawMessage, v interface{}) error {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != 1 {
		return invalidParams("params must be an array holding one object")
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return invalidParams(err.Error())
	}
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(msg string) error {
	return fmt.Errorf("%w: %s", errInvalidParams, msg)
}
