package controller

import (
	"context"
	"encoding/json"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/payment"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

type loginParams struct {
	Method      string               `json:"method" binding:"required"`
	Credentials identity.Credentials `json:"credentials"`
}

type sessionParams struct {
	SessionID string `json:"sessionId" binding:"required"`
}

type balanceParams struct {
	SessionID string         `json:"sessionId" binding:"required"`
	Token     common.Address `json:"token"`
}

type signMessageParams struct {
	SessionID string `json:"sessionId" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

// SmartAccount describes the smart account behind a session.
type SmartAccount struct {
	Address    common.Address `json:"address"`
	Owner      common.Address `json:"owner"`
	ChainID    int64          `json:"chainId"`
	EntryPoint common.Address `json:"entryPoint"`
}

// Balance is a smart account balance in the token's smallest unit.
type Balance struct {
	Address common.Address `json:"address"`
	Token   common.Address `json:"token"`
	Balance *hexutil.Big   `json:"balance"`
}

// SignedMessage is an EIP-191 signature by the account owner.
type SignedMessage struct {
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

func (a *API) login(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p loginParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Login(ctx, p.Method, p.Credentials)
	if err != nil {
		return nil, err
	}
	return s.UserInfo()
}

func (a *API) logout(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p sessionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	if err := a.sessions.Logout(p.SessionID); err != nil {
		return nil, err
	}
	return true, nil
}

func (a *API) getUserInfo(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p sessionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	s, err := a.sessions.Get(p.SessionID)
	if err != nil {
		return nil, err
	}
	return s.UserInfo()
}

func (a *API) getSmartAccount(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p sessionParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	h, err := a.handle(p.SessionID)
	if err != nil {
		return nil, err
	}
	return &SmartAccount{
		Address:    h.Address(),
		Owner:      h.Owner(),
		ChainID:    h.ChainID().Int64(),
		EntryPoint: h.EntryPoint(),
	}, nil
}

// getBalance returns the native balance unless a token other than the native sentinel is given.
func (a *API) getBalance(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p balanceParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	h, err := a.handle(p.SessionID)
	if err != nil {
		return nil, err
	}

	res := &Balance{Address: h.Address(), Token: p.Token}
	if p.Token == (common.Address{}) || p.Token == payment.NativeToken {
		res.Token = payment.NativeToken
		wei, err := h.Balance(ctx)
		if err != nil {
			return nil, err
		}
		res.Balance = (*hexutil.Big)(wei)
		return res, nil
	}

	amount, err := a.tokens.TokenBalance(ctx, p.Token, h.Address())
	if err != nil {
		return nil, err
	}
	res.Balance = (*hexutil.Big)(amount)
	return res, nil
}

func (a *API) signMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p signMessageParams
	if err := parseParams(raw, &p); err != nil {
		return nil, err
	}
	h, err := a.handle(p.SessionID)
	if err != nil {
		return nil, err
	}
	sig, err := h.SignMessage(ctx, []byte(p.Message))
	if err != nil {
		return nil, &types.AuthenticationError{Method: "sign_message", Err: err}
	}
	return &SignedMessage{Signer: h.Owner(), Signature: sig}, nil
}

func (a *API) handle(sessionID string) (*account.Handle, error) {
	s, err := a.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Handle()
}
