// Package types provides common types and response structures for the sponsored transaction orchestrator.
package types

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// Success shows OK.
	Success = 0
	// InternalServerError shows a fatal error in the server
	InternalServerError = 500

	// JSON-RPC Standard Errors (-32700 to -32600)

	// ParseErrorCode indicates a JSON parsing error
	ParseErrorCode = -32700
	// InvalidRequestCode indicates an invalid JSON-RPC request
	InvalidRequestCode = -32600
	// MethodNotFoundCode indicates that the requested method does not exist
	MethodNotFoundCode = -32601
	// InvalidParamsCode indicates that the parameters provided to the method are invalid
	InvalidParamsCode = -32602

	// Orchestrator Module Errors (-32000 to -32099)

	// UnauthorizedErrorCode indicates that the API key is missing or invalid
	UnauthorizedErrorCode = -32000
	// InternalErrorCode indicates an internal server error
	InternalErrorCode = -32001
	// RateLimitedCode indicates that the caller exceeded the request rate
	RateLimitedCode = -32005
	// AuthenticationErrorCode indicates that the identity step failed and the user must log in again
	AuthenticationErrorCode = -32010
	// SessionClosedErrorCode indicates that the session was logged out or never existed
	SessionClosedErrorCode = -32011
	// AccountInitErrorCode indicates that the smart account could not be derived
	AccountInitErrorCode = -32012
	// EmptyOperationErrorCode indicates that the operation has no calls
	EmptyOperationErrorCode = -32013
	// NoFeeQuoteAvailableCode indicates that the paymaster returned no fee quote
	NoFeeQuoteAvailableCode = -32014
	// SponsorAddressMissingCode indicates that the paymaster response lacked a spender or paymaster address
	SponsorAddressMissingCode = -32015
	// SubmissionRejectedCode indicates that the network rejected the operation
	SubmissionRejectedCode = -32016
	// ConfirmationTimeoutCode indicates that the outcome is unknown and must be reconciled by hash
	ConfirmationTimeoutCode = -32017
	// OperationNotFoundCode indicates that no attempt is known for the given hash
	OperationNotFoundCode = -32018
	// SponsorshipFailedCode indicates that a paymaster request failed
	SponsorshipFailedCode = -32019

	// JSONRPCVersion is the version of JSON-RPC used
	JSONRPCVersion = "2.0"
)

// ErrorCode maps an orchestrator error to its JSON-RPC error code.
func ErrorCode(err error) int {
	var (
		authErr      *AuthenticationError
		sessionErr   *SessionClosedError
		initErr      *AccountInitError
		emptyErr     *EmptyOperationError
		noQuoteErr   *NoFeeQuoteAvailable
		noSponsorErr *SponsorAddressMissing
		rejectedErr  *SubmissionRejected
		timeoutErr   *ConfirmationTimeout
		notFoundErr  *OperationNotFound
		sponsorErr   *SponsorshipFailed
	)
	switch {
	case errors.As(err, &authErr):
		return AuthenticationErrorCode
	case errors.As(err, &sessionErr):
		return SessionClosedErrorCode
	case errors.As(err, &initErr):
		return AccountInitErrorCode
	case errors.As(err, &emptyErr):
		return EmptyOperationErrorCode
	case errors.As(err, &noQuoteErr):
		return NoFeeQuoteAvailableCode
	case errors.As(err, &noSponsorErr):
		return SponsorAddressMissingCode
	case errors.As(err, &rejectedErr):
		return SubmissionRejectedCode
	case errors.As(err, &timeoutErr):
		return ConfirmationTimeoutCode
	case errors.As(err, &notFoundErr):
		return OperationNotFoundCode
	case errors.As(err, &sponsorErr):
		return SponsorshipFailedCode
	default:
		return InternalErrorCode
	}
}

// Response the response schema
type Response struct {
	ErrCode int         `json:"errcode"`
	ErrMsg  string      `json:"errmsg"`
	Data    interface{} `json:"data"`
}

// RenderJSON renders response with json
func RenderJSON(ctx *gin.Context, errCode int, err error, data interface{}) {
	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	renderData := Response{
		ErrCode: errCode,
		ErrMsg:  errMsg,
		Data:    data,
	}
	ctx.JSON(http.StatusOK, renderData)
}

// RenderSuccess renders success response with json
func RenderSuccess(ctx *gin.Context, data interface{}) {
	RenderJSON(ctx, Success, nil, data)
}

// SendError sends a JSON-RPC error response
func SendError(c *gin.Context, id interface{}, code int, message string) {
	errResp := RPCError{Code: code, Message: message}
	c.JSON(http.StatusOK, JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &errResp,
	})
}

// SendErrorWithData sends a JSON-RPC error response carrying extra data
func SendErrorWithData(c *gin.Context, id interface{}, code int, message string, data interface{}) {
	errResp := RPCError{Code: code, Message: message, Data: data}
	c.JSON(http.StatusOK, JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &errResp,
	})
}

// SendSuccess sends a JSON-RPC success response
func SendSuccess(c *gin.Context, id interface{}, result interface{}) {
	c.JSON(http.StatusOK, JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	})
}
