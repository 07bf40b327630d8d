package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scroll-tech/go-ethereum/common"
)

// AuthenticationError is returned when the identity step fails. It is never retried automatically.
type AuthenticationError struct {
	Method string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (method %s): %v", e.Method, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AccountInitError is returned when the smart account cannot be derived for a signer.
type AccountInitError struct {
	Err error
}

func (e *AccountInitError) Error() string {
	return fmt.Sprintf("smart account init failed: %v", e.Err)
}

func (e *AccountInitError) Unwrap() error { return e.Err }

// EmptyOperationError is returned when an operation is built from zero calls.
type EmptyOperationError struct{}

func (e *EmptyOperationError) Error() string {
	return "user operation has no calls"
}

// NoFeeQuoteAvailable is returned when the paymaster returns no fee quote for the candidate tokens.
type NoFeeQuoteAvailable struct {
	Tokens []common.Address
}

func (e *NoFeeQuoteAvailable) Error() string {
	tokens := make([]string, 0, len(e.Tokens))
	for _, t := range e.Tokens {
		tokens = append(tokens, t.Hex())
	}
	return fmt.Sprintf("no fee quote available for tokens [%s]", strings.Join(tokens, ","))
}

// SponsorAddressMissing is returned when the paymaster response carries no spender or paymaster address.
type SponsorAddressMissing struct {
	Stage string
}

func (e *SponsorAddressMissing) Error() string {
	return fmt.Sprintf("sponsor address missing in %s response", e.Stage)
}

// SponsorshipFailed is returned when a paymaster request fails or the fee approval cannot be added.
// It is never retried automatically.
type SponsorshipFailed struct {
	Stage string
	Err   error
}

func (e *SponsorshipFailed) Error() string {
	return fmt.Sprintf("sponsorship failed at %s: %v", e.Stage, e.Err)
}

func (e *SponsorshipFailed) Unwrap() error { return e.Err }

// SubmissionRejected is returned when the network rejects the operation. Reason is the network's string.
type SubmissionRejected struct {
	UserOpHash common.Hash
	Reason     string
	Err        error
}

func (e *SubmissionRejected) Error() string {
	if e.UserOpHash != (common.Hash{}) {
		return fmt.Sprintf("user operation %s rejected: %s", e.UserOpHash.Hex(), e.Reason)
	}
	return fmt.Sprintf("user operation rejected: %s", e.Reason)
}

func (e *SubmissionRejected) Unwrap() error { return e.Err }

// ConfirmationTimeout means the operation was accepted but its outcome is unknown.
// Callers must reconcile by hash before retrying.
type ConfirmationTimeout struct {
	UserOpHash common.Hash
	Err        error
}

func (e *ConfirmationTimeout) Error() string {
	return fmt.Sprintf("user operation %s not confirmed within the wait window, outcome unknown", e.UserOpHash.Hex())
}

func (e *ConfirmationTimeout) Unwrap() error { return e.Err }

// OperationNotFound is returned by a status query for a hash that neither the bundler nor the
// attempt store knows.
type OperationNotFound struct {
	UserOpHash common.Hash
}

func (e *OperationNotFound) Error() string {
	return fmt.Sprintf("user operation %s not found", e.UserOpHash.Hex())
}

// SessionClosedError is returned when a session is used after logout or was never opened.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

// IsKind reports whether err carries an error of the given kind, e.g. IsKind[*SubmissionRejected](err).
func IsKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
