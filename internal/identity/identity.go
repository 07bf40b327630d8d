// Package identity authenticates callers and produces signing capabilities for their smart accounts.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/scroll-tech/go-ethereum/accounts"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Login methods.
const (
	MethodPrivateKey = "private_key"
	MethodAWSKMS     = "aws_kms"
)

// Signer is an authenticated signing capability.
type Signer interface {
	Address() common.Address
	// SignHash signs a 32-byte digest and returns a 65-byte [R || S || V] signature with V in {27, 28}.
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

var errMissingCredential = errors.New("missing credential")

// Credentials carries method-specific login material.
type Credentials map[string]string

// Provider authenticates a login method and returns a Signer.
type Provider struct {
	cfg       config.SignerConfig
	kmsClient KMSClient
}

// NewProvider creates a Provider. kmsClient may be nil when the aws_kms method is not used.
func NewProvider(cfg config.SignerConfig, kmsClient KMSClient) *Provider {
	return &Provider{cfg: cfg, kmsClient: kmsClient}
}

// Authenticate logs in with the given method. Every failure is an *types.AuthenticationError.
func (p *Provider) Authenticate(ctx context.Context, method string, creds Credentials) (Signer, error) {
	var (
		signer Signer
		err    error
	)
	switch method {
	case MethodPrivateKey:
		key := creds["private_key"]
		if key == "" {
			err = errMissingCredential
			break
		}
		signer, err = NewPrivateKeySigner(key)
	case MethodAWSKMS:
		keyID := creds["key_id"]
		switch {
		case keyID == "":
			err = errMissingCredential
		case p.kmsClient == nil:
			err = fmt.Errorf("KMS client not configured")
		case !lo.Contains(p.cfg.AWSKMSKeyIDs, keyID):
			err = fmt.Errorf("KMS key %q is not allowed", keyID)
		default:
			signer, err = NewKMSSigner(ctx, p.kmsClient, keyID)
		}
	default:
		err = fmt.Errorf("unsupported login method %q", method)
	}
	if err != nil {
		log.Debug("Authentication failed", "method", method, "error", err)
		return nil, &types.AuthenticationError{Method: method, Err: err}
	}

	log.Info("Signer authenticated", "method", method, "address", signer.Address().Hex())
	return signer, nil
}

// SignMessage signs msg with the EIP-191 personal message prefix.
func SignMessage(ctx context.Context, signer Signer, msg []byte) ([]byte, error) {
	return signer.SignHash(ctx, accounts.TextHash(msg))
}
