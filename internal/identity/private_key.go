package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/crypto"
)

// PrivateKeySigner signs with an in-memory secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner parses a hex private key, with or without 0x prefix.
func NewPrivateKeySigner(privateKeyHex string) (*PrivateKeySigner, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	if strings.HasPrefix(privateKeyHex, "0x") || strings.HasPrefix(privateKeyHex, "0X") {
		privateKeyHex = privateKeyHex[2:]
	}

	// 64 hex characters for 32 bytes
	if len(privateKeyHex) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 hex characters, got %d", len(privateKeyHex))
	}

	privateKeyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	key, err := crypto.ToECDSA(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create ECDSA key from private key: %w", err)
	}

	// Clear sensitive data from memory
	for i := range privateKeyBytes {
		privateKeyBytes[i] = 0
	}

	return &PrivateKeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer address.
func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignHash signs a 32-byte digest.
func (s *PrivateKeySigner) SignHash(_ context.Context, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	signature, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with private key: %w", err)
	}

	if signature[64] == 0 || signature[64] == 1 {
		signature[64] += 27
	}

	return signature, nil
}
