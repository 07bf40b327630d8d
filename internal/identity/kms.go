package identity

import (
	"bytes"
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awsTypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/crypto"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Div(secp256k1N, big.NewInt(2))
)

// KMSClient is the subset of the AWS KMS API used for signing.
type KMSClient interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// NewKMSClient loads the default AWS configuration and returns a KMS client with bounded HTTP timeouts.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsConfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsConfig.WithRegion(region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cfg.HTTPClient = &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   2 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   2 * time.Second,
			ResponseHeaderTimeout: 3 * time.Second,
		},
	}

	return kms.NewFromConfig(cfg), nil
}

// KMSSigner signs digests with an asymmetric ECC_SECG_P256K1 key held in AWS KMS.
type KMSSigner struct {
	client      KMSClient
	keyID       string
	pubKeyBytes []byte
	address     common.Address
}

// NewKMSSigner fetches the public key for keyID and derives the signer address.
func NewKMSSigner(ctx context.Context, client KMSClient, keyID string) (*KMSSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("KMS key ID cannot be empty")
	}

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("cannot get public key from KMS for KeyId=%s: %w", keyID, err)
	}

	// ASN.1 DER encoded SubjectPublicKeyInfo
	var asn1pubk struct {
		EcPublicKeyInfo struct {
			Algorithm  asn1.ObjectIdentifier
			Parameters asn1.ObjectIdentifier
		}
		PublicKey asn1.BitString
	}
	if _, err = asn1.Unmarshal(out.PublicKey, &asn1pubk); err != nil {
		return nil, fmt.Errorf("cannot parse ASN.1 public key for KeyId=%s: %w", keyID, err)
	}

	pubkey, err := crypto.UnmarshalPubkey(asn1pubk.PublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot construct secp256k1 public key from key bytes: %w", err)
	}

	return &KMSSigner{
		client:      client,
		keyID:       keyID,
		pubKeyBytes: crypto.FromECDSAPub(pubkey),
		address:     crypto.PubkeyToAddress(*pubkey),
	}, nil
}

// Address returns the signer address.
func (s *KMSSigner) Address() common.Address {
	return s.address
}

// SignHash signs a 32-byte digest in KMS and converts the DER signature to Ethereum form.
func (s *KMSSigner) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		SigningAlgorithm: awsTypes.SigningAlgorithmSpecEcdsaSha256,
		MessageType:      awsTypes.MessageTypeDigest,
		Message:          hash,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign failed: %w", err)
	}

	var sigAsn1 struct {
		R asn1.RawValue
		S asn1.RawValue
	}
	if _, err = asn1.Unmarshal(out.Signature, &sigAsn1); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ASN.1 signature: %w", err)
	}

	// Ethereum requires the low-S form.
	sBytes := sigAsn1.S.Bytes
	sBigInt := new(big.Int).SetBytes(sBytes)
	if sBigInt.Cmp(secp256k1HalfN) > 0 {
		sBytes = new(big.Int).Sub(secp256k1N, sBigInt).Bytes()
	}

	signature, err := s.recoverableSignature(hash, sigAsn1.R.Bytes, sBytes)
	if err != nil {
		return nil, err
	}
	signature[64] += 27
	return signature, nil
}

// recoverableSignature finds the recovery id that yields the signer's public key.
func (s *KMSSigner) recoverableSignature(hash, r, sValue []byte) ([]byte, error) {
	rs := append(padTo32(r), padTo32(sValue)...)

	for _, v := range []byte{0, 1} {
		signature := append(append([]byte{}, rs...), v)
		recovered, err := crypto.Ecrecover(hash, signature)
		if err != nil {
			return nil, fmt.Errorf("recovery with ID %d failed: %w", v, err)
		}
		if bytes.Equal(recovered, s.pubKeyBytes) {
			return signature, nil
		}
	}

	return nil, fmt.Errorf("cannot reconstruct public key from signature")
}

func padTo32(buffer []byte) []byte {
	buffer = bytes.TrimLeft(buffer, "\x00")
	return common.LeftPadBytes(buffer, 32)
}
