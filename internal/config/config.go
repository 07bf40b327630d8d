// Package config provides the configuration for the sponsored transaction orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/scroll-tech/go-ethereum/common"

	"github.com/scroll-tech/aa-orchestrator/internal/utils/database"
)

// Quote selection policies.
const (
	SelectionFirst     = "first"
	SelectionPreferred = "preferred"
	SelectionCheapest  = "cheapest"
)

// Smart account v2 deployments shared by every supported chain.
const (
	DefaultAccountFactory   = "0x000000a56Aaca3e9a4C479ea6b6CD0DbcB6634F5"
	DefaultValidationModule = "0x0000001c5b32F37F5beA87BDD5374eB2aC54eA8e"
)

// Config represents the configuration for the orchestrator.
type Config struct {
	APIKeys        []string         `json:"api_keys" validate:"required,min=1,dive,required"`
	RateLimiterQPS int64            `json:"rate_limiter_qps" validate:"gt=0"`
	Chain          ChainConfig      `json:"chain"`
	FeePolicy      FeePolicyConfig  `json:"fee_policy"`
	Submission     SubmissionConfig `json:"submission"`
	GasDefaults    GasDefaults      `json:"gas_defaults"`
	Account        AccountConfig    `json:"account"`
	Payment        PaymentConfig    `json:"payment"`
	Signer         SignerConfig     `json:"signer"`
	DBConfig       database.Config  `json:"db_config"`
}

// ChainConfig describes the target chain and its account-abstraction endpoints.
type ChainConfig struct {
	ChainID          int64          `json:"chain_id" validate:"gt=0"`
	RPCURL           string         `json:"rpc_url" validate:"required,url"`
	BundlerURL       string         `json:"bundler_url" validate:"required,url"`
	PaymasterURL     string         `json:"paymaster_url" validate:"required,url"`
	EntryPoint       common.Address `json:"entry_point"`
	AccountFactory   common.Address `json:"account_factory"`
	ValidationModule common.Address `json:"validation_module"`
	AccountSalt      int64          `json:"account_salt" validate:"gte=0"`
}

// Validate checks the fields an account needs; an error here surfaces as an account init failure.
func (c *ChainConfig) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("invalid chain id %d", c.ChainID)
	}
	if c.RPCURL == "" {
		return fmt.Errorf("missing rpc endpoint")
	}
	if c.BundlerURL == "" {
		return fmt.Errorf("missing bundler endpoint")
	}
	if c.EntryPoint == (common.Address{}) {
		return fmt.Errorf("missing entry point address")
	}
	if c.AccountFactory == (common.Address{}) {
		return fmt.Errorf("missing account factory address")
	}
	return nil
}

// ChainIDBig returns the chain id as a big integer.
func (c *ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// FeePolicyConfig configures fee quote requests and selection.
type FeePolicyConfig struct {
	PreferredToken  common.Address   `json:"preferred_token"`
	CandidateTokens []common.Address `json:"candidate_tokens"`
	Selection       string           `json:"selection" validate:"omitempty,oneof=first preferred cheapest"`
	MaxApproval     bool             `json:"max_approval"`
}

// SubmissionConfig configures confirmation waiting.
type SubmissionConfig struct {
	ConfirmationDepth      uint64  `json:"confirmation_depth"`
	ConfirmationTimeoutSec int     `json:"confirmation_timeout_sec" validate:"gte=0"`
	PollInitialMs          int     `json:"poll_initial_ms" validate:"gte=0"`
	PollMaxMs              int     `json:"poll_max_ms" validate:"gte=0"`
	PollMultiplier         float64 `json:"poll_multiplier" validate:"gte=0"`
}

// ConfirmationTimeout returns the wait window for one submission.
func (s *SubmissionConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(s.ConfirmationTimeoutSec) * time.Second
}

// GasDefaults are used when the bundler cannot estimate gas.
type GasDefaults struct {
	CallGasLimit                   uint64 `json:"call"`
	VerificationGasLimit           uint64 `json:"verification"`
	PreVerificationGas             uint64 `json:"pre_verification"`
	DeploymentVerificationGasLimit uint64 `json:"deployment_verification"`
}

// AccountConfig configures smart account handles.
type AccountConfig struct {
	InitRetryDelayMs int `json:"init_retry_delay_ms" validate:"gte=0"`
	CacheSize        int `json:"cache_size" validate:"gte=0"`
}

// PaymentConfig configures the marketplace payment flow.
type PaymentConfig struct {
	ManagerAddress common.Address `json:"manager_address"`
	FeeToken       common.Address `json:"fee_token"`
	NonProfitVault common.Address `json:"non_profit_vault"`
}

// SignerConfig configures the KMS keys callers may log in with. The private_key method always
// takes the key from the caller.
type SignerConfig struct {
	AWSKMSKeyIDs []string `json:"aws_kms_key_ids" validate:"dive,required"`
	AWSRegion    string   `json:"aws_region"`
}

// KMSEnabled reports whether the aws_kms login method is available.
func (c SignerConfig) KMSEnabled() bool { return len(c.AWSKMSKeyIDs) > 0 }

var validate = validator.New()

// NewConfig return an unmarshalled config instance.
func NewConfig(file string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, err
	}
	cfg := Config{}
	err = json.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.FeePolicy.Selection == SelectionPreferred && c.FeePolicy.PreferredToken == (common.Address{}) {
		return fmt.Errorf("invalid config: selection %q requires preferred_token", SelectionPreferred)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Chain.EntryPoint == (common.Address{}) {
		c.Chain.EntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	}
	if c.Chain.AccountFactory == (common.Address{}) {
		c.Chain.AccountFactory = common.HexToAddress(DefaultAccountFactory)
	}
	if c.Chain.ValidationModule == (common.Address{}) {
		c.Chain.ValidationModule = common.HexToAddress(DefaultValidationModule)
	}
	if c.FeePolicy.Selection == "" {
		c.FeePolicy.Selection = SelectionFirst
	}
	if len(c.FeePolicy.CandidateTokens) == 0 && c.FeePolicy.PreferredToken != (common.Address{}) {
		c.FeePolicy.CandidateTokens = []common.Address{c.FeePolicy.PreferredToken}
	}
	if c.Submission.ConfirmationDepth == 0 {
		c.Submission.ConfirmationDepth = 1
	}
	if c.Submission.ConfirmationTimeoutSec == 0 {
		c.Submission.ConfirmationTimeoutSec = 60
	}
	if c.Submission.PollInitialMs == 0 {
		c.Submission.PollInitialMs = 1000
	}
	if c.Submission.PollMaxMs == 0 {
		c.Submission.PollMaxMs = 5000
	}
	if c.Submission.PollMultiplier == 0 {
		c.Submission.PollMultiplier = 1.5
	}
	if c.GasDefaults.CallGasLimit == 0 {
		c.GasDefaults.CallGasLimit = 200000
	}
	if c.GasDefaults.VerificationGasLimit == 0 {
		c.GasDefaults.VerificationGasLimit = 1000000
	}
	if c.GasDefaults.PreVerificationGas == 0 {
		c.GasDefaults.PreVerificationGas = 50000
	}
	if c.GasDefaults.DeploymentVerificationGasLimit == 0 {
		c.GasDefaults.DeploymentVerificationGasLimit = 3000000
	}
	if c.Account.InitRetryDelayMs == 0 {
		c.Account.InitRetryDelayMs = 500
	}
	if c.Account.CacheSize == 0 {
		c.Account.CacheSize = 1024
	}
}
