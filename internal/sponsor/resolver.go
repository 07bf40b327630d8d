package sponsor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/math"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Paymaster is the token paymaster service.
type Paymaster interface {
	GetFeeQuotes(ctx context.Context, op *types.UserOperation, tokens []common.Address, preferred common.Address) (*types.FeeQuotesResponse, error)
	SponsorUserOperation(ctx context.Context, op *types.UserOperation, feeToken common.Address) (*types.SponsorshipData, error)
}

// Rebuilder re-encodes an operation with extra leading calls.
type Rebuilder interface {
	Rebuild(ctx context.Context, h *account.Handle, op *types.UserOperation, prefix ...types.Call) (*types.UserOperation, error)
}

// Policy controls which tokens are quoted and how a quote is chosen.
type Policy struct {
	PreferredToken  common.Address
	CandidateTokens []common.Address
	Selection       string
	MaxApproval     bool
}

// PolicyFromConfig returns the configured default policy.
func PolicyFromConfig(cfg config.FeePolicyConfig) Policy {
	return Policy{
		PreferredToken:  cfg.PreferredToken,
		CandidateTokens: cfg.CandidateTokens,
		Selection:       cfg.Selection,
		MaxApproval:     cfg.MaxApproval,
	}
}

// Resolution is a sponsored operation together with the quote it pays.
type Resolution struct {
	Op       *types.UserOperation
	Quote    types.FeeQuote
	Spender  common.Address
	Approval *big.Int
	// GasMerged is false when the paymaster returned an incomplete set of limits.
	GasMerged bool
}

// Resolver obtains paymaster sponsorship for operations.
type Resolver struct {
	paymaster Paymaster
	rebuilder Rebuilder

	resolutionTotal *prometheus.CounterVec
	gasMergeTotal   *prometheus.CounterVec
}

// NewResolver returns a new Resolver.
func NewResolver(paymaster Paymaster, rebuilder Rebuilder, reg prometheus.Registerer) *Resolver {
	return &Resolver{
		paymaster: paymaster,
		rebuilder: rebuilder,
		resolutionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sponsor_resolution_total",
			Help: "The total number of fee sponsorship resolutions by result.",
		}, []string{"result"}),
		gasMergeTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sponsor_gas_merge_total",
			Help: "The total number of paymaster gas limit merges by outcome.",
		}, []string{"outcome"}),
	}
}

// Resolve quotes, selects a token, adds the fee approval and asks the paymaster to sponsor op.
// The paymaster is not called again once the quote request comes back empty.
func (r *Resolver) Resolve(ctx context.Context, h *account.Handle, op *types.UserOperation, policy Policy) (*Resolution, error) {
	res, err := r.resolve(ctx, h, op, policy)
	r.resolutionTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (r *Resolver) resolve(ctx context.Context, h *account.Handle, op *types.UserOperation, policy Policy) (*Resolution, error) {
	tokens := policy.CandidateTokens
	if len(tokens) == 0 && policy.PreferredToken != (common.Address{}) {
		tokens = []common.Address{policy.PreferredToken}
	}

	quotes, err := r.paymaster.GetFeeQuotes(ctx, op, tokens, policy.PreferredToken)
	if err != nil {
		return nil, &types.SponsorshipFailed{Stage: "fee quote", Err: err}
	}
	if len(quotes.Quotes) == 0 {
		return nil, &types.NoFeeQuoteAvailable{Tokens: tokens}
	}
	if quotes.TokenPaymasterAddress == (common.Address{}) {
		return nil, &types.SponsorAddressMissing{Stage: "fee quote"}
	}

	quote := SelectQuote(quotes.Quotes, policy)
	approval := quote.Amount()
	if policy.MaxApproval {
		approval = new(big.Int).Set(math.MaxBig256)
	}
	approveData, err := contracts.ERC20.Pack("approve", quotes.TokenPaymasterAddress, approval)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fee approval: %w", err)
	}
	log.Debug("Fee quote selected", "symbol", quote.Symbol, "token", quote.TokenAddress.Hex(), "maxGasFee", quote.MaxGasFee, "selection", policy.Selection)

	withApproval, err := r.rebuilder.Rebuild(ctx, h, op, types.NewCall(quote.TokenAddress, approveData, nil))
	if err != nil {
		return nil, &types.SponsorshipFailed{Stage: "fee approval", Err: err}
	}

	data, err := r.paymaster.SponsorUserOperation(ctx, withApproval, quote.TokenAddress)
	if err != nil {
		return nil, &types.SponsorshipFailed{Stage: "sponsorship", Err: err}
	}
	if len(data.PaymasterAndData) < common.AddressLength || common.BytesToAddress(data.PaymasterAndData[:common.AddressLength]) == (common.Address{}) {
		return nil, &types.SponsorAddressMissing{Stage: "sponsorship"}
	}

	sponsored := withApproval.Copy()
	sponsored.PaymasterAndData = common.CopyBytes(data.PaymasterAndData)
	merged := MergeGasLimits(sponsored, data)
	r.gasMergeTotal.WithLabelValues(lo.Ternary(merged, "merged", "kept")).Inc()
	if !merged {
		log.Warn("Paymaster returned incomplete gas limits, keeping estimates", "sender", op.Sender.Hex(), "nonce", op.Nonce)
	}

	return &Resolution{
		Op:        sponsored,
		Quote:     quote,
		Spender:   quotes.TokenPaymasterAddress,
		Approval:  approval,
		GasMerged: merged,
	}, nil
}

// SelectQuote picks a quote from a non-empty list.
func SelectQuote(quotes []types.FeeQuote, policy Policy) types.FeeQuote {
	switch policy.Selection {
	case config.SelectionPreferred:
		if q, ok := lo.Find(quotes, func(q types.FeeQuote) bool { return q.TokenAddress == policy.PreferredToken }); ok {
			return q
		}
	case config.SelectionCheapest:
		return lo.MinBy(quotes, func(a, b types.FeeQuote) bool { return a.MaxGasFeeUSD.LessThan(b.MaxGasFeeUSD) })
	}
	return quotes[0]
}

// MergeGasLimits copies the paymaster's gas limits onto op only if all of them are present.
func MergeGasLimits(op *types.UserOperation, data *types.SponsorshipData) bool {
	if !data.HasGasLimits() {
		return false
	}
	op.CallGasLimit = new(big.Int).Set(data.CallGasLimit)
	op.VerificationGasLimit = new(big.Int).Set(data.VerificationGasLimit)
	op.PreVerificationGas = new(big.Int).Set(data.PreVerificationGas)
	return true
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "sponsored"
	case types.IsKind[*types.NoFeeQuoteAvailable](err):
		return "no_quote"
	case types.IsKind[*types.SponsorAddressMissing](err):
		return "address_missing"
	case types.IsKind[*types.SponsorshipFailed](err):
		return "paymaster_error"
	default:
		return "error"
	}
}
