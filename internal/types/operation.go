package types

import (
	"math/big"

	"github.com/bits-and-blooms/bitset"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Call is one contract invocation executed by the smart account.
type Call struct {
	Target common.Address
	Data   []byte
	Value  *big.Int
}

// NewCall returns a Call owning copies of data and value.
func NewCall(target common.Address, data []byte, value *big.Int) Call {
	return Call{Target: target, Data: common.CopyBytes(data), Value: copyBig(value)}
}

// ValueOrZero returns the call value, treating nil as zero.
func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.Value)
}

// FeeQuote is one fee-payment option returned by the paymaster.
type FeeQuote struct {
	Symbol            string          `json:"symbol"`
	TokenAddress      common.Address  `json:"tokenAddress"`
	Decimal           int32           `json:"decimal"`
	MaxGasFee         decimal.Decimal `json:"maxGasFee"`
	MaxGasFeeUSD      decimal.Decimal `json:"maxGasFeeUSD"`
	ExchangeRate      decimal.Decimal `json:"exchangeRate"`
	PremiumPercentage decimal.Decimal `json:"premiumPercentage"`
	ValidUntil        int64           `json:"validUntil"`
}

// Amount returns the maximum fee in the token's smallest unit, rounded up.
func (q FeeQuote) Amount() *big.Int {
	return q.MaxGasFee.Shift(q.Decimal).Ceil().BigInt()
}

// FeeQuotesResponse is the ordered set of quotes plus the spender that collects the fee.
type FeeQuotesResponse struct {
	Quotes                []FeeQuote     `json:"feeQuotes"`
	TokenPaymasterAddress common.Address `json:"tokenPaymasterAddress"`
}

// SponsorshipData is the paymaster's signed authorization. Gas fields are nil when absent.
type SponsorshipData struct {
	PaymasterAndData     []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
}

// HasGasLimits reports whether all three gas limits are present. A zero limit counts as absent.
func (s *SponsorshipData) HasGasLimits() bool {
	limits := []*big.Int{s.CallGasLimit, s.VerificationGasLimit, s.PreVerificationGas}
	present := bitset.New(uint(len(limits)))
	for i, v := range limits {
		if v != nil && v.Sign() > 0 {
			present.Set(uint(i))
		}
	}
	return present.All()
}

// TransactionReceipt is the terminal result of a confirmed user operation.
type TransactionReceipt struct {
	UserOpHash      common.Hash `json:"userOpHash"`
	TransactionHash common.Hash `json:"transactionHash"`
	BlockNumber     uint64      `json:"blockNumber"`
	Success         bool        `json:"success"`
	Reason          string      `json:"reason,omitempty"`
	ActualGasCost   *big.Int    `json:"actualGasCost"`
	ActualGasUsed   *big.Int    `json:"actualGasUsed"`
	Confirmations   uint64      `json:"confirmations"`
}
