// Package payment encodes marketplace payments as smart account calls.
package payment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// NativeToken is the token address that denotes payment in the chain's native currency.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// ErrManagerNotConfigured is returned when no payment manager contract is configured.
var ErrManagerNotConfigured = errors.New("payment manager address not configured")

// Input is one marketplace payment as accepted by the payment manager.
type Input struct {
	ProductID      *types.Quantity `json:"productId"`
	Price          *types.Quantity `json:"price"`
	AdminShare     *types.Quantity `json:"adminShare"`
	Buyer          common.Address  `json:"buyer"`
	BuyerPoints    *types.Quantity `json:"buyerPoints"`
	Seller         common.Address  `json:"seller"`
	SellerPoints   *types.Quantity `json:"sellerPoints"`
	PaymentID      *types.Quantity `json:"paymentId"`
	Token          common.Address  `json:"token"`
	DonationAmount *types.Quantity `json:"donationAmount"`
	NonProfitVault common.Address  `json:"nonProfitVault"`
	Expiry         *types.Quantity `json:"expiry"`
	Sign           hexutil.Bytes   `json:"sign"`
}

// payTuple is the ABI tuple accepted by pay.
type payTuple struct {
	ProductID      *big.Int       `abi:"productId"`
	Price          *big.Int       `abi:"price"`
	AdminShare     *big.Int       `abi:"adminShare"`
	Buyer          common.Address `abi:"buyer"`
	BuyerPoints    *big.Int       `abi:"buyerPoints"`
	Seller         common.Address `abi:"seller"`
	SellerPoints   *big.Int       `abi:"sellerPoints"`
	PaymentID      *big.Int       `abi:"paymentId"`
	Token          common.Address `abi:"token"`
	DonationAmount *big.Int       `abi:"donationAmount"`
	NonProfitVault common.Address `abi:"nonProfitVault"`
	Expiry         *big.Int       `abi:"expiry"`
	Sign           []byte         `abi:"sign"`
}

// Total is the amount the buyer transfers: the admin share plus the donation.
func (in *Input) Total() *big.Int {
	return new(big.Int).Add(orZero(in.AdminShare), orZero(in.DonationAmount))
}

func (in *Input) validate() error {
	if in.Seller == (common.Address{}) {
		return errors.New("missing seller")
	}
	if in.Buyer == (common.Address{}) {
		return errors.New("missing buyer")
	}
	if len(in.Sign) == 0 {
		return errors.New("missing payment signature")
	}
	amounts := map[string]*types.Quantity{
		"productId":      in.ProductID,
		"price":          in.Price,
		"adminShare":     in.AdminShare,
		"buyerPoints":    in.BuyerPoints,
		"sellerPoints":   in.SellerPoints,
		"paymentId":      in.PaymentID,
		"donationAmount": in.DonationAmount,
		"expiry":         in.Expiry,
	}
	for name, v := range amounts {
		if err := account.CheckValue(v.ToInt()); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return account.CheckValue(in.Total())
}

func (in *Input) tuple() payTuple {
	return payTuple{
		ProductID:      orZero(in.ProductID),
		Price:          orZero(in.Price),
		AdminShare:     orZero(in.AdminShare),
		Buyer:          in.Buyer,
		BuyerPoints:    orZero(in.BuyerPoints),
		Seller:         in.Seller,
		SellerPoints:   orZero(in.SellerPoints),
		PaymentID:      orZero(in.PaymentID),
		Token:          in.Token,
		DonationAmount: orZero(in.DonationAmount),
		NonProfitVault: in.NonProfitVault,
		Expiry:         orZero(in.Expiry),
		Sign:           in.Sign,
	}
}

// Builder turns payment inputs into the calls a smart account executes.
type Builder struct {
	cfg config.PaymentConfig
}

// NewBuilder returns a new Builder.
func NewBuilder(cfg config.PaymentConfig) *Builder {
	return &Builder{cfg: cfg}
}

// Calls returns the calls paying in. An ERC-20 payment approves the manager for the total before
// calling pay, both in one atomic batch; a native payment sends the total as value with pay.
// Empty token and vault fields take the configured defaults.
func (b *Builder) Calls(in *Input) ([]types.Call, error) {
	if b.cfg.ManagerAddress == (common.Address{}) {
		return nil, ErrManagerNotConfigured
	}
	filled := *in
	if filled.Token == (common.Address{}) {
		filled.Token = b.cfg.FeeToken
	}
	if filled.NonProfitVault == (common.Address{}) {
		filled.NonProfitVault = b.cfg.NonProfitVault
	}
	if filled.Token == (common.Address{}) {
		return nil, errors.New("missing payment token")
	}
	if err := filled.validate(); err != nil {
		return nil, fmt.Errorf("invalid payment: %w", err)
	}

	payData, err := contracts.PaymentManager.Pack("pay", filled.tuple())
	if err != nil {
		return nil, fmt.Errorf("failed to encode pay: %w", err)
	}

	total := filled.Total()
	log.Debug("Payment encoded", "token", filled.Token.Hex(), "seller", filled.Seller.Hex(), "total", total)
	if filled.Token == NativeToken {
		return []types.Call{types.NewCall(b.cfg.ManagerAddress, payData, total)}, nil
	}

	approveData, err := contracts.ERC20.Pack("approve", b.cfg.ManagerAddress, total)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approve: %w", err)
	}
	return []types.Call{
		types.NewCall(filled.Token, approveData, nil),
		types.NewCall(b.cfg.ManagerAddress, payData, nil),
	}, nil
}

func orZero(q *types.Quantity) *big.Int {
	if v := q.ToInt(); v != nil {
		return v
	}
	return new(big.Int)
}
