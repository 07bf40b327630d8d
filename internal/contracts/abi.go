// Package contracts holds the contract ABIs the orchestrator encodes calls against.
package contracts

import (
	"fmt"
	"strings"

	"github.com/scroll-tech/go-ethereum/accounts/abi"
)

// SmartAccountABI is the Biconomy SmartAccountV2 execution interface.
const SmartAccountABI = `[
	{"type":"function","name":"execute_ncC","stateMutability":"nonpayable","inputs":[
		{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch_y6U","stateMutability":"nonpayable","inputs":[
		{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

// AccountFactoryABI is the Biconomy SmartAccountV2 factory interface.
const AccountFactoryABI = `[
	{"type":"function","name":"getAddressForCounterFactualAccount","stateMutability":"view","inputs":[
		{"name":"moduleSetupContract","type":"address"},{"name":"moduleSetupData","type":"bytes"},{"name":"index","type":"uint256"}],
		"outputs":[{"name":"_account","type":"address"}]},
	{"type":"function","name":"deployCounterFactualAccount","stateMutability":"nonpayable","inputs":[
		{"name":"moduleSetupContract","type":"address"},{"name":"moduleSetupData","type":"bytes"},{"name":"index","type":"uint256"}],
		"outputs":[{"name":"proxy","type":"address"}]}
]`

// OwnershipModuleABI is the ECDSA ownership validation module setup interface.
const OwnershipModuleABI = `[
	{"type":"function","name":"initForSmartAccount","stateMutability":"nonpayable","inputs":[
		{"name":"eoaOwner","type":"address"}],"outputs":[{"name":"","type":"address"}]}
]`

// EntryPointABI is the subset of EntryPoint v0.6 read by the orchestrator.
const EntryPointABI = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
		{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

// ERC20ABI is the subset of ERC-20 used for fee and payment approvals.
const ERC20ABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// PaymentManagerABI is the marketplace payment manager interface.
const PaymentManagerABI = `[
	{"type":"function","name":"pay","stateMutability":"payable","inputs":[
		{"name":"input","type":"tuple","components":[
			{"name":"productId","type":"uint256"},
			{"name":"price","type":"uint256"},
			{"name":"adminShare","type":"uint256"},
			{"name":"buyer","type":"address"},
			{"name":"buyerPoints","type":"uint256"},
			{"name":"seller","type":"address"},
			{"name":"sellerPoints","type":"uint256"},
			{"name":"paymentId","type":"uint256"},
			{"name":"token","type":"address"},
			{"name":"donationAmount","type":"uint256"},
			{"name":"nonProfitVault","type":"address"},
			{"name":"expiry","type":"uint256"},
			{"name":"sign","type":"bytes"}]}],"outputs":[]}
]`

var (
	// SmartAccount is the parsed SmartAccountABI.
	SmartAccount = mustParse("smart account", SmartAccountABI)
	// AccountFactory is the parsed AccountFactoryABI.
	AccountFactory = mustParse("account factory", AccountFactoryABI)
	// OwnershipModule is the parsed OwnershipModuleABI.
	OwnershipModule = mustParse("ownership module", OwnershipModuleABI)
	// EntryPoint is the parsed EntryPointABI.
	EntryPoint = mustParse("entry point", EntryPointABI)
	// ERC20 is the parsed ERC20ABI.
	ERC20 = mustParse("erc20", ERC20ABI)
	// PaymentManager is the parsed PaymentManagerABI.
	PaymentManager = mustParse("payment manager", PaymentManagerABI)
)

func mustParse(name, definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Errorf("invalid %s ABI: %w", name, err))
	}
	return parsed
}
