package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/common/hexutil"
	"github.com/scroll-tech/go-ethereum/crypto"
)

// EntryPointV06Address is the canonical EntryPoint v0.6 deployment.
const EntryPointV06Address = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// UserOperation is an EntryPoint v0.6 user operation.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

type userOperationJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes the operation in the bundler wire format (0x-prefixed hex quantities).
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOperationJSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             nonNilBytes(op.InitCode),
		CallData:             nonNilBytes(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNilBytes(op.PaymasterAndData),
		Signature:            nonNilBytes(op.Signature),
	})
}

// UnmarshalJSON decodes the bundler wire format.
func (op *UserOperation) UnmarshalJSON(input []byte) error {
	var dec userOperationJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return fmt.Errorf("failed to decode user operation: %w", err)
	}
	op.Sender = dec.Sender
	op.Nonce = toBig(dec.Nonce)
	op.InitCode = dec.InitCode
	op.CallData = dec.CallData
	op.CallGasLimit = toBig(dec.CallGasLimit)
	op.VerificationGasLimit = toBig(dec.VerificationGasLimit)
	op.PreVerificationGas = toBig(dec.PreVerificationGas)
	op.MaxFeePerGas = toBig(dec.MaxFeePerGas)
	op.MaxPriorityFeePerGas = toBig(dec.MaxPriorityFeePerGas)
	op.PaymasterAndData = dec.PaymasterAndData
	op.Signature = dec.Signature
	return nil
}

// Copy returns a deep copy of the operation.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                copyBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         copyBig(op.CallGasLimit),
		VerificationGasLimit: copyBig(op.VerificationGasLimit),
		PreVerificationGas:   copyBig(op.PreVerificationGas),
		MaxFeePerGas:         copyBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}

// PaymasterAddress returns the paymaster encoded in the first 20 bytes of paymasterAndData,
// or the zero address when the operation is not sponsored.
func (op *UserOperation) PaymasterAddress() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// HasPaymaster reports whether sponsorship data is attached.
func (op *UserOperation) HasPaymaster() bool {
	return op.PaymasterAddress() != (common.Address{})
}

// Hash returns the EntryPoint v0.6 userOpHash:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	var buffer []byte

	buffer = append(buffer, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	buffer = append(buffer, word(op.Nonce)...)
	buffer = append(buffer, crypto.Keccak256(op.InitCode)...)
	buffer = append(buffer, crypto.Keccak256(op.CallData)...)
	buffer = append(buffer, word(op.CallGasLimit)...)
	buffer = append(buffer, word(op.VerificationGasLimit)...)
	buffer = append(buffer, word(op.PreVerificationGas)...)
	buffer = append(buffer, word(op.MaxFeePerGas)...)
	buffer = append(buffer, word(op.MaxPriorityFeePerGas)...)
	buffer = append(buffer, crypto.Keccak256(op.PaymasterAndData)...)

	packed := crypto.Keccak256(buffer)

	var outer []byte
	outer = append(outer, packed...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, word(chainID)...)

	return crypto.Keccak256Hash(outer)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func hexBig(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

func toBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return v.ToInt()
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func nonNilBytes(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
