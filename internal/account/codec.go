package account

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/scroll-tech/go-ethereum/accounts/abi"
	"github.com/scroll-tech/go-ethereum/common"

	"github.com/scroll-tech/aa-orchestrator/internal/contracts"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

const (
	executeMethod      = "execute_ncC"
	executeBatchMethod = "executeBatch_y6U"
)

var signatureArgs = func() abi.Arguments {
	bytesType, _ := abi.NewType("bytes", "", nil)
	addressType, _ := abi.NewType("address", "", nil)
	return abi.Arguments{{Type: bytesType}, {Type: addressType}}
}()

// CheckValue verifies that v fits in a uint256.
func CheckValue(v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative call value %s", v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("call value %s overflows uint256", v)
	}
	return nil
}

// EncodeCalls encodes calls as smart account calldata. A single call uses execute, several use
// executeBatch, which runs them in order and reverts all of them if any reverts.
func EncodeCalls(calls []types.Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, &types.EmptyOperationError{}
	}
	for i, c := range calls {
		if err := CheckValue(c.Value); err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
	}

	if len(calls) == 1 {
		c := calls[0]
		return contracts.SmartAccount.Pack(executeMethod, c.Target, c.ValueOrZero(), nonNil(c.Data))
	}

	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, c := range calls {
		targets[i] = c.Target
		values[i] = c.ValueOrZero()
		data[i] = nonNil(c.Data)
	}
	return contracts.SmartAccount.Pack(executeBatchMethod, targets, values, data)
}

// DecodeCalls is the inverse of EncodeCalls.
func DecodeCalls(callData []byte) ([]types.Call, error) {
	if len(callData) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(callData))
	}
	method, err := contracts.SmartAccount.MethodById(callData[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown account method: %w", err)
	}
	values, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case executeMethod:
		return []types.Call{types.NewCall(values[0].(common.Address), values[2].([]byte), values[1].(*big.Int))}, nil
	case executeBatchMethod:
		targets := values[0].([]common.Address)
		amounts := values[1].([]*big.Int)
		data := values[2].([][]byte)
		if len(targets) != len(data) || (len(amounts) != 0 && len(amounts) != len(targets)) {
			return nil, fmt.Errorf("malformed batch: %d targets, %d values, %d payloads", len(targets), len(amounts), len(data))
		}
		calls := make([]types.Call, len(targets))
		for i := range targets {
			value := new(big.Int)
			if len(amounts) != 0 {
				value = amounts[i]
			}
			calls[i] = types.NewCall(targets[i], data[i], value)
		}
		return calls, nil
	default:
		return nil, fmt.Errorf("unsupported account method %s", method.Name)
	}
}

// WrapSignature encodes an ECDSA signature together with the validation module that verifies it.
func WrapSignature(sig []byte, module common.Address) ([]byte, error) {
	if module == (common.Address{}) {
		return sig, nil
	}
	return signatureArgs.Pack(sig, module)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
