package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/scroll-tech/go-ethereum/common/hexutil"
)

// Quantity is an unsigned integer that decodes from a 0x-hex string, a decimal string or a JSON
// number. Bundler and paymaster services disagree on the encoding of gas values.
type Quantity struct {
	big.Int
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(input []byte) error {
	input = bytes.TrimSpace(input)
	if len(input) == 0 || string(input) == "null" {
		return nil
	}

	var text string
	if input[0] == '"' {
		if err := json.Unmarshal(input, &text); err != nil {
			return err
		}
	} else {
		text = string(input)
	}
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		v, err := hexutil.DecodeBig(text)
		if err != nil {
			return fmt.Errorf("invalid hex quantity %q: %w", text, err)
		}
		q.Set(v)
		return nil
	}

	if _, ok := q.SetString(text, 10); !ok {
		return fmt.Errorf("invalid quantity %q", text)
	}
	if q.Sign() < 0 {
		return fmt.Errorf("negative quantity %q", text)
	}
	return nil
}

// MarshalJSON encodes the quantity as 0x-hex.
func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(hexutil.EncodeBig(&q.Int))
}

// ToInt returns the value as *big.Int, nil-safe.
func (q *Quantity) ToInt() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set(&q.Int)
}
