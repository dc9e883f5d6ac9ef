package txbuilder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// decodeHexBig reads an eth_call result word. Calls to accounts without code
// return "0x", which decodes to zero.
func decodeHexBig(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("hex value is empty")
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return big.NewInt(0), nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	b, err := hexutil.Decode("0x" + value)
	if err != nil {
		return nil, fmt.Errorf("invalid hex number: %w", err)
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("hex number exceeds 256 bits: %d bytes", len(b))
	}
	return new(big.Int).SetBytes(b), nil
}
