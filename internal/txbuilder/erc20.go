package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	selectorBalanceOf = mustSelector("0x70a08231")
	selectorDecimals  = mustSelector("0x313ce567")
)

// RawCaller is satisfied by *rpc.Client.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

func BuildBalanceOfCallData(owner common.Address) []byte {
	data := append([]byte{}, selectorBalanceOf...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}

// ReadERC20Balance reports how many sale tokens the account holds.
func ReadERC20Balance(ctx context.Context, caller RawCaller, token common.Address, owner common.Address) (*big.Int, error) {
	if caller == nil {
		return nil, errors.New("rpc client is nil")
	}
	call := map[string]string{
		"to":   token.Hex(),
		"data": hexutil.Encode(BuildBalanceOfCallData(owner)),
	}
	var out string
	if err := caller.CallContext(ctx, &out, "eth_call", call, "latest"); err != nil {
		return nil, err
	}
	return decodeHexBig(out)
}

func ReadERC20Decimals(ctx context.Context, caller RawCaller, token common.Address) (uint8, error) {
	if caller == nil {
		return 0, errors.New("rpc client is nil")
	}
	call := map[string]string{
		"to":   token.Hex(),
		"data": hexutil.Encode(selectorDecimals),
	}
	var out string
	if err := caller.CallContext(ctx, &out, "eth_call", call, "latest"); err != nil {
		return 0, err
	}
	v, err := decodeHexBig(out)
	if err != nil {
		return 0, err
	}
	if v.Sign() < 0 || v.BitLen() > 8 {
		return 0, fmt.Errorf("decimals out of range: %s", v.String())
	}
	return uint8(v.Uint64()), nil
}

// FormatUnits renders a base-unit amount with the given number of decimals,
// without trailing fractional zeros.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	out := whole.String()
	if frac.Sign() > 0 {
		f := frac.String()
		f = strings.Repeat("0", int(decimals)-len(f)) + f
		out += "." + strings.TrimRight(f, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

func mustSelector(hex string) []byte {
	b, err := hexutil.Decode(hex)
	if err != nil {
		panic(err)
	}
	if len(b) != 4 {
		panic("selector must be 4 bytes")
	}
	return b
}
