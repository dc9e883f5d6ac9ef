package txbuilder

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// PurchaseCallData packs a no-argument payable call (for example buyTokens())
// from the sale contract's ABI. An empty path yields an empty payload, which
// is a plain value transfer to the contract's fallback.
func PurchaseCallData(abiPath, method string) ([]byte, error) {
	if abiPath == "" {
		return []byte{}, nil
	}
	f, err := os.Open(abiPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return PackPurchaseCall(f, method)
}

func PackPurchaseCall(r io.Reader, method string) ([]byte, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse sale abi: %w", err)
	}
	m, ok := parsed.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q not found in ABI", method)
	}
	if !m.IsPayable() {
		return nil, fmt.Errorf("method %q is not payable", method)
	}
	if len(m.Inputs) > 0 {
		return nil, fmt.Errorf("method %q takes %d arguments, only no-argument purchase calls are supported", method, len(m.Inputs))
	}
	return parsed.Pack(method)
}
