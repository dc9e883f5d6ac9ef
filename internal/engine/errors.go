package engine

import (
	"errors"
	"fmt"
)

// ErrDoublePayment is returned by the fee guards when a fee phase has already
// run. Callers treat it as a no-op.
var ErrDoublePayment = errors.New("fee already paid for this run")

// SigningError means a descriptor could not be turned into signed bytes.
type SigningError struct {
	Nonce uint64
	Err   error
}

func (e *SigningError) Error() string {
	if e == nil || e.Err == nil {
		return "signing failed"
	}
	return fmt.Sprintf("sign nonce %d: %v", e.Nonce, e.Err)
}

func (e *SigningError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
