package chain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NetworkError is a transient provider failure. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e == nil || e.Err == nil {
		return "network error"
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RejectedError is a permanent refusal, such as a stale nonce.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e == nil {
		return "transaction rejected"
	}
	if e.Err == nil {
		return "transaction rejected: " + e.Reason
	}
	return fmt.Sprintf("transaction rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type ConfirmationTimeoutError struct {
	Hash    common.Hash
	Timeout time.Duration
}

func (e *ConfirmationTimeoutError) Error() string {
	if e == nil {
		return "confirmation timed out"
	}
	return fmt.Sprintf("tx %s not confirmed within %s", e.Hash.Hex(), e.Timeout)
}
