package chain

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Reasons reported on RejectedError.
const (
	ReasonNonceTooLow         = "nonce_too_low"
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonUnderpriced         = "underpriced"
	ReasonInvalidTransaction  = "invalid_transaction"
	ReasonChainIDMismatch     = "chain_id_mismatch"
	ReasonTerminalUnspecified = "terminal"
)

var alreadyKnownTokens = []string{
	"already known",
	"known transaction",
	"already imported",
}

var rejectTokens = []struct {
	token  string
	reason string
}{
	{"nonce too low", ReasonNonceTooLow},
	{"insufficient funds", ReasonInsufficientFunds},
	{"underpriced", ReasonUnderpriced},
	{"invalid sender", ReasonChainIDMismatch},
	{"chain id", ReasonChainIDMismatch},
	{"intrinsic gas too low", ReasonInvalidTransaction},
	{"exceeds block gas limit", ReasonInvalidTransaction},
	{"oversized data", ReasonInvalidTransaction},
	{"rlp", ReasonInvalidTransaction},
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
}

// IsAlreadyKnown reports a node answering that it already holds the
// transaction. The submission counts as accepted.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), alreadyKnownTokens)
}

// Classify wraps err as NetworkError or RejectedError. Unknown failures are
// treated as permanent so a nonce slot is never silently skipped.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr *NetworkError
	var rejErr *RejectedError
	if errors.As(err, &netErr) || errors.As(err, &rejErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &NetworkError{Op: op, Err: err}
	}
	lower := strings.ToLower(err.Error())
	for _, t := range rejectTokens {
		if strings.Contains(lower, t.token) {
			return &RejectedError{Reason: t.reason, Err: err}
		}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 || httpErr.StatusCode >= 500 {
			return &NetworkError{Op: op, Err: err}
		}
		return &RejectedError{Reason: ReasonTerminalUnspecified, Err: err}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if code == -32603 || code == -32005 {
			return &NetworkError{Op: op, Err: err}
		}
	}
	if containsAny(lower, transientTokens) {
		return &NetworkError{Op: op, Err: err}
	}
	return &RejectedError{Reason: ReasonTerminalUnspecified, Err: err}
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
