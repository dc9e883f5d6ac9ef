package txbuilder

import "fmt"

type InvalidNonceSequenceError struct {
	Index    int
	Expected uint64
	Got      uint64
}

func (e *InvalidNonceSequenceError) Error() string {
	if e == nil {
		return "invalid nonce sequence"
	}
	kind := "gap"
	if e.Got < e.Expected {
		kind = "duplicate"
	}
	return fmt.Sprintf("invalid nonce sequence: %s at index %d (expected %d, got %d)", kind, e.Index, e.Expected, e.Got)
}
