package txbuilder

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

type NonceSource interface {
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Sequence returns count contiguous nonces starting at start.
func Sequence(start uint64, count int) []uint64 {
	if count <= 0 {
		return []uint64{}
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = start + uint64(i)
	}
	return out
}

// Sequencer hands out a run's nonces. The starting nonce is queried once;
// later calls reuse it so signed-but-unconfirmed transactions never collide.
type Sequencer struct {
	source  NonceSource
	account common.Address

	queried bool
	start   uint64
}

func NewSequencer(source NonceSource, account common.Address) *Sequencer {
	return &Sequencer{source: source, account: account}
}

func (s *Sequencer) Reserve(ctx context.Context, count int) ([]uint64, error) {
	if s.queried {
		return nil, errors.New("nonce sequence already reserved for this run")
	}
	if s.source == nil {
		return nil, errors.New("nonce source is nil")
	}
	start, err := s.source.NonceAt(ctx, s.account)
	if err != nil {
		return nil, err
	}
	s.queried = true
	s.start = start
	return Sequence(start, count), nil
}

func (s *Sequencer) Start() (uint64, bool) {
	return s.start, s.queried
}

// ValidateSequence checks that descriptors carry contiguous increasing nonces
// beginning at start.
func ValidateSequence(start uint64, batch []Descriptor) error {
	for i, d := range batch {
		want := start + uint64(i)
		if d.Nonce != want {
			return &InvalidNonceSequenceError{Index: i, Expected: want, Got: d.Nonce}
		}
	}
	return nil
}
