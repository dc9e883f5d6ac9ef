package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type ValueMode int

const (
	// ValueLive sends the full spendable amount in every descriptor.
	ValueLive ValueMode = iota
	// ValueProbe sends base + step*i so each probe is distinguishable on-chain.
	ValueProbe
)

func (m ValueMode) String() string {
	switch m {
	case ValueLive:
		return "live"
	case ValueProbe:
		return "probe"
	default:
		return "unknown"
	}
}

type BatchSpec struct {
	Recipient common.Address
	Payload   []byte
	Nonces    []uint64
	Mode      ValueMode

	Spendable *big.Int
	ProbeBase *big.Int
	ProbeStep *big.Int
}

// BuildBatch assembles one descriptor per nonce, in nonce order. It never signs.
func (b *Builder) BuildBatch(spec BatchSpec) ([]Descriptor, error) {
	if len(spec.Nonces) == 0 {
		return []Descriptor{}, nil
	}
	if err := ValidateSequence(spec.Nonces[0], descriptorsFor(spec.Nonces)); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(spec.Nonces))
	for i, nonce := range spec.Nonces {
		value, err := spec.valueAt(i)
		if err != nil {
			return nil, err
		}
		d, err := b.Transfer(nonce, spec.Recipient, value, spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s BatchSpec) valueAt(i int) (*big.Int, error) {
	switch s.Mode {
	case ValueLive:
		if s.Spendable == nil {
			return nil, errors.New("spendable is required in live mode")
		}
		return s.Spendable, nil
	case ValueProbe:
		return ProbeValue(s.ProbeBase, s.ProbeStep, i)
	default:
		return nil, fmt.Errorf("unknown value mode %d", s.Mode)
	}
}

// ProbeValue returns base + step*i.
func ProbeValue(base, step *big.Int, i int) (*big.Int, error) {
	if base == nil || step == nil {
		return nil, errors.New("probe base and step are required")
	}
	v := new(big.Int).Mul(step, big.NewInt(int64(i)))
	return v.Add(v, base), nil
}

func descriptorsFor(nonces []uint64) []Descriptor {
	out := make([]Descriptor, len(nonces))
	for i, n := range nonces {
		out[i].Nonce = n
	}
	return out
}

// TotalCost sums value and worst-case gas over the batch.
func TotalCost(batch []Descriptor) *big.Int {
	total := new(big.Int)
	for _, d := range batch {
		total.Add(total, d.Cost())
	}
	return total
}
