package txbuilder

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Descriptor is an unsigned value transfer. ChainID must match the target
// network so the signed transaction cannot be replayed elsewhere.
type Descriptor struct {
	Nonce     uint64
	GasLimit  uint64
	GasPrice  *big.Int
	Recipient common.Address
	Value     *big.Int
	Payload   []byte
	ChainID   *big.Int
}

type GasParams struct {
	Limit uint64
	Price *big.Int
}

type Builder struct {
	ChainID *big.Int
	Gas     GasParams
}

func NewBuilder(chainID *big.Int, gas GasParams) *Builder {
	b := &Builder{Gas: GasParams{Limit: gas.Limit}}
	if chainID != nil {
		b.ChainID = new(big.Int).Set(chainID)
	}
	if gas.Price != nil {
		b.Gas.Price = new(big.Int).Set(gas.Price)
	}
	return b
}

// Transfer assembles one descriptor using the builder's chain and gas settings.
func (b *Builder) Transfer(nonce uint64, to common.Address, value *big.Int, payload []byte) (Descriptor, error) {
	d := Descriptor{
		Nonce:     nonce,
		GasLimit:  b.Gas.Limit,
		Recipient: to,
		Payload:   append([]byte{}, payload...),
	}
	if b.Gas.Price != nil {
		d.GasPrice = new(big.Int).Set(b.Gas.Price)
	}
	if b.ChainID != nil {
		d.ChainID = new(big.Int).Set(b.ChainID)
	}
	if value != nil {
		d.Value = new(big.Int).Set(value)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (d Descriptor) Validate() error {
	if d.ChainID == nil || d.ChainID.Sign() <= 0 {
		return errors.New("chainID is required")
	}
	if d.Value == nil {
		return errors.New("value is required")
	}
	if d.Value.Sign() < 0 {
		return errors.New("value must be non-negative")
	}
	if d.GasLimit == 0 {
		return errors.New("gasLimit is required")
	}
	if d.GasPrice == nil {
		return errors.New("gasPrice is required")
	}
	if d.GasPrice.Sign() < 0 {
		return errors.New("gasPrice must be non-negative")
	}
	return nil
}

// Transaction converts the descriptor into an unsigned legacy transaction.
// The chain id is applied by the EIP-155 signer.
func (d Descriptor) Transaction() (*types.Transaction, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	to := d.Recipient
	return types.NewTx(&types.LegacyTx{
		Nonce:    d.Nonce,
		GasPrice: new(big.Int).Set(d.GasPrice),
		Gas:      d.GasLimit,
		To:       &to,
		Value:    new(big.Int).Set(d.Value),
		Data:     append([]byte{}, d.Payload...),
	}), nil
}

// Cost is value plus the worst-case gas spend.
func (d Descriptor) Cost() *big.Int {
	out := new(big.Int)
	if d.GasPrice != nil {
		out.Mul(d.GasPrice, new(big.Int).SetUint64(d.GasLimit))
	}
	if d.Value != nil {
		out.Add(out, d.Value)
	}
	return out
}
