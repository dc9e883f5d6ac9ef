package engine

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"salebot/internal/txbuilder"
)

type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, raw []byte) (common.Hash, error)
}

type Confirmer interface {
	WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Provider is everything a run needs from the chain.
type Provider interface {
	Broadcaster
	Confirmer
	BalanceReader
	txbuilder.NonceSource
}

// Signed pairs a descriptor with its signed wire bytes. Raw is empty until
// signing succeeds.
type Signed struct {
	Descriptor txbuilder.Descriptor
	Raw        []byte
	Hash       common.Hash
}

func (s Signed) IsSigned() bool {
	return len(s.Raw) > 0
}

// Sign turns one descriptor into signed bytes. Descriptors without a chain
// id are refused before the signer sees them.
func Sign(signer Signer, d txbuilder.Descriptor) (Signed, error) {
	if signer == nil {
		return Signed{}, &SigningError{Nonce: d.Nonce, Err: errors.New("no signer configured")}
	}
	tx, err := d.Transaction()
	if err != nil {
		return Signed{}, &SigningError{Nonce: d.Nonce, Err: err}
	}
	signed, err := signer.SignTx(tx, d.ChainID)
	if err != nil {
		return Signed{}, &SigningError{Nonce: d.Nonce, Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return Signed{}, &SigningError{Nonce: d.Nonce, Err: err}
	}
	return Signed{Descriptor: d, Raw: raw, Hash: signed.Hash()}, nil
}

// SignBatch signs in order; the output index matches the input index.
func SignBatch(signer Signer, batch []txbuilder.Descriptor) ([]Signed, error) {
	out := make([]Signed, 0, len(batch))
	for _, d := range batch {
		s, err := Sign(signer, d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
