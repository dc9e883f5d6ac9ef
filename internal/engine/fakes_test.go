package engine

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"salebot/internal/txbuilder"
)

var (
	testChainID   = big.NewInt(11155111)
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testGas       = txbuilder.GasParams{Limit: 21000, Price: big.NewInt(1)}
	timeZero      time.Time
)

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *keySigner) Address() common.Address { return s.addr }

func (s *keySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil || chainID.Cmp(testChainID) != 0 {
		return nil, errors.New("wrong chain")
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}

type failingSigner struct{ addr common.Address }

func (s failingSigner) Address() common.Address { return s.addr }

func (failingSigner) SignTx(*types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, errors.New("hsm offline")
}

type sentTx struct {
	tx *types.Transaction
	at time.Time
}

// fakeProvider is an in-memory chain. The balance drops by the value of every
// accepted transaction once spendAfter accepted transactions have been seen;
// a negative spendAfter keeps the balance fixed.
type fakeProvider struct {
	mu sync.Mutex

	balance    *big.Int
	nonce      uint64
	spendAfter int

	sent         []sentTx
	attempts     int
	failures     []error
	rejectTo     map[common.Address]error
	confirmDelay time.Duration
	confirmErr   error
	confirmed    []common.Hash
	balanceCalls int
	nonceCalls   int
	// balanceCalls observed when the first transaction was accepted.
	balanceCallsAtFirstSend int
}

func newFakeProvider(balance int64, nonce uint64) *fakeProvider {
	return &fakeProvider{balance: big.NewInt(balance), nonce: nonce, spendAfter: -1, rejectTo: map[common.Address]error{}}
}

func (p *fakeProvider) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balanceCalls++
	return new(big.Int).Set(p.balance), nil
}

func (p *fakeProvider) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonceCalls++
	return p.nonce, nil
}

func (p *fakeProvider) Broadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if err, ok := p.rejectTo[*tx.To()]; ok {
		return common.Hash{}, err
	}
	if len(p.sent) == 0 {
		p.balanceCallsAtFirstSend = p.balanceCalls
	}
	p.sent = append(p.sent, sentTx{tx: tx, at: time.Now()})
	if p.spendAfter >= 0 && len(p.sent) > p.spendAfter {
		p.balance.Sub(p.balance, tx.Value())
	}
	return tx.Hash(), nil
}

func (p *fakeProvider) WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if p.confirmDelay > 0 {
		select {
		case <-time.After(p.confirmDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmErr != nil {
		return nil, p.confirmErr
	}
	p.confirmed = append(p.confirmed, hash)
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1), TxHash: hash}, nil
}

func (p *fakeProvider) sentTxs() []sentTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentTx(nil), p.sent...)
}

func (p *fakeProvider) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *fakeProvider) balanceCounts() (total, beforeFirstSend int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceCalls, p.balanceCallsAtFirstSend
}

func (p *fakeProvider) setBalance(v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = new(big.Int).Set(v)
}

// signedBatch builds and signs count transfers starting at nonce start.
func signedBatch(t *testing.T, signer Signer, start uint64, values ...int64) []Signed {
	t.Helper()
	b := txbuilder.NewBuilder(testChainID, testGas)
	out := make([]Signed, 0, len(values))
	for i, v := range values {
		d, err := b.Transfer(start+uint64(i), testRecipient, big.NewInt(v), nil)
		require.NoError(t, err)
		s, err := Sign(signer, d)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func nonces(start uint64, n int) []uint64 {
	return txbuilder.Sequence(start, n)
}
