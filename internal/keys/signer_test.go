package keys

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well known hardhat development key #0.
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func unsignedTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	return types.NewTx(&types.LegacyTx{Nonce: nonce, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(1)})
}

func TestPrivateKeySignerSignsForConfiguredChain(t *testing.T) {
	s, err := NewPrivateKeySigner(devKey, big.NewInt(1337))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	signed, err := s.SignTx(unsignedTx(7), big.NewInt(1337))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), signed.Nonce())
	assert.Equal(t, int64(1337), signed.ChainId().Int64())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestPrivateKeySignerRejectsChainMismatch(t *testing.T) {
	s, err := NewPrivateKeySigner(devKey, big.NewInt(1))
	require.NoError(t, err)

	_, err = s.SignTx(unsignedTx(0), nil)
	assert.ErrorContains(t, err, "without a chain id")

	_, err = s.SignTx(unsignedTx(0), big.NewInt(5))
	assert.ErrorContains(t, err, "refusing to sign for chain 5")
}

func TestNewPrivateKeySignerValidates(t *testing.T) {
	_, err := NewPrivateKeySigner(devKey, nil)
	assert.Error(t, err)
	_, err = NewPrivateKeySigner("0xzz", big.NewInt(1))
	assert.Error(t, err)
}

func TestManagerSignsWithSelectedAccount(t *testing.T) {
	m, err := NewManager(t.TempDir(), "secret", big.NewInt(1337))
	require.NoError(t, err)

	assert.Error(t, m.Use(""), "empty keystore")

	addr, err := m.CreateAccount()
	require.NoError(t, err)
	require.NoError(t, m.Use(""))
	assert.Equal(t, addr, m.Address())

	_, err = m.SignTx(unsignedTx(0), big.NewInt(1))
	assert.Error(t, err)

	signed, err := m.SignTx(unsignedTx(0), big.NewInt(1337))
	require.NoError(t, err)
	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(1337)), signed)
	require.NoError(t, err)
	assert.Equal(t, addr, from)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	assert.Error(t, m.Use(crypto.PubkeyToAddress(key.PublicKey).Hex()))
}
