package accounting

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeExample(t *testing.T) {
	snap, err := Compute(big.NewInt(1000), big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.Fee.Int64())
	assert.Equal(t, int64(891), snap.Spendable.Int64())
	assert.Equal(t, int64(1000), snap.Total.Int64())
	assert.Equal(t, int64(100), snap.ReservedCap.Int64())
}

func TestComputePartsSumToTotal(t *testing.T) {
	for total := int64(0); total <= 2500; total += 37 {
		for reserved := int64(0); reserved <= total; reserved += 53 {
			snap, err := Compute(big.NewInt(total), big.NewInt(reserved))
			require.NoError(t, err)

			wantFee := (total - reserved) / 100
			assert.Equal(t, wantFee, snap.Fee.Int64())
			assert.GreaterOrEqual(t, snap.Spendable.Sign(), 0)

			sum := new(big.Int).Add(snap.Spendable, snap.Fee)
			sum.Add(sum, snap.ReservedCap)
			assert.Equal(t, total, sum.Int64())
		}
	}
}

func TestComputeInsufficient(t *testing.T) {
	_, err := Compute(big.NewInt(99), big.NewInt(100))
	var insufficient *InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(99), insufficient.Total.Int64())
	assert.Equal(t, int64(100), insufficient.Required.Int64())
}

func TestComputeRejectsNegative(t *testing.T) {
	_, err := Compute(big.NewInt(-1), big.NewInt(0))
	assert.Error(t, err)
}

func TestMaxTransactions(t *testing.T) {
	price := big.NewInt(50_000_000_000)
	spend := new(big.Int).Mul(big.NewInt(10), TxCost(21000, price))

	assert.Equal(t, 10, MaxTransactions(spend, 21000, price, 0))
	assert.Equal(t, 6, MaxTransactions(spend, 21000, price, 4))
	assert.Equal(t, 0, MaxTransactions(spend, 21000, price, 11))
	assert.Equal(t, 0, MaxTransactions(spend, 21000, big.NewInt(0), 0))
}

func TestRequireCovers(t *testing.T) {
	assert.NoError(t, RequireCovers(big.NewInt(10), big.NewInt(10)))

	var insufficient *InsufficientBalanceError
	assert.ErrorAs(t, RequireCovers(big.NewInt(9), big.NewInt(10)), &insufficient)
}
