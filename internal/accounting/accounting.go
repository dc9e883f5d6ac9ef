// Package accounting derives how much of an account balance a run may commit
// to the purchase once the gas reserve and the service fee are set aside.
package accounting

import (
	"errors"
	"fmt"
	"math/big"
)

// FeeDivisor sets the service fee to one percent of the committable balance.
const FeeDivisor = 100

type InsufficientBalanceError struct {
	Total    *big.Int
	Required *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	if e == nil || e.Total == nil || e.Required == nil {
		return "insufficient balance"
	}
	return fmt.Sprintf("insufficient balance: have %s wei, need %s wei", e.Total, e.Required)
}

// Snapshot is the result of one accounting pass. Spendable is always
// Total - ReservedCap - Fee.
type Snapshot struct {
	Total       *big.Int
	ReservedCap *big.Int
	Fee         *big.Int
	Spendable   *big.Int
}

// Compute splits total into reserve, fee and spendable value. The fee is
// floor((total-reservedCap)/100) and therefore never overestimates.
func Compute(total, reservedCap *big.Int) (Snapshot, error) {
	if total == nil || reservedCap == nil {
		return Snapshot{}, errors.New("total and reservedCap are required")
	}
	if total.Sign() < 0 || reservedCap.Sign() < 0 {
		return Snapshot{}, errors.New("total and reservedCap must be non-negative")
	}
	available := new(big.Int).Sub(total, reservedCap)
	if available.Sign() < 0 {
		return Snapshot{}, &InsufficientBalanceError{Total: new(big.Int).Set(total), Required: new(big.Int).Set(reservedCap)}
	}
	fee := new(big.Int).Quo(available, big.NewInt(FeeDivisor))
	spendable := new(big.Int).Sub(available, fee)
	if spendable.Sign() < 0 {
		return Snapshot{}, &InsufficientBalanceError{Total: new(big.Int).Set(total), Required: new(big.Int).Add(reservedCap, fee)}
	}
	return Snapshot{
		Total:       new(big.Int).Set(total),
		ReservedCap: new(big.Int).Set(reservedCap),
		Fee:         fee,
		Spendable:   spendable,
	}, nil
}

// TxCost is the worst-case gas cost of one transaction.
func TxCost(gasLimit uint64, gasPrice *big.Int) *big.Int {
	if gasPrice == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
}

// MaxTransactions returns how many transactions the spend cap pays gas for,
// less the slots reserved for fee transactions. The result is never negative.
func MaxTransactions(maxSpend *big.Int, gasLimit uint64, gasPrice *big.Int, reservedSlots int) int {
	cost := TxCost(gasLimit, gasPrice)
	if maxSpend == nil || cost.Sign() <= 0 {
		return 0
	}
	n := new(big.Int).Quo(maxSpend, cost)
	if !n.IsInt64() {
		return 0
	}
	count := n.Int64() - int64(reservedSlots)
	if count < 0 {
		return 0
	}
	const maxInt = int64(^uint(0) >> 1)
	if count > maxInt {
		return int(maxInt)
	}
	return int(count)
}

// RequireCovers fails with InsufficientBalanceError when total cannot pay for
// required. Probe runs use it in place of Compute.
func RequireCovers(total, required *big.Int) error {
	if total == nil || required == nil {
		return errors.New("total and required are required")
	}
	if total.Cmp(required) < 0 {
		return &InsufficientBalanceError{Total: new(big.Int).Set(total), Required: new(big.Int).Set(required)}
	}
	return nil
}
