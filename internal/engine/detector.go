package engine

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"salebot/internal/metrics"
)

// PurchaseConfirmed is emitted once per run when the expected value has left
// the account.
type PurchaseConfirmed struct {
	Balance   *big.Int
	Threshold *big.Int
	At        time.Time
}

// Detector decides whether the purchase went through by watching the
// account balance drop to the expected post-spend level.
type Detector struct {
	balances BalanceReader
	account  common.Address
	state    *State
	logger   *slog.Logger
	network  string
	now      func() time.Time

	confirmed chan PurchaseConfirmed
}

func NewDetector(balances BalanceReader, account common.Address, state *State, logger *slog.Logger, network string) *Detector {
	return &Detector{
		balances:  balances,
		account:   account,
		state:     state,
		logger:    logger,
		network:   network,
		now:       time.Now,
		confirmed: make(chan PurchaseConfirmed, 1),
	}
}

// Confirmed delivers at most one event per run.
func (d *Detector) Confirmed() <-chan PurchaseConfirmed {
	return d.confirmed
}

// Check reads the balance and reports success when it is at or below
// before-spent. On the first success it cancels timer (when non-nil), stops
// the run and emits PurchaseConfirmed. Callers must only invoke it after the
// transaction carrying spent was accepted for broadcast.
func (d *Detector) Check(ctx context.Context, before, spent *big.Int, timer Canceler) (bool, error) {
	current, err := d.balances.Balance(ctx, d.account)
	if err != nil {
		metrics.DetectorChecks.WithLabelValues(d.network, "error").Inc()
		return false, err
	}
	threshold := new(big.Int).Sub(before, spent)
	if current.Cmp(threshold) > 0 {
		metrics.DetectorChecks.WithLabelValues(d.network, "pending").Inc()
		d.logger.Debug("purchase not yet visible", "balance", current.String(), "threshold", threshold.String())
		return false, nil
	}
	metrics.DetectorChecks.WithLabelValues(d.network, "confirmed").Inc()
	if !d.state.markCompleted() {
		return true, nil
	}
	if timer != nil {
		timer.Cancel()
	}
	d.state.Stop(OutcomeSuccess, "purchase confirmed by balance")
	d.logger.Info("purchase confirmed", "balance", current.String(), "threshold", threshold.String())
	d.confirmed <- PurchaseConfirmed{Balance: current, Threshold: threshold, At: d.now()}
	return true, nil
}
