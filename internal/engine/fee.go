package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"salebot/internal/chain"
	"salebot/internal/config"
	"salebot/internal/metrics"
	"salebot/internal/report"
	"salebot/internal/txbuilder"
	"salebot/internal/util"
)

const (
	FeePolicySplit = config.FeePolicySplit
	FeePolicyLump  = config.FeePolicyLump
	FeePolicyNone  = config.FeePolicyNone
)

// FeePlan says how the service fee is paid. Split pays half before the batch
// and the rest on completion; lump pays everything on completion.
type FeePlan struct {
	Policy string
	Payees []common.Address
}

func (p FeePlan) active() bool {
	return p.Policy != FeePolicyNone && p.Policy != "" && len(p.Payees) > 0
}

// Upfront is the amount paid before dispatch starts.
func (p FeePlan) Upfront(fee *big.Int) *big.Int {
	if !p.active() || p.Policy != FeePolicySplit || fee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(fee, big.NewInt(2))
}

// Completion is the amount paid once the purchase is confirmed.
func (p FeePlan) Completion(fee *big.Int) *big.Int {
	if !p.active() || fee == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(fee, p.Upfront(fee))
}

func (p FeePlan) UpfrontTxs() int {
	if !p.active() || p.Policy != FeePolicySplit {
		return 0
	}
	return len(p.Payees)
}

func (p FeePlan) CompletionTxs() int {
	if !p.active() {
		return 0
	}
	return len(p.Payees)
}

// Slots is the number of nonces the fee transactions need.
func (p FeePlan) Slots() int {
	return p.UpfrontTxs() + p.CompletionTxs()
}

// SplitAmong divides amount into n shares. The remainder goes to the first share.
func SplitAmong(amount *big.Int, n int) []*big.Int {
	if n <= 0 {
		return nil
	}
	share, rem := new(big.Int).QuoRem(amount, big.NewInt(int64(n)), new(big.Int))
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = new(big.Int).Set(share)
	}
	out[0].Add(out[0], rem)
	return out
}

// FeeTrigger pays the service fee. Each phase runs at most once per run and
// uses the next nonces after the last accepted one.
type FeeTrigger struct {
	plan        FeePlan
	fee         *big.Int
	builder     *txbuilder.Builder
	signer      Signer
	broadcaster Broadcaster
	state       *State
	sink        report.Sink
	retry       util.Backoff
	logger      *slog.Logger
	network     string
	runID       string
}

type FeeDeps struct {
	Builder     *txbuilder.Builder
	Signer      Signer
	Broadcaster Broadcaster
	State       *State
	Sink        report.Sink
	Retry       util.Backoff
	Logger      *slog.Logger
	Network     string
	RunID       string
}

func NewFeeTrigger(plan FeePlan, fee *big.Int, deps FeeDeps) *FeeTrigger {
	f := &FeeTrigger{
		plan:        plan,
		fee:         big.NewInt(0),
		builder:     deps.Builder,
		signer:      deps.Signer,
		broadcaster: deps.Broadcaster,
		state:       deps.State,
		sink:        deps.Sink,
		retry:       deps.Retry,
		logger:      deps.Logger,
		network:     deps.Network,
		runID:       deps.RunID,
	}
	if fee != nil {
		f.fee.Set(fee)
	}
	if f.sink == nil {
		f.sink = report.Discard{}
	}
	return f
}

// PayUpfront sends the upfront share. It returns ErrDoublePayment when called
// again for the same run.
func (f *FeeTrigger) PayUpfront(ctx context.Context) ([]common.Hash, error) {
	if !f.state.markUpfrontPaid() {
		return nil, ErrDoublePayment
	}
	return f.pay(ctx, report.KindFeeUpfront, f.plan.Upfront(f.fee))
}

// OnConfirmed sends the completion share. Repeated completion signals result
// in a single payment; later calls return ErrDoublePayment.
func (f *FeeTrigger) OnConfirmed(ctx context.Context, ev PurchaseConfirmed) ([]common.Hash, error) {
	if !f.state.markFeePaid() {
		f.logger.Debug("completion fee already handled")
		return nil, ErrDoublePayment
	}
	f.logger.Info("paying completion fee", "balance", valueString(ev.Balance))
	return f.pay(ctx, report.KindFeeCompletion, f.plan.Completion(f.fee))
}

// pay stops at the first failure, leaving the remaining nonces unused so the
// account's sequence has no gap.
func (f *FeeTrigger) pay(ctx context.Context, kind string, amount *big.Int) ([]common.Hash, error) {
	if !f.plan.active() || amount.Sign() <= 0 {
		metrics.FeePayments.WithLabelValues(f.network, kind, "skipped").Inc()
		return nil, nil
	}
	var hashes []common.Hash
	for i, share := range SplitAmong(amount, len(f.plan.Payees)) {
		payee := f.plan.Payees[i]
		if share.Sign() == 0 {
			continue
		}
		hash, err := f.send(ctx, kind, i, payee, share)
		if err != nil {
			metrics.FeePayments.WithLabelValues(f.network, kind, "failed").Inc()
			f.logger.Error("fee payment failed", "phase", kind, "payee", payee.Hex(), "error", err)
			return hashes, err
		}
		metrics.FeePayments.WithLabelValues(f.network, kind, "sent").Inc()
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (f *FeeTrigger) send(ctx context.Context, kind string, idx int, payee common.Address, value *big.Int) (common.Hash, error) {
	nonce := f.state.NextNonce()
	tick := report.Tick{
		RunID:    f.runID,
		Network:  f.network,
		Kind:     kind,
		Index:    idx,
		Nonce:    nonce,
		To:       payee.Hex(),
		ValueWei: value.String(),
	}
	d, err := f.builder.Transfer(nonce, payee, value, nil)
	if err != nil {
		return common.Hash{}, f.report(tick, report.OutcomeSigningError, err)
	}
	signed, err := Sign(f.signer, d)
	if err != nil {
		return common.Hash{}, f.report(tick, report.OutcomeSigningError, err)
	}
	err = util.Retry(ctx, f.retry, chain.IsTransient, nil, func() error {
		_, err := f.broadcaster.Broadcast(ctx, signed.Raw)
		return err
	})
	if err != nil {
		outcome := report.OutcomeNetworkError
		var rejected *chain.RejectedError
		if errors.As(err, &rejected) {
			outcome = report.OutcomeRejected
		}
		return common.Hash{}, f.report(tick, outcome, err)
	}
	if err := f.state.advanceNonce(nonce, false); err != nil {
		return common.Hash{}, f.report(tick, report.OutcomeInvalidNonce, err)
	}
	tick.TxHash = signed.Hash.Hex()
	f.logger.Info("fee sent", "phase", kind, "payee", payee.Hex(), "nonce", nonce, "value", value.String(), "tx", tick.TxHash)
	_ = f.report(tick, report.OutcomeAccepted, nil)
	return signed.Hash, nil
}

func (f *FeeTrigger) report(t report.Tick, outcome string, err error) error {
	t.Outcome = outcome
	t.At = time.Now()
	if err != nil {
		t.Error = err.Error()
		err = fmt.Errorf("%s fee to %s: %w", t.Kind, t.To, err)
	}
	if werr := f.sink.WriteTick(t); werr != nil {
		f.logger.Warn("fee report failed", "error", werr)
	}
	return err
}
