// Package engine runs one scheduled purchase: it plans the batch from the
// account's balance and nonce, dispatches it on a fixed cadence, watches for
// the purchase to land and then pays the service fee once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"salebot/internal/accounting"
	"salebot/internal/chain"
	"salebot/internal/metrics"
	"salebot/internal/report"
	"salebot/internal/txbuilder"
	"salebot/internal/util"
)

type Options struct {
	Env       Environment
	Gas       txbuilder.GasParams
	Schedule  ScheduleConfig
	// Summarize may add fields to the run summary before it is written.
	Summarize func(ctx context.Context, s *report.Summary)
	Now       func() time.Time
}

type Engine struct {
	opts     Options
	signer   Signer
	provider Provider
	sink     report.Sink
	logger   *slog.Logger
	builder  *txbuilder.Builder
	state    *State
	runID    string
	now      func() time.Time
}

func New(opts Options, signer Signer, provider Provider, sink report.Sink, logger *slog.Logger) (*Engine, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts.Env.ChainID == nil || opts.Env.ChainID.Sign() <= 0 {
		return nil, errors.New("environment chain id is required")
	}
	if sink == nil {
		sink = report.Discard{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	runID := uuid.NewString()
	return &Engine{
		opts:     opts,
		signer:   signer,
		provider: provider,
		sink:     sink,
		logger:   logger.With("run_id", runID, "environment", opts.Env.Network.String()),
		builder:  txbuilder.NewBuilder(opts.Env.ChainID, opts.Gas),
		state:    NewState(),
		runID:    runID,
		now:      now,
	}, nil
}

func (e *Engine) RunID() string {
	return e.runID
}

func (e *Engine) State() *State {
	return e.state
}

func (e *Engine) Snapshot() Snapshot {
	return e.state.Snapshot()
}

// Abort stops the run as Fatal. Transactions already accepted stay on chain.
func (e *Engine) Abort(reason string) bool {
	e.logger.Warn("run aborted", "reason", reason)
	return e.state.Stop(OutcomeFatal, reason)
}

// Plan is the output of the accounting and batch-building phase. Nothing
// has been broadcast when it is returned.
type Plan struct {
	Account      common.Address
	Balance      *big.Int
	Accounting   *accounting.Snapshot
	Nonces       []uint64
	UpfrontSlots int
	Batch        []Signed
	TotalCost    *big.Int
	StartedAt    time.Time

	spec txbuilder.BatchSpec
}

// Fee is the service fee for the run, zero on test networks.
func (p *Plan) Fee() *big.Int {
	if p.Accounting == nil {
		return big.NewInt(0)
	}
	return p.Accounting.Fee
}

// Prepare queries balance and nonce once, runs the accounting, reserves the
// nonce window and signs the batch. Accounting and sequencing errors abort
// here before anything is broadcast.
func (e *Engine) Prepare(ctx context.Context) (*Plan, error) {
	env := e.opts.Env
	account := e.signer.Address()
	plan := &Plan{Account: account, StartedAt: e.now()}

	if err := e.retry(ctx, func() error {
		var err error
		plan.Balance, err = e.provider.Balance(ctx, account)
		return err
	}); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	count := env.TxCount(e.opts.Gas)
	if env.Mode() == txbuilder.ValueLive {
		snap, err := accounting.Compute(plan.Balance, env.MaxSpend)
		if err != nil {
			return nil, err
		}
		plan.Accounting = &snap
		e.logger.Info("accounting done", "total", snap.Total.String(), "reserved", snap.ReservedCap.String(),
			"fee", snap.Fee.String(), "spendable", snap.Spendable.String(), "transactions", count)
	}
	completionSlots := 0
	if count > 0 {
		plan.UpfrontSlots = nonZero(SplitAmong(env.Fee.Upfront(plan.Fee()), len(env.Fee.Payees)))
		completionSlots = nonZero(SplitAmong(env.Fee.Completion(plan.Fee()), len(env.Fee.Payees)))
	}

	seq := txbuilder.NewSequencer(e.provider, account)
	if err := e.retry(ctx, func() error {
		var err error
		plan.Nonces, err = seq.Reserve(ctx, plan.UpfrontSlots+count+completionSlots)
		return err
	}); err != nil {
		return nil, fmt.Errorf("reserve nonces: %w", err)
	}

	plan.spec = txbuilder.BatchSpec{
		Recipient: env.Recipient,
		Payload:   env.Payload,
		Nonces:    plan.Nonces[plan.UpfrontSlots : plan.UpfrontSlots+count],
		Mode:      env.Mode(),
		ProbeBase: env.ProbeBase,
		ProbeStep: env.ProbeStep,
	}
	if plan.Accounting != nil {
		plan.spec.Spendable = plan.Accounting.Spendable
	}
	descriptors, err := e.builder.BuildBatch(plan.spec)
	if err != nil {
		return nil, err
	}
	plan.TotalCost = txbuilder.TotalCost(descriptors)
	if env.Mode() == txbuilder.ValueProbe {
		if err := accounting.RequireCovers(plan.Balance, plan.TotalCost); err != nil {
			return nil, err
		}
	}
	plan.Batch, err = SignBatch(e.signer, descriptors)
	if err != nil {
		return nil, err
	}
	if err := e.state.Plan(len(plan.Batch), e.opts.Schedule.Start, plan.Nonces); err != nil {
		return nil, err
	}
	start, _ := seq.Start()
	e.logger.Info("batch prepared", "account", account.Hex(), "balance", plan.Balance.String(),
		"start_nonce", start, "transactions", len(plan.Batch), "mode", env.Mode().String())
	return plan, nil
}

type Result struct {
	RunID        string
	Outcome      Outcome
	Reason       string
	Planned      int
	Dispatched   int
	TxHashes     []string
	FeeTxHashes  []common.Hash
	FeeErr       error
	BalanceAfter *big.Int
}

// Execute pays the upfront fee, runs the scheduler and, when the purchase is
// confirmed, pays the completion fee. The returned error is the cause of a
// Fatal outcome; fee failures are reported in Result.FeeErr only.
func (e *Engine) Execute(ctx context.Context, plan *Plan) (Result, error) {
	network := e.opts.Env.Network.String()
	fees := NewFeeTrigger(e.opts.Env.Fee, plan.Fee(), FeeDeps{
		Builder:     e.builder,
		Signer:      e.signer,
		Broadcaster: e.provider,
		State:       e.state,
		Sink:        e.sink,
		Retry:       e.opts.Schedule.Retry,
		Logger:      e.logger,
		Network:     network,
		RunID:       e.runID,
	})
	res := Result{RunID: e.runID, Planned: len(plan.Batch)}

	if e.state.Stopped() {
		_, reason := e.state.Outcome()
		return e.finish(ctx, plan, res, nil, errors.New(reason))
	}

	var feeErrs []error
	if plan.UpfrontSlots > 0 {
		hashes, err := fees.PayUpfront(ctx)
		res.FeeTxHashes = append(res.FeeTxHashes, hashes...)
		if err != nil {
			feeErrs = append(feeErrs, err)
		}
		if err := e.rebase(plan); err != nil {
			e.state.Stop(OutcomeFatal, "rebuild batch after upfront fee")
			return e.finish(ctx, plan, res, nil, err)
		}
	}

	detector := NewDetector(e.provider, plan.Account, e.state, e.logger, network)
	detector.now = e.now
	sched := NewScheduler(e.opts.Schedule, plan.Batch, plan.Balance, SchedulerDeps{
		State:    e.state,
		Signer:   e.signer,
		Provider: e.provider,
		Detector: detector,
		Sink:     e.sink,
		Logger:   e.logger,
		Network:  network,
		RunID:    e.runID,
		Now:      e.now,
	})
	_, runErr := sched.Run(ctx)
	res.TxHashes = sched.Hashes()

	select {
	case ev := <-detector.Confirmed():
		hashes, err := fees.OnConfirmed(ctx, ev)
		res.FeeTxHashes = append(res.FeeTxHashes, hashes...)
		if err != nil && !errors.Is(err, ErrDoublePayment) {
			feeErrs = append(feeErrs, err)
		}
	default:
	}
	res.FeeErr = errors.Join(feeErrs...)
	return e.finish(ctx, plan, res, feeErrs, runErr)
}

// Run is Prepare followed by Execute.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	plan, err := e.Prepare(ctx)
	if err != nil {
		e.state.Stop(OutcomeFatal, "prepare failed")
		metrics.RunsTotal.WithLabelValues(e.opts.Env.Network.String(), OutcomeFatal.String()).Inc()
		return Result{RunID: e.runID, Outcome: OutcomeFatal, Reason: err.Error()}, err
	}
	return e.Execute(ctx, plan)
}

// rebase moves the batch onto the next unused nonce when the upfront fee did
// not consume every slot it reserved.
func (e *Engine) rebase(plan *Plan) error {
	if len(plan.Batch) == 0 {
		return nil
	}
	next := e.state.NextNonce()
	if plan.Batch[0].Descriptor.Nonce == next {
		return nil
	}
	e.logger.Warn("upfront fee left unused nonces, rebuilding batch", "old_start", plan.Batch[0].Descriptor.Nonce, "new_start", next)
	spec := plan.spec
	spec.Nonces = txbuilder.Sequence(next, len(plan.Batch))
	descriptors, err := e.builder.BuildBatch(spec)
	if err != nil {
		return err
	}
	signed, err := SignBatch(e.signer, descriptors)
	if err != nil {
		return err
	}
	plan.spec = spec
	plan.Batch = signed
	return nil
}

func (e *Engine) finish(ctx context.Context, plan *Plan, res Result, feeErrs []error, runErr error) (Result, error) {
	outcome, reason := e.state.Outcome()
	res.Outcome = outcome
	res.Reason = reason
	res.Dispatched = e.state.Dispatched()
	if runErr != nil && res.Reason == "" {
		res.Reason = runErr.Error()
	}
	network := e.opts.Env.Network.String()
	metrics.RunsTotal.WithLabelValues(network, outcome.String()).Inc()

	if bal, err := e.provider.Balance(ctx, plan.Account); err == nil {
		res.BalanceAfter = bal
	} else {
		e.logger.Warn("final balance read failed", "error", err)
	}

	sum := report.Summary{
		RunID:         e.runID,
		Network:       network,
		ChainID:       e.opts.Env.ChainID.Uint64(),
		Account:       plan.Account.Hex(),
		State:         outcome.String(),
		Reason:        res.Reason,
		Planned:       res.Planned,
		Dispatched:    res.Dispatched,
		BalanceBefore: plan.Balance.String(),
		FeePaid:       e.state.Snapshot().FeePaid && len(feeErrs) == 0,
		TxHashes:      res.TxHashes,
		StartedAt:     plan.StartedAt,
		FinishedAt:    e.now(),
	}
	if len(plan.Nonces) > 0 {
		sum.StartNonce = plan.Nonces[0]
	}
	if res.BalanceAfter != nil {
		sum.BalanceAfter = res.BalanceAfter.String()
	}
	if plan.Accounting != nil {
		sum.SpendableWei = plan.Accounting.Spendable.String()
		sum.FeeWei = plan.Accounting.Fee.String()
	}
	if res.FeeErr != nil {
		sum.FeeError = res.FeeErr.Error()
	}
	for _, h := range res.FeeTxHashes {
		sum.FeeTxHashes = append(sum.FeeTxHashes, h.Hex())
	}
	if e.opts.Summarize != nil {
		e.opts.Summarize(ctx, &sum)
	}
	if err := e.sink.WriteSummary(sum); err != nil {
		e.logger.Warn("summary report failed", "error", err)
	}
	e.logger.Info("run finished", "state", outcome.String(), "reason", res.Reason,
		"dispatched", res.Dispatched, "planned", res.Planned, "fee_error", sum.FeeError)
	return res, runErr
}

func (e *Engine) retry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, e.opts.Schedule.Retry, chain.IsTransient, func(attempt int, err error) {
		e.logger.Warn("provider call retry", "attempt", attempt, "error", err)
	}, fn)
}

// DryRun reports the prepared batch without broadcasting anything.
func (e *Engine) DryRun(plan *Plan) {
	for i, s := range plan.Batch {
		t := report.Tick{
			RunID:    e.runID,
			Network:  e.opts.Env.Network.String(),
			Kind:     report.KindPurchase,
			Index:    i,
			Nonce:    s.Descriptor.Nonce,
			To:       s.Descriptor.Recipient.Hex(),
			ValueWei: valueString(s.Descriptor.Value),
			TxHash:   s.Hash.Hex(),
			Outcome:  report.OutcomeDryRun,
			At:       e.now(),
		}
		if err := e.sink.WriteTick(t); err != nil {
			e.logger.Warn("tick report failed", "error", err)
		}
		e.logger.Info("dry run transaction", "tick", i, "nonce", t.Nonce, "to", t.To, "value", t.ValueWei, "tx", t.TxHash)
	}
	e.state.Stop(OutcomeExhausted, "dry run")
}

func nonZero(shares []*big.Int) int {
	n := 0
	for _, s := range shares {
		if s.Sign() > 0 {
			n++
		}
	}
	return n
}
