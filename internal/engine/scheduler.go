package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"salebot/internal/chain"
	"salebot/internal/config"
	"salebot/internal/metrics"
	"salebot/internal/report"
	"salebot/internal/util"
)

const (
	ConfirmNonBlocking = config.ConfirmNonBlocking
	ConfirmSerialized  = config.ConfirmSerialized
)

type ScheduleConfig struct {
	Start  time.Time
	Buffer time.Duration
	Period time.Duration

	// ConfirmationMode is ConfirmNonBlocking (the next tick does not wait for
	// the previous receipt) or ConfirmSerialized.
	ConfirmationMode    string
	ConfirmationTimeout time.Duration
	// DetectPoll adds a periodic completion check while ticks are running.
	DetectPoll          time.Duration

	Retry util.Backoff
}

// StartDelay is start-now-buffer clamped at zero.
func StartDelay(start time.Time, buffer time.Duration, now time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	d := start.Sub(now) - buffer
	if d < 0 {
		return 0
	}
	return d
}

// Scheduler fires one pre-built transaction per period. A single dispatcher
// goroutine submits in tick order, so nonces reach the provider strictly
// increasing and each submission waits for its predecessor's acceptance.
type Scheduler struct {
	cfg      ScheduleConfig
	state    *State
	batch    []Signed
	before   *big.Int
	signer   Signer
	provider Provider
	detector *Detector
	sink     report.Sink
	logger   *slog.Logger
	network  string
	runID    string
	now      func() time.Time

	timer *Timer
	wg    sync.WaitGroup

	mu       sync.Mutex
	fatalErr error
	spent    *big.Int
	hashes   []string
}

type SchedulerDeps struct {
	State    *State
	Signer   Signer
	Provider Provider
	Detector *Detector
	Sink     report.Sink
	Logger   *slog.Logger
	Network  string
	RunID    string
	Now      func() time.Time
}

// NewScheduler takes the signed batch and the balance observed before any
// purchase was sent. Entries that are not signed yet are signed on their tick.
func NewScheduler(cfg ScheduleConfig, batch []Signed, before *big.Int, deps SchedulerDeps) *Scheduler {
	if cfg.ConfirmationMode == "" {
		cfg.ConfirmationMode = ConfirmNonBlocking
	}
	s := &Scheduler{
		cfg:      cfg,
		state:    deps.State,
		batch:    batch,
		before:   new(big.Int).Set(before),
		signer:   deps.Signer,
		provider: deps.Provider,
		detector: deps.Detector,
		sink:     deps.Sink,
		logger:   deps.Logger,
		network:  deps.Network,
		runID:    deps.RunID,
		now:      deps.Now,
		timer:    NewTimer(),
	}
	if s.sink == nil {
		s.sink = report.Discard{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Timer exposes the cancellation handle for this run.
func (s *Scheduler) Timer() *Timer {
	return s.timer
}

// Run drives Idle -> Waiting -> Running -> Draining -> Stopped and returns the
// terminal outcome. The error is non-nil only for a Fatal outcome.
func (s *Scheduler) Run(ctx context.Context) (Outcome, error) {
	if !s.state.ticksLeft() {
		s.halt(OutcomeExhausted, "no ticks planned", nil)
		return s.result()
	}

	if !s.state.setPhase(PhaseWaiting) {
		return s.result()
	}
	delay := StartDelay(s.cfg.Start, s.cfg.Buffer, s.now())
	s.logger.Info("waiting for sale start", "delay", delay.String(), "ticks", len(s.batch), "period", s.cfg.Period.String())
	wait := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		wait.Stop()
		s.halt(OutcomeFatal, "cancelled before start", ctx.Err())
		return s.result()
	case <-s.timer.Cancelled():
		wait.Stop()
		return s.result()
	case <-s.state.Done():
		wait.Stop()
		return s.result()
	case <-wait.C:
	}

	if !s.state.setPhase(PhaseRunning) {
		return s.result()
	}
	s.logger.Info("dispatch started", "mode", s.cfg.ConfirmationMode)

	// Confirmation waits and polling end as soon as the run stops, so a
	// Success or Fatal halt never waits out pending receipts.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		select {
		case <-s.state.Done():
			stopWatch()
		case <-watchCtx.Done():
		}
	}()

	ticks := make(chan int, len(s.batch))
	idle := make(chan struct{}, 1)
	idle <- struct{}{}
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for idx := range ticks {
			s.dispatch(ctx, watchCtx, idx)
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	}()

	pollCtx, stopPoll := context.WithCancel(watchCtx)
	if s.cfg.DetectPoll > 0 && s.detector != nil {
		s.wg.Add(1)
		go s.poll(pollCtx)
	}

	s.tickLoop(ctx, ticks, idle)
	close(ticks)
	<-dispatched
	stopPoll()

	s.state.setPhase(PhaseDraining)
	s.wg.Wait()

	if !s.state.Stopped() && s.detector != nil {
		if spent := s.lastSpent(); spent != nil {
			if _, err := s.detector.Check(ctx, s.before, spent, nil); err != nil {
				s.logger.Warn("final completion check failed", "error", err)
			}
		}
	}
	s.halt(OutcomeExhausted, "all ticks dispatched without confirmed purchase", nil)
	return s.result()
}

func (s *Scheduler) tickLoop(ctx context.Context, ticks chan<- int, idle <-chan struct{}) {
	ticker := time.NewTicker(s.period())
	defer ticker.Stop()
	defer s.timer.Cancel()

	fire := func() bool {
		if s.cfg.ConfirmationMode == ConfirmSerialized {
			select {
			case <-idle:
			default:
				s.logger.Debug("tick skipped, previous transaction unconfirmed")
				return true
			}
		}
		idx, ok := s.state.claimTick()
		if !ok {
			return false
		}
		ticks <- idx
		return s.state.ticksLeft()
	}

	if !fire() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.halt(OutcomeFatal, "context cancelled", ctx.Err())
			return
		case <-s.timer.Cancelled():
			return
		case <-s.state.Done():
			return
		case <-ticker.C:
			if !fire() {
				return
			}
		}
	}
}

func (s *Scheduler) period() time.Duration {
	if s.cfg.Period <= 0 {
		return time.Millisecond
	}
	return s.cfg.Period
}

// dispatch submits one tick. ctx bounds the broadcast; watchCtx bounds the
// confirmation wait and is cancelled when the run stops.
func (s *Scheduler) dispatch(ctx, watchCtx context.Context, idx int) {
	if s.state.Stopped() {
		return
	}
	if idx >= len(s.batch) {
		s.halt(OutcomeFatal, "tick beyond batch", fmt.Errorf("tick %d has no transaction, batch size %d", idx, len(s.batch)))
		return
	}
	entry := s.batch[idx]
	d := entry.Descriptor
	tick := report.Tick{
		RunID:    s.runID,
		Network:  s.network,
		Kind:     report.KindPurchase,
		Index:    idx,
		Nonce:    d.Nonce,
		To:       d.Recipient.Hex(),
		ValueWei: valueString(d.Value),
	}

	if !entry.IsSigned() {
		signed, err := Sign(s.signer, d)
		if err != nil {
			s.finishTick(tick, report.OutcomeSigningError, err)
			s.halt(OutcomeFatal, "unsigned transaction", err)
			return
		}
		entry = signed
		s.batch[idx] = signed
	}

	// Once an attempt has gone out the node may hold the transaction even if
	// the call failed, so retries continue with the same bytes after a stop.
	// Otherwise a later fee transaction could reuse this nonce.
	started := s.now()
	attempted := false
	err := util.Retry(ctx, s.cfg.Retry, chain.IsTransient, func(attempt int, err error) {
		metrics.DispatchRetries.WithLabelValues(s.network).Inc()
		s.logger.Warn("broadcast retry", "tick", idx, "nonce", d.Nonce, "attempt", attempt, "error", err)
	}, func() error {
		if !attempted && s.state.Stopped() {
			return errStopped
		}
		attempted = true
		_, err := s.provider.Broadcast(ctx, entry.Raw)
		return err
	})
	if errors.Is(err, errStopped) {
		return
	}
	if err != nil && ctx.Err() != nil {
		s.halt(OutcomeFatal, "context cancelled", ctx.Err())
		return
	}
	if err != nil {
		if s.state.Stopped() {
			s.logger.Warn("broadcast after stop failed, nonce may be held by the node", "tick", idx, "nonce", d.Nonce, "error", err)
		}
		s.onBroadcastError(ctx, tick, err)
		return
	}
	metrics.DispatchLatency.WithLabelValues(s.network).Observe(time.Since(started).Seconds())

	if err := s.state.advanceNonce(d.Nonce, true); err != nil {
		s.finishTick(tick, report.OutcomeInvalidNonce, err)
		s.halt(OutcomeFatal, "nonce sequence broken", err)
		return
	}
	tick.TxHash = entry.Hash.Hex()
	s.recordAccepted(entry)
	s.finishTick(tick, report.OutcomeAccepted, nil)

	if s.state.Stopped() {
		return
	}
	if s.cfg.ConfirmationMode == ConfirmSerialized {
		s.confirmAndCheck(watchCtx, entry)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.confirmAndCheck(watchCtx, entry)
	}()
}

var errStopped = errors.New("run stopped")

// onBroadcastError halts the run. A rejection may mean an earlier purchase
// already drained the account, so one completion check runs first.
func (s *Scheduler) onBroadcastError(ctx context.Context, tick report.Tick, err error) {
	var rejected *chain.RejectedError
	if errors.As(err, &rejected) {
		s.finishTick(tick, report.OutcomeRejected, err)
		if spent := s.lastSpent(); spent != nil && s.detector != nil {
			ok, checkErr := s.detector.Check(ctx, s.before, spent, s.timer)
			if checkErr != nil {
				s.logger.Warn("completion check after rejection failed", "error", checkErr)
			}
			if ok {
				return
			}
		}
		s.halt(OutcomeFatal, "broadcast rejected", err)
		return
	}
	s.finishTick(tick, report.OutcomeNetworkError, err)
	s.halt(OutcomeFatal, "broadcast retries exhausted", err)
}

func (s *Scheduler) confirmAndCheck(ctx context.Context, entry Signed) {
	if s.cfg.ConfirmationTimeout > 0 {
		receipt, err := s.provider.WaitForConfirmation(ctx, entry.Hash, s.cfg.ConfirmationTimeout)
		var timeout *chain.ConfirmationTimeoutError
		switch {
		case err != nil && s.state.Stopped():
			s.logger.Debug("confirmation wait abandoned, run stopped", "tx", entry.Hash.Hex())
			return
		case errors.As(err, &timeout):
			metrics.Confirmations.WithLabelValues(s.network, "timeout").Inc()
			s.logger.Warn("confirmation timed out, outcome unknown", "tx", entry.Hash.Hex(), "nonce", entry.Descriptor.Nonce)
		case err != nil:
			metrics.Confirmations.WithLabelValues(s.network, "error").Inc()
			s.logger.Warn("confirmation wait failed", "tx", entry.Hash.Hex(), "error", err)
		default:
			metrics.Confirmations.WithLabelValues(s.network, "mined").Inc()
			s.logger.Info("transaction mined", "tx", entry.Hash.Hex(), "nonce", entry.Descriptor.Nonce,
				"block", receipt.BlockNumber.String(), "status", receipt.Status)
		}
	}
	if s.detector == nil || s.state.Stopped() {
		return
	}
	if _, err := s.detector.Check(ctx, s.before, entry.Descriptor.Value, s.timer); err != nil {
		s.logger.Warn("completion check failed", "tx", entry.Hash.Hex(), "error", err)
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.DetectPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.state.Done():
			return
		case <-t.C:
			spent := s.lastSpent()
			if spent == nil {
				continue
			}
			if _, err := s.detector.Check(ctx, s.before, spent, s.timer); err != nil {
				s.logger.Debug("poll completion check failed", "error", err)
			}
		}
	}
}

// halt stops the run and the timer. The first fatal error is kept.
func (s *Scheduler) halt(outcome Outcome, reason string, err error) {
	if err != nil && outcome == OutcomeFatal {
		s.mu.Lock()
		if s.fatalErr == nil && !s.state.Stopped() {
			s.fatalErr = err
		}
		s.mu.Unlock()
	}
	if s.state.Stop(outcome, reason) {
		logArgs := []any{"state", outcome.String(), "reason", reason}
		if err != nil {
			logArgs = append(logArgs, "error", err)
		}
		s.logger.Info("run halted", logArgs...)
	}
	s.timer.Cancel()
}

func (s *Scheduler) result() (Outcome, error) {
	outcome, reason := s.state.Outcome()
	if outcome != OutcomeFatal {
		return outcome, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr != nil {
		return outcome, fmt.Errorf("%s: %w", reason, s.fatalErr)
	}
	return outcome, errors.New(reason)
}

func (s *Scheduler) recordAccepted(entry Signed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spent = entry.Descriptor.Value
	s.hashes = append(s.hashes, entry.Hash.Hex())
}

func (s *Scheduler) lastSpent() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent
}

// Hashes lists accepted purchase transactions in nonce order.
func (s *Scheduler) Hashes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hashes...)
}

func (s *Scheduler) finishTick(t report.Tick, outcome string, err error) {
	t.Outcome = outcome
	t.At = s.now()
	if err != nil {
		t.Error = err.Error()
	}
	metrics.TicksTotal.WithLabelValues(s.network, outcome).Inc()
	if err != nil {
		s.logger.Warn("tick failed", "tick", t.Index, "nonce", t.Nonce, "outcome", outcome, "error", err)
	} else {
		s.logger.Info("tick dispatched", "tick", t.Index, "nonce", t.Nonce, "tx", t.TxHash, "value", t.ValueWei)
	}
	if werr := s.sink.WriteTick(t); werr != nil {
		s.logger.Warn("tick report failed", "error", werr)
	}
}

func valueString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
