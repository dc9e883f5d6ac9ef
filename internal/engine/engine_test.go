package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salebot/internal/accounting"
	"salebot/internal/chain"
	"salebot/internal/config"
	"salebot/internal/report"
	"salebot/internal/txbuilder"
)

type memSink struct {
	mu        sync.Mutex
	ticks     []report.Tick
	summaries []report.Summary
}

func (m *memSink) WriteTick(t report.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, t)
	return nil
}

func (m *memSink) WriteSummary(s report.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

func probeEnv() Environment {
	return Environment{
		Network:   PublicTest,
		ChainID:   testChainID,
		Recipient: testRecipient,
		Fee:       FeePlan{Policy: FeePolicyNone},
		ProbeBase: big.NewInt(1),
		ProbeStep: big.NewInt(2),
	}
}

func productionEnv(maxSpend int64) Environment {
	return Environment{
		Network:   Production,
		ChainID:   testChainID,
		Recipient: testRecipient,
		MaxSpend:  big.NewInt(maxSpend),
		Fee:       FeePlan{Policy: FeePolicySplit, Payees: []common.Address{payeeA, payeeB}},
	}
}

func newTestEngine(t *testing.T, env Environment, sched ScheduleConfig, signer Signer, p *fakeProvider, sink report.Sink) *Engine {
	t.Helper()
	e, err := New(Options{Env: env, Gas: testGas, Schedule: sched}, signer, p, sink, slogt.New(t))
	require.NoError(t, err)
	return e
}

func TestEngineProbeRunSendsOrderedBatch(t *testing.T) {
	signer := newKeySigner(t)
	p := newFakeProvider(1_000_000, 7)
	sink := &memSink{}
	e := newTestEngine(t, probeEnv(), ScheduleConfig{Period: 20 * time.Millisecond}, signer, p, sink)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 3, res.Planned)
	assert.Equal(t, 3, res.Dispatched)

	txs := p.sentTxs()
	require.Len(t, txs, 3)
	want := []struct {
		nonce uint64
		value int64
	}{{7, 1}, {8, 3}, {9, 5}}
	for i, w := range want {
		assert.Equal(t, w.nonce, txs[i].tx.Nonce())
		assert.Equal(t, w.value, txs[i].tx.Value().Int64())
		assert.Equal(t, testRecipient, *txs[i].tx.To())
		assert.Equal(t, testChainID.Int64(), txs[i].tx.ChainId().Int64())
	}
	assert.Equal(t, 1, p.nonceCalls, "starting nonce is queried once")

	require.Len(t, sink.summaries, 1)
	sum := sink.summaries[0]
	assert.Equal(t, "exhausted", sum.State)
	assert.Equal(t, uint64(7), sum.StartNonce)
	assert.Len(t, sum.TxHashes, 3)
	assert.Equal(t, e.RunID(), sum.RunID)
	assert.Len(t, sink.ticks, 3)
	for _, tk := range sink.ticks {
		assert.Equal(t, report.OutcomeAccepted, tk.Outcome)
	}
}

func TestEngineProductionRunPaysFeeOnce(t *testing.T) {
	signer := newKeySigner(t)
	// Spend cap pays gas for 10 transactions, 4 of which are fee slots.
	p := newFakeProvider(220_000, 3)
	p.spendAfter = 0
	sink := &memSink{}
	e := newTestEngine(t, productionEnv(210_000), ScheduleConfig{Period: 200 * time.Millisecond}, signer, p, sink)

	plan, err := e.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), plan.Fee().Int64())
	assert.Equal(t, int64(9_900), plan.Accounting.Spendable.Int64())
	assert.Len(t, plan.Batch, 6)
	assert.Equal(t, 2, plan.UpfrontSlots)
	assert.Equal(t, uint64(5), plan.Batch[0].Descriptor.Nonce)

	res, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.NoError(t, res.FeeErr)
	assert.Equal(t, 1, res.Dispatched)
	assert.Len(t, res.FeeTxHashes, 4)

	txs := p.sentTxs()
	require.Len(t, txs, 5)
	expect := []struct {
		to    common.Address
		nonce uint64
		value int64
	}{
		{payeeA, 3, 25},
		{payeeB, 4, 25},
		{testRecipient, 5, 9_900},
		{payeeA, 6, 25},
		{payeeB, 7, 25},
	}
	for i, w := range expect {
		assert.Equal(t, w.to, *txs[i].tx.To(), "tx %d", i)
		assert.Equal(t, w.nonce, txs[i].tx.Nonce(), "tx %d", i)
		assert.Equal(t, w.value, txs[i].tx.Value().Int64(), "tx %d", i)
	}

	snap := e.State().Snapshot()
	assert.True(t, snap.Completed)
	assert.True(t, snap.FeePaid)
	assert.True(t, snap.UpfrontPaid)
	require.Len(t, sink.summaries, 1)
	assert.True(t, sink.summaries[0].FeePaid)
	assert.Equal(t, "100", sink.summaries[0].FeeWei)
}

func TestEngineUpfrontFailureRebasesBatch(t *testing.T) {
	signer := newKeySigner(t)
	p := newFakeProvider(220_000, 3)
	p.spendAfter = 0
	p.rejectTo[payeeA] = &chain.RejectedError{Reason: chain.ReasonUnderpriced}
	e := newTestEngine(t, productionEnv(210_000), ScheduleConfig{Period: 200 * time.Millisecond}, signer, p, nil)

	res, err := e.Run(context.Background())
	require.NoError(t, err, "fee failures never fail the purchase")
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Error(t, res.FeeErr)

	txs := p.sentTxs()
	require.NotEmpty(t, txs)
	assert.Equal(t, testRecipient, *txs[0].tx.To())
	assert.Equal(t, uint64(3), txs[0].tx.Nonce(), "batch moved onto the unused fee nonce")
}

func TestEngineInsufficientBalanceAbortsBeforeBroadcast(t *testing.T) {
	signer := newKeySigner(t)
	p := newFakeProvider(100_000, 0)
	e := newTestEngine(t, productionEnv(210_000), ScheduleConfig{Period: time.Millisecond}, signer, p, nil)

	res, err := e.Run(context.Background())
	var insufficient *accounting.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, OutcomeFatal, res.Outcome)
	assert.Zero(t, p.attemptCount())
	assert.Zero(t, p.nonceCalls)
}

func TestEngineNoTransactionsPaysNoFee(t *testing.T) {
	signer := newKeySigner(t)
	// The spend cap covers only the four fee slots.
	p := newFakeProvider(100_000, 0)
	e := newTestEngine(t, productionEnv(84_000), ScheduleConfig{Period: time.Millisecond}, signer, p, nil)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Zero(t, res.Planned)
	assert.Zero(t, p.attemptCount())
	assert.Empty(t, res.FeeTxHashes)
}

func TestEngineZeroProbeCountDispatchesNothing(t *testing.T) {
	cfg, err := config.Parse([]byte(`
environment: private
chain_id: 31337
rpc:
  http: http://localhost:8545
gas:
  price_gwei: 1
sale:
  recipient: "0x00000000000000000000000000000000000000aa"
probe:
  count: 0
`))
	require.NoError(t, err)
	env, err := EnvironmentFromConfig(cfg)
	require.NoError(t, err)
	require.Zero(t, env.ProbeCount)
	env.ChainID = testChainID

	p := newFakeProvider(1_000_000, 0)
	e := newTestEngine(t, env, ScheduleConfig{Period: time.Millisecond}, newKeySigner(t), p, nil)
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Zero(t, res.Planned)
	assert.Zero(t, res.Dispatched)
	assert.Zero(t, p.attemptCount())
}

func TestEngineProbeBatchMustBeAffordable(t *testing.T) {
	signer := newKeySigner(t)
	p := newFakeProvider(1_000, 0)
	e := newTestEngine(t, probeEnv(), ScheduleConfig{Period: time.Millisecond}, signer, p, nil)

	_, err := e.Prepare(context.Background())
	var insufficient *accounting.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(63_009), insufficient.Required.Int64())
}

func TestEngineSigningFailureAbortsBeforeBroadcast(t *testing.T) {
	p := newFakeProvider(1_000_000, 0)
	e := newTestEngine(t, probeEnv(), ScheduleConfig{Period: time.Millisecond}, failingSigner{}, p, nil)

	_, err := e.Run(context.Background())
	var signErr *SigningError
	require.ErrorAs(t, err, &signErr)
	assert.Zero(t, p.attemptCount())
}

func TestEngineDryRunNeverBroadcasts(t *testing.T) {
	signer := newKeySigner(t)
	p := newFakeProvider(1_000_000, 0)
	sink := &memSink{}
	e := newTestEngine(t, probeEnv(), ScheduleConfig{Period: time.Millisecond}, signer, p, sink)

	plan, err := e.Prepare(context.Background())
	require.NoError(t, err)
	e.DryRun(plan)
	assert.Zero(t, p.attemptCount())
	require.Len(t, sink.ticks, 3)
	assert.Equal(t, report.OutcomeDryRun, sink.ticks[0].Outcome)
	assert.True(t, e.State().Stopped())
}

func TestNewEngineRequiresChainID(t *testing.T) {
	env := probeEnv()
	env.ChainID = nil
	_, err := New(Options{Env: env, Gas: testGas}, newKeySigner(t), newFakeProvider(0, 0), nil, slogt.New(t))
	assert.Error(t, err)
}

func TestEnvironmentTxCount(t *testing.T) {
	gas := txbuilder.GasParams{Limit: 21000, Price: big.NewInt(10)}

	prod := productionEnv(21000 * 10 * 8)
	assert.Equal(t, 4, prod.TxCount(gas), "8 slots less 4 fee transactions")
	assert.Equal(t, txbuilder.ValueLive, prod.Mode())

	assert.Equal(t, PublicTestProbes, probeEnv().TxCount(gas))
	assert.Equal(t, txbuilder.ValueProbe, probeEnv().Mode())

	private := Environment{Network: Private, ProbeCount: 5}
	assert.Equal(t, 5, private.TxCount(gas))
}

func TestEnvironmentFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
environment: public-test
rpc:
  http: http://localhost:8545
gas:
  price_gwei: 1
sale:
  recipient: "0x00000000000000000000000000000000000000aa"
  test_recipient: "0x00000000000000000000000000000000000000bb"
`))
	require.NoError(t, err)
	env, err := EnvironmentFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, PublicTest, env.Network)
	assert.Equal(t, int64(11155111), env.ChainID.Int64())
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000bb"), env.Recipient)
	assert.Equal(t, int64(1), env.ProbeBase.Int64())
	assert.Equal(t, int64(2), env.ProbeStep.Int64())
	assert.Equal(t, FeePolicyNone, env.Fee.Policy)
	assert.Empty(t, env.Payload)

	_, err = ParseNetwork("mainnet")
	assert.Error(t, err)
}

func TestScheduleFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
environment: public-test
rpc:
  http: http://localhost:8545
gas:
  price_gwei: 1
sale:
  recipient: "0x00000000000000000000000000000000000000aa"
  start_time: "2026-03-01T12:00:00Z"
  start_buffer: 2s
dispatch:
  confirmation_mode: serialized
`))
	require.NoError(t, err)
	sched, err := ScheduleFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), sched.Start.UTC())
	assert.Equal(t, 2*time.Second, sched.Buffer)
	assert.Equal(t, 100*time.Millisecond, sched.Period)
	assert.Equal(t, ConfirmSerialized, sched.ConfirmationMode)
	assert.Equal(t, 3, sched.Retry.Max)
}

func TestStateFlagsSetOnce(t *testing.T) {
	s := NewState()
	assert.True(t, s.markCompleted())
	assert.False(t, s.markCompleted())
	assert.True(t, s.markFeePaid())
	assert.False(t, s.markFeePaid())

	assert.True(t, s.Stop(OutcomeSuccess, "done"))
	assert.False(t, s.Stop(OutcomeFatal, "late"))
	outcome, reason := s.Outcome()
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, "done", reason)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestStateRejectsOutOfOrderNonce(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Plan(2, timeZero, nonces(5, 2)))
	err := s.advanceNonce(6, true)
	var seqErr *txbuilder.InvalidNonceSequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, uint64(5), seqErr.Expected)

	require.NoError(t, s.advanceNonce(5, true))
	require.NoError(t, s.advanceNonce(6, true))
	assert.Error(t, s.advanceNonce(7, true), "outside the reserved window")
	assert.Error(t, s.Plan(1, timeZero, nil), "plan is fixed once")
}
