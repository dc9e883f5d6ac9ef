// Package report records what a run did: one line per dispatched transaction
// and a summary when the run halts.
package report

import "time"

const (
	KindPurchase      = "purchase"
	KindFeeUpfront    = "fee_upfront"
	KindFeeCompletion = "fee_completion"
)

const (
	OutcomeAccepted     = "accepted"
	OutcomeRejected     = "rejected"
	OutcomeNetworkError = "network_error"
	OutcomeSigningError = "signing_error"
	OutcomeInvalidNonce = "invalid_nonce"
	OutcomeDryRun       = "dry_run"
)

type Tick struct {
	RunID       string    `json:"run_id"`
	Network     string    `json:"network"`
	Kind        string    `json:"kind"`
	Index       int       `json:"index"`
	Nonce       uint64    `json:"nonce"`
	To          string    `json:"to"`
	ValueWei    string    `json:"value_wei"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Confirmed   *bool     `json:"confirmed,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	At          time.Time `json:"at"`
}

type Summary struct {
	RunID         string    `json:"run_id"`
	Network       string    `json:"network"`
	ChainID       uint64    `json:"chain_id"`
	Account       string    `json:"account"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Planned       int       `json:"planned"`
	Dispatched    int       `json:"dispatched"`
	StartNonce    uint64    `json:"start_nonce"`
	BalanceBefore string    `json:"balance_before_wei"`
	BalanceAfter  string    `json:"balance_after_wei,omitempty"`
	SpendableWei  string    `json:"spendable_wei,omitempty"`
	FeeWei        string    `json:"fee_wei,omitempty"`
	FeePaid       bool      `json:"fee_paid"`
	FeeError      string    `json:"fee_error,omitempty"`
	TokenAddress  string    `json:"token_address,omitempty"`
	TokenBalance  string    `json:"token_balance,omitempty"`
	TokenUnits    string    `json:"token_units,omitempty"`
	TxHashes      []string  `json:"tx_hashes,omitempty"`
	FeeTxHashes   []string  `json:"fee_tx_hashes,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DryRun        bool      `json:"dry_run,omitempty"`
}

// Sink receives reports as the run progresses. Implementations must be safe
// for concurrent use.
type Sink interface {
	WriteTick(t Tick) error
	WriteSummary(s Summary) error
}

// Discard drops every report.
type Discard struct{}

func (Discard) WriteTick(Tick) error { return nil }
func (Discard) WriteSummary(Summary) error { return nil }
