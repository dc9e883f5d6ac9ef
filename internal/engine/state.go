package engine

import (
	"fmt"
	"sync"
	"time"

	"salebot/internal/txbuilder"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaiting
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaiting:
		return "waiting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSuccess
	OutcomeExhausted
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSuccess:
		return "success"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// State is the mutable part of one run. The scheduler owns the tick counter
// and nonce cursor; the detector and fee trigger only flip the one-shot flags.
type State struct {
	mu sync.Mutex

	phase     Phase
	outcome   Outcome
	reason    string
	tickIndex int
	maxTicks  int
	startTime time.Time

	completed   bool
	feePaid     bool
	upfrontPaid bool

	planned    bool
	nextNonce  uint64
	endNonce   uint64
	dispatched int

	done chan struct{}
}

func NewState() *State {
	return &State{done: make(chan struct{})}
}

// Plan fixes the tick bound, start time and the reserved nonce window
// [start, start+count). It can only be called once, before ticking starts.
func (s *State) Plan(maxTicks int, startTime time.Time, nonces []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planned {
		return fmt.Errorf("run already planned")
	}
	if len(nonces) > 0 {
		if err := txbuilder.ValidateSequence(nonces[0], nonceDescriptors(nonces)); err != nil {
			return err
		}
		s.nextNonce = nonces[0]
		s.endNonce = nonces[0] + uint64(len(nonces))
	}
	s.maxTicks = maxTicks
	s.startTime = startTime
	s.planned = true
	return nil
}

func (s *State) setPhase(p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStopped {
		return false
	}
	s.phase = p
	return true
}

// claimTick hands out the next tick index. It fails once the run is stopped
// or every tick has been claimed, so a late timer fire never dispatches.
func (s *State) claimTick() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStopped || s.tickIndex >= s.maxTicks {
		return 0, false
	}
	idx := s.tickIndex
	s.tickIndex++
	return idx, true
}

func (s *State) ticksLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickIndex < s.maxTicks
}

// Stop moves the run to its terminal state. Only the first call wins.
func (s *State) Stop(outcome Outcome, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStopped {
		return false
	}
	s.phase = PhaseStopped
	s.outcome = outcome
	s.reason = reason
	close(s.done)
	return true
}

func (s *State) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseStopped
}

func (s *State) Done() <-chan struct{} {
	return s.done
}

func (s *State) Outcome() (Outcome, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.reason
}

func (s *State) markCompleted() bool {
	return s.swap(&s.completed)
}

func (s *State) markFeePaid() bool {
	return s.swap(&s.feePaid)
}

func (s *State) markUpfrontPaid() bool {
	return s.swap(&s.upfrontPaid)
}

func (s *State) swap(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

// NextNonce is the first reserved nonce not yet accepted by the provider.
func (s *State) NextNonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNonce
}

// advanceNonce records that nonce was accepted. Nonces must be accepted in
// order and stay inside the reserved window.
func (s *State) advanceNonce(nonce uint64, purchase bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonce != s.nextNonce {
		return &txbuilder.InvalidNonceSequenceError{Index: s.dispatched, Expected: s.nextNonce, Got: nonce}
	}
	if nonce >= s.endNonce {
		return fmt.Errorf("nonce %d is outside the reserved window ending at %d", nonce, s.endNonce)
	}
	s.nextNonce++
	if purchase {
		s.dispatched++
	}
	return nil
}

func (s *State) Dispatched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatched
}

// Snapshot is a point-in-time copy of the run state for reporting.
type Snapshot struct {
	Phase       string    `json:"phase"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	TickIndex   int       `json:"tick_index"`
	MaxTicks    int       `json:"max_ticks"`
	StartTime   time.Time `json:"start_time"`
	Dispatched  int       `json:"dispatched"`
	NextNonce   uint64    `json:"next_nonce"`
	Completed   bool      `json:"completed"`
	FeePaid     bool      `json:"fee_paid"`
	UpfrontPaid bool      `json:"upfront_paid"`
	Stopped     bool      `json:"stopped"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:       s.phase.String(),
		Reason:      s.reason,
		TickIndex:   s.tickIndex,
		MaxTicks:    s.maxTicks,
		StartTime:   s.startTime,
		Dispatched:  s.dispatched,
		NextNonce:   s.nextNonce,
		Completed:   s.completed,
		FeePaid:     s.feePaid,
		UpfrontPaid: s.upfrontPaid,
		Stopped:     s.phase == PhaseStopped,
	}
	if s.outcome != OutcomeNone {
		snap.Outcome = s.outcome.String()
	}
	return snap
}

func nonceDescriptors(nonces []uint64) []txbuilder.Descriptor {
	out := make([]txbuilder.Descriptor, len(nonces))
	for i, n := range nonces {
		out[i].Nonce = n
	}
	return out
}
