// Package report implements StateReport (spec §3's GetInfo/ListSwaps
// surface, supplemented per SPEC_FULL.md §3 with transition-label progress
// diffing): a point-in-time, read-only summary of a SwapStateMachine a
// front-end can poll or subscribe to, and Diff, which derives the human
// progress string swapcli's SubscribeProgress view consumes. Grounded on
// deal/string.go's human-facing-string-from-canonical-struct convention,
// generalized from "one deal" to "one swap's live status."
package report

import (
	"fmt"

	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/fsm"
)

// StateReport is the read-only snapshot of one swap's status, built from a
// live SwapStateMachine (or a checkpoint.Entry, for a swap not currently
// running) without ever requiring a call into the machine's cryptography.
type StateReport struct {
	SwapID    [16]byte
	State     fsm.StateKind
	Outcome   fsm.Outcome
	Role      deal.SwapRole
	TradeRole deal.TradeRole

	ArbitratingBlockchain string
	AccordantBlockchain   string
	ArbitratingAmount     int64
	AccordantAmount       int64

	ArbLockConfs uint32
	CancelConfs  uint32
	AccLockConfs uint32

	FundingConfirmed bool
}

// FromMachine builds a StateReport from a live machine, reading only its
// exported surface (State, Outcome, SwapID, Deal, Role, TradeRole) plus the
// same Snapshot the checkpoint package uses, so report never needs its own
// access to the machine's private fields.
func FromMachine(m *fsm.SwapStateMachine) StateReport {
	snap := m.Snapshot()
	state := m.State()
	outcome, err := m.Outcome()
	if err != nil {
		outcome = fsm.OutcomeNone
	}

	return StateReport{
		SwapID:                m.SwapID,
		State:                 state,
		Outcome:               outcome,
		Role:                  m.Role,
		TradeRole:             m.TradeRole,
		ArbitratingBlockchain: m.Deal.ArbitratingBlockchain,
		AccordantBlockchain:   m.Deal.AccordantBlockchain,
		ArbitratingAmount:     int64(m.Deal.ArbitratingAmount),
		AccordantAmount:       int64(m.Deal.AccordantAmount),
		ArbLockConfs:          snap.ArbLockConfs,
		CancelConfs:           snap.CancelConfs,
		AccLockConfs:          snap.AccLockConfs,
		FundingConfirmed:      snap.FundingConfirmed,
	}
}

// TransitionEvent is one state change, carrying the human-readable label
// SPEC_FULL.md §3 calls out ("we keep this as StateReport.TransitionLabel")
// for swapcli's live progress view.
type TransitionEvent struct {
	SwapID   [16]byte
	From, To fsm.StateKind
	Outcome  fsm.Outcome
	Label    string
}

// Diff compares two StateReports for the same swap and derives the
// transition event between them. Callers poll or subscribe to successive
// reports and call Diff on each new one against the last they saw; Diff
// itself holds no state and is safe to call from multiple goroutines.
func Diff(prev, cur StateReport) TransitionEvent {
	ev := TransitionEvent{
		SwapID:  cur.SwapID,
		From:    prev.State,
		To:      cur.State,
		Outcome: cur.Outcome,
	}
	ev.Label = label(prev, cur)
	return ev
}

// label renders the human string a progress subscriber displays for the
// transition from prev to cur, in the same terse, role-qualified phrasing
// the original implementation's state_update logging uses (e.g. "Alice
// revealed proof").
func label(prev, cur StateReport) string {
	if cur.Outcome != fsm.OutcomeNone && prev.Outcome != cur.Outcome {
		return fmt.Sprintf("%s %s", cur.Role, cur.Outcome)
	}
	if cur.State == prev.State {
		return fmt.Sprintf("%s waiting in %s (arb confs %d, acc confs %d)",
			cur.Role, cur.State, cur.ArbLockConfs, cur.AccLockConfs)
	}

	switch cur.State {
	case fsm.StateRevealA, fsm.StateRevealB:
		return fmt.Sprintf("%s revealed parameters", cur.Role)
	case fsm.StateRefundSigA:
		return fmt.Sprintf("%s signed refund procedure", cur.Role)
	case fsm.StateCoreArbB:
		return fmt.Sprintf("%s accepted core arbitrating setup", cur.Role)
	case fsm.StateBuySigB:
		return fmt.Sprintf("%s signed buy procedure", cur.Role)
	case fsm.StateFinished:
		return fmt.Sprintf("%s finished: %s", cur.Role, cur.Outcome)
	default:
		return fmt.Sprintf("%s entered %s", cur.Role, cur.State)
	}
}
