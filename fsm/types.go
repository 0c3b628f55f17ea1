// Package fsm implements SwapStateMachine (spec §4.1): the per-swap state
// machine that drives a single swap from deal acceptance through to
// success or one of the failure outcomes, delegating all cryptography to
// the wallet package and all chain observation to the syncer pair.
//
// Grounded on the teacher's contractcourt resolver shape
// (commit_sweep_resolver_test.go): a long-lived goroutine blocking on a
// notifier/event channel, reacting to height and confirmation events, and
// checkpointing at well-defined points — generalized here from "resolve one
// HTLC output" to "drive one swap to completion."
package fsm

import (
	"github.com/decred/dcrd/chaincfg/chainhash"

	"github.com/chainswap/swapd/wallet"
)

// StateKind names a SwapStateMachine state (spec §4.1's table).
type StateKind uint8

const (
	StateStartMaker StateKind = iota
	StateStartTaker
	StateCommitA
	StateCommitB
	StateRevealA
	StateRevealB
	StateRefundSigA
	StateCoreArbB
	StateBuySigB
	StateFinished
)

func (s StateKind) String() string {
	switch s {
	case StateStartMaker:
		return "StartMaker"
	case StateStartTaker:
		return "StartTaker"
	case StateCommitA:
		return "CommitA"
	case StateCommitB:
		return "CommitB"
	case StateRevealA:
		return "RevealA"
	case StateRevealB:
		return "RevealB"
	case StateRefundSigA:
		return "RefundSigA"
	case StateCoreArbB:
		return "CoreArbB"
	case StateBuySigB:
		return "BuySigB"
	case StateFinished:
		return "Finished"
	default:
		return "unknown"
	}
}

// Outcome names the terminal result of a swap (spec §4.1 SwapEnd(outcome)).
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeSuccessSwap
	OutcomeFailureRefund
	OutcomeFailurePunish
	OutcomeFailureAbort
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessSwap:
		return "SuccessSwap"
	case OutcomeFailureRefund:
		return "FailureRefund"
	case OutcomeFailurePunish:
		return "FailurePunish"
	case OutcomeFailureAbort:
		return "FailureAbort"
	default:
		return "none"
	}
}

// PeerMessageKind tags the variant of a PeerMessage (spec §3's peer-message
// vocabulary: Commit, Reveal, CoreArbitratingSetup, RefundProcedureSignatures,
// BuyProcedureSignature).
type PeerMessageKind uint8

const (
	MsgCommit PeerMessageKind = iota
	MsgReveal
	MsgCoreArbitratingSetup
	MsgRefundProcedureSignatures
	MsgBuyProcedureSignature
)

func (k PeerMessageKind) String() string {
	switch k {
	case MsgCommit:
		return "Commit"
	case MsgReveal:
		return "Reveal"
	case MsgCoreArbitratingSetup:
		return "CoreArbitratingSetup"
	case MsgRefundProcedureSignatures:
		return "RefundProcedureSignatures"
	case MsgBuyProcedureSignature:
		return "BuyProcedureSignature"
	default:
		return "unknown"
	}
}

// PeerMessage is the tagged union of every message a counterparty
// SwapStateMachine can send over the MessageBus's Msg channel. Only the
// field(s) matching Kind are populated.
type PeerMessage struct {
	Kind PeerMessageKind

	Commitment *wallet.Commitment
	Reveal     *wallet.Parameters
	RevealNonce []byte

	Core       *wallet.CoreArbitratingSetup
	RefundSigs *wallet.RefundProcedureSignatures
	BuySig     *wallet.BuyProcedureSignature
}

// ControlKind tags the variant of a ControlMessage.
type ControlKind uint8

const (
	CtrlTakeDeal ControlKind = iota
	CtrlTakerCommitted
	CtrlPeerdReconnected
	CtrlAbortRequested
)

// ControlMessage is the tagged union of client/supervisor-originated events
// delivered over the MessageBus's Ctl channel.
type ControlMessage struct {
	Kind ControlKind
}

// unhandledPeerMessage buffers exactly one out-of-order peer message (spec
// §4.1: "buffered once... retried after every subsequent state
// transition; duplicate or redundant messages... discarded").
type unhandledPeerMessage struct {
	msg PeerMessage
}

// watchedLabel names which arbitrating transaction a TaskWatchTransaction
// subscription tracks, so HandleArbSyncerEvent can dispatch confirmation
// updates to the right timelock-branch logic.
type watchedLabel uint8

const (
	labelNone watchedLabel = iota
	labelFunding
	labelArbLock
	labelCancel
	labelRefund
	labelBuy
	labelPunish
	labelAccLock
)

func (l watchedLabel) String() string {
	switch l {
	case labelFunding:
		return "funding"
	case labelArbLock:
		return "lock"
	case labelCancel:
		return "cancel"
	case labelRefund:
		return "refund"
	case labelBuy:
		return "buy"
	case labelPunish:
		return "punish"
	case labelAccLock:
		return "acc_lock"
	default:
		return "none"
	}
}

// txWatch records which label a given txid/task corresponds to.
type txWatch struct {
	label watchedLabel
	txid  chainhash.Hash
}
