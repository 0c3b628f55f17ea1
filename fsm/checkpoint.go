package fsm

import (
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/wallet"
)

// Snapshot is the checkpointable view of a SwapStateMachine (spec §4.6): the
// state, bookkeeping, and pending work a restored machine needs to resume
// exactly where it left off. The checkpoint package serializes this value
// and, on restore, hands one back via RestoreSnapshot before the machine's
// Run loop is re-entered.
type Snapshot struct {
	State   StateKind
	Outcome Outcome

	Core             *wallet.CoreArbitratingSetup
	RevealNonce      []byte
	RemoteCommitment *wallet.Commitment

	Unhandled *PeerMessage
	Pending   []PeerMessage

	ArbHeight uint64
	AccHeight uint64

	Watches map[syncer.TaskID]WatchedTx

	ArbLockConfs uint32
	CancelConfs  uint32
	AccLockConfs uint32

	CancelBroadcast bool
	RefundBroadcast bool
	PunishBroadcast bool
	BuyBroadcast    bool

	FundingConfirmed  bool
	AwaitingCoreBuild bool

	NextTaskID syncer.TaskID
}

// WatchedTx is the exported mirror of txWatch, since checkpoint lives
// outside this package and Snapshot must be built from exported types.
type WatchedTx struct {
	Label watchedLabel
	Txid  [32]byte
}

// Snapshot captures m's full resumable state under its lock.
func (m *SwapStateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	watches := make(map[syncer.TaskID]WatchedTx, len(m.watches))
	for id, w := range m.watches {
		watches[id] = WatchedTx{Label: w.label, Txid: w.txid}
	}

	var unhandled *PeerMessage
	if m.unhandled != nil {
		msg := m.unhandled.msg
		unhandled = &msg
	}

	return Snapshot{
		State:             m.state,
		Outcome:           m.outcome,
		Core:              m.core,
		RevealNonce:       m.revealNonce,
		RemoteCommitment:  m.remoteCommitment,
		Unhandled:         unhandled,
		Pending:           append([]PeerMessage(nil), m.pending...),
		ArbHeight:         m.arbHeight,
		AccHeight:         m.accHeight,
		Watches:           watches,
		ArbLockConfs:      m.arbLockConfs,
		CancelConfs:       m.cancelConfs,
		AccLockConfs:      m.accLockConfs,
		CancelBroadcast:   m.cancelBroadcast,
		RefundBroadcast:   m.refundBroadcast,
		PunishBroadcast:   m.punishBroadcast,
		BuyBroadcast:      m.buyBroadcast,
		FundingConfirmed:  m.fundingConfirmed,
		AwaitingCoreBuild: m.awaitingCoreBuild,
		NextTaskID:        m.nextTaskID,
	}
}

// RestoreSnapshot repopulates m's bookkeeping from s without running any
// entry actions. The caller (the checkpoint package's Restore) is
// responsible for re-establishing syncer subscriptions and replaying the
// last-seen event per watched tx/address afterward, per spec §4.6's
// restore contract.
func (m *SwapStateMachine) RestoreSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = s.State
	m.outcome = s.Outcome
	m.core = s.Core
	m.revealNonce = s.RevealNonce
	m.remoteCommitment = s.RemoteCommitment

	if s.Unhandled != nil {
		msg := *s.Unhandled
		m.unhandled = &unhandledPeerMessage{msg: msg}
	} else {
		m.unhandled = nil
	}
	m.pending = append([]PeerMessage(nil), s.Pending...)

	m.arbHeight = s.ArbHeight
	m.accHeight = s.AccHeight

	m.watches = make(map[syncer.TaskID]txWatch, len(s.Watches))
	for id, w := range s.Watches {
		m.watches[id] = txWatch{label: w.Label, txid: w.Txid}
	}

	m.arbLockConfs = s.ArbLockConfs
	m.cancelConfs = s.CancelConfs
	m.accLockConfs = s.AccLockConfs

	m.cancelBroadcast = s.CancelBroadcast
	m.refundBroadcast = s.RefundBroadcast
	m.punishBroadcast = s.PunishBroadcast
	m.buyBroadcast = s.BuyBroadcast

	m.fundingConfirmed = s.FundingConfirmed
	m.awaitingCoreBuild = s.AwaitingCoreBuild

	m.nextTaskID = s.NextTaskID
}

// WatchesByLabel groups m's current watched txids by label, the shape
// spec §4.6's checkpoint entry needs ("watched_txids_by_label").
func (m *SwapStateMachine) WatchesByLabel() map[string][32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][32]byte, len(m.watches))
	for _, w := range m.watches {
		if w.label == labelNone {
			continue
		}
		out[w.label.String()] = w.txid
	}
	return out
}
