package checkpoint

import (
	"fmt"

	"github.com/chainswap/swapd/fsm"
	"github.com/chainswap/swapd/storage"
	"github.com/chainswap/swapd/wallet"
)

// Store implements fsm.Checkpointer against a storage.KVStore. The machine
// calls Checkpoint after every state transition and when the swap
// finishes; each call replaces the swap's stored entry.
type Store struct {
	kv storage.KVStore
}

// NewStore wraps kv as a fsm.Checkpointer.
func NewStore(kv storage.KVStore) *Store {
	return &Store{kv: kv}
}

var _ fsm.Checkpointer = (*Store)(nil)

// Checkpoint builds an Entry from m's current state and persists it,
// replacing any prior checkpoint for the same swap id (spec §6: "latest
// only; replaces previous").
func (s *Store) Checkpoint(m *fsm.SwapStateMachine) error {
	entry := BuildEntry(m)
	raw, err := entry.Encode()
	if err != nil {
		return fmt.Errorf("checkpoint: encode entry for swap %x: %w", entry.SwapID, err)
	}
	if err := s.kv.PutCheckpoint(entry.SwapID, raw); err != nil {
		return fmt.Errorf("checkpoint: persist entry for swap %x: %w", entry.SwapID, err)
	}
	return nil
}

// Load retrieves and decodes the checkpoint for swapID, or storage.ErrNotFound
// if none exists.
func (s *Store) Load(swapID [16]byte, aliceKM, bobKM *wallet.KeyManager) (*Entry, error) {
	raw, err := s.kv.GetCheckpoint(swapID)
	if err != nil {
		return nil, err
	}
	return DecodeEntry(raw, aliceKM, bobKM)
}

// Clear removes the checkpoint for swapID once a swap reaches a terminal
// outcome and no longer needs to be resumable.
func (s *Store) Clear(swapID [16]byte) error {
	return s.kv.DeleteCheckpoint(swapID)
}

// Restore rebuilds a SwapStateMachine from a persisted Entry, matching spec
// §4.6's restore contract: the returned machine is positioned exactly where
// the checkpoint left off, with its internal bookkeeping (watches,
// confirmation counters, pending broadcasts, buffered peer messages)
// repopulated via RestoreSnapshot rather than replayed through entry
// actions. The caller is responsible for re-establishing syncer
// subscriptions against WatchedTxidsByLabel and for re-wiring peer/syncer/
// checkpoint collaborators, since those are runtime handles an Entry never
// carries.
func Restore(e *Entry, peer fsm.PeerSender, arbSyncer, accSyncer fsm.TaskSubmitter,
	cp fsm.Checkpointer) *fsm.SwapStateMachine {

	m := fsm.New(e.SwapID, e.Deal, e.Role, e.TradeRole, e.Safety, e.Alice, e.Bob, peer, arbSyncer, accSyncer, cp)
	m.CounterpartyNodeID = e.CounterpartyNodeID
	m.EnquirerID = e.EnquirerID

	// Watches is left empty: the prior process's syncer.TaskID values are
	// no longer valid once resubmitted, so the caller re-subscribes fresh
	// tasks from WatchedTxidsByLabel and relies on ArbHeight/AccHeight plus
	// the restored confirmation counters to recompute timelock state as new
	// events arrive.
	snap := fsm.Snapshot{
		State:             e.State,
		Outcome:           e.Outcome,
		Core:              e.Core,
		RevealNonce:       e.RevealNonce,
		RemoteCommitment:  e.RemoteCommitment,
		Unhandled:         e.UnhandledPeerMsg,
		Pending:           e.PendingOutboundPeerMsgs,
		ArbHeight:         e.ArbHeight,
		AccHeight:         e.AccHeight,
		ArbLockConfs:      e.ArbLockConfs,
		CancelConfs:       e.CancelConfs,
		AccLockConfs:      e.AccLockConfs,
		CancelBroadcast:   e.PendingBroadcasts.Cancel,
		RefundBroadcast:   e.PendingBroadcasts.Refund,
		PunishBroadcast:   e.PendingBroadcasts.Punish,
		BuyBroadcast:      e.PendingBroadcasts.Buy,
		FundingConfirmed:  e.FundingConfirmed,
		AwaitingCoreBuild: e.AwaitingCoreBuild,
		NextTaskID:        e.NextTaskID,
	}
	m.RestoreSnapshot(snap)
	return m
}
