package fsm

import (
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/temporalsafety"
	"github.com/chainswap/swapd/wallet"
)

// HandleArbSyncerEvent processes one SyncerEvent from the arbitrating chain
// observer.
func (m *SwapStateMachine) HandleArbSyncerEvent(ev syncer.SyncerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case syncer.EventHeightChanged:
		m.arbHeight = ev.Height
		m.reevaluateTimelocksLocked()
		m.reevaluateSafeBuyLocked()

	case syncer.EventAddressTransaction:
		w, ok := m.watches[ev.TaskID]
		if ok && w.label == labelFunding {
			m.onFundingCreditedLocked(ev.CreditedAmount)
		}

	case syncer.EventTransactionConfirmations:
		w, ok := m.watches[ev.TaskID]
		if !ok || ev.Confirmations == nil {
			return
		}
		m.onArbTxConfirmationsLocked(w.label, *ev.Confirmations, ev.RawTx)

	case syncer.EventTransactionBroadcasted:
		if ev.BroadcastError != "" {
			log.Errorf("swap %x: broadcast failed: %s", m.SwapID, ev.BroadcastError)
		}
	}
}

// HandleAccSyncerEvent processes one SyncerEvent from the accordant chain
// observer.
func (m *SwapStateMachine) HandleAccSyncerEvent(ev syncer.SyncerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case syncer.EventHeightChanged:
		m.accHeight = ev.Height
		m.reevaluateSafeBuyLocked()

	case syncer.EventAddressTransaction:
		w, ok := m.watches[ev.TaskID]
		if ok && w.label == labelAccLock {
			m.onAccLockCreditedLocked(ev.CreditedAmount)
		}

	case syncer.EventTransactionConfirmations:
		w, ok := m.watches[ev.TaskID]
		if !ok || w.label != labelAccLock || ev.Confirmations == nil {
			return
		}
		m.accLockConfs = *ev.Confirmations
		m.reevaluateSafeBuyLocked()

	case syncer.EventSweepSuccess:
		log.Infof("swap %x: accordant sweep broadcast: %v", m.SwapID, ev.SweepTxids)
	}
}

// onAccLockCreditedLocked implements spec §8's S6: Bob watches the
// accordant lock address he published for Alice's funding to arrive, and a
// credited amount that doesn't match the deal's accordant amount is not
// trustworthy to buy against — rather than abort outright (the arbitrating
// lock is already broadcast by this point), it drives the swap into the
// same cancel/refund branch a timed-out swap takes, recovering Bob's
// arbitrating funds the normal way. A matching credit is otherwise a
// no-op: progress into BuySigB/safe-buy is driven by confirmation depth
// (reevaluateSafeBuyLocked), not by this initial sighting.
func (m *SwapStateMachine) onAccLockCreditedLocked(credited int64) {
	if m.state == StateFinished || m.cancelBroadcast {
		return
	}
	want := int64(m.Deal.AccordantAmount)
	if credited != want {
		log.Errorf("swap %x: accordant lock amount %d != expected %d, driving to cancel/refund", m.SwapID, credited, want)
		m.broadcastCancelLocked()
	}
}

// onFundingCreditedLocked implements CommitB's subscribed funding address
// callback: once the funding amount is seen, Bob either proceeds (if it
// matches the deal's arbitrating amount) or aborts and sweeps back (spec
// §4.1 "Funding underfunded or overfunded").
func (m *SwapStateMachine) onFundingCreditedLocked(credited int64) {
	want := int64(m.Deal.ArbitratingAmount)
	if credited != want {
		log.Errorf("swap %x: funding amount %d != expected %d, aborting", m.SwapID, credited, want)
		m.submitFundingSweepLocked()
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	m.fundingConfirmed = true
	if m.awaitingCoreBuild {
		m.awaitingCoreBuild = false
		m.buildCoreArbitratingSetupLocked()
	}
}

// buildCoreArbitratingSetupLocked is RevealB's entry action once both its
// wait-for conditions (funding confirmed, counterparty Reveal received)
// hold: build the three arbitrating transactions and propose them to
// Alice. Building the actual spend scripts (2-of-2 lock output,
// cancel/refund/punish timelock branches) is the txscript-construction
// concern CoreArbitratingTransactions' doc already defers to a
// transaction-building helper; this machine supplies only the skeleton
// transactions that helper has not yet been wired to produce.
func (m *SwapStateMachine) buildCoreArbitratingSetupLocked() {
	lockTx := wire.NewMsgTx()
	cancelTx := wire.NewMsgTx()
	refundTx := wire.NewMsgTx()

	core, err := m.Bob.CoreArbitratingTransactions(m.SwapID, lockTx, cancelTx, refundTx)
	if err != nil {
		log.Errorf("swap %x: build core arbitrating setup: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}
	m.core = core

	m.sendLocked(PeerMessage{Kind: MsgCoreArbitratingSetup, Core: core})
}

// onArbTxConfirmationsLocked updates confirmation-depth bookkeeping and
// re-runs the cancel/refund/punish branch logic (spec §4.1 "continuously
// compares current_arb_height against the lock's confirmation depth").
func (m *SwapStateMachine) onArbTxConfirmationsLocked(label watchedLabel, confs uint32, rawTx []byte) {
	switch label {
	case labelArbLock:
		m.arbLockConfs = confs
		m.reevaluateTimelocksLocked()
		m.reevaluateSafeBuyLocked()

		if m.Role == deal.Bob && m.state == StateCoreArbB && temporalsafety.FinalTx(confs, m.Safety.ArbFinality) {
			m.publishAccordantLockLocked()
		}

	case labelCancel:
		m.cancelConfs = confs
		m.reevaluateTimelocksLocked()

	case labelRefund:
		if confs > 0 {
			m.onRefundSeenLocked(rawTx)
		}

	case labelBuy:
		if confs > 0 {
			m.onBuySeenLocked(rawTx)
		}

	case labelPunish:
		if confs > 0 && m.state != StateFinished {
			m.finishLocked(OutcomeFailurePunish)
		}
	}
}


// publishAccordantLockLocked is CoreArbB's deferred half of its entry
// action ("waits for lock finality then publishes accordant lock"): once
// the arbitrating lock is final, Bob subscribes an accordant-syncer address
// watch for the accordant lock and moves to BuySigB; no accordant
// transaction is submitted here.
func (m *SwapStateMachine) publishAccordantLockLocked() {
	if m.accSyncer == nil {
		return
	}
	id := m.allocTaskIDLocked()
	m.watches[id] = txWatch{label: labelAccLock}
	m.accSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskWatchAddress,
		ID:         id,
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		IncludeTx:  true,
	})
	m.transitionLocked(StateBuySigB)
}

// onBuySeenLocked is BuySigB's wait-for: once the buy transaction is
// observed confirmed on the arbitrating chain, Bob decodes Alice's
// completed signature from it, recovers her accordant spend scalar, and
// sweeps the accordant balance she was owed; Alice observing her own buy
// transaction confirmed is simply her success signal (she produced that
// signature herself, so there's nothing left for her to recover).
func (m *SwapStateMachine) onBuySeenLocked(rawTx []byte) {
	if m.state == StateFinished {
		return
	}
	if m.Bob != nil {
		m.recoverAndSweepAccordantLocked(rawTx, m.Bob.Remote, m.Bob.RecoverAccordantKey)
	}
	m.finishLocked(OutcomeSuccessSwap)
}

// onRefundSeenLocked implements the refund branch: Alice, observing Bob's
// refund transaction confirmed, decodes his completed signature, recovers
// his accordant spend scalar, and sweeps the balance he forfeited; Bob,
// who produced that signature to broadcast it, has nothing left to
// recover. Either side then finishes FailureRefund.
func (m *SwapStateMachine) onRefundSeenLocked(rawTx []byte) {
	if m.state == StateFinished {
		return
	}
	if m.Alice != nil {
		m.recoverAndSweepAccordantLocked(rawTx, m.Alice.Remote, m.Alice.RecoverAccordantKey)
	}
	m.finishLocked(OutcomeFailureRefund)
}

// reevaluateTimelocksLocked implements spec §4.1's cancel/refund/punish
// branch logic, re-run on every height or confirmation-depth change.
func (m *SwapStateMachine) reevaluateTimelocksLocked() {
	if m.core == nil || m.state == StateFinished {
		return
	}

	if !m.cancelBroadcast && m.Safety.CancelPossible(m.arbLockConfs) {
		m.broadcastCancelLocked()
		return
	}

	if m.Role == deal.Bob && m.cancelBroadcast && !m.refundBroadcast &&
		temporalsafety.FinalTx(m.cancelConfs, m.Safety.ArbFinality) {
		m.broadcastRefundLocked()
		return
	}

	if m.cancelBroadcast && !m.refundBroadcast && !m.punishBroadcast &&
		m.Safety.PunishPossible(m.cancelConfs) {
		if m.Role == deal.Alice {
			m.broadcastPunishLocked()
		}
	}
}

func (m *SwapStateMachine) broadcastCancelLocked() {
	// The party who must broadcast is Bob if present in this swap's FSM
	// instance, else Alice (spec §4.1); since each SwapStateMachine
	// instance is one party's own view, it simply broadcasts its own
	// pre-signed cancel once eligible and idempotently ignores a second
	// attempt via cancelBroadcast.
	m.cancelBroadcast = true
	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskBroadcastTransaction,
		ID:         m.allocTaskIDLocked(),
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		RawTx:      encodeTxOrNil(m.core.CancelTx),
	})
}

func (m *SwapStateMachine) broadcastRefundLocked() {
	m.refundBroadcast = true

	// Only Bob ever reaches this call (reevaluateTimelocksLocked checks
	// m.Role == deal.Bob); he completes Alice's refund adaptor signature
	// with his own adaptor scalar before broadcasting, the same way
	// onBuyProcedureSignatureLocked has Alice complete Bob's buy adaptor
	// signature.
	if m.Bob != nil && m.Bob.RefundAdaptorSig != nil {
		completed, err := m.Bob.FullySignRefund(m.Bob.RefundAdaptorSig)
		if err != nil {
			log.Errorf("swap %x: fully sign refund: %v", m.SwapID, err)
		} else if err := embedSignatureLocked(m.core.RefundTx, completed); err != nil {
			log.Errorf("swap %x: embed refund signature: %v", m.SwapID, err)
		}
	}

	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskBroadcastTransaction,
		ID:         m.allocTaskIDLocked(),
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		RawTx:      encodeTxOrNil(m.core.RefundTx),
	})
	m.watchTxLocked(labelRefund, chainhashOf(m.core.RefundTx))
}

func (m *SwapStateMachine) broadcastPunishLocked() {
	if m.Alice == nil {
		return
	}
	punishTx := wire.NewMsgTx()
	// The signature still needs assembling into punishTx's witness, a
	// txscript-construction step this package does not implement (see
	// buildCoreArbitratingSetupLocked).
	if _, err := m.Alice.FullySignPunish(punishTx); err != nil {
		log.Errorf("swap %x: sign punish: %v", m.SwapID, err)
		return
	}
	m.punishBroadcast = true
	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskBroadcastTransaction,
		ID:         m.allocTaskIDLocked(),
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		RawTx:      encodeTxOrNil(punishTx),
	})
	m.watchTxLocked(labelPunish, chainhashOf(punishTx))
}

// reevaluateSafeBuyLocked implements the safe-buy rule (spec §4.1), run on
// every height-changed event on either chain.
func (m *SwapStateMachine) reevaluateSafeBuyLocked() {
	if m.Role != deal.Bob || m.state != StateBuySigB || m.buyBroadcast {
		return
	}
	if !m.Safety.SafeBuy(m.arbLockConfs, m.accLockConfs) {
		return
	}

	buyTx := wire.NewMsgTx()
	pre, err := m.Bob.SignAdaptorBuy(buyTx)
	if err != nil {
		log.Errorf("swap %x: sign adaptor buy: %v", m.SwapID, err)
		return
	}

	m.buyBroadcast = true
	m.sendLocked(PeerMessage{
		Kind: MsgBuyProcedureSignature,
		BuySig: &wallet.BuyProcedureSignature{
			SwapID:        m.SwapID,
			BuyTx:         buyTx,
			BuyAdaptorSig: pre,
		},
	})
	m.watchTxLocked(labelBuy, chainhashOf(buyTx))
}
