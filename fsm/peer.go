package fsm

import (
	"github.com/chainswap/swapd/cryptos/dleq"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/wallet"
)

// HandlePeerMessage processes one inbound PeerMessage, buffering it once if
// it arrives before the state that expects it (spec §4.1 peer-message
// sequencing).
func (m *SwapStateMachine) HandlePeerMessage(msg PeerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlePeerMessageLocked(msg)
}

func (m *SwapStateMachine) handlePeerMessageLocked(msg PeerMessage) {
	switch m.state {
	case StateCommitA:
		m.handleCommitOrRevealLocked(msg, StateRevealA)
	case StateCommitB:
		m.handleCommitOrRevealLocked(msg, StateRevealB)
	case StateRevealA:
		if msg.Kind == MsgCoreArbitratingSetup {
			m.onCoreArbitratingSetupLocked(msg.Core)
			return
		}
		m.bufferUnhandledLocked(msg)
	case StateRefundSigA:
		if msg.Kind == MsgBuyProcedureSignature {
			m.onBuyProcedureSignatureLocked(msg.BuySig)
			return
		}
		m.bufferUnhandledLocked(msg)
	case StateRevealB:
		if msg.Kind == MsgRefundProcedureSignatures {
			m.onRefundProcedureSignaturesLocked(msg.RefundSigs)
			return
		}
		m.bufferUnhandledLocked(msg)
	default:
		// StartMaker/StartTaker haven't generated local parameters yet;
		// CoreArbB/BuySigB/Finished expect no further peer message. Any
		// arrival here is either premature or a stale duplicate; buffer
		// once rather than drop, since the common case is premature
		// arrival racing our own transition.
		m.bufferUnhandledLocked(msg)
	}
}

// handleCommitOrRevealLocked implements the shared Commit-then-Reveal wait
// both CommitA and CommitB's rows describe.
func (m *SwapStateMachine) handleCommitOrRevealLocked(msg PeerMessage, next StateKind) {
	switch msg.Kind {
	case MsgCommit:
		if m.remoteCommitment != nil {
			return // duplicate, discard
		}
		m.remoteCommitment = msg.Commitment
		if m.unhandled != nil {
			buffered := m.unhandled.msg
			m.unhandled = nil
			m.dispatchPeerMessageLocked(buffered)
		}

	case MsgReveal:
		if m.remoteCommitment == nil {
			m.bufferUnhandledLocked(msg)
			return
		}
		if !wallet.VerifyCommit(m.remoteCommitment, msg.Reveal, msg.RevealNonce) {
			log.Errorf("swap %x: commit/reveal mismatch from counterparty", m.SwapID)
			m.finishLocked(OutcomeFailureAbort)
			return
		}
		if err := dleq.Verify(msg.Reveal.Proof, &msg.Reveal.Adaptor, &msg.Reveal.ProofAltPoint); err != nil {
			log.Errorf("swap %x: counterparty DLEQ proof failed: %v", m.SwapID, err)
			m.finishLocked(OutcomeFailureAbort)
			return
		}
		m.setRemoteParamsLocked(msg.Reveal)
		m.transitionLocked(next)

		if next == StateRevealB {
			if m.fundingConfirmed {
				m.buildCoreArbitratingSetupLocked()
			} else {
				m.awaitingCoreBuild = true
			}
		}

	default:
		m.bufferUnhandledLocked(msg)
	}
}

// onCoreArbitratingSetupLocked implements RevealA's wait-for and
// RefundSigA's entry action together: Alice validates the proposal,
// signs her adaptor refund and cancel cosignature, replies with
// RefundProcedureSignatures, and starts watching the arbitrating
// transactions this swap now has on the table.
func (m *SwapStateMachine) onCoreArbitratingSetupLocked(core *wallet.CoreArbitratingSetup) {
	m.core = core

	refundSig, err := m.Alice.SignAdaptorRefund(core)
	if err != nil {
		log.Errorf("swap %x: sign adaptor refund: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}
	m.Alice.RefundAdaptorSig = refundSig

	cancelSig, cancelSigR, err := m.Alice.CosignArbitratingCancel(core)
	if err != nil {
		log.Errorf("swap %x: cosign cancel: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	m.sendLocked(PeerMessage{
		Kind: MsgRefundProcedureSignatures,
		RefundSigs: &wallet.RefundProcedureSignatures{
			SwapID:          m.SwapID,
			CancelSigAlice:  *cancelSig,
			CancelSigAliceR: *cancelSigR,
			RefundAdaptorSig: refundSig,
		},
	})

	m.transitionLocked(StateRefundSigA)

	m.watchTxLocked(labelArbLock, chainhashOf(core.LockTx))
	m.watchTxLocked(labelCancel, chainhashOf(core.CancelTx))
	m.watchTxLocked(labelRefund, chainhashOf(core.RefundTx))
}

// onBuyProcedureSignatureLocked implements RefundSigA's wait-for: Alice
// validates Bob's buy proposal, completes her own buy signature, and
// broadcasts it. The swap finishes once the syncer reports the buy
// transaction confirmed (HandleArbSyncerEvent), not here.
func (m *SwapStateMachine) onBuyProcedureSignatureLocked(sig *wallet.BuyProcedureSignature) {
	if err := m.Alice.ValidateAdaptorBuy(sig.BuyTx, sig.BuyAdaptorSig); err != nil {
		log.Errorf("swap %x: buy adaptor signature invalid: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	completed, err := m.Alice.FullySignBuy(sig.BuyAdaptorSig)
	if err != nil {
		log.Errorf("swap %x: fully sign buy: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}
	if err := embedSignatureLocked(sig.BuyTx, completed); err != nil {
		log.Errorf("swap %x: embed buy signature: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskBroadcastTransaction,
		ID:         m.allocTaskIDLocked(),
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		RawTx:      encodeTxOrNil(sig.BuyTx),
	})
	m.watchTxLocked(labelBuy, chainhashOf(sig.BuyTx))
}

// onRefundProcedureSignaturesLocked implements RevealB's wait-for: Bob
// validates Alice's adaptor refund, then signs and broadcasts the
// arbitrating lock transaction.
func (m *SwapStateMachine) onRefundProcedureSignaturesLocked(sigs *wallet.RefundProcedureSignatures) {
	if err := m.Bob.ValidateAdaptorRefund(m.core.RefundTx, sigs.RefundAdaptorSig); err != nil {
		log.Errorf("swap %x: refund adaptor signature invalid: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	if _, err := m.Bob.SignArbitratingLock(m.core.LockTx); err != nil {
		log.Errorf("swap %x: sign arbitrating lock: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}

	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskBroadcastTransaction,
		ID:         m.allocTaskIDLocked(),
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		RawTx:      encodeTxOrNil(m.core.LockTx),
	})
	m.watchTxLocked(labelArbLock, chainhashOf(m.core.LockTx))
	m.watchTxLocked(labelCancel, chainhashOf(m.core.CancelTx))

	m.transitionLocked(StateCoreArbB)
}
