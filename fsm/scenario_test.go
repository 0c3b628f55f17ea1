package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/syncer"
)

// confs returns a pointer to a confirmation count, the shape
// SyncerEvent.Confirmations expects.
func confs(n uint32) *uint32 { return &n }

// lastTaskRawTx returns the RawTx carried by the most recent task of kind
// submitted to sub, standing in for a real syncer fetching the confirmed
// transaction's bytes back off-chain before reporting confirmations.
func lastTaskRawTx(t *testing.T, sub *fakeSubmitter, kind syncer.TaskKind) []byte {
	t.Helper()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i := len(sub.tasks) - 1; i >= 0; i-- {
		if sub.tasks[i].Kind == kind {
			return sub.tasks[i].RawTx
		}
	}
	t.Fatalf("no %v task submitted", kind)
	return nil
}

// lastSweepTask returns the most recent TaskSweepAddress submitted to sub.
func lastSweepTask(t *testing.T, sub *fakeSubmitter) syncer.SyncerTask {
	t.Helper()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i := len(sub.tasks) - 1; i >= 0; i-- {
		if sub.tasks[i].Kind == syncer.TaskSweepAddress {
			return sub.tasks[i]
		}
	}
	t.Fatalf("no sweep task submitted")
	return syncer.SyncerTask{}
}

// runHandshake drives bobM/aliceM through Commit/Reveal/CoreArbitratingSetup/
// RefundProcedureSignatures up to bob broadcasting the lock transaction
// (StateCoreArbB), crediting the funding address along the way. Every
// scenario below starts from this point, the way S1-S6 all share the same
// preamble in spec §8.
func runHandshake(t *testing.T, bobM, aliceM *SwapStateMachine, bobPeer, alicePeer *fakePeer) {
	t.Helper()

	bobM.HandleControl(ControlMessage{Kind: CtrlTakerCommitted})
	aliceM.HandleControl(ControlMessage{Kind: CtrlTakeDeal})

	deliver(aliceM, bobPeer.drain())
	require.Equal(t, StateRevealA, aliceM.State())

	deliver(bobM, alicePeer.drain())
	require.Equal(t, StateRevealB, bobM.State())
	require.True(t, bobM.awaitingCoreBuild)

	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind:           syncer.EventAddressTransaction,
		TaskID:         fundingTaskID(t, bobM),
		CreditedAmount: int64(bobM.Deal.ArbitratingAmount),
	})
	core := bobPeer.drain()
	require.Len(t, core, 1)

	deliver(aliceM, core)
	require.Equal(t, StateRefundSigA, aliceM.State())
	refundSigs := alicePeer.drain()
	require.Len(t, refundSigs, 1)

	deliver(bobM, refundSigs)
	require.Equal(t, StateCoreArbB, bobM.State())
}

// TestScenarioS1HappyBobMaker drives a full swap to SuccessSwap on both
// sides, the way spec §8's S1 describes: lock confirms to finality, bob
// publishes the accordant lock, the accordant lock confirms to AccFinality,
// bob's safe-buy rule fires, and both parties observe their own buy/sell
// side of the buy transaction confirmed.
func TestScenarioS1HappyBobMaker(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, bobTasks, aliceTasks := newPair(t)
	bobM.SetAccordantDestAddress("bob-accordant-dest")
	runHandshake(t, bobM, aliceM, bobPeer, alicePeer)

	// Lock reaches ArbFinality (2): bob publishes the accordant lock and
	// moves to BuySigB.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(2),
	})
	require.Equal(t, StateBuySigB, bobM.State())

	// The lock keeps confirming past ArbSafety (4), the depth SafeBuy
	// requires alongside the accordant lock's own finality.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(4),
	})

	// Alice independently watches the same lock reach ArbSafety (4) on her
	// side, and the accordant lock reach AccFinality (10); her safe-buy
	// check lives in bob's machine only (he's the one broadcasting buy), so
	// advance bob's acc-lock confirmations and height directly.
	bobM.HandleAccSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelAccLock),
		Confirmations: confs(10),
	})
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{Kind: syncer.EventHeightChanged, Height: 4})
	require.True(t, bobM.buyBroadcast)

	buySig := bobPeer.drain()
	require.Len(t, buySig, 1)
	require.Equal(t, MsgBuyProcedureSignature, buySig[0].Kind)

	// Alice validates Bob's buy proposal, completes and embeds her own
	// signature into the buy transaction, and broadcasts it; once the
	// syncer reports it confirmed (handing back the confirmed transaction's
	// bytes, as a real chain fetch would) she's done.
	deliver(aliceM, buySig)
	completedBuyTx := lastTaskRawTx(t, aliceTasks, syncer.TaskBroadcastTransaction)
	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelBuy),
		Confirmations: confs(1), RawTx: completedBuyTx,
	})
	outcome, err := aliceM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessSwap, outcome)
	require.NotContains(t, aliceTasks.kinds(), syncer.TaskSweepAddress,
		"alice produced this signature herself; nothing for her to recover")

	// Bob observes the same buy transaction confirmed on his own watch
	// (established when he sent BuyProcedureSignature): he decodes alice's
	// completed signature out of it, recovers her accordant spend scalar,
	// and sweeps the balance she was owed, then finishes.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelBuy),
		Confirmations: confs(1), RawTx: completedBuyTx,
	})
	outcome, err = bobM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessSwap, outcome)

	sweep := lastSweepTask(t, bobTasks)
	require.Equal(t, "bob-accordant-dest", sweep.SweepDestAddress)
	require.Len(t, sweep.SweepSourceKeys, 2)
}

// TestScenarioS2RaceCancelRefund covers spec §8's S2: Alice never funds the
// accordant chain, so once the arbitrating lock reaches CancelTimelock
// confirmations Bob (the machine with Core present) broadcasts cancel, and
// once cancel is itself final he broadcasts refund and finishes
// FailureRefund.
func TestScenarioS2RaceCancelRefund(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, bobTasks, aliceTasks := newPair(t)
	aliceM.SetAccordantDestAddress("alice-accordant-dest")
	runHandshake(t, bobM, aliceM, bobPeer, alicePeer)

	// The lock reaches CancelTimelock (10) confirmations without the
	// accordant lock ever appearing. Alice independently observes the same
	// depth on her own watch (set up by runHandshake's CoreArbitratingSetup
	// delivery), racing bob to the same cancel broadcast.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(10),
	})
	require.True(t, bobM.cancelBroadcast)
	require.Contains(t, bobTasks.kinds(), syncer.TaskBroadcastTransaction)

	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelArbLock),
		Confirmations: confs(10),
	})
	require.True(t, aliceM.cancelBroadcast)

	// Cancel itself reaches ArbFinality: bob (present in this instance)
	// completes and embeds his signature into refund and broadcasts it.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelCancel),
		Confirmations: confs(2),
	})
	require.True(t, bobM.refundBroadcast)
	completedRefundTx := lastTaskRawTx(t, bobTasks, syncer.TaskBroadcastTransaction)

	// Bob observes his own refund transaction confirmed and finishes; he
	// produced its signature himself, so there's nothing for him to
	// recover.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelRefund),
		Confirmations: confs(1), RawTx: completedRefundTx,
	})
	outcome, err := bobM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeFailureRefund, outcome)
	require.NotContains(t, bobTasks.kinds(), syncer.TaskSweepAddress)

	// Alice observes the same refund transaction confirmed on her own
	// watch: she decodes bob's completed signature, recovers his
	// accordant spend scalar, and sweeps the balance he forfeited.
	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelRefund),
		Confirmations: confs(1), RawTx: completedRefundTx,
	})
	outcome, err = aliceM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeFailureRefund, outcome)

	sweep := lastSweepTask(t, aliceTasks)
	require.Equal(t, "alice-accordant-dest", sweep.SweepDestAddress)
	require.Len(t, sweep.SweepSourceKeys, 2)
}

// TestScenarioS3Punish covers spec §8's S3: Bob disappears after accordant
// funding, so once cancel is broadcast and reaches PunishTimelock-minus-
// CancelTimelock confirmations past cancel, Alice broadcasts punish instead
// of waiting on a refund that never lands.
func TestScenarioS3Punish(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, _, aliceTasks := newPair(t)
	runHandshake(t, bobM, aliceM, bobPeer, alicePeer)

	// Bob is killed: only alice's machine continues to observe the chain
	// from here. Her lock watch reaches CancelTimelock confirmations.
	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelArbLock),
		Confirmations: confs(10),
	})
	require.True(t, aliceM.cancelBroadcast)

	// Cancel confirms to PunishTimelock-CancelTimelock (20-10=10): alice,
	// not bob, is the side that broadcasts punish.
	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelCancel),
		Confirmations: confs(10),
	})
	require.True(t, aliceM.punishBroadcast)
	require.Contains(t, aliceTasks.kinds(), syncer.TaskBroadcastTransaction)

	// Alice's own watch on the punish transaction confirms.
	aliceM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, aliceM, labelPunish),
		Confirmations: confs(1),
	})
	outcome, err := aliceM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeFailurePunish, outcome)
}

// TestScenarioS4RestorePreBuy covers spec §8's S4: both sides are killed
// after the arbitrating and accordant lock transactions are both
// confirmed (BuySigB on bob's side, RefundSigA on alice's), then restored
// from a checkpoint's Snapshot and resume to SuccessSwap.
func TestScenarioS4RestorePreBuy(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, _, _ := newPair(t)
	runHandshake(t, bobM, aliceM, bobPeer, alicePeer)

	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(2),
	})
	require.Equal(t, StateBuySigB, bobM.State())
	bobPeer.drain() // the accordant-lock watch subscription, not a peer message

	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(4),
	})

	// Snapshot both machines mid-flight, as a checkpoint.Store would at a
	// state transition, then build brand-new instances the way a daemon
	// restart would and restore them in place of driving the originals
	// further.
	bobSnap := bobM.Snapshot()
	aliceSnap := aliceM.Snapshot()

	restoredBobPeer := &fakePeer{}
	restoredAlicePeer := &fakePeer{}
	restoredBobTasks := &fakeSubmitter{}
	restoredAliceTasks := &fakeSubmitter{}

	restoredBob := New(bobM.SwapID, bobM.Deal, deal.Bob, deal.Maker, bobM.Safety, nil, bobM.Bob,
		restoredBobPeer, restoredBobTasks, restoredBobTasks, &fakeCheckpointer{})
	restoredBob.RestoreSnapshot(bobSnap)
	restoredBob.SetAccordantDestAddress("restored-bob-accordant-dest")

	restoredAlice := New(aliceM.SwapID, aliceM.Deal, deal.Alice, deal.Taker, aliceM.Safety, aliceM.Alice, nil,
		restoredAlicePeer, restoredAliceTasks, restoredAliceTasks, &fakeCheckpointer{})
	restoredAlice.RestoreSnapshot(aliceSnap)

	require.Equal(t, StateBuySigB, restoredBob.State())
	require.Equal(t, StateRefundSigA, restoredAlice.State())

	// Replay the last-seen accordant-lock and height events, per
	// RestoreSnapshot's restore contract, and the swap resumes exactly as
	// TestScenarioS1HappyBobMaker's tail does.
	restoredBob.HandleAccSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, restoredBob, labelAccLock),
		Confirmations: confs(10),
	})
	restoredBob.HandleArbSyncerEvent(syncer.SyncerEvent{Kind: syncer.EventHeightChanged, Height: 4})
	require.True(t, restoredBob.buyBroadcast)

	buySig := restoredBobPeer.drain()
	require.Len(t, buySig, 1)

	deliver(restoredAlice, buySig)
	completedBuyTx := lastTaskRawTx(t, restoredAliceTasks, syncer.TaskBroadcastTransaction)
	restoredAlice.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, restoredAlice, labelBuy),
		Confirmations: confs(1), RawTx: completedBuyTx,
	})
	outcome, err := restoredAlice.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessSwap, outcome)

	restoredBob.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, restoredBob, labelBuy),
		Confirmations: confs(1), RawTx: completedBuyTx,
	})
	outcome, err = restoredBob.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccessSwap, outcome)

	sweep := lastSweepTask(t, restoredBobTasks)
	require.Equal(t, "restored-bob-accordant-dest", sweep.SweepDestAddress)
	require.Len(t, sweep.SweepSourceKeys, 2)
}

// TestScenarioS5Reconnect covers spec §8's S5: the peer connection drops
// mid-handshake (between Commit and Reveal going out), and on reconnect the
// queued messages are resent in order and the swap completes normally.
func TestScenarioS5Reconnect(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, _, _ := newPair(t)

	bobM.HandleControl(ControlMessage{Kind: CtrlTakerCommitted})

	// Simulate the connection dropping right as alice would have received
	// bob's Commit+Reveal: detach her peer sender before TakeDeal, so her
	// own outgoing Commit+Reveal queue up in pending instead of reaching
	// bob.
	aliceM.mu.Lock()
	aliceM.peer = nil
	aliceM.mu.Unlock()

	aliceM.HandleControl(ControlMessage{Kind: CtrlTakeDeal})

	aliceM.mu.Lock()
	queued := len(aliceM.pending)
	aliceM.mu.Unlock()
	require.Equal(t, 2, queued)

	// Reconnect: replace alice's peer sender and flush.
	aliceM.mu.Lock()
	aliceM.peer = alicePeer
	aliceM.mu.Unlock()
	aliceM.HandleControl(ControlMessage{Kind: CtrlPeerdReconnected})

	// Now run the rest of the handshake to completion exactly as S1 does,
	// confirming the reconnect didn't leave either side stuck.
	deliver(aliceM, bobPeer.drain())
	require.Equal(t, StateRevealA, aliceM.State())
	deliver(bobM, alicePeer.drain())
	require.Equal(t, StateRevealB, bobM.State())

	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind:           syncer.EventAddressTransaction,
		TaskID:         fundingTaskID(t, bobM),
		CreditedAmount: int64(bobM.Deal.ArbitratingAmount),
	})
	core := bobPeer.drain()
	require.Len(t, core, 1)
	deliver(aliceM, core)
	require.Equal(t, StateRefundSigA, aliceM.State())
}

// TestScenarioS6Overfund covers spec §8's S6: Alice sends more than the
// deal's accordant amount to the accordant lock address Bob published and
// is watching. Bob can't trust a mismatched amount enough to buy against
// it, so the swap drives to the cancel/refund branch the same way a
// timed-out swap does (spec §8: "Machine treats as overfund, drives to
// cancel/refund branch; outcome = FailureRefund").
func TestScenarioS6Overfund(t *testing.T) {
	bobM, aliceM, bobPeer, alicePeer, bobTasks, _ := newPair(t)
	runHandshake(t, bobM, aliceM, bobPeer, alicePeer)

	// Lock reaches ArbFinality (2): bob publishes the accordant lock and
	// moves to BuySigB, watching for Alice's accordant funding to arrive.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelArbLock),
		Confirmations: confs(2),
	})
	require.Equal(t, StateBuySigB, bobM.State())
	require.False(t, bobM.cancelBroadcast)

	// Alice funds the accordant lock for one pico more than the deal calls
	// for.
	overfunded := int64(bobM.Deal.AccordantAmount) + 1
	bobM.HandleAccSyncerEvent(syncer.SyncerEvent{
		Kind:           syncer.EventAddressTransaction,
		TaskID:         watchTaskID(t, bobM, labelAccLock),
		CreditedAmount: overfunded,
	})
	require.True(t, bobM.cancelBroadcast)
	require.False(t, bobM.buyBroadcast, "bob must not buy against an untrustworthy accordant amount")
	require.Contains(t, bobTasks.kinds(), syncer.TaskBroadcastTransaction)

	// Cancel reaches ArbFinality: bob broadcasts refund and recovers his
	// arbitrating funds.
	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelCancel),
		Confirmations: confs(2),
	})
	require.True(t, bobM.refundBroadcast)

	bobM.HandleArbSyncerEvent(syncer.SyncerEvent{
		Kind: syncer.EventTransactionConfirmations, TaskID: watchTaskID(t, bobM, labelRefund),
		Confirmations: confs(1),
	})
	outcome, err := bobM.Outcome()
	require.NoError(t, err)
	require.Equal(t, OutcomeFailureRefund, outcome)
}
