package fsm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/cryptos/adaptor"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/wallet"
)

// chainhashOf returns tx's canonical transaction hash, used to key syncer
// TaskWatchTransaction subscriptions for transactions this machine just
// built or received.
func chainhashOf(tx *wire.MsgTx) chainhash.Hash {
	return tx.TxHash()
}

// encodeTxOrNil serializes tx for a TaskBroadcastTransaction payload,
// logging and returning nil on a serialization failure (which can only
// happen for a malformed transaction the wallet layer should never
// produce).
func encodeTxOrNil(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		log.Errorf("serialize transaction for broadcast: %v", err)
		return nil
	}
	return buf.Bytes()
}

// transitionLocked moves the machine to next, checkpoints (spec §4.6: "at
// three boundaries" — a state transition is one of them), and retries any
// buffered out-of-order peer message.
func (m *SwapStateMachine) transitionLocked(next StateKind) {
	log.Debugf("swap %x: %s -> %s", m.SwapID, m.state, next)
	m.state = next

	if m.checkpoint != nil {
		if err := m.checkpoint.Checkpoint(m); err != nil {
			log.Errorf("swap %x: checkpoint at %s: %v", m.SwapID, next, err)
		}
	}

	if m.unhandled != nil {
		buffered := m.unhandled.msg
		m.unhandled = nil
		m.dispatchPeerMessageLocked(buffered)
	}
}

// finishLocked moves the machine to StateFinished with outcome, reporting
// it to clients via the logger (the report package's StateReport consumes
// this through the checkpoint/event trail; spec §4.1 "FinishA: reports
// outcome to clients").
func (m *SwapStateMachine) finishLocked(outcome Outcome) {
	m.outcome = outcome
	m.state = StateFinished
	log.Infof("swap %x: finished with outcome %s", m.SwapID, outcome)
	if m.checkpoint != nil {
		if err := m.checkpoint.Checkpoint(m); err != nil {
			log.Errorf("swap %x: checkpoint at finish: %v", m.SwapID, err)
		}
	}
}

// sendLocked delivers msg to the counterparty, buffering it in pending on
// failure (spec §4.1 "Peer disconnect... buffers outgoing messages in
// pending_peer_request").
func (m *SwapStateMachine) sendLocked(msg PeerMessage) {
	if m.peer == nil {
		m.pending = append(m.pending, msg)
		return
	}
	if err := m.peer.SendPeer(m.SwapID, msg); err != nil {
		log.Warnf("swap %x: send %s failed, buffering: %v", m.SwapID, msg.Kind, err)
		m.pending = append(m.pending, msg)
	}
}

// flushPendingLocked resends every buffered outgoing message on
// PeerdReconnected (spec §4.1 "resumes... replaying the queue. No state
// change.").
func (m *SwapStateMachine) flushPendingLocked() {
	if len(m.pending) == 0 || m.peer == nil {
		return
	}
	queue := m.pending
	m.pending = nil
	for _, msg := range queue {
		m.sendLocked(msg)
	}
}

// dispatchPeerMessageLocked is handlePeerMessageLocked's entry point for
// both freshly-arrived and replayed-from-buffer messages.
func (m *SwapStateMachine) dispatchPeerMessageLocked(msg PeerMessage) {
	m.handlePeerMessageLocked(msg)
}

// bufferUnhandledLocked stores msg as the single buffered out-of-order
// message, overwriting discards any previous one (spec: "buffered once").
func (m *SwapStateMachine) bufferUnhandledLocked(msg PeerMessage) {
	m.unhandled = &unhandledPeerMessage{msg: msg}
}

// deriveFundingAddressLocked implements StartMaker's entry action (spec
// §4.1: "funding address + key stored (Bob only)"): derive Bob's funding
// address ahead of any peer exchange and persist its secret via
// SetAddressKeyStore's handle, so a later underfunded/overfunded abort can
// recover it and sweep the address back. Idempotent: a machine that already
// has a funding address (e.g. CommitB's subscribeFundingLocked running
// first, in a test that never drives onEntry) does not re-derive one.
func (m *SwapStateMachine) deriveFundingAddressLocked() {
	if m.Bob == nil || m.fundingAddress != "" {
		return
	}
	address, script, secret, err := m.Bob.FundingAddress()
	if err != nil {
		log.Errorf("swap %x: derive funding address: %v", m.SwapID, err)
		return
	}
	if m.addressKeys != nil {
		if err := m.addressKeys.PutAddressSecretKey(address, secret); err != nil {
			log.Errorf("swap %x: persist funding address key: %v", m.SwapID, err)
		}
	}
	m.fundingAddress = address
	m.fundingScript = script
}

// subscribeFundingLocked asks the arbitrating syncer to watch the funding
// address derived for this swap (spec §4.1 CommitB: "subscribes funding
// address on arbitrating syncer").
func (m *SwapStateMachine) subscribeFundingLocked() {
	if m.arbSyncer == nil {
		return
	}
	m.deriveFundingAddressLocked()

	id := m.allocTaskIDLocked()
	m.watches[id] = txWatch{label: labelFunding}
	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskWatchAddress,
		ID:         id,
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		IncludeTx:  true,
		Addendum: syncer.AddressAddendum{
			Address:         m.fundingAddress,
			ArbScriptPubKey: m.fundingScript,
		},
	})
}

// submitFundingSweepLocked is onFundingCreditedLocked's abort tail (spec
// §4.1: "Bob aborts, sweeps funding address back to his refund address"):
// retrieve the funding address's secret key and ask the arbitrating syncer
// to sweep it. A failure at any step is logged and otherwise swallowed,
// mirroring submitAccordantSweepLocked — the abort itself does not depend
// on a successful sweep.
func (m *SwapStateMachine) submitFundingSweepLocked() {
	if m.arbSyncer == nil || m.addressKeys == nil || m.fundingAddress == "" {
		log.Infof("swap %x: funding address misfunded, no key store configured to sweep it back", m.SwapID)
		return
	}
	if m.arbitratingDestAddress == "" {
		log.Infof("swap %x: funding address misfunded, no sweep destination configured", m.SwapID)
		return
	}
	secret, err := m.addressKeys.GetAddressSecretKey(m.fundingAddress)
	if err != nil {
		log.Errorf("swap %x: load funding address key: %v", m.SwapID, err)
		return
	}
	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:             syncer.TaskSweepAddress,
		ID:               m.allocTaskIDLocked(),
		Subscriber:       syncer.ServiceID(m.swapIDStringLocked()),
		SweepSourceKeys:  [][]byte{secret},
		SweepDestAddress: m.arbitratingDestAddress,
	})
}

// watchTxLocked subscribes to confirmation updates for a just-broadcast or
// just-observed transaction, tagging it with label so HandleArbSyncerEvent can
// route confirmation changes to the right timelock logic.
func (m *SwapStateMachine) watchTxLocked(label watchedLabel, txid chainhash.Hash) {
	id := m.allocTaskIDLocked()
	m.watches[id] = txWatch{label: label, txid: txid}
	m.arbSyncer.Submit(syncer.SyncerTask{
		Kind:       syncer.TaskWatchTransaction,
		ID:         id,
		Subscriber: syncer.ServiceID(m.swapIDStringLocked()),
		Txid:       txid,
	})
}

func (m *SwapStateMachine) allocTaskIDLocked() syncer.TaskID {
	m.nextTaskID++
	return m.nextTaskID
}

func (m *SwapStateMachine) swapIDStringLocked() string {
	return string(m.SwapID[:])
}

// embedSignatureLocked writes a completed adaptor signature into tx's first
// input as this module's own placeholder witness slot: no txscript
// spend-script-construction layer exists yet for either side to build or
// parse a real signature script against (buildCoreArbitratingSetupLocked's
// skeleton transactions have none), so the signature a broadcaster
// completes is carried here instead, for the watching counterparty to pull
// back out of the confirmed transaction's bytes via extractSignature.
func embedSignatureLocked(tx *wire.MsgTx, sig *adaptor.Signature) error {
	var buf bytes.Buffer
	if err := wallet.EncodeSignature(&buf, sig); err != nil {
		return fmt.Errorf("encode completed adaptor signature: %w", err)
	}
	if len(tx.TxIn) == 0 {
		tx.AddTxIn(&wire.TxIn{})
	}
	tx.TxIn[0].SignatureScript = buf.Bytes()
	return nil
}

// extractSignature is embedSignatureLocked's inverse, reading the completed
// adaptor signature back out of a confirmed transaction's raw bytes.
func extractSignature(rawTx []byte) (*adaptor.Signature, error) {
	tx := wire.NewMsgTx()
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("decode confirmed transaction: %w", err)
	}
	if len(tx.TxIn) == 0 || len(tx.TxIn[0].SignatureScript) == 0 {
		return nil, errors.New("confirmed transaction carries no embedded signature")
	}
	return wallet.DecodeSignature(bytes.NewReader(tx.TxIn[0].SignatureScript))
}

// recoverAndSweepAccordantLocked is onBuySeenLocked/onRefundSeenLocked's
// shared tail: decode the counterparty's completed signature from the
// transaction that just confirmed, recover the accordant spend scalar it
// protects via recover, and submit a TaskSweepAddress for the recovered
// account. A failure at any step is logged and otherwise swallowed — the
// swap's outcome does not depend on a successful sweep, only on having
// reached the state that makes one possible.
func (m *SwapStateMachine) recoverAndSweepAccordantLocked(rawTx []byte,
	remote *wallet.Parameters, recover func(*adaptor.Signature) (*secp256k1.ModNScalar, error)) {

	if remote == nil {
		return
	}
	sig, err := extractSignature(rawTx)
	if err != nil {
		log.Errorf("swap %x: extract completed signature: %v", m.SwapID, err)
		return
	}
	scalar, err := recover(sig)
	if err != nil {
		log.Errorf("swap %x: recover accordant key: %v", m.SwapID, err)
		return
	}
	m.submitAccordantSweepLocked(remote.ViewKey[:], scalar)
}

// submitAccordantSweepLocked asks the accordant syncer to sweep the account
// (remoteViewKey, recoveredSpendScalar) to this party's configured
// destination, once one has been set via SetAccordantDestAddress.
func (m *SwapStateMachine) submitAccordantSweepLocked(remoteViewKey []byte, spendScalar *secp256k1.ModNScalar) {
	if m.accSyncer == nil || m.accordantDestAddress == "" {
		log.Infof("swap %x: recovered accordant spend key, no sweep destination configured", m.SwapID)
		return
	}
	spendBytes := spendScalar.Bytes()
	m.accSyncer.Submit(syncer.SyncerTask{
		Kind:             syncer.TaskSweepAddress,
		ID:               m.allocTaskIDLocked(),
		Subscriber:       syncer.ServiceID(m.swapIDStringLocked()),
		SweepSourceKeys:  [][]byte{append([]byte(nil), remoteViewKey...), spendBytes[:]},
		SweepDestAddress: m.accordantDestAddress,
	})
}
