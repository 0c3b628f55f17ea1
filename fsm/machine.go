package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/temporalsafety"
	"github.com/chainswap/swapd/wallet"
)

var log = slog.Disabled

// UseLogger configures this package's logger.
func UseLogger(l slog.Logger) { log = l }

// PeerSender delivers an outgoing PeerMessage to the counterparty over the
// MessageBus's Msg channel. It returns an error when the peer connection is
// currently down; the machine buffers the message in that case (spec §4.1
// "Peer disconnect").
type PeerSender interface {
	SendPeer(swapID [16]byte, msg PeerMessage) error
}

// TaskSubmitter is the subset of a Syncer's public surface the machine
// needs: submitting tasks and identifying itself as the subscriber.
type TaskSubmitter interface {
	Submit(task syncer.SyncerTask)
}

// Checkpointer captures machine state at the three boundaries spec §4.6
// names. The checkpoint package implements this against its own storage;
// the machine only knows it must call Checkpoint at the right points.
type Checkpointer interface {
	Checkpoint(m *SwapStateMachine) error
}

// ErrUnknownOutcome is returned by Outcome() before the machine reaches
// StateFinished.
var ErrUnknownOutcome = errors.New("fsm: swap has not finished yet")

// SwapStateMachine drives one swap from deal acceptance to SwapEnd. Exactly
// one instance exists per swap per party; it owns no goroutine of its own
// beyond the one its Run method is called from (spec §5: "one goroutine per
// swap").
type SwapStateMachine struct {
	mu sync.Mutex

	SwapID    [16]byte
	Deal      *deal.Deal
	Role      deal.SwapRole
	TradeRole deal.TradeRole
	Safety    temporalsafety.Config

	// CounterpartyNodeID and EnquirerID are opaque routing identities
	// carried alongside the machine for the checkpoint entry (spec §4.6)
	// and the MessageBus (spec §4.7); the machine itself never
	// interprets them beyond storing and returning them.
	CounterpartyNodeID []byte
	EnquirerID         []byte

	Alice *wallet.AliceState
	Bob   *wallet.BobState

	state   StateKind
	outcome Outcome

	core *wallet.CoreArbitratingSetup

	revealNonce      []byte
	remoteCommitment *wallet.Commitment

	unhandled *unhandledPeerMessage
	pending   []PeerMessage

	arbHeight uint64
	accHeight uint64

	watches map[syncer.TaskID]txWatch

	arbLockConfs uint32
	cancelConfs  uint32
	accLockConfs uint32

	cancelBroadcast bool
	refundBroadcast bool
	punishBroadcast bool
	buyBroadcast    bool

	fundingConfirmed  bool
	awaitingCoreBuild bool

	peer        PeerSender
	arbSyncer   TaskSubmitter
	accSyncer   TaskSubmitter
	checkpoint  Checkpointer

	// accordantDestAddress is where this party sweeps an accordant
	// balance it recovers the counterparty's spend key for (spec §4.1's
	// refund/success branches: whichever side observes the other's
	// completed signature on-chain sweeps the funds that signature was
	// protecting).
	accordantDestAddress string

	// arbitratingDestAddress is where Bob sweeps his own pre-lock funding
	// address back to if it is under- or overfunded (spec §4.1
	// StartMaker/CommitB: "Bob aborts, sweeps funding address back to his
	// refund address").
	arbitratingDestAddress string

	// addressKeys persists the secret key behind a derived address, set
	// via SetAddressKeyStore. Without one, funding-address derivation
	// still proceeds (the watch and any sweep-back still work within this
	// process) but the key is not recoverable across a restart.
	addressKeys AddressKeyStore

	// fundingAddress and fundingScript are Bob's pre-swap arbitrating
	// funding address (spec §4.1 StartMaker: "funding address + key
	// stored (Bob only)"), derived once on entering StartMaker and reused
	// by CommitB's watch subscription.
	fundingAddress string
	fundingScript  []byte

	nextTaskID syncer.TaskID
}

// AddressKeyStore is the subset of storage.KVStore the machine needs to
// persist and later retrieve the secret key behind a derived address, kept
// narrow so the fsm package never imports storage directly.
type AddressKeyStore interface {
	PutAddressSecretKey(address string, secret []byte) error
	GetAddressSecretKey(address string) ([]byte, error)
}

// New constructs a SwapStateMachine for a maker or taker, Alice or Bob, per
// the four StartMaker/StartTaker x Alice/Bob combinations spec §4.1's table
// enumerates. aliceKM/bobKM: exactly one of alice, bob is non-nil depending
// on role. Call SetAccordantDestAddress/SetArbitratingDestAddress/
// SetAddressKeyStore before Run if this party should sweep a counterparty
// balance it recovers the key for, or (Bob only) recover its own funding
// address; a restored machine (checkpoint.Restore) has no such values
// available until its caller supplies them the same way.
func New(swapID [16]byte, d *deal.Deal, role deal.SwapRole, tradeRole deal.TradeRole,
	safety temporalsafety.Config, alice *wallet.AliceState, bob *wallet.BobState,
	peer PeerSender, arbSyncer, accSyncer TaskSubmitter, cp Checkpointer) *SwapStateMachine {

	m := &SwapStateMachine{
		SwapID:     swapID,
		Deal:       d,
		Role:       role,
		TradeRole:  tradeRole,
		Safety:     safety,
		Alice:      alice,
		Bob:        bob,
		peer:       peer,
		arbSyncer:  arbSyncer,
		accSyncer:  accSyncer,
		checkpoint: cp,
		watches:    make(map[syncer.TaskID]txWatch),
	}
	if tradeRole == deal.Maker {
		m.state = StateStartMaker
	} else {
		m.state = StateStartTaker
	}
	return m
}

// SetAccordantDestAddress sets where this party sweeps an accordant balance
// it recovers the counterparty's spend key for (spec §4.1's success/refund
// branches: whichever side observes the other's completed adaptor
// signature on-chain sweeps the funds that signature was protecting). A
// machine with no destination set simply skips the sweep, recovering the
// key and logging it but submitting no TaskSweepAddress.
func (m *SwapStateMachine) SetAccordantDestAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accordantDestAddress = addr
}

// SetArbitratingDestAddress sets where Bob sweeps his funding address back
// to if it is under- or overfunded (spec §4.1). A machine with no
// destination set logs that none is configured and skips the sweep.
func (m *SwapStateMachine) SetArbitratingDestAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arbitratingDestAddress = addr
}

// SetAddressKeyStore wires the store the machine persists Bob's funding
// address secret key into on deriving it, and reads it back from if that
// address ever needs sweeping. Call before Run; a restored machine
// (checkpoint.Restore) never re-enters StartMaker so it has no need of one.
func (m *SwapStateMachine) SetAddressKeyStore(kv AddressKeyStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addressKeys = kv
}

// State returns the machine's current state.
func (m *SwapStateMachine) State() StateKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the swap's terminal outcome, or ErrUnknownOutcome before
// StateFinished.
func (m *SwapStateMachine) Outcome() (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFinished {
		return OutcomeNone, ErrUnknownOutcome
	}
	return m.outcome, nil
}

// Run blocks dispatching inbound events until ctx is cancelled or the swap
// reaches StateFinished. peerIn, ctrlIn and the two syncer event channels
// are expected to be fed by a MessageBus subscription filtered to this
// swap's ServiceID; arbitrating and accordant events arrive on separate
// channels since SyncerEvent carries no chain tag of its own.
func (m *SwapStateMachine) Run(ctx context.Context, peerIn <-chan PeerMessage, ctrlIn <-chan ControlMessage,
	arbSyncIn <-chan syncer.SyncerEvent, accSyncIn <-chan syncer.SyncerEvent) {

	m.onEntry()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-peerIn:
			m.HandlePeerMessage(msg)
		case ctrl := <-ctrlIn:
			m.HandleControl(ctrl)
		case ev := <-arbSyncIn:
			m.HandleArbSyncerEvent(ev)
		case ev := <-accSyncIn:
			m.HandleAccSyncerEvent(ev)
		}
		if m.state == StateFinished {
			return
		}
	}
}

// onEntry runs the "Emits on entry" action of the machine's initial state
// (spec §4.1's table).
func (m *SwapStateMachine) onEntry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStartMaker:
		if m.Role == deal.Bob {
			m.deriveFundingAddressLocked()
		}
	case StateStartTaker:
		// TakerCommit is sent once the wallet has generated parameters,
		// which HandleControl(CtrlTakeDeal) drives.
	}
}

// HandleControl processes a client/supervisor-originated control event.
func (m *SwapStateMachine) HandleControl(msg ControlMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Kind {
	case CtrlAbortRequested:
		if !m.arbLockBroadcastLocked() {
			m.finishLocked(OutcomeFailureAbort)
			return
		}
		log.Warnf("swap %x: abort requested but lock already broadcast, ignoring", m.SwapID)

	case CtrlPeerdReconnected:
		m.flushPendingLocked()

	case CtrlTakeDeal:
		if m.state != StateStartTaker {
			return
		}
		m.generateAndCommitLocked()

	case CtrlTakerCommitted:
		if m.state != StateStartMaker {
			return
		}
		m.generateAndCommitLocked()
	}
}

// generateAndCommitLocked is the shared body of CtrlTakeDeal/
// CtrlTakerCommitted: generate local Parameters, send Commit, and enter
// CommitA (sending Reveal immediately, per CommitA's entry action) or
// CommitB (subscribing the funding address and waiting, per CommitB's
// entry action), according to this party's role in the deal.
func (m *SwapStateMachine) generateAndCommitLocked() {
	if err := m.generateParametersLocked(); err != nil {
		log.Errorf("swap %x: generate parameters: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}
	commitment, nonce, err := m.commitLocked()
	if err != nil {
		log.Errorf("swap %x: commit: %v", m.SwapID, err)
		m.finishLocked(OutcomeFailureAbort)
		return
	}
	m.revealNonce = nonce
	m.sendLocked(PeerMessage{Kind: MsgCommit, Commitment: commitment})

	// Both sides reveal immediately: each derives Parameters independently
	// from its own key manager before ever seeing the counterparty's
	// Commit, so there is nothing to wait for beyond having committed
	// one's own. CommitA's table row calls this out explicitly; CommitB's
	// "subscribes funding address" entry action happens alongside it, not
	// instead of it.
	m.sendLocked(PeerMessage{
		Kind:        MsgReveal,
		Reveal:      m.localParamsLocked(),
		RevealNonce: m.revealNonce,
	})

	if m.Role == deal.Alice {
		m.transitionLocked(StateCommitA)
		return
	}

	m.transitionLocked(StateCommitB)
	m.subscribeFundingLocked()
}

func (m *SwapStateMachine) arbLockBroadcastLocked() bool {
	return m.core != nil && m.state != StateStartMaker && m.state != StateStartTaker &&
		m.state != StateCommitA && m.state != StateCommitB
}

func (m *SwapStateMachine) generateParametersLocked() error {
	if m.Role == deal.Alice {
		_, err := m.Alice.GenerateParameters()
		return err
	}
	_, err := m.Bob.GenerateParameters()
	return err
}

func (m *SwapStateMachine) commitLocked() (*wallet.Commitment, []byte, error) {
	var params *wallet.Parameters
	if m.Role == deal.Alice {
		params = m.Alice.Local
	} else {
		params = m.Bob.Local
	}
	return wallet.Commit(nil, params)
}

func (m *SwapStateMachine) localParamsLocked() *wallet.Parameters {
	if m.Role == deal.Alice {
		return m.Alice.Local
	}
	return m.Bob.Local
}

func (m *SwapStateMachine) remoteParamsLocked() *wallet.Parameters {
	if m.Role == deal.Alice {
		return m.Alice.Remote
	}
	return m.Bob.Remote
}

func (m *SwapStateMachine) setRemoteParamsLocked(p *wallet.Parameters) {
	if m.Role == deal.Alice {
		m.Alice.Remote = p
	} else {
		m.Bob.Remote = p
	}
}
