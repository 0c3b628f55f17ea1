// Package syncer defines the uniform task/event vocabulary shared by the
// arbitrating and accordant chain observers (spec §3, §4.3-4.4) and the
// SyncerState bookkeeping both observers drive. Grounded on the teacher's
// chainntnfs/lnwallet RPC-backed client shape, generalized from "one chain,
// one notifier" to the tagged task/event model spec.md requires.
package syncer

import (
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// ServiceID names a subscriber of a syncer task, normally a per-swap
// SwapStateMachine's service identity. It is opaque to the syncer beyond
// being a map key and an event destination.
type ServiceID string

// TaskID uniquely identifies a SyncerTask within a (syncer, subscriber)
// pair.
type TaskID uint64

// TaskKind tags the variant of a SyncerTask.
type TaskKind uint8

const (
	// TaskWatchHeight subscribes to every new chain tip height.
	TaskWatchHeight TaskKind = iota
	// TaskWatchAddress subscribes to transactions touching an address.
	TaskWatchAddress
	// TaskWatchTransaction subscribes to confirmation changes of a txid.
	TaskWatchTransaction
	// TaskBroadcastTransaction submits a raw transaction to the network.
	TaskBroadcastTransaction
	// TaskSweepAddress sweeps the balance of a source address/account to
	// a destination.
	TaskSweepAddress
	// TaskGetTransaction retrieves a transaction by txid once.
	TaskGetTransaction
	// TaskWatchEstimateFee requests the current fee-rate estimate.
	TaskWatchEstimateFee
	// TaskHealthCheck probes the chain client's reachability.
	TaskHealthCheck
	// TaskAbort cancels one or all outstanding tasks for a subscriber.
	TaskAbort
	// TaskTerminate shuts the syncer's view of a subscriber down entirely.
	TaskTerminate
)

// TaskTarget selects which outstanding tasks an Abort task cancels.
type TaskTarget struct {
	// All, when true, aborts every task owned by the subscriber.
	All bool
	// TaskID, when All is false, names a single task to abort.
	TaskID TaskID
}

// AddressAddendum carries the chain-specific watch parameters for
// TaskWatchAddress: a script-hash style spend address on the arbitrating
// chain, or a (view key, spend pubkey, restore height) tuple on the
// accordant chain. Exactly one of the two is populated depending on which
// Syncer consumes the task.
type AddressAddendum struct {
	// Address is the arbitrating-chain address to watch, or the
	// accordant-chain primary address for display/logging purposes.
	Address string

	// ArbScriptPubKey is the arbitrating output script to watch, derived
	// from Address; used for script-hash subscription.
	ArbScriptPubKey []byte

	// AccViewKey and AccSpendPublicKey, when non-nil, identify an
	// accordant-chain subaddress-less account to restore a view wallet
	// for.
	AccViewKey        []byte
	AccSpendPublicKey []byte

	// FromHeight is the height at which to begin scanning for the
	// accordant chain (ignored by the arbitrating syncer).
	FromHeight uint64
}

// AddressFilter narrows which transactions touching a watched address are
// reported; an empty filter reports all of them.
type AddressFilter struct {
	// MinAmount, if non-zero, suppresses AddressTransaction events below
	// this credited amount.
	MinAmount int64
}

// SyncerTask is the tagged variant consumed by a Syncer's inbound queue
// (spec §3 SyncerTask).
type SyncerTask struct {
	Kind       TaskKind
	ID         TaskID
	Subscriber ServiceID

	// Lifetime is the height past which this task is dropped (emitting
	// TaskAborted) unless refreshed by resubmission.
	Lifetime uint64

	// --- kind-specific payloads; only the field(s) matching Kind apply ---

	Addendum         AddressAddendum
	IncludeTx        bool
	Filter           AddressFilter
	Txid             chainhash.Hash
	ConfirmationBound uint32
	RawTx             []byte
	BroadcastAfterHeight uint64
	SweepSourceKeys      [][]byte
	SweepDestAddress     string
	SweepMinBalance      int64
	Target               TaskTarget
}

// EventKind tags the variant of a SyncerEvent.
type EventKind uint8

const (
	// EventHeightChanged reports a new chain tip.
	EventHeightChanged EventKind = iota
	// EventAddressTransaction reports a transaction crediting a watched
	// address.
	EventAddressTransaction
	// EventTransactionConfirmations reports a watched transaction's
	// confirmation count changing.
	EventTransactionConfirmations
	// EventTransactionBroadcasted reports the outcome of a broadcast
	// attempt.
	EventTransactionBroadcasted
	// EventTransactionRetrieved reports the result of a GetTransaction
	// task.
	EventTransactionRetrieved
	// EventSweepSuccess reports a completed sweep.
	EventSweepSuccess
	// EventFeeEstimation reports a fee-rate estimate.
	EventFeeEstimation
	// EventAddressBalance reports a watched address's current balance.
	EventAddressBalance
	// EventHealthResult reports the outcome of a health check.
	EventHealthResult
	// EventTaskAborted reports that a task was dropped (expired lifetime
	// or explicit Abort).
	EventTaskAborted
	// EventEmpty is a heartbeat carrying no new information for a task,
	// used to prove liveness to a subscriber awaiting a reply.
	EventEmpty
)

// SyncerEvent is the tagged variant emitted by a Syncer to the Sync channel
// of the message bus (spec §3 SyncerEvent).
type SyncerEvent struct {
	Kind       EventKind
	TaskID     TaskID
	Subscriber ServiceID

	Height uint64
	TipHash chainhash.Hash

	Txid  chainhash.Hash
	Block *BlockRef

	// Confirmations is the watched transaction's confirmation count,
	// saturating at the task's ConfirmationBound; absent (nil) when the
	// transaction has not yet been seen at all.
	Confirmations *uint32

	CreditedAmount int64
	RawTx          []byte

	BroadcastError string

	SweepTxids []chainhash.Hash

	FeeRateAtomsPerKB int64

	Balance int64

	Healthy        bool
	HealthMessage string
}

// BlockRef names the block a transaction was confirmed in.
type BlockRef struct {
	Hash   chainhash.Hash
	Height uint64
}

// HeightChanged builds the event reported once per new height per
// subscriber.
func HeightChanged(sub ServiceID, height uint64, tip chainhash.Hash) SyncerEvent {
	return SyncerEvent{Kind: EventHeightChanged, Subscriber: sub, Height: height, TipHash: tip}
}

// TaskAborted builds the event reported when a task is dropped.
func TaskAborted(sub ServiceID, id TaskID) SyncerEvent {
	return SyncerEvent{Kind: EventTaskAborted, Subscriber: sub, TaskID: id}
}

// tickInterval is the polling period of a Syncer's chain-client loop (spec
// §4.3 "polls a chain client on a 1 s tick").
const tickInterval = 1 * time.Second

// TickInterval returns the syncer polling period; exported so tests can
// avoid importing the unexported constant via a wall-clock sleep.
func TickInterval() time.Duration { return tickInterval }
