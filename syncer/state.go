package syncer

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// watchedTx tracks the last-seen confirmation state of a TaskWatchTransaction.
type watchedTx struct {
	subscriber        ServiceID
	txid              chainhash.Hash
	confirmationBound uint32
	lastConfs         *uint32
	lastBlock         *BlockRef
	lifetime          uint64
}

// watchedAddress tracks a TaskWatchAddress subscription.
type watchedAddress struct {
	subscriber ServiceID
	addendum   AddressAddendum
	includeTx  bool
	filter     AddressFilter
	lifetime   uint64
}

// pendingBroadcast tracks a TaskBroadcastTransaction awaiting confirmation
// it has gone out, including transient-error retry bookkeeping.
type pendingBroadcast struct {
	subscriber           ServiceID
	raw                   []byte
	broadcastAfterHeight uint64
	attempts             int
}

// pendingSweep tracks a TaskSweepAddress.
type pendingSweep struct {
	subscriber  ServiceID
	sourceKeys  [][]byte
	destAddress string
	minBalance  int64
	lifetime    uint64
}

// State is the bookkeeping shared by the arbitrating and accordant Syncer
// implementations: outstanding tasks, watched addresses/transactions, and
// the last-seen height (spec §4.3 "maintains"). Every method takes the
// State's mutex, so it is safe for concurrent use; in practice a Syncer
// owns exactly one State and processes its inbound queue single-threaded
// (spec §5).
type State struct {
	mu sync.Mutex

	height  uint64
	tipHash chainhash.Hash

	watchedTxs    map[TaskID]*watchedTx
	watchedAddrs  map[TaskID]*watchedAddress
	broadcasts    map[TaskID]*pendingBroadcast
	sweeps        map[TaskID]*pendingSweep
	heightWatchers map[ServiceID]struct{}
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		watchedTxs:     make(map[TaskID]*watchedTx),
		watchedAddrs:   make(map[TaskID]*watchedAddress),
		broadcasts:     make(map[TaskID]*pendingBroadcast),
		sweeps:         make(map[TaskID]*pendingSweep),
		heightWatchers: make(map[ServiceID]struct{}),
	}
}

// Height returns the last-seen chain tip height and hash.
func (s *State) Height() (uint64, chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, s.tipHash
}

// AddTask registers a task's bookkeeping entry and reports whether a
// height-changed event should be synthesized immediately (a fresh
// WatchHeight subscriber should not wait for the next tick to learn the
// current tip).
func (s *State) AddTask(t SyncerTask) (synthesizeHeight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.Kind {
	case TaskWatchHeight:
		s.heightWatchers[t.Subscriber] = struct{}{}
		return s.height > 0
	case TaskWatchAddress:
		s.watchedAddrs[t.ID] = &watchedAddress{
			subscriber: t.Subscriber,
			addendum:   t.Addendum,
			includeTx:  t.IncludeTx,
			filter:     t.Filter,
			lifetime:   t.Lifetime,
		}
	case TaskWatchTransaction:
		s.watchedTxs[t.ID] = &watchedTx{
			subscriber:        t.Subscriber,
			txid:              t.Txid,
			confirmationBound: t.ConfirmationBound,
			lifetime:          t.Lifetime,
		}
	case TaskBroadcastTransaction:
		s.broadcasts[t.ID] = &pendingBroadcast{
			subscriber:           t.Subscriber,
			raw:                  t.RawTx,
			broadcastAfterHeight: t.BroadcastAfterHeight,
		}
	case TaskSweepAddress:
		s.sweeps[t.ID] = &pendingSweep{
			subscriber:  t.Subscriber,
			sourceKeys:  t.SweepSourceKeys,
			destAddress: t.SweepDestAddress,
			minBalance:  t.SweepMinBalance,
			lifetime:    t.Lifetime,
		}
	}
	return false
}

// RemoveTask drops every bookkeeping entry for a task id, e.g. after it
// aborts, expires, or completes.
func (s *State) RemoveTask(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchedTxs, id)
	delete(s.watchedAddrs, id)
	delete(s.broadcasts, id)
	delete(s.sweeps, id)
}

// AbortSubscriber drops every task owned by sub and returns their ids, for
// the caller to emit TaskAborted events.
func (s *State) AbortSubscriber(sub ServiceID) []TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []TaskID
	for id, w := range s.watchedTxs {
		if w.subscriber == sub {
			ids = append(ids, id)
			delete(s.watchedTxs, id)
		}
	}
	for id, w := range s.watchedAddrs {
		if w.subscriber == sub {
			ids = append(ids, id)
			delete(s.watchedAddrs, id)
		}
	}
	for id, b := range s.broadcasts {
		if b.subscriber == sub {
			ids = append(ids, id)
			delete(s.broadcasts, id)
		}
	}
	for id, sw := range s.sweeps {
		if sw.subscriber == sub {
			ids = append(ids, id)
			delete(s.sweeps, id)
		}
	}
	delete(s.heightWatchers, sub)
	return ids
}

// AdvanceHeight records a new tip and returns the set of subscribers that
// should receive a HeightChanged event (every registered height watcher,
// exactly once per height, per spec §4.3).
func (s *State) AdvanceHeight(height uint64, tip chainhash.Hash) []ServiceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height == s.height && tip == s.tipHash {
		return nil
	}
	s.height = height
	s.tipHash = tip

	subs := make([]ServiceID, 0, len(s.heightWatchers))
	for sub := range s.heightWatchers {
		subs = append(subs, sub)
	}
	return subs
}

// UpdateConfirmations records a watched transaction's new (block, confs)
// pair and reports whether it changed (the caller emits
// TransactionConfirmations only on change, per spec §4.3). The reported
// confirmation count saturates at the task's ConfirmationBound, per the
// "stop reporting past this depth" semantics adopted in SPEC_FULL.md.
func (s *State) UpdateConfirmations(id TaskID, block *BlockRef, confs uint32) (changed bool, sub ServiceID, saturatedConfs uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, present := s.watchedTxs[id]
	if !present {
		return false, "", 0, false
	}

	reportedConfs := confs
	if w.confirmationBound > 0 && reportedConfs > w.confirmationBound {
		reportedConfs = w.confirmationBound
	}

	same := w.lastConfs != nil && *w.lastConfs == reportedConfs &&
		((w.lastBlock == nil && block == nil) ||
			(w.lastBlock != nil && block != nil && *w.lastBlock == *block))
	if same {
		return false, w.subscriber, reportedConfs, true
	}

	w.lastConfs = &reportedConfs
	w.lastBlock = block

	return true, w.subscriber, reportedConfs, true
}

// ExpireTasks drops every task whose lifetime is below height and returns
// the (subscriber, taskID) pairs dropped, so the caller can emit
// TaskAborted.
func (s *State) ExpireTasks(height uint64) []struct {
	Sub ServiceID
	ID  TaskID
} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []struct {
		Sub ServiceID
		ID  TaskID
	}

	for id, w := range s.watchedTxs {
		if w.lifetime != 0 && w.lifetime < height {
			dropped = append(dropped, struct {
				Sub ServiceID
				ID  TaskID
			}{w.subscriber, id})
			delete(s.watchedTxs, id)
		}
	}
	for id, w := range s.watchedAddrs {
		if w.lifetime != 0 && w.lifetime < height {
			dropped = append(dropped, struct {
				Sub ServiceID
				ID  TaskID
			}{w.subscriber, id})
			delete(s.watchedAddrs, id)
		}
	}
	for id, sw := range s.sweeps {
		if sw.lifetime != 0 && sw.lifetime < height {
			dropped = append(dropped, struct {
				Sub ServiceID
				ID  TaskID
			}{sw.subscriber, id})
			delete(s.sweeps, id)
		}
	}

	return dropped
}

// WatchedAddresses returns a snapshot of currently tracked address-watch
// tasks, keyed by task id, for the Syncer implementation to poll/subscribe
// against the chain client.
func (s *State) WatchedAddresses() map[TaskID]AddressAddendum {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[TaskID]AddressAddendum, len(s.watchedAddrs))
	for id, w := range s.watchedAddrs {
		out[id] = w.addendum
	}
	return out
}

// SweepTask is a snapshot of a pending TaskSweepAddress, returned by
// Sweeps.
type SweepTask struct {
	Subscriber  ServiceID
	SourceKeys  [][]byte
	DestAddress string
	MinBalance  int64
}

// Sweeps returns a snapshot of currently tracked sweep tasks, keyed by
// task id.
func (s *State) Sweeps() map[TaskID]SweepTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[TaskID]SweepTask, len(s.sweeps))
	for id, sw := range s.sweeps {
		out[id] = SweepTask{
			Subscriber:  sw.subscriber,
			SourceKeys:  sw.sourceKeys,
			DestAddress: sw.destAddress,
			MinBalance:  sw.minBalance,
		}
	}
	return out
}

// WatchedTransactions returns a snapshot of currently tracked txid-watch
// tasks, keyed by task id.
func (s *State) WatchedTransactions() map[TaskID]chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[TaskID]chainhash.Hash, len(s.watchedTxs))
	for id, w := range s.watchedTxs {
		out[id] = w.txid
	}
	return out
}

// SubscriberOf returns the owning subscriber of any tracked task id.
func (s *State) SubscriberOf(id TaskID) (ServiceID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.watchedTxs[id]; ok {
		return w.subscriber, true
	}
	if w, ok := s.watchedAddrs[id]; ok {
		return w.subscriber, true
	}
	if b, ok := s.broadcasts[id]; ok {
		return b.subscriber, true
	}
	if sw, ok := s.sweeps[id]; ok {
		return sw.subscriber, true
	}
	return "", false
}
