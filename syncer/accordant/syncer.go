// Package accordant implements the accordant-chain Syncer (spec §4.4): it
// scans a Monero-like daemon for outputs touching a restored view-only
// account and reports their confirmation depth, using the same task/event
// vocabulary as the arbitrating syncer. Per SPEC_FULL.md's resolution of the
// accordant-syncer Open Question, this package implements only the newer
// "restore a view key directly against a daemon RPC" model; it never shells
// out to a wallet-rpc process or polls a wallet file on disk.
package accordant

import (
	"context"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/slog"

	"github.com/chainswap/swapd/syncer"
)

var log = slog.Disabled

// zeroHash stands in for the arbitrating-chain block hash the shared
// SyncerEvent vocabulary carries; the accordant chain has no equivalent
// notion of a block identifier subscribers here care about, so every
// HeightChanged event on this syncer reports the zero hash.
var zeroHash chainhash.Hash

// UseLogger configures this package's logger.
func UseLogger(l slog.Logger) { log = l }

// DaemonClient is the subset of a view-only daemon scan client the syncer
// depends on, factored out so tests can supply a fake instead of running a
// real accordant-chain daemon.
type DaemonClient interface {
	// Height returns the daemon's current chain height.
	Height(ctx context.Context) (uint64, error)

	// ScanOutputs restores (or refreshes) a view-only account identified
	// by (viewKey, spendPublicKey) from fromHeight and returns every
	// output it controls, each tagged with its confirmation depth.
	ScanOutputs(ctx context.Context, viewKey, spendPublicKey []byte, fromHeight uint64) ([]Output, error)

	// Transfer sweeps the full balance of the account identified by
	// (viewKey, spendPublicKey) to destAddress, returning the
	// transaction id once relayed.
	Transfer(ctx context.Context, viewKey, spendPublicKey []byte, destAddress string) (string, error)

	// Ping checks the daemon is reachable and synced.
	Ping(ctx context.Context) error
}

// Output is a single output discovered for a restored account.
type Output struct {
	TxID          string
	Amount        uint64
	Confirmations uint32
}

// Syncer is the accordant-chain observer. One instance is shared across
// every swap running against a given (chain, network), mirroring the
// arbitrating syncer's lifecycle.
type Syncer struct {
	client DaemonClient
	state  *syncer.State

	tasks  chan syncer.SyncerTask
	events chan syncer.SyncerEvent

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Syncer bound to client, with events delivered on the
// returned channel.
func New(client DaemonClient) (*Syncer, <-chan syncer.SyncerEvent) {
	events := make(chan syncer.SyncerEvent, 256)
	return &Syncer{
		client: client,
		state:  syncer.NewState(),
		tasks:  make(chan syncer.SyncerTask, 256),
		events: events,
		quit:   make(chan struct{}),
	}, events
}

// Submit enqueues a task for processing.
func (s *Syncer) Submit(t syncer.SyncerTask) {
	select {
	case s.tasks <- t:
	case <-s.quit:
	}
}

// Start begins the syncer's single worker goroutine.
func (s *Syncer) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the worker to exit and waits for it.
func (s *Syncer) Stop() {
	close(s.quit)
	s.wg.Wait()
}

func (s *Syncer) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(syncer.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case t := <-s.tasks:
			s.handleTask(ctx, t)
		case <-ticker.C:
			s.handleTick(ctx)
		}
	}
}

func (s *Syncer) handleTask(ctx context.Context, t syncer.SyncerTask) {
	switch t.Kind {
	case syncer.TaskWatchHeight:
		if s.state.AddTask(t) {
			height, tip := s.state.Height()
			s.emit(syncer.HeightChanged(t.Subscriber, height, tip))
		}
	case syncer.TaskWatchAddress:
		s.state.AddTask(t)
	case syncer.TaskSweepAddress:
		s.state.AddTask(t)
		s.handleSweep(ctx, t)
	case syncer.TaskHealthCheck:
		s.handleHealthCheck(ctx, t)
	case syncer.TaskAbort:
		s.handleAbort(t)
	case syncer.TaskTerminate:
		for _, id := range s.state.AbortSubscriber(t.Subscriber) {
			s.emit(syncer.TaskAborted(t.Subscriber, id))
		}
	default:
		log.Debugf("accordant syncer: ignoring unsupported task kind %d", t.Kind)
	}
}

func (s *Syncer) handleAbort(t syncer.SyncerTask) {
	if t.Target.All {
		for _, id := range s.state.AbortSubscriber(t.Subscriber) {
			s.emit(syncer.TaskAborted(t.Subscriber, id))
		}
		return
	}
	s.state.RemoveTask(t.Target.TaskID)
	s.emit(syncer.TaskAborted(t.Subscriber, t.Target.TaskID))
}

func (s *Syncer) handleHealthCheck(ctx context.Context, t syncer.SyncerTask) {
	err := s.client.Ping(ctx)
	ev := syncer.SyncerEvent{Kind: syncer.EventHealthResult, TaskID: t.ID, Subscriber: t.Subscriber}
	if err != nil {
		ev.Healthy = false
		ev.HealthMessage = err.Error()
	} else {
		ev.Healthy = true
	}
	s.emit(ev)
}

func (s *Syncer) handleSweep(ctx context.Context, t syncer.SyncerTask) {
	if len(t.SweepSourceKeys) != 2 {
		s.emit(syncer.SyncerEvent{
			Kind: syncer.EventSweepSuccess, TaskID: t.ID, Subscriber: t.Subscriber,
		})
		s.state.RemoveTask(t.ID)
		return
	}

	txid, err := s.client.Transfer(ctx, t.SweepSourceKeys[0], t.SweepSourceKeys[1], t.SweepDestAddress)
	if err != nil {
		log.Errorf("accordant sweep failed for task %d: %v", t.ID, err)
		return
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		log.Errorf("accordant sweep returned unparseable txid %q: %v", txid, err)
		return
	}

	s.emit(syncer.SyncerEvent{
		Kind: syncer.EventSweepSuccess, TaskID: t.ID, Subscriber: t.Subscriber,
		SweepTxids: []chainhash.Hash{*hash},
	})
	s.state.RemoveTask(t.ID)
}

// handleTick refreshes the daemon height and rescans every watched
// restored account for newly visible or newly matured outputs.
func (s *Syncer) handleTick(ctx context.Context) {
	height, err := s.client.Height(ctx)
	if err != nil {
		log.Debugf("accordant syncer: height query failed: %v", err)
		return
	}

	if subs := s.state.AdvanceHeight(height, zeroHash); len(subs) > 0 {
		for _, sub := range subs {
			s.emit(syncer.HeightChanged(sub, height, zeroHash))
		}
	}

	for id, addendum := range s.state.WatchedAddresses() {
		if addendum.AccViewKey == nil {
			continue
		}
		sub, ok := s.state.SubscriberOf(id)
		if !ok {
			continue
		}

		outputs, err := s.client.ScanOutputs(ctx, addendum.AccViewKey, addendum.AccSpendPublicKey, addendum.FromHeight)
		if err != nil {
			log.Debugf("accordant syncer: scan failed for task %d: %v", id, err)
			continue
		}

		for _, out := range outputs {
			s.emit(syncer.SyncerEvent{
				Kind: syncer.EventAddressTransaction, TaskID: id, Subscriber: sub,
				CreditedAmount: int64(out.Amount),
			})
		}
	}

	for _, d := range s.state.ExpireTasks(height) {
		s.emit(syncer.TaskAborted(d.Sub, d.ID))
	}
}

func (s *Syncer) emit(ev syncer.SyncerEvent) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}
