// Package daemon is swapd's long-running process: it owns the bus, the two
// chain syncers, the checkpoint store, and every in-flight
// fsm.SwapStateMachine, and implements rpc.Server so the gRPC front-end can
// drive it. Grounded on the per-node supervisor role bus.ServiceID's
// Supervisor kind names and on the teacher's rpcserver.go pattern of one
// struct wiring every subsystem together behind the generated gRPC
// interface, here wired behind the hand-written rpc.Server interface
// instead.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/google/uuid"

	"github.com/chainswap/swapd/bus"
	"github.com/chainswap/swapd/checkpoint"
	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/fsm"
	"github.com/chainswap/swapd/report"
	"github.com/chainswap/swapd/rpc"
	"github.com/chainswap/swapd/storage"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/temporalsafety"
	"github.com/chainswap/swapd/wallet"
)

// runningSwap bundles a live machine with the channels its Run loop reads,
// so the daemon's event dispatcher can route to it by swap id.
type runningSwap struct {
	machine *fsm.SwapStateMachine
	cancel  context.CancelFunc
	peerIn  chan fsm.PeerMessage
	ctrlIn  chan fsm.ControlMessage
	arbIn   chan syncer.SyncerEvent
	accIn   chan syncer.SyncerEvent
}

// Daemon implements rpc.Server against the module's own fsm/checkpoint/bus/
// syncer stack.
type Daemon struct {
	bus   *bus.Bus
	store *checkpoint.Store
	kv    storage.KVStore

	aliceKM *wallet.KeyManager
	bobKM   *wallet.KeyManager

	nodeID      []byte
	peerAddress string
	safety      temporalsafety.Config

	// accordantAddress is this node's own accordant-chain address, where
	// every swap sweeps a counterparty balance it recovers the spend key
	// for (fsm.SwapStateMachine.SetAccordantDestAddress).
	accordantAddress string

	// arbitratingAddress is this node's own arbitrating-chain address,
	// where Bob sweeps a misfunded funding address back to
	// (fsm.SwapStateMachine.SetArbitratingDestAddress).
	arbitratingAddress string

	arbSyncer fsm.TaskSubmitter
	accSyncer fsm.TaskSubmitter
	arbEvents <-chan syncer.SyncerEvent
	accEvents <-chan syncer.SyncerEvent

	mu     sync.Mutex
	swaps  map[[16]byte]*runningSwap
	offers map[uuid.UUID]*deal.PublicDeal

	healthMu      sync.Mutex
	healthWaiters map[string]chan syncer.SyncerEvent
	nextHealthID  uint64
}

// New wires a Daemon. aliceKM/bobKM are this node's key managers for the
// Alice and Bob sides respectively (a node may act as either depending on
// which side of a given deal it holds); a production deployment derives
// both from one master seed with different account indices, exactly as
// wallet.NewKeyManager's index parameter expects.
func New(b *bus.Bus, store *checkpoint.Store, kv storage.KVStore, nodeID []byte, peerAddress, accordantAddress, arbitratingAddress string,
	safety temporalsafety.Config, aliceKM, bobKM *wallet.KeyManager,
	arbSyncer, accSyncer fsm.TaskSubmitter, arbEvents, accEvents <-chan syncer.SyncerEvent) *Daemon {

	d := &Daemon{
		bus:                b,
		store:              store,
		kv:                 kv,
		aliceKM:            aliceKM,
		bobKM:              bobKM,
		nodeID:             nodeID,
		peerAddress:        peerAddress,
		accordantAddress:   accordantAddress,
		arbitratingAddress: arbitratingAddress,
		safety:             safety,
		arbSyncer:          arbSyncer,
		accSyncer:          accSyncer,
		arbEvents:          arbEvents,
		accEvents:          accEvents,
		swaps:              make(map[[16]byte]*runningSwap),
		offers:             make(map[uuid.UUID]*deal.PublicDeal),
		healthWaiters:      make(map[string]chan syncer.SyncerEvent),
	}
	go d.dispatch(d.arbEvents, func(rs *runningSwap) chan<- syncer.SyncerEvent { return rs.arbIn })
	go d.dispatch(d.accEvents, func(rs *runningSwap) chan<- syncer.SyncerEvent { return rs.accIn })
	return d
}

var _ rpc.Server = (*Daemon)(nil)

// Shutdown cancels every running swap's Run loop. Each machine checkpoints
// after every transition it already processed, so no final checkpoint is
// needed here; the next startSwap call (via RestoreAll) picks up from the
// last persisted Entry.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rs := range d.swaps {
		rs.cancel()
	}
}

// dispatch demuxes one syncer's shared event stream to either a pending
// health-check waiter or the running swap whose Subscriber matches the
// event, per fsm.swapIDStringLocked's convention of using the swap id's raw
// bytes (not hex) as the syncer.ServiceID. dest picks which of that swap's
// two input channels this particular stream (arbitrating or accordant)
// feeds.
func (d *Daemon) dispatch(events <-chan syncer.SyncerEvent, dest func(*runningSwap) chan<- syncer.SyncerEvent) {
	for ev := range events {
		if d.deliverHealthWaiter(ev) {
			continue
		}

		var swapID [16]byte
		copy(swapID[:], string(ev.Subscriber))

		d.mu.Lock()
		rs, ok := d.swaps[swapID]
		d.mu.Unlock()
		if !ok {
			continue
		}

		dest(rs) <- ev
	}
}

func (d *Daemon) deliverHealthWaiter(ev syncer.SyncerEvent) bool {
	d.healthMu.Lock()
	ch, ok := d.healthWaiters[string(ev.Subscriber)]
	d.healthMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ev:
	default:
	}
	return true
}

// probeHealth submits a TaskHealthCheck to sub and waits up to timeout for
// the EventHealthResult, reporting "unreachable" on timeout.
func (d *Daemon) probeHealth(sub fsm.TaskSubmitter, timeout time.Duration) string {
	d.healthMu.Lock()
	d.nextHealthID++
	id := fmt.Sprintf("healthprobe-%d", d.nextHealthID)
	waiter := make(chan syncer.SyncerEvent, 1)
	d.healthWaiters[id] = waiter
	d.healthMu.Unlock()
	defer func() {
		d.healthMu.Lock()
		delete(d.healthWaiters, id)
		d.healthMu.Unlock()
	}()

	sub.Submit(syncer.SyncerTask{Kind: syncer.TaskHealthCheck, Subscriber: syncer.ServiceID(id)})

	select {
	case ev := <-waiter:
		if ev.Healthy {
			return "ok"
		}
		return "unhealthy: " + ev.HealthMessage
	case <-time.After(timeout):
		return "unreachable"
	}
}

// GetInfo implements rpc.Server.
func (d *Daemon) GetInfo(ctx context.Context, req *rpc.GetInfoRequest) (*rpc.GetInfoResponse, error) {
	d.mu.Lock()
	active := len(d.swaps)
	d.mu.Unlock()

	return &rpc.GetInfoResponse{
		Version:           "swapd-0.1",
		ArbitratingHealth: d.probeHealth(d.arbSyncer, 3*time.Second),
		AccordantHealth:   d.probeHealth(d.accSyncer, 3*time.Second),
		ActiveSwaps:       active,
	}, nil
}

// ListDeals implements rpc.Server (spec §3's ListDeals(selector),
// SPEC_FULL.md §3's status-filter expansion: an empty selector lists
// everything, "pending" lists unmatched maker offers, any other value is
// matched case-insensitively against the swap's current state name).
func (d *Daemon) ListDeals(ctx context.Context, req *rpc.ListDealsRequest) (*rpc.ListDealsResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	resp := &rpc.ListDealsResponse{}
	for id, rs := range d.swaps {
		r := report.FromMachine(rs.machine)
		if req.Selector == "pending" || (req.Selector != "" && !stateMatches(r, req.Selector)) {
			continue
		}
		resp.Deals = append(resp.Deals, rpc.DealSummary{
			SwapID:                fmt.Sprintf("%x", id),
			State:                 r.State.String(),
			Outcome:               r.Outcome.String(),
			Role:                  r.Role.String(),
			ArbitratingBlockchain: r.ArbitratingBlockchain,
			AccordantBlockchain:   r.AccordantBlockchain,
			ArbitratingAmount:     r.ArbitratingAmount,
			AccordantAmount:       r.AccordantAmount,
		})
	}
	if req.Selector == "" || req.Selector == "pending" {
		for dealID, pd := range d.offers {
			resp.Deals = append(resp.Deals, rpc.DealSummary{
				SwapID:                dealID.String(),
				State:                 "pending",
				ArbitratingBlockchain: pd.ArbitratingBlockchain,
				AccordantBlockchain:   pd.AccordantBlockchain,
				ArbitratingAmount:     int64(pd.ArbitratingAmount),
				AccordantAmount:       int64(pd.AccordantAmount),
			})
		}
	}
	return resp, nil
}

func stateMatches(r report.StateReport, selector string) bool {
	return strings.EqualFold(r.State.String(), selector)
}

// MakeDeal implements rpc.Server: publishes a new deal offer as maker,
// retaining it in memory until a counterparty takes it (TakeDeal on their
// side, delivered to this node by the external peer-connection manager the
// bus's Peer service addresses) or it is revoked.
func (d *Daemon) MakeDeal(ctx context.Context, req *rpc.MakeDealRequest) (*rpc.MakeDealResponse, error) {
	makerRole := deal.Bob
	if strings.EqualFold(req.MakerRole, "alice") {
		makerRole = deal.Alice
	}

	dl := &deal.Deal{
		UUID:                  uuid.New(),
		Network:               deal.Local,
		ArbitratingBlockchain: req.ArbitratingBlockchain,
		AccordantBlockchain:   req.AccordantBlockchain,
		ArbitratingAmount:     dcrutil.Amount(req.ArbitratingAmount),
		AccordantAmount:       dcrutil.Amount(req.AccordantAmount),
		CancelTimelock:        req.CancelTimelock,
		PunishTimelock:        req.PunishTimelock,
		MakerRole:             makerRole,
	}
	if err := dl.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: make deal: %w", err)
	}

	pd := &deal.PublicDeal{Deal: *dl, MakerNodeID: d.nodeID, MakerPeerAddress: d.peerAddress}

	d.mu.Lock()
	d.offers[dl.UUID] = pd
	d.mu.Unlock()

	return &rpc.MakeDealResponse{PublicDeal: pd.String()}, nil
}

// RevokeDeal implements rpc.Server, per SPEC_FULL.md §3's supplemented
// "deal revocation" feature: it only ever removes an un-taken offer this
// node made as maker, since a deal already running as a swap has its own
// cancel/refund path through the state machine, not a revocation.
func (d *Daemon) RevokeDeal(ctx context.Context, req *rpc.RevokeDealRequest) (*rpc.RevokeDealResponse, error) {
	id, err := uuid.Parse(req.DealID)
	if err != nil {
		return nil, fmt.Errorf("daemon: revoke deal: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.offers[id]; !ok {
		return nil, fmt.Errorf("daemon: revoke deal: no pending offer %s", id)
	}
	delete(d.offers, id)
	return &rpc.RevokeDealResponse{}, nil
}

// TakeDeal implements rpc.Server: decodes a counterparty's public deal
// string, constructs the taker-side SwapStateMachine with the opposite
// SwapRole, and starts it running.
func (d *Daemon) TakeDeal(ctx context.Context, req *rpc.TakeDealRequest) (*rpc.TakeDealResponse, error) {
	pd, err := deal.ParseString(req.PublicDeal)
	if err != nil {
		return nil, fmt.Errorf("daemon: take deal: %w", err)
	}
	if err := pd.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: take deal: %w", err)
	}

	localRole := deal.LocalSwapRole(pd.MakerRole, deal.Taker)

	var swapID [16]byte
	copy(swapID[:], pd.UUID[:])

	var alice *wallet.AliceState
	var bob *wallet.BobState
	if localRole == deal.Alice {
		alice = wallet.NewAliceState(d.aliceKM)
	} else {
		bob = wallet.NewBobState(d.bobKM)
	}

	peer := &busPeerSender{bus: d.bus, nodeID: fmt.Sprintf("%x", pd.MakerNodeID)}

	m := fsm.New(swapID, &pd.Deal, localRole, deal.Taker, d.safety, alice, bob,
		peer, d.arbSyncer, d.accSyncer, d.store)
	m.CounterpartyNodeID = pd.MakerNodeID

	d.startSwap(m)

	return &rpc.TakeDealResponse{SwapID: fmt.Sprintf("%x", swapID)}, nil
}

// RestoreAll reloads every persisted checkpoint and resumes its swap,
// called once at daemon startup (spec §4.6's restore contract).
func (d *Daemon) RestoreAll() error {
	ids, err := d.kv.ListCheckpointIDs()
	if err != nil {
		return fmt.Errorf("daemon: restore all: %w", err)
	}
	for _, id := range ids {
		entry, err := d.store.Load(id, d.aliceKM, d.bobKM)
		if err != nil {
			return fmt.Errorf("daemon: restore swap %x: %w", id, err)
		}
		peer := &busPeerSender{bus: d.bus, nodeID: fmt.Sprintf("%x", entry.CounterpartyNodeID)}
		m := checkpoint.Restore(entry, peer, d.arbSyncer, d.accSyncer, d.store)
		d.startSwap(m)
	}
	return nil
}

// startSwap registers swapID with the bus, wires a demuxer from the bus's
// per-swap mailbox onto the channels Run expects, and starts Run in its own
// goroutine. It is also used by RestoreAll to resume a checkpointed swap.
func (d *Daemon) startSwap(m *fsm.SwapStateMachine) {
	if d.accordantAddress != "" {
		m.SetAccordantDestAddress(d.accordantAddress)
	}
	if d.arbitratingAddress != "" {
		m.SetArbitratingDestAddress(d.arbitratingAddress)
	}
	m.SetAddressKeyStore(d.kv)

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningSwap{
		machine: m,
		cancel:  cancel,
		peerIn:  make(chan fsm.PeerMessage, 32),
		ctrlIn:  make(chan fsm.ControlMessage, 8),
		arbIn:   make(chan syncer.SyncerEvent, 64),
		accIn:   make(chan syncer.SyncerEvent, 64),
	}

	d.mu.Lock()
	d.swaps[m.SwapID] = rs
	d.mu.Unlock()

	mailbox := d.bus.Register(bus.SwapService(m.SwapID), 64)
	go demuxMailbox(mailbox, rs.peerIn, rs.ctrlIn)
	go m.Run(ctx, rs.peerIn, rs.ctrlIn, rs.arbIn, rs.accIn)
}

// demuxMailbox splits the bus's tagged Envelope stream into the two typed
// channels SwapStateMachine.Run reads, per Run's doc comment on how its
// inputs are expected to be fed.
func demuxMailbox(mailbox <-chan bus.Envelope, peerIn chan<- fsm.PeerMessage, ctrlIn chan<- fsm.ControlMessage) {
	for env := range mailbox {
		switch env.Channel {
		case bus.Msg:
			if msg, ok := env.Payload.(fsm.PeerMessage); ok {
				peerIn <- msg
			}
		case bus.Ctl:
			if msg, ok := env.Payload.(fsm.ControlMessage); ok {
				ctrlIn <- msg
			}
		}
	}
}

// busPeerSender publishes outbound peer messages to the bus's Peer service
// for the counterparty node id; bridging that mailbox to an actual network
// connection is the external peer-connection manager's job (bus.Peer's doc
// comment), not this module's.
type busPeerSender struct {
	bus    *bus.Bus
	nodeID string
}

func (p *busPeerSender) SendPeer(swapID [16]byte, msg fsm.PeerMessage) error {
	p.bus.Publish(bus.Envelope{
		Channel:     bus.Msg,
		Source:      bus.SwapService(swapID),
		Destination: bus.PeerService(p.nodeID),
		Payload:     msg,
	})
	return nil
}

// SubscribeProgress implements rpc.Server by polling the running machine's
// StateReport at a fixed interval and pushing a ProgressUpdate whenever
// Diff reports a change, until the swap finishes, the client disconnects,
// or the stream's context is cancelled.
func (d *Daemon) SubscribeProgress(req *rpc.ProgressRequest, stream rpc.ProgressServer) error {
	raw, err := hex.DecodeString(req.SwapID)
	if err != nil || len(raw) != 16 {
		return fmt.Errorf("daemon: subscribe progress: invalid swap id %q", req.SwapID)
	}
	var swapID [16]byte
	copy(swapID[:], raw)

	d.mu.Lock()
	rs, ok := d.swaps[swapID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: subscribe progress: unknown swap %s", req.SwapID)
	}

	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	prev := report.FromMachine(rs.machine)
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			cur := report.FromMachine(rs.machine)
			if cur == prev {
				continue
			}
			ev := report.Diff(prev, cur)
			prev = cur
			update := &rpc.ProgressUpdate{
				SwapID:    req.SwapID,
				From:      ev.From.String(),
				To:        ev.To.String(),
				Outcome:   ev.Outcome.String(),
				Label:     ev.Label,
				Timestamp: time.Now(),
			}
			if err := stream.Send(update); err != nil {
				return err
			}
			if cur.State.String() == "Finished" {
				return nil
			}
		}
	}
}
