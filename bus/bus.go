package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"
)

var log = slog.Disabled

// UseLogger configures this package's logger.
func UseLogger(l slog.Logger) { log = l }

// ErrNoSuchService is returned by Send when the destination has no
// registered mailbox.
var ErrNoSuchService = errors.New("bus: no such service")

// ErrMailboxFull is returned by Send when the destination's mailbox buffer
// is saturated; per spec §4.7 delivery is "best-effort across
// reconnects" rather than blocking the sender indefinitely.
var ErrMailboxFull = errors.New("bus: destination mailbox full")

// mailbox is one registered service's inbound queue, plus the set of
// channels it has asked to receive Publish traffic on.
type mailbox struct {
	id   ServiceID
	in   chan Envelope
	subs map[Channel]bool
}

// Bus routes Envelopes between named services over the four logical
// channels (spec §4.7). One Bus instance is shared process-wide; every
// worker (swap machine, syncer, front-end session) registers a mailbox at
// spawn time and is handed only that mailbox's receive end, matching
// spec §9's "explicit long-lived owned handles passed to each swap machine
// at spawn time, not ambient singletons" guidance.
//
// Grounded on syncer.State's per-subscriber map-plus-mutex bookkeeping,
// generalized from "one chain's subscribers" to "every service in the
// process".
type Bus struct {
	mu        sync.RWMutex
	mailboxes map[ServiceID]*mailbox

	pending   map[pendingKey]chan Envelope
	pendingMu sync.Mutex
}

// pendingKey identifies one outstanding Request awaiting its Response, keyed
// by the (destination, reply-to) pair a Request/Response round trip uses.
type pendingKey struct {
	dest    ServiceID
	replyTo ServiceID
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		mailboxes: make(map[ServiceID]*mailbox),
		pending:   make(map[pendingKey]chan Envelope),
	}
}

// Register creates a mailbox for id with the given inbound buffer size and
// returns its receive channel. Registering an already-registered id
// replaces its mailbox (used when a worker restarts after a crash).
func (b *Bus) Register(id ServiceID, bufferSize int) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb := &mailbox{id: id, in: make(chan Envelope, bufferSize), subs: make(map[Channel]bool)}
	b.mailboxes[id] = mb
	return mb.in
}

// Unregister removes id's mailbox. Any Envelope still in flight to it is
// dropped; this mirrors spec §5's "Abort events race with in-flight task
// results; the syncer drops pending results for aborted task-ids silently"
// for the bus-level equivalent.
func (b *Bus) Unregister(id ServiceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[id]; ok {
		close(mb.in)
		delete(b.mailboxes, id)
	}
}

// Subscribe marks id's mailbox as a recipient of Publish traffic on ch (used
// by Info-channel broadcast queries such as SubscribeProgress).
func (b *Bus) Subscribe(id ServiceID, ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[id]; ok {
		mb.subs[ch] = true
	}
}

// Send delivers env to its Destination's mailbox, non-blocking (spec §4.7:
// "at-most-once on a healthy connection, best-effort across reconnects").
func (b *Bus) Send(env Envelope) error {
	b.mu.RLock()
	mb, ok := b.mailboxes[env.Destination]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchService, env.Destination)
	}

	select {
	case mb.in <- env:
		return nil
	default:
		log.Warnf("bus: mailbox %s full, dropping %s envelope from %s",
			env.Destination, env.Channel, env.Source)
		return fmt.Errorf("%w: %s", ErrMailboxFull, env.Destination)
	}
}

// Publish delivers env to every mailbox subscribed to env.Channel other
// than the source itself.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	targets := make([]*mailbox, 0, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		if id == env.Source {
			continue
		}
		if mb.subs[env.Channel] {
			targets = append(targets, mb)
		}
	}
	b.mu.RUnlock()

	for _, mb := range targets {
		select {
		case mb.in <- env:
		default:
			log.Warnf("bus: publish to %s dropped, mailbox full", mb.id)
		}
	}
}

// Request sends env and blocks until a matching Response envelope arrives
// (addressed to env.ReplyTo, or env.Source if ReplyTo is nil) or ctx is
// cancelled. Used by Info-channel queries (GetInfo, ListSwaps,
// GetCheckpointEntry) that need a synchronous round trip rather than a
// fire-and-forget Send.
func (b *Bus) Request(ctx context.Context, env Envelope) (Envelope, error) {
	replyTo := env.Source
	if env.ReplyTo != nil {
		replyTo = *env.ReplyTo
	}

	key := pendingKey{dest: env.Destination, replyTo: replyTo}
	reply := make(chan Envelope, 1)

	b.pendingMu.Lock()
	b.pending[key] = reply
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, key)
		b.pendingMu.Unlock()
	}()

	if err := b.Send(env); err != nil {
		return Envelope{}, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Respond completes an outstanding Request matching resp's Destination and
// Source (the original requester's replyTo/source pair). If no Request is
// outstanding for that pair, Respond falls back to an ordinary Send so an
// unsolicited reply is not silently lost.
func (b *Bus) Respond(resp Envelope) error {
	key := pendingKey{dest: resp.Source, replyTo: resp.Destination}

	b.pendingMu.Lock()
	reply, ok := b.pending[key]
	b.pendingMu.Unlock()

	if !ok {
		return b.Send(resp)
	}

	select {
	case reply <- resp:
		return nil
	default:
		return fmt.Errorf("bus: response for %s delivered twice", resp.Destination)
	}
}
