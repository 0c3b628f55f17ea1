// Package bus implements the MessageBus (spec §4.7): tagged-envelope
// dispatch between named services over four logical channels (Msg, Ctl,
// Info, Sync). Grounded on the ServiceId tagged-union routing style of
// the original implementation's service layer (one enum tag per kind of
// collaborator: swap, syncer, peer, client, wallet, database), re-expressed
// here as a Go struct-with-kind-tag in the same pattern fsm.PeerMessage and
// syncer.SyncerTask already use in this module, and on the teacher's
// map-plus-mutex bookkeeping style (syncer.State) for the routing table
// itself.
package bus

import "fmt"

// Channel names one of the MessageBus's four logical channels (spec §4.7).
type Channel uint8

const (
	// Msg carries peer-to-peer protocol messages (fsm.PeerMessage).
	Msg Channel = iota
	// Ctl carries control commands (fsm.ControlMessage and supervisor
	// directives).
	Ctl
	// Info carries query/response traffic (GetInfo, ListSwaps, ...).
	Info
	// Sync carries syncer.SyncerTask/SyncerEvent traffic.
	Sync
)

func (c Channel) String() string {
	switch c {
	case Msg:
		return "msg"
	case Ctl:
		return "ctl"
	case Info:
		return "info"
	case Sync:
		return "sync"
	default:
		return "unknown"
	}
}

// ServiceKind tags the variant of a ServiceID (spec §5 "named mailboxes";
// grounded on the original implementation's ServiceId enum).
type ServiceKind uint8

const (
	// Loopback addresses the bus's own router/supervisor.
	Loopback ServiceKind = iota
	// Supervisor addresses the per-node supervisor that spawns and
	// tracks SwapStateMachine workers.
	Supervisor
	// Peer addresses the external peer connection manager (peerd) for a
	// given counterparty node id.
	Peer
	// Swap addresses one swap's SwapStateMachine worker by swap id.
	Swap
	// Client addresses one external front-end session (CLI/gRPC caller).
	Client
	// Syncer addresses one of the two shared per-(chain,network)
	// observers.
	Syncer
	// Wallet addresses the cryptography collaborator (out of process in
	// the original design; in this module WalletState lives inside the
	// swap worker, so this tag is reserved for an external wallet
	// front-end should one be wired in later).
	Wallet
	// Database addresses the checkpoint/deal-registry storage worker.
	Database
	// Other addresses a named collaborator outside the fixed set above.
	Other
)

func (k ServiceKind) String() string {
	switch k {
	case Loopback:
		return "loopback"
	case Supervisor:
		return "supervisor"
	case Peer:
		return "peer"
	case Swap:
		return "swap"
	case Client:
		return "client"
	case Syncer:
		return "syncer"
	case Wallet:
		return "wallet"
	case Database:
		return "database"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// ServiceID names a mailbox on the bus. Only the field(s) matching Kind are
// populated; ServiceID is comparable and safe to use as a map key.
type ServiceID struct {
	Kind ServiceKind

	// SwapID identifies a Swap service.
	SwapID [16]byte

	// NodeID identifies a Peer service's counterparty.
	NodeID string

	// ClientID identifies a Client service's front-end session.
	ClientID uint64

	// Chain and Network identify a Syncer service.
	Chain   string
	Network string

	// Name identifies an Other service.
	Name string
}

// String renders a ServiceID for logging, in the same "tag<value>" shape
// the original implementation's ServiceId::Display uses.
func (s ServiceID) String() string {
	switch s.Kind {
	case Loopback:
		return "loopback"
	case Supervisor:
		return "supervisor"
	case Peer:
		return fmt.Sprintf("peer<%s>", s.NodeID)
	case Swap:
		return fmt.Sprintf("swap<%x>", s.SwapID)
	case Client:
		return fmt.Sprintf("client<%d>", s.ClientID)
	case Syncer:
		return fmt.Sprintf("syncer<%s,%s>", s.Chain, s.Network)
	case Wallet:
		return "wallet"
	case Database:
		return "database"
	case Other:
		return fmt.Sprintf("other<%s>", s.Name)
	default:
		return "unknown"
	}
}

// SwapService builds the ServiceID addressing a swap's SwapStateMachine.
func SwapService(swapID [16]byte) ServiceID {
	return ServiceID{Kind: Swap, SwapID: swapID}
}

// PeerService builds the ServiceID addressing the peer connection for a
// given counterparty node id.
func PeerService(nodeID string) ServiceID {
	return ServiceID{Kind: Peer, NodeID: nodeID}
}

// SyncerService builds the ServiceID addressing the shared observer for a
// given chain and network.
func SyncerService(chain, network string) ServiceID {
	return ServiceID{Kind: Syncer, Chain: chain, Network: network}
}

// ClientService builds the ServiceID addressing one front-end session.
func ClientService(id uint64) ServiceID {
	return ServiceID{Kind: Client, ClientID: id}
}

// Envelope is the unit of dispatch on the bus (spec §4.7): a channel tag,
// source and destination ServiceIDs, and an opaque payload. ReplyTo, when
// non-zero, names the mailbox a Request's response should be delivered to
// instead of Source (letting a client multiplex replies onto a single
// inbound queue distinct from its own ServiceID).
type Envelope struct {
	Channel     Channel
	Source      ServiceID
	Destination ServiceID
	ReplyTo     *ServiceID
	Payload     interface{}
}
