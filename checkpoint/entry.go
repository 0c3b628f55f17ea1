// Package checkpoint implements the checkpoint entry spec §4.6 names: the
// serialized view of a SwapStateMachine, written after every state
// transition and when the swap finishes (no separate checkpoint is taken
// before an outbound broadcast or on shutdown), and read back to resume a swap
// exactly where it left off. Grounded on wallet/encoding.go's fixed-order,
// length-prefixed wire convention, generalized from "one message" to "one
// swap's full resumable state", and on fsm.Snapshot/RestoreSnapshot as the
// serialization boundary into the otherwise-private SwapStateMachine.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chainswap/swapd/deal"
	"github.com/chainswap/swapd/fsm"
	"github.com/chainswap/swapd/syncer"
	"github.com/chainswap/swapd/temporalsafety"
	"github.com/chainswap/swapd/wallet"
)

// entryVersion is the version byte prefixed to Encode's output.
const entryVersion byte = 1

// Entry is the checkpoint record spec §4.6 describes: everything a restored
// SwapStateMachine needs short of re-establishing syncer subscriptions
// (which Restore's caller does afterward using WatchedTxidsByLabel). The
// accordant-chain address-watch addendum the spec also names is not carried
// here: the machine never retains the raw AddressAddendum it submitted
// (only the resulting txid/label pairs), since it is fully re-derivable from
// the restored wallet Parameters and Deal at resubscribe time.
type Entry struct {
	SwapID             [16]byte
	Deal               *deal.Deal
	Role               deal.SwapRole
	TradeRole          deal.TradeRole
	Safety             temporalsafety.Config
	CounterpartyNodeID []byte
	EnquirerID         []byte

	State   fsm.StateKind
	Outcome fsm.Outcome

	Alice *wallet.AliceState
	Bob   *wallet.BobState

	Core             *wallet.CoreArbitratingSetup
	RevealNonce      []byte
	RemoteCommitment *wallet.Commitment

	PendingOutboundPeerMsgs []fsm.PeerMessage
	UnhandledPeerMsg        *fsm.PeerMessage

	ArbHeight uint64
	AccHeight uint64

	ArbLockConfs uint32
	CancelConfs  uint32
	AccLockConfs uint32

	WatchedTxidsByLabel map[string][32]byte

	PendingBroadcasts PendingBroadcasts

	FundingConfirmed  bool
	AwaitingCoreBuild bool

	NextTaskID syncer.TaskID
}

// PendingBroadcasts records which of the four arbitrating transactions this
// party has already broadcast, so Restore does not re-broadcast on resume.
type PendingBroadcasts struct {
	Cancel bool
	Refund bool
	Punish bool
	Buy    bool
}

// BuildEntry assembles an Entry from a live machine's Snapshot plus its
// public, never-snapshotted identity fields.
func BuildEntry(m *fsm.SwapStateMachine) Entry {
	snap := m.Snapshot()

	e := Entry{
		SwapID:             m.SwapID,
		Deal:               m.Deal,
		Role:               m.Role,
		TradeRole:          m.TradeRole,
		Safety:             m.Safety,
		CounterpartyNodeID: m.CounterpartyNodeID,
		EnquirerID:         m.EnquirerID,
		Alice:              m.Alice,
		Bob:                m.Bob,

		State:            snap.State,
		Outcome:          snap.Outcome,
		Core:             snap.Core,
		RevealNonce:      snap.RevealNonce,
		RemoteCommitment: snap.RemoteCommitment,

		PendingOutboundPeerMsgs: snap.Pending,
		UnhandledPeerMsg:        snap.Unhandled,

		ArbHeight: snap.ArbHeight,
		AccHeight: snap.AccHeight,

		ArbLockConfs: snap.ArbLockConfs,
		CancelConfs:  snap.CancelConfs,
		AccLockConfs: snap.AccLockConfs,

		PendingBroadcasts: PendingBroadcasts{
			Cancel: snap.CancelBroadcast,
			Refund: snap.RefundBroadcast,
			Punish: snap.PunishBroadcast,
			Buy:    snap.BuyBroadcast,
		},

		FundingConfirmed:  snap.FundingConfirmed,
		AwaitingCoreBuild: snap.AwaitingCoreBuild,
		NextTaskID:        snap.NextTaskID,
	}
	e.WatchedTxidsByLabel = m.WatchesByLabel()
	return e
}

// Encode writes e as a version byte followed by fixed-order,
// length-prefixed fields, the same convention every other wire type in this
// module uses.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(entryVersion)

	if _, err := buf.Write(e.SwapID[:]); err != nil {
		return nil, err
	}

	dealBytes := e.Deal.Encode()
	if err := writeBlob(&buf, dealBytes); err != nil {
		return nil, err
	}

	buf.WriteByte(byte(e.Role))
	buf.WriteByte(byte(e.TradeRole))

	if err := writeSafety(&buf, e.Safety); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, e.CounterpartyNodeID); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, e.EnquirerID); err != nil {
		return nil, err
	}

	buf.WriteByte(byte(e.State))
	buf.WriteByte(byte(e.Outcome))

	if err := wallet.WritePresent(&buf, e.Alice != nil); err != nil {
		return nil, err
	}
	if e.Alice != nil {
		if err := e.Alice.Encode(&buf); err != nil {
			return nil, fmt.Errorf("checkpoint: encode alice state: %w", err)
		}
	}
	if err := wallet.WritePresent(&buf, e.Bob != nil); err != nil {
		return nil, err
	}
	if e.Bob != nil {
		if err := e.Bob.Encode(&buf); err != nil {
			return nil, fmt.Errorf("checkpoint: encode bob state: %w", err)
		}
	}

	if err := wallet.WritePresent(&buf, e.Core != nil); err != nil {
		return nil, err
	}
	if e.Core != nil {
		if err := wallet.EncodeCore(&buf, e.Core); err != nil {
			return nil, err
		}
	}

	if err := writeBlob(&buf, e.RevealNonce); err != nil {
		return nil, err
	}

	if err := wallet.WritePresent(&buf, e.RemoteCommitment != nil); err != nil {
		return nil, err
	}
	if e.RemoteCommitment != nil {
		if _, err := buf.Write(e.RemoteCommitment.Digest[:]); err != nil {
			return nil, err
		}
	}

	if err := writePeerMessages(&buf, e.PendingOutboundPeerMsgs); err != nil {
		return nil, err
	}
	if err := wallet.WritePresent(&buf, e.UnhandledPeerMsg != nil); err != nil {
		return nil, err
	}
	if e.UnhandledPeerMsg != nil {
		if err := writePeerMessage(&buf, *e.UnhandledPeerMsg); err != nil {
			return nil, err
		}
	}

	if err := writeUint64(&buf, e.ArbHeight); err != nil {
		return nil, err
	}
	if err := writeUint64(&buf, e.AccHeight); err != nil {
		return nil, err
	}

	for _, v := range []uint32{e.ArbLockConfs, e.CancelConfs, e.AccLockConfs} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		if _, err := buf.Write(b[:]); err != nil {
			return nil, err
		}
	}

	if err := writeWatches(&buf, e.WatchedTxidsByLabel); err != nil {
		return nil, err
	}

	for _, b := range []bool{
		e.PendingBroadcasts.Cancel, e.PendingBroadcasts.Refund,
		e.PendingBroadcasts.Punish, e.PendingBroadcasts.Buy,
		e.FundingConfirmed, e.AwaitingCoreBuild,
	} {
		if err := wallet.WritePresent(&buf, b); err != nil {
			return nil, err
		}
	}

	if err := writeUint64(&buf, uint64(e.NextTaskID)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeEntry is the inverse of (*Entry).Encode. aliceKM and bobKM are the
// key managers to bind the restored AliceState/BobState to (re-derived by the caller from
// the swap's root seed and index, per spec §4.2); exactly one of aliceKM,
// bobKM is used depending on which side the entry was for.
func DecodeEntry(b []byte, aliceKM, bobKM *wallet.KeyManager) (*Entry, error) {
	r := bytes.NewReader(b)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read version: %w", err)
	}
	if version != entryVersion {
		return nil, fmt.Errorf("checkpoint: unsupported entry version %d", version)
	}

	e := &Entry{}
	if _, err := io.ReadFull(r, e.SwapID[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: read swap id: %w", err)
	}

	dealBytes, err := readBlob(r)
	if err != nil {
		return nil, err
	}
	e.Deal, err = deal.Decode(dealBytes)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode deal: %w", err)
	}

	roleByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Role = deal.SwapRole(roleByte)

	tradeRoleByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.TradeRole = deal.TradeRole(tradeRoleByte)

	if e.Safety, err = readSafety(r); err != nil {
		return nil, err
	}
	if e.CounterpartyNodeID, err = readBlob(r); err != nil {
		return nil, err
	}
	if e.EnquirerID, err = readBlob(r); err != nil {
		return nil, err
	}

	stateByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.State = fsm.StateKind(stateByte)

	outcomeByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Outcome = fsm.Outcome(outcomeByte)

	present, err := wallet.ReadPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if e.Alice, err = wallet.DecodeAliceState(r, aliceKM); err != nil {
			return nil, fmt.Errorf("checkpoint: decode alice state: %w", err)
		}
	}

	present, err = wallet.ReadPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if e.Bob, err = wallet.DecodeBobState(r, bobKM); err != nil {
			return nil, fmt.Errorf("checkpoint: decode bob state: %w", err)
		}
	}

	present, err = wallet.ReadPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if e.Core, err = wallet.DecodeCore(r); err != nil {
			return nil, err
		}
	}

	if e.RevealNonce, err = readBlob(r); err != nil {
		return nil, err
	}

	present, err = wallet.ReadPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		var digest [32]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, err
		}
		e.RemoteCommitment = &wallet.Commitment{Digest: digest}
	}

	if e.PendingOutboundPeerMsgs, err = readPeerMessages(r); err != nil {
		return nil, err
	}

	present, err = wallet.ReadPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		msg, err := readPeerMessage(r)
		if err != nil {
			return nil, err
		}
		e.UnhandledPeerMsg = &msg
	}

	if e.ArbHeight, err = readUint64(r); err != nil {
		return nil, err
	}
	if e.AccHeight, err = readUint64(r); err != nil {
		return nil, err
	}

	confs := []*uint32{&e.ArbLockConfs, &e.CancelConfs, &e.AccLockConfs}
	for _, c := range confs {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		*c = binary.BigEndian.Uint32(b[:])
	}

	if e.WatchedTxidsByLabel, err = readWatches(r); err != nil {
		return nil, err
	}

	flags := make([]*bool, 6)
	flags[0], flags[1], flags[2], flags[3] = &e.PendingBroadcasts.Cancel, &e.PendingBroadcasts.Refund,
		&e.PendingBroadcasts.Punish, &e.PendingBroadcasts.Buy
	flags[4], flags[5] = &e.FundingConfirmed, &e.AwaitingCoreBuild
	for _, f := range flags {
		if *f, err = wallet.ReadPresent(r); err != nil {
			return nil, err
		}
	}

	taskID, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	e.NextTaskID = syncer.TaskID(taskID)

	return e, nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBlob(w io.Writer, b []byte) error {
	if err := writeUint64(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r io.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeSafety(w io.Writer, c temporalsafety.Config) error {
	for _, v := range []uint32{c.CancelTimelock, c.PunishTimelock, c.ArbFinality, c.ArbSafety, c.AccFinality} {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func readSafety(r io.Reader) (temporalsafety.Config, error) {
	var vals [5]uint32
	for i := range vals {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return temporalsafety.Config{}, err
		}
		vals[i] = binary.BigEndian.Uint32(b[:])
	}
	return temporalsafety.Config{
		CancelTimelock: vals[0],
		PunishTimelock: vals[1],
		ArbFinality:    vals[2],
		ArbSafety:      vals[3],
		AccFinality:    vals[4],
	}, nil
}

func writeWatches(w io.Writer, watches map[string][32]byte) error {
	if err := writeUint64(w, uint64(len(watches))); err != nil {
		return err
	}
	for label, txid := range watches {
		if err := writeBlob(w, []byte(label)); err != nil {
			return err
		}
		if _, err := w.Write(txid[:]); err != nil {
			return err
		}
	}
	return nil
}

func readWatches(r io.Reader) (map[string][32]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string][32]byte, n)
	for i := uint64(0); i < n; i++ {
		labelBytes, err := readBlob(r)
		if err != nil {
			return nil, err
		}
		var txid [32]byte
		if _, err := io.ReadFull(r, txid[:]); err != nil {
			return nil, err
		}
		out[string(labelBytes)] = txid
	}
	return out, nil
}

func writePeerMessage(w io.Writer, msg fsm.PeerMessage) error {
	if _, err := w.Write([]byte{byte(msg.Kind)}); err != nil {
		return err
	}
	switch msg.Kind {
	case fsm.MsgCommit:
		_, err := w.Write(msg.Commitment.Digest[:])
		return err
	case fsm.MsgReveal:
		if err := msg.Reveal.Encode(w); err != nil {
			return err
		}
		return writeBlob(w, msg.RevealNonce)
	case fsm.MsgCoreArbitratingSetup:
		return wallet.EncodeCore(w, msg.Core)
	case fsm.MsgRefundProcedureSignatures:
		return wallet.EncodeRefundProcedureSignatures(w, msg.RefundSigs)
	case fsm.MsgBuyProcedureSignature:
		return wallet.EncodeBuyProcedureSignature(w, msg.BuySig)
	default:
		return fmt.Errorf("checkpoint: encode unknown peer message kind %d", msg.Kind)
	}
}

func readPeerMessage(r io.Reader) (fsm.PeerMessage, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return fsm.PeerMessage{}, err
	}
	kind := fsm.PeerMessageKind(kindByte[0])

	msg := fsm.PeerMessage{Kind: kind}
	var err error
	switch kind {
	case fsm.MsgCommit:
		var digest [32]byte
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return fsm.PeerMessage{}, err
		}
		msg.Commitment = &wallet.Commitment{Digest: digest}
	case fsm.MsgReveal:
		if msg.Reveal, err = wallet.DecodeParameters(r); err != nil {
			return fsm.PeerMessage{}, err
		}
		if msg.RevealNonce, err = readBlob(r); err != nil {
			return fsm.PeerMessage{}, err
		}
	case fsm.MsgCoreArbitratingSetup:
		if msg.Core, err = wallet.DecodeCore(r); err != nil {
			return fsm.PeerMessage{}, err
		}
	case fsm.MsgRefundProcedureSignatures:
		if msg.RefundSigs, err = wallet.DecodeRefundProcedureSignatures(r); err != nil {
			return fsm.PeerMessage{}, err
		}
	case fsm.MsgBuyProcedureSignature:
		if msg.BuySig, err = wallet.DecodeBuyProcedureSignature(r); err != nil {
			return fsm.PeerMessage{}, err
		}
	default:
		return fsm.PeerMessage{}, fmt.Errorf("checkpoint: decode unknown peer message kind %d", kind)
	}
	return msg, nil
}

func writePeerMessages(w io.Writer, msgs []fsm.PeerMessage) error {
	if err := writeUint64(w, uint64(len(msgs))); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := writePeerMessage(w, msg); err != nil {
			return err
		}
	}
	return nil
}

func readPeerMessages(r io.Reader) ([]fsm.PeerMessage, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]fsm.PeerMessage, 0, n)
	for i := uint64(0); i < n; i++ {
		msg, err := readPeerMessage(r)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
