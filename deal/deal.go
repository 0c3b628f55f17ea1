// Package deal defines the canonical, immutable swap offer exchanged
// out-of-band between counterparties before a swap is taken.
package deal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/google/uuid"
)

// Network identifies which deployment of the two chains a Deal targets.
type Network uint8

const (
	// Mainnet is the production network for both chains.
	Mainnet Network = iota
	// Testnet is a public test network.
	Testnet
	// Local is a locally-run regtest/simulation network.
	Local
)

// String implements fmt.Stringer.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// SwapRole is the cryptographic role a party plays within a swap. Alice
// holds the accordant (Monero-like) side pre-swap and buys the arbitrating
// asset; Bob holds the arbitrating (Bitcoin-like) side pre-swap and buys the
// accordant asset.
type SwapRole uint8

const (
	// Alice holds accordant funds pre-swap.
	Alice SwapRole = iota
	// Bob holds arbitrating funds pre-swap.
	Bob
)

func (r SwapRole) String() string {
	if r == Alice {
		return "Alice"
	}
	return "Bob"
}

// Other returns the opposite swap role.
func (r SwapRole) Other() SwapRole {
	if r == Alice {
		return Bob
	}
	return Alice
}

// TradeRole distinguishes the party that published the deal (Maker) from
// the party that accepted it (Taker).
type TradeRole uint8

const (
	// Maker published the deal.
	Maker TradeRole = iota
	// Taker accepted the deal.
	Taker
)

func (r TradeRole) String() string {
	if r == Maker {
		return "Maker"
	}
	return "Taker"
}

// LocalSwapRole computes the local SwapRole for a party given the deal's
// maker role and the party's trade role: the maker plays makerRole verbatim,
// the taker plays its opposite.
func LocalSwapRole(makerRole SwapRole, tradeRole TradeRole) SwapRole {
	if tradeRole == Maker {
		return makerRole
	}
	return makerRole.Other()
}

// FeeStrategy describes how the arbitrating-chain transactions' fees are
// chosen. Only Fixed and SatPerKByte are supported; a market-estimate
// strategy is intentionally absent (no-goal per spec: no fee-market
// forecasting beyond what the syncer reports).
type FeeStrategy struct {
	// Fixed, when non-zero, pins the fee rate regardless of syncer
	// estimates.
	Fixed dcrutil.Amount

	// SatPerKByte, when Fixed is zero, scales the syncer's latest fee
	// estimate by this multiplier expressed in basis points (10000 = 1x).
	SatPerKByteMultiplierBps uint32
}

// minAccordantAmount is the smallest accordant amount a Deal may offer,
// chosen to keep dust-level swaps from clogging the accordant wallet's
// output set.
var minAccordantAmount = dcrutil.Amount(1)

// maxArbitratingMainnetAmount caps the capital a single swap may put at risk
// on Mainnet, per the Non-goals of §1 ("no custody of live mainnet funds
// beyond the capped amounts the caller configures").
var maxArbitratingMainnetAmount = dcrutil.Amount(1 << 32)

// SetAmountBounds overrides the package-level minimum accordant amount and
// maximum Mainnet arbitrating amount used by Validate. Intended to be called
// once at daemon startup from the loaded configuration.
func SetAmountBounds(minAccordant, maxArbitratingMainnet dcrutil.Amount) {
	minAccordantAmount = minAccordant
	maxArbitratingMainnetAmount = maxArbitratingMainnet
}

// Deal is the immutable tuple exchanged between counterparties describing a
// single proposed swap. Two deals with equal canonical bytes are equal.
type Deal struct {
	UUID                 uuid.UUID
	Network               Network
	ArbitratingBlockchain string
	AccordantBlockchain   string
	ArbitratingAmount     dcrutil.Amount
	AccordantAmount       dcrutil.Amount
	CancelTimelock        uint32
	PunishTimelock        uint32
	FeeStrategy           FeeStrategy
	MakerRole             SwapRole
}

// Validate checks the invariants from spec §3: accordant_amount >= min_acc,
// arbitrating_amount <= max_arb on Mainnet, and punish_timelock >
// cancel_timelock > 0.
func (d *Deal) Validate() error {
	if d.AccordantAmount < minAccordantAmount {
		return fmt.Errorf("%w: %v < %v", ErrAccordantAmountTooSmall, d.AccordantAmount, minAccordantAmount)
	}
	if d.Network == Mainnet && d.ArbitratingAmount > maxArbitratingMainnetAmount {
		return fmt.Errorf("%w: %v > %v", ErrArbitratingAmountTooLarge, d.ArbitratingAmount, maxArbitratingMainnetAmount)
	}
	if d.CancelTimelock == 0 {
		return ErrZeroCancelTimelock
	}
	if d.PunishTimelock <= d.CancelTimelock {
		return fmt.Errorf("%w: punish=%d cancel=%d", ErrPunishNotAfterCancel, d.PunishTimelock, d.CancelTimelock)
	}
	return nil
}

var (
	// ErrAccordantAmountTooSmall is returned when a Deal's accordant
	// amount is below the configured minimum.
	ErrAccordantAmountTooSmall = errors.New("accordant amount below minimum")

	// ErrArbitratingAmountTooLarge is returned when a Mainnet Deal's
	// arbitrating amount exceeds the configured cap.
	ErrArbitratingAmountTooLarge = errors.New("arbitrating amount exceeds mainnet cap")

	// ErrZeroCancelTimelock is returned when a Deal's cancel timelock is
	// zero.
	ErrZeroCancelTimelock = errors.New("cancel timelock must be non-zero")

	// ErrPunishNotAfterCancel is returned when a Deal's punish timelock
	// does not strictly exceed its cancel timelock.
	ErrPunishNotAfterCancel = errors.New("punish timelock must exceed cancel timelock")
)

// dealVersion is the version byte prefixed to both the binary and printable
// encodings, allowing future encodings to be distinguished on ingest.
const dealVersion byte = 1

// Encode returns the canonical binary encoding of the deal: a version byte
// followed by fixed-order, length-prefixed fields. Two deals with equal
// Encode() output are Equal.
func (d *Deal) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(dealVersion)
	buf.Write(d.UUID[:])
	buf.WriteByte(byte(d.Network))
	writeString(&buf, d.ArbitratingBlockchain)
	writeString(&buf, d.AccordantBlockchain)
	writeUint64(&buf, uint64(d.ArbitratingAmount))
	writeUint64(&buf, uint64(d.AccordantAmount))
	writeUint32(&buf, d.CancelTimelock)
	writeUint32(&buf, d.PunishTimelock)
	writeUint64(&buf, uint64(d.FeeStrategy.Fixed))
	writeUint32(&buf, d.FeeStrategy.SatPerKByteMultiplierBps)
	buf.WriteByte(byte(d.MakerRole))
	return buf.Bytes()
}

// Decode parses the canonical binary encoding produced by Encode.
func Decode(b []byte) (*Deal, error) {
	r := bytes.NewReader(b)
	d, err := decodeFrom(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return d, nil
}

// decodeFrom parses a single Deal prefix from r, leaving the reader
// positioned immediately after the consumed bytes so a caller (PublicDeal)
// can continue decoding suffix fields from the same reader.
func decodeFrom(r *bytes.Reader) (*Deal, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != dealVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var d Deal

	idBytes := make([]byte, len(d.UUID))
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return nil, fmt.Errorf("reading uuid: %w", err)
	}
	copy(d.UUID[:], idBytes)

	netByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading network: %w", err)
	}
	d.Network = Network(netByte)

	if d.ArbitratingBlockchain, err = readString(r); err != nil {
		return nil, fmt.Errorf("reading arbitrating blockchain: %w", err)
	}
	if d.AccordantBlockchain, err = readString(r); err != nil {
		return nil, fmt.Errorf("reading accordant blockchain: %w", err)
	}

	arb, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading arbitrating amount: %w", err)
	}
	d.ArbitratingAmount = dcrutil.Amount(arb)

	acc, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading accordant amount: %w", err)
	}
	d.AccordantAmount = dcrutil.Amount(acc)

	if d.CancelTimelock, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("reading cancel timelock: %w", err)
	}
	if d.PunishTimelock, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("reading punish timelock: %w", err)
	}

	fixed, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading fee strategy fixed: %w", err)
	}
	d.FeeStrategy.Fixed = dcrutil.Amount(fixed)

	if d.FeeStrategy.SatPerKByteMultiplierBps, err = readUint32(r); err != nil {
		return nil, fmt.Errorf("reading fee strategy multiplier: %w", err)
	}

	roleByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading maker role: %w", err)
	}
	d.MakerRole = SwapRole(roleByte)

	return &d, nil
}

// Equal reports whether two deals encode to identical bytes.
func (d *Deal) Equal(other *Deal) bool {
	if d == nil || other == nil {
		return d == other
	}
	return bytes.Equal(d.Encode(), other.Encode())
}

var (
	// ErrUnsupportedVersion is returned when decoding a deal with an
	// unrecognized version byte.
	ErrUnsupportedVersion = errors.New("unsupported deal encoding version")

	// ErrTrailingBytes is returned when decoding leaves unconsumed bytes,
	// signalling a malformed or truncated encoding.
	ErrTrailingBytes = errors.New("trailing bytes after deal encoding")
)

// PublicDeal is a Deal augmented with the maker's network identity, as
// exchanged out-of-band or advertised on a public board.
type PublicDeal struct {
	Deal
	MakerNodeID      []byte
	MakerPeerAddress string
}

// Encode extends Deal.Encode with the maker node id and peer address.
func (p *PublicDeal) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(p.Deal.Encode())
	writeBytes(&buf, p.MakerNodeID)
	writeString(&buf, p.MakerPeerAddress)
	return buf.Bytes()
}

// DecodePublic parses the encoding produced by PublicDeal.Encode.
func DecodePublic(b []byte) (*PublicDeal, error) {
	r := bytes.NewReader(b)

	d, err := decodeFrom(r)
	if err != nil {
		return nil, err
	}

	nodeID, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("reading maker node id: %w", err)
	}
	addr, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("reading maker peer address: %w", err)
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}

	return &PublicDeal{Deal: *d, MakerNodeID: nodeID, MakerPeerAddress: addr}, nil
}

// --- primitive field codecs -------------------------------------------------

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, v []byte) {
	writeUint32(buf, uint32(len(v)))
	buf.Write(v)
}

func writeString(buf *bytes.Buffer, v string) {
	writeBytes(buf, []byte(v))
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
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

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
