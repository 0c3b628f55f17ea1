package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/cryptos/adaptor"
	"github.com/chainswap/swapd/cryptos/dleq"
)

// Encode writes p as a fixed-order sequence of length-prefixed fields, with
// Punish prefixed by a presence byte (spec §4.2). This is the wire format
// checkpoints and protocol messages embed Parameters in.
func (p *Parameters) Encode(w io.Writer) error {
	for _, pt := range []*secp256k1.JacobianPoint{&p.Buy, &p.Cancel, &p.Refund, &p.Adaptor, &p.Spend} {
		if err := writeCompressedPoint(w, pt); err != nil {
			return err
		}
	}

	if p.Punish != nil {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if err := writeCompressedPoint(w, p.Punish); err != nil {
			return err
		}
	} else {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}

	if err := writePointSlice(w, p.ExtraArbitratingKeys); err != nil {
		return err
	}
	if err := writePointSlice(w, p.AccordantSharedKeys); err != nil {
		return err
	}

	if _, err := w.Write(p.ViewKey[:]); err != nil {
		return err
	}

	cBytes := p.Proof.C.Bytes()
	sBytes := p.Proof.S.Bytes()
	if _, err := w.Write(cBytes[:]); err != nil {
		return err
	}
	if _, err := w.Write(sBytes[:]); err != nil {
		return err
	}
	return writeCompressedPoint(w, &p.ProofAltPoint)
}

// DecodeParameters is the inverse of (*Parameters).Encode.
func DecodeParameters(r io.Reader) (*Parameters, error) {
	p := &Parameters{}

	pts := make([]*secp256k1.JacobianPoint, 5)
	for i := range pts {
		pt, err := readCompressedPoint(r)
		if err != nil {
			return nil, err
		}
		pts[i] = pt
	}
	p.Buy, p.Cancel, p.Refund, p.Adaptor, p.Spend = *pts[0], *pts[1], *pts[2], *pts[3], *pts[4]

	var presence [1]byte
	if _, err := io.ReadFull(r, presence[:]); err != nil {
		return nil, fmt.Errorf("wallet: read punish presence byte: %w", err)
	}
	if presence[0] == 1 {
		punish, err := readCompressedPoint(r)
		if err != nil {
			return nil, err
		}
		p.Punish = punish
	}

	extra, err := readPointSlice(r)
	if err != nil {
		return nil, err
	}
	p.ExtraArbitratingKeys = extra

	shared, err := readPointSlice(r)
	if err != nil {
		return nil, err
	}
	p.AccordantSharedKeys = shared

	if _, err := io.ReadFull(r, p.ViewKey[:]); err != nil {
		return nil, fmt.Errorf("wallet: read view key: %w", err)
	}

	var cBytes, sBytes [32]byte
	if _, err := io.ReadFull(r, cBytes[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, sBytes[:]); err != nil {
		return nil, err
	}
	var c, s secp256k1.ModNScalar
	c.SetBytes(&cBytes)
	s.SetBytes(&sBytes)

	altPoint, err := readCompressedPoint(r)
	if err != nil {
		return nil, err
	}

	p.Proof = &dleq.Proof{C: c, S: s}
	p.ProofAltPoint = *altPoint
	return p, nil
}

func writePointSlice(w io.Writer, pts []secp256k1.JacobianPoint) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(pts)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	for i := range pts {
		if err := writeCompressedPoint(w, &pts[i]); err != nil {
			return err
		}
	}
	return nil
}

func readPointSlice(r io.Reader) ([]secp256k1.JacobianPoint, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]secp256k1.JacobianPoint, n)
	for i := range out {
		pt, err := readCompressedPoint(r)
		if err != nil {
			return nil, err
		}
		out[i] = *pt
	}
	return out, nil
}

// writeCompressedPoint writes p's affine X coordinate plus a one-byte
// parity tag, the same compact representation secp256k1.PublicKey's
// SerializeCompressed uses.
func writeCompressedPoint(w io.Writer, p *secp256k1.JacobianPoint) error {
	affine := *p
	affine.ToAffine()

	pub := secp256k1.NewPublicKey(&affine.X, &affine.Y)
	if _, err := w.Write(pub.SerializeCompressed()); err != nil {
		return err
	}
	return nil
}

func readCompressedPoint(r io.Reader) (*secp256k1.JacobianPoint, error) {
	var buf [33]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("wallet: read compressed point: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(buf[:])
	if err != nil {
		return nil, fmt.Errorf("wallet: parse compressed point: %w", err)
	}
	var jp secp256k1.JacobianPoint
	pub.AsJacobian(&jp)
	return &jp, nil
}

// EncodeTx serializes an arbitrating transaction for inclusion in a
// CoreArbitratingSetup/checkpoint wire payload, length-prefixed.
func EncodeTx(w io.Writer, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("wallet: serialize transaction: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeTx is the inverse of EncodeTx.
func DecodeTx(r io.Reader) (*wire.MsgTx, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx()
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("wallet: deserialize transaction: %w", err)
	}
	return tx, nil
}

// writeScalar and readScalar give secp256k1.ModNScalar the same fixed-width
// field treatment every other wire value in this file gets, so callers
// above (checkpointing, protocol message encoding) never special-case a
// scalar versus a point.
func writeScalar(w io.Writer, s *secp256k1.ModNScalar) error {
	b := s.Bytes()
	_, err := w.Write(b[:])
	return err
}

func readScalar(r io.Reader) (*secp256k1.ModNScalar, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, fmt.Errorf("wallet: read scalar: %w", err)
	}
	var s secp256k1.ModNScalar
	s.SetBytes(&b)
	return &s, nil
}

// EncodePreSignature writes an adaptor.PreSignature as its nonce-commitment
// point followed by its response scalar.
func EncodePreSignature(w io.Writer, pre *adaptor.PreSignature) error {
	if err := writeCompressedPoint(w, &pre.R); err != nil {
		return err
	}
	return writeScalar(w, &pre.S)
}

// DecodePreSignature is the inverse of EncodePreSignature.
func DecodePreSignature(r io.Reader) (*adaptor.PreSignature, error) {
	rPoint, err := readCompressedPoint(r)
	if err != nil {
		return nil, err
	}
	s, err := readScalar(r)
	if err != nil {
		return nil, err
	}
	return &adaptor.PreSignature{R: *rPoint, S: *s}, nil
}

// EncodeSignature writes a completed adaptor.Signature in the same R-then-S
// shape as EncodePreSignature.
func EncodeSignature(w io.Writer, sig *adaptor.Signature) error {
	if err := writeCompressedPoint(w, &sig.R); err != nil {
		return err
	}
	return writeScalar(w, &sig.S)
}

// DecodeSignature is the inverse of EncodeSignature.
func DecodeSignature(r io.Reader) (*adaptor.Signature, error) {
	rPoint, err := readCompressedPoint(r)
	if err != nil {
		return nil, err
	}
	s, err := readScalar(r)
	if err != nil {
		return nil, err
	}
	return &adaptor.Signature{R: *rPoint, S: *s}, nil
}

// EncodeCore writes a CoreArbitratingSetup as its swap id, the three
// transactions (each via EncodeTx), and Bob's cancel cosignature.
func EncodeCore(w io.Writer, c *CoreArbitratingSetup) error {
	if _, err := w.Write(c.SwapID[:]); err != nil {
		return err
	}
	for _, tx := range []*wire.MsgTx{c.LockTx, c.CancelTx, c.RefundTx} {
		if err := EncodeTx(w, tx); err != nil {
			return err
		}
	}
	if err := writeScalar(w, &c.CancelSig); err != nil {
		return err
	}
	return writeCompressedPoint(w, &c.CancelSigR)
}

// DecodeCore is the inverse of EncodeCore.
func DecodeCore(r io.Reader) (*CoreArbitratingSetup, error) {
	c := &CoreArbitratingSetup{}
	if _, err := io.ReadFull(r, c.SwapID[:]); err != nil {
		return nil, fmt.Errorf("wallet: read core swap id: %w", err)
	}

	var err error
	if c.LockTx, err = DecodeTx(r); err != nil {
		return nil, err
	}
	if c.CancelTx, err = DecodeTx(r); err != nil {
		return nil, err
	}
	if c.RefundTx, err = DecodeTx(r); err != nil {
		return nil, err
	}

	sig, err := readScalar(r)
	if err != nil {
		return nil, err
	}
	c.CancelSig = *sig

	sigR, err := readCompressedPoint(r)
	if err != nil {
		return nil, err
	}
	c.CancelSigR = *sigR
	return c, nil
}

// EncodeRefundProcedureSignatures writes swap id, Alice's cancel
// cosignature, then her adaptor refund signature.
func EncodeRefundProcedureSignatures(w io.Writer, m *RefundProcedureSignatures) error {
	if _, err := w.Write(m.SwapID[:]); err != nil {
		return err
	}
	if err := writeScalar(w, &m.CancelSigAlice); err != nil {
		return err
	}
	if err := writeCompressedPoint(w, &m.CancelSigAliceR); err != nil {
		return err
	}
	return EncodePreSignature(w, m.RefundAdaptorSig)
}

// DecodeRefundProcedureSignatures is the inverse of
// EncodeRefundProcedureSignatures.
func DecodeRefundProcedureSignatures(r io.Reader) (*RefundProcedureSignatures, error) {
	m := &RefundProcedureSignatures{}
	if _, err := io.ReadFull(r, m.SwapID[:]); err != nil {
		return nil, fmt.Errorf("wallet: read refund-procedure-signatures swap id: %w", err)
	}

	sig, err := readScalar(r)
	if err != nil {
		return nil, err
	}
	m.CancelSigAlice = *sig

	sigR, err := readCompressedPoint(r)
	if err != nil {
		return nil, err
	}
	m.CancelSigAliceR = *sigR

	m.RefundAdaptorSig, err = DecodePreSignature(r)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeBuyProcedureSignature writes swap id, the buy transaction, then
// Bob's adaptor buy signature.
func EncodeBuyProcedureSignature(w io.Writer, m *BuyProcedureSignature) error {
	if _, err := w.Write(m.SwapID[:]); err != nil {
		return err
	}
	if err := EncodeTx(w, m.BuyTx); err != nil {
		return err
	}
	return EncodePreSignature(w, m.BuyAdaptorSig)
}

// DecodeBuyProcedureSignature is the inverse of EncodeBuyProcedureSignature.
func DecodeBuyProcedureSignature(r io.Reader) (*BuyProcedureSignature, error) {
	m := &BuyProcedureSignature{}
	if _, err := io.ReadFull(r, m.SwapID[:]); err != nil {
		return nil, fmt.Errorf("wallet: read buy-procedure-signature swap id: %w", err)
	}

	var err error
	if m.BuyTx, err = DecodeTx(r); err != nil {
		return nil, err
	}
	m.BuyAdaptorSig, err = DecodePreSignature(r)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// presence bytes let an optional field be told apart from a zero-value one
// without a distinct wire type per field (spec §4.2: "optional fields
// prefixed by a presence byte").
func writePresent(w io.Writer, present bool) error {
	var b [1]byte
	if present {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

func readPresent(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

// WritePresent and ReadPresent expose the presence-byte helpers to callers
// outside this package (the checkpoint package's Entry encoding), which
// need the same optional-field convention for types wallet doesn't own.
func WritePresent(w io.Writer, present bool) error { return writePresent(w, present) }
func ReadPresent(r io.Reader) (bool, error)         { return readPresent(r) }

// Encode writes AliceState as a fixed-order sequence of optional,
// length-prefixed fields: Local and Remote Parameters, Core, the refund
// adaptor pre-signature, and the cancel cosignature scalar. The key
// manager is never serialized (spec §4.2: the same (seed, index) always
// re-derives it), so DecodeAliceState takes km from the caller.
func (a *AliceState) Encode(w io.Writer) error {
	if err := encodeOptionalParameters(w, a.Local); err != nil {
		return err
	}
	if err := encodeOptionalParameters(w, a.Remote); err != nil {
		return err
	}
	if err := writePresent(w, a.Core != nil); err != nil {
		return err
	}
	if a.Core != nil {
		if err := EncodeCore(w, a.Core); err != nil {
			return err
		}
	}
	if err := writePresent(w, a.RefundAdaptorSig != nil); err != nil {
		return err
	}
	if a.RefundAdaptorSig != nil {
		if err := EncodePreSignature(w, a.RefundAdaptorSig); err != nil {
			return err
		}
	}
	if err := writePresent(w, a.AliceCancelSig != nil); err != nil {
		return err
	}
	if a.AliceCancelSig != nil {
		if err := writeScalar(w, a.AliceCancelSig); err != nil {
			return err
		}
	}
	return nil
}

// DecodeAliceState is the inverse of (*AliceState).Encode, binding the
// restored state to km (re-derived by the caller from the swap's root seed
// and index, per spec §4.2).
func DecodeAliceState(r io.Reader, km *KeyManager) (*AliceState, error) {
	a := NewAliceState(km)

	var err error
	if a.Local, err = decodeOptionalParameters(r); err != nil {
		return nil, err
	}
	if a.Remote, err = decodeOptionalParameters(r); err != nil {
		return nil, err
	}

	present, err := readPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if a.Core, err = DecodeCore(r); err != nil {
			return nil, err
		}
	}

	present, err = readPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if a.RefundAdaptorSig, err = DecodePreSignature(r); err != nil {
			return nil, err
		}
	}

	present, err = readPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if a.AliceCancelSig, err = readScalar(r); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Encode writes BobState in the same shape as (*AliceState).Encode: Local
// and Remote Parameters, the buy adaptor pre-signature, and the refund
// adaptor pre-signature Bob validated from Alice.
func (b *BobState) Encode(w io.Writer) error {
	if err := encodeOptionalParameters(w, b.Local); err != nil {
		return err
	}
	if err := encodeOptionalParameters(w, b.Remote); err != nil {
		return err
	}
	if err := writePresent(w, b.BuyAdaptorSig != nil); err != nil {
		return err
	}
	if b.BuyAdaptorSig != nil {
		if err := EncodePreSignature(w, b.BuyAdaptorSig); err != nil {
			return err
		}
	}
	if err := writePresent(w, b.RefundAdaptorSig != nil); err != nil {
		return err
	}
	if b.RefundAdaptorSig != nil {
		if err := EncodePreSignature(w, b.RefundAdaptorSig); err != nil {
			return err
		}
	}
	return nil
}

// DecodeBobState is the inverse of (*BobState).Encode.
func DecodeBobState(r io.Reader, km *KeyManager) (*BobState, error) {
	b := NewBobState(km)

	var err error
	if b.Local, err = decodeOptionalParameters(r); err != nil {
		return nil, err
	}
	if b.Remote, err = decodeOptionalParameters(r); err != nil {
		return nil, err
	}

	present, err := readPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if b.BuyAdaptorSig, err = DecodePreSignature(r); err != nil {
			return nil, err
		}
	}

	present, err = readPresent(r)
	if err != nil {
		return nil, err
	}
	if present {
		if b.RefundAdaptorSig, err = DecodePreSignature(r); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func encodeOptionalParameters(w io.Writer, p *Parameters) error {
	if err := writePresent(w, p != nil); err != nil {
		return err
	}
	if p != nil {
		return p.Encode(w)
	}
	return nil
}

func decodeOptionalParameters(r io.Reader) (*Parameters, error) {
	present, err := readPresent(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return DecodeParameters(r)
}
