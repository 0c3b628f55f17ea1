package wallet

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/cryptos/adaptor"
)

// ErrAdaptorSignatureInvalid is returned by the Validate* operations when a
// counterparty-supplied adaptor signature does not verify (spec §4.1:
// "Adaptor-signature validation failure... abort; the adversary has
// produced an invalid signature").
var ErrAdaptorSignatureInvalid = errors.New("wallet: adaptor signature failed verification")

// AliceState holds every key and intermediate cryptographic value Alice's
// side of a swap accumulates, per spec §4.2. The SwapStateMachine treats it
// as opaque beyond the messages its methods return.
type AliceState struct {
	km *KeyManager

	Local  *Parameters
	Remote *Parameters

	Core             *CoreArbitratingSetup
	RefundAdaptorSig *adaptor.PreSignature
	AliceCancelSig   *secp256k1.ModNScalar
}

// NewAliceState constructs an AliceState bound to km. km must already be
// derived for this swap's (seed, swapIndex) pair.
func NewAliceState(km *KeyManager) *AliceState {
	return &AliceState{km: km}
}

// GenerateParameters derives Alice's local Parameters, including her punish
// key (Alice-only per spec §3) and DLEQ proof.
func (a *AliceState) GenerateParameters() (*Parameters, error) {
	params, err := generateParameters(a.km, true)
	if err != nil {
		return nil, err
	}
	a.Local = params
	return params, nil
}

// SignAdaptorRefund produces the adaptor (encrypted) signature over the
// refund transaction, encrypted under Bob's adaptor public key so that
// completing it later requires Bob's accordant spend scalar.
func (a *AliceState) SignAdaptorRefund(core *CoreArbitratingSetup) (*adaptor.PreSignature, error) {
	if a.Remote == nil {
		return nil, errors.New("wallet: remote parameters not yet received")
	}

	refundPriv, err := a.km.Derive(KeyRefund)
	if err != nil {
		return nil, err
	}

	pre, err := adaptor.Sign(rand.Reader, refundPriv, &a.Local.Refund, &a.Remote.Adaptor, txDigest(core.RefundTx))
	if err != nil {
		return nil, fmt.Errorf("wallet: sign adaptor refund: %w", err)
	}
	return pre, nil
}

// CosignArbitratingCancel produces Alice's cosignature on the cancel
// transaction.
func (a *AliceState) CosignArbitratingCancel(core *CoreArbitratingSetup) (*secp256k1.ModNScalar, *secp256k1.JacobianPoint, error) {
	cancelPriv, err := a.km.Derive(KeyCancel)
	if err != nil {
		return nil, nil, err
	}

	sig, err := schnorrSign(cancelPriv, &a.Local.Cancel, txDigest(core.CancelTx))
	if err != nil {
		return nil, nil, err
	}
	return &sig.S, &sig.R, nil
}

// ValidateAdaptorBuy verifies that the BuyProcedureSignature Bob's
// counterpart to Alice's generate_parameters would have produced validates
// against Alice's own adaptor key, catching a malicious or buggy Bob before
// Alice commits further.
func (a *AliceState) ValidateAdaptorBuy(buyTx *wire.MsgTx, sig *adaptor.PreSignature) error {
	if a.Remote == nil {
		return errors.New("wallet: remote parameters not yet received")
	}
	if err := adaptor.VerifyPreSignature(sig, &a.Remote.Buy, &a.Local.Adaptor, txDigest(buyTx)); err != nil {
		return fmt.Errorf("%w: %v", ErrAdaptorSignatureInvalid, err)
	}
	return nil
}

// FullySignBuy completes the buy adaptor signature using Alice's own
// adaptor scalar, producing the transaction signature Alice broadcasts with
// (and, symmetrically, the scalar Bob will extract once he observes it).
func (a *AliceState) FullySignBuy(sig *adaptor.PreSignature) (*adaptor.Signature, error) {
	adaptorPriv, err := a.km.Derive(KeyAdaptor)
	if err != nil {
		return nil, err
	}
	return adaptor.Adapt(sig, adaptorPriv), nil
}

// FullySignPunish produces Alice's punish transaction signature, usable
// only once the punish timelock has matured (enforced by the
// SwapStateMachine/TemporalSafety, not by this method).
func (a *AliceState) FullySignPunish(punishTx *wire.MsgTx) (*adaptor.Signature, error) {
	if a.Local.Punish == nil {
		return nil, errors.New("wallet: alice state has no punish key")
	}
	punishPriv, err := a.km.Derive(KeyPunish)
	if err != nil {
		return nil, err
	}
	return schnorrSign(punishPriv, a.Local.Punish, txDigest(punishTx))
}

// RecoverAccordantKey extracts Bob's accordant spend scalar once Alice
// observes his completed refund transaction signature on-chain, by
// comparing it against the adaptor pre-signature she gave him.
func (a *AliceState) RecoverAccordantKey(seenRefundSig *adaptor.Signature) (*secp256k1.ModNScalar, error) {
	if a.RefundAdaptorSig == nil {
		return nil, errors.New("wallet: no refund adaptor signature on record")
	}
	scalar := adaptor.Extract(seenRefundSig, a.RefundAdaptorSig)

	var check secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(scalar, &check)
	check.ToAffine()

	remoteSpend := a.Remote.Spend
	remoteSpend.ToAffine()
	if !check.X.Equals(&remoteSpend.X) || !check.Y.Equals(&remoteSpend.Y) {
		return nil, ErrAccordantKeyMismatch
	}
	return scalar, nil
}

// schnorrSign is the plain (non-adaptor) Schnorr signing primitive shared
// by every cosign-style operation: an adaptor.PreSignature whose
// encryption point is the identity (point at infinity is not representable
// here, so callers pass a zero ModNScalar's base-point multiple, i.e. they
// pass no encryption and the resulting "pre-signature" is already a valid
// ordinary signature).
func schnorrSign(priv *secp256k1.ModNScalar, pub *secp256k1.JacobianPoint, msg []byte) (*adaptor.Signature, error) {
	var zero secp256k1.ModNScalar
	var zeroPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&zero, &zeroPoint)

	pre, err := adaptor.Sign(rand.Reader, priv, pub, &zeroPoint, msg)
	if err != nil {
		return nil, err
	}
	return &adaptor.Signature{R: pre.R, S: pre.S}, nil
}

// txDigest produces the message a transaction's signatures commit to: the
// blake2b-family hash the chainhash package already provides over the
// transaction's canonical serialization. A production script-level sighash
// (per input, per previous output) is the txscript/v4 package's job when
// assembling the actual witness; this digest is what the adaptor/Schnorr
// layer signs over at the WalletState level.
func txDigest(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.HashB(nil)
	}
	h := chainhash.HashB(buf.Bytes())
	return h[:]
}
