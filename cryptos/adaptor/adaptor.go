// Package adaptor implements Schnorr adaptor signatures over secp256k1,
// the mechanism by which Bob's buy transaction signature only becomes valid
// once he reveals the accordant-chain spend-key scalar (spec §9: "adaptor
// signatures... assumed primitives"). Grounded on the teacher's signer
// plumbing (lnwallet/dcrwallet/signer.go's PrivKeyFromBytes/ecdsa usage),
// adapted from plain ECDSA signing to the pre-signature/adapt/extract flow
// the swap protocol needs.
package adaptor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"golang.org/x/crypto/blake2b"
)

// ErrVerificationFailed is returned by Verify and VerifyPreSignature when a
// (pre-)signature does not validate against the claimed public key.
var ErrVerificationFailed = errors.New("adaptor: verification failed")

// PreSignature is a Schnorr signature encrypted under encryptionPoint =
// t*G for an adaptor secret t unknown to the signer's counterparty. R is
// the adapted nonce commitment k*G + encryptionPoint; S on its own does not
// satisfy the ordinary Schnorr verification equation until t is added to
// it by Adapt.
type PreSignature struct {
	R secp256k1.JacobianPoint
	S secp256k1.ModNScalar
}

// Sign produces a pre-signature over msg under privKey, encrypted to
// encryptionPoint. The counterparty can verify the pre-signature and, once
// they later learn the scalar t such that encryptionPoint = t*G, can call
// Adapt to recover a valid ordinary Schnorr signature — at which point
// Extract lets the original signer recover t from the completed signature.
func Sign(rnd io.Reader, privKey *secp256k1.ModNScalar, pubKey *secp256k1.JacobianPoint, encryptionPoint *secp256k1.JacobianPoint, msg []byte) (*PreSignature, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	k, err := randomScalar(rnd)
	if err != nil {
		return nil, fmt.Errorf("adaptor: generate nonce: %w", err)
	}

	var kG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &kG)

	var r secp256k1.JacobianPoint
	secp256k1.AddNonConst(&kG, encryptionPoint, &r)
	r.ToAffine()

	e := challenge(&r, pubKey, msg)

	var s secp256k1.ModNScalar
	s.Mul2(&e, privKey).Add(k)

	return &PreSignature{R: r, S: s}, nil
}

// VerifyPreSignature checks that pre was honestly constructed by the holder
// of privKey's public counterpart for msg, encrypted to encryptionPoint,
// without needing to know either privKey or the adaptor secret t. The
// check is s*G + T == R + e*pubKey, since s = k + e*priv and R = k*G + T.
func VerifyPreSignature(pre *PreSignature, pubKey *secp256k1.JacobianPoint, encryptionPoint *secp256k1.JacobianPoint, msg []byte) error {
	e := challenge(&pre.R, pubKey, msg)

	var lhs, sG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&pre.S, &sG)
	secp256k1.AddNonConst(&sG, encryptionPoint, &lhs)
	lhs.ToAffine()

	var rhs, eP secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&e, pubKey, &eP)
	secp256k1.AddNonConst(&pre.R, &eP, &rhs)
	rhs.ToAffine()

	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return ErrVerificationFailed
	}
	return nil
}

// Signature is a completed, ordinary Schnorr signature.
type Signature struct {
	R secp256k1.JacobianPoint
	S secp256k1.ModNScalar
}

// Adapt completes pre into an ordinary Schnorr Signature once the adaptor
// secret t (the discrete log of encryptionPoint) is known. The adapted
// nonce commitment R carries over unchanged; only S absorbs t.
func Adapt(pre *PreSignature, t *secp256k1.ModNScalar) *Signature {
	var s secp256k1.ModNScalar
	s.Set(&pre.S).Add(t)

	return &Signature{R: pre.R, S: s}
}

// Extract recovers the adaptor secret t from a completed Signature and the
// PreSignature it was adapted from: t = S - S'.
func Extract(sig *Signature, pre *PreSignature) *secp256k1.ModNScalar {
	var negPreS secp256k1.ModNScalar
	negPreS.Set(&pre.S).Negate()

	var t secp256k1.ModNScalar
	t.Set(&sig.S).Add(&negPreS)
	return &t
}

// Verify checks an ordinary completed Schnorr signature against pubKey and
// msg. The signing equation is s = e*priv + k, so verification checks
// s*G == R + e*pubKey.
func Verify(sig *Signature, pubKey *secp256k1.JacobianPoint, msg []byte) error {
	e := challenge(&sig.R, pubKey, msg)

	var sG, eP, want secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&sig.S, &sG)
	secp256k1.ScalarMultNonConst(&e, pubKey, &eP)
	secp256k1.AddNonConst(&sig.R, &eP, &want)

	sG.ToAffine()
	want.ToAffine()

	if !sG.X.Equals(&want.X) || !sG.Y.Equals(&want.Y) {
		return ErrVerificationFailed
	}
	return nil
}

func randomScalar(rnd io.Reader) (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return nil, err
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes((*[32]byte)(&buf))
		if overflow == 0 && !s.IsZero() {
			return &s, nil
		}
	}
}

// challenge hashes (R, pubKey, msg) into a scalar, binding the
// Fiat-Shamir-style Schnorr signature to this exact statement.
func challenge(r, pubKey *secp256k1.JacobianPoint, msg []byte) secp256k1.ModNScalar {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("chainswap/adaptor challenge v1"))
	writePoint(h, r)
	writePoint(h, pubKey)
	h.Write(msg)
	digest := h.Sum(nil)

	var e secp256k1.ModNScalar
	e.SetByteSlice(digest)
	return e
}

func writePoint(w io.Writer, p *secp256k1.JacobianPoint) {
	affine := *p
	affine.ToAffine()
	x := affine.X.Bytes()
	y := affine.Y.Bytes()
	w.Write(x[:])
	w.Write(y[:])
}
