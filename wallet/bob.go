package wallet

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/cryptos/adaptor"
)

// BobState holds every key and intermediate cryptographic value Bob's side
// of a swap accumulates, per spec §4.2. It mirrors AliceState's shape but
// never derives a punish key (Alice-only per spec §3).
type BobState struct {
	km *KeyManager

	Local  *Parameters
	Remote *Parameters

	Core              *CoreArbitratingSetup
	BuyAdaptorSig     *adaptor.PreSignature
	RefundAdaptorSig  *adaptor.PreSignature
}

// NewBobState constructs a BobState bound to km.
func NewBobState(km *KeyManager) *BobState {
	return &BobState{km: km}
}

// FundingAddress derives Bob's pre-swap arbitrating funding address, its
// watch script, and its spending secret (spec §4.1 StartMaker), for the
// machine to persist and subscribe on entry.
func (b *BobState) FundingAddress() (address string, script, secret []byte, err error) {
	return b.km.FundingAddress()
}

// GenerateParameters derives Bob's local Parameters (no punish key).
func (b *BobState) GenerateParameters() (*Parameters, error) {
	params, err := generateParameters(b.km, false)
	if err != nil {
		return nil, err
	}
	b.Local = params
	return params, nil
}

// CoreArbitratingTransactions builds the lock/cancel/refund transaction
// skeletons and Bob's cancel cosignature, forming CoreArbitratingSetup. The
// actual input/output construction (which UTXOs fund lock, which scripts
// encode the cancel/refund/punish branches) is the concern of the
// transaction-building helpers this method calls; here it only assembles
// the already-built transactions and signs cancel.
func (b *BobState) CoreArbitratingTransactions(swapID [16]byte, lockTx, cancelTx, refundTx *wire.MsgTx) (*CoreArbitratingSetup, error) {
	if b.Remote == nil {
		return nil, errors.New("wallet: remote parameters not yet received")
	}

	cancelPriv, err := b.km.Derive(KeyCancel)
	if err != nil {
		return nil, err
	}
	sig, err := schnorrSign(cancelPriv, &b.Local.Cancel, txDigest(cancelTx))
	if err != nil {
		return nil, fmt.Errorf("wallet: cosign cancel: %w", err)
	}

	core := &CoreArbitratingSetup{
		SwapID:     swapID,
		LockTx:     lockTx,
		CancelTx:   cancelTx,
		RefundTx:   refundTx,
		CancelSig:  sig.S,
		CancelSigR: sig.R,
	}
	b.Core = core
	return core, nil
}

// CosignArbitratingCancel mirrors AliceState's method of the same name, for
// the cases the state machine needs Bob to re-derive his cancel
// cosignature independent of CoreArbitratingTransactions.
func (b *BobState) CosignArbitratingCancel(core *CoreArbitratingSetup) (*secp256k1.ModNScalar, *secp256k1.JacobianPoint, error) {
	cancelPriv, err := b.km.Derive(KeyCancel)
	if err != nil {
		return nil, nil, err
	}
	sig, err := schnorrSign(cancelPriv, &b.Local.Cancel, txDigest(core.CancelTx))
	if err != nil {
		return nil, nil, err
	}
	return &sig.S, &sig.R, nil
}

// SignArbitratingLock produces Bob's signature over the lock transaction,
// spending his funding UTXOs into the 2-of-2 (cancel-branch) output.
func (b *BobState) SignArbitratingLock(lockTx *wire.MsgTx) (*adaptor.Signature, error) {
	buyPriv, err := b.km.Derive(KeyBuy)
	if err != nil {
		return nil, err
	}
	return schnorrSign(buyPriv, &b.Local.Buy, txDigest(lockTx))
}

// ValidateAdaptorRefund verifies Alice's adaptor signature over refund
// before Bob proceeds to broadcast lock, catching a malicious or buggy
// Alice early (spec §4.1).
func (b *BobState) ValidateAdaptorRefund(refundTx *wire.MsgTx, sig *adaptor.PreSignature) error {
	if b.Remote == nil {
		return errors.New("wallet: remote parameters not yet received")
	}
	if err := adaptor.VerifyPreSignature(sig, &b.Remote.Refund, &b.Local.Adaptor, txDigest(refundTx)); err != nil {
		return fmt.Errorf("%w: %v", ErrAdaptorSignatureInvalid, err)
	}
	b.RefundAdaptorSig = sig
	return nil
}

// SignAdaptorBuy produces Bob's adaptor signature over the buy transaction,
// encrypted under Alice's adaptor public key — the signature whose later
// completion by Alice reveals Bob's accordant-side spend scalar to him.
func (b *BobState) SignAdaptorBuy(buyTx *wire.MsgTx) (*adaptor.PreSignature, error) {
	if b.Remote == nil {
		return nil, errors.New("wallet: remote parameters not yet received")
	}
	buyPriv, err := b.km.Derive(KeyBuy)
	if err != nil {
		return nil, err
	}
	pre, err := adaptor.Sign(rand.Reader, buyPriv, &b.Local.Buy, &b.Remote.Adaptor, txDigest(buyTx))
	if err != nil {
		return nil, fmt.Errorf("wallet: sign adaptor buy: %w", err)
	}
	b.BuyAdaptorSig = pre
	return pre, nil
}

// FullySignRefund completes the refund adaptor signature Alice gave Bob,
// using Bob's own adaptor scalar, producing the transaction Bob broadcasts
// if the swap times out.
func (b *BobState) FullySignRefund(sig *adaptor.PreSignature) (*adaptor.Signature, error) {
	adaptorPriv, err := b.km.Derive(KeyAdaptor)
	if err != nil {
		return nil, err
	}
	return adaptor.Adapt(sig, adaptorPriv), nil
}

// RecoverAccordantKey extracts Alice's accordant spend scalar once Bob
// observes her completed buy transaction signature on-chain, by comparing
// it against the adaptor pre-signature he gave her.
func (b *BobState) RecoverAccordantKey(seenBuySig *adaptor.Signature) (*secp256k1.ModNScalar, error) {
	if b.BuyAdaptorSig == nil {
		return nil, errors.New("wallet: no buy adaptor signature on record")
	}
	scalar := adaptor.Extract(seenBuySig, b.BuyAdaptorSig)

	var check secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(scalar, &check)
	check.ToAffine()

	remoteSpend := b.Remote.Spend
	remoteSpend.ToAffine()
	if !check.X.Equals(&remoteSpend.X) || !check.Y.Equals(&remoteSpend.Y) {
		return nil, ErrAccordantKeyMismatch
	}
	return scalar, nil
}
