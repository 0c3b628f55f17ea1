package wallet

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/cryptos/adaptor"
)

// TxLabel identifies exactly one transaction per swap (spec §3).
type TxLabel uint8

const (
	TxFunding TxLabel = iota
	TxLock
	TxCancel
	TxRefund
	TxBuy
	TxPunish
	TxAccLock
)

func (l TxLabel) String() string {
	switch l {
	case TxFunding:
		return "funding"
	case TxLock:
		return "lock"
	case TxCancel:
		return "cancel"
	case TxRefund:
		return "refund"
	case TxBuy:
		return "buy"
	case TxPunish:
		return "punish"
	case TxAccLock:
		return "acc_lock"
	default:
		return "unknown"
	}
}

// CoreArbitratingSetup carries the three canonical arbitrating transactions
// in partially-signed form plus Bob's cancel signature (spec §3).
type CoreArbitratingSetup struct {
	SwapID   [16]byte
	LockTx   *wire.MsgTx
	CancelTx *wire.MsgTx
	RefundTx *wire.MsgTx
	CancelSig secp256k1.ModNScalar
	CancelSigR secp256k1.JacobianPoint
}

// RefundProcedureSignatures is Alice's reply to CoreArbitratingSetup (spec
// §3): her cosignature on cancel plus an adaptor signature over refund.
type RefundProcedureSignatures struct {
	SwapID           [16]byte
	CancelSigAlice   secp256k1.ModNScalar
	CancelSigAliceR  secp256k1.JacobianPoint
	RefundAdaptorSig *adaptor.PreSignature
}

// BuyProcedureSignature is Bob's message carrying the buy transaction and
// his adaptor signature over it, encrypted under Alice's adaptor public key
// so that Alice completing it reveals her scalar to Bob (spec §3).
type BuyProcedureSignature struct {
	SwapID        [16]byte
	BuyTx         *wire.MsgTx
	BuyAdaptorSig *adaptor.PreSignature
}
