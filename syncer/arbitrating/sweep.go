package arbitrating

import (
	"context"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec"
	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/sign"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"

	"github.com/chainswap/swapd/syncer"
)

// defaultSweepFeeRate is used when a live fee estimate is unavailable; it
// mirrors the conservative fallback coin_select.go's callers use when
// chainfee.SampleFeeRate would otherwise return zero.
const defaultSweepFeeRate = dcrutil.Amount(10000)

// p2pkhInputSize and p2pkhOutputSize approximate a signed P2PKH input/
// output's serialized size in bytes, the same script class
// chanfunding.CoinSelect's TxSizeEstimator accounts for; reimplemented here
// directly since TxSizeEstimator's package (input, in the teacher tree)
// depends on lnd-specific types (keychain, lnwallet.Utxo) this module has
// no use for.
const (
	p2pkhInputSize  = 148
	p2pkhOutputSize = 34
	txOverheadSize  = 12
)

func (s *Syncer) handleSweep(ctx context.Context, t syncer.SyncerTask) {
	if len(t.SweepSourceKeys) != 1 {
		s.emit(syncer.SyncerEvent{
			Kind: syncer.EventSweepSuccess, TaskID: t.ID, Subscriber: t.Subscriber,
			BroadcastError: "arbitrating sweep requires exactly one source private key",
		})
		s.state.RemoveTask(t.ID)
		return
	}

	sourceAddr, err := p2pkhAddressFromPrivKey(t.SweepSourceKeys[0], s.params)
	if err != nil {
		log.Errorf("arbitrating sweep task %d: %v", t.ID, err)
		return
	}

	utxos, err := s.client.ListUnspentForAddress(ctx, sourceAddr)
	if err != nil {
		log.Debugf("arbitrating sweep task %d: list unspent for %s: %v", t.ID, sourceAddr, err)
		return
	}
	if len(utxos) == 0 {
		return
	}

	var total dcrutil.Amount
	for _, u := range utxos {
		total += u.Amount
	}
	if int64(total) < t.SweepMinBalance {
		return
	}

	feeRate := defaultSweepFeeRate
	if fee, err := s.client.EstimateSmartFee(ctx, 2); err == nil && fee > 0 {
		feeRate = fee
	}

	tx, swept, err := buildSweepTx(utxos, t.SweepDestAddress, feeRate, s.params)
	if err != nil {
		log.Errorf("arbitrating sweep task %d: build sweep tx: %v", t.ID, err)
		return
	}
	if err := signSweepTx(tx, utxos, t.SweepSourceKeys[0]); err != nil {
		log.Errorf("arbitrating sweep task %d: sign sweep tx: %v", t.ID, err)
		return
	}

	txid, err := s.client.SendRawTransaction(ctx, tx)
	if err != nil {
		log.Errorf("arbitrating sweep task %d: broadcast: %v", t.ID, err)
		return
	}

	log.Infof("arbitrating sweep task %d: swept %v to %s in %s", t.ID, swept, t.SweepDestAddress, txid)
	s.emit(syncer.SyncerEvent{
		Kind: syncer.EventSweepSuccess, TaskID: t.ID, Subscriber: t.Subscriber,
		SweepTxids: []chainhash.Hash{*txid},
	})
	s.state.RemoveTask(t.ID)
}

// p2pkhAddressFromPrivKey derives the P2PKH address a raw secp256k1 private
// key pays to, so the syncer can look up that address's spendable outputs
// without the task having to carry a redundant address string alongside
// the key that determines it. Grounded on the pubkey-address-to-p2pkh-
// address conversion memwallet.go's keyToAddr helper performs.
func p2pkhAddressFromPrivKey(privKeyBytes []byte, params *chaincfg.Params) (string, error) {
	priv := secp256k1.PrivKeyFromBytes(privKeyBytes)
	pubKeyAddr, err := stdaddr.NewAddressPubKeyEcdsaSecp256k1V0Raw(
		priv.PubKey().SerializeCompressed(), params)
	if err != nil {
		return "", fmt.Errorf("derive sweep source address: %w", err)
	}
	return pubKeyAddr.AddressPubKeyHash().String(), nil
}

// buildSweepTx spends every utxo entirely to destAddress, subtracting a fee
// estimated at feeRate atoms/KB from the swept total. There is no change
// output since a sweep is defined as emptying the source address (spec
// §4.3's TaskSweepAddress: "sweeps the balance... to a destination").
func buildSweepTx(utxos []UTXO, destAddress string, feeRate dcrutil.Amount,
	params *chaincfg.Params) (*wire.MsgTx, dcrutil.Amount, error) {

	addr, err := stdaddr.DecodeAddress(destAddress, params)
	if err != nil {
		return nil, 0, fmt.Errorf("decode sweep destination: %w", err)
	}
	_, destScript := addr.PaymentScript()

	var total dcrutil.Amount
	tx := wire.NewMsgTx()
	for _, u := range utxos {
		total += u.Amount
		tx.AddTxIn(wire.NewTxIn(&u.Outpoint, int64(u.Amount), nil))
	}

	size := txOverheadSize + len(utxos)*p2pkhInputSize + p2pkhOutputSize
	fee := feeRate * dcrutil.Amount(size) / 1000
	out := total - fee
	if out <= 0 {
		return nil, 0, fmt.Errorf("swept amount %v too small to cover estimated fee %v", total, fee)
	}

	tx.AddTxOut(wire.NewTxOut(int64(out), destScript))
	return tx, out, nil
}

// signSweepTx signs every input of tx with privKeyBytes, the single key
// every swept P2PKH output shares (the same spend key backs every output
// a swap credits to its own sweep address), mirroring signer.go's direct
// sign.SignatureScript call rather than the wallet-backed DerivePrivKey
// indirection that call site uses — a sweep's key comes straight from the
// swap's own recovered wallet state, not a lookup against a watch-only
// wallet.
func signSweepTx(tx *wire.MsgTx, utxos []UTXO, privKeyBytes []byte) error {
	for i, u := range utxos {
		sigScript, err := sign.SignatureScript(tx, i, u.PkScript, txscript.SigHashAll,
			privKeyBytes, dcrec.STEcdsaSecp256k1, true)
		if err != nil {
			return fmt.Errorf("sign sweep input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}
