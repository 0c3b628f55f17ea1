package wallet

import (
	"testing"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"
)

func testKeyManager(t *testing.T, seed byte, index uint32) *KeyManager {
	t.Helper()
	s := make([]byte, 32)
	for i := range s {
		s[i] = seed
	}
	km, err := NewKeyManager(s, index, chaincfg.MainNetParams())
	require.NoError(t, err)
	return km
}

func TestGenerateParametersIncludesPunishOnlyForAlice(t *testing.T) {
	aliceKM := testKeyManager(t, 0xA1, 0)
	bobKM := testKeyManager(t, 0xB2, 0)

	alice := NewAliceState(aliceKM)
	bob := NewBobState(bobKM)

	aliceParams, err := alice.GenerateParameters()
	require.NoError(t, err)
	require.NotNil(t, aliceParams.Punish)

	bobParams, err := bob.GenerateParameters()
	require.NoError(t, err)
	require.Nil(t, bobParams.Punish)
}

func TestCommitRevealRoundTrip(t *testing.T) {
	km := testKeyManager(t, 0xC3, 1)
	alice := NewAliceState(km)
	params, err := alice.GenerateParameters()
	require.NoError(t, err)

	commitment, nonce, err := Commit(nil, params)
	require.NoError(t, err)
	require.True(t, VerifyCommit(commitment, params, nonce))

	tampered := *params
	tampered.Buy = tampered.Cancel
	require.False(t, VerifyCommit(commitment, &tampered, nonce))
}

func TestFullSwapCryptoHappyPath(t *testing.T) {
	aliceKM := testKeyManager(t, 0x01, 42)
	bobKM := testKeyManager(t, 0x02, 42)

	alice := NewAliceState(aliceKM)
	bob := NewBobState(bobKM)

	aliceParams, err := alice.GenerateParameters()
	require.NoError(t, err)
	bobParams, err := bob.GenerateParameters()
	require.NoError(t, err)

	alice.Remote = bobParams
	bob.Remote = aliceParams

	lockTx := wire.NewMsgTx()
	lockTx.AddTxOut(&wire.TxOut{Value: 100_000_000})
	cancelTx := wire.NewMsgTx()
	cancelTx.AddTxOut(&wire.TxOut{Value: 99_900_000})
	refundTx := wire.NewMsgTx()
	refundTx.AddTxOut(&wire.TxOut{Value: 99_800_000})

	var swapID [16]byte
	core, err := bob.CoreArbitratingTransactions(swapID, lockTx, cancelTx, refundTx)
	require.NoError(t, err)
	bob.Core = core
	alice.Core = core

	refundAdaptorSig, err := alice.SignAdaptorRefund(core)
	require.NoError(t, err)
	alice.RefundAdaptorSig = refundAdaptorSig

	require.NoError(t, bob.ValidateAdaptorRefund(refundTx, refundAdaptorSig))

	buyTx := wire.NewMsgTx()
	buyTx.AddTxOut(&wire.TxOut{Value: 99_900_000})

	buyAdaptorSig, err := bob.SignAdaptorBuy(buyTx)
	require.NoError(t, err)

	require.NoError(t, alice.ValidateAdaptorBuy(buyTx, buyAdaptorSig))

	completedBuy, err := alice.FullySignBuy(buyAdaptorSig)
	require.NoError(t, err)

	recoveredByBob, err := bob.RecoverAccordantKey(completedBuy)
	require.NoError(t, err)

	aliceAdaptorPriv, err := aliceKM.Derive(KeyAdaptor)
	require.NoError(t, err)
	require.True(t, recoveredByBob.Equals(aliceAdaptorPriv))
}

func TestValidateAdaptorRefundRejectsForgedSignature(t *testing.T) {
	aliceKM := testKeyManager(t, 0x11, 7)
	bobKM := testKeyManager(t, 0x22, 7)
	forgerKM := testKeyManager(t, 0x33, 7)

	alice := NewAliceState(aliceKM)
	bob := NewBobState(bobKM)
	forger := NewAliceState(forgerKM)

	aliceParams, err := alice.GenerateParameters()
	require.NoError(t, err)
	bobParams, err := bob.GenerateParameters()
	require.NoError(t, err)
	_, err = forger.GenerateParameters()
	require.NoError(t, err)

	alice.Remote = bobParams
	bob.Remote = aliceParams
	forger.Remote = bobParams

	refundTx := wire.NewMsgTx()
	refundTx.AddTxOut(&wire.TxOut{Value: 1})

	var swapID [16]byte
	core := &CoreArbitratingSetup{SwapID: swapID, RefundTx: refundTx}

	forgedSig, err := forger.SignAdaptorRefund(core)
	require.NoError(t, err)

	require.ErrorIs(t, bob.ValidateAdaptorRefund(refundTx, forgedSig), ErrAdaptorSignatureInvalid)
}
