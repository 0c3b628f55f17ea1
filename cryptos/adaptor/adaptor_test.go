package adaptor

import (
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/stretchr/testify/require"
)

func randScalar(t *testing.T) *secp256k1.ModNScalar {
	t.Helper()
	var buf [32]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	var s secp256k1.ModNScalar
	s.SetBytes(&buf)
	require.False(t, s.IsZero())
	return &s
}

func TestPreSignatureVerifiesAndAdaptsCorrectly(t *testing.T) {
	priv := randScalar(t)
	var pub secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(priv, &pub)
	pub.ToAffine()

	adaptorSecret := randScalar(t)
	var encryptionPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(adaptorSecret, &encryptionPoint)
	encryptionPoint.ToAffine()

	msg := []byte("buy procedure signature transcript")

	pre, err := Sign(rand.Reader, priv, &pub, &encryptionPoint, msg)
	require.NoError(t, err)
	require.NoError(t, VerifyPreSignature(pre, &pub, &encryptionPoint, msg))

	sig := Adapt(pre, adaptorSecret)
	require.NoError(t, Verify(sig, &pub, msg))

	extracted := Extract(sig, pre)
	require.True(t, extracted.Equals(adaptorSecret))
}

func TestVerifyPreSignatureRejectsWrongEncryptionPoint(t *testing.T) {
	priv := randScalar(t)
	var pub secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(priv, &pub)
	pub.ToAffine()

	t1 := randScalar(t)
	var encryptionPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(t1, &encryptionPoint)
	encryptionPoint.ToAffine()

	t2 := randScalar(t)
	var wrongPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(t2, &wrongPoint)
	wrongPoint.ToAffine()

	msg := []byte("transcript")
	pre, err := Sign(rand.Reader, priv, &pub, &encryptionPoint, msg)
	require.NoError(t, err)

	require.ErrorIs(t, VerifyPreSignature(pre, &pub, &wrongPoint, msg), ErrVerificationFailed)
}

func TestExtractRecoversAdaptorSecretOnly(t *testing.T) {
	priv := randScalar(t)
	var pub secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(priv, &pub)
	pub.ToAffine()

	adaptorSecret := randScalar(t)
	var encryptionPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(adaptorSecret, &encryptionPoint)
	encryptionPoint.ToAffine()

	msg := []byte("transcript")
	pre, err := Sign(rand.Reader, priv, &pub, &encryptionPoint, msg)
	require.NoError(t, err)

	sig := Adapt(pre, adaptorSecret)
	recovered := Extract(sig, pre)
	require.True(t, recovered.Equals(adaptorSecret))
}
