package dleq

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

func TestProveVerifyRoundTrip(t *testing.T) {
	x := randScalar(t)

	proof, pubG, pubH, err := Prove(rand.Reader, x)
	require.NoError(t, err)
	require.NoError(t, Verify(proof, pubG, pubH))
}

func TestVerifyRejectsMismatchedScalars(t *testing.T) {
	x := randScalar(t)
	y := randScalar(t)

	proof, pubG, _, err := Prove(rand.Reader, x)
	require.NoError(t, err)

	_, _, pubHWrong, err := Prove(rand.Reader, y)
	require.NoError(t, err)

	require.ErrorIs(t, Verify(proof, pubG, pubHWrong), ErrVerificationFailed)
}

func TestVerifyRejectsTamperedProof(t *testing.T) {
	x := randScalar(t)
	proof, pubG, pubH, err := Prove(rand.Reader, x)
	require.NoError(t, err)

	tampered := *proof
	tampered.S.Add(x)

	require.ErrorIs(t, Verify(&tampered, pubG, pubH), ErrVerificationFailed)
}
