package temporalsafety

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		CancelTimelock: 10,
		PunishTimelock: 30,
		ArbFinality:    1,
		ArbSafety:      3,
		AccFinality:    6,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.ArbSafety = 0
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = testConfig()
	bad.CancelTimelock = 1
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = testConfig()
	bad.PunishTimelock = bad.CancelTimelock
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestCancelPossibleBoundary(t *testing.T) {
	c := testConfig()
	require.False(t, c.CancelPossible(c.CancelTimelock-1))
	require.True(t, c.CancelPossible(c.CancelTimelock))
}

func TestPunishPossibleBoundary(t *testing.T) {
	c := testConfig()
	threshold := c.PunishTimelock - c.CancelTimelock
	require.False(t, c.PunishPossible(threshold-1))
	require.True(t, c.PunishPossible(threshold))
}

func TestSafeBuy(t *testing.T) {
	c := testConfig()

	// Accordant lock immature.
	require.False(t, c.SafeBuy(c.ArbSafety, c.AccFinality-1))

	// Arbitrating lock not yet at safety depth.
	require.False(t, c.SafeBuy(c.ArbSafety-1, c.AccFinality))

	// Too close to cancel: blocks_until_cancel_possible < arb_safety.
	closeToCancel := c.CancelTimelock - (c.ArbSafety - 1)
	require.False(t, c.SafeBuy(closeToCancel, c.AccFinality))

	// All three conditions satisfied.
	require.True(t, c.SafeBuy(c.ArbSafety, c.AccFinality))
}

func TestFinalTx(t *testing.T) {
	require.False(t, FinalTx(0, 1))
	require.True(t, FinalTx(1, 1))
	require.True(t, FinalTx(5, 1))
}
