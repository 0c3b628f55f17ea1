package deal

import (
	"testing"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleDeal(t *testing.T) *Deal {
	t.Helper()
	return &Deal{
		UUID:                  uuid.New(),
		Network:                Testnet,
		ArbitratingBlockchain: "bitcoin",
		AccordantBlockchain:   "monero",
		ArbitratingAmount:     dcrutil.Amount(100_000_000),
		AccordantAmount:       dcrutil.Amount(2_000_000_000_000),
		CancelTimelock:        10,
		PunishTimelock:        30,
		FeeStrategy:           FeeStrategy{SatPerKByteMultiplierBps: 10000},
		MakerRole:             Bob,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDeal(t)
	require.NoError(t, d.Validate())

	got, err := Decode(d.Encode())
	require.NoError(t, err)
	require.True(t, d.Equal(got))
}

func TestEncodeInjective(t *testing.T) {
	d1 := sampleDeal(t)
	d2 := sampleDeal(t)
	d2.AccordantAmount++

	require.False(t, d1.Equal(d2))
	require.NotEqual(t, d1.Encode(), d2.Encode())
}

func TestValidateInvariants(t *testing.T) {
	d := sampleDeal(t)
	d.PunishTimelock = d.CancelTimelock
	require.ErrorIs(t, d.Validate(), ErrPunishNotAfterCancel)

	d = sampleDeal(t)
	d.CancelTimelock = 0
	require.ErrorIs(t, d.Validate(), ErrZeroCancelTimelock)

	d = sampleDeal(t)
	d.AccordantAmount = 0
	require.ErrorIs(t, d.Validate(), ErrAccordantAmountTooSmall)

	d = sampleDeal(t)
	d.Network = Mainnet
	d.ArbitratingAmount = maxArbitratingMainnetAmount + 1
	require.ErrorIs(t, d.Validate(), ErrArbitratingAmountTooLarge)
}

func TestLocalSwapRole(t *testing.T) {
	require.Equal(t, Bob, LocalSwapRole(Bob, Maker))
	require.Equal(t, Alice, LocalSwapRole(Bob, Taker))
	require.Equal(t, Alice, LocalSwapRole(Alice, Maker))
	require.Equal(t, Bob, LocalSwapRole(Alice, Taker))
}

func TestPublicDealEncodeDecode(t *testing.T) {
	p := &PublicDeal{
		Deal:             *sampleDeal(t),
		MakerNodeID:      []byte{0x02, 0x03, 0x04},
		MakerPeerAddress: "/ip4/127.0.0.1/tcp/9944",
	}

	got, err := DecodePublic(p.Encode())
	require.NoError(t, err)
	require.True(t, p.Deal.Equal(&got.Deal))
	require.Equal(t, p.MakerNodeID, got.MakerNodeID)
	require.Equal(t, p.MakerPeerAddress, got.MakerPeerAddress)
}

func TestDealStringRoundTrip(t *testing.T) {
	p := &PublicDeal{
		Deal:             *sampleDeal(t),
		MakerNodeID:      []byte{0x02, 0x03, 0x04},
		MakerPeerAddress: "/ip4/127.0.0.1/tcp/9944",
	}

	s := p.String()
	require.True(t, len(s) > len(hrp))

	got, err := ParseString(s)
	require.NoError(t, err)
	require.True(t, p.Deal.Equal(&got.Deal))
	require.Equal(t, p.MakerPeerAddress, got.MakerPeerAddress)
}

func TestDealStringRejectsBadChecksum(t *testing.T) {
	p := &PublicDeal{Deal: *sampleDeal(t), MakerPeerAddress: "addr"}
	s := p.String()

	// Flip the last character, which is part of the bech32 checksum.
	tampered := s[:len(s)-1] + flipChar(s[len(s)-1])

	_, err := ParseString(tampered)
	require.Error(t, err)
}

func flipChar(c byte) string {
	if c == 'q' {
		return "p"
	}
	return "q"
}
