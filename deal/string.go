package deal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/bech32"
)

// hrp is the bech32 human-readable prefix for printable PublicDeal strings,
// chosen to visually identify a pasted deal string at a glance (mirrors
// zpay32's "ln"+currency-prefix convention).
const hrp = "deal"

// String returns the printable, checksummed form of a PublicDeal: a bech32
// encoding of the canonical binary PublicDeal.Encode() output, prefixed with
// "deal1". This is the representation exchanged out-of-band between
// counterparties (§6 Deal string) and shown by swapcli; it is never sent
// over the wire, where the binary encoding is used directly (see
// SPEC_FULL.md Open-question resolutions).
func (p *PublicDeal) String() string {
	converted, err := bech32.ConvertBits(p.Encode(), 8, 5, true)
	if err != nil {
		// Encode() always produces well-formed bytes; ConvertBits can
		// only fail on programmer error.
		panic(fmt.Sprintf("deal: bech32 ConvertBits: %v", err))
	}

	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		panic(fmt.Sprintf("deal: bech32 Encode: %v", err))
	}

	return encoded
}

// ParseString decodes a printable deal string produced by String back into a
// PublicDeal, validating the bech32 checksum.
func ParseString(s string) (*PublicDeal, error) {
	s = strings.TrimSpace(s)

	gotHRP, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDealString, err)
	}
	if gotHRP != hrp {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrMalformedDealString, gotHRP)
	}

	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDealString, err)
	}

	return DecodePublic(raw)
}

// ErrMalformedDealString is returned when a printable deal string fails its
// bech32 checksum or cannot be split into a valid hrp/data pair.
var ErrMalformedDealString = errors.New("malformed deal string")
