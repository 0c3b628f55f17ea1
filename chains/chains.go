// Package chains is a small compiled-in registry mapping a
// (arbitrating, accordant) blockchain pair to the default confirmation and
// fee parameters used to seed TemporalSafety and FeeStrategy when a deal
// does not override them. Grounded on the original source's chains.rs
// chain-pair table (SPEC_FULL.md §3 "chains.rs-style chain registry").
package chains

import (
	"errors"
	"fmt"
)

// Pair identifies the two chains a swap moves value between.
type Pair struct {
	Arbitrating string
	Accordant   string
}

// Defaults are the compiled-in temporal and fee parameters for a chain pair.
type Defaults struct {
	// ArbFinality is the confirmation depth beyond which the arbitrating
	// chain's reorg risk is considered negligible.
	ArbFinality uint32

	// ArbSafety is the minimum arbitrating-lock confirmation depth at
	// which Bob may safely publish the buy transaction.
	ArbSafety uint32

	// AccFinality is the confirmation depth ("Monero maturity") beyond
	// which the accordant chain's reorg risk is considered negligible.
	AccFinality uint32

	// DefaultFeeSatPerKByteMultiplierBps is applied to the arbitrating
	// syncer's latest fee estimate when a deal's FeeStrategy leaves it
	// unset.
	DefaultFeeSatPerKByteMultiplierBps uint32
}

var registry = map[Pair]Defaults{
	{Arbitrating: "bitcoin", Accordant: "monero"}: {
		ArbFinality:                         1,
		ArbSafety:                           3,
		AccFinality:                         10,
		DefaultFeeSatPerKByteMultiplierBps: 10000,
	},
	{Arbitrating: "bitcoin-testnet", Accordant: "monero-stagenet"}: {
		ArbFinality:                         1,
		ArbSafety:                           1,
		AccFinality:                         5,
		DefaultFeeSatPerKByteMultiplierBps: 10000,
	},
	{Arbitrating: "bitcoin-regtest", Accordant: "monero-regtest"}: {
		ArbFinality:                         1,
		ArbSafety:                           1,
		AccFinality:                         1,
		DefaultFeeSatPerKByteMultiplierBps: 10000,
	},
}

// Lookup returns the compiled-in defaults for a chain pair.
func Lookup(p Pair) (Defaults, error) {
	d, ok := registry[p]
	if !ok {
		return Defaults{}, fmt.Errorf("%w: %s/%s", ErrUnknownChainPair, p.Arbitrating, p.Accordant)
	}
	return d, nil
}

// ErrUnknownChainPair is returned by Lookup for a pair with no compiled-in
// defaults. A deal naming such a pair must supply explicit overrides.
var ErrUnknownChainPair = errors.New("unknown chain pair")
