// Package temporalsafety implements the pure confirmation/timelock
// arithmetic (spec §4.5) that decides whether a SwapStateMachine transition
// is safe, possible, or too late. Every function here is side-effect free so
// it can be re-evaluated on every height-changed event without fear of
// drift, and so restored checkpoints reproduce identical decisions.
package temporalsafety

import (
	"errors"
	"fmt"
)

// Config mirrors spec §3's TemporalSafety config tuple.
type Config struct {
	// CancelTimelock is the arbitrating-lock confirmation depth at which
	// the cancel transaction becomes broadcastable.
	CancelTimelock uint32

	// PunishTimelock is the arbitrating-lock confirmation depth at which
	// the punish transaction becomes broadcastable; always > CancelTimelock.
	PunishTimelock uint32

	// ArbFinality is the confirmation depth beyond which an arbitrating
	// chain transaction is considered final.
	ArbFinality uint32

	// ArbSafety is the minimum arbitrating-lock confirmation depth at
	// which Bob may publish buy; always >= ArbFinality.
	ArbSafety uint32

	// AccFinality is the confirmation depth beyond which an accordant
	// chain transaction is considered final (the "Monero maturity"
	// threshold).
	AccFinality uint32
}

// Validate checks the relations required by spec §3: arb_safety >=
// arb_finality and cancel_timelock >= arb_safety + arb_finality. A machine
// configured outside these relations must refuse to start.
func (c Config) Validate() error {
	if c.ArbSafety < c.ArbFinality {
		return fmt.Errorf("%w: arb_safety=%d < arb_finality=%d", ErrInvalidConfig, c.ArbSafety, c.ArbFinality)
	}
	if c.CancelTimelock < c.ArbSafety+c.ArbFinality {
		return fmt.Errorf("%w: cancel_timelock=%d < arb_safety+arb_finality=%d",
			ErrInvalidConfig, c.CancelTimelock, c.ArbSafety+c.ArbFinality)
	}
	if c.PunishTimelock <= c.CancelTimelock {
		return fmt.Errorf("%w: punish_timelock=%d <= cancel_timelock=%d",
			ErrInvalidConfig, c.PunishTimelock, c.CancelTimelock)
	}
	return nil
}

// ErrInvalidConfig is returned by Validate when the configured relations
// between timelocks and confirmation thresholds do not hold.
var ErrInvalidConfig = errors.New("temporal safety config violates required relations")

// FinalTx reports whether a transaction with confs confirmations on the
// named side is final. finality is ArbFinality or AccFinality depending on
// the chain.
func FinalTx(confs, finality uint32) bool {
	return confs >= finality
}

// CancelPossible reports whether the cancel transaction may now be
// broadcast, given the arbitrating lock's confirmation count.
func (c Config) CancelPossible(arbLockConfs uint32) bool {
	return arbLockConfs >= c.CancelTimelock
}

// BlocksUntilCancelPossible returns how many further arbitrating blocks must
// be mined before cancel becomes possible; zero once it already is.
func (c Config) BlocksUntilCancelPossible(arbLockConfs uint32) uint32 {
	if arbLockConfs >= c.CancelTimelock {
		return 0
	}
	return c.CancelTimelock - arbLockConfs
}

// SafeBuy implements the safe-buy rule of spec §4.1: Bob may publish buy
// only once the accordant lock has matured, the arbitrating lock has
// reached arb_safety confirmations, and at least arb_safety blocks remain
// before Alice could cancel.
func (c Config) SafeBuy(arbLockConfs, accLockConfs uint32) bool {
	if accLockConfs < c.AccFinality {
		return false
	}
	if arbLockConfs < c.ArbSafety {
		return false
	}
	return c.BlocksUntilCancelPossible(arbLockConfs) >= c.ArbSafety
}

// PunishPossible reports whether the punish transaction may now be
// broadcast, given the cancel transaction's confirmation count.
func (c Config) PunishPossible(cancelConfs uint32) bool {
	return cancelConfs >= (c.PunishTimelock - c.CancelTimelock)
}

// BlocksUntilPunishPossible returns how many further arbitrating blocks must
// be mined, after cancel, before punish becomes possible.
func (c Config) BlocksUntilPunishPossible(cancelConfs uint32) uint32 {
	threshold := c.PunishTimelock - c.CancelTimelock
	if cancelConfs >= threshold {
		return 0
	}
	return threshold - cancelConfs
}
