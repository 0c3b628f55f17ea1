// Package wallet implements WalletState (spec §4.2): all of a swap's
// cryptography, opaque to the SwapStateMachine beyond the messages it
// produces. Grounded on the teacher's lnwallet interface (key/Utxo/
// transaction shapes) and keychain derivation conventions, generalized from
// "one channel's funding key" to "one swap's full key set".
package wallet

import (
	"fmt"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v3"
	"github.com/decred/dcrd/hdkeychain/v3"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
)

// KeyIndex names one of a swap's per-role derived keys. Both Alice's and
// Bob's key sets use the same index space; which indices are populated
// depends on SwapRole (punish is Alice-only, per spec §3).
type KeyIndex uint32

const (
	KeyBuy KeyIndex = iota
	KeyCancel
	KeyRefund
	KeyPunish
	KeyAdaptor
	KeySpend
	KeyView

	// KeyFunding is Bob's pre-swap arbitrating-chain funding address key
	// (spec §4.1 StartMaker: "funding address + key stored (Bob only)"),
	// distinct from KeyBuy/KeyCancel/etc because it is derived and
	// persisted before any Parameters exchange, and must still resolve to
	// the same address if the swap account is ever re-derived from seed.
	KeyFunding

	keyIndexCount
)

// KeyManager derives a swap's entire key set from a single root seed and a
// monotonic per-swap account index, per spec §4.2 ("the same (seed, index)
// MUST yield identical keys across restarts"). Grounded on the teacher's
// hdkeychain-based account derivation (mirrors dcrwallet's BIP32-style
// account/branch/index path, generalized to one branch per swap-local key
// role instead of one branch per channel).
type KeyManager struct {
	params    *chaincfg.Params
	swapIndex uint32
	account   *hdkeychain.ExtendedKey
}

// NewKeyManager derives the per-swap account extended key from seed at
// swapIndex and returns a KeyManager bound to it. seed is never retained
// beyond this call; only the derived account key is kept in memory.
func NewKeyManager(seed []byte, swapIndex uint32, params *chaincfg.Params) (*KeyManager, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	defer master.Zero()

	// Hardened per-swap account, mirroring BIP44's hardened-account
	// convention so a leaked child key never exposes the parent.
	account, err := master.Child(hdkeychain.HardenedKeyStart + swapIndex)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive swap account %d: %w", swapIndex, err)
	}

	return &KeyManager{params: params, swapIndex: swapIndex, account: account}, nil
}

// Derive returns the private scalar for the given key role, deterministic
// in (seed, swapIndex, role).
func (m *KeyManager) Derive(role KeyIndex) (*secp256k1.ModNScalar, error) {
	child, err := m.account.Child(uint32(role))
	if err != nil {
		return nil, fmt.Errorf("wallet: derive key role %d: %w", role, err)
	}

	priv, err := child.SerializedPrivKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: extract private key for role %d: %w", role, err)
	}

	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(priv)
	zero(priv)
	if overflow != 0 || scalar.IsZero() {
		return nil, fmt.Errorf("wallet: derived key for role %d is out of range", role)
	}
	return &scalar, nil
}

// PublicKey returns the Jacobian public point for the given key role without
// materializing the private scalar beyond this call's stack frame.
func (m *KeyManager) PublicKey(role KeyIndex) (*secp256k1.JacobianPoint, error) {
	priv, err := m.Derive(role)
	if err != nil {
		return nil, err
	}
	var pub secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(priv, &pub)
	pub.ToAffine()
	return &pub, nil
}

// FundingAddress derives Bob's funding address (spec §4.1 StartMaker) and
// returns it, its output script (for the arbitrating syncer's watch
// subscription), and the raw secret scalar that spends it, for the caller
// to persist via storage.KVStore.PutAddressSecretKey before subscribing the
// address. The address is a standard P2PKH encoding of the funding key's
// public point, the same shape keyToAddr-style helpers in the ecosystem use
// for a single-sig wallet address.
func (m *KeyManager) FundingAddress() (address string, script, secret []byte, err error) {
	priv, err := m.Derive(KeyFunding)
	if err != nil {
		return "", nil, nil, err
	}
	var pub secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(priv, &pub)
	pub.ToAffine()

	pubKey := secp256k1.NewPublicKey(&pub.X, &pub.Y)
	addr, err := stdaddr.NewAddressPubKeyEcdsaSecp256k1V0Raw(pubKey.SerializeCompressed(), m.params)
	if err != nil {
		return "", nil, nil, fmt.Errorf("wallet: build funding address: %w", err)
	}
	pkHashAddr := addr.AddressPubKeyHash()
	_, pkScript := pkHashAddr.PaymentScript()

	secretBytes := priv.Bytes()
	return pkHashAddr.String(), pkScript, secretBytes[:], nil
}

// Zero destroys the account extended key material in place.
func (m *KeyManager) Zero() {
	m.account.Zero()
}

// zero overwrites a private-key byte slice in place. Go offers no hard
// guarantee against a copy surviving in a moved/reallocated backing array,
// but this matches the best-effort zeroization the teacher's wallet layer
// performs before a private key buffer goes out of scope.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
