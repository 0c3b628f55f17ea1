// Package storage implements the disk-backed key-value store spec §1 names
// as an external collaborator with a named interface ("the disk-backed
// key-value store used for checkpoints and deal/address records... assumed
// to exist and to satisfy its stated contract"). KVStore is that named
// interface; Store is this module's concrete default, grounded on the
// teacher's dependency on github.com/btcsuite/btcwallet/walletdb (already
// part of its stack) and on watchtower/wtdb's bucket-per-record-kind,
// whole-record-replace CRUD shape (client_db_test.go's CreateClientSession/
// ListClientSessions pattern), generalized from "tower sessions" to
// "checkpoints, address secret keys, deal status records" per spec §6.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"

	// bdb registers the "bdb" (bbolt-backed) walletdb driver used by Open.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

var (
	checkpointBucket = []byte("checkpoints")
	addressKeyBucket = []byte("address-secret-keys")
	dealStatusBucket = []byte("deal-status")
	topLevelBuckets  = [][]byte{checkpointBucket, addressKeyBucket, dealStatusBucket}
)

// walletdbTimeout bounds how long Open waits to acquire the database file
// lock, mirroring the teacher's wallet-open call sites that pass a fixed
// lock-acquisition timeout rather than blocking indefinitely.
const walletdbTimeout = 10 * time.Second

// ErrNotFound is returned when a lookup key has no record.
var ErrNotFound = errors.New("storage: record not found")

// KVStore is the external-collaborator interface spec §1 and §6 describe:
// atomic per-key whole-record replace, keyed by swap id / address / deal id.
// The checkpoint and deal-registry callers depend on this interface, not on
// Store directly, so a different backend can be substituted without
// touching them.
type KVStore interface {
	PutCheckpoint(swapID [16]byte, entry []byte) error
	GetCheckpoint(swapID [16]byte) ([]byte, error)
	DeleteCheckpoint(swapID [16]byte) error

	PutAddressSecretKey(address string, secret []byte) error
	GetAddressSecretKey(address string) ([]byte, error)

	PutDealStatus(dealID [16]byte, status []byte) error
	GetDealStatus(dealID [16]byte) ([]byte, error)

	// ListCheckpointIDs returns the swap id of every persisted checkpoint,
	// letting a restarting daemon restore every resumable swap without
	// requiring a separate index.
	ListCheckpointIDs() ([][16]byte, error)

	Close() error
}

// Store is the walletdb-backed KVStore implementation.
type Store struct {
	db walletdb.DB
}

// Open opens (creating if necessary) a bbolt-backed store at path.
func Open(path string) (*Store, error) {
	db, err := walletdb.Open("bdb", path, true, walletdbTimeout)
	if err != nil {
		db, err = walletdb.Create("bdb", path, true, walletdbTimeout)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", path, err)
		}
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx walletdb.ReadWriteTx) error {
		for _, b := range topLevelBuckets {
			if _, err := tx.CreateTopLevelBucket(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	}, func() {})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket []byte, key, value []byte) error {
	return s.db.Update(func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s missing", bucket)
		}
		// Whole-record replace (spec §5: "writes are atomic per key
		// (whole-record replace)"); Put on an existing key already
		// overwrites it entirely, so there is nothing to delete first.
		return b.Put(key, value)
	}, func() {})
}

func (s *Store) get(bucket []byte, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s missing", bucket)
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) delete(bucket []byte, key []byte) error {
	return s.db.Update(func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(bucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s missing", bucket)
		}
		return b.Delete(key)
	}, func() {})
}

// PutCheckpoint replaces the latest checkpoint for swapID (spec §6:
// "Per-swap checkpoint (latest only; replaces previous)").
func (s *Store) PutCheckpoint(swapID [16]byte, entry []byte) error {
	return s.put(checkpointBucket, swapID[:], entry)
}

// GetCheckpoint retrieves the latest checkpoint for swapID.
func (s *Store) GetCheckpoint(swapID [16]byte) ([]byte, error) {
	return s.get(checkpointBucket, swapID[:])
}

// DeleteCheckpoint removes swapID's checkpoint once the swap reaches a
// terminal outcome and no longer needs to be resumable.
func (s *Store) DeleteCheckpoint(swapID [16]byte) error {
	return s.delete(checkpointBucket, swapID[:])
}

// ListCheckpointIDs returns the swap id of every persisted checkpoint.
func (s *Store) ListCheckpointIDs() ([][16]byte, error) {
	var ids [][16]byte
	err := s.db.View(func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(checkpointBucket)
		if b == nil {
			return fmt.Errorf("storage: bucket %s missing", checkpointBucket)
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 16 {
				return fmt.Errorf("storage: malformed checkpoint key length %d", len(k))
			}
			var id [16]byte
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	}, func() {})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PutAddressSecretKey stores the recovered or generated secret key material
// for a funding Bitcoin-like address or a recovered Monero-like keypair,
// keyed by address (spec §6).
func (s *Store) PutAddressSecretKey(address string, secret []byte) error {
	return s.put(addressKeyBucket, []byte(address), secret)
}

// GetAddressSecretKey retrieves the secret key material stored for address.
func (s *Store) GetAddressSecretKey(address string) ([]byte, error) {
	return s.get(addressKeyBucket, []byte(address))
}

// PutDealStatus stores the status record for a deal (spec §6: "Deal ->
// status records").
func (s *Store) PutDealStatus(dealID [16]byte, status []byte) error {
	return s.put(dealStatusBucket, dealID[:], status)
}

// GetDealStatus retrieves the status record for dealID.
func (s *Store) GetDealStatus(dealID [16]byte) ([]byte, error) {
	return s.get(dealStatusBucket, dealID[:])
}

var _ KVStore = (*Store)(nil)
