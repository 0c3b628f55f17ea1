// Package macaroons mints and verifies the bearer macaroons swapd's gRPC
// front-end requires on every call (SPEC_FULL.md §2's ambient auth layer).
// A single root key backs one "admin" macaroon per daemon instance; there
// is no third-party discharge (swapcli always talks to the swapd it holds
// the macaroon for), so this stays on gopkg.in/macaroon.v2 directly rather
// than pulling in macaroon-bakery's third-party-caveat discharge machinery.
package macaroons

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	macaroon "gopkg.in/macaroon.v2"
)

const (
	// rootKeyLen matches the 32-byte root key lnd's macaroon service uses.
	rootKeyLen = 32

	// location identifies the service that issued the macaroon, embedded
	// in the macaroon itself and checked back by callers that support
	// multiple locations; swapd only ever talks to itself so this is a
	// fixed constant rather than a configurable field.
	location = "swapd"
)

// ErrExpired is returned by Verify when the macaroon's timestamp caveat has
// elapsed.
var ErrExpired = errors.New("macaroons: macaroon has expired")

// Service mints and verifies macaroons against a single root key. It has no
// persistence concerns of its own: the root key is generated once and
// written to a file the caller manages (swapd's data directory).
type Service struct {
	rootKey []byte
}

// NewService generates a fresh root key.
func NewService() (*Service, error) {
	key := make([]byte, rootKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("macaroons: generate root key: %w", err)
	}
	return &Service{rootKey: key}, nil
}

// LoadOrCreate reads the root key from path, creating one with 0600
// permissions if the file does not yet exist.
func LoadOrCreate(path string) (*Service, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		svc, err := NewService()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, svc.rootKey, 0600); err != nil {
			return nil, fmt.Errorf("macaroons: persist root key: %w", err)
		}
		return svc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("macaroons: read root key: %w", err)
	}
	if len(raw) != rootKeyLen {
		return nil, fmt.Errorf("macaroons: root key at %s has unexpected length %d", path, len(raw))
	}
	return &Service{rootKey: raw}, nil
}

// timestampCaveat identifies the "time-before" first-party caveat this
// package adds to every minted macaroon, in the same textual-caveat style
// lnd's macaroons package uses ("time-before <RFC3339>").
const timestampCaveatPrefix = "time-before "

// Mint issues a new macaroon scoped to id (e.g. "admin", "readonly") that
// expires after ttl.
func (s *Service) Mint(id string, ttl time.Duration) (*macaroon.Macaroon, error) {
	m, err := macaroon.New(s.rootKey, []byte(id), location, macaroon.LatestVersion)
	if err != nil {
		return nil, fmt.Errorf("macaroons: mint: %w", err)
	}
	expiry := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	if err := m.AddFirstPartyCaveat([]byte(timestampCaveatPrefix + expiry)); err != nil {
		return nil, fmt.Errorf("macaroons: add expiry caveat: %w", err)
	}
	return m, nil
}

// Verify checks raw against the root key and every first-party caveat,
// returning ErrExpired if the timestamp caveat has elapsed, or the
// underlying macaroon verification error otherwise.
func (s *Service) Verify(raw []byte) error {
	m := &macaroon.Macaroon{}
	if err := m.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("macaroons: decode: %w", err)
	}

	var expired bool
	check := func(caveat string) error {
		if len(caveat) <= len(timestampCaveatPrefix) || caveat[:len(timestampCaveatPrefix)] != timestampCaveatPrefix {
			return nil
		}
		deadline, err := time.Parse(time.RFC3339, caveat[len(timestampCaveatPrefix):])
		if err != nil {
			return fmt.Errorf("macaroons: malformed expiry caveat: %w", err)
		}
		if time.Now().After(deadline) {
			expired = true
		}
		return nil
	}

	if err := m.Verify(s.rootKey, check, nil); err != nil {
		return fmt.Errorf("macaroons: verify: %w", err)
	}
	if expired {
		return ErrExpired
	}
	return nil
}
