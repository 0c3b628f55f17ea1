package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "swapd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)

	var swapID [16]byte
	swapID[0] = 0xaa

	_, err := s.GetCheckpoint(swapID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutCheckpoint(swapID, []byte("entry-v1")))
	got, err := s.GetCheckpoint(swapID)
	require.NoError(t, err)
	require.Equal(t, []byte("entry-v1"), got)

	// Whole-record replace: writing again overwrites rather than appends.
	require.NoError(t, s.PutCheckpoint(swapID, []byte("entry-v2")))
	got, err = s.GetCheckpoint(swapID)
	require.NoError(t, err)
	require.Equal(t, []byte("entry-v2"), got)

	require.NoError(t, s.DeleteCheckpoint(swapID))
	_, err = s.GetCheckpoint(swapID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddressSecretKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)

	const addr = "bcrt1qexampleaddress"
	_, err := s.GetAddressSecretKey(addr)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutAddressSecretKey(addr, []byte{1, 2, 3, 4}))
	got, err := s.GetAddressSecretKey(addr)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestDealStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)

	var dealID [16]byte
	dealID[0] = 0x01

	require.NoError(t, s.PutDealStatus(dealID, []byte("open")))
	got, err := s.GetDealStatus(dealID)
	require.NoError(t, err)
	require.Equal(t, []byte("open"), got)

	require.NoError(t, s.PutDealStatus(dealID, []byte("taken")))
	got, err = s.GetDealStatus(dealID)
	require.NoError(t, err)
	require.Equal(t, []byte("taken"), got)
}

func TestListCheckpointIDs(t *testing.T) {
	s := newTestStore(t)

	ids, err := s.ListCheckpointIDs()
	require.NoError(t, err)
	require.Empty(t, ids)

	var a, b [16]byte
	a[0], b[0] = 0x01, 0x02
	require.NoError(t, s.PutCheckpoint(a, []byte("a")))
	require.NoError(t, s.PutCheckpoint(b, []byte("b")))

	ids, err = s.ListCheckpointIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, [][16]byte{a, b}, ids)

	require.NoError(t, s.DeleteCheckpoint(a))
	ids, err = s.ListCheckpointIDs()
	require.NoError(t, err)
	require.Equal(t, [][16]byte{b}, ids)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swapd.db")

	s1, err := Open(path)
	require.NoError(t, err)

	var swapID [16]byte
	swapID[0] = 0x7

	require.NoError(t, s1.PutCheckpoint(swapID, []byte("persisted")))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetCheckpoint(swapID)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}
