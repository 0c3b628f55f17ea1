package arbitrating

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/gcs/v3"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"

	"github.com/chainswap/swapd/syncer"
)

// fakeChainClient is a hand-rolled stand-in for a real node connection,
// matching the teacher's preference for small mock structs over a mocking
// framework.
type fakeChainClient struct {
	mu sync.Mutex

	height int64
	hash   chainhash.Hash

	txs map[chainhash.Hash]*RawTxResult

	broadcastErr error
	lastBroadcast *wire.MsgTx

	pingErr error

	utxos []UTXO
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{txs: make(map[chainhash.Hash]*RawTxResult)}
}

func (f *fakeChainClient) GetBlockCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeChainClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash
	return &h, nil
}

func (f *fakeChainClient) GetRawTransactionVerbose(ctx context.Context, txid *chainhash.Hash) (*RawTxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.txs[*txid]
	if !ok {
		return nil, errors.New("no such transaction")
	}
	return res, nil
}

func (f *fakeChainClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return nil, f.broadcastErr
	}
	f.lastBroadcast = tx
	h := tx.TxHash()
	return &h, nil
}

func (f *fakeChainClient) EstimateSmartFee(ctx context.Context, confTarget int64) (dcrutil.Amount, error) {
	return dcrutil.Amount(10000), nil
}

func (f *fakeChainClient) ListUnspentForAddress(ctx context.Context, addr string) ([]UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.utxos, nil
}

func (f *fakeChainClient) Ping(ctx context.Context) error {
	return f.pingErr
}

// GetCFilter has no fake filter data to hand back; returning an error makes
// shouldPollAddresses fail open onto the full per-address scan, which is
// the behavior every existing test in this file was written against.
func (f *fakeChainClient) GetCFilter(ctx context.Context, blockHash chainhash.Hash) (*gcs.FilterV2, [gcs.KeySize]byte, error) {
	return nil, [gcs.KeySize]byte{}, errors.New("fakeChainClient: no compact filter data")
}

func (f *fakeChainClient) setHeight(h int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = h
	f.hash[0]++
}

func recvEvent(t *testing.T, events <-chan syncer.SyncerEvent) syncer.SyncerEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for syncer event")
		return syncer.SyncerEvent{}
	}
}

func TestWatchHeightSynthesizesImmediateEvent(t *testing.T) {
	client := newFakeChainClient()
	client.setHeight(100)

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	// Prime the syncer's view of the chain via one tick.
	require.Eventually(t, func() bool {
		s.Submit(syncer.SyncerTask{Kind: syncer.TaskHealthCheck, Subscriber: "probe"})
		ev := recvEvent(t, events)
		return ev.Kind == syncer.EventHealthResult
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(1100 * time.Millisecond) // let one tick land and record height

	s.Submit(syncer.SyncerTask{Kind: syncer.TaskWatchHeight, Subscriber: "alice"})
	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventHeightChanged, ev.Kind)
	require.Equal(t, uint64(100), ev.Height)
}

func TestBroadcastTransactionSuccess(t *testing.T) {
	client := newFakeChainClient()
	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	tx := wire.NewMsgTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskBroadcastTransaction, ID: 1, Subscriber: "bob", RawTx: buf.Bytes(),
	})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventTransactionBroadcasted, ev.Kind)
	require.Empty(t, ev.BroadcastError)
	require.NotNil(t, client.lastBroadcast)
}

func TestBroadcastTransactionDeferredUntilHeight(t *testing.T) {
	client := newFakeChainClient()
	client.setHeight(5)
	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	tx := wire.NewMsgTx()
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskBroadcastTransaction, ID: 2, Subscriber: "bob",
		RawTx: buf.Bytes(), BroadcastAfterHeight: 1000,
	})

	select {
	case ev := <-events:
		t.Fatalf("unexpected early event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSweepAddressBroadcastsOnceFundsAreSpendable(t *testing.T) {
	privKeyBytes := bytes.Repeat([]byte{0x07}, 32)

	client := newFakeChainClient()
	client.utxos = []UTXO{{
		Outpoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0},
		PkScript: []byte{0x76, 0xa9, 0x14},
		Amount:   dcrutil.Amount(100000),
	}}

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskSweepAddress, ID: 3, Subscriber: "alice",
		SweepSourceKeys:  [][]byte{privKeyBytes},
		SweepDestAddress: "DsQxuVRvS4eaJ42dhQEsCXauMWjvopWgrVg",
	})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventSweepSuccess, ev.Kind)
	require.Len(t, ev.SweepTxids, 1)
	require.NotNil(t, client.lastBroadcast)
	require.Len(t, client.lastBroadcast.TxOut, 1)
}

func TestSweepAddressWaitsForSpendableFunds(t *testing.T) {
	privKeyBytes := bytes.Repeat([]byte{0x07}, 32)

	client := newFakeChainClient()
	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskSweepAddress, ID: 4, Subscriber: "alice",
		SweepSourceKeys:  [][]byte{privKeyBytes},
		SweepDestAddress: "DsQxuVRvS4eaJ42dhQEsCXauMWjvopWgrVg",
	})

	select {
	case ev := <-events:
		t.Fatalf("unexpected sweep before funds arrive: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAbortAllDropsEverySubscriberTask(t *testing.T) {
	client := newFakeChainClient()
	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{Kind: syncer.TaskWatchTransaction, ID: 7, Subscriber: "carol"})
	s.Submit(syncer.SyncerTask{Kind: syncer.TaskAbort, Subscriber: "carol", Target: syncer.TaskTarget{All: true}})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventTaskAborted, ev.Kind)
	require.Equal(t, syncer.TaskID(7), ev.TaskID)
}

// filteredChainClient extends fakeChainClient with a real gcs.FilterV2 so
// the address-watch fast path (shouldPollAddresses) can be exercised
// end-to-end instead of only via its fail-open default.
type filteredChainClient struct {
	*fakeChainClient
	filterKey [gcs.KeySize]byte
	filter    *gcs.FilterV2
}

func (f *filteredChainClient) GetCFilter(ctx context.Context, blockHash chainhash.Hash) (*gcs.FilterV2, [gcs.KeySize]byte, error) {
	return f.filter, f.filterKey, nil
}

func TestAddressWatchSkipsScanWhenFilterDoesNotMatch(t *testing.T) {
	var key [gcs.KeySize]byte
	key[0] = 0x42

	watchedScript := []byte{0x76, 0xa9, 0x14, 0x01}
	unrelatedScript := []byte{0x76, 0xa9, 0x14, 0x02}

	// The block's filter only covers unrelatedScript, so MatchAny against
	// watchedScript must report false and the per-address scan must not run.
	filter, err := gcs.NewFilterV2(gcs.DefaultP, key, [][]byte{unrelatedScript})
	require.NoError(t, err)

	base := newFakeChainClient()
	base.utxos = []UTXO{{Amount: dcrutil.Amount(1000)}}
	client := &filteredChainClient{fakeChainClient: base, filterKey: key, filter: filter}

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskWatchAddress, ID: 9, Subscriber: "dave",
		Addendum: syncer.AddressAddendum{Address: "Dsdummy", ArbScriptPubKey: watchedScript},
	})

	client.setHeight(1)
	time.Sleep(1200 * time.Millisecond)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event delivered while filter should have skipped the scan: %+v", ev)
	default:
	}
}

func TestAddressWatchRunsScanWhenFilterMatches(t *testing.T) {
	var key [gcs.KeySize]byte
	key[0] = 0x42

	watchedScript := []byte{0x76, 0xa9, 0x14, 0x01}

	filter, err := gcs.NewFilterV2(gcs.DefaultP, key, [][]byte{watchedScript})
	require.NoError(t, err)

	base := newFakeChainClient()
	base.txs[chainhash.Hash{}] = &RawTxResult{Tx: &wire.MsgTx{TxOut: []*wire.TxOut{
		{Value: 5000, PkScript: watchedScript},
	}}}
	base.utxos = []UTXO{{Outpoint: wire.OutPoint{Hash: chainhash.Hash{}}, PkScript: watchedScript, Amount: 5000}}
	client := &filteredChainClient{fakeChainClient: base, filterKey: key, filter: filter}

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskWatchAddress, ID: 11, Subscriber: "erin",
		Addendum: syncer.AddressAddendum{Address: "Dsdummy", ArbScriptPubKey: watchedScript},
	})

	client.setHeight(1)

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventAddressTransaction, ev.Kind)
	require.EqualValues(t, 5000, ev.CreditedAmount)
}

