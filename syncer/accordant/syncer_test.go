package accordant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainswap/swapd/syncer"
)

type fakeDaemonClient struct {
	mu sync.Mutex

	height     uint64
	outputs    []Output
	pingErr    error
	transferID string
	transferErr error
}

func (f *fakeDaemonClient) Height(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeDaemonClient) ScanOutputs(ctx context.Context, viewKey, spendPublicKey []byte, fromHeight uint64) ([]Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs, nil
}

func (f *fakeDaemonClient) Transfer(ctx context.Context, viewKey, spendPublicKey []byte, destAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return f.transferID, nil
}

func (f *fakeDaemonClient) Ping(ctx context.Context) error {
	return f.pingErr
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

func TestWatchAddressReportsScannedOutputs(t *testing.T) {
	client := &fakeDaemonClient{
		height:  500,
		outputs: []Output{{TxID: "deadbeef", Amount: 1000, Confirmations: 10}},
	}

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskWatchAddress, ID: 1, Subscriber: "alice",
		Addendum: syncer.AddressAddendum{
			AccViewKey:        []byte("view-key"),
			AccSpendPublicKey: []byte("spend-pub"),
		},
	})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventAddressTransaction, ev.Kind)
	require.Equal(t, int64(1000), ev.CreditedAmount)
}

func TestSweepAddressEmitsTxid(t *testing.T) {
	client := &fakeDaemonClient{
		transferID: "1111111111111111111111111111111111111111111111111111111111111111",
	}

	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskSweepAddress, ID: 2, Subscriber: "bob",
		SweepSourceKeys:  [][]byte{[]byte("view"), []byte("spend")},
		SweepDestAddress: "dest-address",
	})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventSweepSuccess, ev.Kind)
	require.Len(t, ev.SweepTxids, 1)
}

func TestAbortSingleTaskDropsOnlyThatTask(t *testing.T) {
	client := &fakeDaemonClient{}
	s, events := New(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Submit(syncer.SyncerTask{Kind: syncer.TaskWatchAddress, ID: 9, Subscriber: "carol"})
	s.Submit(syncer.SyncerTask{
		Kind: syncer.TaskAbort, Subscriber: "carol",
		Target: syncer.TaskTarget{TaskID: 9},
	})

	ev := recvEvent(t, events)
	require.Equal(t, syncer.EventTaskAborted, ev.Kind)
	require.Equal(t, syncer.TaskID(9), ev.TaskID)
}
