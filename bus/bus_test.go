package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendDeliversToDestination(t *testing.T) {
	b := New()
	var swapID [16]byte
	swapID[0] = 1

	dest := SwapService(swapID)
	in := b.Register(dest, 4)

	err := b.Send(Envelope{Channel: Ctl, Source: ServiceID{Kind: Supervisor}, Destination: dest, Payload: "hello"})
	require.NoError(t, err)

	select {
	case env := <-in:
		require.Equal(t, "hello", env.Payload)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestSendUnknownDestination(t *testing.T) {
	b := New()
	err := b.Send(Envelope{Destination: ServiceID{Kind: Other, Name: "nope"}})
	require.ErrorIs(t, err, ErrNoSuchService)
}

func TestSendFullMailboxDropsRatherThanBlocks(t *testing.T) {
	b := New()
	dest := ClientService(1)
	b.Register(dest, 1)

	require.NoError(t, b.Send(Envelope{Destination: dest}))
	err := b.Send(Envelope{Destination: dest})
	require.ErrorIs(t, err, ErrMailboxFull)
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	b := New()
	a := ClientService(1)
	c := ClientService(2)

	inA := b.Register(a, 4)
	inC := b.Register(c, 4)
	b.Subscribe(a, Info)

	b.Publish(Envelope{Channel: Info, Source: ServiceID{Kind: Supervisor}, Payload: 1})

	select {
	case <-inA:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive publish")
	}

	select {
	case <-inC:
		t.Fatal("non-subscriber received publish")
	default:
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b := New()
	server := ServiceID{Kind: Other, Name: "server"}
	client := ClientService(7)

	serverIn := b.Register(server, 4)
	b.Register(client, 4)

	go func() {
		req := <-serverIn
		b.Respond(Envelope{Channel: Info, Source: server, Destination: req.Source, Payload: "pong"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := b.Request(ctx, Envelope{Channel: Info, Source: client, Destination: server, Payload: "ping"})
	require.NoError(t, err)
	require.Equal(t, "pong", resp.Payload)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	b := New()
	server := ServiceID{Kind: Other, Name: "server"}
	client := ClientService(7)
	b.Register(server, 4)
	b.Register(client, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, Envelope{Channel: Info, Source: client, Destination: server})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
