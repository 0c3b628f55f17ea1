package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is swapcli's hand-written stub for the Swapd service, playing the
// role a protoc-generated *Client would: each method is a thin wrapper
// around the shared *grpc.ClientConn's Invoke/NewStream.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection (dialed with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)) so every
// call uses this package's JSON codec).
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) GetInfo(ctx context.Context, req *GetInfoRequest) (*GetInfoResponse, error) {
	out := new(GetInfoResponse)
	if err := c.conn.Invoke(ctx, "/swapd.Swapd/GetInfo", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDeals(ctx context.Context, req *ListDealsRequest) (*ListDealsResponse, error) {
	out := new(ListDealsResponse)
	if err := c.conn.Invoke(ctx, "/swapd.Swapd/ListDeals", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MakeDeal(ctx context.Context, req *MakeDealRequest) (*MakeDealResponse, error) {
	out := new(MakeDealResponse)
	if err := c.conn.Invoke(ctx, "/swapd.Swapd/MakeDeal", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TakeDeal(ctx context.Context, req *TakeDealRequest) (*TakeDealResponse, error) {
	out := new(TakeDealResponse)
	if err := c.conn.Invoke(ctx, "/swapd.Swapd/TakeDeal", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RevokeDeal(ctx context.Context, req *RevokeDealRequest) (*RevokeDealResponse, error) {
	out := new(RevokeDealResponse)
	if err := c.conn.Invoke(ctx, "/swapd.Swapd/RevokeDeal", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProgressClient is the client-side handle for a SubscribeProgress stream.
type ProgressClient interface {
	Recv() (*ProgressUpdate, error)
}

type progressClient struct {
	grpc.ClientStream
}

func (p *progressClient) Recv() (*ProgressUpdate, error) {
	out := new(ProgressUpdate)
	if err := p.ClientStream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubscribeProgress(ctx context.Context, req *ProgressRequest) (ProgressClient, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/swapd.Swapd/SubscribeProgress")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &progressClient{stream}, nil
}
