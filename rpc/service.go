// Package rpc is swapd's gRPC front-end: a hand-written service
// description (no .proto/protoc step) wired onto google.golang.org/grpc,
// grpc-ecosystem's prometheus interceptors, and this module's own
// macaroons package, per SPEC_FULL.md §2's front-end surface (spec §3's
// GetInfo/ListDeals/MakeDeal/TakeDeal/RevokeDeal/SubscribeProgress
// operations). Messages are plain Go structs carried over the JSON codec
// in codec.go rather than generated protobuf types.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Server is the interface swapd's daemon implements to answer RPCs.
type Server interface {
	GetInfo(context.Context, *GetInfoRequest) (*GetInfoResponse, error)
	ListDeals(context.Context, *ListDealsRequest) (*ListDealsResponse, error)
	MakeDeal(context.Context, *MakeDealRequest) (*MakeDealResponse, error)
	TakeDeal(context.Context, *TakeDealRequest) (*TakeDealResponse, error)
	RevokeDeal(context.Context, *RevokeDealRequest) (*RevokeDealResponse, error)
	SubscribeProgress(*ProgressRequest, ProgressServer) error
}

// ProgressServer is the server-streaming handle SubscribeProgress pushes
// ProgressUpdates through, mirroring grpc's generated *_Server interfaces.
type ProgressServer interface {
	Send(*ProgressUpdate) error
	Context() context.Context
}

type progressServer struct {
	grpc.ServerStream
}

func (p *progressServer) Send(u *ProgressUpdate) error { return p.ServerStream.SendMsg(u) }

func _Swapd_GetInfo_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/swapd.Swapd/GetInfo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).GetInfo(ctx, req.(*GetInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Swapd_ListDeals_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListDealsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ListDeals(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/swapd.Swapd/ListDeals"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).ListDeals(ctx, req.(*ListDealsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Swapd_MakeDeal_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MakeDealRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).MakeDeal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/swapd.Swapd/MakeDeal"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).MakeDeal(ctx, req.(*MakeDealRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Swapd_TakeDeal_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TakeDealRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).TakeDeal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/swapd.Swapd/TakeDeal"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).TakeDeal(ctx, req.(*TakeDealRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Swapd_RevokeDeal_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RevokeDealRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).RevokeDeal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/swapd.Swapd/RevokeDeal"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).RevokeDeal(ctx, req.(*RevokeDealRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Swapd_SubscribeProgress_Handler(srv interface{}, stream grpc.ServerStream) error {
	in := new(ProgressRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Server).SubscribeProgress(in, &progressServer{stream})
}

// ServiceDesc is the swapd gRPC service description, registered with a
// *grpc.Server via RegisterSwapdServer.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "swapd.Swapd",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInfo", Handler: _Swapd_GetInfo_Handler},
		{MethodName: "ListDeals", Handler: _Swapd_ListDeals_Handler},
		{MethodName: "MakeDeal", Handler: _Swapd_MakeDeal_Handler},
		{MethodName: "TakeDeal", Handler: _Swapd_TakeDeal_Handler},
		{MethodName: "RevokeDeal", Handler: _Swapd_RevokeDeal_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeProgress",
			Handler:       _Swapd_SubscribeProgress_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "swapd.proto",
}

// RegisterSwapdServer registers srv as the handler for every swapd RPC.
func RegisterSwapdServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
