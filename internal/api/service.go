// Package api defines the agent.v1.SupervisorService gRPC service.
//
// Requests are google.protobuf.Empty and responses are google.protobuf.Struct
// values built by the conversions in this package, so the service needs no
// generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "agent.v1.SupervisorService"

const (
	StartFullMethodName  = "/" + ServiceName + "/Start"
	StopFullMethodName   = "/" + ServiceName + "/Stop"
	StatusFullMethodName = "/" + ServiceName + "/Status"
	EventsFullMethodName = "/" + ServiceName + "/Events"
)

// SupervisorServiceServer is the server API for the supervisor service.
type SupervisorServiceServer interface {
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Events(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// UnimplementedSupervisorServiceServer returns Unimplemented for every
// method. Embed it to stay compatible with methods added later.
type UnimplementedSupervisorServiceServer struct{}

func (UnimplementedSupervisorServiceServer) Start(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Start not implemented")
}

func (UnimplementedSupervisorServiceServer) Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Stop not implemented")
}

func (UnimplementedSupervisorServiceServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}

func (UnimplementedSupervisorServiceServer) Events(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Events not implemented")
}

type unaryCall func(SupervisorServiceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(
		srv any,
		ctx context.Context,
		dec func(any) error,
		interceptor grpc.UnaryServerInterceptor,
	) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(SupervisorServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SupervisorServiceServer), ctx, req.(*emptypb.Empty))
		}

		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(SupervisorServiceServer).Events(
		in,
		&grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream},
	)
}

// ServiceDesc is the grpc.ServiceDesc for the supervisor service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SupervisorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Start",
			Handler:    unaryHandler(StartFullMethodName, SupervisorServiceServer.Start),
		},
		{
			MethodName: "Stop",
			Handler:    unaryHandler(StopFullMethodName, SupervisorServiceServer.Stop),
		},
		{
			MethodName: "Status",
			Handler:    unaryHandler(StatusFullMethodName, SupervisorServiceServer.Status),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "agent/v1/supervisor.proto",
}

// RegisterSupervisorServiceServer registers srv with s.
func RegisterSupervisorServiceServer(s grpc.ServiceRegistrar, srv SupervisorServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
