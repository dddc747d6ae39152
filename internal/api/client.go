package api

import (
	"context"
	"fmt"

	"github.com/nixpig/agentshell/internal/supervisor"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the supervisor service and decodes its responses.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Start(ctx context.Context, opts ...grpc.CallOption) (supervisor.Snapshot, error) {
	return c.invoke(ctx, StartFullMethodName, opts...)
}

func (c *Client) Stop(ctx context.Context, opts ...grpc.CallOption) (supervisor.Snapshot, error) {
	return c.invoke(ctx, StopFullMethodName, opts...)
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (supervisor.Snapshot, error) {
	return c.invoke(ctx, StatusFullMethodName, opts...)
}

func (c *Client) invoke(
	ctx context.Context,
	method string,
	opts ...grpc.CallOption,
) (supervisor.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, &emptypb.Empty{}, out, opts...); err != nil {
		return supervisor.Snapshot{}, err
	}

	return DecodeSnapshot(out)
}

// EventStream receives events from the Events method.
type EventStream struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv blocks for the next event. It returns io.EOF when the server ended
// the stream.
func (s *EventStream) Recv() (supervisor.Event, error) {
	msg, err := s.stream.Recv()
	if err != nil {
		return supervisor.Event{}, err
	}

	return DecodeEvent(msg)
}

// Events subscribes to live supervisor events until ctx is done.
func (c *Client) Events(ctx context.Context, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], EventsFullMethodName, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}

	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("send events request: %w", err)
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close events request: %w", err)
	}

	return &EventStream{stream: x}, nil
}
