package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/nixpig/agentshell/internal/api"
	"github.com/nixpig/agentshell/internal/config"
	"github.com/nixpig/agentshell/internal/supervisor"
	"github.com/nixpig/agentshell/internal/supervisor/broker"
	"github.com/nixpig/agentshell/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type server struct {
	api.UnimplementedSupervisorServiceServer

	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	grpcServer *grpc.Server
}

func newServer(
	sup *supervisor.Supervisor,
	logger *slog.Logger,
	cfg config.ServerConfig,
) (*server, error) {
	s := &server{supervisor: sup, logger: logger}

	unary := []grpc.UnaryServerInterceptor{contextCheckUnaryInterceptor}
	stream := []grpc.StreamServerInterceptor{contextCheckStreamInterceptor}

	var opts []grpc.ServerOption

	if cfg.TLS() {
		tlsCreds, err := loadTLSCreds(cfg)
		if err != nil {
			return nil, fmt.Errorf("load TLS credentials: %w", err)
		}

		opts = append(opts, grpc.Creds(tlsCreds))
		unary = append(unary, authUnaryInterceptor(logger))
		stream = append(stream, authStreamInterceptor(logger))
	} else {
		logger.Warn("TLS not configured, serving plaintext with authorisation disabled")
	}

	opts = append(
		opts,
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)

	s.grpcServer = grpc.NewServer(opts...)

	api.RegisterSupervisorServiceServer(s.grpcServer, s)

	return s, nil
}

func (s *server) serve(listener net.Listener) error {
	return s.grpcServer.Serve(listener)
}

func (s *server) shutdown() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *server) Start(
	ctx context.Context,
	req *emptypb.Empty,
) (*structpb.Struct, error) {
	snap, err := s.supervisor.Start()
	if err != nil {
		return nil, s.mapError("start worker", err)
	}

	return api.EncodeSnapshot(snap), nil
}

func (s *server) Stop(
	ctx context.Context,
	req *emptypb.Empty,
) (*structpb.Struct, error) {
	snap, err := s.supervisor.Stop()
	if err != nil {
		return nil, s.mapError("stop worker", err)
	}

	return api.EncodeSnapshot(snap), nil
}

func (s *server) Status(
	ctx context.Context,
	req *emptypb.Empty,
) (*structpb.Struct, error) {
	return api.EncodeSnapshot(s.supervisor.Status()), nil
}

func (s *server) Events(
	req *emptypb.Empty,
	stream grpc.ServerStreamingServer[structpb.Struct],
) error {
	sub := s.supervisor.Subscribe()

	defer func() {
		if err := sub.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Warn("close event subscription", "err", err)
		}
	}()

	for {
		event, err := sub.Next(stream.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return s.mapError("next event", err)
		}

		if err := stream.Send(api.EncodeEvent(event)); err != nil {
			s.logger.Warn("stream event to client", "sequence", event.Sequence, "err", err)
			return status.Error(codes.DataLoss, "failed to stream event")
		}
	}
}

// mapError translates supervisor errors to gRPC errors.
func (s *server) mapError(logMsg string, err error) error {
	var (
		spawnErr     *supervisor.SpawnError
		terminateErr *supervisor.TerminateError
	)

	switch {
	case errors.As(err, &spawnErr):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, &terminateErr):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, broker.ErrLagged):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, supervisor.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// loadTLSCreds creates the gRPC transport credentials with mTLS enabled.
func loadTLSCreds(cfg config.ServerConfig) (credentials.TransportCredentials, error) {
	tlsConfig, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   cfg.CertPath,
		KeyPath:    cfg.KeyPath,
		CACertPath: cfg.CACertPath,
		Server:     true,
	})
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// contextCheckStreamInterceptor rejects streams with a cancelled context.
func contextCheckStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if ss.Context().Err() != nil {
		return status.FromContextError(ss.Context().Err()).Err()
	}

	return handler(srv, ss)
}
