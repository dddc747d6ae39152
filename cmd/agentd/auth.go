package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nixpig/agentshell/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func authUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := authorise(ctx, info.FullMethod, logger); err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

func authStreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := authorise(ss.Context(), info.FullMethod, logger); err != nil {
			return err
		}

		return handler(srv, ss)
	}
}

func authorise(ctx context.Context, method string, logger *slog.Logger) error {
	id, err := auth.Authorise(ctx, method)

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		logger.Warn("failed to get client identity", "method", method, "err", err)
		return status.Error(codes.Unauthenticated, "not authenticated")

	case err != nil:
		logger.Warn(
			"failed to authorise client",
			"cn", id.CommonName,
			"role", id.Role,
			"method", method,
			"err", err,
		)

		return status.Error(codes.PermissionDenied, "not authorised")
	}

	logger.Debug(
		"authorised client request",
		"cn", id.CommonName,
		"role", id.Role,
		"method", method,
	)

	return nil
}
