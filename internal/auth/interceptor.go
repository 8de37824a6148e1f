// ABOUTME: gRPC interceptors authenticating callers with JWT bearer metadata
// ABOUTME: Exempt methods (such as health Check) pass through unauthenticated

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates
// requests. Methods listed in exempt skip authentication.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger, exempt ...string) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isExempt(info.FullMethod, exempt) {
			return handler(ctx, req)
		}
		id, err := extractIdentity(ctx, tokens, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates
// requests. Methods listed in exempt skip authentication.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger, exempt ...string) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isExempt(info.FullMethod, exempt) {
			return handler(srv, ss)
		}
		id, err := extractIdentity(ss.Context(), tokens, logger)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func isExempt(method string, exempt []string) bool {
	for _, m := range exempt {
		if m == method {
			return true
		}
	}
	return false
}

func extractIdentity(ctx context.Context, tokens TokenVerifier, logger *slog.Logger) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization")
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	if !strings.HasPrefix(authHeaders[0], "Bearer ") {
		logAuthFailure(logger, ctx, "bad_authorization_format")
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	id, err := tokens.Verify(strings.TrimPrefix(authHeaders[0], "Bearer "))
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return id, nil
}
