// ABOUTME: Tests for gRPC authentication interceptors
// ABOUTME: Covers bearer metadata, exempt methods and stream context wrapping

package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	checkMethod = "/grpc.health.v1.Health/Check"
	watchMethod = "/grpc.health.v1.Health/Watch"
)

func contextWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{"authorization": "Bearer " + token})
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestUnaryInterceptor(t *testing.T) {
	verifier := mustVerifier(t)
	token, _ := verifier.Generate("probe", time.Hour)

	tests := []struct {
		name     string
		ctx      context.Context
		method   string
		wantCode codes.Code
	}{
		{"valid token", contextWithAuth(token), watchMethod, codes.OK},
		{"no metadata", context.Background(), watchMethod, codes.Unauthenticated},
		{"missing header", metadata.NewIncomingContext(context.Background(), metadata.New(nil)), watchMethod, codes.Unauthenticated},
		{"bad token", contextWithAuth("garbage"), watchMethod, codes.Unauthenticated},
		{"exempt method", context.Background(), checkMethod, codes.OK},
	}

	interceptor := UnaryInterceptor(verifier, nil, checkMethod)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := func(ctx context.Context, req any) (any, error) {
				return "ok", nil
			}
			_, err := interceptor(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if status.Code(err) != tt.wantCode {
				t.Errorf("code = %v, want %v (err %v)", status.Code(err), tt.wantCode, err)
			}
		})
	}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func TestStreamInterceptor_AttachesIdentity(t *testing.T) {
	verifier := mustVerifier(t)
	token, _ := verifier.Generate("probe", time.Hour)

	var got *Identity
	handler := func(srv any, ss grpc.ServerStream) error {
		got = FromContext(ss.Context())
		return nil
	}

	interceptor := StreamInterceptor(verifier, nil)
	err := interceptor(nil, &mockServerStream{ctx: contextWithAuth(token)}, &grpc.StreamServerInfo{FullMethod: watchMethod}, handler)
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got == nil || got.Subject != "probe" {
		t.Errorf("identity = %+v, want subject probe", got)
	}
}

func TestStreamInterceptor_RejectsMissingToken(t *testing.T) {
	verifier := mustVerifier(t)

	called := false
	handler := func(srv any, ss grpc.ServerStream) error {
		called = true
		return nil
	}

	interceptor := StreamInterceptor(verifier, nil)
	err := interceptor(nil, &mockServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: watchMethod}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
	if called {
		t.Error("handler should not be called")
	}
}
