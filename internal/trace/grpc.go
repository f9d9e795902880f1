package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryServerInterceptor continues the caller's trace (or starts one) for incoming gRPC calls.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = extractMetadata(ctx)
		resp, err := handler(ctx, req)
		if err != nil {
			Logger(ctx).Debug("grpc call failed", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

// StreamServerInterceptor does the same for streaming calls such as Health/Watch.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &tracedStream{ServerStream: ss, ctx: extractMetadata(ss.Context())})
	}
}

// UnaryClientInterceptor sends the current trace to the server as metadata.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if tc, ok := FromContext(ctx); ok {
			ctx = metadata.AppendToOutgoingContext(ctx, TraceIDKey, tc.TraceID, SpanIDKey, tc.SpanID)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context { return s.ctx }

func extractMetadata(ctx context.Context) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)
	return WithContext(ctx, continueFrom(first(md, TraceIDKey), first(md, SpanIDKey)))
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
