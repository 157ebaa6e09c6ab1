package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// loggingInterceptor returns a UnaryServerInterceptor that logs every call at
// debug level and turns a handler panic into codes.Internal.
func loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("health: handler panic", "method", info.FullMethod, "panic", p)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
			slog.Debug("health: call",
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"took", time.Since(start),
			)
		}()
		return handler(ctx, req)
	}
}
