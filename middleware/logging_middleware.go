package middleware

import (
	"context"
	"time"

	"dfs-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method.MethodName),
				zap.Int32("call_id", req.Header.CallID),
				zap.Int32("retry_count", req.Header.RetryCount),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Info("call failed", append(fields,
					zap.Stringer("status", resp.Status),
					zap.String("exception", resp.ExceptionClass),
					zap.String("error", resp.ErrorMsg))...)
				return resp
			}
			log.Debug("call served", fields...)
			return resp
		}
	}
}
