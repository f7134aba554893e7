package middleware

import (
	"context"
	"fmt"

	"dfs-rpc/message"

	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into an RPC server error.
func RecoveryMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						zap.String("method", req.Method.MethodName),
						zap.Any("panic", r), zap.Stack("stack"))
					resp = &message.Response{
						Status:         message.StatusError,
						ExceptionClass: PanicException,
						ErrorMsg:       fmt.Sprintf("internal error: %v", r),
						ErrorDetail:    message.ErrorRPCServer,
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
