package middleware

import (
	"context"
	"time"

	"dfs-rpc/message"
)

// TimeOutMiddleware answers with a retriable error when next does not return in time.
// next keeps running with a cancelled context; its late response is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(TimeoutException, "request timed out")
			}
		}
	}
}
