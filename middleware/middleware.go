// Package middleware wraps server handlers. Chain(A, B, C)(h) runs as A(B(C(h))).
package middleware

import (
	"context"

	"dfs-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Exception classes produced by the middlewares in this package.
const (
	TimeoutException   = "org.apache.hadoop.ipc.RetriableException"
	RateLimitException = "org.apache.hadoop.ipc.RetriableException"
	PanicException     = "org.apache.hadoop.ipc.RpcServerException"
)
