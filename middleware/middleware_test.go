package middleware

import (
	"context"
	"testing"
	"time"

	"dfs-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Payload: []byte("ok")}
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return &message.Response{Payload: []byte("ok")}
}

func newRequest() *message.Request {
	return &message.Request{
		Header: message.RequestHeader{CallID: 7, RetryCount: 0},
		Method: message.MethodHeader{MethodName: "getFileInfo"},
	}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zaptest.NewLogger(t))(echoHandler)
	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Payload))

	failing := LoggingMiddleware(zaptest.NewLogger(t))(func(context.Context, *message.Request) *message.Response {
		return message.ErrorResponse("java.io.FileNotFoundException", "/missing")
	})
	resp = failing(context.Background(), newRequest())
	assert.True(t, resp.Failed())
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), newRequest())
	assert.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), newRequest())
	require.True(t, resp.Failed())
	assert.Equal(t, "request timed out", resp.ErrorMsg)
	assert.Equal(t, TimeoutException, resp.ExceptionClass)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		assert.False(t, resp.Failed(), "request %d should pass", i)
	}
	resp := handler(context.Background(), newRequest())
	require.True(t, resp.Failed())
	assert.Equal(t, "rate limit exceeded", resp.ErrorMsg)
}

func TestRecovery(t *testing.T) {
	handler := RecoveryMiddleware(zaptest.NewLogger(t))(func(context.Context, *message.Request) *message.Response {
		panic("boom")
	})
	resp := handler(context.Background(), newRequest())
	require.True(t, resp.Failed())
	assert.Equal(t, message.ErrorRPCServer, resp.ErrorDetail)
	assert.Contains(t, resp.ErrorMsg, "boom")
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mark("a"), mark("b"), LoggingMiddleware(zaptest.NewLogger(t)), mark("c"))(echoHandler)
	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.False(t, resp.Failed())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
