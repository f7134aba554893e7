package server

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"dfs-rpc/client"
	"dfs-rpc/codec"
	"dfs-rpc/message"
	"dfs-rpc/middleware"
	"dfs-rpc/protocol"
	"dfs-rpc/registry"
	"dfs-rpc/rpcerr"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

var addMethod = codec.NewMethod("add", codec.CodecTypeJSON,
	func() *Args { return new(Args) },
	func() *Reply { return new(Reply) })

const testProtocol = "org.example.ArithProtocol"

func startServer(t *testing.T, setup func(s *Server)) *Server {
	t.Helper()
	s := NewServer(zaptest.NewLogger(t))
	s.SetProtocol(testProtocol)
	Register(s, addMethod, func(ctx context.Context, a *Args) (*Reply, error) {
		return &Reply{Result: a.A + a.B}, nil
	})
	if setup != nil {
		setup(s)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	return s
}

// rawConn 直接按线协议收发帧，不经过客户端引擎
type rawConn struct {
	t *testing.T
	net.Conn
}

func dialRaw(t *testing.T, s *Server, handshake bool) *rawConn {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	c := &rawConn{t: t, Conn: conn}
	_, err = conn.Write(protocol.Preamble(protocol.ServiceClass, protocol.AuthNone))
	require.NoError(t, err)
	if handshake {
		h := &message.RequestHeader{CallID: message.ConnectionContextCallID, RetryCount: -1}
		_, err = conn.Write(protocol.ContextFrame(h, &message.ConnectionContext{EffectiveUser: "alice", Protocol: testProtocol}))
		require.NoError(t, err)
	}
	return c
}

func (c *rawConn) call(id int32, method, proto string, payload []byte) {
	h := &message.RequestHeader{Kind: message.RPCKindProtocolBuffer, CallID: id, ClientID: make([]byte, 16), RetryCount: 2}
	m := &message.MethodHeader{MethodName: method, Protocol: proto, ProtocolVersion: 1}
	_, err := c.Write(protocol.CallFrame(h, m, payload))
	require.NoError(c.t, err)
}

func (c *rawConn) read() (*message.ResponseHeader, []byte) {
	body, err := protocol.Decode(c, 0)
	require.NoError(c.t, err)
	h, payload, err := protocol.ParseResponse(body)
	require.NoError(c.t, err)
	return h, payload
}

func TestServerRawCall(t *testing.T) {
	s := startServer(t, nil)
	c := dialRaw(t, s, true)

	// ping 帧不产生响应
	_, err := c.Write(protocol.PingFrame(&message.RequestHeader{CallID: message.PingCallID, RetryCount: -1}))
	require.NoError(t, err)

	c.call(1, "add", testProtocol, []byte(`{"A":1,"B":2}`))
	h, payload := c.read()
	assert.Equal(t, int32(1), h.SignedCallID())
	assert.Equal(t, message.StatusSuccess, h.Status)
	assert.Equal(t, int32(2), h.RetryCount)
	assert.Len(t, h.ClientID, 16)
	assert.JSONEq(t, `{"Result":3}`, string(payload))
}

func TestServerErrors(t *testing.T) {
	s := startServer(t, func(s *Server) {
		s.Handle("fail", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, &rpcerr.ServerError{Class: "java.io.FileNotFoundException", Message: "/nope"}
		})
		s.Handle("plain", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("disk on fire")
		})
	})
	c := dialRaw(t, s, true)

	c.call(1, "missing", testProtocol, nil)
	h, _ := c.read()
	assert.Equal(t, message.StatusError, h.Status)
	assert.Equal(t, NoSuchMethodClass, h.ExceptionClass)
	assert.Equal(t, message.ErrorNoSuchMethod, h.ErrorDetail)

	c.call(2, "add", "org.example.Other", nil)
	h, _ = c.read()
	assert.Equal(t, NoSuchProtocolClass, h.ExceptionClass)

	c.call(3, "fail", testProtocol, nil)
	h, _ = c.read()
	assert.Equal(t, "java.io.FileNotFoundException", h.ExceptionClass)
	assert.Equal(t, "/nope", h.ErrorMsg)

	c.call(4, "plain", testProtocol, nil)
	h, _ = c.read()
	assert.Equal(t, IOException, h.ExceptionClass)

	c.call(5, "add", testProtocol, []byte("not json"))
	h, _ = c.read()
	assert.Equal(t, DeserializationClass, h.ExceptionClass)
}

func TestServerRequiresContext(t *testing.T) {
	s := startServer(t, nil)
	c := dialRaw(t, s, false)
	c.call(1, "add", testProtocol, []byte(`{}`))
	h, _ := c.read()
	assert.Equal(t, message.StatusFatal, h.Status)
	assert.Equal(t, message.FatalInvalidRPCHeader, h.ErrorDetail)

	// 服务端随后关闭连接
	_, err := protocol.Decode(c, 0)
	assert.Error(t, err)
}

func TestServerParallelRequests(t *testing.T) {
	release := make(chan struct{})
	s := startServer(t, func(s *Server) {
		s.Handle("block", func(ctx context.Context, payload []byte) ([]byte, error) {
			<-release
			return []byte("slow"), nil
		})
	})
	c := dialRaw(t, s, true)
	c.call(1, "block", testProtocol, nil)
	c.call(2, "add", testProtocol, []byte(`{"A":2,"B":2}`))

	// 慢请求不阻塞同一连接上的后续请求
	h, _ := c.read()
	assert.Equal(t, int32(2), h.SignedCallID())
	close(release)
	h, payload := c.read()
	assert.Equal(t, int32(1), h.SignedCallID())
	assert.Equal(t, "slow", string(payload))
}

func TestServerMiddlewareAndCaller(t *testing.T) {
	var seen atomic.Value
	s := startServer(t, func(s *Server) {
		s.Use(middleware.RecoveryMiddleware(zaptest.NewLogger(t)))
		s.Use(middleware.TimeOutMiddleware(50 * time.Millisecond))
		s.Handle("whoami", func(ctx context.Context, payload []byte) ([]byte, error) {
			c, ok := CallerFrom(ctx)
			if !ok {
				return nil, errors.New("no caller")
			}
			seen.Store(c.User)
			return []byte(c.User), nil
		})
		s.Handle("hang", func(ctx context.Context, payload []byte) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	c := dialRaw(t, s, true)
	c.call(1, "whoami", testProtocol, nil)
	h, payload := c.read()
	require.Equal(t, message.StatusSuccess, h.Status)
	assert.Equal(t, "alice", string(payload))
	assert.Equal(t, "alice", seen.Load())

	c.call(2, "hang", testProtocol, nil)
	h, _ = c.read()
	assert.Equal(t, middleware.TimeoutException, h.ExceptionClass)
}

func TestServerShutdownWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	s := NewServer(zaptest.NewLogger(t))
	s.Handle("slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return []byte("done"), nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(l)
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)

	c := dialRaw(t, s, true)
	c.call(1, "slow", testProtocol, nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	// 关闭前在途请求已写回
	h, payload := c.read()
	assert.Equal(t, int32(1), h.SignedCallID())
	assert.Equal(t, "done", string(payload))

	_, err = net.DialTimeout("tcp", l.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerShutdownTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	s := NewServer(zaptest.NewLogger(t))
	s.Handle("stuck", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-block
		return nil, nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(l)
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	c := dialRaw(t, s, true)
	c.call(1, "stuck", testProtocol, nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// Shutdown 开始后到达的请求以 FATAL 拒绝，不再计入在途请求
func TestServerRefusesAfterShutdown(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	s := NewServer(zaptest.NewLogger(t))
	s.Handle("stuck", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-block
		return nil, nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(l)
	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, 5*time.Millisecond)
	c := dialRaw(t, s, true)
	c.call(1, "stuck", testProtocol, nil)
	<-started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx)
	}()
	require.Eventually(t, s.shutdown.Load, time.Second, time.Millisecond)

	c.call(2, "stuck", testProtocol, nil)
	h, _ := c.read()
	assert.Equal(t, int32(2), h.SignedCallID())
	assert.Equal(t, message.StatusFatal, h.Status)
	assert.Equal(t, ServerErrorClass, h.ExceptionClass)

	close(block)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

// 端到端：真实 TCP 上的客户端引擎
func TestEngineAgainstServer(t *testing.T) {
	s := startServer(t, func(s *Server) {
		s.Handle("fail", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, &rpcerr.ServerError{Class: "org.apache.hadoop.security.AccessControlException", Message: "denied"}
		})
	})
	ep, err := registry.ParseEndpoint(s.Addr().String())
	require.NoError(t, err)

	opts := client.DefaultOptions()
	opts.Protocol = testProtocol
	opts.ConnectTimeout = time.Second
	opts.ResponseTimeout = 2 * time.Second
	e, err := client.New(opts, client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer e.Close()

	connected := make(chan error, 1)
	e.Connect("test", []registry.Endpoint{ep}, func(err error) { connected <- err })
	require.NoError(t, <-connected)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		r, err := client.Invoke(ctx, e, addMethod, &Args{A: i, B: i})
		require.NoError(t, err)
		assert.Equal(t, 2*i, r.Result)
	}

	done := make(chan error, 1)
	e.AsyncRPC("fail", nil, nil, func(err error) { done <- err })
	err = <-done
	require.Error(t, err)
	assert.True(t, rpcerr.IsServer(err))
	assert.True(t, strings.Contains(err.Error(), "AccessControlException"))
}
