package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"dfs-rpc/codec"
	"dfs-rpc/internal/rpctest"
	"dfs-rpc/message"
	"dfs-rpc/registry"
	"dfs-rpc/rpcerr"
	"dfs-rpc/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	nn1 = registry.Endpoint{Host: "nn1", Port: 8020}
	nn2 = registry.Endpoint{Host: "nn2", Port: 8020}
)

type callResult struct {
	err     error
	payload []byte
}

func newEngine(t *testing.T, dialer transport.Dialer, mutate func(*Options), options ...Option) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.ConnectTimeout = time.Second
	opts.RetryDelay = 0
	opts.ResponseTimeout = 0
	if mutate != nil {
		mutate(&opts)
	}
	options = append([]Option{WithDialer(dialer), WithLogger(zaptest.NewLogger(t))}, options...)
	e, err := New(opts, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Close()
		if pd, ok := dialer.(*rpctest.PipeDialer); ok {
			assert.True(t, pd.Wait(2*time.Second), "peer scripts still running")
		}
	})
	return e
}

func retries(n int) func(*Options) {
	return func(o *Options) { o.MaxRetries = n }
}

func wait[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
	panic("unreachable")
}

func quiet[T any](t *testing.T, ch chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(d):
	}
}

func connect(t *testing.T, e *Engine, eps ...registry.Endpoint) error {
	t.Helper()
	done := make(chan error, 1)
	e.Connect("prod", eps, func(err error) { done <- err })
	return wait(t, done)
}

func call(e *Engine, method string, payload []byte, opts ...CallOption) (*Handle, chan callResult) {
	ch := make(chan callResult, 4)
	var got []byte
	h := e.AsyncRPC(method, payload,
		func(p []byte) error { got = append([]byte(nil), p...); return nil },
		func(err error) { ch <- callResult{err: err, payload: got} },
		opts...)
	return h, ch
}

func echoDialer() *rpctest.PipeDialer {
	return rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		p.Echo()
	})
}

// hangDialer accepts calls and never answers them.
func hangDialer() *rpctest.PipeDialer {
	return rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		for {
			if _, err := p.ReadCall(); err != nil {
				return
			}
		}
	})
}

func TestEngineRoundTrip(t *testing.T) {
	headers := make(chan message.RequestHeader, 1)
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		req, err := p.ReadCall()
		if err != nil {
			return
		}
		headers <- req.Header
		p.Reply(req.Header.CallID, req.Payload)
		p.Echo()
	})
	e := newEngine(t, dialer, nil)
	require.NoError(t, connect(t, e, nn1))

	_, ch := call(e, "getFileInfo", []byte("/user/alice"))
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, "/user/alice", string(res.payload))

	h := wait(t, headers)
	assert.Equal(t, int32(1), h.CallID)
	assert.Equal(t, int32(0), h.RetryCount)
	assert.Len(t, e.ClientID(), 16)
	assert.Equal(t, e.ClientID(), h.ClientID)

	// 已连接时 Connect 立即成功
	require.NoError(t, connect(t, e, nn1))
	assert.Equal(t, 1, dialer.Attempts())
}

func TestEngineCallBeforeConnect(t *testing.T) {
	e := newEngine(t, echoDialer(), nil)
	_, ch := call(e, "m", nil)
	err := wait(t, ch).err
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoints")

	done := make(chan error, 1)
	e.Connect("prod", nil, func(err error) { done <- err })
	assert.Error(t, wait(t, done))
}

func TestEngineConnectRetriesExhausted(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		dialer := &rpctest.RefusingDialer{}
		e := newEngine(t, dialer, retries(n))
		err := connect(t, e, nn1)
		require.Error(t, err)
		assert.Equal(t, rpcerr.KindRetriesExhausted, rpcerr.KindOf(err), "retries=%d", n)
		var re *rpcerr.Error
		require.True(t, errors.As(err, &re))
		assert.Equal(t, n+1, re.Attempts)
		assert.Equal(t, rpcerr.KindConnectFailed, rpcerr.KindOf(re.Err))
		assert.Equal(t, n+1, dialer.Attempts(), "retries=%d", n)
	}
}

func TestEngineCallRetriesExhausted(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
			if p.ReadHandshake() != nil {
				return
			}
			p.ReadCall()
		})
		// 只有第一次能连上, 之后全部拒绝
		dialer.Refuse = func(attempt int, _ string) bool { return attempt > 0 }
		e := newEngine(t, dialer, retries(n))
		require.NoError(t, connect(t, e, nn1))

		_, ch := call(e, "m", nil)
		err := wait(t, ch).err
		var re *rpcerr.Error
		require.True(t, errors.As(err, &re), "retries=%d: %v", n, err)
		assert.Equal(t, rpcerr.KindRetriesExhausted, re.Kind)
		assert.Equal(t, n+1, re.Attempts)
		assert.Equal(t, n+1, dialer.Attempts(), "retries=%d", n)
		quiet(t, ch, 10*time.Millisecond)
	}
}

func TestEngineRetryAfterReset(t *testing.T) {
	headers := make(chan message.RequestHeader, 2)
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		req, err := p.ReadCall()
		if err != nil {
			return
		}
		headers <- req.Header
		if p.Attempt == 0 {
			return // drop the connection
		}
		p.Reply(req.Header.CallID, []byte("second time lucky"))
		p.Echo()
	})
	e := newEngine(t, dialer, retries(1))
	require.NoError(t, connect(t, e, nn1))

	_, ch := call(e, "m", []byte("x"))
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, "second time lucky", string(res.payload))

	first, second := wait(t, headers), wait(t, headers)
	assert.Equal(t, int32(1), first.CallID)
	assert.Equal(t, int32(0), first.RetryCount)
	assert.Equal(t, int32(2), second.CallID)
	assert.Equal(t, int32(1), second.RetryCount)
	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, 2, dialer.Attempts())
}

func TestEngineRetryAfterResponseTimeout(t *testing.T) {
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		if p.Attempt == 0 {
			for {
				if _, err := p.ReadCall(); err != nil {
					return
				}
			}
		}
		p.Echo()
	})
	e := newEngine(t, dialer, func(o *Options) {
		o.MaxRetries = 1
		o.ResponseTimeout = 50 * time.Millisecond
	})
	require.NoError(t, connect(t, e, nn1))
	_, ch := call(e, "m", []byte("eventually"))
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, "eventually", string(res.payload))
	assert.Equal(t, 2, dialer.Attempts())
}

func TestEngineServerErrorNotRetried(t *testing.T) {
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		req, err := p.ReadCall()
		if err != nil {
			return
		}
		p.ReplyError(req.Header.CallID, "org.apache.hadoop.security.AccessControlException", "Permission denied")
		p.Echo()
	})
	e := newEngine(t, dialer, retries(3))
	require.NoError(t, connect(t, e, nn1))
	_, ch := call(e, "delete", nil)
	err := wait(t, ch).err
	var se *rpcerr.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "org.apache.hadoop.security.AccessControlException", se.Class)
	assert.Equal(t, 1, dialer.Attempts())
}

func TestEngineDeadlineBeforeResponse(t *testing.T) {
	release := make(chan struct{})
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		req, err := p.ReadCall()
		if err != nil {
			return
		}
		<-release
		p.Reply(req.Header.CallID, []byte("late"))
		p.Echo()
	})
	e := newEngine(t, dialer, nil)
	require.NoError(t, connect(t, e, nn1))

	_, ch := call(e, "m", nil, WithTimeout(50*time.Millisecond))
	err := wait(t, ch).err
	assert.Equal(t, rpcerr.KindTimeout, rpcerr.KindOf(err))
	close(release)

	// 迟到的响应被丢弃, 连接仍然可用
	_, ch2 := call(e, "m", []byte("next"))
	require.NoError(t, wait(t, ch2).err)
	quiet(t, ch, 20*time.Millisecond)
	assert.Equal(t, 1, dialer.Attempts())
}

// 截止时间清空未完成表后，响应超时从下一次发送重新计时
func TestEngineDeadlineThenResponseTimeout(t *testing.T) {
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		if _, err := p.ReadCall(); err != nil {
			return
		}
		req, err := p.ReadCall()
		if err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
		p.Reply(req.Header.CallID, req.Payload)
		p.Echo()
	})
	e := newEngine(t, dialer, func(o *Options) {
		o.MaxRetries = 0
		o.ResponseTimeout = 200 * time.Millisecond
	})
	require.NoError(t, connect(t, e, nn1))

	_, ch := call(e, "m", nil, WithTimeout(30*time.Millisecond))
	assert.Equal(t, rpcerr.KindTimeout, rpcerr.KindOf(wait(t, ch).err))
	time.Sleep(120 * time.Millisecond)

	_, ch2 := call(e, "m", []byte("second"))
	res := wait(t, ch2)
	require.NoError(t, res.err)
	assert.Equal(t, "second", string(res.payload))
	assert.Equal(t, 1, dialer.Attempts())
}

func TestEngineResponseBeforeDeadline(t *testing.T) {
	e := newEngine(t, echoDialer(), nil)
	require.NoError(t, connect(t, e, nn1))
	_, ch := call(e, "m", []byte("fast"), WithTimeout(80*time.Millisecond))
	require.NoError(t, wait(t, ch).err)
	quiet(t, ch, 120*time.Millisecond)
}

func TestEngineDefaultCallTimeout(t *testing.T) {
	e := newEngine(t, hangDialer(), func(o *Options) { o.CallTimeout = 30 * time.Millisecond })
	require.NoError(t, connect(t, e, nn1))
	_, ch := call(e, "m", nil)
	assert.Equal(t, rpcerr.KindTimeout, rpcerr.KindOf(wait(t, ch).err))
}

func TestEngineCancel(t *testing.T) {
	e := newEngine(t, hangDialer(), nil)
	require.NoError(t, connect(t, e, nn1))
	h, ch := call(e, "m", nil)
	h.Cancel()
	err := wait(t, ch).err
	assert.Equal(t, rpcerr.KindCanceled, rpcerr.KindOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
	h.Cancel()
	quiet(t, ch, 10*time.Millisecond)
}

func TestEngineSubmissionOrder(t *testing.T) {
	methods := make(chan string, 8)
	ids := make(chan int32, 8)
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		for {
			req, err := p.ReadCall()
			if err != nil {
				return
			}
			methods <- req.Method.MethodName
			ids <- req.Header.CallID
			if p.Reply(req.Header.CallID, nil) != nil {
				return
			}
		}
	})
	e := newEngine(t, dialer, nil)
	done := make(chan error, 1)
	e.Connect("prod", []registry.Endpoint{nn1}, func(err error) { done <- err })
	var chans []chan callResult
	names := []string{"m0", "m1", "m2", "m3", "m4"}
	for _, m := range names {
		_, ch := call(e, m, nil)
		chans = append(chans, ch)
	}
	require.NoError(t, wait(t, done))
	for i, m := range names {
		assert.Equal(t, m, wait(t, methods))
		assert.Equal(t, int32(i+1), wait(t, ids))
		require.NoError(t, wait(t, chans[i]).err)
	}
}

func TestEngineFailover(t *testing.T) {
	dialer := echoDialer()
	dialer.Refuse = func(_ int, addr string) bool { return addr == nn1.Addr() }

	var (
		mu     sync.Mutex
		events []Event
	)
	hook := WithEventHook(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	e := newEngine(t, dialer, retries(1), hook)
	require.NoError(t, connect(t, e, nn1, nn2))
	assert.Equal(t, []string{"nn1:8020", "nn2:8020"}, dialer.Addrs())

	_, ch := call(e, "m", []byte("via nn2"))
	require.NoError(t, wait(t, ch).err)

	mu.Lock()
	defer mu.Unlock()
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventPreConnect, EventPostConnect, EventPreRetry, EventPreConnect, EventPostConnect, EventPostRead}, types)
	assert.Equal(t, nn1, events[0].Endpoint)
	assert.Equal(t, rpcerr.KindConnectFailed, rpcerr.KindOf(events[1].Err))
	assert.Equal(t, nn2, events[3].Endpoint)
	assert.Equal(t, 1, events[3].Attempt)
	assert.NoError(t, events[4].Err)
	assert.Equal(t, "m", events[5].Method)
	assert.Equal(t, "prod", events[5].Cluster)
}

func TestEngineClose(t *testing.T) {
	e := newEngine(t, hangDialer(), nil)
	require.NoError(t, connect(t, e, nn1))
	_, sent := call(e, "a", nil)
	_, queued := call(e, "b", nil, WithTimeout(time.Hour))
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, e.Close())
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(wait(t, sent).err))
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(wait(t, queued).err))

	// 关闭之后的调用同步失败
	_, after := call(e, "c", nil)
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(wait(t, after).err))
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(connect(t, e, nn1)))
	require.NoError(t, e.Close())
}

// stallDialer never completes a dial until its context ends.
type stallDialer struct{}

func (stallDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngineCloseWhileConnecting(t *testing.T) {
	e := newEngine(t, stallDialer{}, nil)
	done := make(chan error, 1)
	e.Connect("prod", []registry.Endpoint{nn1}, func(err error) { done <- err })
	_, ch := call(e, "m", nil)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Close())
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(wait(t, ch).err))
	assert.Equal(t, rpcerr.KindShutdown, rpcerr.KindOf(wait(t, done)))
}

type pathMsg struct {
	Path string `json:"path"`
}

var statMethod = codec.NewMethod("stat", codec.CodecTypeJSON,
	func() *pathMsg { return new(pathMsg) },
	func() *pathMsg { return new(pathMsg) })

func TestInvoke(t *testing.T) {
	e := newEngine(t, echoDialer(), nil)
	require.NoError(t, connect(t, e, nn1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := Invoke(ctx, e, statMethod, &pathMsg{Path: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp", out.Path)

	got := make(chan *pathMsg, 1)
	Go(e, statMethod, &pathMsg{Path: "/var"}, func(r *pathMsg, err error) {
		assert.NoError(t, err)
		got <- r
	})
	assert.Equal(t, "/var", wait(t, got).Path)
}

func TestInvokeContextCanceled(t *testing.T) {
	e := newEngine(t, hangDialer(), nil)
	require.NoError(t, connect(t, e, nn1))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := Invoke(ctx, e, statMethod, &pathMsg{Path: "/slow"})
	assert.Equal(t, rpcerr.KindCanceled, rpcerr.KindOf(err))
}

func TestEngineMethodTable(t *testing.T) {
	protocols := make(chan string, 1)
	dialer := rpctest.NewPipeDialer(func(p *rpctest.Peer) {
		if p.ReadHandshake() != nil {
			return
		}
		protocols <- p.Context.Protocol
		p.Echo()
	})
	table := codec.NewTable("org.example.StatProtocol", 2, statMethod)
	e := newEngine(t, dialer, nil, WithMethods(table))
	require.NoError(t, connect(t, e, nn1))
	assert.Equal(t, "org.example.StatProtocol", wait(t, protocols))

	_, ch := call(e, "unlink", nil)
	err := wait(t, ch).err
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestConnectCluster(t *testing.T) {
	dialer := echoDialer()
	resolver := registry.StaticResolver{"prod": {nn2}}
	e := newEngine(t, dialer, nil, WithResolver(resolver))

	done := make(chan error, 1)
	e.ConnectCluster(context.Background(), "prod", func(err error) { done <- err })
	require.NoError(t, wait(t, done))
	assert.Equal(t, []string{"nn2:8020"}, dialer.Addrs())

	e.ConnectCluster(context.Background(), "staging", func(err error) { done <- err })
	err := wait(t, done)
	assert.True(t, errors.Is(err, registry.ErrUnknownCluster))

	bare := newEngine(t, echoDialer(), nil)
	bare.ConnectCluster(context.Background(), "prod", func(err error) { done <- err })
	assert.Error(t, wait(t, done))
}

func TestNewRejectsBadOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.RetryPolicy = "sometimes"
	_, err := New(opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Failover = "random"
	_, err = New(opts)
	assert.Error(t, err)
}

func TestPrometheusRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, PrometheusRegister(reg))
	assert.Error(t, PrometheusRegister(reg))
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "timeout", outcome(rpcerr.Newf(rpcerr.KindTimeout, "call", "x")))
	assert.Equal(t, "server_error", outcome(&rpcerr.ServerError{Class: "c"}))
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "pre_connect", EventPreConnect.String())
	assert.Equal(t, "post_read", EventPostRead.String())
	assert.Equal(t, "unknown", EventType(9).String())
}
