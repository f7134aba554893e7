package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"dfs-rpc/internal/rpctest"
	"dfs-rpc/ioservice"
	"dfs-rpc/registry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testEndpoint = registry.Endpoint{Host: "nn1", Port: 8020}

func newLoop(t *testing.T) *ioservice.IOService {
	io := ioservice.New(zaptest.NewLogger(t))
	io.Start()
	t.Cleanup(func() {
		io.Stop()
		<-io.Done()
	})
	return io
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, io *ioservice.IOService, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, io.Post(func() { fn(); close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop function did not run")
	}
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
	panic("unreachable")
}

func nothing[T any](t *testing.T, ch chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v", v)
	case <-time.After(wait):
	}
}

// blockingDialer never connects; it returns when the dial context ends.
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// chunkDialer wraps dialed connections so that every Write accepts at most n bytes.
type chunkDialer struct {
	Dialer
	n int
}

type chunkConn struct {
	net.Conn
	n int
}

func (c chunkConn) Write(b []byte) (int, error) {
	if len(b) > c.n {
		b = b[:c.n]
	}
	return c.Conn.Write(b)
}

func (d chunkDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return chunkConn{Conn: conn, n: d.n}, nil
}

var _ Dialer = (*rpctest.PipeDialer)(nil)
