// Package transport implements the client side of the metadata RPC protocol on top of
// the ioservice event loop.
//
//	Socket         raw byte stream: Connect, AsyncReadSome, AsyncWriteSome, Cancel
//	Call           one outstanding request and its exactly-once completion
//	RPCConnection  framing + multiplexing: many Calls share one Socket, matched by call id
//
// Blocking net.Conn operations run on short-lived goroutines; their results are always
// posted back to the loop, so every callback of this package runs on the loop goroutine
// and never synchronously inside the call that registered it.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"dfs-rpc/ioservice"
	"dfs-rpc/registry"
	"dfs-rpc/rpcerr"

	"go.uber.org/zap"
)

// Dialer opens the byte stream to an endpoint. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Socket is a single asynchronous byte stream.
type Socket struct {
	io      *ioservice.IOService
	dialer  Dialer
	timeout time.Duration
	log     *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	addr       string
	dialing    context.CancelFunc
	canceled   bool
	everDialed bool
}

// NewSocket creates an unconnected socket. connectTimeout <= 0 means no timeout.
func NewSocket(io *ioservice.IOService, dialer Dialer, connectTimeout time.Duration, log *zap.Logger) *Socket {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Socket{io: io, dialer: dialer, timeout: connectTimeout, log: log}
}

// Connect dials ep and reports the outcome through cb. A socket connects at most once.
func (s *Socket) Connect(ep registry.Endpoint, cb func(err error)) {
	addr := ep.Addr()
	s.mu.Lock()
	switch {
	case s.canceled:
		s.mu.Unlock()
		s.io.Post(func() { cb(rpcerr.FromNetError("connect", addr, net.ErrClosed, true)) })
		return
	case s.everDialed:
		prev := s.addr
		s.mu.Unlock()
		s.io.Post(func() { cb(rpcerr.Newf(rpcerr.KindIO, "connect", "socket already used for %s", prev)) })
		return
	}
	s.everDialed = true
	s.addr = addr
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.dialing = cancel
	s.mu.Unlock()

	go func() {
		conn, err := s.dialer.DialContext(ctx, "tcp", addr)
		cancel()

		s.mu.Lock()
		s.dialing = nil
		canceled := s.canceled
		if err == nil {
			if canceled {
				conn.Close()
				err = net.ErrClosed
			} else {
				s.conn = conn
			}
		}
		s.mu.Unlock()

		err = rpcerr.FromNetError("connect", addr, err, canceled)
		s.io.Post(func() { cb(err) })
	}()
}

func (s *Socket) current() (net.Conn, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.addr, s.canceled
}

func (s *Socket) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// AsyncReadSome reads at least one byte (or fails) into buf.
func (s *Socket) AsyncReadSome(buf []byte, cb func(err error, n int)) {
	s.async("read", buf, cb, func(c net.Conn, b []byte) (int, error) { return c.Read(b) })
}

// AsyncWriteSome writes some prefix of buf; cb receives how much was written.
func (s *Socket) AsyncWriteSome(buf []byte, cb func(err error, n int)) {
	s.async("write", buf, cb, func(c net.Conn, b []byte) (int, error) { return c.Write(b) })
}

func (s *Socket) async(op string, buf []byte, cb func(error, int), do func(net.Conn, []byte) (int, error)) {
	conn, addr, canceled := s.current()
	if conn == nil {
		var err error
		if canceled {
			err = rpcerr.FromNetError(op, addr, net.ErrClosed, true)
		} else {
			err = rpcerr.Newf(rpcerr.KindIO, op, "socket not connected")
		}
		s.io.Post(func() { cb(err, 0) })
		return
	}
	go func() {
		n, err := do(conn, buf)
		err = rpcerr.FromNetError(op, addr, err, err != nil && s.isCanceled())
		s.io.Post(func() { cb(err, n) })
	}()
}

// Cancel aborts a pending connect and closes the stream. In-flight operations
// complete with a KindCanceled error. Safe to call any number of times, in any state.
func (s *Socket) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	s.canceled = true
	if s.dialing != nil {
		s.dialing()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("close socket", zap.String("endpoint", s.addr), zap.Error(err))
		}
	}
}

// Endpoint returns the address passed to Connect.
func (s *Socket) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
