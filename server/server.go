// Package server implements a reference metadata server speaking the dfs-rpc wire protocol.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads preamble, context and frames)
//	  → for each call frame: go handleRequest (parallel processing)
//	    → Middleware Chain → dispatch (method table lookup) → write response
//
// Handlers are registered statically by method name; typed handlers go through Register,
// which decodes and encodes payloads with the method's codec.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dfs-rpc/codec"
	"dfs-rpc/message"
	"dfs-rpc/middleware"
	"dfs-rpc/protocol"
	"dfs-rpc/registry"
	"dfs-rpc/rpcerr"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exception classes used for errors raised by the server itself.
const (
	IOException          = "java.io.IOException"
	NoSuchMethodClass    = "org.apache.hadoop.ipc.RpcNoSuchMethodException"
	NoSuchProtocolClass  = "org.apache.hadoop.ipc.RpcNoSuchProtocolException"
	InvalidHeaderClass   = "org.apache.hadoop.ipc.IpcException"
	DeserializationClass = "org.apache.hadoop.ipc.RpcServerException"
	ServerErrorClass     = "org.apache.hadoop.ipc.RpcServerException"
)

// Handler serves one method on raw payloads.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Server is the metadata server. Configure it with Handle/Register/Use before Serve.
type Server struct {
	log      *zap.Logger
	protocol string // "" accepts any protocol name
	maxFrame uint32

	handlers    map[string]Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	listener net.Listener   // guarded by connsMu, like regCancel
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	registry  registry.Registry
	cluster   string
	advertise registry.Endpoint
	ttl       int64
	regCancel context.CancelFunc
}

func NewServer(log *zap.Logger) *Server {
	return &Server{
		log:      log,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
}

// SetProtocol restricts the server to calls naming protocol.
func (s *Server) SetProtocol(protocol string) { s.protocol = protocol }

func (s *Server) SetMaxFrameLength(n uint32) { s.maxFrame = n }

// Handle registers h under name. Registering a name twice panics.
func (s *Server) Handle(name string, h Handler) {
	if _, dup := s.handlers[name]; dup {
		panic("server: duplicate handler for " + name)
	}
	s.handlers[name] = h
}

// Register installs a typed handler for m.
func Register[Req, Resp any](s *Server, m *codec.Method[Req, Resp], fn func(ctx context.Context, req Req) (Resp, error)) {
	s.Handle(m.Name(), func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := m.DecodeRequest(payload)
		if err != nil {
			return nil, &rpcerr.ServerError{Class: DeserializationClass, Message: err.Error()}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return m.EncodeResponse(resp)
	})
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Advertise registers the server under cluster once it is serving, and deregisters it on Shutdown.
func (s *Server) Advertise(reg registry.Registry, cluster string, ep registry.Endpoint, ttl int64) {
	s.registry = reg
	s.cluster = cluster
	s.advertise = ep
	s.ttl = ttl
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// Addr returns the listener address, nil before serving.
func (s *Server) Addr() net.Addr {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) ServeListener(l net.Listener) error {
	s.connsMu.Lock()
	s.listener = l
	s.connsMu.Unlock()
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if s.registry != nil {
		// the lease is kept alive until Shutdown cancels ctx
		ctx, cancel := context.WithCancel(context.Background())
		s.connsMu.Lock()
		s.regCancel = cancel
		s.connsMu.Unlock()
		if err := s.registry.Register(ctx, s.cluster, s.advertise, s.ttl); err != nil {
			cancel()
			l.Close()
			return errors.Wrap(err, "register server")
		}
		s.log.Info("registered", zap.String("cluster", s.cluster), zap.Stringer("endpoint", s.advertise))
	}

	s.log.Info("serving", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during Shutdown also lands here
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		prom.ActiveConns.Inc()
	} else {
		delete(s.conns, conn)
		prom.ActiveConns.Dec()
	}
}

// connState is shared by the request goroutines of one connection.
type connState struct {
	conn    net.Conn
	log     *zap.Logger
	writeMu sync.Mutex
	user    string
}

func (c *connState) write(h *message.ResponseHeader, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(protocol.ResponseFrame(h, payload))
	return err
}

// fatal reports an unrecoverable protocol error to the client before the connection closes.
func (c *connState) fatal(callID int32, detail message.ErrorDetail, class, msg string) {
	c.log.Warn("closing connection", zap.String("reason", msg))
	c.write(&message.ResponseHeader{
		CallID:           uint32(callID),
		Status:           message.StatusFatal,
		ServerIPCVersion: uint32(protocol.Version),
		ExceptionClass:   class,
		ErrorMsg:         msg,
		ErrorDetail:      detail,
	}, nil)
}

// handleConn reads frames sequentially; each call is served on its own goroutine.
func (s *Server) handleConn(conn net.Conn) {
	defer s.track(conn, false)
	defer conn.Close()
	c := &connState{conn: conn, log: s.log.With(zap.Stringer("remote", conn.RemoteAddr()))}

	_, auth, err := protocol.ReadPreamble(conn)
	if err != nil {
		c.log.Debug("bad preamble", zap.Error(err))
		return
	}
	if auth != protocol.AuthNone {
		c.fatal(message.InvalidCallID, message.FatalUnauthorized, InvalidHeaderClass, "unsupported auth protocol")
		return
	}

	established := false
	for {
		body, err := protocol.Decode(conn, s.maxFrame)
		if err != nil {
			if !s.shutdown.Load() {
				c.log.Debug("connection closed", zap.Error(err))
			}
			return
		}
		req, cctx, err := protocol.ParseRequest(body)
		if err != nil {
			c.fatal(message.InvalidCallID, message.FatalInvalidRPCHeader, InvalidHeaderClass, err.Error())
			return
		}
		switch {
		case cctx != nil:
			if established {
				c.fatal(message.ConnectionContextCallID, message.FatalInvalidRPCHeader, InvalidHeaderClass, "duplicate connection context")
				return
			}
			established = true
			c.user = cctx.EffectiveUser
			c.log = c.log.With(zap.String("user", c.user))
			continue
		case !established:
			c.fatal(req.Header.CallID, message.FatalInvalidRPCHeader, InvalidHeaderClass, "connection context not received")
			return
		case req.Header.CallID == message.PingCallID:
			prom.PingsTotal.Inc()
			continue
		case req.Header.CallID < 0:
			c.fatal(req.Header.CallID, message.FatalInvalidRPCHeader, InvalidHeaderClass, "invalid call id")
			return
		}
		if !s.admit() {
			c.fatal(req.Header.CallID, message.FatalUnknown, ServerErrorClass, "server is shutting down")
			return
		}
		go s.handleRequest(c, req)
	}
}

// admit counts a request as in flight unless Shutdown has begun.
func (s *Server) admit() bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(c *connState, req *message.Request) {
	defer s.wg.Done()
	start := time.Now()

	ctx := withCaller(context.Background(), Caller{User: c.user, Remote: c.conn.RemoteAddr()})
	var resp *message.Response
	if s.protocol != "" && req.Method.Protocol != s.protocol {
		resp = &message.Response{
			Status:         message.StatusError,
			ExceptionClass: NoSuchProtocolClass,
			ErrorMsg:       "unknown protocol: " + req.Method.Protocol,
			ErrorDetail:    message.ErrorNoSuchProtocol,
		}
	} else {
		resp = s.handler(ctx, req)
	}

	h := &message.ResponseHeader{
		CallID:           uint32(req.Header.CallID),
		Status:           resp.Status,
		ServerIPCVersion: uint32(protocol.Version),
		ExceptionClass:   resp.ExceptionClass,
		ErrorMsg:         resp.ErrorMsg,
		ErrorDetail:      resp.ErrorDetail,
		ClientID:         req.Header.ClientID,
		RetryCount:       req.Header.RetryCount,
	}
	prom.RequestsTotal.WithLabelValues(req.Method.MethodName, resp.Status.String()).Inc()
	prom.RequestDuration.WithLabelValues(req.Method.MethodName).Observe(time.Since(start).Seconds())
	if err := c.write(h, resp.Payload); err != nil {
		c.log.Debug("write response", zap.Int32("call_id", req.Header.CallID), zap.Error(err))
		return
	}
	if resp.Status == message.StatusFatal {
		c.conn.Close()
	}
}

// dispatch is the innermost handler of the middleware chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	h, ok := s.handlers[req.Method.MethodName]
	if !ok {
		return &message.Response{
			Status:         message.StatusError,
			ExceptionClass: NoSuchMethodClass,
			ErrorMsg:       "unknown method: " + req.Method.MethodName,
			ErrorDetail:    message.ErrorNoSuchMethod,
		}
	}
	payload, err := h(ctx, req.Payload)
	if err != nil {
		return errorResponse(err)
	}
	return &message.Response{Status: message.StatusSuccess, Payload: payload}
}

func errorResponse(err error) *message.Response {
	var se *rpcerr.ServerError
	if errors.As(err, &se) {
		resp := message.ErrorResponse(se.Class, se.Message)
		if se.Fatal {
			resp.Status = message.StatusFatal
			resp.ErrorDetail = message.FatalUnknown
		}
		return resp
	}
	return message.ErrorResponse(IOException, err.Error())
}

// Shutdown stops accepting, deregisters the server and waits for in-flight requests
// until ctx is done. Open connections are closed at the end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	s.shutdown.Store(true) // under connsMu so admit never adds after Wait starts
	if s.listener != nil {
		s.listener.Close()
	}
	s.connsMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if s.registry != nil {
		g.Go(func() error {
			return errors.Wrap(s.registry.Deregister(gctx, s.cluster, s.advertise), "deregister")
		})
	}
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for in-flight requests")
		}
	})
	err := g.Wait()

	s.connsMu.Lock()
	if s.regCancel != nil {
		s.regCancel()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()
	return err
}
