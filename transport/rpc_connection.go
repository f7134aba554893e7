package transport

// RPCConnection multiplexes many concurrent Calls over a single Socket.
// Each call gets a unique call id; the read loop routes every response frame to the
// call with the matching id through the outstanding table. Responses may arrive in
// any order.
//
//	SendCall(id=1) ──┐
//	SendCall(id=2) ──┼──→ write queue ──→ one Socket ──→ server
//	SendCall(id=3) ──┘
//
//	read loop: ←── response(id=2) → outstanding[2] → call 2 completes
//
// When the socket fails, every outstanding call is handed back to the Owner in
// call id order; the connection never completes a call with a transport error itself.

import (
	"sort"
	"time"

	"dfs-rpc/ioservice"
	"dfs-rpc/message"
	"dfs-rpc/protocol"
	"dfs-rpc/registry"
	"dfs-rpc/rpcerr"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Owner receives the calls of a connection that went down.
type Owner interface {
	// OnDisconnect is invoked exactly once per connection that left Disconnected,
	// on the loop, after the Connect callback if the failure happened while connecting.
	// orphans are all calls the connection still held, ordered by submission.
	OnDisconnect(c *RPCConnection, err error, orphans []*Call)
}

// OwnerFunc adapts a function to Owner.
type OwnerFunc func(c *RPCConnection, err error, orphans []*Call)

func (f OwnerFunc) OnDisconnect(c *RPCConnection, err error, orphans []*Call) { f(c, err, orphans) }

// CallIDs hands out call ids. Sharing one source between the connections of an
// engine keeps ids unique across reconnects. Ids wrap from MaxInt32 back to 1, so
// they order calls only until the wrap. Loop-confined.
type CallIDs struct {
	last int32
}

func (s *CallIDs) Next() int32 {
	if s.last == 1<<31-1 {
		s.last = 0
	}
	s.last++
	return s.last
}

type Options struct {
	ClientName      string
	User            string
	Protocol        string
	ProtocolVersion uint64
	ClientID        []byte // 16 bytes, stable for the lifetime of a client
	ServiceClass    byte

	// ResponseTimeout tears the connection down if calls are outstanding and no bytes
	// arrive for this long. 0 disables it.
	ResponseTimeout time.Duration
	// PingInterval sends a keep-alive frame after this much write idleness. 0 disables it.
	PingInterval   time.Duration
	MaxFrameLength uint32

	CallIDs *CallIDs
}

type pendingWrite struct {
	buf  []byte
	call *Call
	done func()
}

type RPCConnection struct {
	io    *ioservice.IOService
	sock  *Socket
	opts  Options
	owner Owner
	log   *zap.Logger

	state       ConnState
	endpoint    registry.Endpoint
	connectCB   func(error)
	outstanding map[int32]*Call
	held        []*Call // submitted while connecting
	sent        uint64

	writeQ    []*pendingWrite
	writing   bool
	lastWrite time.Time

	lenBuf    [protocol.LengthSize]byte
	lastRead  time.Time
	respTimer *ioservice.Timer
	pingTimer *ioservice.Timer

	err         error
	used        bool
	established bool
}

func NewRPCConnection(io *ioservice.IOService, sock *Socket, opts Options, owner Owner, log *zap.Logger) *RPCConnection {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxFrameLength == 0 {
		opts.MaxFrameLength = protocol.DefaultMaxLength
	}
	if opts.CallIDs == nil {
		opts.CallIDs = &CallIDs{}
	}
	return &RPCConnection{
		io:          io,
		sock:        sock,
		opts:        opts,
		owner:       owner,
		log:         log,
		outstanding: make(map[int32]*Call),
	}
}

func (c *RPCConnection) State() ConnState            { return c.state }
func (c *RPCConnection) Endpoint() registry.Endpoint { return c.endpoint }
func (c *RPCConnection) Outstanding() int            { return len(c.outstanding) }

// Established reports whether the handshake completed at some point.
func (c *RPCConnection) Established() bool { return c.established }

// Err returns the error that brought the connection down, if any.
func (c *RPCConnection) Err() error { return c.err }

// Connect opens the socket, sends the preamble and the connection context, and starts
// reading. cb is invoked exactly once. A connection is used for one Connect only.
func (c *RPCConnection) Connect(ep registry.Endpoint, cb func(error)) {
	if c.used {
		c.io.Post(func() { cb(rpcerr.Newf(rpcerr.KindIO, "connect", "rpc connection already used")) })
		return
	}
	c.used = true
	c.state = Connecting
	c.endpoint = ep
	c.connectCB = cb
	c.log = c.log.With(zap.Stringer("endpoint", ep))

	c.sock.Connect(ep, func(err error) {
		if c.state != Connecting {
			return
		}
		if err != nil {
			c.teardown(err)
			return
		}
		c.handshake()
	})
}

func (c *RPCConnection) requestHeader(callID int32, retryCount int32) *message.RequestHeader {
	return &message.RequestHeader{
		Kind:       message.RPCKindProtocolBuffer,
		Op:         message.OpFinalPacket,
		CallID:     callID,
		ClientID:   c.opts.ClientID,
		RetryCount: retryCount,
	}
}

func (c *RPCConnection) handshake() {
	user := c.opts.User
	if user == "" {
		user = c.opts.ClientName
	}
	cctx := &message.ConnectionContext{
		EffectiveUser: user,
		Protocol:      c.opts.Protocol,
	}
	if c.opts.ClientName != "" && c.opts.ClientName != user {
		cctx.RealUser = c.opts.ClientName
	}
	buf := protocol.Preamble(c.opts.ServiceClass, protocol.AuthNone)
	buf = append(buf, protocol.ContextFrame(c.requestHeader(message.ConnectionContextCallID, -1), cctx)...)

	c.enqueueWrite(&pendingWrite{buf: buf, done: func() {
		c.state = Connected
		c.established = true
		c.log.Debug("rpc connection established")
		c.startReading()
		c.armPing()
		held := c.held
		c.held = nil
		for _, call := range held {
			c.send(call)
		}
		cb := c.connectCB
		c.connectCB = nil
		cb(nil)
	}})
}

// SendCall assigns the next call id to call and queues its frame. Frames are written
// in the order SendCall is invoked. While connecting, calls are held and sent once
// the handshake is written.
func (c *RPCConnection) SendCall(call *Call) error {
	switch c.state {
	case Connecting:
		call.conn = c
		c.held = append(c.held, call)
		return nil
	case Connected:
		c.send(call)
		return nil
	}
	if c.err != nil {
		return errors.Wrap(c.err, "rpc connection is down")
	}
	return rpcerr.Newf(rpcerr.KindIO, "send", "rpc connection not connected")
}

func (c *RPCConnection) send(call *Call) {
	call.id = c.opts.CallIDs.Next()
	c.sent++
	call.seq = c.sent
	call.conn = c
	call.state = CallPending
	c.outstanding[call.id] = call

	frame := protocol.CallFrame(
		c.requestHeader(call.id, int32(call.attempts)),
		&message.MethodHeader{
			MethodName:      call.Method,
			Protocol:        c.opts.Protocol,
			ProtocolVersion: c.opts.ProtocolVersion,
		},
		call.Request,
	)
	c.armResponseTimer()
	c.enqueueWrite(&pendingWrite{buf: frame, call: call})
}

// Forget drops call from the outstanding table; a response arriving for it later
// is treated as unmatched and discarded.
func (c *RPCConnection) Forget(call *Call) {
	if call.conn != c {
		return
	}
	call.conn = nil
	if got, ok := c.outstanding[call.id]; ok && got == call {
		delete(c.outstanding, call.id)
		if len(c.outstanding) == 0 {
			c.respTimer.Stop()
			c.respTimer = nil
		}
	}
	for i, h := range c.held {
		if h == call {
			c.held = append(c.held[:i], c.held[i+1:]...)
			break
		}
	}
}

func (c *RPCConnection) enqueueWrite(w *pendingWrite) {
	c.writeQ = append(c.writeQ, w)
	if !c.writing {
		c.writeNext()
	}
}

func (c *RPCConnection) writeNext() {
	if len(c.writeQ) == 0 {
		c.writing = false
		return
	}
	c.writing = true
	w := c.writeQ[0]
	c.sock.AsyncWriteSome(w.buf, func(err error, n int) {
		if c.state == Disconnected {
			return
		}
		if err != nil {
			c.teardown(err)
			return
		}
		c.lastWrite = time.Now()
		w.buf = w.buf[n:]
		if len(w.buf) > 0 {
			c.writeNext()
			return
		}
		c.writeQ = c.writeQ[1:]
		if w.call != nil && w.call.state == CallPending && w.call.conn == c {
			w.call.state = CallSent
		}
		if w.done != nil {
			w.done()
		}
		if c.state != Disconnected {
			c.writeNext()
		}
	})
}

func (c *RPCConnection) startReading() {
	c.readFull(c.lenBuf[:], func() {
		n, err := protocol.FrameLength(c.lenBuf[:], c.opts.MaxFrameLength)
		if err != nil {
			c.teardown(rpcerr.New(rpcerr.KindProtocol, "read", err))
			return
		}
		body := make([]byte, n)
		c.readFull(body, func() {
			c.handleFrame(body)
			if c.state == Connected {
				c.startReading()
			}
		})
	})
}

func (c *RPCConnection) readFull(buf []byte, done func()) {
	if len(buf) == 0 {
		done()
		return
	}
	c.sock.AsyncReadSome(buf, func(err error, n int) {
		if c.state == Disconnected {
			return
		}
		if err != nil {
			c.teardown(err)
			return
		}
		c.lastRead = time.Now()
		c.readFull(buf[n:], done)
	})
}

func (c *RPCConnection) handleFrame(body []byte) {
	h, payload, err := protocol.ParseResponse(body)
	if err != nil {
		c.teardown(rpcerr.New(rpcerr.KindProtocol, "read", err))
		return
	}
	if h.Status == message.StatusFatal {
		c.log.Warn("server reported fatal error", zap.String("class", h.ExceptionClass), zap.String("msg", h.ErrorMsg))
		c.teardown(&rpcerr.ServerError{Class: h.ExceptionClass, Message: h.ErrorMsg, Fatal: true})
		return
	}
	id := h.SignedCallID()
	call, ok := c.outstanding[id]
	if !ok {
		c.log.Debug("discarding response for unknown call id", zap.Int32("call_id", id), zap.Stringer("status", h.Status))
		return
	}
	delete(c.outstanding, id)
	call.conn = nil
	if len(c.outstanding) == 0 {
		c.respTimer.Stop()
		c.respTimer = nil
	}
	if h.Status == message.StatusError {
		call.Complete(&rpcerr.ServerError{Class: h.ExceptionClass, Message: h.ErrorMsg})
		return
	}
	call.deliver(payload)
}

func (c *RPCConnection) armResponseTimer() {
	if c.opts.ResponseTimeout <= 0 || c.respTimer != nil {
		return
	}
	c.lastRead = time.Now()
	c.scheduleResponseCheck(c.opts.ResponseTimeout)
}

func (c *RPCConnection) scheduleResponseCheck(d time.Duration) {
	c.respTimer = c.io.AfterFunc(d, func() {
		c.respTimer = nil
		if c.state == Disconnected || len(c.outstanding) == 0 {
			return
		}
		idle := time.Since(c.lastRead)
		if idle >= c.opts.ResponseTimeout {
			c.teardown(rpcerr.Newf(rpcerr.KindTimeout, "read", "no response for %s with %d calls outstanding", idle.Round(time.Millisecond), len(c.outstanding)))
			return
		}
		c.scheduleResponseCheck(c.opts.ResponseTimeout - idle)
	})
}

func (c *RPCConnection) armPing() {
	if c.opts.PingInterval <= 0 {
		return
	}
	c.pingTimer = c.io.AfterFunc(c.opts.PingInterval, func() {
		if c.state != Connected {
			return
		}
		if !c.writing && time.Since(c.lastWrite) >= c.opts.PingInterval {
			c.enqueueWrite(&pendingWrite{buf: protocol.PingFrame(c.requestHeader(message.PingCallID, -1))})
		}
		c.armPing()
	})
}

// Close tears the connection down with err (KindCanceled if nil). Outstanding calls
// are handed to the Owner like on any other failure.
func (c *RPCConnection) Close(err error) {
	if err == nil {
		err = rpcerr.New(rpcerr.KindCanceled, "close", nil)
	}
	c.teardown(err)
}

func (c *RPCConnection) teardown(err error) {
	if c.state == Disconnected {
		return
	}
	wasConnected := c.state == Connected
	c.state = Disconnected
	c.err = err
	c.sock.Cancel()
	c.respTimer.Stop()
	c.pingTimer.Stop()
	c.respTimer, c.pingTimer = nil, nil
	c.writeQ = nil
	c.writing = false

	orphans := make([]*Call, 0, len(c.outstanding)+len(c.held))
	for _, call := range c.outstanding {
		orphans = append(orphans, call)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].seq < orphans[j].seq })
	orphans = append(orphans, c.held...)
	c.outstanding = make(map[int32]*Call)
	c.held = nil
	for _, call := range orphans {
		call.conn = nil
	}

	if wasConnected {
		c.log.Info("rpc connection lost", zap.Error(err), zap.Int("orphans", len(orphans)))
	} else {
		c.log.Debug("rpc connection failed", zap.Error(err))
	}
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb(err)
	}
	if c.owner != nil {
		c.owner.OnDisconnect(c, err, orphans)
	}
}
