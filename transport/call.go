package transport

import (
	"time"

	"dfs-rpc/rpcerr"
)

type CallState int

const (
	CallPending   CallState = iota // accepted, not yet (fully) written
	CallSent                       // frame handed to the socket, waiting for the response
	CallCompleted                  // callback invoked; terminal
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallSent:
		return "sent"
	case CallCompleted:
		return "completed"
	}
	return "unknown"
}

// ResponseDecoder parses the response payload into the caller's response value.
type ResponseDecoder func(payload []byte) error

// Callback receives the outcome of a call: nil on success.
type Callback func(err error)

// Call is one RPC request. It is owned by exactly one RPCConnection at a time
// (or by the engine while no connection holds it) and only touched on the loop.
type Call struct {
	Method  string
	Request []byte

	decode   ResponseDecoder
	callback Callback

	id       int32
	seq      uint64 // send order on conn; ids may wrap
	state    CallState
	attempts int // failed attempts so far; sent as the header's retry count
	conn     *RPCConnection
	created  time.Time
}

func NewCall(method string, request []byte, decode ResponseDecoder, cb Callback) *Call {
	return &Call{
		Method:   method,
		Request:  request,
		decode:   decode,
		callback: cb,
		created:  time.Now(),
	}
}

// ID returns the call id assigned by the connection that sent the call, or 0.
func (c *Call) ID() int32          { return c.id }
func (c *Call) State() CallState   { return c.state }
func (c *Call) Attempts() int      { return c.attempts }
func (c *Call) Created() time.Time { return c.created }

// Connection returns the RPC connection currently holding the call, or nil.
func (c *Call) Connection() *RPCConnection { return c.conn }

// Complete finishes the call and invokes its callback. Only the first completion
// counts: it returns false, and does nothing, if the call already completed.
func (c *Call) Complete(err error) bool {
	if c.state == CallCompleted {
		return false
	}
	c.state = CallCompleted
	if c.conn != nil {
		c.conn.Forget(c)
	}
	cb := c.callback
	c.callback = nil
	if cb != nil {
		cb(err)
	}
	return true
}

// Retry marks a failed attempt and returns the call to Pending so that it can be
// submitted again. The next connection assigns it a fresh call id.
func (c *Call) Retry() {
	if c.state == CallCompleted {
		return
	}
	c.attempts++
	c.state = CallPending
	c.id = 0
	c.conn = nil
}

func (c *Call) deliver(payload []byte) {
	var err error
	if c.decode != nil {
		if derr := c.decode(payload); derr != nil {
			err = rpcerr.New(rpcerr.KindProtocol, "decode", derr)
		}
	}
	c.Complete(err)
}
