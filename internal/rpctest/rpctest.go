// Package rpctest provides scripted metadata-server peers for tests.
//
// A PipeDialer satisfies transport.Dialer: every dial creates a net.Pipe, hands the
// client end to the caller and runs a script against the server end. Scripts use
// Peer to read the handshake and calls and to write responses, so tests control
// exactly when bytes arrive, when the connection drops and in which order responses go out.
package rpctest

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"dfs-rpc/message"
	"dfs-rpc/protocol"

	"github.com/pkg/errors"
)

// Peer is the server end of one connection.
type Peer struct {
	net.Conn
	Attempt int // 0-based index of the dial that created this peer

	Context *message.ConnectionContext
	Pings   int
}

// ReadHandshake reads the preamble and the connection context frame.
func (p *Peer) ReadHandshake() error {
	if _, _, err := protocol.ReadPreamble(p); err != nil {
		return errors.Wrap(err, "preamble")
	}
	body, err := protocol.Decode(p, 0)
	if err != nil {
		return errors.Wrap(err, "context frame")
	}
	req, cctx, err := protocol.ParseRequest(body)
	if err != nil {
		return err
	}
	if req.Header.CallID != message.ConnectionContextCallID || cctx == nil {
		return errors.Errorf("expected connection context, got call id %d", req.Header.CallID)
	}
	p.Context = cctx
	return nil
}

// ReadCall returns the next call frame, skipping pings.
func (p *Peer) ReadCall() (*message.Request, error) {
	for {
		body, err := protocol.Decode(p, 0)
		if err != nil {
			return nil, err
		}
		req, _, err := protocol.ParseRequest(body)
		if err != nil {
			return nil, err
		}
		if req.Header.CallID == message.PingCallID {
			p.Pings++
			continue
		}
		return req, nil
	}
}

// Reply writes a SUCCESS response for callID.
func (p *Peer) Reply(callID int32, payload []byte) error {
	h := &message.ResponseHeader{CallID: uint32(callID), Status: message.StatusSuccess, RetryCount: -1}
	return protocol.Encode(p, sections(h, payload)...)
}

// ReplyError writes an ERROR response for callID.
func (p *Peer) ReplyError(callID int32, class, msg string) error {
	h := &message.ResponseHeader{
		CallID:         uint32(callID),
		Status:         message.StatusError,
		ExceptionClass: class,
		ErrorMsg:       msg,
		ErrorDetail:    message.ErrorApplication,
		RetryCount:     -1,
	}
	return protocol.Encode(p, h.Marshal())
}

// ReplyFatal writes a FATAL response.
func (p *Peer) ReplyFatal(callID int32, class, msg string) error {
	h := &message.ResponseHeader{CallID: uint32(callID), Status: message.StatusFatal, ExceptionClass: class, ErrorMsg: msg, RetryCount: -1}
	return protocol.Encode(p, h.Marshal())
}

// WriteRaw writes arbitrary bytes, e.g. a malformed frame.
func (p *Peer) WriteRaw(b []byte) error {
	_, err := p.Write(b)
	return err
}

func sections(h *message.ResponseHeader, payload []byte) [][]byte {
	return [][]byte{h.Marshal(), payload}
}

// Echo serves calls until the connection closes, replying with the request payload.
func (p *Peer) Echo() error {
	for {
		req, err := p.ReadCall()
		if err != nil {
			return err
		}
		if err := p.Reply(req.Header.CallID, req.Payload); err != nil {
			return err
		}
	}
}

// Script drives one server-side connection. It owns p and should close it when done;
// the dialer closes it after Script returns anyway.
type Script func(p *Peer)

// PipeDialer dials in-memory connections served by Script.
type PipeDialer struct {
	Script Script
	// Refuse, if set, decides per attempt whether the dial fails with ECONNREFUSED.
	Refuse func(attempt int, addr string) bool

	mu    sync.Mutex
	addrs []string
	wg    sync.WaitGroup
}

func NewPipeDialer(script Script) *PipeDialer {
	return &PipeDialer{Script: script}
}

func (d *PipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	attempt := len(d.addrs)
	d.addrs = append(d.addrs, addr)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Refuse != nil && d.Refuse(attempt, addr) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	client, server := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer server.Close()
		d.Script(&Peer{Conn: server, Attempt: attempt})
	}()
	return client, nil
}

// Attempts returns the number of dials so far.
func (d *PipeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// Addrs returns the dialed addresses in order.
func (d *PipeDialer) Addrs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

// Wait blocks until all scripts returned or the timeout elapsed.
func (d *PipeDialer) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// RefusingDialer fails every dial with ECONNREFUSED and counts attempts.
type RefusingDialer struct {
	mu       sync.Mutex
	attempts int
}

func (d *RefusingDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.attempts++
	d.mu.Unlock()
	return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
}

func (d *RefusingDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
