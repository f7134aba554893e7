// Package rpcerr defines the error taxonomy shared by every layer of the RPC engine.
//
// Every error that reaches a user callback is one of:
//
//	transport   ConnectFailed, ConnectionReset, EOF, Timeout, IO   → retry policy decides
//	protocol    Protocol (malformed frame, bad length, bad header) → retry policy decides
//	server      *ServerError (status ERROR / FATAL from the server) → delivered as-is
//	terminal    RetriesExhausted, Canceled, Shutdown               → delivered as-is
//
// Transport and protocol errors never reach a caller directly: the engine either
// re-submits the call or wraps the last one in a RetriesExhausted error.
package rpcerr

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConnectFailed
	KindConnectionReset
	KindEOF
	KindTimeout
	KindIO
	KindProtocol
	KindServer
	KindRetriesExhausted
	KindCanceled
	KindShutdown
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConnectFailed:    "connect failed",
	KindConnectionReset:  "connection reset",
	KindEOF:              "eof",
	KindTimeout:          "timeout",
	KindIO:               "io",
	KindProtocol:         "protocol",
	KindServer:           "server",
	KindRetriesExhausted: "retries exhausted",
	KindCanceled:         "canceled",
	KindShutdown:         "shutdown",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Transport reports whether errors of this kind come from the byte stream itself.
func (k Kind) Transport() bool {
	switch k {
	case KindConnectFailed, KindConnectionReset, KindEOF, KindTimeout, KindIO:
		return true
	}
	return false
}

// Error is the tagged error produced by the transport, the RPC connection and the engine.
type Error struct {
	Kind     Kind
	Op       string // "connect", "read", "write", "decode", "call", ...
	Endpoint string // host:port, empty if not bound to one
	Attempts int    // set on KindRetriesExhausted
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout implements the net.Error convention.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// Temporary implements the net.Error convention: true for errors the retry policy may retry.
func (e *Error) Temporary() bool { return Retriable(e) }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// Exhausted wraps the last transport error once the retry policy gave up.
func Exhausted(last error, attempts int) *Error {
	return &Error{Kind: KindRetriesExhausted, Op: "call", Attempts: attempts, Err: last}
}

// ServerError is an application error reported by the server in a response header.
// It is never retried.
type ServerError struct {
	Class   string // exception class name sent by the server
	Message string
	Fatal   bool // status FATAL: the server is closing the connection
}

func (e *ServerError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("server fatal error %s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Class, e.Message)
}

// KindOf returns the kind of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *ServerError
	if errors.As(err, &se) {
		return KindServer
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retriable reports whether the retry policy is allowed to retry err at all.
func Retriable(err error) bool {
	k := KindOf(err)
	return k.Transport() || k == KindProtocol
}

// IsServer reports whether err is (or wraps) a server-reported error.
func IsServer(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// FromNetError classifies an error returned by net.Conn or net.Dialer.
// canceled must be true if the operation was interrupted by a local Cancel.
func FromNetError(op, endpoint string, err error, canceled bool) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	e := &Error{Op: op, Endpoint: endpoint, Err: err}
	switch {
	case canceled || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed):
		e.Kind = KindCanceled
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe):
		e.Kind = KindEOF
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE):
		e.Kind = KindConnectionReset
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || isNetTimeout(err):
		e.Kind = KindTimeout
	case op == "connect":
		e.Kind = KindConnectFailed
	default:
		e.Kind = KindIO
	}
	return e
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
