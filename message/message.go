// Package message defines the headers exchanged between client and metadata server.
//
// Headers are protobuf messages on the wire. They are encoded and decoded directly with
// protowire so that the engine does not need generated code for its own envelope:
//
//	RequestHeader      (every client frame)      callId, retryCount, clientId, kind, op
//	MethodHeader       (every call frame)        methodName, protocol, protocolVersion
//	ConnectionContext  (first frame, callId -3)  effective user, real user, protocol
//	ResponseHeader     (every server frame)      callId, status, exception, error detail
//
// Field numbers follow the Hadoop IPC definitions so that the frames are readable by
// existing tooling.
package message

// Special call ids. Ordinary calls use ids >= 1.
const (
	AuthorizationFailedCallID int32 = -1
	InvalidCallID             int32 = -2
	ConnectionContextCallID   int32 = -3
	PingCallID                int32 = -4
)

// Kind of the payload serialization used by a request.
type RPCKind int32

const (
	RPCKindBuiltin        RPCKind = 0
	RPCKindWritable       RPCKind = 1
	RPCKindProtocolBuffer RPCKind = 2
)

type Operation int32

const (
	OpFinalPacket        Operation = 0
	OpContinuationPacket Operation = 1
	OpCloseConnection    Operation = 2
)

type Status int32

const (
	StatusSuccess Status = 0
	StatusError   Status = 1
	StatusFatal   Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	case StatusFatal:
		return "FATAL"
	}
	return "UNKNOWN"
}

// ErrorDetail refines a non-success status.
type ErrorDetail int32

const (
	ErrorApplication        ErrorDetail = 1
	ErrorNoSuchMethod       ErrorDetail = 2
	ErrorNoSuchProtocol     ErrorDetail = 3
	ErrorRPCServer          ErrorDetail = 4
	ErrorSerializingResp    ErrorDetail = 5
	ErrorRPCVersionMismatch ErrorDetail = 6
	FatalUnknown            ErrorDetail = 10
	FatalUnsupportedSerial  ErrorDetail = 11
	FatalInvalidRPCHeader   ErrorDetail = 12
	FatalDeserializingReq   ErrorDetail = 13
	FatalVersionMismatch    ErrorDetail = 14
	FatalUnauthorized       ErrorDetail = 15
)

// RequestHeader precedes every frame the client sends.
type RequestHeader struct {
	Kind       RPCKind
	Op         Operation
	CallID     int32
	ClientID   []byte // 16 bytes
	RetryCount int32  // -1 when unset
}

// MethodHeader names the remote method of a call frame.
type MethodHeader struct {
	MethodName      string
	Protocol        string
	ProtocolVersion uint64
}

// ConnectionContext is sent once, right after the connection preamble.
type ConnectionContext struct {
	EffectiveUser string
	RealUser      string
	Protocol      string
}

// ResponseHeader precedes every frame the server sends.
type ResponseHeader struct {
	CallID           uint32
	Status           Status
	ServerIPCVersion uint32
	ExceptionClass   string
	ErrorMsg         string
	ErrorDetail      ErrorDetail
	ClientID         []byte
	RetryCount       int32
}

// SignedCallID returns the call id as the client assigned it.
func (h *ResponseHeader) SignedCallID() int32 {
	return int32(h.CallID)
}

// Request is a decoded call frame as seen by a server.
type Request struct {
	Header  RequestHeader
	Method  MethodHeader
	Payload []byte
}

// Response is what a server handler produces for one Request.
type Response struct {
	Status         Status
	ExceptionClass string
	ErrorMsg       string
	ErrorDetail    ErrorDetail
	Payload        []byte
}

// Failed reports whether the response carries an error status.
func (r *Response) Failed() bool {
	return r.Status != StatusSuccess
}

// ErrorResponse builds an ERROR response with the given exception class.
func ErrorResponse(class, msg string) *Response {
	return &Response{
		Status:         StatusError,
		ExceptionClass: class,
		ErrorMsg:       msg,
		ErrorDetail:    ErrorApplication,
	}
}
