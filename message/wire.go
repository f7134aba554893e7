package message

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers.
const (
	reqKind       protowire.Number = 1
	reqOp         protowire.Number = 2
	reqCallID     protowire.Number = 3
	reqClientID   protowire.Number = 4
	reqRetryCount protowire.Number = 5

	methodName     protowire.Number = 1
	methodProtocol protowire.Number = 2
	methodVersion  protowire.Number = 3

	ctxUserInfo     protowire.Number = 2
	ctxProtocol     protowire.Number = 3
	userEffective   protowire.Number = 1
	userReal        protowire.Number = 2
	respCallID      protowire.Number = 1
	respStatus      protowire.Number = 2
	respIPCVersion  protowire.Number = 3
	respException   protowire.Number = 4
	respErrorMsg    protowire.Number = 5
	respErrorDetail protowire.Number = 6
	respClientID    protowire.Number = 7
	respRetryCount  protowire.Number = 8
)

func appendSint32(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// enums are int32 on the wire: negative values sign-extend to 10 bytes.
func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func (h *RequestHeader) Marshal() []byte {
	var b []byte
	b = appendEnum(b, reqKind, int32(h.Kind))
	b = appendEnum(b, reqOp, int32(h.Op))
	b = appendSint32(b, reqCallID, h.CallID)
	b = appendBytes(b, reqClientID, h.ClientID)
	b = appendSint32(b, reqRetryCount, h.RetryCount)
	return b
}

func (h *MethodHeader) Marshal() []byte {
	var b []byte
	b = appendString(b, methodName, h.MethodName)
	b = appendString(b, methodProtocol, h.Protocol)
	b = appendUvarint(b, methodVersion, h.ProtocolVersion)
	return b
}

func (c *ConnectionContext) Marshal() []byte {
	var user []byte
	if c.EffectiveUser != "" {
		user = appendString(user, userEffective, c.EffectiveUser)
	}
	if c.RealUser != "" {
		user = appendString(user, userReal, c.RealUser)
	}
	var b []byte
	b = appendBytes(b, ctxUserInfo, user)
	if c.Protocol != "" {
		b = appendString(b, ctxProtocol, c.Protocol)
	}
	return b
}

func (h *ResponseHeader) Marshal() []byte {
	var b []byte
	b = appendUvarint(b, respCallID, uint64(h.CallID))
	b = appendEnum(b, respStatus, int32(h.Status))
	if h.ServerIPCVersion != 0 {
		b = appendUvarint(b, respIPCVersion, uint64(h.ServerIPCVersion))
	}
	if h.ExceptionClass != "" {
		b = appendString(b, respException, h.ExceptionClass)
	}
	if h.ErrorMsg != "" {
		b = appendString(b, respErrorMsg, h.ErrorMsg)
	}
	if h.ErrorDetail != 0 {
		b = appendEnum(b, respErrorDetail, int32(h.ErrorDetail))
	}
	if len(h.ClientID) > 0 {
		b = appendBytes(b, respClientID, h.ClientID)
	}
	b = appendSint32(b, respRetryCount, h.RetryCount)
	return b
}

// field is one decoded (number, value) pair; exactly one of v / bs is meaningful.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	bs  []byte
}

// walk decodes b field by field. Unknown fields of known wire types are passed to fn
// and may be ignored there.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bs, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "bad value for field %d", num)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func sint32(v uint64) int32 { return int32(protowire.DecodeZigZag(v)) }

func (h *RequestHeader) Unmarshal(b []byte) error {
	*h = RequestHeader{RetryCount: -1}
	seenCallID := false
	err := walk(b, func(f field) error {
		switch f.num {
		case reqKind:
			h.Kind = RPCKind(int32(f.v))
		case reqOp:
			h.Op = Operation(int32(f.v))
		case reqCallID:
			h.CallID = sint32(f.v)
			seenCallID = true
		case reqClientID:
			h.ClientID = append([]byte(nil), f.bs...)
		case reqRetryCount:
			h.RetryCount = sint32(f.v)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "request header")
	}
	if !seenCallID {
		return errors.New("request header: missing call id")
	}
	return nil
}

func (h *MethodHeader) Unmarshal(b []byte) error {
	*h = MethodHeader{}
	err := walk(b, func(f field) error {
		switch f.num {
		case methodName:
			h.MethodName = string(f.bs)
		case methodProtocol:
			h.Protocol = string(f.bs)
		case methodVersion:
			h.ProtocolVersion = f.v
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "method header")
	}
	if h.MethodName == "" {
		return errors.New("method header: missing method name")
	}
	return nil
}

func (c *ConnectionContext) Unmarshal(b []byte) error {
	*c = ConnectionContext{}
	err := walk(b, func(f field) error {
		switch f.num {
		case ctxUserInfo:
			return walk(f.bs, func(u field) error {
				switch u.num {
				case userEffective:
					c.EffectiveUser = string(u.bs)
				case userReal:
					c.RealUser = string(u.bs)
				}
				return nil
			})
		case ctxProtocol:
			c.Protocol = string(f.bs)
		}
		return nil
	})
	return errors.Wrap(err, "connection context")
}

func (h *ResponseHeader) Unmarshal(b []byte) error {
	*h = ResponseHeader{RetryCount: -1}
	var seenCallID, seenStatus bool
	err := walk(b, func(f field) error {
		switch f.num {
		case respCallID:
			h.CallID = uint32(f.v)
			seenCallID = true
		case respStatus:
			h.Status = Status(int32(f.v))
			seenStatus = true
		case respIPCVersion:
			h.ServerIPCVersion = uint32(f.v)
		case respException:
			h.ExceptionClass = string(f.bs)
		case respErrorMsg:
			h.ErrorMsg = string(f.bs)
		case respErrorDetail:
			h.ErrorDetail = ErrorDetail(int32(f.v))
		case respClientID:
			h.ClientID = append([]byte(nil), f.bs...)
		case respRetryCount:
			h.RetryCount = sint32(f.v)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "response header")
	}
	if !seenCallID || !seenStatus {
		return errors.New("response header: missing call id or status")
	}
	switch h.Status {
	case StatusSuccess, StatusError, StatusFatal:
	default:
		return errors.Errorf("response header: unknown status %d", h.Status)
	}
	return nil
}
