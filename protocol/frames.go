package protocol

import (
	"dfs-rpc/message"

	"github.com/pkg/errors"
)

// CallFrame builds the frame of one RPC call.
func CallFrame(h *message.RequestHeader, m *message.MethodHeader, payload []byte) []byte {
	return AppendFrame(nil, h.Marshal(), m.Marshal(), payload)
}

// ContextFrame builds the connection context frame sent right after the preamble.
func ContextFrame(h *message.RequestHeader, c *message.ConnectionContext) []byte {
	return AppendFrame(nil, h.Marshal(), c.Marshal())
}

// PingFrame builds a keep-alive frame; it has no method and no payload.
func PingFrame(h *message.RequestHeader) []byte {
	return AppendFrame(nil, h.Marshal())
}

// ResponseFrame builds a server response frame. The payload section is present only on success.
func ResponseFrame(h *message.ResponseHeader, payload []byte) []byte {
	if h.Status != message.StatusSuccess {
		return AppendFrame(nil, h.Marshal())
	}
	return AppendFrame(nil, h.Marshal(), payload)
}

// ParseResponse decodes a response frame body.
func ParseResponse(body []byte) (*message.ResponseHeader, []byte, error) {
	secs, err := Sections(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "response frame")
	}
	if len(secs) == 0 || len(secs) > 2 {
		return nil, nil, errors.Errorf("response frame: expected 1 or 2 sections, got %d", len(secs))
	}
	var h message.ResponseHeader
	if err := h.Unmarshal(secs[0]); err != nil {
		return nil, nil, err
	}
	var payload []byte
	if len(secs) == 2 {
		payload = secs[1]
	}
	return &h, payload, nil
}

// ParseRequest decodes a client frame body. Context frames populate ctx and
// leave req.Method empty; ping frames have only the header.
func ParseRequest(body []byte) (req *message.Request, ctx *message.ConnectionContext, err error) {
	secs, err := Sections(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "request frame")
	}
	if len(secs) == 0 {
		return nil, nil, errors.New("request frame: empty")
	}
	req = &message.Request{}
	if err := req.Header.Unmarshal(secs[0]); err != nil {
		return nil, nil, err
	}
	switch req.Header.CallID {
	case message.PingCallID:
		return req, nil, nil
	case message.ConnectionContextCallID:
		if len(secs) != 2 {
			return nil, nil, errors.Errorf("connection context frame: expected 2 sections, got %d", len(secs))
		}
		ctx = &message.ConnectionContext{}
		if err := ctx.Unmarshal(secs[1]); err != nil {
			return nil, nil, err
		}
		return req, ctx, nil
	}
	if len(secs) != 3 {
		return nil, nil, errors.Errorf("call frame: expected 3 sections, got %d", len(secs))
	}
	if err := req.Method.Unmarshal(secs[1]); err != nil {
		return nil, nil, err
	}
	req.Payload = secs[2]
	return req, nil, nil
}
