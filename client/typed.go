package client

import (
	"context"

	"dfs-rpc/codec"

	"github.com/pkg/errors"
)

// Go submits a typed call described by m. cb receives the decoded response.
func Go[Req, Resp any](e *Engine, m *codec.Method[Req, Resp], req Req, cb func(Resp, error), opts ...CallOption) *Handle {
	payload, err := m.EncodeRequest(req)
	if err != nil {
		var zero Resp
		err = errors.Wrapf(err, "encode %s request", m.Name())
		e.post(func() { cb(zero, err) }, func() { cb(zero, err) })
		return nil
	}
	var resp Resp
	decode := func(b []byte) error {
		r, err := m.DecodeResponse(b)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	return e.AsyncRPC(m.Name(), payload, decode, func(err error) { cb(resp, err) }, opts...)
}

type result[Resp any] struct {
	resp Resp
	err  error
}

// Invoke performs a typed call and waits for it. The context deadline becomes the
// call deadline; cancelling ctx cancels the call.
func Invoke[Req, Resp any](ctx context.Context, e *Engine, m *codec.Method[Req, Resp], req Req) (Resp, error) {
	var opts []CallOption
	if d, ok := ctx.Deadline(); ok {
		opts = append(opts, WithDeadline(d))
	}
	ch := make(chan result[Resp], 1)
	h := Go(e, m, req, func(r Resp, err error) { ch <- result[Resp]{r, err} }, opts...)
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		h.Cancel()
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-e.io.Done():
		var zero Resp
		return zero, ctx.Err()
	}
}
