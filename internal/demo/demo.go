// Package demo is the small protocol served by "dfsrpc serve" and used by the
// call and bench subcommands.
package demo

import (
	"context"
	"time"

	"dfs-rpc/codec"
	"dfs-rpc/rpcerr"
	"dfs-rpc/server"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	Protocol        = "org.example.dfsrpc.DemoProtocol"
	ProtocolVersion = 1
)

type SleepRequest struct {
	Millis int64 `json:"millis"`
}

type SleepResponse struct {
	Slept time.Duration `json:"slept"`
}

type FailRequest struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type Empty struct{}

var (
	Echo = codec.NewMethod("echo", codec.CodecTypeProto,
		func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
		func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) })

	Sleep = codec.NewMethod("sleep", codec.CodecTypeJSON,
		func() *SleepRequest { return new(SleepRequest) },
		func() *SleepResponse { return new(SleepResponse) })

	Fail = codec.NewMethod("fail", codec.CodecTypeJSON,
		func() *FailRequest { return new(FailRequest) },
		func() *Empty { return new(Empty) })

	// Cat returns its payload byte for byte.
	Cat = codec.NewMethod("cat", codec.CodecTypeBinary,
		func() *codec.Bytes { return new(codec.Bytes) },
		func() *codec.Bytes { return new(codec.Bytes) })
)

// Methods is the method table clients pass to client.WithMethods.
func Methods() *codec.Table {
	return codec.NewTable(Protocol, ProtocolVersion, Echo, Sleep, Fail, Cat)
}

// Install registers the demo handlers on s.
func Install(s *server.Server) {
	s.SetProtocol(Protocol)
	server.Register(s, Echo, func(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
		return wrapperspb.String(req.GetValue()), nil
	})
	server.Register(s, Sleep, func(ctx context.Context, req *SleepRequest) (*SleepResponse, error) {
		d := time.Duration(req.Millis) * time.Millisecond
		t := time.NewTimer(d)
		defer t.Stop()
		start := time.Now()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &SleepResponse{Slept: time.Since(start)}, nil
	})
	server.Register(s, Fail, func(ctx context.Context, req *FailRequest) (*Empty, error) {
		return nil, &rpcerr.ServerError{Class: req.Class, Message: req.Message, Fatal: req.Fatal}
	})
	server.Register(s, Cat, func(ctx context.Context, req *codec.Bytes) (*codec.Bytes, error) {
		return req, nil
	})
}
