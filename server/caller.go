package server

import (
	"context"
	"net"
)

// Caller identifies the client connection a request arrived on.
type Caller struct {
	User   string // effective user from the connection context
	Remote net.Addr
}

type callerKey struct{}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller of the request being served.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
