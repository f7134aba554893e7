package client

import (
	"time"

	"dfs-rpc/registry"
)

type EventType int

const (
	EventPreConnect EventType = iota
	EventPostConnect
	EventPreRetry
	EventPostRead
)

func (t EventType) String() string {
	switch t {
	case EventPreConnect:
		return "pre_connect"
	case EventPostConnect:
		return "post_connect"
	case EventPreRetry:
		return "pre_retry"
	case EventPostRead:
		return "post_read"
	}
	return "unknown"
}

// Event is passed to the EventHook. Fields not meaningful for a type are zero.
type Event struct {
	Type     EventType
	Cluster  string
	Endpoint registry.Endpoint
	Attempt  int           // connect attempt number within the current retry sequence
	Method   string        // post_read
	CallID   int32         // post_read
	Delay    time.Duration // pre_retry
	Err      error
}

// EventHook observes engine activity, for tests and diagnostics. It runs on the event
// loop and must not block; it cannot alter control flow.
type EventHook func(ev Event)
