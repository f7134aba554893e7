package client

import (
	"time"

	"dfs-rpc/codec"
	"dfs-rpc/config"
	"dfs-rpc/ioservice"
	"dfs-rpc/loadbalance"
	"dfs-rpc/registry"
	"dfs-rpc/retry"
	"dfs-rpc/transport"

	"go.uber.org/zap"
)

// Options holds the engine settings that come from configuration.
type Options struct {
	ClientName      string
	User            string
	Protocol        string
	ProtocolVersion uint64

	MaxRetries      int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	RetryPolicy     string // retry.KindFixed or retry.KindExponential
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	CallTimeout     time.Duration // default per-call deadline, 0 = none
	PingInterval    time.Duration
	MaxFrameLength  uint32
	Failover        string // loadbalance strategy
}

func DefaultOptions() Options {
	return Options{
		ClientName:      "dfs-rpc",
		Protocol:        "org.apache.hadoop.hdfs.protocol.ClientProtocol",
		ProtocolVersion: 1,
		MaxRetries:      0,
		RetryDelay:      10 * time.Second,
		RetryPolicy:     retry.KindFixed,
		ConnectTimeout:  30 * time.Second,
		ResponseTimeout: 30 * time.Second,
		PingInterval:    0,
		MaxFrameLength:  64 << 20,
		Failover:        loadbalance.StrategyFailover,
	}
}

// OptionsFromConfig converts the rpc section of a parsed configuration.
func OptionsFromConfig(c *config.RPCConfig) Options {
	return Options{
		ClientName:      c.ClientName,
		User:            c.User,
		Protocol:        c.Protocol,
		ProtocolVersion: c.ProtocolVersion,
		MaxRetries:      c.MaxRPCRetries,
		RetryDelay:      c.RPCRetryDelay,
		MaxRetryDelay:   c.MaxRetryDelay,
		RetryPolicy:     c.RetryPolicy,
		ConnectTimeout:  c.RPCConnectTimeout,
		ResponseTimeout: c.RPCResponseTimeout,
		CallTimeout:     c.CallTimeout,
		PingInterval:    c.PingInterval,
		MaxFrameLength:  c.MaxFrameLength,
		Failover:        c.Failover,
	}
}

// Option customizes collaborators of an Engine.
type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithDialer replaces the TCP dialer, e.g. with an in-memory one in tests.
func WithDialer(d transport.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

func WithResolver(r registry.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(e *Engine) { e.balancer = b }
}

// WithRetryPolicy overrides the policy built from Options.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithEventHook(h EventHook) Option {
	return func(e *Engine) { e.hook = h }
}

// WithMethods restricts AsyncRPC to the methods registered in t and sends t's protocol name.
func WithMethods(t *codec.Table) Option {
	return func(e *Engine) { e.methods = t }
}

// WithIOService runs the engine on a caller-owned event loop. The caller starts and
// stops it; Close then does not stop the loop.
func WithIOService(io *ioservice.IOService) Option {
	return func(e *Engine) { e.io = io }
}

// CallOption customizes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	deadline time.Time
}

// WithDeadline completes the call with a timeout error if no response arrived by t.
func WithDeadline(t time.Time) CallOption {
	return func(o *callOptions) { o.deadline = t }
}

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.deadline = time.Now().Add(d) }
}
