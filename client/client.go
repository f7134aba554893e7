// Package client implements the RPC engine: the façade user code calls to talk to
// the metadata servers of one cluster.
//
// The engine owns at most one RPC connection. Calls submitted with AsyncRPC are queued
// until a connection is up, then sent over it. When the connection fails, every call
// it held comes back to the engine, which asks the retry policy what to do:
//
//	AsyncRPC ──→ queue ──→ connect(endpoint from balancer) ──→ SendCall ──→ response ──→ callback
//	                ↑                                  │
//	                └── RETRY (new connection, fresh ids) ←── transport error ──→ FAIL ──→ callback
//
// Retry budget: every call carries its own attempt counter, charged by connect
// failures and by post-connect failures alike, so a call is attempted at most
// MaxRetries+1 times whichever phase keeps failing. Explicit Connect requests have
// their own counter.
//
// All engine state lives on one ioservice loop. Public methods may be called from any
// goroutine; they post onto the loop and never block on the network. Callbacks run on
// the loop and must not block.
package client

import (
	"context"
	"net"
	"time"

	"dfs-rpc/codec"
	"dfs-rpc/ioservice"
	"dfs-rpc/loadbalance"
	"dfs-rpc/registry"
	"dfs-rpc/retry"
	"dfs-rpc/rpcerr"
	"dfs-rpc/transport"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Engine struct {
	opts     Options
	io       *ioservice.IOService
	ownIO    bool
	log      *zap.Logger
	dialer   transport.Dialer
	resolver registry.Resolver
	balancer loadbalance.Balancer
	policy   retry.Policy
	hook     EventHook
	methods  *codec.Table
	clientID []byte

	// loop-confined below
	ids            transport.CallIDs
	cluster        string
	endpoints      []registry.Endpoint
	conn           *transport.RPCConnection
	queue          []*transport.Call
	waiters        []func(error)
	connectAttempt int // failed attempts of the current explicit Connect
	retryPending   bool
	retryTimer     *ioservice.Timer
	deadlines      map[*transport.Call]*ioservice.Timer
	closed         bool
}

// New creates an engine. Unless WithIOService is given, the engine starts its own
// event loop and stops it in Close.
func New(opts Options, options ...Option) (*Engine, error) {
	e := &Engine{
		opts:      opts,
		deadlines: make(map[*transport.Call]*ioservice.Timer),
	}
	for _, o := range options {
		o(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.dialer == nil {
		e.dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if e.policy == nil {
		p, err := retry.New(opts.RetryPolicy, opts.MaxRetries, opts.RetryDelay, opts.MaxRetryDelay)
		if err != nil {
			return nil, errors.Wrap(err, "retry policy")
		}
		e.policy = p
	}
	if e.balancer == nil {
		b, err := loadbalance.New(opts.Failover, opts.ClientName)
		if err != nil {
			return nil, errors.Wrap(err, "failover strategy")
		}
		e.balancer = b
	}
	if e.hook == nil {
		e.hook = func(Event) {}
	}
	if e.methods != nil && e.methods.Protocol != "" {
		e.opts.Protocol = e.methods.Protocol
		e.opts.ProtocolVersion = e.methods.Version
	}
	id := uuid.New()
	e.clientID = id[:]
	if e.io == nil {
		e.io = ioservice.New(e.log.Named("ioservice"))
		e.ownIO = true
		e.io.Start()
	}
	return e, nil
}

// ClientID is the 16-byte id sent in every request header.
func (e *Engine) ClientID() []byte { return append([]byte(nil), e.clientID...) }

// Connect sets the cluster's endpoints and connects to one of them, applying the retry
// policy and the failover order. cb is invoked exactly once, on the loop, with nil or
// the final error.
func (e *Engine) Connect(cluster string, endpoints []registry.Endpoint, cb func(error)) {
	eps := append([]registry.Endpoint(nil), endpoints...)
	e.post(func() {
		if e.closed {
			cb(rpcerr.New(rpcerr.KindShutdown, "connect", nil))
			return
		}
		if len(eps) == 0 {
			cb(errors.Wrapf(loadbalance.ErrNoEndpoints, "cluster %q", cluster))
			return
		}
		e.cluster = cluster
		e.endpoints = eps
		if e.conn != nil && e.conn.State() == transport.Connected {
			cb(nil)
			return
		}
		e.waiters = append(e.waiters, cb)
		e.ensureConnection()
	}, func() { cb(rpcerr.New(rpcerr.KindShutdown, "connect", nil)) })
}

// ConnectCluster resolves cluster through the configured resolver and connects.
// If the resolver can watch the cluster, endpoint changes are applied until ctx is done.
func (e *Engine) ConnectCluster(ctx context.Context, cluster string, cb func(error)) {
	dead := func() { cb(rpcerr.New(rpcerr.KindShutdown, "connect", nil)) }
	if e.resolver == nil {
		e.post(func() { cb(errors.New("no resolver configured")) }, dead)
		return
	}
	go func() {
		eps, err := e.resolver.Resolve(ctx, cluster)
		if err != nil {
			e.post(func() { cb(errors.Wrapf(err, "resolve cluster %q", cluster)) }, dead)
			return
		}
		e.Connect(cluster, eps, cb)
		if w, ok := e.resolver.(interface {
			Watch(ctx context.Context, cluster string) <-chan []registry.Endpoint
		}); ok {
			go e.follow(ctx, cluster, w.Watch(ctx, cluster))
		}
	}()
}

func (e *Engine) follow(ctx context.Context, cluster string, updates <-chan []registry.Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.io.Done():
			return
		case eps, ok := <-updates:
			if !ok {
				return
			}
			e.SetEndpoints(cluster, eps)
		}
	}
}

// SetEndpoints replaces the endpoint list used for future connection attempts.
// An established connection is kept even if its endpoint disappeared.
func (e *Engine) SetEndpoints(cluster string, endpoints []registry.Endpoint) {
	eps := append([]registry.Endpoint(nil), endpoints...)
	e.post(func() {
		if cluster != e.cluster || len(eps) == 0 {
			return
		}
		e.log.Info("endpoints updated", zap.String("cluster", cluster), zap.Int("count", len(eps)))
		e.endpoints = eps
	}, nil)
}

// Handle refers to an accepted call.
type Handle struct {
	e    *Engine
	call *transport.Call
}

// Cancel completes the call with a KindCanceled error unless it already completed.
func (h *Handle) Cancel() {
	if h == nil || h.call == nil {
		return
	}
	h.e.post(func() {
		h.call.Complete(rpcerr.New(rpcerr.KindCanceled, "call", context.Canceled))
	}, nil)
}

// AsyncRPC submits a call. request is the serialized request payload; decode parses
// the response payload on success. cb is invoked exactly once with nil, a
// *rpcerr.ServerError, or an *rpcerr.Error (retries exhausted, timeout, canceled, shutdown).
func (e *Engine) AsyncRPC(method string, request []byte, decode transport.ResponseDecoder, cb transport.Callback, opts ...CallOption) *Handle {
	co := callOptions{}
	if e.opts.CallTimeout > 0 {
		co.deadline = time.Now().Add(e.opts.CallTimeout)
	}
	for _, o := range opts {
		o(&co)
	}
	start := time.Now()
	var call *transport.Call
	call = transport.NewCall(method, request, decode, func(err error) {
		e.finished(call, start, err)
		if cb != nil {
			cb(err)
		}
	})
	e.post(func() { e.submit(call, co) }, func() {
		if cb != nil {
			cb(rpcerr.New(rpcerr.KindShutdown, "call", nil))
		}
	})
	return &Handle{e: e, call: call}
}

func (e *Engine) submit(call *transport.Call, co callOptions) {
	if e.closed {
		call.Complete(rpcerr.New(rpcerr.KindShutdown, "call", nil))
		return
	}
	if e.methods != nil {
		if _, ok := e.methods.Lookup(call.Method); !ok {
			call.Complete(errors.Errorf("method %q is not registered for protocol %s", call.Method, e.methods.Protocol))
			return
		}
	}
	if !co.deadline.IsZero() {
		wait := time.Until(co.deadline)
		e.deadlines[call] = e.io.AfterFunc(wait, func() {
			delete(e.deadlines, call)
			call.Complete(rpcerr.Newf(rpcerr.KindTimeout, "call", "no response within %s", wait.Round(time.Millisecond)))
		})
	}
	if e.conn != nil && e.conn.State() == transport.Connected {
		if err := e.conn.SendCall(call); err == nil {
			return
		}
	}
	e.queue = append(e.queue, call)
	prom.QueuedCalls.Inc()
	e.ensureConnection()
}

// finished runs on the loop right before the user callback.
func (e *Engine) finished(call *transport.Call, start time.Time, err error) {
	if t, ok := e.deadlines[call]; ok {
		t.Stop()
		delete(e.deadlines, call)
	}
	for i, q := range e.queue {
		if q == call {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			prom.QueuedCalls.Dec()
			break
		}
	}
	prom.CallsTotal.WithLabelValues(call.Method, outcome(err)).Inc()
	prom.CallDuration.WithLabelValues(call.Method).Observe(time.Since(start).Seconds())
	e.hook(Event{Type: EventPostRead, Cluster: e.cluster, Method: call.Method, CallID: call.ID(), Err: err})
}

func (e *Engine) ensureConnection() {
	if e.conn != nil || e.retryPending || e.closed {
		return
	}
	if len(e.queue) == 0 && len(e.waiters) == 0 {
		return
	}
	if len(e.endpoints) == 0 {
		e.failAll(errors.Wrap(loadbalance.ErrNoEndpoints, "not connected: call Connect first"))
		return
	}
	e.startConnect()
}

func (e *Engine) startConnect() {
	ep, err := e.balancer.Pick(e.endpoints)
	if err != nil {
		e.failAll(err)
		return
	}
	attempt := e.connectAttempt
	if len(e.queue) > 0 {
		attempt = e.queue[0].Attempts()
	}
	e.hook(Event{Type: EventPreConnect, Cluster: e.cluster, Endpoint: *ep, Attempt: attempt})
	e.log.Debug("connecting", zap.String("cluster", e.cluster), zap.Stringer("endpoint", ep), zap.Int("attempt", attempt))

	sock := transport.NewSocket(e.io, e.dialer, e.opts.ConnectTimeout, e.log)
	conn := transport.NewRPCConnection(e.io, sock, transport.Options{
		ClientName:      e.opts.ClientName,
		User:            e.opts.User,
		Protocol:        e.opts.Protocol,
		ProtocolVersion: e.opts.ProtocolVersion,
		ClientID:        e.clientID,
		ResponseTimeout: e.opts.ResponseTimeout,
		PingInterval:    e.opts.PingInterval,
		MaxFrameLength:  e.opts.MaxFrameLength,
		CallIDs:         &e.ids,
	}, e, e.log)
	e.conn = conn
	target := *ep
	conn.Connect(target, func(err error) { e.connected(conn, target, attempt, err) })
}

func (e *Engine) connected(conn *transport.RPCConnection, ep registry.Endpoint, attempt int, err error) {
	if fb, ok := e.balancer.(loadbalance.Feedback); ok {
		fb.Report(ep, err)
	}
	e.hook(Event{Type: EventPostConnect, Cluster: e.cluster, Endpoint: ep, Attempt: attempt, Err: err})
	if err != nil {
		prom.ConnectsTotal.WithLabelValues("failed").Inc()
		e.log.Info("connect failed", zap.Stringer("endpoint", ep), zap.Int("attempt", attempt), zap.Error(err))
		return // OnDisconnect follows and applies the retry policy
	}
	prom.ConnectsTotal.WithLabelValues("ok").Inc()
	if conn != e.conn || e.closed {
		return
	}
	e.log.Info("connected", zap.String("cluster", e.cluster), zap.Stringer("endpoint", ep))
	e.connectAttempt = 0

	queue := e.queue
	e.queue = nil
	prom.QueuedCalls.Sub(float64(len(queue)))
	for _, call := range queue {
		if call.State() == transport.CallCompleted {
			continue
		}
		if err := conn.SendCall(call); err != nil {
			// the connection died inside a callback of an earlier call
			e.queue = append(e.queue, call)
			prom.QueuedCalls.Inc()
		}
	}
	waiters := e.waiters
	e.waiters = nil
	for _, cb := range waiters {
		cb(nil)
	}
}

// OnDisconnect implements transport.Owner.
func (e *Engine) OnDisconnect(conn *transport.RPCConnection, err error, orphans []*transport.Call) {
	if conn == e.conn {
		e.conn = nil
	}
	prom.DisconnectTotal.Inc()
	if conn.Established() {
		if fb, ok := e.balancer.(loadbalance.Feedback); ok {
			fb.Report(conn.Endpoint(), err)
		}
	}
	if e.closed {
		shutdown := rpcerr.New(rpcerr.KindShutdown, "call", nil)
		for _, call := range orphans {
			call.Complete(shutdown)
		}
		return
	}
	e.handleFailure(conn.Endpoint(), err, orphans)
}

// handleFailure applies the retry policy to every call affected by a failed
// connection: the ones it held plus the ones queued for it.
func (e *Engine) handleFailure(ep registry.Endpoint, err error, orphans []*transport.Call) {
	affected := append(orphans, e.queue...)
	prom.QueuedCalls.Sub(float64(len(e.queue)))
	e.queue = nil

	var (
		retrying []*transport.Call
		next     = retry.Decision{Action: retry.RetryImmediately}
	)
	merge := func(d retry.Decision) {
		if d.Action == retry.RetryAfter && d.Delay > next.Delay {
			next = d
		}
	}
	for _, call := range affected {
		if call.State() == transport.CallCompleted {
			continue
		}
		d := e.policy.ShouldRetry(err, call.Attempts())
		if d.Action == retry.Fail {
			call.Complete(finalError(err, call.Attempts()+1))
			continue
		}
		call.Retry()
		retrying = append(retrying, call)
		merge(d)
	}

	if len(e.waiters) > 0 {
		d := e.policy.ShouldRetry(err, e.connectAttempt)
		if d.Action == retry.Fail {
			final := finalError(err, e.connectAttempt+1)
			waiters := e.waiters
			e.waiters = nil
			e.connectAttempt = 0
			for _, cb := range waiters {
				cb(final)
			}
		} else {
			e.connectAttempt++
			merge(d)
		}
	}

	e.queue = retrying
	prom.QueuedCalls.Add(float64(len(retrying)))
	if len(e.queue) == 0 && len(e.waiters) == 0 {
		e.connectAttempt = 0
		return
	}
	e.scheduleRetry(ep, err, next)
}

func finalError(err error, attempts int) error {
	if rpcerr.Retriable(err) {
		return rpcerr.Exhausted(err, attempts)
	}
	return err
}

func (e *Engine) scheduleRetry(ep registry.Endpoint, err error, d retry.Decision) {
	prom.RetriesTotal.Inc()
	e.hook(Event{Type: EventPreRetry, Cluster: e.cluster, Endpoint: ep, Delay: d.Delay, Err: err})
	e.log.Info("scheduling reconnect",
		zap.String("cluster", e.cluster),
		zap.Stringer("failed_endpoint", ep),
		zap.Stringer("decision", d),
		zap.Int("calls", len(e.queue)),
		zap.Error(err))
	e.retryPending = true
	reconnect := func() {
		e.retryPending = false
		e.retryTimer = nil
		e.ensureConnection()
	}
	if d.Action == retry.RetryAfter {
		e.retryTimer = e.io.AfterFunc(d.Delay, reconnect)
		return
	}
	e.io.Post(reconnect)
}

func (e *Engine) failAll(err error) {
	queue := e.queue
	e.queue = nil
	prom.QueuedCalls.Sub(float64(len(queue)))
	for _, call := range queue {
		call.Complete(err)
	}
	waiters := e.waiters
	e.waiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

// post runs fn on the loop; if the loop is already stopped it runs dead instead
// (on the calling goroutine), so that callbacks still fire exactly once.
func (e *Engine) post(fn, dead func()) {
	if !e.io.Post(fn) && dead != nil {
		dead()
	}
}

// Close fails every accepted call with a KindShutdown error, closes the connection
// and, if the engine owns its loop, stops it. It must not be called from a callback.
func (e *Engine) Close() error {
	done := make(chan struct{})
	if !e.io.Post(func() {
		e.shutdown()
		close(done)
	}) {
		return nil
	}
	select {
	case <-done:
	case <-e.io.Done():
	}
	if e.ownIO {
		e.io.Stop()
		<-e.io.Done()
	}
	return nil
}

func (e *Engine) shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	e.retryTimer.Stop()
	e.retryTimer = nil
	err := rpcerr.New(rpcerr.KindShutdown, "close", nil)
	if e.conn != nil {
		e.conn.Close(err) // orphans come back through OnDisconnect
	}
	e.failAll(err)
	for call, t := range e.deadlines {
		t.Stop()
		delete(e.deadlines, call)
	}
	e.log.Debug("engine closed")
}
