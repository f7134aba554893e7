package loadbalance

import (
	"sync"
	"sync/atomic"

	"dfs-rpc/registry"
)

// RoundRobinBalancer moves to the next endpoint on every Pick, starting with the first.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	index := (atomic.AddInt64(&b.counter, 1) - 1) % int64(len(endpoints))
	ep := endpoints[index]
	return &ep, nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

// FailoverBalancer keeps returning the same endpoint until a connection to it fails,
// then moves to the next one in list order, wrapping around.
type FailoverBalancer struct {
	mu  sync.Mutex
	cur int
}

func (b *FailoverBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur %= len(endpoints)
	ep := endpoints[b.cur]
	return &ep, nil
}

func (b *FailoverBalancer) Report(_ registry.Endpoint, err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.cur++
	b.mu.Unlock()
}

func (b *FailoverBalancer) Name() string {
	return "Failover"
}
