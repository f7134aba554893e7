package loadbalance

import (
	"sync"

	"dfs-rpc/registry"
)

// WeightedBalancer is a smooth weighted round robin: with weights 5:1:1 it yields
// a a b a c a a, never a burst of the heavy endpoint, and the sequence is reproducible.
//
// Each Pick adds every endpoint's weight to its current value, selects the largest,
// then subtracts the total weight from the winner.
type WeightedBalancer struct {
	mu      sync.Mutex
	current map[string]int // addr → current weight
}

func NewWeightedBalancer() *WeightedBalancer {
	return &WeightedBalancer{current: make(map[string]int)}
}

func weightOf(ep registry.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// forget endpoints that left the list
	live := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		live[ep.Addr()] = true
	}
	for addr := range b.current {
		if !live[addr] {
			delete(b.current, addr)
		}
	}

	total, best := 0, -1
	for i, ep := range endpoints {
		w := weightOf(ep)
		total += w
		b.current[ep.Addr()] += w
		if best < 0 || b.current[ep.Addr()] > b.current[endpoints[best].Addr()] {
			best = i
		}
	}
	b.current[endpoints[best].Addr()] -= total
	ep := endpoints[best]
	return &ep, nil
}

func (b *WeightedBalancer) Name() string {
	return "Weighted"
}
