// Package loadbalance decides which endpoint the engine connects to next.
//
// The engine calls Pick before every connection attempt and, if the balancer
// implements Feedback, reports the outcome afterwards. All strategies are
// deterministic so that failover order is reproducible:
//   - Failover:        stick to one endpoint, advance to the next only when it fails
//   - RoundRobin:      advance on every attempt
//   - Weighted:        smooth weighted round robin over Endpoint.Weight
//   - ConsistentHash:  a fixed key (the client name) picks the home endpoint, failures walk the ring
package loadbalance

import (
	"fmt"

	"dfs-rpc/registry"

	"github.com/pkg/errors"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is the interface for endpoint selection strategies.
// Implementations must be goroutine-safe.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Feedback is implemented by balancers that react to connection outcomes.
type Feedback interface {
	Report(ep registry.Endpoint, err error)
}

const (
	StrategyFailover       = "failover"
	StrategyRoundRobin     = "round_robin"
	StrategyWeighted       = "weighted"
	StrategyConsistentHash = "consistent_hash"
)

// New builds the balancer named by strategy. key is only used by consistent_hash.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", StrategyFailover:
		return &FailoverBalancer{}, nil
	case StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeighted:
		return NewWeightedBalancer(), nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("unknown balancer strategy %q", strategy)
}
