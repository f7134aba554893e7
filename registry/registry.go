// Package registry resolves a logical cluster name into the endpoints of its metadata servers.
//
// Two implementations exist: StaticResolver for configured endpoint lists and
// EtcdRegistry, where servers register themselves under a TTL lease.
package registry

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Endpoint is a metadata server address. Values are immutable.
type Endpoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight,omitempty"` // used by the weighted balancer; 0 counts as 1
	Version string `json:"version,omitempty"`
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "invalid endpoint %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, errors.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints parses a list of "host:port" strings.
func ParseEndpoints(ss []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(ss))
	for _, s := range ss {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Resolver maps a cluster name to its endpoints, in a deterministic order.
type Resolver interface {
	Resolve(ctx context.Context, cluster string) ([]Endpoint, error)
}

// Registry is a Resolver servers can register with.
type Registry interface {
	Resolver
	Register(ctx context.Context, cluster string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, cluster string, ep Endpoint) error
	Watch(ctx context.Context, cluster string) <-chan []Endpoint
}

var ErrUnknownCluster = errors.New("unknown cluster")

// StaticResolver serves endpoint lists from configuration.
type StaticResolver map[string][]Endpoint

func (r StaticResolver) Resolve(_ context.Context, cluster string) ([]Endpoint, error) {
	eps, ok := r[cluster]
	if !ok || len(eps) == 0 {
		return nil, errors.Wrapf(ErrUnknownCluster, "cluster %q", cluster)
	}
	return append([]Endpoint(nil), eps...), nil
}
