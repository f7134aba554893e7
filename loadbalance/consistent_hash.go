package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"dfs-rpc/registry"
)

// ConsistentHashBalancer maps a fixed key (normally the client name) to a home endpoint
// using a hash ring, so that many clients spread over the metadata servers while each
// client keeps going to the same one. When the home endpoint fails, the next Pick walks
// clockwise to the next distinct endpoint on the ring.
//
// Virtual nodes: each endpoint is mapped to 100 points on the ring to keep the
// distribution uniform.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu      sync.Mutex
	members string   // joined addrs the ring was built from
	ring    []uint32 // sorted
	nodes   map[uint32]registry.Endpoint
	skip    int // failures since the home endpoint was last healthy
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr()
	}
	sort.Strings(addrs)
	members := strings.Join(addrs, ",")
	if members == b.members {
		return
	}
	b.members = members
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint)
	b.skip = 0
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr(), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick returns the endpoint owning the key, skipping as many distinct endpoints
// clockwise as failures were reported since the last successful connection.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(endpoints)

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}

	skip := b.skip % len(endpoints)
	seen := map[string]bool{}
	for i := 0; i < len(b.ring); i++ {
		ep := b.nodes[b.ring[(idx+i)%len(b.ring)]]
		if seen[ep.Addr()] {
			continue
		}
		if len(seen) == skip {
			return &ep, nil
		}
		seen[ep.Addr()] = true
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Report(_ registry.Endpoint, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.skip++
		return
	}
	b.skip = 0
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
