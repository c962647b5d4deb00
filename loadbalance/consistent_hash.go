package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mini-jsonrpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a key to an endpoint on a hash ring, so the same
// key keeps landing on the same node while the endpoint set is stable. Each
// endpoint owns defaultReplicas virtual nodes to even out the ring.
//
//	          0
//	        ╱   ╲
//	   B ●         ● A
//	     │  key ◆──► │   (clockwise to nearest node → A)
//	   C ●         ● A'
//	        ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	key      string
	replicas int
	ring     []uint32
	nodes    map[uint32]registry.Endpoint
	members  string // fingerprint of the endpoint set the ring was built from
}

// NewConsistentHashBalancer creates a ring. key is used by Pick; PickKey
// accepts a key per call.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Pick implements Balancer using the balancer's fixed key.
func (b *ConsistentHashBalancer) Pick(eps []registry.Endpoint) (*registry.Endpoint, error) {
	return b.PickKey(b.key, eps)
}

// PickKey rebuilds the ring if the endpoint set changed, then finds the first
// virtual node clockwise from the key's hash.
func (b *ConsistentHashBalancer) PickKey(key string, eps []registry.Endpoint) (*registry.Endpoint, error) {
	if len(eps) == 0 {
		return nil, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.build(eps)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) build(eps []registry.Endpoint) {
	addrs := make([]string, len(eps))
	for i, ep := range eps {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	members := fmt.Sprint(addrs)
	if members == b.members {
		return
	}

	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, ep := range eps {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	b.members = members
}
