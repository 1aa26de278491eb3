package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer maps driver URLs to mirrors using a hash ring, so
// the same URL always fetches from the same mirror (until the ring changes)
// and that mirror's package cache stays warm.
//
// Virtual nodes: each real mirror is mapped to N points on the ring. Without
// them, a handful of mirrors might cluster together and take uneven load;
// 100 virtual nodes per mirror gives statistical uniformity.
type ConsistentHashBalancer struct {
	replicas int                // Virtual nodes per real mirror
	ring     []uint32           // Sorted hash values on the ring
	nodes    map[uint32]*Mirror // Hash value → mirror mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// mirror.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*Mirror),
	}
}

// Add places a mirror onto the hash ring with N virtual nodes, each hashed
// from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(mirror *Mirror) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", mirror.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = mirror
	}
	// Keep the ring sorted for binary search in PickKey()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the mirror responsible for the given key (a driver URL).
// It hashes the key, then binary-searches for the first node >= hash on the
// ring, wrapping around to the first node past the top.
//
// Note: PickKey takes a key rather than a mirror list because consistent
// hashing is key-based — it does not implement the Balancer interface
// directly.
func (b *ConsistentHashBalancer) PickKey(key string) (*Mirror, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no mirrors on the ring")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
