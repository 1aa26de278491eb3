package loadbalance

import (
	"fmt"
	"sync/atomic"
)

// RoundRobinBalancer spreads fetches evenly across all mirrors in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

// Pick selects the next mirror in round-robin order.
func (b *RoundRobinBalancer) Pick(mirrors []Mirror) (*Mirror, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("no mirrors available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(mirrors))
	return &mirrors[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
