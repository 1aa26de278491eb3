// Package loadbalance provides mirror-selection strategies for the driver
// loader: when a driver package can be fetched from several mirrors, a
// balancer decides which mirror serves each fetch.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity mirrors
//   - WeightedRandom:  heterogeneous mirrors (different bandwidth)
//   - ConsistentHash:  per-URL affinity, so a mirror's cache stays warm
package loadbalance

// Mirror is one package-server endpoint.
type Mirror struct {
	Addr   string
	Weight int // relative capacity, for weighted selection
}

// Balancer is the interface for mirror-selection strategies.
// Pick is called before each fetch and must be goroutine-safe.
type Balancer interface {
	// Pick selects one mirror from the available list.
	Pick(mirrors []Mirror) (*Mirror, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
