package loadbalance

import (
	"fmt"
	"math/rand"
)

// WeightedRandomBalancer picks mirrors at random in proportion to their
// weight, so a mirror with twice the bandwidth serves roughly twice the
// fetches.
type WeightedRandomBalancer struct{}

// Pick draws a random point in the total weight and walks the list until
// the point falls inside a mirror's weight band.
func (b *WeightedRandomBalancer) Pick(mirrors []Mirror) (*Mirror, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("no mirrors available")
	}

	totalWeight := 0
	for _, m := range mirrors {
		totalWeight += m.Weight
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("mirrors have no positive weight")
	}

	r := rand.Intn(totalWeight)
	for i := range mirrors {
		r -= mirrors[i].Weight
		if r < 0 {
			return &mirrors[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
