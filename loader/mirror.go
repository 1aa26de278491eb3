package loader

import (
	"context"
	"fmt"

	"wirelink/loadbalance"
)

// MirrorFetchFunc fetches a driver package from one specific mirror.
type MirrorFetchFunc func(ctx context.Context, mirror *loadbalance.Mirror, url string) (*Driver, error)

// MirrorResolver fetches driver packages from a set of mirrors, picking one
// per fetch via a load balancer. With no explicit balancer it uses
// consistent hashing keyed by driver URL, so repeated fetches of the same
// package land on the same mirror and hit its cache.
type MirrorResolver struct {
	mirrors  []loadbalance.Mirror
	balancer loadbalance.Balancer
	ring     *loadbalance.ConsistentHashBalancer
	fetch    MirrorFetchFunc
}

var _ Resolver = (*MirrorResolver)(nil)

// NewMirrorResolver creates a resolver over the given mirrors. balancer may
// be nil to select by consistent hash of the driver URL.
func NewMirrorResolver(mirrors []loadbalance.Mirror, balancer loadbalance.Balancer, fetch MirrorFetchFunc) (*MirrorResolver, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("loader: mirror resolver needs at least one mirror")
	}
	if fetch == nil {
		return nil, fmt.Errorf("loader: mirror resolver needs a fetch function")
	}
	r := &MirrorResolver{mirrors: mirrors, balancer: balancer, fetch: fetch}
	if balancer == nil {
		r.ring = loadbalance.NewConsistentHashBalancer()
		for i := range mirrors {
			r.ring.Add(&mirrors[i])
		}
	}
	return r, nil
}

// FetchDriver picks a mirror and fetches the package from it.
func (r *MirrorResolver) FetchDriver(ctx context.Context, url string) (*Driver, error) {
	var (
		m   *loadbalance.Mirror
		err error
	)
	if r.ring != nil {
		m, err = r.ring.PickKey(url)
	} else {
		m, err = r.balancer.Pick(r.mirrors)
	}
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, m, url)
}
