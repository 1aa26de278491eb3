// Package registry provides the etcd-backed driver manifest registry.
//
// etcd is a distributed key-value store with strong consistency (Raft). We
// use it as the shared catalogue of loadable drivers:
//
//	Key:   /wirelink/drivers/{URL}
//	Value: JSON-encoded candidate (rules, version, package type, composite)
//
// Registration uses TTL-based leases: if the publisher crashes, the lease
// expires and the entry disappears — no ghost drivers in the catalogue.
package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"wirelink/index"
)

const driverPrefix = "/wirelink/drivers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *logrus.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *logrus.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: log}, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func driverKey(driverURL string) string {
	// URLs contain '/'; escape so one driver occupies exactly one key.
	return driverPrefix + url.PathEscape(driverURL)
}

// Register publishes a candidate with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g. 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The lease ID stays a local variable, not a struct field, so multiple
// publishers can share one EtcdRegistry without racing on it.
func (r *EtcdRegistry) Register(ctx context.Context, cand index.Candidate, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(cand)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, driverKey(cand.URL), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// Background lease renewal — KeepAlive heartbeats to etcd until the
	// context ends or the connection drops.
	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		// Consume KeepAlive responses to keep the channel from filling up.
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a published driver. Called during graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, driverURL string) error {
	_, err := r.client.Delete(ctx, driverKey(driverURL))
	return err
}

// Discover returns all currently published candidates.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]index.Candidate, error) {
	resp, err := r.client.Get(ctx, driverPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	candidates := make([]index.Candidate, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var cand index.Candidate
		if err := json.Unmarshal(kv.Value, &cand); err != nil {
			r.log.WithError(err).WithField("key", string(kv.Key)).Warn("skipping malformed driver manifest")
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// Watch monitors the driver prefix and emits the candidates newly published
// since the watch began, one batch per change. Re-listing on change is
// simpler than reconstructing state from individual watch events; the
// emitted-URL set then filters the re-list down to additions only, so every
// batch can go straight into an append-only index without duplicating
// earlier registrations. Deregistrations and lease expirations are not
// emitted: the index never removes candidates. The channel closes when ctx
// ends.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []index.Candidate {
	ch := make(chan []index.Candidate, 1)

	go func() {
		defer close(ch)
		emitted := make(map[string]bool)
		if existing, err := r.Discover(ctx); err == nil {
			for _, cand := range existing {
				emitted[cand.URL] = true
			}
		}

		watchChan := r.client.Watch(ctx, driverPrefix, clientv3.WithPrefix())
		for range watchChan {
			candidates, err := r.Discover(ctx)
			if err != nil {
				r.log.WithError(err).Warn("driver re-list failed")
				continue
			}
			var fresh []index.Candidate
			for _, cand := range candidates {
				if emitted[cand.URL] {
					continue
				}
				emitted[cand.URL] = true
				fresh = append(fresh, cand)
			}
			if len(fresh) == 0 {
				continue
			}
			select {
			case ch <- fresh:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}
