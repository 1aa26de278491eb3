package registry

import (
	"context"

	"wirelink/index"
)

// Registry publishes and discovers driver manifests. Implementations must
// be safe for concurrent use.
type Registry interface {
	// Register publishes a driver candidate under its URL with a TTL: if
	// the publisher crashes, the entry expires on its own.
	Register(ctx context.Context, cand index.Candidate, ttl int64) error

	// Deregister removes a published driver by URL.
	Deregister(ctx context.Context, url string) error

	// Discover lists all currently published candidates.
	Discover(ctx context.Context) ([]index.Candidate, error)

	// Watch emits the candidates newly published since the watch began,
	// one batch per change. Batches never repeat a URL, so they feed an
	// append-only Index.AddCandidates directly; pair with Discover for the
	// set that existed before the watch.
	Watch(ctx context.Context) <-chan []index.Candidate
}
