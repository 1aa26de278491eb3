// Package loader turns match results into loaded drivers. It owns the
// URL-keyed driver cache, picks the right package resolver for each
// candidate, and runs the control loop through which background scanners
// and registry watchers feed new candidates into the index.
//
// Loading flow:
//
//	Index.Match → MatchedCandidate → Loader.Load
//	  → cache hit? return cached driver
//	  → else FetchDriver via base or universe resolver (may block on the
//	    network; runs on the caller's goroutine, never on a connection's
//	    receive loop)
//	  → cache insert (newer semver replaces an older entry for the URL)
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/sirupsen/logrus"

	"wirelink/index"
)

// Driver is a loaded driver package.
type Driver struct {
	URL     string
	Name    string
	Version semver.Version
	// Location records where the package was fetched from (mirror address
	// or local path), for logs and diagnostics.
	Location string
}

// Resolver fetches a driver package by URL. Implementations may block on
// network or disk; the loader never calls them from a connection's
// serialization path.
type Resolver interface {
	FetchDriver(ctx context.Context, url string) (*Driver, error)
}

// Batch is one unit of work for the control loop: candidates to register,
// plus whether the base driver set is now complete.
type Batch struct {
	Candidates   []index.Candidate
	BaseComplete bool
}

// Loader resolves matched candidates into loaded drivers.
type Loader struct {
	ix       *index.Index
	base     Resolver
	universe Resolver
	log      *logrus.Logger

	mu    sync.Mutex
	cache map[string]*Driver
}

// NewLoader creates a loader over the given index. The base resolver serves
// boot and base packages; the universe resolver (optional) serves cached and
// universe packages, falling back to base when nil.
func NewLoader(ix *index.Index, base, universe Resolver, log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{
		ix:       ix,
		base:     base,
		universe: universe,
		log:      log,
		cache:    make(map[string]*Driver),
	}
}

// Index returns the index this loader feeds.
func (l *Loader) Index() *index.Index { return l.ix }

// Load fetches the driver for one matched candidate, serving from cache
// when the URL has been loaded before.
func (l *Loader) Load(ctx context.Context, mc index.MatchedCandidate) (*Driver, error) {
	if mc.Candidate == nil {
		return nil, fmt.Errorf("loader: matched candidate %q has no driver record", mc.URL)
	}

	l.mu.Lock()
	if d, ok := l.cache[mc.URL]; ok {
		l.mu.Unlock()
		return d, nil
	}
	l.mu.Unlock()

	d, err := l.resolverFor(mc.Candidate.PackageType).FetchDriver(ctx, mc.URL)
	if err != nil {
		return nil, fmt.Errorf("loader: fetching %s: %w", mc.URL, err)
	}
	return l.cacheInsert(d), nil
}

// LoadMatches loads every matched candidate in order, skipping (and
// logging) individual fetch failures so one unreachable package does not
// sink the whole match set.
func (l *Loader) LoadMatches(ctx context.Context, matches []index.MatchedCandidate) []*Driver {
	drivers := make([]*Driver, 0, len(matches))
	for _, mc := range matches {
		d, err := l.Load(ctx, mc)
		if err != nil {
			l.log.WithError(err).WithField("url", mc.URL).Warn("driver load failed")
			continue
		}
		drivers = append(drivers, d)
	}
	return drivers
}

// Cached returns the cached driver for a URL, if any.
func (l *Loader) Cached(url string) (*Driver, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.cache[url]
	return d, ok
}

func (l *Loader) resolverFor(pt index.PackageType) Resolver {
	if (pt == index.PackageUniverse || pt == index.PackageCached) && l.universe != nil {
		return l.universe
	}
	return l.base
}

// cacheInsert stores a fetched driver. If two fetches for the same URL
// raced, or a re-scan produced a newer package, the higher version wins.
func (l *Loader) cacheInsert(d *Driver) *Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.cache[d.URL]; ok && existing.Version.GTE(d.Version) {
		return existing
	}
	l.cache[d.URL] = d
	return d
}

// Run is the control loop: the single place where scanner and registry
// batches enter the index. Workers never touch the index directly; they
// post batches here. Run returns when ctx ends or the batch channel closes.
func (l *Loader) Run(ctx context.Context, batches <-chan Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-batches:
			if !ok {
				return nil
			}
			l.ix.AddCandidates(b.Candidates)
			if b.BaseComplete {
				l.ix.SetBaseComplete()
			}
			l.log.WithFields(logrus.Fields{
				"candidates":    len(b.Candidates),
				"base_complete": b.BaseComplete,
			}).Debug("candidate batch indexed")
		}
	}
}
