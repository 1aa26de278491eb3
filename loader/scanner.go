package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wirelink/index"
)

// manifest is the on-disk TOML form of a driver candidate.
//
//	url = "fuchsia-pkg://drivers/gpio"
//	name = "gpio"
//	version = "1.2.0"
//	fallback = false
//	package_type = "base"
//
//	[[rules]]
//	key = "bus"
//	op = "equals"
//	str = "i2c"
type manifest struct {
	URL         string         `toml:"url"`
	Name        string         `toml:"name"`
	Version     string         `toml:"version"`
	Fallback    bool           `toml:"fallback"`
	Colocate    bool           `toml:"colocate"`
	PackageType string         `toml:"package_type"`
	Rules       []ruleSpec     `toml:"rules"`
	Composite   *compositeSpec `toml:"composite"`
}

type ruleSpec struct {
	Key  string  `toml:"key"`
	Op   string  `toml:"op"`
	Str  *string `toml:"str"`
	Int  *uint64 `toml:"int"`
	Bool *bool   `toml:"bool"`
	Enum *string `toml:"enum"`
}

type compositeSpec struct {
	Name  string     `toml:"name"`
	Nodes []nodeSpec `toml:"nodes"`
}

type nodeSpec struct {
	Path  string     `toml:"path"`
	Index uint32     `toml:"index"`
	Rules []ruleSpec `toml:"rules"`
}

func (r ruleSpec) toRule() (index.Rule, error) {
	rule := index.Rule{Key: r.Key}
	if rule.Key == "" {
		return rule, fmt.Errorf("rule with empty key")
	}
	switch r.Op {
	case "equals":
		rule.Op = index.OpEquals
		switch {
		case r.Str != nil:
			rule.Value = index.StrValue(*r.Str)
		case r.Int != nil:
			rule.Value = index.IntValue(*r.Int)
		case r.Bool != nil:
			rule.Value = index.BoolValue(*r.Bool)
		case r.Enum != nil:
			rule.Value = index.EnumValue(*r.Enum)
		default:
			return rule, fmt.Errorf("equals rule for %q has no value", r.Key)
		}
	case "exists":
		rule.Op = index.OpExists
	case "absent":
		rule.Op = index.OpAbsent
	default:
		return rule, fmt.Errorf("unknown rule op %q", r.Op)
	}
	return rule, nil
}

func toRules(specs []ruleSpec) ([]index.Rule, error) {
	rules := make([]index.Rule, 0, len(specs))
	for _, s := range specs {
		r, err := s.toRule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parsePackageType(s string) (index.PackageType, error) {
	switch s {
	case "boot":
		return index.PackageBoot, nil
	case "base", "":
		return index.PackageBase, nil
	case "cached":
		return index.PackageCached, nil
	case "universe":
		return index.PackageUniverse, nil
	}
	return 0, fmt.Errorf("unknown package type %q", s)
}

// ParseManifest reads one TOML driver manifest into a candidate.
func ParseManifest(path string) (index.Candidate, error) {
	var m manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return index.Candidate{}, fmt.Errorf("loader: parsing %s: %w", path, err)
	}
	if m.URL == "" {
		return index.Candidate{}, fmt.Errorf("loader: manifest %s has no url", path)
	}

	cand := index.Candidate{
		URL:      m.URL,
		Name:     m.Name,
		Fallback: m.Fallback,
		Colocate: m.Colocate,
	}
	if m.Version != "" {
		v, err := semver.Parse(m.Version)
		if err != nil {
			return index.Candidate{}, fmt.Errorf("loader: manifest %s version: %w", path, err)
		}
		cand.Version = v
	}
	pt, err := parsePackageType(m.PackageType)
	if err != nil {
		return index.Candidate{}, fmt.Errorf("loader: manifest %s: %w", path, err)
	}
	cand.PackageType = pt

	if cand.Rules, err = toRules(m.Rules); err != nil {
		return index.Candidate{}, fmt.Errorf("loader: manifest %s: %w", path, err)
	}
	if m.Composite != nil {
		comp := &index.Composite{Name: m.Composite.Name}
		for _, n := range m.Composite.Nodes {
			rules, err := toRules(n.Rules)
			if err != nil {
				return index.Candidate{}, fmt.Errorf("loader: manifest %s: %w", path, err)
			}
			comp.Nodes = append(comp.Nodes, index.CompositeNode{Path: n.Path, Index: n.Index, Rules: rules})
		}
		cand.Composite = comp
	}
	return cand, nil
}

// Scanner watches a directory of TOML driver manifests and posts candidate
// batches to the loader's control loop. It never touches the index itself:
// all mutation goes through the batch channel.
type Scanner struct {
	dir string
	out chan<- Batch
	log *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewScanner creates a scanner over dir posting to out.
func NewScanner(dir string, out chan<- Batch, log *logrus.Logger) *Scanner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{dir: dir, out: out, log: log, seen: make(map[string]bool)}
}

// Run scans the directory once, posts the initial batch (fallback manifests
// ordered after primaries, marked base-complete), then watches for new
// manifests until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: starting watcher: %w", err)
	}
	defer watcher.Close()
	// Watch before the initial scan so a manifest landing in between is not
	// missed; the seen set deduplicates the overlap.
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("loader: watching %s: %w", s.dir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.initialScan(ctx) })
	g.Go(func() error { return s.watchLoop(ctx, watcher) })
	return g.Wait()
}

func (s *Scanner) initialScan(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("loader: scanning %s: %w", s.dir, err)
	}

	var primary, fallback []index.Candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		cand, ok := s.take(path)
		if !ok {
			continue
		}
		if cand.Fallback {
			fallback = append(fallback, cand)
		} else {
			primary = append(primary, cand)
		}
	}

	batch := Batch{Candidates: append(primary, fallback...), BaseComplete: true}
	return s.post(ctx, batch)
}

func (s *Scanner) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("manifest watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".toml") {
				continue
			}
			cand, ok := s.take(ev.Name)
			if !ok {
				continue
			}
			if err := s.post(ctx, Batch{Candidates: []index.Candidate{cand}}); err != nil {
				return err
			}
		}
	}
}

// take parses a manifest, registering each path at most once. A path is
// marked seen only on a successful parse: tools that create a file and then
// write its contents produce a Create event for an empty manifest, and the
// later Write event must still get its retry. The lock spans the parse so a
// racing initial scan and watch event cannot both post the same manifest.
func (s *Scanner) take(path string) (index.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[path] {
		return index.Candidate{}, false
	}

	cand, err := ParseManifest(path)
	if err != nil {
		s.log.WithError(err).Warn("skipping malformed manifest")
		return index.Candidate{}, false
	}
	s.seen[path] = true
	return cand, true
}

func (s *Scanner) post(ctx context.Context, b Batch) error {
	select {
	case s.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
