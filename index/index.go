// Package index implements the driver matching engine: a registry of
// candidate drivers, each declaring property rules, matched against the
// property set of a requesting node.
//
// Matching is a pure read: it never mutates registration state, so the same
// inputs always produce the same ordered output. Candidates marked fallback
// are deferred behind every primary match regardless of registration order
// between the two sets, but order within each set is preserved (stable
// partition, not a re-sort).
package index

import (
	"fmt"
	"sync"

	"github.com/blang/semver/v4"
	"github.com/sirupsen/logrus"
)

// ValueKind discriminates the property value union.
type ValueKind int

const (
	KindInt ValueKind = iota
	KindStr
	KindBool
	KindEnum
)

// Value is one node property value: an integer, string, boolean, or enum
// variant. Exactly one field is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	Int  uint64
	Str  string
	Bool bool
	Enum string
}

// IntValue, StrValue, BoolValue, and EnumValue construct tagged values.
func IntValue(v uint64) Value  { return Value{Kind: KindInt, Int: v} }
func StrValue(v string) Value  { return Value{Kind: KindStr, Str: v} }
func BoolValue(v bool) Value   { return Value{Kind: KindBool, Bool: v} }
func EnumValue(v string) Value { return Value{Kind: KindEnum, Enum: v} }

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindStr:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindEnum:
		return v.Enum == o.Enum
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindStr:
		return v.Str
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindEnum:
		return "enum:" + v.Enum
	}
	return "invalid"
}

// Properties is the property set of a node requesting a driver.
type Properties map[string]Value

// Op is a rule operator.
type Op int

const (
	// OpEquals requires the key to be present with an equal value.
	OpEquals Op = iota
	// OpExists requires the key to be present with any value.
	OpExists
	// OpAbsent requires the key to be missing.
	OpAbsent
)

// Rule is one property constraint. A candidate matches a node iff every one
// of its rules is satisfied by the node's properties.
type Rule struct {
	Key   string `json:"key"`
	Op    Op     `json:"op"`
	Value Value  `json:"value"`
}

// Satisfied evaluates the rule against a property set.
func (r Rule) Satisfied(props Properties) bool {
	v, ok := props[r.Key]
	switch r.Op {
	case OpEquals:
		return ok && v.Equal(r.Value)
	case OpExists:
		return ok
	case OpAbsent:
		return !ok
	}
	return false
}

func rulesSatisfied(rules []Rule, props Properties) bool {
	for _, r := range rules {
		if !r.Satisfied(props) {
			return false
		}
	}
	return true
}

// PackageType says where a driver package lives, which decides both the
// resolver used to fetch it and its eligibility under restricted matching.
type PackageType int

const (
	PackageBoot PackageType = iota
	PackageBase
	PackageCached
	PackageUniverse
)

// CompositeNode is one constituent of a composite candidate: a named
// position in the composite plus the rules a node must satisfy to fill it.
type CompositeNode struct {
	Path  string `json:"path"`
	Index uint32 `json:"index"`
	Rules []Rule `json:"rules"`
}

// Composite describes a driver assembled from several matched nodes.
type Composite struct {
	Name  string          `json:"name"`
	Nodes []CompositeNode `json:"nodes"`
}

// Validate checks the composite descriptor structurally: a non-empty name,
// at least one node, a non-empty path on every node, and node indices that
// are in range and free of duplicates. An incomplete descriptor is an error;
// it is never partially matched.
func (c *Composite) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("index: composite with empty name")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("index: composite %q has no nodes", c.Name)
	}
	seen := make(map[uint32]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Path == "" {
			return fmt.Errorf("index: composite %q node %d has empty path", c.Name, i)
		}
		if n.Index >= uint32(len(c.Nodes)) {
			return fmt.Errorf("index: composite %q node %q index %d out of range [0,%d)",
				c.Name, n.Path, n.Index, len(c.Nodes))
		}
		if seen[n.Index] {
			return fmt.Errorf("index: composite %q duplicate node index %d", c.Name, n.Index)
		}
		seen[n.Index] = true
	}
	return nil
}

// Candidate is one registered driver.
type Candidate struct {
	URL         string         `json:"url"`
	Name        string         `json:"name"`
	Version     semver.Version `json:"version"`
	Fallback    bool           `json:"fallback"`
	Colocate    bool           `json:"colocate"`
	PackageType PackageType    `json:"package_type"`
	Rules       []Rule         `json:"rules"`
	Composite   *Composite     `json:"composite,omitempty"`
}

// MatchedComposite identifies which node of which composite was matched.
type MatchedComposite struct {
	Name      string
	Node      uint32
	NumNodes  uint32
	NodeNames []string
}

// MatchedCandidate is one match result. It is built fresh per match request
// and references the long-lived registered candidate.
type MatchedCandidate struct {
	URL       string
	Fallback  bool
	Colocate  bool
	Candidate *Candidate
	Composite *MatchedComposite
}

// MatchConfig selects the matching mode.
type MatchConfig struct {
	// URL, when non-empty, requests a specific driver by exact URL. Property
	// rules are bypassed, and a fallback candidate named this way is always
	// returned.
	URL string
	// BaseAndFallbackOnly skips non-fallback boot-package candidates.
	BaseAndFallbackOnly bool
}

// Index is the process-scoped candidate registry. One mutex guards the
// append-only candidate list and the base-complete flag.
type Index struct {
	mu           sync.Mutex
	candidates   []*Candidate
	baseComplete bool
	log          *logrus.Logger
}

// New creates an empty index.
func New(log *logrus.Logger) *Index {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Index{log: log}
}

// AddCandidates appends a batch, preserving its order. Registration is
// append-only: candidates are never reordered or removed.
func (ix *Index) AddCandidates(batch []Candidate) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range batch {
		c := batch[i]
		ix.candidates = append(ix.candidates, &c)
	}
}

// SetBaseComplete marks the base driver set as fully loaded. Until then,
// autobind matching withholds fallback candidates so that a fallback driver
// never shadows a base driver that simply has not been indexed yet.
func (ix *Index) SetBaseComplete() {
	ix.mu.Lock()
	ix.baseComplete = true
	ix.mu.Unlock()
}

// BaseComplete reports whether the base driver set has been marked loaded.
func (ix *Index) BaseComplete() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.baseComplete
}

// Len returns the number of registered candidates.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.candidates)
}

// Match returns the candidates matching the given node properties, primaries
// first, fallbacks after, each set in registration order. An empty result is
// a normal outcome. A malformed composite is logged and skipped without
// aborting the pass.
func (ix *Index) Match(props Properties, config MatchConfig) []MatchedCandidate {
	ix.mu.Lock()
	candidates := ix.candidates
	baseComplete := ix.baseComplete
	ix.mu.Unlock()

	if config.URL != "" {
		return ix.matchSpecific(candidates, props, config.URL)
	}

	var primary, fallback []MatchedCandidate
	for _, c := range candidates {
		if config.BaseAndFallbackOnly && c.PackageType == PackageBoot && !c.Fallback {
			continue
		}
		mc, ok := ix.evaluate(c, props)
		if !ok {
			continue
		}
		if c.Fallback {
			// A fallback match is only trusted once every base driver has
			// had its chance to register.
			if baseComplete {
				fallback = append(fallback, mc)
			}
			continue
		}
		primary = append(primary, mc)
	}
	return append(primary, fallback...)
}

// matchSpecific implements specific lookup: exact-URL match, property rules
// bypassed, fallback always eligible.
func (ix *Index) matchSpecific(candidates []*Candidate, props Properties, url string) []MatchedCandidate {
	for _, c := range candidates {
		if c.URL != url {
			continue
		}
		if c.Composite != nil {
			if err := c.Composite.Validate(); err != nil {
				ix.log.WithError(err).WithField("url", c.URL).Warn("skipping candidate with malformed composite")
				continue
			}
			// A specific lookup still evaluates the node rules so the result
			// can name which composite node the requesting properties fill.
			// When no node's rules pass, the candidate is returned anyway
			// (the URL was named explicitly) with no composite node info.
			if mc, ok := ix.evaluate(c, props); ok {
				return []MatchedCandidate{mc}
			}
		}
		return []MatchedCandidate{{
			URL:       c.URL,
			Fallback:  c.Fallback,
			Colocate:  c.Colocate,
			Candidate: c,
		}}
	}
	return nil
}

// evaluate checks one candidate against the node properties. For a plain
// candidate its rule list must hold; for a composite candidate some node's
// rule list must hold, and the matched node is reported.
func (ix *Index) evaluate(c *Candidate, props Properties) (MatchedCandidate, bool) {
	if c.Composite == nil {
		if !rulesSatisfied(c.Rules, props) {
			return MatchedCandidate{}, false
		}
		return MatchedCandidate{URL: c.URL, Fallback: c.Fallback, Colocate: c.Colocate, Candidate: c}, true
	}

	if err := c.Composite.Validate(); err != nil {
		ix.log.WithError(err).WithField("url", c.URL).Warn("skipping candidate with malformed composite")
		return MatchedCandidate{}, false
	}

	for _, n := range c.Composite.Nodes {
		if !rulesSatisfied(n.Rules, props) {
			continue
		}
		names := make([]string, len(c.Composite.Nodes))
		for i, nn := range c.Composite.Nodes {
			names[i] = nn.Path
		}
		return MatchedCandidate{
			URL:       c.URL,
			Fallback:  c.Fallback,
			Colocate:  c.Colocate,
			Candidate: c,
			Composite: &MatchedComposite{
				Name:      c.Composite.Name,
				Node:      n.Index,
				NumNodes:  uint32(len(c.Composite.Nodes)),
				NodeNames: names,
			},
		}, true
	}
	return MatchedCandidate{}, false
}
