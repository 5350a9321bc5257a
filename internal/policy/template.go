package policy

import (
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Template is the compiled, immutable sandbox state prototype derived
// from a policy document. It holds the three pre-indexed lookup
// structures (a path trie for storage, a host/port matcher for
// network, a captured environment map) plus the normalized resource
// ceilings. Templates are shared across calls and never mutated after
// Compile returns.
type Template struct {
	storage *pathTrie
	network *hostMatcher
	env     map[string]string

	limits ResourceLimits
}

// ResourceLimits are the normalized ceilings applied to every
// invocation instantiated from this template: bytes of linear memory,
// a fuel count for CPU, and a wall-clock deadline.
type ResourceLimits struct {
	MemoryBytes uint64
	Fuel        uint64
	Timeout     time.Duration
}

// Preopen is one pre-opened directory root granted to the guest.
type Preopen struct {
	HostPath string
	Writable bool
}

// DefaultDeny returns a template that denies every storage, network,
// and environment request and applies the given resource defaults.
// Components loaded without a policy run under this template.
func DefaultDeny(defaults ResourceLimits) *Template {
	return &Template{
		storage: newPathTrie(),
		network: newHostMatcher(),
		env:     map[string]string{},
		limits:  defaults,
	}
}

// Limits returns the normalized resource ceilings.
func (t *Template) Limits() ResourceLimits { return t.limits }

// Preopens lists the directory roots to pre-open for an instance, one
// per distinct allow-rule literal prefix. Deny rules never contribute
// preopens; they are enforced at decision time inside the mount.
func (t *Template) Preopens() []Preopen {
	return t.storage.preopens()
}

// Env returns the captured environment map. Variables outside the
// allow-set are absent, not empty.
func (t *Template) Env() map[string]string { return t.env }

// AllowPath decides whether the guest may open the canonical path p
// with the given access. The answer is the polarity of the
// most-specific matching rule; no match means deny.
func (t *Template) AllowPath(p string, access Access) bool {
	return t.storage.decide(path.Clean(p), access)
}

// AllowNetwork decides whether the guest may connect to host:port over
// the given scheme.
func (t *Template) AllowNetwork(host string, port uint16, scheme string) bool {
	return t.network.decide(strings.ToLower(host), port, scheme)
}

// EnvValue returns the captured value of an allowed variable.
func (t *Template) EnvValue(key string) (string, bool) {
	v, ok := t.env[key]
	return v, ok
}

// ── Storage: path trie ──────────────────────────────────────

// storageRule is one compiled storage entry: the full glob pattern,
// the literal prefix it is anchored at, the access atoms it covers,
// and its polarity. Specificity is the length of the literal prefix.
type storageRule struct {
	pattern     string
	prefix      string
	access      map[Access]bool
	allow       bool
	specificity int
}

type trieNode struct {
	children map[string]*trieNode
	rules    []*storageRule
}

// pathTrie indexes storage rules by the segments of their literal
// prefix so a decision only inspects rules anchored on the queried
// path.
type pathTrie struct {
	root *trieNode
}

func newPathTrie() *pathTrie {
	return &pathTrie{root: &trieNode{children: map[string]*trieNode{}}}
}

func (pt *pathTrie) insert(r *storageRule) {
	node := pt.root
	for _, seg := range splitPath(r.prefix) {
		child, ok := node.children[seg]
		if !ok {
			child = &trieNode{children: map[string]*trieNode{}}
			node.children[seg] = child
		}
		node = child
	}
	node.rules = append(node.rules, r)
}

// decide walks the trie along the queried path, collecting rules at
// every prefix node, and answers with the polarity of the most
// specific pattern match. Deny beats allow at equal specificity.
func (pt *pathTrie) decide(p string, access Access) bool {
	best := -1
	allow := false
	node := pt.root
	consider := func(rules []*storageRule) {
		for _, r := range rules {
			if !r.access[access] {
				continue
			}
			ok, err := doublestar.Match(r.pattern, p)
			if err != nil || !ok {
				continue
			}
			if r.specificity > best || (r.specificity == best && !r.allow) {
				best = r.specificity
				allow = r.allow
			}
		}
	}
	consider(node.rules)
	for _, seg := range splitPath(p) {
		child, ok := node.children[seg]
		if !ok {
			break
		}
		node = child
		consider(node.rules)
	}
	if best < 0 {
		return false
	}
	return allow
}

func (pt *pathTrie) preopens() []Preopen {
	seen := make(map[string]*Preopen)
	var order []string
	var walk func(n *trieNode)
	walk = func(n *trieNode) {
		for _, r := range n.rules {
			if !r.allow {
				continue
			}
			p, ok := seen[r.prefix]
			if !ok {
				seen[r.prefix] = &Preopen{HostPath: r.prefix, Writable: r.access[AccessWrite]}
				order = append(order, r.prefix)
				continue
			}
			if r.access[AccessWrite] {
				p.Writable = true
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(pt.root)
	out := make([]Preopen, 0, len(order))
	for _, prefix := range order {
		out = append(out, *seen[prefix])
	}
	return out
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// literalPrefix returns the longest literal directory prefix of a glob
// pattern: everything before the first segment containing a meta
// character.
func literalPrefix(pattern string) string {
	segs := strings.Split(pattern, "/")
	var literal []string
	for _, seg := range segs {
		if strings.ContainsAny(seg, "*?[{") {
			break
		}
		literal = append(literal, seg)
	}
	p := strings.Join(literal, "/")
	if p == "" {
		p = "/"
	}
	return p
}

// ── Network: host matcher ───────────────────────────────────

// networkRule is one compiled network entry. Wildcard rules match one
// or more leading labels below the suffix.
type networkRule struct {
	ports       map[uint16]bool // nil = any
	scheme      string          // "" = any
	allow       bool
	specificity int
}

// hostMatcher indexes network rules by exact host and by wildcard
// suffix.
type hostMatcher struct {
	exact    map[string][]*networkRule
	wildcard map[string][]*networkRule // key: suffix after "*."
}

func newHostMatcher() *hostMatcher {
	return &hostMatcher{
		exact:    map[string][]*networkRule{},
		wildcard: map[string][]*networkRule{},
	}
}

func (hm *hostMatcher) insert(host string, r *networkRule) {
	host = strings.ToLower(host)
	if suffix, ok := strings.CutPrefix(host, "*."); ok {
		hm.wildcard[suffix] = append(hm.wildcard[suffix], r)
		return
	}
	hm.exact[host] = append(hm.exact[host], r)
}

func (hm *hostMatcher) decide(host string, port uint16, scheme string) bool {
	best := -1
	allow := false
	consider := func(rules []*networkRule) {
		for _, r := range rules {
			if r.ports != nil && !r.ports[port] {
				continue
			}
			if r.scheme != "" && r.scheme != scheme {
				continue
			}
			if r.specificity > best || (r.specificity == best && !r.allow) {
				best = r.specificity
				allow = r.allow
			}
		}
	}
	consider(hm.exact[host])
	// Wildcard suffixes: *.example.com matches api.example.com and
	// a.b.example.com, never example.com itself.
	for i := strings.IndexByte(host, '.'); i > 0; i = nextDot(host, i) {
		consider(hm.wildcard[host[i+1:]])
	}
	if best < 0 {
		return false
	}
	return allow
}

func nextDot(host string, after int) int {
	i := strings.IndexByte(host[after+1:], '.')
	if i < 0 {
		return -1
	}
	return after + 1 + i
}

// networkSpecificity ranks a rule: exact host beats wildcard, and each
// narrowing dimension (port set, scheme) adds weight.
func networkSpecificity(host string, hasPorts, hasScheme bool) int {
	s := 100
	if strings.HasPrefix(host, "*.") {
		s = 50
	}
	if hasPorts {
		s += 10
	}
	if hasScheme {
		s += 5
	}
	return s
}
