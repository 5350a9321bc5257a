package policy

import (
	"fmt"
	"os"
	"path"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// fuelPerMilliCPU converts a Kubernetes CPU quantity into the fuel
// ceiling: one milli-CPU buys one thousand fuel units.
const fuelPerMilliCPU = 1000

// Environ is the source of environment values captured at compile
// time. Defaults to os.LookupEnv; tests substitute their own.
type Environ func(key string) (string, bool)

// Compile turns a validated policy document into an immutable sandbox
// template. Missing limits fall back to the given defaults. The
// environment is captured now: later changes to the host environment
// never leak into already-compiled templates.
func Compile(doc *Document, defaults ResourceLimits, lookup Environ) (*Template, error) {
	if doc == nil {
		return DefaultDeny(defaults), nil
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	t := &Template{
		storage: newPathTrie(),
		network: newHostMatcher(),
		env:     map[string]string{},
		limits:  defaults,
	}

	insertStorage := func(rules []StorageRule, allow bool) {
		for _, r := range rules {
			pattern, _ := storagePattern(r.URI) // validated above
			pattern = path.Clean(pattern)
			access := make(map[Access]bool, len(r.Access))
			for _, a := range r.Access {
				access[a] = true
			}
			prefix := literalPrefix(pattern)
			t.storage.insert(&storageRule{
				pattern:     pattern,
				prefix:      prefix,
				access:      access,
				allow:       allow,
				specificity: len(prefix),
			})
		}
	}
	insertStorage(doc.Permissions.Storage.Allow, true)
	insertStorage(doc.Permissions.Storage.Deny, false)

	insertNetwork := func(rules []NetworkRule, allow bool) {
		for _, r := range rules {
			nr := &networkRule{
				scheme:      r.Protocol,
				allow:       allow,
				specificity: networkSpecificity(r.Host, len(r.Ports) > 0, r.Protocol != ""),
			}
			if len(r.Ports) > 0 {
				nr.ports = make(map[uint16]bool, len(r.Ports))
				for _, p := range r.Ports {
					nr.ports[p] = true
				}
			}
			t.network.insert(r.Host, nr)
		}
	}
	insertNetwork(doc.Permissions.Network.Allow, true)
	insertNetwork(doc.Permissions.Network.Deny, false)

	denied := make(map[string]bool, len(doc.Permissions.Environment.Deny))
	for _, r := range doc.Permissions.Environment.Deny {
		denied[r.Key] = true
	}
	for _, r := range doc.Permissions.Environment.Allow {
		if denied[r.Key] {
			continue
		}
		if v, ok := lookup(r.Key); ok {
			t.env[r.Key] = v
		}
	}

	if doc.Resources != nil {
		l := doc.Resources.Limits
		if l.Memory != "" {
			q, err := resource.ParseQuantity(l.Memory)
			if err != nil {
				return nil, fmt.Errorf("parse memory limit: %w", err)
			}
			t.limits.MemoryBytes = uint64(q.Value())
		}
		if l.CPU != "" {
			q, err := resource.ParseQuantity(l.CPU)
			if err != nil {
				return nil, fmt.Errorf("parse cpu limit: %w", err)
			}
			t.limits.Fuel = uint64(q.MilliValue()) * fuelPerMilliCPU
		}
		if l.Timeout != "" {
			d, err := time.ParseDuration(l.Timeout)
			if err != nil {
				return nil, fmt.Errorf("parse timeout limit: %w", err)
			}
			t.limits.Timeout = d
		}
	}

	return t, nil
}
