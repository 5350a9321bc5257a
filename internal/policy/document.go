// Package policy implements the capability policy model: parsing and
// validating declarative policy documents, merging runtime overlays,
// and compiling the result into an immutable sandbox template with
// near-constant-time permission decisions.
//
// A policy document carries three permission sections (storage,
// network, environment), each with allow and deny lists, plus an
// optional resources.limits block. The most specific matching rule
// decides; deny takes precedence over allow at equal specificity, and
// the absence of a matching allow entry for a resource means deny.
package policy

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Access is a storage access atom.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// PermissionKind names one of the three permission sections. Used by
// the runtime grant/revoke operations.
type PermissionKind string

const (
	KindStorage     PermissionKind = "storage"
	KindNetwork     PermissionKind = "network"
	KindEnvironment PermissionKind = "environment"
)

// StorageRule grants or denies filesystem access to a fs:// URI
// pattern. The pattern may end in a glob suffix (`**` for recursive).
type StorageRule struct {
	URI    string   `yaml:"uri" json:"uri"`
	Access []Access `yaml:"access" json:"access"`
}

// NetworkRule grants or denies outbound network access. Host supports
// a single leading wildcard label (`*.example.com`). Empty Ports means
// any port; empty Protocol means any scheme.
type NetworkRule struct {
	Host     string   `yaml:"host" json:"host"`
	Ports    []uint16 `yaml:"ports,omitempty" json:"ports,omitempty"`
	Protocol string   `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// EnvRule grants or denies access to one environment variable, by
// exact name.
type EnvRule struct {
	Key string `yaml:"key" json:"key"`
}

// StoragePerms is the storage section of a policy document.
type StoragePerms struct {
	Allow []StorageRule `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []StorageRule `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// NetworkPerms is the network section of a policy document.
type NetworkPerms struct {
	Allow []NetworkRule `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []NetworkRule `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// EnvPerms is the environment section of a policy document.
type EnvPerms struct {
	Allow []EnvRule `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []EnvRule `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Permissions groups the three permission sections.
type Permissions struct {
	Storage     StoragePerms `yaml:"storage,omitempty" json:"storage,omitempty"`
	Network     NetworkPerms `yaml:"network,omitempty" json:"network,omitempty"`
	Environment EnvPerms     `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Limits carries the resource ceilings in their on-disk Kubernetes
// quantity notation (memory "512Mi", cpu "500m") plus a wall-clock
// timeout duration string.
type Limits struct {
	Memory  string `yaml:"memory,omitempty" json:"memory,omitempty"`
	CPU     string `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Resources is the resources block of a policy document.
type Resources struct {
	Limits Limits `yaml:"limits" json:"limits"`
}

// Document is a parsed capability policy.
type Document struct {
	Version     string      `yaml:"version" json:"version"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Permissions Permissions `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Resources   *Resources  `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Diagnostic is one validation finding, located by the field it
// concerns.
type Diagnostic struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates policy validation diagnostics.
type ValidationError struct {
	Diagnostics []Diagnostic
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = fmt.Sprintf("%s: %s", d.Field, d.Message)
	}
	return "policy validation failed: " + strings.Join(parts, "; ")
}

// supportedVersions constrains the policy document version field.
var supportedVersions = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse decodes a policy document from YAML or JSON (YAML being a
// superset, one decoder serves both) and validates it. Parsing is
// side-effect-free.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document and returns all diagnostics at once.
// It never mutates the document.
func (d *Document) Validate() error {
	var diags []Diagnostic
	add := func(field, format string, args ...any) {
		diags = append(diags, Diagnostic{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if d.Version == "" {
		add("version", "required")
	} else if v, err := semver.NewVersion(d.Version); err != nil {
		add("version", "not a semantic version: %v", err)
	} else if !supportedVersions.Check(v) {
		add("version", "unsupported version %s (supported: %s)", d.Version, supportedVersions)
	}

	validateStorage := func(field string, rules []StorageRule) {
		for i, r := range rules {
			f := fmt.Sprintf("%s[%d]", field, i)
			if _, err := storagePattern(r.URI); err != nil {
				add(f+".uri", "%v", err)
			}
			if len(r.Access) == 0 {
				add(f+".access", "at least one access atom required")
			}
			for _, a := range r.Access {
				if a != AccessRead && a != AccessWrite {
					add(f+".access", "unknown access atom %q", a)
				}
			}
		}
	}
	validateStorage("permissions.storage.allow", d.Permissions.Storage.Allow)
	validateStorage("permissions.storage.deny", d.Permissions.Storage.Deny)

	validateNetwork := func(field string, rules []NetworkRule) {
		for i, r := range rules {
			f := fmt.Sprintf("%s[%d]", field, i)
			if err := validateHostPattern(r.Host); err != nil {
				add(f+".host", "%v", err)
			}
			if r.Protocol != "" && r.Protocol != "http" && r.Protocol != "https" {
				add(f+".protocol", "unknown protocol %q", r.Protocol)
			}
		}
	}
	validateNetwork("permissions.network.allow", d.Permissions.Network.Allow)
	validateNetwork("permissions.network.deny", d.Permissions.Network.Deny)

	validateEnv := func(field string, rules []EnvRule) {
		for i, r := range rules {
			if r.Key == "" {
				add(fmt.Sprintf("%s[%d].key", field, i), "required")
			} else if strings.ContainsAny(r.Key, "=\x00") {
				add(fmt.Sprintf("%s[%d].key", field, i), "invalid variable name %q", r.Key)
			}
		}
	}
	validateEnv("permissions.environment.allow", d.Permissions.Environment.Allow)
	validateEnv("permissions.environment.deny", d.Permissions.Environment.Deny)

	if d.Resources != nil {
		l := d.Resources.Limits
		if l.Memory != "" {
			if q, err := resource.ParseQuantity(l.Memory); err != nil {
				add("resources.limits.memory", "%v", err)
			} else if q.Sign() <= 0 {
				add("resources.limits.memory", "must be positive")
			} else if q.Value() > maxMemoryBytes {
				add("resources.limits.memory", "exceeds maximum %d bytes", int64(maxMemoryBytes))
			}
		}
		if l.CPU != "" {
			if q, err := resource.ParseQuantity(l.CPU); err != nil {
				add("resources.limits.cpu", "%v", err)
			} else if q.Sign() < 0 {
				add("resources.limits.cpu", "must not be negative")
			}
		}
		if l.Timeout != "" {
			if t, err := time.ParseDuration(l.Timeout); err != nil {
				add("resources.limits.timeout", "%v", err)
			} else if t <= 0 {
				add("resources.limits.timeout", "must be positive")
			} else if t > maxTimeout {
				add("resources.limits.timeout", "exceeds maximum %s", maxTimeout)
			}
		}
	}

	// A deny entry that contradicts itself syntactically (same rule
	// listed with disjoint access sets is fine; an empty access set is
	// not) is already covered above. Flag duplicate deny URIs with
	// differing access sets only when one is empty.
	if len(diags) > 0 {
		return &ValidationError{Diagnostics: diags}
	}
	return nil
}

const (
	maxMemoryBytes = int64(4) << 30 // 4Gi per instance
	maxTimeout     = 10 * time.Minute
)

// storagePattern extracts the filesystem glob pattern from a fs:// URI.
// The path must be absolute and free of parent traversal.
func storagePattern(uri string) (string, error) {
	if !strings.HasPrefix(uri, "fs://") {
		return "", fmt.Errorf("storage URI must use the fs:// scheme, got %q", uri)
	}
	pattern := strings.TrimPrefix(uri, "fs://")
	if !strings.HasPrefix(pattern, "/") {
		return "", fmt.Errorf("storage path must be absolute, got %q", pattern)
	}
	for _, seg := range strings.Split(pattern, "/") {
		if seg == ".." {
			return "", fmt.Errorf("storage path must not contain %q", "..")
		}
	}
	return pattern, nil
}

// validateHostPattern accepts a hostname with at most one leading
// wildcard label.
func validateHostPattern(host string) error {
	if host == "" {
		return fmt.Errorf("required")
	}
	h := host
	if strings.HasPrefix(h, "*.") {
		h = h[2:]
	}
	if strings.Contains(h, "*") {
		return fmt.Errorf("only a single leading wildcard label is supported, got %q", host)
	}
	if u, err := url.Parse("https://" + h); err != nil || u.Hostname() != h {
		return fmt.Errorf("invalid hostname %q", host)
	}
	return nil
}

// Marshal renders the document as YAML, the canonical on-disk form.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Permissions.Storage.Allow = append([]StorageRule(nil), d.Permissions.Storage.Allow...)
	out.Permissions.Storage.Deny = append([]StorageRule(nil), d.Permissions.Storage.Deny...)
	out.Permissions.Network.Allow = append([]NetworkRule(nil), d.Permissions.Network.Allow...)
	out.Permissions.Network.Deny = append([]NetworkRule(nil), d.Permissions.Network.Deny...)
	out.Permissions.Environment.Allow = append([]EnvRule(nil), d.Permissions.Environment.Allow...)
	out.Permissions.Environment.Deny = append([]EnvRule(nil), d.Permissions.Environment.Deny...)
	if d.Resources != nil {
		r := *d.Resources
		out.Resources = &r
	}
	return &out
}
