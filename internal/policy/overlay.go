package policy

import (
	"fmt"
	"sync"
)

// Overlay accumulates runtime permission grants and revocations on top
// of a base policy document. Grants and revocations never touch the
// user's on-disk policy file; they live here until the overlay is
// reset. Effective() materializes the merged document the compiler
// and the get-policy operation consume.
type Overlay struct {
	mu      sync.Mutex
	grants  Permissions
	revokes Permissions
}

// NewOverlay returns an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{}
}

// Grant adds an allow rule of the given kind to the overlay. The rule
// value must match the kind: StorageRule, NetworkRule, or EnvRule.
func (o *Overlay) Grant(kind PermissionKind, rule any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch kind {
	case KindStorage:
		r, ok := rule.(StorageRule)
		if !ok {
			return fmt.Errorf("grant %s: expected StorageRule, got %T", kind, rule)
		}
		o.grants.Storage.Allow = append(o.grants.Storage.Allow, r)
	case KindNetwork:
		r, ok := rule.(NetworkRule)
		if !ok {
			return fmt.Errorf("grant %s: expected NetworkRule, got %T", kind, rule)
		}
		o.grants.Network.Allow = append(o.grants.Network.Allow, r)
	case KindEnvironment:
		r, ok := rule.(EnvRule)
		if !ok {
			return fmt.Errorf("grant %s: expected EnvRule, got %T", kind, rule)
		}
		o.grants.Environment.Allow = append(o.grants.Environment.Allow, r)
	default:
		return fmt.Errorf("unknown permission kind %q", kind)
	}
	return nil
}

// Revoke removes matching allow rules (base and overlay) of the given
// kind. Storage rules are keyed by URI, network rules by host,
// environment rules by variable name.
func (o *Overlay) Revoke(kind PermissionKind, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch kind {
	case KindStorage:
		o.revokes.Storage.Allow = append(o.revokes.Storage.Allow, StorageRule{URI: key})
		o.grants.Storage.Allow = filterStorage(o.grants.Storage.Allow, key)
	case KindNetwork:
		o.revokes.Network.Allow = append(o.revokes.Network.Allow, NetworkRule{Host: key})
		o.grants.Network.Allow = filterNetwork(o.grants.Network.Allow, key)
	case KindEnvironment:
		o.revokes.Environment.Allow = append(o.revokes.Environment.Allow, EnvRule{Key: key})
		o.grants.Environment.Allow = filterEnv(o.grants.Environment.Allow, key)
	default:
		return fmt.Errorf("unknown permission kind %q", kind)
	}
	return nil
}

// Reset drops all grants and revocations.
func (o *Overlay) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.grants = Permissions{}
	o.revokes = Permissions{}
}

// Effective merges the overlay onto a base document and returns the
// document the sandbox compiler sees: base allows minus revocations,
// plus granted allows. Deny lists pass through untouched; a grant is
// decided like any other allow rule, so a deny that matches with equal
// or greater specificity still wins. The base is not modified.
func (o *Overlay) Effective(base *Document) *Document {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out *Document
	if base != nil {
		out = base.Clone()
	} else {
		out = &Document{Version: "1.0.0"}
	}

	for _, r := range o.revokes.Storage.Allow {
		out.Permissions.Storage.Allow = filterStorage(out.Permissions.Storage.Allow, r.URI)
	}
	for _, r := range o.revokes.Network.Allow {
		out.Permissions.Network.Allow = filterNetwork(out.Permissions.Network.Allow, r.Host)
	}
	for _, r := range o.revokes.Environment.Allow {
		out.Permissions.Environment.Allow = filterEnv(out.Permissions.Environment.Allow, r.Key)
	}

	out.Permissions.Storage.Allow = append(out.Permissions.Storage.Allow, o.grants.Storage.Allow...)
	out.Permissions.Network.Allow = append(out.Permissions.Network.Allow, o.grants.Network.Allow...)
	out.Permissions.Environment.Allow = append(out.Permissions.Environment.Allow, o.grants.Environment.Allow...)

	return out
}

func filterStorage(rules []StorageRule, uri string) []StorageRule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.URI != uri {
			out = append(out, r)
		}
	}
	return out
}

func filterNetwork(rules []NetworkRule, host string) []NetworkRule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.Host != host {
			out = append(out, r)
		}
	}
	return out
}

func filterEnv(rules []EnvRule, key string) []EnvRule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.Key != key {
			out = append(out, r)
		}
	}
	return out
}
