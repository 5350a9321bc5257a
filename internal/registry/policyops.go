package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/pkg/models"
)

// AttachPolicy validates and compiles a policy document and atomically
// replaces the component's sandbox template. The runtime overlay is
// cleared: a full document replace supersedes earlier grants and
// revocations. In-flight calls keep the template they captured.
func (m *Manager) AttachPolicy(ctx context.Context, id string, doc *policy.Document) (*models.PolicyView, error) {
	if err := doc.Validate(); err != nil {
		return nil, m.policyFailed(id, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	comp, err := m.lookupComponent(id)
	if err != nil {
		return nil, m.policyFailed(id, err)
	}

	comp.overlay.Reset()
	comp.basePolicy = doc
	comp.policySource = models.PolicySourceAttached
	if err := m.recompile(ctx, comp); err != nil {
		return nil, m.policyFailed(id, err)
	}

	m.publish(events.New(events.KindPolicyAttached, id, "", "attached"))
	log.Info().Str("component", id).Msg("Policy attached")
	return m.policyView(comp), nil
}

// Grant adds a runtime allow rule to the component's overlay and
// recompiles the template. The on-disk policy document is never
// rewritten.
func (m *Manager) Grant(ctx context.Context, id string, kind policy.PermissionKind, rule any) (*models.PolicyView, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	comp, err := m.lookupComponent(id)
	if err != nil {
		return nil, m.policyFailed(id, err)
	}
	if err := comp.overlay.Grant(kind, rule); err != nil {
		return nil, m.policyFailed(id, err)
	}
	if comp.policySource == models.PolicySourceNone {
		comp.policySource = models.PolicySourceAttached
	}
	if err := m.recompile(ctx, comp); err != nil {
		return nil, m.policyFailed(id, err)
	}

	m.publish(events.New(events.KindPolicyAttached, id, "", "grant:"+string(kind)))
	return m.policyView(comp), nil
}

// Revoke removes matching allow rules (base and overlay) and
// recompiles the template.
func (m *Manager) Revoke(ctx context.Context, id string, kind policy.PermissionKind, key string) (*models.PolicyView, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	comp, err := m.lookupComponent(id)
	if err != nil {
		return nil, m.policyFailed(id, err)
	}
	if err := comp.overlay.Revoke(kind, key); err != nil {
		return nil, m.policyFailed(id, err)
	}
	if err := m.recompile(ctx, comp); err != nil {
		return nil, m.policyFailed(id, err)
	}

	m.publish(events.New(events.KindPolicyAttached, id, "", "revoke:"+string(kind)))
	return m.policyView(comp), nil
}

// ResetPermissions clears the overlay and detaches the base policy,
// restoring the default-deny template.
func (m *Manager) ResetPermissions(ctx context.Context, id string) (*models.PolicyView, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	comp, err := m.lookupComponent(id)
	if err != nil {
		return nil, m.policyFailed(id, err)
	}

	comp.overlay.Reset()
	comp.basePolicy = nil
	comp.policySource = models.PolicySourceNone
	if err := m.recompile(ctx, comp); err != nil {
		return nil, m.policyFailed(id, err)
	}

	m.publish(events.New(events.KindPolicyAttached, id, "", "reset"))
	log.Info().Str("component", id).Msg("Permissions reset to default-deny")
	return m.policyView(comp), nil
}

// GetPolicy returns the component's effective policy: the base
// document merged with the runtime overlay, plus its source.
func (m *Manager) GetPolicy(id string) (*models.PolicyView, error) {
	comp, err := m.lookupComponent(id)
	if err != nil {
		return nil, err
	}
	return m.policyView(comp), nil
}

func (m *Manager) policyView(comp *Component) *models.PolicyView {
	view := &models.PolicyView{
		ComponentID: comp.ID,
		Source:      comp.policySource,
	}
	if comp.policySource != models.PolicySourceNone {
		view.Document = comp.overlay.Effective(comp.basePolicy)
	}
	return view
}

// recompile rebuilds the component's sandbox template from its
// effective policy and swaps it atomically. A memory-ceiling change
// also swaps the compiled image, since the ceiling is baked into the
// image's runtime.
func (m *Manager) recompile(ctx context.Context, comp *Component) error {
	var effective *policy.Document
	if comp.policySource != models.PolicySourceNone {
		effective = comp.overlay.Effective(comp.basePolicy)
	}

	tpl, err := policy.Compile(effective, m.defaults, nil)
	if err != nil {
		return err
	}

	if tpl.Limits().MemoryBytes != comp.image.img.MemoryLimit() {
		wasm, _, err := m.loader.Fetch(ctx, mustOrigin(comp.Origin))
		if err != nil {
			return fmt.Errorf("refetch component for new memory ceiling: %w", err)
		}
		ref, err := m.pool.acquire(ctx, m.engine, comp.Provenance.Digest, tpl.Limits().MemoryBytes, wasm)
		if err != nil {
			return err
		}
		old := comp.image
		comp.image = ref
		m.pool.release(old)
	}

	comp.template.Store(tpl)
	return nil
}

// policyFailed records a failed policy mutation on the event stream
// and passes the error through.
func (m *Manager) policyFailed(id string, err error) error {
	m.publish(events.New(events.KindPolicyAttached, id, "", "error"))
	return err
}

func mustOrigin(raw string) *loader.Origin {
	o, err := loader.ParseOrigin(raw)
	if err != nil {
		// The origin parsed at load time; it cannot stop parsing now.
		panic(fmt.Sprintf("stored origin %q no longer parses: %v", raw, err))
	}
	return o
}
