package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/internal/schema"
	"github.com/wassette/wassette/internal/schema/ifacetype"
	"github.com/wassette/wassette/pkg/models"
)

// Component is one loaded component record: the shared immutable image,
// the extracted interface, the attached policy state, and the in-flight
// call accounting that unload drains.
type Component struct {
	ID         string
	Origin     string
	Provenance loader.Provenance
	Seq        uint64
	LoadedAt   time.Time

	image *imageRef
	iface *ifacetype.Interface
	tools []*ToolDescriptor

	// Policy state. The template pointer is swapped atomically so a
	// caller either sees the old compiled template or the new one,
	// never a mix; in-flight calls keep the pointer they captured.
	basePolicy   *policy.Document
	policySource models.PolicySource
	overlay      *policy.Overlay
	template     atomic.Pointer[policy.Template]

	// In-flight accounting. closing is set (under the manager's write
	// lock) before unload waits; beginCall re-checks it after
	// incrementing so no call slips past the drain.
	calls   atomic.Int64
	closing atomic.Bool

	// ctx is cancelled on unload so in-flight calls terminate within
	// the grace period.
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// ToolDescriptor is the derived view of one exported function. Name is
// globally unique: component id and function name joined with a colon,
// so cross-component collisions are structurally impossible.
type ToolDescriptor struct {
	Name      string
	Component *Component
	Bridge    *schema.Tool
}

// Template returns the component's current sandbox template.
func (c *Component) Template() *policy.Template { return c.template.Load() }

// beginCall registers an in-flight call. It fails once the component
// started closing.
func (c *Component) beginCall() bool {
	c.calls.Add(1)
	if c.closing.Load() {
		c.calls.Add(-1)
		return false
	}
	return true
}

func (c *Component) endCall() { c.calls.Add(-1) }

// drain marks the component closing, cancels its context, and waits up
// to grace for in-flight calls to finish. It reports whether the drain
// completed; past the grace period pending calls are abandoned with a
// cancellation error already delivered through the context.
func (c *Component) drain(cause error, grace time.Duration) bool {
	c.closing.Store(true)
	c.cancel(cause)

	deadline := time.Now().Add(grace)
	for c.calls.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (c *Component) summary() models.ComponentSummary {
	return models.ComponentSummary{
		ID:             c.ID,
		Origin:         c.Origin,
		Digest:         c.Provenance.Digest,
		ToolCount:      len(c.tools),
		PolicyAttached: c.policySource != models.PolicySourceNone,
		LoadedAt:       c.LoadedAt,
	}
}

// ── Image sharing ───────────────────────────────────────────

// imageRef is a reference-counted handle on a compiled image. Two
// components loaded from the same digest under the same memory ceiling
// share one image; the last release retires it into the manager's
// warm-image cache instead of closing it outright.
type imageRef struct {
	key  string
	img  *executor.Image
	refs int // guarded by imagePool.mu
}

// imagePool tracks live images by key and keeps recently retired ones
// warm in a bounded LRU whose eviction closes the runtime.
type imagePool struct {
	mu     sync.Mutex
	active map[string]*imageRef
	warm   *warmCache
}
