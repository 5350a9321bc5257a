package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/pkg/models"
)

// newTestManager builds a manager without an engine or loader; tests
// inject components directly and exercise the registry semantics that
// do not need a compiled image.
func newTestManager(bus *events.Bus) *Manager {
	return NewManager(Options{
		Bus:         bus,
		Defaults:    policy.ResourceLimits{MemoryBytes: 1 << 20, Fuel: 1000, Timeout: time.Second},
		UnloadGrace: 100 * time.Millisecond,
	})
}

// injectComponent installs a synthetic component with the given tool
// function names, bypassing fetch and compile.
func injectComponent(m *Manager, id string, fnNames ...string) *Component {
	cctx, cancel := context.WithCancelCause(context.Background())
	comp := &Component{
		ID:           id,
		Origin:       "file:///tmp/" + id + ".wasm",
		Seq:          m.loadSeq.Add(1),
		LoadedAt:     time.Now().UTC(),
		policySource: models.PolicySourceNone,
		overlay:      policy.NewOverlay(),
		ctx:          cctx,
		cancel:       cancel,
	}
	comp.template.Store(policy.DefaultDeny(m.defaults))

	for _, fn := range fnNames {
		comp.tools = append(comp.tools, &ToolDescriptor{
			Name:      ToolName(id, fn),
			Component: comp,
		})
	}

	m.writeMu.Lock()
	next := m.state.Load().clone()
	next.components[id] = comp
	for _, td := range comp.tools {
		next.tools[td.Name] = td
	}
	m.state.Store(next)
	m.writeMu.Unlock()
	return comp
}

// ── Tool naming ─────────────────────────────────────────────

func TestToolNameDiscipline(t *testing.T) {
	name := ToolName("fetcher", "get-url")
	if name != "fetcher:get-url" {
		t.Errorf("ToolName() = %q, want fetcher:get-url", name)
	}
	id, fn, ok := SplitToolName(name)
	if !ok || id != "fetcher" || fn != "get-url" {
		t.Errorf("SplitToolName(%q) = (%q, %q, %v)", name, id, fn, ok)
	}
	if _, _, ok := SplitToolName("noseparator"); ok {
		t.Error("SplitToolName accepted a name without separator")
	}
}

// ── Registry invariants ─────────────────────────────────────

func TestEveryToolResolvesToItsComponent(t *testing.T) {
	m := newTestManager(nil)
	c1 := injectComponent(m, "alpha", "one", "two")
	c2 := injectComponent(m, "beta", "one")

	snap := m.state.Load()
	if len(snap.tools) != 3 {
		t.Fatalf("tool index has %d entries, want 3", len(snap.tools))
	}
	for name, td := range snap.tools {
		id, _, _ := SplitToolName(name)
		want := c1
		if id == "beta" {
			want = c2
		}
		if td.Component != want {
			t.Errorf("tool %q resolves to %q, want %q", name, td.Component.ID, want.ID)
		}
	}
}

func TestListSnapshot(t *testing.T) {
	m := newTestManager(nil)
	injectComponent(m, "alpha", "one", "two")
	injectComponent(m, "beta", "one")

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d components, want 2", len(list))
	}
	byID := map[string]models.ComponentSummary{}
	for _, s := range list {
		byID[s.ID] = s
	}
	if byID["alpha"].ToolCount != 2 || byID["beta"].ToolCount != 1 {
		t.Errorf("tool counts = %+v", byID)
	}
	if byID["alpha"].PolicyAttached {
		t.Error("component without policy reported as attached")
	}
}

func TestUnloadRemovesToolsAndComponent(t *testing.T) {
	bus := events.NewBus(8)
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()

	m := newTestManager(bus)
	injectComponent(m, "alpha", "one")

	res, err := m.Unload(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if res.ID != "alpha" {
		t.Errorf("UnloadResult.ID = %q", res.ID)
	}

	if len(m.List()) != 0 {
		t.Error("component still listed after unload")
	}
	if _, err := m.Dispatch(context.Background(), "alpha:one", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dispatch() after unload error = %v, want ErrNotFound", err)
	}

	// Unload emitted its lifecycle event after the commit.
	select {
	case ev := <-ch:
		if ev.Kind != events.KindUnload || ev.Component != "alpha" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no unload event published")
	}
}

func TestUnloadUnknownComponent(t *testing.T) {
	m := newTestManager(nil)
	if _, err := m.Unload(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unload() error = %v, want ErrNotFound", err)
	}
}

// ── In-flight accounting & cancellation ─────────────────────

func TestBeginCallAfterClosingFails(t *testing.T) {
	m := newTestManager(nil)
	comp := injectComponent(m, "alpha", "one")

	if !comp.beginCall() {
		t.Fatal("beginCall() on live component failed")
	}
	comp.endCall()

	comp.closing.Store(true)
	if comp.beginCall() {
		t.Error("beginCall() succeeded on a closing component")
	}
}

func TestDrainWaitsForInFlightCalls(t *testing.T) {
	m := newTestManager(nil)
	comp := injectComponent(m, "alpha", "one")

	comp.beginCall()
	go func() {
		time.Sleep(20 * time.Millisecond)
		comp.endCall()
	}()

	start := time.Now()
	if !comp.drain(context.Canceled, time.Second) {
		t.Fatal("drain() reported abandonment despite call finishing in time")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("drain() returned before the in-flight call ended")
	}
}

func TestDrainAbandonsAfterGrace(t *testing.T) {
	m := newTestManager(nil)
	comp := injectComponent(m, "alpha", "one")

	comp.beginCall() // never ends
	if comp.drain(context.Canceled, 30*time.Millisecond) {
		t.Error("drain() claimed success with a stuck call")
	}
	// The component context was cancelled so the stuck call would
	// observe cancellation.
	select {
	case <-comp.ctx.Done():
	default:
		t.Error("component context not cancelled by drain")
	}
}

func TestDispatchAfterUnloadIsNotFound(t *testing.T) {
	m := newTestManager(nil)
	injectComponent(m, "alpha", "one")

	if _, err := m.Unload(context.Background(), "alpha"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	// Cancellation correctness: after unload returns, no dispatch can
	// observe any tool of the component.
	if _, err := m.Dispatch(context.Background(), "alpha:one", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dispatch() error = %v, want ErrNotFound", err)
	}
}

// ── Policy views ────────────────────────────────────────────

func TestGetPolicyDefaultDeny(t *testing.T) {
	m := newTestManager(nil)
	injectComponent(m, "alpha", "one")

	view, err := m.GetPolicy("alpha")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if view.Source != models.PolicySourceNone {
		t.Errorf("Source = %q, want none", view.Source)
	}
	if view.Document != nil {
		t.Error("default-deny component should expose no document")
	}
}

func TestGetPolicyUnknownComponent(t *testing.T) {
	m := newTestManager(nil)
	if _, err := m.GetPolicy("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPolicy() error = %v, want ErrNotFound", err)
	}
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	m := newTestManager(nil)
	injectComponent(m, "alpha", "one")

	before := m.state.Load()
	injectComponent(m, "beta", "one")

	if len(before.components) != 1 {
		t.Error("earlier snapshot mutated by later install")
	}
	if len(m.state.Load().components) != 2 {
		t.Error("current snapshot missing new component")
	}
}
