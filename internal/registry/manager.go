// Package registry is the lifecycle manager: the central authority
// over the set of loaded components and the tool index derived from
// them. It mediates loads and unloads, attaches and mutates policies,
// answers tool-call dispatch, and emits lifecycle events after every
// committed mutation.
//
// Mutations (load, unload, attach-policy, grant, revoke) are
// serialized through a single write lock and observed in a total
// order. Reads (list, get-policy, dispatch's lookup) run lock-free
// against an atomically swapped snapshot and never see a
// half-installed component.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/loader"
	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/internal/schema"
	"github.com/wassette/wassette/internal/schema/ifacetype"
	"github.com/wassette/wassette/pkg/models"
)

// Registry failure taxa.
var (
	ErrNotFound  = errors.New("component not found")
	ErrCollision = errors.New("tool name collision")
)

// Manager owns the component registry and tool index.
type Manager struct {
	engine   *executor.Engine
	loader   *loader.Loader
	bus      *events.Bus
	pool     *imagePool
	defaults policy.ResourceLimits
	grace    time.Duration

	// writeMu serializes all registry mutations. state is the snapshot
	// the read path consumes.
	writeMu sync.Mutex
	state   atomic.Pointer[snapshot]

	loadSeq atomic.Uint64
}

// snapshot is an immutable view of the registry. Mutations build a new
// snapshot and swap the pointer; readers never lock.
type snapshot struct {
	components map[string]*Component
	tools      map[string]*ToolDescriptor
}

func emptySnapshot() *snapshot {
	return &snapshot{
		components: map[string]*Component{},
		tools:      map[string]*ToolDescriptor{},
	}
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		components: make(map[string]*Component, len(s.components)),
		tools:      make(map[string]*ToolDescriptor, len(s.tools)),
	}
	for k, v := range s.components {
		out.components[k] = v
	}
	for k, v := range s.tools {
		out.tools[k] = v
	}
	return out
}

// Options configures a Manager.
type Options struct {
	Engine   *executor.Engine
	Loader   *loader.Loader
	Bus      *events.Bus
	Defaults policy.ResourceLimits
	// UnloadGrace bounds how long unload waits for in-flight calls.
	UnloadGrace time.Duration
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	m := &Manager{
		engine:   opts.Engine,
		loader:   opts.Loader,
		bus:      opts.Bus,
		pool:     newImagePool(),
		defaults: opts.Defaults,
		grace:    opts.UnloadGrace,
	}
	if m.grace <= 0 {
		m.grace = 5 * time.Second
	}
	m.state.Store(emptySnapshot())
	return m
}

// ToolName joins a component id and function name into the public tool
// name. One naming discipline, enforced everywhere: the prefix makes
// cross-component collisions structurally impossible, so the collision
// check reduces to component-id uniqueness.
func ToolName(componentID, fnName string) string {
	return componentID + ":" + fnName
}

// SplitToolName is the inverse of ToolName.
func SplitToolName(tool string) (componentID, fnName string, ok bool) {
	componentID, fnName, ok = strings.Cut(tool, ":")
	return
}

// Load fetches, validates, and installs a component. Either every one
// of the component's tools becomes visible or none does; a collision
// fails the whole load and leaves the registry untouched. Failed loads
// are events too; the manager never fails silently.
func (m *Manager) Load(ctx context.Context, originRaw string, doc *policy.Document) (*models.LoadResult, error) {
	res, err := m.load(ctx, originRaw, doc)
	if err != nil {
		m.publish(events.New(events.KindLoad, originRaw, "", "error"))
	}
	return res, err
}

func (m *Manager) load(ctx context.Context, originRaw string, doc *policy.Document) (*models.LoadResult, error) {
	origin, err := loader.ParseOrigin(originRaw)
	if err != nil {
		return nil, err
	}
	id := origin.Name()
	if id == "" {
		return nil, fmt.Errorf("%w: cannot derive component id from %q", loader.ErrOriginScheme, originRaw)
	}

	wasm, prov, err := m.loader.Fetch(ctx, origin)
	if err != nil {
		return nil, err
	}

	// Embedded policy discovery: a file component may ship a sibling
	// <name>.policy.yaml.
	source := models.PolicySourceNone
	if doc != nil {
		source = models.PolicySourceAttached
	} else if origin.Scheme == loader.SchemeFile {
		if embedded, ok := readEmbeddedPolicy(origin.Path); ok {
			doc = embedded
			source = models.PolicySourceEmbedded
		}
	}

	tpl, err := policy.Compile(doc, m.defaults, nil)
	if err != nil {
		return nil, err
	}

	ref, err := m.pool.acquire(ctx, m.engine, prov.Digest, tpl.Limits().MemoryBytes, wasm)
	if err != nil {
		return nil, err
	}

	iface, tools, err := m.extract(ctx, ref)
	if err != nil {
		m.pool.release(ref)
		return nil, err
	}

	cctx, cancel := context.WithCancelCause(context.Background())
	comp := &Component{
		ID:           id,
		Origin:       originRaw,
		Provenance:   *prov,
		Seq:          m.loadSeq.Add(1),
		LoadedAt:     time.Now().UTC(),
		image:        ref,
		iface:        iface,
		basePolicy:   doc,
		policySource: source,
		overlay:      policy.NewOverlay(),
		ctx:          cctx,
		cancel:       cancel,
	}
	comp.template.Store(tpl)

	descriptors := make([]*ToolDescriptor, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		td := &ToolDescriptor{
			Name:      ToolName(id, t.Func.Name),
			Component: comp,
			Bridge:    t,
		}
		descriptors = append(descriptors, td)
		names = append(names, td.Name)
	}
	comp.tools = descriptors

	// Commit: all tools become visible atomically, or the load fails
	// with no registry change.
	m.writeMu.Lock()
	cur := m.state.Load()
	if _, exists := cur.components[id]; exists {
		m.writeMu.Unlock()
		m.pool.release(ref)
		cancel(nil)
		return nil, fmt.Errorf("%w: component %q is already loaded", ErrCollision, id)
	}
	for _, td := range descriptors {
		if _, exists := cur.tools[td.Name]; exists {
			m.writeMu.Unlock()
			m.pool.release(ref)
			cancel(nil)
			return nil, fmt.Errorf("%w: tool %q already exists", ErrCollision, td.Name)
		}
	}
	next := cur.clone()
	next.components[id] = comp
	for _, td := range descriptors {
		next.tools[td.Name] = td
	}
	m.state.Store(next)
	// Publish before releasing the write lock: lifecycle events are
	// observed in registry-commit order, and the bus never blocks.
	m.publish(events.New(events.KindLoad, id, "", "ok"))
	m.writeMu.Unlock()

	log.Info().Str("component", id).Str("digest", prov.Digest).Int("tools", len(names)).Msg("Component loaded")

	return &models.LoadResult{ComponentID: id, Tools: names}, nil
}

// extract instantiates the image once to pull its interface descriptor
// and derives the tool schemas.
func (m *Manager) extract(ctx context.Context, ref *imageRef) (*ifacetype.Interface, []*schema.Tool, error) {
	desc, err := ref.img.Describe(ctx, m.defaults)
	if err != nil {
		return nil, nil, fmt.Errorf("extract interface: %w", err)
	}
	iface, err := ifacetype.Parse(desc)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", executor.ErrInvalidComponent, err)
	}
	tools, err := schema.ExtractTools(iface)
	if err != nil {
		return nil, nil, err
	}
	if len(tools) == 0 {
		return nil, nil, fmt.Errorf("%w: component exports no callable functions", executor.ErrInvalidComponent)
	}
	return iface, tools, nil
}

// readEmbeddedPolicy looks for a policy document next to a file-origin
// component artifact.
func readEmbeddedPolicy(wasmPath string) (*policy.Document, bool) {
	path := strings.TrimSuffix(wasmPath, ".wasm") + ".policy.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	doc, err := policy.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring invalid embedded policy")
		return nil, false
	}
	log.Info().Str("path", path).Msg("Embedded policy discovered")
	return doc, true
}

// Unload removes a component: its tools leave the index first (no new
// dispatch can reach them), then in-flight calls drain within the
// grace period, then the record is dropped and its image released.
func (m *Manager) Unload(ctx context.Context, id string) (*models.UnloadResult, error) {
	m.writeMu.Lock()
	cur := m.state.Load()
	comp, ok := cur.components[id]
	if !ok {
		m.writeMu.Unlock()
		m.publish(events.New(events.KindUnload, id, "", "error"))
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	next := cur.clone()
	delete(next.components, id)
	for _, td := range comp.tools {
		delete(next.tools, td.Name)
	}
	m.state.Store(next)

	// Drain under the write lock: unload is a mutation and mutations
	// are serialized; reads continue against the new snapshot.
	drained := comp.drain(executor.ErrCancelled, m.grace)
	m.pool.release(comp.image)
	m.publish(events.New(events.KindUnload, id, "", "ok"))
	m.writeMu.Unlock()

	if !drained {
		log.Warn().Str("component", id).Dur("grace", m.grace).Msg("Unload abandoned in-flight calls")
	}

	log.Info().Str("component", id).Msg("Component unloaded")

	return &models.UnloadResult{ID: id, UnloadedAt: time.Now().UTC()}, nil
}

// List returns a consistent snapshot of loaded components.
func (m *Manager) List() []models.ComponentSummary {
	cur := m.state.Load()
	out := make([]models.ComponentSummary, 0, len(cur.components))
	for _, comp := range cur.components {
		out = append(out, comp.summary())
	}
	return out
}

// Tools returns the current tool descriptors, for surface publication.
func (m *Manager) Tools() []*ToolDescriptor {
	cur := m.state.Load()
	out := make([]*ToolDescriptor, 0, len(cur.tools))
	for _, td := range cur.tools {
		out = append(out, td)
	}
	return out
}

// Subscribe exposes the lifecycle event stream.
func (m *Manager) Subscribe() (<-chan events.Event, func()) {
	return m.bus.Subscribe()
}

// Close unloads every component and tears down the warm image cache.
func (m *Manager) Close(ctx context.Context) {
	for _, summary := range m.List() {
		if _, err := m.Unload(ctx, summary.ID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("component", summary.ID).Msg("Unload during shutdown failed")
		}
	}
	m.pool.close()
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) lookupComponent(id string) (*Component, error) {
	comp, ok := m.state.Load().components[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return comp, nil
}
