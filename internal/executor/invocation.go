package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/wassette/wassette/internal/policy"
)

// State is the per-call state machine:
//
//	Ready → Running → (Succeeded | Trapped | TimedOut | Cancelled)
//
// Terminal states are absorbing.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateSucceeded
	StateTrapped
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateTrapped:
		return "trapped"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the state is absorbing.
func (s State) Terminal() bool { return s >= StateSucceeded }

// Invocation is the ephemeral per-call context: identity, sandbox
// template, fuel meter, deadline, and the state machine.
type Invocation struct {
	ID       string
	fnName   string
	template *policy.Template
	fuel     *FuelMeter
	started  time.Time
	deadline time.Time

	state          atomic.Int32
	deadlineCancel context.CancelFunc
	onDenied       func(kind, detail string)
}

func newInvocation(fnName string, tpl *policy.Template) *Invocation {
	limits := tpl.Limits()
	inv := &Invocation{
		ID:       uuid.New().String(),
		fnName:   fnName,
		template: tpl,
		fuel:     NewFuelMeter(limits.Fuel),
		started:  time.Now(),
	}
	if limits.Timeout > 0 {
		inv.deadline = inv.started.Add(limits.Timeout)
	}
	return inv
}

// State returns the current state.
func (inv *Invocation) State() State { return State(inv.state.Load()) }

// FuelSpent reports how much fuel the call consumed.
func (inv *Invocation) FuelSpent() uint64 { return inv.fuel.Spent() }

// transition moves from an expected state to the next; it refuses to
// leave a terminal state.
func (inv *Invocation) transition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	return inv.state.CompareAndSwap(int32(from), int32(to))
}

// finish moves to a terminal state unless one was already reached.
func (inv *Invocation) finish(to State) {
	for {
		cur := State(inv.state.Load())
		if cur.Terminal() {
			return
		}
		if inv.state.CompareAndSwap(int32(cur), int32(to)) {
			return
		}
	}
}

func (inv *Invocation) deadlinePassed() bool {
	return !inv.deadline.IsZero() && time.Now().After(inv.deadline)
}

func (inv *Invocation) denied(kind, detail string) {
	if inv.onDenied != nil {
		inv.onDenied(kind, detail)
	}
}

// ── Fuel ────────────────────────────────────────────────────

// FuelMeter is a monotonically decrementing counter bounding CPU cost
// per call. The engine charges one unit per guest function entry and a
// larger tariff per mediated host call; exhaustion cancels the
// invocation at the next charge point.
type FuelMeter struct {
	remaining atomic.Int64
	ceiling   uint64
	exhausted atomic.Bool
}

// NewFuelMeter creates a meter with the given ceiling.
func NewFuelMeter(ceiling uint64) *FuelMeter {
	m := &FuelMeter{ceiling: ceiling}
	m.remaining.Store(int64(ceiling))
	return m
}

// Charge consumes n units and reports whether the ceiling still holds.
func (m *FuelMeter) Charge(n uint64) bool {
	if m.remaining.Add(-int64(n)) < 0 {
		m.exhausted.Store(true)
		return false
	}
	return true
}

// Remaining returns the unspent fuel (never negative).
func (m *FuelMeter) Remaining() uint64 {
	r := m.remaining.Load()
	if r < 0 {
		return 0
	}
	return uint64(r)
}

// Spent returns consumed fuel, capped at the ceiling.
func (m *FuelMeter) Spent() uint64 {
	r := m.remaining.Load()
	if r < 0 {
		return m.ceiling
	}
	return m.ceiling - uint64(r)
}

// Exhausted reports whether the ceiling was hit.
func (m *FuelMeter) Exhausted() bool { return m.exhausted.Load() }

// ── Context plumbing ────────────────────────────────────────

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) *Invocation {
	inv, _ := ctx.Value(invocationKey{}).(*Invocation)
	return inv
}

// ── Fuel listener ───────────────────────────────────────────

// meterFactory instruments every guest function with a fuel charge.
// The factory is baked into the compiled module; the meter itself is
// read from the call context, so the same image serves any ceiling.
type meterFactory struct{}

func (meterFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return meterListener{}
}

type meterListener struct{}

const fuelPerGuestCall = 1

func (meterListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	inv := invocationFrom(ctx)
	if inv == nil {
		return
	}
	if !inv.fuel.Charge(fuelPerGuestCall) && inv.deadlineCancel != nil {
		// Out of fuel: cancel the call context. The engine observes the
		// cancellation at the next suspension point and the call is
		// classified as ResourceExceeded, not a plain trap.
		inv.deadlineCancel()
	}
}

func (meterListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (meterListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
