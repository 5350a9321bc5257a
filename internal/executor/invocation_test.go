package executor

import (
	"testing"
	"time"

	"github.com/wassette/wassette/internal/policy"
)

func denyAllTemplate(fuel uint64, timeout time.Duration) *policy.Template {
	return policy.DefaultDeny(policy.ResourceLimits{
		MemoryBytes: 1 << 20,
		Fuel:        fuel,
		Timeout:     timeout,
	})
}

// ── Fuel meter ──────────────────────────────────────────────

func TestFuelMeterCharges(t *testing.T) {
	m := NewFuelMeter(10)

	if !m.Charge(4) {
		t.Fatal("Charge(4) under ceiling reported exhaustion")
	}
	if m.Remaining() != 6 {
		t.Errorf("Remaining() = %d, want 6", m.Remaining())
	}
	if m.Spent() != 4 {
		t.Errorf("Spent() = %d, want 4", m.Spent())
	}

	if !m.Charge(6) {
		t.Fatal("Charge up to exactly the ceiling should succeed")
	}
	if m.Charge(1) {
		t.Error("Charge past the ceiling should fail")
	}
	if !m.Exhausted() {
		t.Error("Exhausted() = false after overrun")
	}
	if m.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", m.Remaining())
	}
	if m.Spent() != 10 {
		t.Errorf("Spent() = %d, want ceiling 10", m.Spent())
	}
}

func TestFuelMeterZeroCeiling(t *testing.T) {
	m := NewFuelMeter(0)
	if m.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", m.Remaining())
	}
	if m.Charge(1) {
		t.Error("zero-ceiling meter must reject the first charge")
	}
}

// ── State machine ───────────────────────────────────────────

func TestInvocationStateTransitions(t *testing.T) {
	inv := newInvocation("fn", denyAllTemplate(100, time.Second))

	if inv.State() != StateReady {
		t.Fatalf("initial state = %s, want ready", inv.State())
	}
	if !inv.transition(StateReady, StateRunning) {
		t.Fatal("Ready → Running refused")
	}
	if inv.transition(StateReady, StateRunning) {
		t.Error("second Ready → Running should fail")
	}

	inv.finish(StateSucceeded)
	if inv.State() != StateSucceeded {
		t.Fatalf("state = %s, want succeeded", inv.State())
	}

	// Terminal states are absorbing.
	inv.finish(StateCancelled)
	if inv.State() != StateSucceeded {
		t.Errorf("terminal state moved to %s", inv.State())
	}
	if inv.transition(StateSucceeded, StateRunning) {
		t.Error("transition out of a terminal state must fail")
	}
}

func TestStateStringAndTerminal(t *testing.T) {
	cases := []struct {
		s        State
		str      string
		terminal bool
	}{
		{StateReady, "ready", false},
		{StateRunning, "running", false},
		{StateSucceeded, "succeeded", true},
		{StateTrapped, "trapped", true},
		{StateTimedOut, "timed-out", true},
		{StateCancelled, "cancelled", true},
	}
	for _, tc := range cases {
		if tc.s.String() != tc.str {
			t.Errorf("String(%d) = %q, want %q", tc.s, tc.s.String(), tc.str)
		}
		if tc.s.Terminal() != tc.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tc.str, tc.s.Terminal(), tc.terminal)
		}
	}
}

func TestInvocationDeadline(t *testing.T) {
	inv := newInvocation("fn", denyAllTemplate(100, time.Nanosecond))
	time.Sleep(time.Millisecond)
	if !inv.deadlinePassed() {
		t.Error("deadline should have passed")
	}

	noDeadline := newInvocation("fn", denyAllTemplate(100, 0))
	if noDeadline.deadlinePassed() {
		t.Error("zero timeout means no deadline")
	}
}

func TestInvocationDeniedCallback(t *testing.T) {
	inv := newInvocation("fn", denyAllTemplate(100, time.Second))

	var gotKind, gotDetail string
	inv.onDenied = func(kind, detail string) {
		gotKind, gotDetail = kind, detail
	}
	inv.denied("storage", "read /etc/passwd")
	if gotKind != "storage" || gotDetail != "read /etc/passwd" {
		t.Errorf("denied callback got (%q, %q)", gotKind, gotDetail)
	}

	// No callback installed: must not panic.
	bare := newInvocation("fn", denyAllTemplate(100, time.Second))
	bare.denied("network", "x")
}
