package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wassette/wassette/internal/events"
	"github.com/wassette/wassette/internal/executor"
	"github.com/wassette/wassette/internal/schema"
	"github.com/wassette/wassette/internal/schema/ifacetype"
)

var tracer = otel.Tracer("wassette/registry")

// DispatchResult is the outcome of a tool call. IsError marks the
// result::err branch (or an execution failure already converted to a
// clean error payload); Payload is the lifted JSON value either way.
type DispatchResult struct {
	IsError bool
	Payload any
}

// Dispatch looks up a tool, lowers its arguments, executes the call
// under the component's current sandbox template, and lifts the result
// back to JSON. The template is captured once: a policy swap during
// the call does not affect it.
func (m *Manager) Dispatch(ctx context.Context, toolName string, args json.RawMessage) (*DispatchResult, error) {
	td, ok := m.state.Load().tools[toolName]
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, toolName)
	}
	comp := td.Component

	if !comp.beginCall() {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, toolName)
	}
	defer comp.endCall()

	ctx, span := tracer.Start(ctx, "dispatch")
	span.SetAttributes(
		attribute.String("tool", toolName),
		attribute.String("component", comp.ID),
	)
	defer span.End()

	tpl := comp.Template()

	// Lower: JSON arguments → typed values, validated against the
	// argument schema.
	values, err := td.Bridge.LowerArgs(args)
	if err != nil {
		m.publish(toolEvent(events.KindToolFailed, comp.ID, toolName, "invalid-arguments"))
		return nil, err
	}
	guestArgs, err := schema.LiftArgs(&td.Bridge.Func, values)
	if err != nil {
		return nil, fmt.Errorf("encode guest arguments: %w", err)
	}
	argsJSON, err := json.Marshal(guestArgs)
	if err != nil {
		return nil, fmt.Errorf("encode guest arguments: %w", err)
	}

	// Unload cancellation: the call context dies with the component.
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(comp.ctx, func() { cancel(executor.ErrCancelled) })
	defer stop()

	rawResult, inv, err := comp.image.img.Invoke(callCtx, td.Bridge.Func.Name, argsJSON, tpl, executor.InvokeOptions{
		OnDenied: func(kind, detail string) {
			ev := events.New(events.KindPolicyDenied, comp.ID, toolName, "denied")
			ev.Detail = map[string]any{"kind": kind, "request": detail}
			m.publish(ev)
		},
	})
	if err != nil {
		m.publish(toolEvent(events.KindToolFailed, comp.ID, toolName, inv.State().String()))
		log.Debug().Err(err).Str("tool", toolName).Str("state", inv.State().String()).Msg("Tool call failed")
		return nil, err
	}

	result, err := m.liftResult(td, rawResult)
	if err != nil {
		m.publish(toolEvent(events.KindToolFailed, comp.ID, toolName, "bad-result"))
		return nil, err
	}

	outcome := "ok"
	if result.IsError {
		outcome = "err"
	}
	m.publish(toolEvent(events.KindToolCalled, comp.ID, toolName, outcome))
	return result, nil
}

// liftResult converts the guest's raw JSON result into the dispatch
// outcome. A declared result<_, _> type is lowered and re-lifted so
// the err branch becomes a tool error; any other declared type passes
// through typed; a function with no declared result yields a nil
// payload and the guest's raw output is discarded.
func (m *Manager) liftResult(td *ToolDescriptor, raw json.RawMessage) (*DispatchResult, error) {
	resType := td.Bridge.Func.Result
	if resType == nil {
		return &DispatchResult{Payload: nil}, nil
	}

	v, err := schema.Lower(resType, raw)
	if err != nil {
		return nil, fmt.Errorf("component returned a result that does not match its declared type: %w", err)
	}
	lifted, err := schema.Lift(v)
	if err != nil {
		return nil, fmt.Errorf("lift result: %w", err)
	}

	if resType.Kind == ifacetype.KindResult {
		branch := lifted.(map[string]any)
		if payload, ok := branch["err"]; ok {
			return &DispatchResult{IsError: true, Payload: payload}, nil
		}
		return &DispatchResult{Payload: branch["ok"]}, nil
	}
	return &DispatchResult{Payload: lifted}, nil
}

func toolEvent(kind events.Kind, component, tool, outcome string) events.Event {
	return events.New(kind, component, tool, outcome)
}
