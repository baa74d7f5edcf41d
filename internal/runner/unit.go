// Package runner resolves execution units and runs them off the caller's
// goroutine, reporting progress as a channel of events.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/agentrun/internal/adapter/cogclient"
	"github.com/xiaot623/agentrun/internal/domain"
)

// FallbackUnitName identifies the degraded execution path.
const FallbackUnitName = "fallback_agent"

// Input is what a unit receives.
type Input struct {
	SessionID    string
	WorkflowKind domain.WorkflowKind
	Query        string
}

// Payload is the structured output of a unit. The "response" key, when a
// non-empty string, is the human-readable answer.
type Payload map[string]any

// Response returns the primary response text, or "" if there is none.
func (p Payload) Response() string {
	if p == nil {
		return ""
	}
	switch v := p["response"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Unit is an opaque routine that turns input into a payload or fails.
type Unit interface {
	Name() string
	Invoke(ctx context.Context, in Input) (Payload, error)
}

// UnitFunc adapts a function to a Unit.
type UnitFunc func(ctx context.Context, in Input) (Payload, error)

type funcUnit struct {
	name string
	fn   UnitFunc
}

// NewFuncUnit wraps fn as a named unit.
func NewFuncUnit(name string, fn UnitFunc) Unit {
	return &funcUnit{name: name, fn: fn}
}

func (u *funcUnit) Name() string { return u.name }

func (u *funcUnit) Invoke(ctx context.Context, in Input) (Payload, error) {
	return u.fn(ctx, in)
}

// FallbackUnit answers every query without an external library.
type FallbackUnit struct{}

func (FallbackUnit) Name() string { return FallbackUnitName }

func (FallbackUnit) Invoke(ctx context.Context, in Input) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Payload{
		"response": fmt.Sprintf("Processed your %s query in fallback mode: %q", in.WorkflowKind, in.Query),
	}, nil
}

// Invoker is the subset of cogclient.Client used by RemoteUnit.
type Invoker interface {
	Run(ctx context.Context, req *cogclient.InvokeRequest) (*cogclient.Result, error)
}

// RemoteUnit runs a cog hosted by a remote unit library.
type RemoteUnit struct {
	name   string
	client Invoker
}

// NewRemoteUnit creates a unit backed by the named remote cog.
func NewRemoteUnit(name string, client Invoker) *RemoteUnit {
	return &RemoteUnit{name: name, client: client}
}

func (u *RemoteUnit) Name() string { return u.name }

func (u *RemoteUnit) Invoke(ctx context.Context, in Input) (Payload, error) {
	res, err := u.client.Run(ctx, &cogclient.InvokeRequest{
		Cog:          u.name,
		Input:        in.Query,
		SessionID:    in.SessionID,
		WorkflowKind: string(in.WorkflowKind),
	})
	if err != nil {
		return nil, err
	}
	payload := Payload{"response": res.Response}
	if len(res.Output) > 0 {
		payload["output"] = res.Output
	}
	return payload, nil
}

// RegisterBuiltins adds the in-process units.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(NewFuncUnit("echo", func(ctx context.Context, in Input) (Payload, error) {
		return Payload{"response": in.Query}, nil
	}))
	r.MustRegister(NewFuncUnit("uppercase", func(ctx context.Context, in Input) (Payload, error) {
		return Payload{"response": strings.ToUpper(in.Query)}, nil
	}))
}
