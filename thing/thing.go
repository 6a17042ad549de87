// Package thing defines the things a server exposes and the actions they offer.
//
// An Action is a named operation bound to the thing that owns it. Actions are
// executed asynchronously by the invocation package; the Request they receive
// carries the caller's input and a logger whose records are captured into the
// invocation's log.
//
// Actions stop cooperatively. When a stop is requested the context passed to
// Invoke is cancelled with ErrStopRequested as its cause; an action that
// notices this returns ErrCancelled:
//
//	func (s *Stage) move(ctx context.Context, req thing.Request) (any, error) {
//	    for step := 0; step < n; step++ {
//	        if thing.StopRequested(ctx) {
//	            return nil, thing.ErrCancelled
//	        }
//	        // ... move one step
//	    }
//	    return result, nil
//	}
package thing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrCancelled is returned by an action that exits early because a stop was requested.
	ErrCancelled = errors.New("action cancelled")

	// ErrStopRequested is the cancellation cause of an action's context once a stop is requested.
	ErrStopRequested = errors.New("stop requested")
)

// Action is a named operation that can be invoked with structured input.
type Action interface {
	// Name returns the action name, unique within its thing.
	Name() string
	// Invoke runs the action and returns its output. The output must be
	// JSON-serializable.
	Invoke(ctx context.Context, req Request) (any, error)
}

// Thing is an entity that offers actions.
type Thing interface {
	// Actions returns the actions bound to this thing.
	Actions() []Action
}

// Request is what an action receives when it is invoked.
type Request struct {
	// InvocationID identifies the invocation running the action.
	InvocationID string
	// ThingPath is the path of the owning thing, e.g. "/stage/".
	ThingPath string
	// Input is the caller-supplied input, as JSON. It may be empty.
	Input json.RawMessage
	// Logger is scoped to the invocation; its records appear in the invocation log.
	Logger *slog.Logger
}

// Bind decodes the request input into v. Empty input leaves v unchanged.
func (r Request) Bind(v any) error {
	if len(r.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// StopRequested reports whether a stop has been requested for the invocation
// that ctx belongs to.
func StopRequested(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStopRequested)
}

// ActionFunc adapts a function to the Invoke half of the Action interface.
type ActionFunc func(ctx context.Context, req Request) (any, error)

// NewAction returns an Action with the given name that calls fn.
func NewAction(name string, fn ActionFunc) Action {
	return &funcAction{name: name, fn: fn}
}

type funcAction struct {
	name string
	fn   ActionFunc
}

func (a *funcAction) Name() string {
	return a.name
}

func (a *funcAction) Invoke(ctx context.Context, req Request) (any, error) {
	return a.fn(ctx, req)
}
