package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/nomis52/thingserver/invocation"
	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/thing"
	"github.com/stretchr/testify/require"
)

type testThing struct {
	actions []thing.Action
}

func (t *testThing) Actions() []thing.Action {
	return t.actions
}

// newTestRegistry registers /lab/stage/ with three actions: move echoes its
// distance, fail returns an error and block waits until it is stopped.
func newTestRegistry(t *testing.T) *thing.Registry {
	t.Helper()
	reg := thing.NewRegistry()
	require.NoError(t, reg.Add("lab/stage", &testThing{actions: []thing.Action{
		thing.NewAction("move", func(ctx context.Context, req thing.Request) (any, error) {
			var in struct {
				Distance int `json:"distance"`
			}
			if err := req.Bind(&in); err != nil {
				return nil, err
			}
			req.Logger.Info("moving", "distance", in.Distance)
			return map[string]int{"position": in.Distance}, nil
		}),
		thing.NewAction("fail", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, io.ErrUnexpectedEOF
		}),
		thing.NewAction("block", func(ctx context.Context, req thing.Request) (any, error) {
			<-ctx.Done()
			return nil, thing.ErrCancelled
		}),
	}}))
	return reg
}

func newTestManager(t *testing.T) *invocation.Manager {
	t.Helper()
	logger := slog.New(logging.NewHub(slog.NewTextHandler(io.Discard, nil)))
	return invocation.New(logger, newTestRegistry(t))
}

// newTestMux routes the invocation endpoints the way the server does.
func newTestMux(m *invocation.Manager) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	invocations := NewInvocationsHandler(m)

	mux := http.NewServeMux()
	mux.Handle("POST /things/{path...}", NewInvokeHandler(logger, m))
	mux.HandleFunc("GET /action_invocations", invocations.List)
	mux.HandleFunc("GET /action_invocations/{id}", invocations.Get)
	mux.HandleFunc("GET /action_invocations/{id}/log", invocations.Log)
	mux.HandleFunc("DELETE /action_invocations/{id}", invocations.Stop)
	return mux
}
