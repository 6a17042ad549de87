package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/thing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testThing struct {
	actions []thing.Action
}

func (t *testThing) Actions() []thing.Action {
	return t.actions
}

// newTestManager registers actions on a thing at /test/ and returns a Manager
// for it.
func newTestManager(t *testing.T, actions []thing.Action, opts ...Option) *Manager {
	t.Helper()
	reg := thing.NewRegistry()
	require.NoError(t, reg.Add("/test/", &testThing{actions: actions}))
	logger := slog.New(logging.NewHub(slog.NewTextHandler(io.Discard, nil)))
	return New(logger, reg, opts...)
}

func waitDone(t *testing.T, inv *Invocation) {
	t.Helper()
	select {
	case <-inv.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("invocation %s did not finish", inv.ID())
	}
}

func messages(entries []logging.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestInvocation_Completed(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("echo", func(ctx context.Context, req thing.Request) (any, error) {
			var in struct {
				Value string `json:"value"`
			}
			if err := req.Bind(&in); err != nil {
				return nil, err
			}
			return map[string]string{"echo": in.Value}, nil
		}),
	})

	inv, err := m.Invoke("/test/", "echo", json.RawMessage(`{"value":"hi"}`))
	require.NoError(t, err)
	waitDone(t, inv)

	snap := inv.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(snap.Output))
	assert.JSONEq(t, `{"value":"hi"}`, string(snap.Input))
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)
	assert.False(t, snap.CompletedAt.Before(*snap.StartedAt))
	assert.False(t, snap.StartedAt.Before(snap.RequestedAt))
	assert.NoError(t, inv.Err())
}

func TestInvocation_Error(t *testing.T) {
	var faults []error
	var mu sync.Mutex
	m := newTestManager(t, []thing.Action{
		thing.NewAction("fail", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, errors.New("motor stalled")
		}),
	}, WithFaultHandler(func(inv *Invocation, err error) {
		// The failure is recorded before the fault handler runs.
		assert.Equal(t, StatusError, inv.Status())
		mu.Lock()
		faults = append(faults, err)
		mu.Unlock()
	}))

	inv, err := m.Invoke("/test/", "fail", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	snap := inv.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.JSONEq(t, `"motor stalled"`, string(snap.Output))
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)
	assert.False(t, snap.CompletedAt.Before(*snap.StartedAt))
	assert.EqualError(t, inv.Err(), "motor stalled")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1)
	assert.EqualError(t, faults[0], "motor stalled")
}

func TestInvocation_ErrorIsLogged(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("fail", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, errors.New("motor stalled")
		}),
	}, WithFaultHandler(func(*Invocation, error) {}))

	inv, err := m.Invoke("/test/", "fail", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	entries := inv.Log()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "ERROR", last.Level)
	assert.Equal(t, "action failed", last.Message)
	assert.Equal(t, "motor stalled", last.Attributes["error"])
}

func TestInvocation_Panic(t *testing.T) {
	var faulted atomic.Bool
	m := newTestManager(t, []thing.Action{
		thing.NewAction("explode", func(ctx context.Context, req thing.Request) (any, error) {
			panic("kaboom")
		}),
	}, WithFaultHandler(func(inv *Invocation, err error) {
		faulted.Store(true)
	}))

	inv, err := m.Invoke("/test/", "explode", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, StatusError, inv.Status())
	assert.JSONEq(t, `"action panicked: kaboom"`, string(inv.Output()))

	var pe *PanicError
	require.ErrorAs(t, inv.Err(), &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.True(t, faulted.Load())
}

func TestInvocation_Goexit(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("vanish", func(ctx context.Context, req thing.Request) (any, error) {
			runtime.Goexit()
			return nil, nil
		}),
	}, WithFaultHandler(func(*Invocation, error) {}))

	inv, err := m.Invoke("/test/", "vanish", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	snap := inv.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.JSONEq(t, `"action exited unexpectedly"`, string(snap.Output))
	assert.NotNil(t, snap.CompletedAt)
}

func TestInvocation_UnencodableOutput(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("chan", func(ctx context.Context, req thing.Request) (any, error) {
			return make(chan int), nil
		}),
	}, WithFaultHandler(func(*Invocation, error) {}))

	inv, err := m.Invoke("/test/", "chan", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, StatusError, inv.Status())
	assert.Contains(t, string(inv.Output()), "encoding output")
}

func TestInvocation_CancelledCooperatively(t *testing.T) {
	running := make(chan struct{})
	m := newTestManager(t, []thing.Action{
		thing.NewAction("spin", func(ctx context.Context, req thing.Request) (any, error) {
			close(running)
			for {
				if thing.StopRequested(ctx) {
					return nil, thing.ErrCancelled
				}
				time.Sleep(time.Millisecond)
			}
		}),
	})

	inv, err := m.Invoke("/test/", "spin", nil)
	require.NoError(t, err)
	<-running

	require.NoError(t, m.Stop(inv.ID()))
	waitDone(t, inv)

	snap := inv.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Nil(t, snap.Output)
	assert.True(t, snap.StopRequested)
	assert.NotNil(t, snap.CompletedAt)
	assert.NoError(t, inv.Err())
}

func TestInvocation_ContextCanceledAfterStop(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("wait", func(ctx context.Context, req thing.Request) (any, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("waiting: %w", ctx.Err())
		}),
	})

	inv, err := m.Invoke("/test/", "wait", nil)
	require.NoError(t, err)

	inv.RequestStop()
	inv.RequestStop()
	waitDone(t, inv)

	assert.Equal(t, StatusCancelled, inv.Status())
	assert.Nil(t, inv.Output())
}

func TestInvocation_StopIgnored(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, []thing.Action{
		thing.NewAction("stubborn", func(ctx context.Context, req thing.Request) (any, error) {
			<-release
			return "done anyway", nil
		}),
	})

	inv, err := m.Invoke("/test/", "stubborn", nil)
	require.NoError(t, err)

	inv.RequestStop()
	assert.True(t, inv.StopRequested())
	assert.False(t, inv.Status().IsTerminal())

	close(release)
	waitDone(t, inv)

	assert.Equal(t, StatusCompleted, inv.Status())
	assert.JSONEq(t, `"done anyway"`, string(inv.Output()))
}

func TestInvocation_StartTwice(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("noop", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, nil
		}),
	})

	inv, err := m.Invoke("/test/", "noop", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, inv.start(), ErrAlreadyStarted)
	waitDone(t, inv)
	assert.Equal(t, StatusCompleted, inv.Status())
}

func TestInvocation_StatusMonotonic(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, []thing.Action{
		thing.NewAction("gate", func(ctx context.Context, req thing.Request) (any, error) {
			<-release
			return nil, nil
		}),
	})

	inv, err := m.Invoke("/test/", "gate", nil)
	require.NoError(t, err)

	var observed []Status
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			s := inv.Status()
			observed = append(observed, s)
			if s.IsTerminal() {
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	close(release)
	waitDone(t, inv)
	<-polled

	require.NotEmpty(t, observed)
	for i := 1; i < len(observed); i++ {
		prev, cur := observed[i-1], observed[i]
		assert.False(t, rank(cur) < rank(prev), "status went from %s to %s", prev, cur)
		if prev.IsTerminal() {
			assert.Equal(t, prev, cur)
		}
	}
	assert.Equal(t, StatusCompleted, observed[len(observed)-1])
}

func rank(s Status) int {
	if s.IsTerminal() {
		return 2
	}
	return int(s)
}

func TestInvocation_LogBounded(t *testing.T) {
	const capacity = 5
	m := newTestManager(t, []thing.Action{
		thing.NewAction("chatty", func(ctx context.Context, req thing.Request) (any, error) {
			for i := 0; i < 20; i++ {
				req.Logger.Info(fmt.Sprintf("line %d", i))
			}
			return nil, nil
		}),
	}, WithLogCapacity(capacity))

	inv, err := m.Invoke("/test/", "chatty", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, []string{
		"line 16", "line 17", "line 18", "line 19", "action completed",
	}, messages(inv.Log()))
}

func TestInvocation_LogLevel(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("levels", func(ctx context.Context, req thing.Request) (any, error) {
			req.Logger.Debug("debug detail")
			req.Logger.Warn("warning")
			return nil, nil
		}),
	}, WithLogLevel(slog.LevelWarn))

	inv, err := m.Invoke("/test/", "levels", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, []string{"warning"}, messages(inv.Log()))
}

func TestInvocation_LogCapturesContextLogging(t *testing.T) {
	var shared *slog.Logger
	m := newTestManager(t, []thing.Action{
		thing.NewAction("ctxlog", func(ctx context.Context, req thing.Request) (any, error) {
			shared.InfoContext(ctx, "from a shared logger")
			shared.Info("no context, not captured")
			return nil, nil
		}),
	})
	shared = slog.New(m.hub)

	inv, err := m.Invoke("/test/", "ctxlog", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	msgs := messages(inv.Log())
	assert.Contains(t, msgs, "from a shared logger")
	assert.NotContains(t, msgs, "no context, not captured")
}

func TestInvocation_SinkDetached(t *testing.T) {
	m := newTestManager(t, []thing.Action{
		thing.NewAction("noop", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, nil
		}),
		thing.NewAction("fail", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, errors.New("nope")
		}),
	}, WithFaultHandler(func(*Invocation, error) {}))

	for _, name := range []string{"noop", "fail"} {
		inv, err := m.Invoke("/test/", name, nil)
		require.NoError(t, err)
		waitDone(t, inv)
	}

	assert.Equal(t, 0, m.hub.Attached())
}

func TestInvocation_ResolutionFailsAtRun(t *testing.T) {
	action := thing.NewAction("once", func(ctx context.Context, req thing.Request) (any, error) {
		return nil, nil
	})
	resolver := &flakyResolver{action: action}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(logger, resolver, WithFaultHandler(func(*Invocation, error) {}))

	inv, err := m.Invoke("/gone/", "once", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, StatusError, inv.Status())
	assert.ErrorIs(t, inv.Err(), thing.ErrThingNotFound)
}

// flakyResolver resolves its action once, then reports the thing as gone.
type flakyResolver struct {
	action thing.Action
	calls  atomic.Int32
}

func (r *flakyResolver) Action(path, name string) (thing.Action, error) {
	if r.calls.Add(1) == 1 {
		return r.action, nil
	}
	return nil, fmt.Errorf("%w: %s", thing.ErrThingNotFound, path)
}

func TestInvocation_ActionReceivesRequest(t *testing.T) {
	var got thing.Request
	m := newTestManager(t, []thing.Action{
		thing.NewAction("inspect", func(ctx context.Context, req thing.Request) (any, error) {
			got = req
			return nil, nil
		}),
	})

	inv, err := m.Invoke("test", "inspect", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	waitDone(t, inv)

	assert.Equal(t, inv.ID().String(), got.InvocationID)
	assert.Equal(t, "/test/", got.ThingPath)
	assert.JSONEq(t, `{"a":1}`, string(got.Input))
	assert.NotNil(t, got.Logger)
	assert.Equal(t, "/test/inspect", inv.Action())
	assert.Equal(t, DefaultStopTimeout, inv.StopTimeout())
}
