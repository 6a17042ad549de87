package invocation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nomis52/thingserver/metrics"
	"github.com/nomis52/thingserver/thing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopAction(name string) thing.Action {
	return thing.NewAction(name, func(ctx context.Context, req thing.Request) (any, error) {
		return nil, nil
	})
}

func TestManager_InvokeThenListAndGet(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := newTestManager(t, []thing.Action{
		thing.NewAction("block", func(ctx context.Context, req thing.Request) (any, error) {
			<-release
			return nil, nil
		}),
	})

	inv, err := m.Invoke("/test/", "block", nil)
	require.NoError(t, err)

	list := m.List(Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, inv.ID(), list[0].ID())

	got, err := m.Get(inv.ID())
	require.NoError(t, err)
	assert.Same(t, inv, got)
}

func TestManager_GetUnknown(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")})

	_, err := m.Get(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetView(uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Stop(uuid.New()), ErrNotFound)
}

func TestManager_InvokeRejects(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")})

	tests := []struct {
		name    string
		path    string
		action  string
		input   json.RawMessage
		wantErr error
	}{
		{"unknown thing", "/missing/", "noop", nil, thing.ErrThingNotFound},
		{"unknown action", "/test/", "missing", nil, thing.ErrActionNotFound},
		{"malformed input", "/test/", "noop", json.RawMessage(`{"a":`), ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Invoke(tt.path, tt.action, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, 0, m.Len())
}

func TestManager_ListOrderAndFilter(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("a"), noopAction("b")})

	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "a", "b", "a"} {
		inv, err := m.Invoke("/test/", name, nil)
		require.NoError(t, err)
		ids = append(ids, inv.ID())
	}

	all := m.List(Filter{})
	require.Len(t, all, 5)
	for i, inv := range all {
		assert.Equal(t, ids[i], inv.ID())
	}

	onlyA := m.List(Filter{ActionName: "a"})
	require.Len(t, onlyA, 3)
	assert.Equal(t, []uuid.UUID{ids[0], ids[2], ids[4]}, []uuid.UUID{onlyA[0].ID(), onlyA[1].ID(), onlyA[2].ID()})

	assert.Len(t, m.List(Filter{ThingPath: "test"}), 5)
	assert.Empty(t, m.List(Filter{ThingPath: "/other/"}))
}

func TestManager_ConcurrentInvocationsIsolated(t *testing.T) {
	// Both actions wait for each other so their logging interleaves.
	var ready sync.WaitGroup
	ready.Add(2)
	tagged := func(tag string) thing.Action {
		return thing.NewAction(tag, func(ctx context.Context, req thing.Request) (any, error) {
			ready.Done()
			ready.Wait()
			for i := 0; i < 50; i++ {
				req.Logger.Info(fmt.Sprintf("%s %d", tag, i))
			}
			return tag, nil
		})
	}
	m := newTestManager(t, []thing.Action{tagged("left"), tagged("right")})

	left, err := m.Invoke("/test/", "left", nil)
	require.NoError(t, err)
	right, err := m.Invoke("/test/", "right", nil)
	require.NoError(t, err)
	assert.NotEqual(t, left.ID(), right.ID())

	waitDone(t, left)
	waitDone(t, right)

	for inv, tag := range map[*Invocation]string{left: "left", right: "right"} {
		count := 0
		for _, e := range inv.Log() {
			assert.Equal(t, inv.ID().String(), e.Attributes["invocation_id"])
			if strings.HasPrefix(e.Message, "left") || strings.HasPrefix(e.Message, "right") {
				assert.True(t, strings.HasPrefix(e.Message, tag), "%s captured %q", tag, e.Message)
				count++
			}
		}
		assert.Equal(t, 50, count)
	}
}

func TestManager_ConcurrentInvoke(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")})

	const n = 50
	var wg sync.WaitGroup
	invs := make([]*Invocation, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := m.Invoke("/test/", "noop", nil)
			assert.NoError(t, err)
			invs[i] = inv
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID]bool)
	for _, inv := range invs {
		require.NotNil(t, inv)
		waitDone(t, inv)
		assert.False(t, seen[inv.ID()])
		seen[inv.ID()] = true
		_, err := m.Get(inv.ID())
		assert.NoError(t, err)
	}
	assert.Equal(t, n, m.Len())
}

func TestManager_MoveScenario(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, []thing.Action{
		thing.NewAction("move", func(ctx context.Context, req thing.Request) (any, error) {
			var in struct {
				Distance int `json:"distance"`
			}
			if err := req.Bind(&in); err != nil {
				return nil, err
			}
			<-release
			return map[string]int{"position": in.Distance}, nil
		}),
	})

	inv, err := m.Invoke("/test/", "move", json.RawMessage(`{"distance":10}`))
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusPending, StatusRunning}, inv.Status())

	assert.Eventually(t, func() bool {
		return inv.Status() == StatusRunning
	}, 5*time.Second, time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool {
		return inv.Status() == StatusCompleted
	}, 5*time.Second, time.Millisecond)
	assert.JSONEq(t, `{"position":10}`, string(inv.Output()))
}

func TestManager_Views(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")})

	inv, err := m.Invoke("/test/", "noop", nil)
	require.NoError(t, err)
	waitDone(t, inv)

	views := m.Views(Filter{}, nil)
	require.Len(t, views, 1)
	assert.Equal(t, "/action_invocations/"+inv.ID().String(), views[0].Href)

	view, err := m.GetView(inv.ID(), LinkFunc(func(id uuid.UUID) string {
		return "http://lab.local/action_invocations/" + id.String()
	}))
	require.NoError(t, err)
	assert.Equal(t, "http://lab.local/action_invocations/"+inv.ID().String(), view.Href)
	assert.Equal(t, "/test/noop", view.Action)
	assert.Equal(t, StatusCompleted, view.Status)
}

func TestManager_RetentionByCount(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")}, WithRetention(0, 2))

	var invs []*Invocation
	for i := 0; i < 4; i++ {
		inv, err := m.Invoke("/test/", "noop", nil)
		require.NoError(t, err)
		waitDone(t, inv)
		invs = append(invs, inv)
	}

	m.Prune()
	require.Equal(t, 2, m.Len())

	_, err := m.Get(invs[0].ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(invs[1].ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(invs[3].ID())
	assert.NoError(t, err)
}

func TestManager_RetentionKeepsRunning(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, []thing.Action{
		noopAction("noop"),
		thing.NewAction("block", func(ctx context.Context, req thing.Request) (any, error) {
			<-release
			return nil, nil
		}),
	}, WithRetention(time.Millisecond, 0))

	running, err := m.Invoke("/test/", "block", nil)
	require.NoError(t, err)
	done, err := m.Invoke("/test/", "noop", nil)
	require.NoError(t, err)
	waitDone(t, done)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, m.Prune())

	_, err = m.Get(running.ID())
	assert.NoError(t, err)
	_, err = m.Get(done.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	close(release)
	waitDone(t, running)
}

func TestManager_NoRetentionByDefault(t *testing.T) {
	m := newTestManager(t, []thing.Action{noopAction("noop")})

	for i := 0; i < 10; i++ {
		inv, err := m.Invoke("/test/", "noop", nil)
		require.NoError(t, err)
		waitDone(t, inv)
	}

	assert.Equal(t, 0, m.Prune())
	assert.Equal(t, 10, m.Len())
}

func TestManager_Metrics(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry()
	require.NoError(t, err)
	im, err := NewMetrics(reg)
	require.NoError(t, err)

	m := newTestManager(t, []thing.Action{
		noopAction("noop"),
		thing.NewAction("fail", func(ctx context.Context, req thing.Request) (any, error) {
			return nil, fmt.Errorf("broken")
		}),
	}, WithMetrics(im))

	for _, name := range []string{"noop", "noop", "fail"} {
		inv, err := m.Invoke("/test/", name, nil)
		require.NoError(t, err)
		waitDone(t, inv)
	}

	w := httptest.NewRecorder()
	reg.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()

	assert.Contains(t, body, `invocations_total{action="noop",status="completed",thing="/test/"} 2`)
	assert.Contains(t, body, `invocations_total{action="fail",status="error",thing="/test/"} 1`)
	assert.Contains(t, body, `invocations_running 0`)
	assert.Contains(t, body, `invocation_faults_total 1`)
	assert.Contains(t, body, `invocation_duration_seconds_count{action="noop",thing="/test/"} 2`)
}
