package invocation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_ViewJSON(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-3d4b-4c5a-9e7f-0a1b2c3d4e5f")
	requested := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	started := requested.Add(time.Second)

	snap := Snapshot{
		ID:          id,
		ThingPath:   "/stage/",
		ActionName:  "move",
		Status:      StatusRunning,
		RequestedAt: requested,
		StartedAt:   &started,
		Input:       json.RawMessage(`{"distance":10}`),
	}

	data, err := json.Marshal(snap.View(nil))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"id": "6f1c2a8e-3d4b-4c5a-9e7f-0a1b2c3d4e5f",
		"status": "running",
		"action": "/stage/move",
		"href": "/action_invocations/6f1c2a8e-3d4b-4c5a-9e7f-0a1b2c3d4e5f",
		"timeRequested": "2024-05-01T12:00:00Z",
		"timeStarted": "2024-05-01T12:00:01Z",
		"timeCompleted": null,
		"input": {"distance": 10},
		"output": null
	}`, string(data))
}

func TestSnapshot_ViewEmptyInput(t *testing.T) {
	snap := Snapshot{ID: uuid.New(), Status: StatusPending}

	data, err := json.Marshal(snap.View(nil))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded["input"])
	assert.Nil(t, decoded["output"])
	assert.Nil(t, decoded["timeStarted"])
}

func TestLinkFunc(t *testing.T) {
	id := uuid.New()
	links := LinkFunc(func(id uuid.UUID) string {
		return "https://example.test/x/" + id.String()
	})
	assert.Equal(t, "https://example.test/x/"+id.String(), Snapshot{ID: id}.View(links).Href)
	assert.Equal(t, "/action_invocations/"+id.String(), DefaultLink(id))
}
