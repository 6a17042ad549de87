package cron

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nomis52/thingserver/config"
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

func testRegistry(t *testing.T) *thing.Registry {
	t.Helper()
	noop := func(ctx context.Context, req thing.Request) (any, error) { return nil, nil }
	reg := thing.NewRegistry()
	require.NoError(t, reg.Add("/stage/", &testThing{actions: []thing.Action{
		thing.NewAction("move", noop),
		thing.NewAction("home", noop),
	}}))
	return reg
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("0 2 * * *")
	assert.NoError(t, err)

	_, err = ParseSchedule("  @hourly ")
	assert.NoError(t, err)

	_, err = ParseSchedule("")
	assert.ErrorIs(t, err, ErrInvalidCronSpec)

	_, err = ParseSchedule("61 * * * *")
	assert.ErrorIs(t, err, ErrInvalidCronSpec)
}

func TestParseTriggerSpecs_Valid(t *testing.T) {
	specs, err := ParseTriggerSpecs([]config.CronConfig{
		{Thing: "stage", Action: "home", Schedule: "0 3 * * *"},
		{Thing: "/stage/", Action: "move", Input: map[string]any{"distance": 5}, Schedule: " */5 * * * * "},
	}, testRegistry(t))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, TriggerSpec{Thing: "/stage/", Action: "home", CronSpec: "0 3 * * *"}, specs[0])
	assert.Equal(t, "/stage/", specs[1].Thing)
	assert.Equal(t, "*/5 * * * *", specs[1].CronSpec)
	assert.JSONEq(t, `{"distance":5}`, string(specs[1].Input))
}

func TestParseTriggerSpecs_Empty(t *testing.T) {
	specs, err := ParseTriggerSpecs(nil, testRegistry(t))
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestParseTriggerSpecs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		entry   config.CronConfig
		wantErr error
	}{
		{"unknown thing", config.CronConfig{Thing: "/laser/", Action: "fire", Schedule: "0 2 * * *"}, thing.ErrThingNotFound},
		{"unknown action", config.CronConfig{Thing: "/stage/", Action: "spin", Schedule: "0 2 * * *"}, thing.ErrActionNotFound},
		{"invalid cron", config.CronConfig{Thing: "/stage/", Action: "home", Schedule: "every day"}, ErrInvalidCronSpec},
		{"missing cron", config.CronConfig{Thing: "/stage/", Action: "home"}, ErrInvalidCronSpec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTriggerSpecs([]config.CronConfig{tt.entry}, testRegistry(t))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseTriggerSpecs_UnencodableInput(t *testing.T) {
	_, err := ParseTriggerSpecs([]config.CronConfig{
		{Thing: "/stage/", Action: "move", Input: map[string]any{"bad": make(chan int)}, Schedule: "0 2 * * *"},
	}, testRegistry(t))
	assert.ErrorContains(t, err, "encoding input")

	var typeErr *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &typeErr)
}
