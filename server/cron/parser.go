package cron

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nomis52/thingserver/config"
	"github.com/nomis52/thingserver/thing"
	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerSpec is a validated scheduled invocation.
type TriggerSpec struct {
	Thing    string
	Action   string
	Input    json.RawMessage
	CronSpec string
}

// ActionResolver looks up actions so triggers can be checked before they fire.
type ActionResolver interface {
	Action(thingPath, name string) (thing.Action, error)
}

// ParseSchedule parses a cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCronSpec)
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return schedule, nil
}

// ParseTriggerSpecs validates the configured cron entries against the
// available actions.
//
// Returns an error if:
//   - Any entry names a thing or action that does not exist
//   - Any cron expression is invalid
//   - Any input cannot be converted to JSON
func ParseTriggerSpecs(entries []config.CronConfig, resolver ActionResolver) ([]TriggerSpec, error) {
	specs := make([]TriggerSpec, 0, len(entries))
	for i, e := range entries {
		spec, err := parseEntry(e, resolver)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger spec %d (%s%s): %w", i, e.Thing, e.Action, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseEntry(e config.CronConfig, resolver ActionResolver) (TriggerSpec, error) {
	path := thing.NormalizePath(e.Thing)
	if _, err := resolver.Action(path, e.Action); err != nil {
		return TriggerSpec{}, err
	}

	if _, err := ParseSchedule(e.Schedule); err != nil {
		return TriggerSpec{}, err
	}

	var input json.RawMessage
	if len(e.Input) > 0 {
		data, err := json.Marshal(e.Input)
		if err != nil {
			return TriggerSpec{}, fmt.Errorf("encoding input: %w", err)
		}
		input = data
	}

	return TriggerSpec{
		Thing:    path,
		Action:   e.Action,
		Input:    input,
		CronSpec: strings.TrimSpace(e.Schedule),
	}, nil
}
