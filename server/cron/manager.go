package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/thingserver/invocation"
)

// Invoker starts action invocations.
type Invoker interface {
	Invoke(thingPath, actionName string, input json.RawMessage) (*invocation.Invocation, error)
}

// CronTriggerManager manages one CronTrigger per scheduled invocation.
type CronTriggerManager struct {
	triggers []*CronTrigger
	specs    []TriggerSpec
	logger   *slog.Logger
}

// NewCronTriggerManager creates a CronTriggerManager for the given specs. Each
// time a trigger fires it starts a new invocation through invoker.
func NewCronTriggerManager(specs []TriggerSpec, invoker Invoker, logger *slog.Logger) (*CronTriggerManager, error) {
	triggers := make([]*CronTrigger, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		callback := RunnableFunc(func() error {
			inv, err := invoker.Invoke(spec.Thing, spec.Action, spec.Input)
			if err != nil {
				return err
			}
			logger.Info("scheduled invocation started",
				"invocation_id", inv.ID().String(),
				"action", inv.Action(),
			)
			return nil
		})

		trigger, err := NewCronTrigger(spec.CronSpec, callback, logger.With("action", spec.Thing+spec.Action))
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s%s:%s': %w",
				spec.Thing, spec.Action, spec.CronSpec, err)
		}
		triggers = append(triggers, trigger)
	}

	logger.Info("cron trigger manager created", "trigger_count", len(triggers))

	// Log details for each trigger
	for i, trigger := range triggers {
		logger.Info("trigger registered",
			"index", i,
			"action", specs[i].Thing+specs[i].Action,
			"schedule", specs[i].CronSpec,
			"next_run", trigger.NextRun(),
		)
	}

	return &CronTriggerManager{
		triggers: triggers,
		specs:    specs,
		logger:   logger,
	}, nil
}

// Start launches all triggers. Each trigger runs in its own goroutine.
// Returns immediately. All goroutines exit when ctx is cancelled.
func (m *CronTriggerManager) Start(ctx context.Context) {
	for _, trigger := range m.triggers {
		trigger.Start(ctx)
	}
}

// Len returns the number of triggers.
func (m *CronTriggerManager) Len() int {
	return len(m.triggers)
}

// NextRun returns the earliest scheduled run time across all triggers.
// Returns zero time if there are no triggers.
func (m *CronTriggerManager) NextRun() time.Time {
	if len(m.triggers) == 0 {
		return time.Time{}
	}

	earliest := m.triggers[0].NextRun()
	for i := 1; i < len(m.triggers); i++ {
		next := m.triggers[i].NextRun()
		if next.Before(earliest) {
			earliest = next
		}
	}

	return earliest
}
