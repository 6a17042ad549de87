// Package handlers provides HTTP handlers for the thingserver server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nomis52/thingserver/config"
	"github.com/nomis52/thingserver/invocation"
	"github.com/nomis52/thingserver/thing"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.Config
}

// ThingDescriber lists the registered things.
type ThingDescriber interface {
	Describe() []thing.Description
}

// Invoker starts action invocations.
type Invoker interface {
	Invoke(thingPath, actionName string, input json.RawMessage) (*invocation.Invocation, error)
}

// InvocationStore provides access to action invocations.
type InvocationStore interface {
	Views(f invocation.Filter, links invocation.LinkBuilder) []invocation.View
	Get(id uuid.UUID) (*invocation.Invocation, error)
	Stop(id uuid.UUID) error
}

// NextRunProvider reports when the next scheduled invocation fires.
type NextRunProvider interface {
	NextRun() *time.Time
}
