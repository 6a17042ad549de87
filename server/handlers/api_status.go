package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/thingserver/server/types"
)

// NextRunResponse is the JSON response for the next run information.
type NextRunResponse struct {
	Scheduled bool       `json:"scheduled"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// APIStatusResponse is the consolidated response for /api/status.
type APIStatusResponse struct {
	Server      types.ServerProperties `json:"server"`
	Uptime      string                 `json:"uptime"`
	Things      int                    `json:"things"`
	Invocations map[string]int         `json:"invocations"` // Count by status
	NextRun     NextRunResponse        `json:"next_run"`
}

// APIStatusProvider aggregates all the providers needed for the status endpoint.
type APIStatusProvider interface {
	NextRunProvider
	Properties() types.ServerProperties
	ThingCount() int
	InvocationCounts() map[string]int
}

// APIStatusHandler handles requests for the consolidated status endpoint.
type APIStatusHandler struct {
	provider APIStatusProvider
	now      func() time.Time
}

// NewAPIStatusHandler creates a new APIStatusHandler.
func NewAPIStatusHandler(provider APIStatusProvider) *APIStatusHandler {
	return &APIStatusHandler{
		provider: provider,
		now:      time.Now,
	}
}

// ServeHTTP implements http.Handler.
func (h *APIStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	props := h.provider.Properties()
	nextRun := h.provider.NextRun()

	resp := APIStatusResponse{
		Server:      props,
		Uptime:      h.now().Sub(props.StartedAt).Truncate(time.Second).String(),
		Things:      h.provider.ThingCount(),
		Invocations: h.provider.InvocationCounts(),
		NextRun: NextRunResponse{
			Scheduled: nextRun != nil,
			NextRun:   nextRun,
		},
	}

	writeJSON(w, http.StatusOK, resp)
}
