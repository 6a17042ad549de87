package handlers

import (
	"errors"
	"net/http"

	"github.com/nomis52/thingserver/invocation"
)

// InvocationsHandler serves the action invocation endpoints:
//
//   - GET /action_invocations lists invocations, optionally filtered by the
//     "thing" and "action" query parameters
//   - GET /action_invocations/{id} returns one invocation
//   - GET /action_invocations/{id}/log returns its captured log
//   - DELETE /action_invocations/{id} requests that it stops
type InvocationsHandler struct {
	store InvocationStore
}

// NewInvocationsHandler creates a new InvocationsHandler.
func NewInvocationsHandler(store InvocationStore) *InvocationsHandler {
	return &InvocationsHandler{store: store}
}

// List handles GET /action_invocations.
func (h *InvocationsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	views := h.store.Views(invocation.Filter{
		ThingPath:  q.Get("thing"),
		ActionName: q.Get("action"),
	}, requestLinks(r))
	if views == nil {
		views = []invocation.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

// Get handles GET /action_invocations/{id}.
func (h *InvocationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv.View(requestLinks(r)))
}

// Log handles GET /action_invocations/{id}/log.
func (h *InvocationsHandler) Log(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv.Log())
}

// Stop handles DELETE /action_invocations/{id}. Stopping is cooperative, so
// the invocation is usually still running when the response is sent.
func (h *InvocationsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.store.Stop(inv.ID()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, inv.View(requestLinks(r)))
}

func (h *InvocationsHandler) lookup(w http.ResponseWriter, r *http.Request) (*invocation.Invocation, bool) {
	id, err := invocationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	inv, err := h.store.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return inv, true
}

func statusFor(err error) int {
	if errors.Is(err, invocation.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
