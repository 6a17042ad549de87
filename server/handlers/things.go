package handlers

import "net/http"

// ThingsHandler lists the registered things and their actions.
type ThingsHandler struct {
	things ThingDescriber
}

// NewThingsHandler creates a new ThingsHandler.
func NewThingsHandler(things ThingDescriber) *ThingsHandler {
	return &ThingsHandler{things: things}
}

// ServeHTTP implements http.Handler.
func (h *ThingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.things.Describe())
}
