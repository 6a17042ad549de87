package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nomis52/thingserver/invocation"
	"github.com/nomis52/thingserver/thing"
)

const maxInputBytes = 1 << 20

// InvokeHandler starts an action. The last element of the request path is the
// action name and the rest is the thing path, so POST /things/stage/move
// invokes "move" on /stage/.
type InvokeHandler struct {
	logger  *slog.Logger
	invoker Invoker
}

// NewInvokeHandler creates a new InvokeHandler.
func NewInvokeHandler(logger *slog.Logger, invoker Invoker) *InvokeHandler {
	return &InvokeHandler{
		logger:  logger,
		invoker: invoker,
	}
}

// ServeHTTP implements http.Handler.
func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	thingPath, action, ok := splitActionPath(r.PathValue("path"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no action in path %q", r.URL.Path))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	if len(body) > maxInputBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("input exceeds %d bytes", maxInputBytes))
		return
	}

	var input json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		input = body
	}

	inv, err := h.invoker.Invoke(thingPath, action, input)
	switch {
	case errors.Is(err, thing.ErrThingNotFound), errors.Is(err, thing.ErrActionNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, invocation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.logger.Error("failed to invoke action", "thing", thingPath, "action", action, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	view := inv.View(requestLinks(r))
	w.Header().Set("Location", view.Href)
	writeJSON(w, http.StatusCreated, view)
}

// splitActionPath splits "stage/move" into ("/stage/", "move").
func splitActionPath(p string) (thingPath, action string, ok bool) {
	p = strings.Trim(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 || i == len(p)-1 {
		return "", "", false
	}
	return thing.NormalizePath(p[:i]), p[i+1:], true
}
