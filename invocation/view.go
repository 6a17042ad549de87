package invocation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InvocationsPath is the path under which invocations are served.
const InvocationsPath = "/action_invocations"

// LinkBuilder builds the canonical link to an invocation.
type LinkBuilder interface {
	InvocationLink(id uuid.UUID) string
}

// LinkFunc adapts a function to LinkBuilder.
type LinkFunc func(id uuid.UUID) string

// InvocationLink implements LinkBuilder.
func (f LinkFunc) InvocationLink(id uuid.UUID) string {
	return f(id)
}

// DefaultLink returns the link used when no LinkBuilder is available.
func DefaultLink(id uuid.UUID) string {
	return InvocationsPath + "/" + id.String()
}

// View is the external representation of an invocation.
type View struct {
	ID            uuid.UUID       `json:"id"`
	Status        Status          `json:"status"`
	Action        string          `json:"action"`
	Href          string          `json:"href"`
	TimeRequested *time.Time      `json:"timeRequested"`
	TimeStarted   *time.Time      `json:"timeStarted"`
	TimeCompleted *time.Time      `json:"timeCompleted"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output"`
}

// View projects the invocation's current state. A nil links falls back to
// DefaultLink.
func (inv *Invocation) View(links LinkBuilder) View {
	return inv.Snapshot().View(links)
}

// View projects the snapshot.
func (s Snapshot) View(links LinkBuilder) View {
	href := DefaultLink(s.ID)
	if links != nil {
		href = links.InvocationLink(s.ID)
	}
	requested := s.RequestedAt

	return View{
		ID:            s.ID,
		Status:        s.Status,
		Action:        s.ThingPath + s.ActionName,
		Href:          href,
		TimeRequested: &requested,
		TimeStarted:   s.StartedAt,
		TimeCompleted: s.CompletedAt,
		Input:         orNull(s.Input),
		Output:        orNull(s.Output),
	}
}

// orNull keeps absent values encoded as JSON null.
func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
