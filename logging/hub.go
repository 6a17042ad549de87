package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single captured log record with structured data.
type LogEntry struct {
	Time       time.Time              `json:"time"`
	Level      string                 `json:"level"` // "DEBUG", "INFO", "WARN", "ERROR"
	Message    string                 `json:"message"`
	Attributes map[string]interface{} `json:"attributes"` // Structured fields
}

// Hub is the process-wide slog.Handler. Every record is passed through to the
// underlying handler, and records that belong to a task are also delivered to
// the sinks attached for that task.
//
// A record belongs to a task when it is emitted through a handler returned by
// ForTask, or when the context passed to the logging call carries a task ID
// (see WithTask).
type Hub struct {
	underlying slog.Handler
	sinks      *sinkSet
	taskID     string      // bound task, empty for the shared handler
	attrs      []slog.Attr // Attributes added via WithAttrs
	groups     []string    // Groups added via WithGroup
}

// sinkSet is shared by a Hub and every handler derived from it.
type sinkSet struct {
	mu     sync.RWMutex
	byTask map[string][]*Sink
	count  int
}

// NewHub creates a Hub that writes to the underlying handler.
func NewHub(underlying slog.Handler) *Hub {
	return &Hub{
		underlying: underlying,
		sinks:      &sinkSet{byTask: make(map[string][]*Sink)},
	}
}

// ForTask returns a handler bound to the given task ID. Records emitted through
// it are captured by the task's sinks regardless of the logging context.
func (h *Hub) ForTask(taskID string) *Hub {
	clone := *h
	clone.taskID = taskID
	return &clone
}

// Attach registers a sink that receives the records of taskID at or above
// level. Each record is appended to dest while holding lock. The returned
// Sink must be detached when the task finishes.
func (h *Hub) Attach(taskID string, dest *Ring[LogEntry], lock sync.Locker, level slog.Level) *Sink {
	s := &Sink{
		set:    h.sinks,
		taskID: taskID,
		level:  level,
		dest:   dest,
		lock:   lock,
	}
	h.sinks.add(s)
	return s
}

// Attached returns the number of sinks currently registered.
func (h *Hub) Attached() int {
	h.sinks.mu.RLock()
	defer h.sinks.mu.RUnlock()
	return h.sinks.count
}

// Enabled reports whether the underlying handler wants the level, or whether a
// sink might. Capturing must not depend on the output level.
func (h *Hub) Enabled(ctx context.Context, level slog.Level) bool {
	if h.underlying.Enabled(ctx, level) {
		return true
	}
	h.sinks.mu.RLock()
	defer h.sinks.mu.RUnlock()
	return h.sinks.count > 0
}

// Handle delivers the record to matching sinks and then passes it to the
// underlying handler.
func (h *Hub) Handle(ctx context.Context, r slog.Record) error {
	taskID := h.taskID
	if taskID == "" {
		taskID = TaskFromContext(ctx)
	}

	if taskID != "" {
		if sinks := h.sinks.lookup(taskID); len(sinks) > 0 {
			entry := h.entry(r)
			for _, s := range sinks {
				if r.Level >= s.level {
					s.onRecord(entry)
				}
			}
		}
	}

	if !h.underlying.Enabled(ctx, r.Level) {
		return nil
	}
	return h.underlying.Handle(ctx, r)
}

// WithAttrs returns a new Hub with additional attributes.
// It must return a *Hub (not the underlying handler) so capturing survives
// .With() chains.
func (h *Hub) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		newAttrs = append(newAttrs, a)
	}

	return &Hub{
		underlying: h.underlying.WithAttrs(attrs),
		sinks:      h.sinks,
		taskID:     h.taskID,
		attrs:      newAttrs,
		groups:     h.groups,
	}
}

// WithGroup returns a new Hub with a group name.
func (h *Hub) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name

	return &Hub{
		underlying: h.underlying.WithGroup(name),
		sinks:      h.sinks,
		taskID:     h.taskID,
		attrs:      h.attrs,
		groups:     newGroups,
	}
}

// entry flattens a record into a LogEntry. Group names are joined to the
// attribute key with dots.
func (h *Hub) entry(r slog.Record) LogEntry {
	entry := LogEntry{
		Time:       r.Time,
		Level:      r.Level.String(),
		Message:    r.Message,
		Attributes: make(map[string]interface{}, r.NumAttrs()+len(h.attrs)),
	}

	for _, attr := range h.attrs {
		entry.Attributes[attr.Key] = resolveValue(attr.Value)
	}

	r.Attrs(func(a slog.Attr) bool {
		entry.Attributes[h.qualify(a.Key)] = resolveValue(a.Value)
		return true
	})

	return entry
}

func (h *Hub) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func (s *sinkSet) add(sink *Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask[sink.taskID] = append(s.byTask[sink.taskID], sink)
	s.count++
}

func (s *sinkSet) remove(sink *Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sinks := s.byTask[sink.taskID]
	for i, existing := range sinks {
		if existing != sink {
			continue
		}
		sinks = append(sinks[:i:i], sinks[i+1:]...)
		s.count--
		break
	}
	if len(sinks) == 0 {
		delete(s.byTask, sink.taskID)
	} else {
		s.byTask[sink.taskID] = sinks
	}
}

// lookup returns the sinks for a task. The returned slice is never mutated in
// place by add/remove, so it is safe to range over after the lock is released.
func (s *sinkSet) lookup(taskID string) []*Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTask[taskID]
}

// resolveValue converts a slog.Value to a JSON-serializable value.
// This handles special cases like errors which need to be converted to strings.
func resolveValue(v slog.Value) interface{} {
	v = v.Resolve()

	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindAny:
		any := v.Any()
		if err, ok := any.(error); ok {
			return err.Error()
		}
		return any
	case slog.KindGroup:
		attrs := v.Group()
		group := make(map[string]interface{}, len(attrs))
		for _, attr := range attrs {
			group[attr.Key] = resolveValue(attr.Value)
		}
		return group
	default:
		return v.Any()
	}
}
