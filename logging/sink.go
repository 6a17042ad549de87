package logging

import (
	"log/slog"
	"sync"
)

// Sink receives the records of a single task from a Hub and appends them to a
// bounded buffer. Once the buffer is full the oldest entry is evicted.
type Sink struct {
	set    *sinkSet
	taskID string
	level  slog.Level
	dest   *Ring[LogEntry]
	lock   sync.Locker

	detachOnce sync.Once
}

// TaskID returns the task the sink captures records for.
func (s *Sink) TaskID() string {
	return s.taskID
}

// onRecord runs inline with the logging call, so the critical section is kept
// to the append.
func (s *Sink) onRecord(entry LogEntry) {
	s.lock.Lock()
	s.dest.Push(entry)
	s.lock.Unlock()
}

// Detach removes the sink from its Hub. Calling Detach more than once is a no-op.
func (s *Sink) Detach() {
	s.detachOnce.Do(func() {
		s.set.remove(s)
	})
}
