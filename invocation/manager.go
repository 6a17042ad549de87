package invocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/thing"
)

const (
	// DefaultLogCapacity is the number of log records kept per invocation.
	DefaultLogCapacity = 1000
	// DefaultStopTimeout is the advisory stop timeout reported to callers.
	DefaultStopTimeout = 5 * time.Second
)

var (
	// ErrNotFound is returned when no invocation has the requested ID.
	ErrNotFound = errors.New("invocation not found")

	// ErrInvalidInput is returned when the input of an invoke request is not valid JSON.
	ErrInvalidInput = errors.New("invalid input")
)

// Manager creates, starts and tracks invocations.
//
// Its mutex only guards membership. Each invocation guards its own state, and
// the Manager never holds its lock while reading an invocation.
type Manager struct {
	logger      *slog.Logger
	resolver    Resolver
	hub         *logging.Hub
	logCapacity int
	logLevel    slog.Level
	stopTimeout time.Duration
	metrics     *Metrics
	onFault     FaultHandler
	maxAge      time.Duration
	maxCount    int

	mu    sync.Mutex
	byID  map[uuid.UUID]*Invocation
	order []*Invocation
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogCapacity sets how many log records each invocation keeps.
func WithLogCapacity(n int) Option {
	return func(m *Manager) {
		m.logCapacity = n
	}
}

// WithLogLevel sets the minimum level of captured log records.
func WithLogLevel(level slog.Level) Option {
	return func(m *Manager) {
		m.logLevel = level
	}
}

// WithStopTimeout sets the advisory stop timeout given to new invocations.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.stopTimeout = d
	}
}

// WithMetrics records invocation metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithFaultHandler replaces the default handling of failed invocations.
func WithFaultHandler(h FaultHandler) Option {
	return func(m *Manager) {
		m.onFault = h
	}
}

// WithHub sets the logging hub invocations capture their logs from. By
// default the Manager uses the logger's handler if it is a *logging.Hub.
func WithHub(hub *logging.Hub) Option {
	return func(m *Manager) {
		m.hub = hub
	}
}

// WithRetention evicts finished invocations older than maxAge, or beyond the
// newest maxCount. Zero disables the respective limit; by default nothing is
// evicted. Invocations that have not finished are never evicted.
func WithRetention(maxAge time.Duration, maxCount int) Option {
	return func(m *Manager) {
		m.maxAge = maxAge
		m.maxCount = maxCount
	}
}

// New creates a Manager that resolves actions through resolver.
func New(logger *slog.Logger, resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger,
		resolver:    resolver,
		logCapacity: DefaultLogCapacity,
		logLevel:    slog.LevelInfo,
		stopTimeout: DefaultStopTimeout,
		byID:        make(map[uuid.UUID]*Invocation),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.hub == nil {
		if hub, ok := logger.Handler().(*logging.Hub); ok {
			m.hub = hub
		} else {
			m.hub = logging.NewHub(logger.Handler())
		}
	}
	if m.onFault == nil {
		m.onFault = m.logFault
	}

	return m
}

// Invoke starts the named action of the thing at thingPath and returns its
// invocation without waiting for it to finish.
func (m *Manager) Invoke(thingPath, actionName string, input json.RawMessage) (*Invocation, error) {
	thingPath = thing.NormalizePath(thingPath)
	if _, err := m.resolver.Action(thingPath, actionName); err != nil {
		return nil, err
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
	}

	inv := newInvocation(thingPath, actionName, cloneRaw(input), params{
		resolver:    m.resolver,
		hub:         m.hub,
		logger:      m.logger,
		logCapacity: m.logCapacity,
		logLevel:    m.logLevel,
		stopTimeout: m.stopTimeout,
		metrics:     m.metrics,
		onFault:     m.onFault,
	})

	m.mu.Lock()
	m.byID[inv.id] = inv
	m.order = append(m.order, inv)
	m.mu.Unlock()

	if m.retains() {
		m.Prune()
	}

	if err := inv.start(); err != nil {
		return nil, err
	}

	m.logger.Info("invocation started",
		"invocation_id", inv.id.String(),
		"action", inv.Action(),
	)
	return inv, nil
}

// Filter selects invocations. Empty fields match everything.
type Filter struct {
	ThingPath  string
	ActionName string
}

func (f Filter) matches(inv *Invocation) bool {
	if f.ThingPath != "" && thing.NormalizePath(f.ThingPath) != inv.thingPath {
		return false
	}
	if f.ActionName != "" && f.ActionName != inv.actionName {
		return false
	}
	return true
}

// List returns the invocations matching f in the order they were invoked.
func (m *Manager) List(f Filter) []*Invocation {
	m.mu.Lock()
	all := make([]*Invocation, len(m.order))
	copy(all, m.order)
	m.mu.Unlock()

	result := make([]*Invocation, 0, len(all))
	for _, inv := range all {
		if f.matches(inv) {
			result = append(result, inv)
		}
	}
	return result
}

// Views returns the views of the invocations matching f in the order they
// were invoked.
func (m *Manager) Views(f Filter, links LinkBuilder) []View {
	invs := m.List(f)
	views := make([]View, len(invs))
	for i, inv := range invs {
		views[i] = inv.View(links)
	}
	return views
}

// Get returns the invocation with the given ID, or ErrNotFound.
func (m *Manager) Get(id uuid.UUID) (*Invocation, error) {
	m.mu.Lock()
	inv, ok := m.byID[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inv, nil
}

// GetView returns the view of the invocation with the given ID, or ErrNotFound.
func (m *Manager) GetView(id uuid.UUID, links LinkBuilder) (View, error) {
	inv, err := m.Get(id)
	if err != nil {
		return View{}, err
	}
	return inv.View(links), nil
}

// Stop requests that the invocation with the given ID stops.
func (m *Manager) Stop(id uuid.UUID) error {
	inv, err := m.Get(id)
	if err != nil {
		return err
	}
	inv.RequestStop()
	m.logger.Info("stop requested",
		"invocation_id", id.String(),
		"action", inv.Action(),
	)
	return nil
}

// Len returns the number of registered invocations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Prune applies the retention limits and returns how many invocations were
// evicted. It is a no-op unless WithRetention set a limit.
func (m *Manager) Prune() int {
	if !m.retains() {
		return 0
	}

	m.mu.Lock()
	candidates := make([]*Invocation, len(m.order))
	copy(candidates, m.order)
	m.mu.Unlock()

	now := time.Now()
	evict := make(map[uuid.UUID]bool)
	finished := 0
	// Newest first, so the count limit keeps the most recent.
	for i := len(candidates) - 1; i >= 0; i-- {
		snap := candidates[i].Snapshot()
		if !snap.Status.IsTerminal() {
			continue
		}
		finished++
		if m.maxCount > 0 && finished > m.maxCount {
			evict[snap.ID] = true
			continue
		}
		if m.maxAge > 0 && snap.CompletedAt != nil && now.Sub(*snap.CompletedAt) > m.maxAge {
			evict[snap.ID] = true
		}
	}
	if len(evict) == 0 {
		return 0
	}

	m.mu.Lock()
	kept := m.order[:0:0]
	for _, inv := range m.order {
		if evict[inv.id] {
			delete(m.byID, inv.id)
			continue
		}
		kept = append(kept, inv)
	}
	m.order = kept
	m.mu.Unlock()

	m.logger.Debug("pruned invocations", "count", len(evict))
	return len(evict)
}

func (m *Manager) retains() bool {
	return m.maxAge > 0 || m.maxCount > 0
}

// logFault is the default FaultHandler.
func (m *Manager) logFault(inv *Invocation, err error) {
	m.logger.Error("invocation failed",
		"invocation_id", inv.id.String(),
		"action", inv.Action(),
		"error", err,
	)
}
