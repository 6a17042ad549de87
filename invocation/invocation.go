// Package invocation runs actions asynchronously and tracks each run.
//
// An Invocation is one execution of one action. It runs on its own goroutine,
// captures the log records emitted while the action executes, and exposes a
// thread-safe view of its status, timestamps, input, output and log.
//
// The Manager is the only way to create invocations. It registers every
// invocation it starts and answers list and get queries about them.
//
// # Example
//
//	m := invocation.New(logger, things)
//
//	inv, err := m.Invoke("/stage/", "move", json.RawMessage(`{"distance": 10}`))
//	if err != nil {
//	    // unknown thing or action, or malformed input
//	}
//
//	<-inv.Done()
//	snap := inv.Snapshot()
//	fmt.Println(snap.Status, string(snap.Output)) // completed {"position":10}
//
// Actions stop cooperatively: RequestStop cancels the action's context with
// thing.ErrStopRequested as the cause, and the action decides when to return
// thing.ErrCancelled.
package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/thing"
)

// ErrAlreadyStarted is returned when starting an invocation a second time.
var ErrAlreadyStarted = errors.New("invocation already started")

// Resolver looks up the action an invocation runs. It is consulted when the
// invocation executes, so an invocation never holds its action directly.
type Resolver interface {
	Action(thingPath, name string) (thing.Action, error)
}

// FaultHandler receives the failure of an invocation that ended in error. It
// runs after the failure is recorded, on the invocation's goroutine.
type FaultHandler func(inv *Invocation, err error)

// PanicError is the failure recorded when an action panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("action panicked: %v", e.Value)
}

// Invocation is one tracked execution of an action.
type Invocation struct {
	id          uuid.UUID
	thingPath   string
	actionName  string
	input       json.RawMessage
	stopTimeout time.Duration
	requestedAt time.Time

	resolver Resolver
	hub      *logging.Hub
	logLevel slog.Level
	logger   *slog.Logger
	metrics  *Metrics
	onFault  FaultHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// mu guards the fields below and is shared with the log sink.
	mu            sync.Mutex
	started       bool
	status        Status
	startedAt     *time.Time
	completedAt   *time.Time
	output        json.RawMessage
	err           error
	log           *logging.Ring[logging.LogEntry]
	stopRequested bool
}

// params carries what the Manager passes to each new invocation.
type params struct {
	resolver    Resolver
	hub         *logging.Hub
	logger      *slog.Logger
	logCapacity int
	logLevel    slog.Level
	stopTimeout time.Duration
	metrics     *Metrics
	onFault     FaultHandler
}

func newInvocation(thingPath, actionName string, input json.RawMessage, p params) *Invocation {
	ctx, cancel := context.WithCancelCause(context.Background())
	if len(input) == 0 {
		input = nil
	}
	return &Invocation{
		id:          uuid.New(),
		thingPath:   thingPath,
		actionName:  actionName,
		input:       input,
		stopTimeout: p.stopTimeout,
		requestedAt: time.Now(),
		resolver:    p.resolver,
		hub:         p.hub,
		logLevel:    p.logLevel,
		logger:      p.logger,
		metrics:     p.metrics,
		onFault:     p.onFault,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      StatusPending,
		log:         logging.NewRing[logging.LogEntry](p.logCapacity),
	}
}

// ID returns the invocation's unique identifier.
func (inv *Invocation) ID() uuid.UUID {
	return inv.id
}

// ThingPath returns the path of the thing that owns the action.
func (inv *Invocation) ThingPath() string {
	return inv.thingPath
}

// ActionName returns the name of the invoked action.
func (inv *Invocation) ActionName() string {
	return inv.actionName
}

// Action returns the display path of the action, e.g. "/stage/move".
func (inv *Invocation) Action() string {
	return inv.thingPath + inv.actionName
}

// Input returns a copy of the input the invocation was created with.
func (inv *Invocation) Input() json.RawMessage {
	return cloneRaw(inv.input)
}

// RequestedAt returns when the invocation was created.
func (inv *Invocation) RequestedAt() time.Time {
	return inv.requestedAt
}

// StopTimeout is how long a caller should wait after RequestStop before
// treating the invocation as unresponsive. It is not enforced.
func (inv *Invocation) StopTimeout() time.Duration {
	return inv.stopTimeout
}

// Done returns a channel that is closed once the invocation has finished and
// its cleanup has run.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// start begins execution on a new goroutine.
func (inv *Invocation) start() error {
	inv.mu.Lock()
	if inv.started {
		inv.mu.Unlock()
		return ErrAlreadyStarted
	}
	inv.started = true
	inv.mu.Unlock()

	go inv.run()
	return nil
}

// RequestStop asks the action to stop. It only signals the action; an action
// that ignores the signal runs to completion.
func (inv *Invocation) RequestStop() {
	inv.mu.Lock()
	if inv.stopRequested {
		inv.mu.Unlock()
		return
	}
	inv.stopRequested = true
	inv.mu.Unlock()

	inv.cancel(thing.ErrStopRequested)
}

// StopRequested reports whether RequestStop has been called.
func (inv *Invocation) StopRequested() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.stopRequested
}

// Status returns the current status.
func (inv *Invocation) Status() Status {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.status
}

// Output returns the JSON-encoded result for a completed invocation, the
// error text for a failed one, and nil otherwise.
func (inv *Invocation) Output() json.RawMessage {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return cloneRaw(inv.output)
}

// Err returns the failure of an invocation that ended in error.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// Log returns a copy of the captured log records, oldest first.
func (inv *Invocation) Log() []logging.LogEntry {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.log.Items()
}

// Snapshot is a consistent copy of an invocation's state.
type Snapshot struct {
	ID            uuid.UUID
	ThingPath     string
	ActionName    string
	Status        Status
	RequestedAt   time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Input         json.RawMessage
	Output        json.RawMessage
	StopRequested bool
	LogLength     int
}

// Snapshot returns the invocation's state, read under a single lock.
func (inv *Invocation) Snapshot() Snapshot {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return Snapshot{
		ID:            inv.id,
		ThingPath:     inv.thingPath,
		ActionName:    inv.actionName,
		Status:        inv.status,
		RequestedAt:   inv.requestedAt,
		StartedAt:     cloneTime(inv.startedAt),
		CompletedAt:   cloneTime(inv.completedAt),
		Input:         cloneRaw(inv.input),
		Output:        cloneRaw(inv.output),
		StopRequested: inv.stopRequested,
		LogLength:     inv.log.Len(),
	}
}

// run is the body of the invocation's goroutine.
func (inv *Invocation) run() {
	defer close(inv.done)

	taskID := inv.id.String()
	sink := inv.hub.Attach(taskID, inv.log, &inv.mu, inv.logLevel)
	defer inv.finish(sink)

	now := time.Now()
	inv.mu.Lock()
	inv.transition(StatusRunning)
	inv.startedAt = &now
	inv.mu.Unlock()
	inv.metrics.started()

	logger := slog.New(inv.hub.ForTask(taskID)).With(
		"invocation_id", taskID,
		"action", inv.Action(),
	)

	value, err := inv.execute(logger)
	inv.record(logger, value, err)
}

// execute resolves and calls the action, turning a panic into a PanicError.
func (inv *Invocation) execute(logger *slog.Logger) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	action, err := inv.resolver.Action(inv.thingPath, inv.actionName)
	if err != nil {
		return nil, err
	}

	logger.Info("running action", "input", string(inv.input))

	ctx := logging.WithTask(inv.ctx, inv.id.String())
	return action.Invoke(ctx, thing.Request{
		InvocationID: inv.id.String(),
		ThingPath:    inv.thingPath,
		Input:        cloneRaw(inv.input),
		Logger:       logger,
	})
}

// record classifies the action's outcome and stores it.
func (inv *Invocation) record(logger *slog.Logger, value any, err error) {
	var output json.RawMessage
	if err == nil {
		encoded, encErr := json.Marshal(value)
		if encErr != nil {
			err = fmt.Errorf("encoding output: %w", encErr)
		} else {
			output = encoded
		}
	}

	now := time.Now()
	inv.mu.Lock()
	inv.completedAt = &now
	cancelled := err != nil && inv.isCancellation(err)
	switch {
	case err == nil:
		inv.output = output
		inv.transition(StatusCompleted)
	case cancelled:
		inv.transition(StatusCancelled)
	default:
		inv.output, _ = json.Marshal(err.Error())
		inv.err = err
		inv.transition(StatusError)
	}
	inv.mu.Unlock()

	// The sink shares mu, so logging happens after it is released.
	switch {
	case err == nil:
		logger.Info("action completed")
	case cancelled:
		logger.Info("action cancelled", "error", err)
	default:
		attrs := []any{"error", err}
		var pe *PanicError
		if errors.As(err, &pe) {
			attrs = append(attrs, "stack", string(pe.Stack))
		}
		logger.Error("action failed", attrs...)
		inv.metrics.fault()
		if inv.onFault != nil {
			inv.onFault(inv, err)
		}
	}
}

// isCancellation reports whether err is the action's cooperative exit. A bare
// context cancellation counts only once a stop was requested. Requires mu.
func (inv *Invocation) isCancellation(err error) bool {
	if errors.Is(err, thing.ErrCancelled) {
		return true
	}
	return inv.stopRequested && errors.Is(err, context.Canceled)
}

// finish runs on every exit path of run, including a panic in the outcome
// handling or runtime.Goexit in the action. completedAt is normally set
// together with the terminal status; finish sets it when that never happened.
func (inv *Invocation) finish(sink *logging.Sink) {
	now := time.Now()

	inv.mu.Lock()
	if !inv.status.IsTerminal() {
		inv.output, _ = json.Marshal("action exited unexpectedly")
		inv.err = errors.New("action exited unexpectedly")
		inv.transition(StatusError)
	}
	if inv.completedAt == nil {
		inv.completedAt = &now
	}
	status := inv.status
	completedAt := *inv.completedAt
	var elapsed time.Duration
	if inv.startedAt != nil {
		elapsed = completedAt.Sub(*inv.startedAt)
	}
	dropped := inv.log.Dropped()
	inv.mu.Unlock()

	sink.Detach()
	inv.cancel(nil)
	inv.metrics.finished(inv.thingPath, inv.actionName, status, elapsed, int(dropped))
}

// transition moves to the next status. Requires mu.
func (inv *Invocation) transition(to Status) {
	if !canTransition(inv.status, to) {
		inv.logger.Error("invalid invocation status transition",
			"invocation_id", inv.id.String(),
			"from", inv.status.String(),
			"to", to.String(),
		)
		return
	}
	inv.status = to
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
