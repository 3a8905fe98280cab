// Package task implements the state machine for one remote call in flight:
// connect to a worker's agent, handshake, send the request, await the
// response, and deliver a result or a TaskError.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetrun/pkg/events"
	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/metrics"
	"github.com/cuemby/fleetrun/pkg/port"
	"github.com/cuemby/fleetrun/pkg/wire"
)

// Broker receives lifecycle events for tasks run through this package, if
// set. Cluster points it at its own *events.Broker; nil is a valid no-op
// default so pkg/task has no hard dependency on anyone calling SetBroker.
var Broker *events.Broker

// SetBroker installs the broker AssignTo/fail/run publish lifecycle events
// to.
func SetBroker(b *events.Broker) {
	Broker = b
}

func publish(eventType events.EventType, identifier, message string) {
	if Broker == nil {
		return
	}
	Broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: map[string]string{"identifier": identifier}})
}

// State is one point in the Task lifecycle DAG. Transitions only move
// forward: Waiting -> Ready -> Running -> {Succeed, Failed}.
type State int

const (
	Waiting State = iota
	Ready
	Running
	Succeed
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Succeed:
		return "succeed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handshake retry budget. The connect itself retries per
// port.DefaultConnectRetry.
const (
	WaitPIDRetries       = 10
	WaitPIDRetryInterval = 200 * time.Millisecond
)

// Permitter is the capacity slot a Task acquires before it may run. Worker
// implements this; it's narrowed here to avoid an import cycle.
type Permitter interface {
	Acquire(ctx context.Context) error
	Release()
	AgentAddr() string
	Forget(t *Task)
}

// TaskError is what join() surfaces for a Failed task: the remote
// exception's textual form and formatted traceback.
type TaskError struct {
	ExceptionRepr string
	TracebackText string
}

func (e *TaskError) Error() string {
	if e.TracebackText == "" {
		return e.ExceptionRepr
	}
	return fmt.Sprintf("%s\n%s", e.ExceptionRepr, e.TracebackText)
}

// Task is one remote call: a function identifier plus kwargs, its Port to
// the assigned worker, and its terminal result or error.
type Task struct {
	mu sync.Mutex

	Identifier string
	Kwargs     map[string]any

	state      State
	worker     Permitter
	p          *port.Port
	remoteUUID string

	result any
	err    error

	done   chan struct{}
	logger zerolog.Logger

	queuedAt      time.Time
	assignedAt    time.Time
	inFlightLabel string
}

// New builds a Waiting Task for identifier with the given kwargs.
func New(identifier string, kwargs map[string]any) *Task {
	return &Task{
		Identifier: identifier,
		Kwargs:     kwargs,
		state:      Waiting,
		done:       make(chan struct{}),
		logger:     log.WithIdentifier(identifier),
		queuedAt:   time.Now(),
	}
}

// IsAdmin reports whether this task targets an admin identifier, which is
// excluded from worker utilization accounting.
func (t *Task) IsAdmin() bool {
	return strings.HasPrefix(t.Identifier, "_adm_")
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if !t.IsAdmin() {
		t.moveInFlightGauge(inFlightLabel(s))
	}
}

// moveInFlightGauge decrements the gauge for whatever in-flight label this
// task last held and, if label is non-empty, increments the new one.
func (t *Task) moveInFlightGauge(label string) {
	t.mu.Lock()
	prev := t.inFlightLabel
	t.inFlightLabel = label
	t.mu.Unlock()
	if prev != "" {
		metrics.TasksInFlight.WithLabelValues(prev).Dec()
	}
	if label != "" {
		metrics.TasksInFlight.WithLabelValues(label).Inc()
	}
}

// inFlightLabel maps a State to its fleetrun_tasks_in_flight label, or ""
// for states the gauge doesn't track.
func inFlightLabel(s State) string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	default:
		return ""
	}
}

// AssignTo binds the task to w and spawns the goroutine that acquires a
// capacity permit (moving the task Waiting->Ready) and drives the call to
// completion. Must be called exactly once per Task.
func (t *Task) AssignTo(ctx context.Context, w Permitter) {
	t.mu.Lock()
	if t.state != Waiting {
		t.mu.Unlock()
		return
	}
	t.worker = w
	t.assignedAt = time.Now()
	queuedAt := t.queuedAt
	t.mu.Unlock()

	if !t.IsAdmin() {
		metrics.SchedulingLatency.Observe(t.assignedAt.Sub(queuedAt).Seconds())
	}
	publish(events.EventTaskAssigned, t.Identifier, "")
	go t.run(ctx)
}

// run is the Task's cooperative lightweight-task body,
// expressed as a goroutine since Go has no cooperative scheduler primitive.
func (t *Task) run(ctx context.Context) {
	if !t.IsAdmin() {
		if err := t.worker.Acquire(ctx); err != nil {
			t.fail(fmt.Errorf("task: acquire capacity: %w", err))
			return
		}
		defer t.worker.Release()
	}
	t.setState(Ready)

	p, remoteUUID, err := t.connectWithHandshake(ctx)
	if err != nil {
		t.fail(err)
		return
	}
	t.mu.Lock()
	t.p = p
	t.remoteUUID = remoteUUID
	t.mu.Unlock()
	t.setState(Running)
	publish(events.EventTaskRunning, t.Identifier, "")
	defer p.Close()

	kwargs, err := wire.ApplyDump(t.Kwargs)
	if err != nil {
		t.fail(fmt.Errorf("task: dump arguments: %w", err))
		return
	}

	// A request having been sent is the at-most-once boundary:
	// everything after this point must not be retried.
	if err := p.Write(wire.Request{Identifier: t.Identifier, Kwargs: kwargs}); err != nil {
		t.fail(fmt.Errorf("task: send request: %w: %w", err, port.ErrTransport))
		return
	}

	raw, err := p.Read()
	if err != nil {
		t.fail(fmt.Errorf("task: read response: %w", err))
		return
	}

	if cf, ok := wire.IsCaughtFailure(raw); ok {
		t.failWithRemote(cf.ExceptionRepr, cf.TracebackText)
		return
	}

	t.mu.Lock()
	t.result = raw
	t.state = Succeed
	t.mu.Unlock()
	t.worker.Forget(t)
	t.recordTerminal("succeed")
	publish(events.EventTaskSucceeded, t.Identifier, "")
	close(t.done)
}

// recordTerminal reports this task's outcome to pkg/metrics, skipping admin
// calls so the CPU-count/suspend/resume probes worker.go issues internally
// don't skew user-visible task throughput counters.
func (t *Task) recordTerminal(outcome string) {
	if t.IsAdmin() {
		return
	}
	t.moveInFlightGauge("")
	metrics.TasksCompletedTotal.WithLabelValues(outcome).Inc()
	if !t.assignedAt.IsZero() {
		metrics.TaskDuration.Observe(time.Since(t.assignedAt).Seconds())
	}
}

// connectWithHandshake opens a Port to the worker's agent and waits for the
// uuid handshake, reconnecting on transport failure up to WaitPIDRetries
// times. This retry is safe because no user code has run
// yet.
func (t *Task) connectWithHandshake(ctx context.Context) (*port.Port, string, error) {
	p, err := port.Connect(t.worker.AgentAddr(), port.DefaultConnectRetry)
	if err != nil {
		return nil, "", fmt.Errorf("task: connect: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < WaitPIDRetries; attempt++ {
		var uuid string
		if err := p.ReadInto(&uuid); err != nil {
			lastErr = err
			if attempt < WaitPIDRetries-1 {
				time.Sleep(WaitPIDRetryInterval)
				if rerr := p.Reconnect(); rerr != nil {
					lastErr = rerr
					continue
				}
			}
			continue
		}
		return p, uuid, nil
	}
	p.Close()
	return nil, "", fmt.Errorf("task: handshake failed after %d attempts: %w", WaitPIDRetries, lastErr)
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	t.state = Failed
	t.err = err
	t.mu.Unlock()
	t.worker.Forget(t)
	t.logger.Warn().Err(err).Msg("task failed")
	t.recordTerminal("failed")
	publish(events.EventTaskFailed, t.Identifier, err.Error())
	close(t.done)
}

func (t *Task) failWithRemote(exceptionRepr, tracebackText string) {
	t.mu.Lock()
	t.state = Failed
	t.err = &TaskError{ExceptionRepr: exceptionRepr, TracebackText: tracebackText}
	t.mu.Unlock()
	t.worker.Forget(t)
	t.logger.Warn().Str("exception", exceptionRepr).Msg("remote call raised")
	t.recordTerminal("failed")
	publish(events.EventTaskFailed, t.Identifier, exceptionRepr)
	close(t.done)
}

// Join blocks until the task reaches a terminal state and returns its
// result, or the TaskError/transport error that failed it.
func (t *Task) Join(ctx context.Context) (any, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}
