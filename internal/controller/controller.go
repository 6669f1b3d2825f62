// Package controller implements the Hooks Controller: the event-driven
// coordinator that, on a completion signal, consults Cooldown, gathers
// decision context from the Tool-History Ring, invokes the Supervisor
// Dispatcher, and applies its Decision as Session State transitions plus
// an optional PTY write.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/avery-hale/turnkeeper/internal/cooldown"
	"github.com/avery-hale/turnkeeper/internal/events"
	"github.com/avery-hale/turnkeeper/internal/log"
	"github.com/avery-hale/turnkeeper/internal/session"
	"github.com/avery-hale/turnkeeper/internal/supervisor"
	"github.com/avery-hale/turnkeeper/internal/toolhistory"
	"github.com/avery-hale/turnkeeper/internal/tracing"
)

// LoopState is the Controller's own state, distinct from Session State:
// this tracks supervisor-loop progress, not what the worker is doing.
type LoopState string

const (
	LoopIdle              LoopState = "idle"
	LoopMonitoring        LoopState = "monitoring"
	LoopProcessing        LoopState = "processing"
	LoopCallingSupervisor LoopState = "calling_supervisor"
	LoopInjecting         LoopState = "injecting"
	LoopStopped           LoopState = "stopped"
)

// ErrNotInitialised names the state in which no Controller has been
// constructed yet. The Hooks Ingress checks for a missing Controller
// itself and answers 503; no function in this package returns this value.
var ErrNotInitialised = errors.New("controller: not initialised")

// InjectFunc writes a command (plus trailing newline, the caller's job)
// into the worker's PTY. Supplied by the Lifecycle Orchestrator so the
// Controller never references the PTY Manager directly.
type InjectFunc func(command string) error

// Stats accumulates counters surfaced on the REST status endpoint.
type Stats struct {
	SupervisorCalls int
	ToolErrors      int
	Injections      int
}

// Controller is the Hooks Controller. Construct with New and functional
// Options; Dispatcher and InjectFunc are required.
type Controller struct {
	mu sync.Mutex

	loopState      LoopState
	task           string
	sessionID      string
	transcriptPath string
	paused         bool
	stats          Stats

	sess    *session.State
	history *toolhistory.Ring

	dispatcher supervisor.Dispatcher
	cooldown   *cooldown.Limiter
	inject     InjectFunc
	bus        *events.Bus
	tracer     trace.Tracer
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithDispatcher sets the Supervisor Dispatcher. Required.
func WithDispatcher(d supervisor.Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

// WithInjectFunc sets the PTY-write closure. Required.
func WithInjectFunc(f InjectFunc) Option {
	return func(c *Controller) { c.inject = f }
}

// WithCooldown overrides the default Cooldown limiter.
func WithCooldown(l *cooldown.Limiter) Option {
	return func(c *Controller) { c.cooldown = l }
}

// WithEventBus wires an events.Bus for observer broadcast.
func WithEventBus(b *events.Bus) Option {
	return func(c *Controller) { c.bus = b }
}

// WithHistoryCapacity overrides the Tool-History Ring's capacity.
func WithHistoryCapacity(n int) Option {
	return func(c *Controller) { c.history = toolhistory.New(n) }
}

// WithTracer wires an OpenTelemetry tracer around each supervisor turn.
// Omitting this option leaves the Controller with a no-op tracer, so
// tracing is always safe to call and costs nothing when disabled.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// New constructs a Controller starting in LoopIdle. Panics if Dispatcher
// or InjectFunc were not supplied: a Controller without either cannot
// function and that omission is a programmer error, not a runtime
// condition to recover from.
func New(opts ...Option) *Controller {
	c := &Controller{
		loopState: LoopIdle,
		sess:      session.New(),
		history:   toolhistory.New(toolhistory.DefaultCapacity),
		cooldown:  cooldown.New(0),
		tracer:    noop.NewTracerProvider().Tracer("controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		panic("controller: Dispatcher is required")
	}
	if c.inject == nil {
		panic("controller: InjectFunc is required")
	}
	return c
}

// View is an immutable snapshot of Controller + Session State for the
// REST status endpoint.
type View struct {
	LoopState LoopState
	Paused    bool
	Stats     Stats
	Session   session.View
	Task      string
	SessionID string
}

// View returns a consistent snapshot of both the Controller's own state
// and the Session State it owns.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		LoopState: c.loopState,
		Paused:    c.paused,
		Stats:     c.stats,
		Session:   c.sess.View(),
		Task:      c.task,
		SessionID: c.sessionID,
	}
}

func (c *Controller) publish(kind events.Kind, data any) {
	if c.bus != nil {
		c.bus.Publish(kind, data)
	}
}

func (c *Controller) publishSessionState() {
	c.publish(events.KindSessionState, c.View())
}

// Start begins a run: legal from idle|stopped, resets the tool-history
// ring and counters, and moves Session State into task_running.
func (c *Controller) Start(task string) error {
	c.mu.Lock()
	if c.loopState != LoopIdle && c.loopState != LoopStopped {
		state := c.loopState
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot start from loop state %s", state)
	}
	c.task = task
	c.stats = Stats{}
	c.history.Clear()
	c.loopState = LoopMonitoring
	c.mu.Unlock()

	if err := c.sess.StartTask(task); err != nil {
		return fmt.Errorf("controller: start session: %w", err)
	}
	c.publishSessionState()
	return nil
}

// OnSessionStart records the worker's session id.
func (c *Controller) OnSessionStart(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// OnTool records a tool invocation. It never transitions Controller
// state by itself; it only accumulates history and the tool-error
// counter.
func (c *Controller) OnTool(tool string, input any, output string, errStr string) {
	c.mu.Lock()
	c.history.Append(toolhistory.Entry{
		Timestamp: time.Now(),
		Tool:      tool,
		Input:     input,
		Output:    output,
		Err:       errStr,
	})
	if errStr != "" {
		c.stats.ToolErrors++
	}
	c.mu.Unlock()
}

// OnSessionEnd triggers Stop with reason.
func (c *Controller) OnSessionEnd(reason string) {
	c.Stop(reason)
}

// OnStop handles the worker's completion signal. Legal only from
// LoopMonitoring and only while not paused; any other state (a Stop
// arriving mid-turn, or while paused) is dropped; tool history keeps
// accumulating, and the next turn that does run re-evaluates completion
// from it.
func (c *Controller) OnStop(sessionID, transcriptPath string) {
	c.mu.Lock()
	if c.loopState != LoopMonitoring || c.paused {
		state, paused := c.loopState, c.paused
		c.mu.Unlock()
		log.Debug(log.CatController, "dropped stop event", "loopState", state, "paused", paused)
		return
	}
	c.loopState = LoopProcessing
	c.sessionID = sessionID
	c.transcriptPath = transcriptPath
	task := c.task
	// Snapshot taken before invocation: tool events appended during this
	// turn land in the *next* turn's history, never this one's.
	snapshot := c.history.Recent(c.history.Size())
	c.mu.Unlock()

	c.publish(events.KindHookEvent, map[string]string{"event": "stop", "session_id": sessionID})
	c.publishSessionState()

	go c.runSupervisorTurn(task, sessionID, transcriptPath, snapshot)
}

func (c *Controller) runSupervisorTurn(task, sessionID, transcriptPath string, history []toolhistory.Entry) {
	for !c.cooldown.CanProceed() {
		time.Sleep(25 * time.Millisecond)
	}
	// Mark before the dispatch begins, not after it completes: the
	// cooldown bounds request rate, not round-trip rate.
	c.cooldown.Mark()

	c.mu.Lock()
	c.loopState = LoopCallingSupervisor
	c.stats.SupervisorCalls++
	c.mu.Unlock()
	_ = c.sess.BeginAnalyzing()
	c.publishSessionState()
	c.publish(events.KindSupervisorCall, map[string]string{"session_id": sessionID, "task": task})

	_, span := c.tracer.Start(context.Background(), tracing.SpanPrefixSupervisor+"decide")
	span.SetAttributes(
		attribute.String(tracing.AttrSessionID, sessionID),
		attribute.String(tracing.AttrTranscriptPath, transcriptPath),
	)
	defer span.End()

	decision, err := c.dispatcher.Decide(supervisor.Context{
		Task:           task,
		SessionID:      sessionID,
		TranscriptPath: transcriptPath,
		History:        history,
	})
	if err != nil {
		log.ErrorErr(log.CatController, "dispatcher error", err)
		decision = supervisor.Decision{Action: supervisor.ActionContinue, Reason: "dispatcher error: " + err.Error()}
		span.AddEvent(tracing.EventErrorOccurred)
	}

	span.SetAttributes(
		attribute.String(tracing.AttrDecisionAction, string(decision.Action)),
		attribute.Float64(tracing.AttrDecisionConfidence, decision.Confidence),
	)
	span.AddEvent(tracing.EventDecisionReceived)

	c.publish(events.KindSupervisorDecision, decision)
	c.applyDecision(decision)
}

// applyDecision is the only place the Controller issues side effects
// (spec §4.5's decision-handling table).
func (c *Controller) applyDecision(d supervisor.Decision) {
	switch d.Action {
	case supervisor.ActionInject:
		if d.Command == "" {
			panic("controller: inject decision missing command")
		}
		c.doInject(d.Command)
		c.history.Clear()
		c.toMonitoring()

	case supervisor.ActionContinue:
		// "Keep going" without a specific instruction: inject a
		// context-clear directive so the worker stays productive
		// without unbounded context growth.
		c.doInject("/clear")
		c.history.Clear()
		c.toMonitoring()

	case supervisor.ActionStop:
		c.Stop(d.Reason)

	case supervisor.ActionAbort:
		if d.Command != "" {
			c.doInject(d.Command)
		}
		c.Stop("abort: " + d.Reason)

	case supervisor.ActionClear, supervisor.ActionCompact:
		c.toMonitoring()

	default:
		log.Warn(log.CatController, "unrecognised decision action", "action", d.Action)
		c.toMonitoring()
	}
}

func (c *Controller) doInject(command string) {
	_ = c.sess.BeginInjecting(command)
	c.publishSessionState()

	if err := c.inject(command); err != nil {
		log.ErrorErr(log.CatController, "inject failed", err, "command", command)
	}

	_ = c.sess.CommitInjection()
	c.mu.Lock()
	c.stats.Injections++
	c.mu.Unlock()
	c.publishSessionState()
	c.publish(events.KindCommandInject, command)
}

func (c *Controller) toMonitoring() {
	c.mu.Lock()
	c.loopState = LoopMonitoring
	c.mu.Unlock()
	c.publishSessionState()
}

// Pause stops completion signals from calling the Supervisor; tool
// history continues to accumulate while paused. Idempotent.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume undoes Pause. Idempotent.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Inject performs a manual injection: bypasses the Supervisor entirely
// but still runs through the inject callback and event bus.
func (c *Controller) Inject(command string) error {
	c.mu.Lock()
	state := c.loopState
	c.mu.Unlock()
	if state == LoopStopped {
		return fmt.Errorf("controller: cannot inject while stopped")
	}
	c.doInject(command)
	return nil
}

// Stop moves the Controller to LoopStopped and returns Session State to
// idle, so a later Start can begin a new run. Idempotent. No end time is
// recorded.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.loopState == LoopStopped {
		c.mu.Unlock()
		return
	}
	c.loopState = LoopStopped
	c.mu.Unlock()
	_ = c.sess.Transition(session.TagIdle)

	log.Info(log.CatController, "stopping", "reason", reason)
	c.publishSessionState()
	c.publish(events.KindSupervisorState, map[string]string{"loopState": string(LoopStopped), "reason": reason})
}
