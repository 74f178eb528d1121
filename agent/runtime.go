package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/sentinel/internal/observability"
	metrics "github.com/aixgo-dev/sentinel/pkg/observability"
)

// PanicError wraps a value recovered from a panicking handler or loop.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// task is one in-flight handler invocation.
type task struct {
	id        string
	messageID string
	msgType   MessageType
	startedAt time.Time
	cancel    context.CancelFunc
}

// Runtime schedules inbound messages onto supervised handler tasks.
//
// A Runtime owns an inbox, a handler registry, the set of in-flight tasks,
// a heartbeat loop and the lifecycle state machine
// Created → Starting → Running → Stopping → Stopped. It is safe for
// concurrent use.
type Runtime struct {
	id        string
	name      string
	cfg       Config
	handlers  Registry
	publisher Publisher
	sink      StateSink
	idle      IdleHook
	loops     []BackgroundLoop
	logger    *slog.Logger
	alerts    *rate.Limiter

	noDefaults bool

	inbox chan Message
	quit  chan struct{} // closed when Stop begins
	done  chan struct{} // closed when Stop completes

	mu            sync.Mutex
	state         State
	cancel        context.CancelFunc
	stopWatch     func() bool
	startedAt     time.Time
	stoppedAt     time.Time
	lastHeartbeat time.Time

	loopWG sync.WaitGroup

	tasksMu  sync.Mutex
	tasks    map[string]*task
	draining bool
	taskWG   sync.WaitGroup

	historyMu sync.Mutex
	history   []Message

	processed atomic.Int64
	errCount  atomic.Int64
}

// New creates a runtime for the agent id. Entries in registry override the
// default handlers for command, response, broadcast, log and error messages.
func New(id, name string, registry Registry, opts ...Option) (*Runtime, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	if err := registry.validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		id:     id,
		name:   name,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg.applyDefaults()

	if r.name == "" {
		r.name = id
	}
	r.logger = r.logger.With("component", "agent.runtime", "agent_id", r.id, "agent_name", r.name)
	r.alerts = rate.NewLimiter(r.cfg.AlertRate, r.cfg.AlertBurst)
	r.inbox = make(chan Message, r.cfg.InboxSize)
	if r.noDefaults {
		r.handlers = merge(nil, registry)
	} else {
		r.handlers = merge(r.defaultHandlers(), registry)
	}
	return r, nil
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.id }

// Name returns the agent display name.
func (r *Runtime) Name() string { return r.name }

// Logger returns the runtime's logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Handles reports whether a handler is registered for t.
func (r *Runtime) Handles(t MessageType) bool {
	_, ok := r.handlers[t]
	return ok
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the dispatch loop, the heartbeat loop and every background
// loop, then announces the agent with a status update. Starting a running
// runtime logs a warning and does nothing. When ctx is cancelled the
// runtime stops itself.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateStarting, StateRunning:
		r.mu.Unlock()
		r.logger.Warn("agent is already running")
		return nil
	case StateStopping, StateStopped:
		r.mu.Unlock()
		return ErrStopped
	}

	r.state = StateStarting
	r.logger.Info("starting agent")

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.startedAt = time.Now().UTC()
	r.lastHeartbeat = r.startedAt

	r.loopWG.Add(3 + len(r.loops))
	go r.dispatchLoop(runCtx)
	go r.heartbeatLoop(runCtx)
	for _, loop := range r.loops {
		go r.runBackgroundLoop(runCtx, loop)
	}
	go r.announceStart(runCtx)

	r.state = StateRunning
	r.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() {
		r.logger.Info("context cancelled, stopping agent")
		_ = r.Stop(context.Background())
	})
	r.mu.Lock()
	r.stopWatch = stopWatch
	r.mu.Unlock()
	return nil
}

func (r *Runtime) announceStart(ctx context.Context) {
	defer r.loopWG.Done()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if _, err := r.Broadcast(ctx, fmt.Sprintf("Agent %s has started", r.name),
		WithBroadcastType(TypeStatusUpdate),
		WithBroadcastPriority(PriorityLow),
		WithField("status", "started"),
	); err != nil {
		r.logger.Warn("failed to announce startup", "error", err)
	}
}

// Stop cancels the loops and every active task, dispatches messages still
// queued in the inbox, waits up to ShutdownGrace for tasks to finish,
// broadcasts a shutdown notice and moves to Stopped.
// Stop is a no-op on a runtime that never started. Concurrent and repeated
// calls wait for the first one to finish.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateCreated:
		r.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		r.mu.Unlock()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.state = StateStopping
	cancel := r.cancel
	stopWatch := r.stopWatch
	close(r.quit)
	r.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	r.logger.Info("stopping agent")

	cancel()
	if !waitTimeout(ctx, &r.loopWG, r.cfg.ShutdownGrace) {
		r.logger.Warn("loops did not exit within grace period")
	}

	// queued messages were already accepted from the transport
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ShutdownGrace)
	defer cancelDrain()
	r.drainInbox(drainCtx)

	finished := waitTimeout(ctx, &r.taskWG, r.cfg.ShutdownGrace)
	r.cancelTasks()
	if !finished {
		r.logAbandonedTasks()
	}

	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancelNotify()
	if _, err := r.Broadcast(notifyCtx, fmt.Sprintf("Agent %s is shutting down", r.name),
		WithBroadcastType(TypeStatusUpdate),
		WithBroadcastPriority(PriorityNormal),
		WithField("status", "stopped"),
	); err != nil {
		r.logger.Warn("failed to announce shutdown", "error", err)
	}

	r.mu.Lock()
	r.state = StateStopped
	r.stoppedAt = time.Now().UTC()
	close(r.done)
	r.mu.Unlock()

	metrics.SetActiveTasks(r.id, 0)
	metrics.SetInboxDepth(r.id, 0)
	r.logger.Info("agent stopped", "processed", r.processed.Load(), "errors", r.errCount.Load())
	return nil
}

// Done is closed once the runtime has stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Deliver enqueues an inbound message for dispatch. It blocks while the
// inbox is full and returns ErrNotRunning unless the runtime is running.
func (r *Runtime) Deliver(ctx context.Context, msg Message) error {
	if r.State() != StateRunning {
		return ErrNotRunning
	}
	select {
	case r.inbox <- msg:
		metrics.SetInboxDepth(r.id, len(r.inbox))
		return nil
	case <-r.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addressed reports whether msg is meant for this agent: a broadcast from
// another agent, or a message naming this agent or naming no target.
func (r *Runtime) Addressed(msg Message) bool {
	if msg.Header.IsBroadcast {
		return msg.Header.SourceAgentID != r.id
	}
	if len(msg.Header.TargetAgentIDs) == 0 {
		return true
	}
	return slices.Contains(msg.Header.TargetAgentIDs, r.id)
}

// Send addresses msg to target and publishes it. Missing id, timestamp,
// source and priority are filled in. The returned id is valid even when
// publishing fails.
func (r *Runtime) Send(ctx context.Context, target string, msg Message) (string, error) {
	msg = msg.Clone()
	if msg.Header.ID == "" {
		msg.Header.ID = uuid.NewString()
	}
	if msg.Header.Timestamp.IsZero() {
		msg.Header.Timestamp = time.Now().UTC()
	}
	if msg.Header.SourceAgentID == "" {
		msg.Header.SourceAgentID = r.id
	}
	if msg.Header.Priority == 0 {
		msg.Header.Priority = PriorityNormal
	}
	msg.Header.TargetAgentIDs = []string{target}
	msg.Header.IsBroadcast = false

	if err := msg.Validate(); err != nil {
		return msg.Header.ID, err
	}

	r.appendHistory(msg)
	r.logger.Debug("sending message", "target", target, "message_id", msg.Header.ID, "message_type", msg.Header.Type)

	if !r.publish(ctx, msg) {
		return msg.Header.ID, fmt.Errorf("%w: message %s to %s", ErrPublishFailed, msg.Header.ID, target)
	}
	return msg.Header.ID, nil
}

// Broadcast publishes content to every agent. The message never requires
// acknowledgment, whatever its type.
func (r *Runtime) Broadcast(ctx context.Context, content any, opts ...BroadcastOption) (string, error) {
	s := broadcastSettings{msgType: TypeBroadcast, priority: PriorityNormal}
	for _, opt := range opts {
		opt(&s)
	}
	if !s.msgType.Valid() {
		return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, s.msgType)
	}

	payload := make(map[string]any, len(s.fields)+3)
	maps.Copy(payload, s.fields)
	payload["content"] = content
	payload["target_crews"] = nonNil(s.crews)
	payload["target_roles"] = nonNil(s.roles)

	msg := NewMessage(s.msgType, r.id, payload)
	msg.Header.Priority = s.priority
	msg.Header.IsBroadcast = true
	msg.Header.RequiresAck = false

	r.appendHistory(msg)
	r.logger.Info("broadcasting message", "message_id", msg.Header.ID, "message_type", msg.Header.Type)

	if !r.publish(ctx, msg) {
		return msg.Header.ID, fmt.Errorf("%w: broadcast %s", ErrPublishFailed, msg.Header.ID)
	}
	return msg.Header.ID, nil
}

func (r *Runtime) publish(ctx context.Context, msg Message) bool {
	if r.publisher == nil {
		r.logger.Debug("no publisher configured", "message_id", msg.Header.ID)
		return false
	}

	ctx, span := observability.StartSpan(ctx, "agent.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("agent.id", r.id),
			attribute.String("message.id", msg.Header.ID),
			attribute.String("message.type", string(msg.Header.Type)),
		),
	)
	defer span.End()

	ok := r.publisher.Publish(ctx, msg)
	if !ok {
		span.SetStatus(codes.Error, "publish failed")
	}
	return ok
}

// Status returns a snapshot of the runtime.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	state := r.state
	startedAt := r.startedAt
	stoppedAt := r.stoppedAt
	lastHeartbeat := r.lastHeartbeat
	r.mu.Unlock()

	var uptime time.Duration
	switch {
	case startedAt.IsZero():
	case !stoppedAt.IsZero():
		uptime = stoppedAt.Sub(startedAt)
	default:
		uptime = time.Since(startedAt)
	}

	return Status{
		AgentID:       r.id,
		Name:          r.name,
		State:         state.String(),
		Processed:     r.processed.Load(),
		Errors:        r.errCount.Load(),
		ActiveTasks:   r.ActiveTasks(),
		InboxDepth:    len(r.inbox),
		StartedAt:     startedAt,
		LastHeartbeat: lastHeartbeat,
		Uptime:        uptime,
		HandledTypes:  r.handlers.Types(),
	}
}

// ActiveTasks returns the number of in-flight handler tasks.
func (r *Runtime) ActiveTasks() int {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	return len(r.tasks)
}

// History returns a copy of the sent, broadcast and dispatched messages.
func (r *Runtime) History() []Message {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	return slices.Clone(r.history)
}

func (r *Runtime) appendHistory(msg Message) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	if limit := r.cfg.HistoryLimit; limit > 0 && len(r.history) >= limit {
		r.history = slices.Delete(r.history, 0, len(r.history)-limit+1)
	}
	r.history = append(r.history, msg)
}

// dispatchLoop waits for inbound messages and runs the idle hook whenever
// a poll interval passes without one.
func (r *Runtime) dispatchLoop(ctx context.Context) {
	defer r.loopWG.Done()

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	failures := 0
	for {
		err := r.dispatchOnce(ctx, timer)
		if ctx.Err() != nil {
			r.logger.Debug("dispatch loop cancelled")
			return
		}
		if err == nil {
			failures = 0
			continue
		}

		failures++
		r.logger.Error("error in agent loop", "error", err, "consecutive_failures", failures)
		r.routeError(ctx, errorKind(err, "loop_error"), err, map[string]any{
			"component":            "dispatch_loop",
			"consecutive_failures": failures,
		})
		if failures >= r.cfg.MaxLoopFailures {
			r.logger.Error("too many consecutive loop failures, stopping agent", "failures", failures)
			go func() { _ = r.Stop(context.Background()) }()
			return
		}
	}
}

func (r *Runtime) dispatchOnce(ctx context.Context, timer *time.Timer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	timer.Reset(r.cfg.PollInterval)
	select {
	case <-ctx.Done():
		return nil
	case msg := <-r.inbox:
		r.dispatch(ctx, msg)
		return nil
	case <-timer.C:
		if r.idle == nil {
			return nil
		}
		if err := r.idle(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("idle hook: %w", err)
		}
		return nil
	}
}

// drainInbox dispatches whatever is still queued once the loops have exited.
// Handlers run under ctx, which outlives the cancelled run context.
func (r *Runtime) drainInbox(ctx context.Context) {
	n := 0
	for {
		select {
		case msg := <-r.inbox:
			r.dispatch(ctx, msg)
			n++
		default:
			if n > 0 {
				r.logger.Info("dispatched queued messages during shutdown", "count", n)
			}
			return
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg Message) {
	r.appendHistory(msg)
	r.processed.Add(1)
	metrics.RecordMessageProcessed(r.id, string(msg.Header.Type))
	metrics.SetInboxDepth(r.id, len(r.inbox))

	h, ok := r.handlers[msg.Header.Type]
	if !ok {
		r.logger.Warn("no handler for message type", "message_type", msg.Header.Type, "message_id", msg.Header.ID)
		metrics.RecordMessageUnhandled(r.id, string(msg.Header.Type))
		return
	}
	r.spawn(ctx, msg, h)
}

// spawn runs h in its own goroutine, tracked in the active-task map until it
// returns. Nothing is spawned once Stop has started draining.
func (r *Runtime) spawn(ctx context.Context, msg Message, h Handler) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		id:        uuid.NewString(),
		messageID: msg.Header.ID,
		msgType:   msg.Header.Type,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	r.tasksMu.Lock()
	if r.draining {
		r.tasksMu.Unlock()
		cancel()
		r.logger.Warn("runtime draining, message not dispatched", "message_id", msg.Header.ID)
		return
	}
	r.tasks[t.id] = t
	r.taskWG.Add(1)
	active := len(r.tasks)
	r.tasksMu.Unlock()
	metrics.SetActiveTasks(r.id, active)

	go func() {
		defer r.taskWG.Done()
		defer r.removeTask(t.id)
		defer cancel()
		r.runHandler(taskCtx, t, msg, h)
	}()
}

func (r *Runtime) removeTask(id string) {
	r.tasksMu.Lock()
	delete(r.tasks, id)
	active := len(r.tasks)
	r.tasksMu.Unlock()
	metrics.SetActiveTasks(r.id, active)
}

func (r *Runtime) cancelTasks() {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	r.draining = true
	for _, t := range r.tasks {
		t.cancel()
	}
}

func (r *Runtime) logAbandonedTasks() {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	for _, t := range r.tasks {
		r.logger.Warn("abandoning task after grace period",
			"task_id", t.id,
			"message_id", t.messageID,
			"message_type", t.msgType,
			"running_for", time.Since(t.startedAt).Round(time.Millisecond),
		)
	}
}

func (r *Runtime) runHandler(ctx context.Context, t *task, msg Message, h Handler) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "agent.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("agent.id", r.id),
			attribute.String("message.id", msg.Header.ID),
			attribute.String("message.type", string(msg.Header.Type)),
			attribute.String("task.id", t.id),
		),
	)
	defer span.End()

	err := invoke(ctx, h, msg)
	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		outcome = "cancelled"
		r.logger.Debug("handler cancelled", "task_id", t.id, "message_id", msg.Header.ID)
	default:
		kind := errorKind(err, "handler_error")
		outcome = "error"
		if kind == "panic" {
			outcome = "panic"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("error in message handler",
			"error", err,
			"task_id", t.id,
			"message_id", msg.Header.ID,
			"message_type", msg.Header.Type,
		)
		if msg.Header.Type == TypeError {
			// a failing error handler is only logged
			r.errCount.Add(1)
			break
		}
		r.routeError(ctx, kind, err, map[string]any{
			"component":    "message_handler",
			"message_id":   msg.Header.ID,
			"message_type": string(msg.Header.Type),
			"task_id":      t.id,
		})
	}
	metrics.RecordHandler(r.id, string(msg.Header.Type), outcome, time.Since(start))
}

// routeError counts a local failure and passes it to the ERROR handler as an
// ERROR message.
func (r *Runtime) routeError(ctx context.Context, kind string, err error, details map[string]any) {
	r.errCount.Add(1)
	metrics.RecordRuntimeError(r.id, kind)

	h, ok := r.handlers[TypeError]
	if !ok {
		return
	}
	msg := NewErrorMessage(r.id, kind, err.Error(), details)
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()
	if herr := invoke(hctx, h, msg); herr != nil {
		r.logger.Error("error handler failed", "error", herr, "original_error", err)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.loopWG.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := r.beat(ctx); err != nil && ctx.Err() == nil {
			failures++
			r.logger.Error("error in heartbeat", "error", err, "consecutive_failures", failures)
			if failures >= r.cfg.MaxLoopFailures {
				r.logger.Error("too many consecutive heartbeat failures, stopping agent", "failures", failures)
				go func() { _ = r.Stop(context.Background()) }()
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			r.logger.Debug("heartbeat loop cancelled")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) beat(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()

	r.mu.Lock()
	r.lastHeartbeat = time.Now().UTC()
	r.mu.Unlock()

	status := r.Status()
	metrics.SetActiveTasks(r.id, status.ActiveTasks)
	metrics.SetInboxDepth(r.id, status.InboxDepth)
	r.logger.Debug("heartbeat", "state", status.State, "active_tasks", status.ActiveTasks, "uptime", status.Uptime.Round(time.Second))

	if r.sink == nil {
		return nil
	}
	sinkCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.sink.SaveAgentState(sinkCtx, status); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

func (r *Runtime) runBackgroundLoop(ctx context.Context, loop BackgroundLoop) {
	defer r.loopWG.Done()

	err := invoke(ctx, func(ctx context.Context, _ Message) error { return loop(ctx) }, Message{})
	if err == nil || ctx.Err() != nil {
		return
	}
	r.logger.Error("background loop failed", "error", err)
	r.routeError(ctx, errorKind(err, "loop_error"), err, map[string]any{"component": "background_loop"})
}

func (r *Runtime) defaultHandlers() Registry {
	return Registry{
		TypeCommand:   r.handleCommand,
		TypeResponse:  r.handleResponse,
		TypeBroadcast: r.handleBroadcast,
		TypeLog:       r.handleLog,
		TypeError:     r.handleError,
	}
}

func (r *Runtime) handleCommand(_ context.Context, msg Message) error {
	r.logger.Warn("no command handler implemented", "message_id", msg.Header.ID, "command", msg.PayloadString("command", ""))
	return nil
}

func (r *Runtime) handleResponse(_ context.Context, msg Message) error {
	r.logger.Debug("received response", "message_id", msg.Header.ID, "correlation_id", msg.Header.CorrelationID)
	return nil
}

func (r *Runtime) handleBroadcast(_ context.Context, msg Message) error {
	r.logger.Debug("received broadcast", "message_id", msg.Header.ID, "source_agent", msg.Header.SourceAgentID)
	return nil
}

func (r *Runtime) handleLog(ctx context.Context, msg Message) error {
	level := parseLevel(msg.PayloadString("level", "info"))
	r.logger.Log(ctx, level, msg.PayloadString("message", ""), "source", msg.PayloadString("source", "unknown"))
	return nil
}

// handleError logs an ERROR message. Local errors are also broadcast as an
// ALERT when AlertOnErrors is set, subject to the alert rate limit.
func (r *Runtime) handleError(ctx context.Context, msg Message) error {
	errType := msg.PayloadString("error_type", "unknown")
	errMsg := msg.PayloadString("error_message", "")
	r.logger.Error("agent error",
		"error_type", errType,
		"error_message", errMsg,
		"source_agent", msg.Header.SourceAgentID,
		"context", msg.Payload["context"],
	)

	if !r.cfg.AlertOnErrors || msg.Header.SourceAgentID != r.id {
		return nil
	}
	if !r.alerts.Allow() {
		metrics.RecordAlert(r.id, "throttled")
		r.logger.Debug("alert throttled", "error_type", errType)
		return nil
	}

	_, err := r.Broadcast(ctx, fmt.Sprintf("Error in %s: %s - %s", r.name, errType, errMsg),
		WithBroadcastType(TypeAlert),
		WithBroadcastPriority(PriorityHigh),
		WithField("error_type", errType),
		WithField("error_message", errMsg),
	)
	if err != nil {
		metrics.RecordAlert(r.id, "failed")
		return err
	}
	metrics.RecordAlert(r.id, "sent")
	return nil
}

func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return h(ctx, msg)
}

func errorKind(err error, fallback string) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return "panic"
	}
	return fallback
}

// waitTimeout waits for wg up to d or until ctx is done. It reports whether
// wg finished in time.
func waitTimeout(ctx context.Context, wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
