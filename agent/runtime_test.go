package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
	fail atomic.Bool
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) bool {
	if p.fail.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *recordingPublisher) ofType(t MessageType) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Header.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
	err      error
}

func (s *recordingSink) SaveAgentState(_ context.Context, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, registry Registry, opts ...Option) (*Runtime, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	base := []Option{
		WithLogger(discardLogger()),
		WithPublisher(pub),
		WithPollInterval(10 * time.Millisecond),
		WithHeartbeatInterval(20 * time.Millisecond),
		WithShutdownGrace(200 * time.Millisecond),
	}
	rt, err := New("agent-1", "tester", registry, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })
	return rt, pub
}

func command(source string) Message {
	return NewMessage(TypeCommand, source, map[string]any{"command": "noop"})
}

func TestNew_RejectsInvalidRegistry(t *testing.T) {
	_, err := New("a", "a", Registry{"bogus": func(context.Context, Message) error { return nil }})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = New("a", "a", Registry{TypeCommand: nil})
	assert.Error(t, err)

	_, err = New("", "a", nil)
	assert.Error(t, err)
}

func TestNew_DefaultHandlers(t *testing.T) {
	rt, err := New("a", "", nil, WithLogger(discardLogger()))
	require.NoError(t, err)

	assert.Equal(t, "a", rt.Name())
	for _, mt := range []MessageType{TypeCommand, TypeResponse, TypeBroadcast, TypeLog, TypeError} {
		assert.True(t, rt.Handles(mt), mt)
	}
	assert.False(t, rt.Handles(TypeMetric))

	bare, err := New("b", "b", nil, WithoutDefaultHandlers())
	require.NoError(t, err)
	assert.False(t, bare.Handles(TypeCommand))
}

func TestRuntime_Lifecycle(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)
	assert.Equal(t, StateCreated, rt.State())

	// stop before start is a no-op
	require.NoError(t, rt.Stop(context.Background()))
	assert.Equal(t, StateCreated, rt.State())

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, StateRunning, rt.State())

	// second start only warns
	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, StateRunning, rt.State())

	require.Eventually(t, func() bool {
		return len(pub.ofType(TypeStatusUpdate)) == 1
	}, eventually, tick, "startup notice")

	require.NoError(t, rt.Stop(context.Background()))
	assert.Equal(t, StateStopped, rt.State())

	notices := pub.ofType(TypeStatusUpdate)
	require.Len(t, notices, 2)
	assert.Equal(t, "started", notices[0].Payload["status"])
	assert.Equal(t, PriorityLow, notices[0].Header.Priority)
	assert.Equal(t, "stopped", notices[1].Payload["status"])
	assert.Equal(t, PriorityNormal, notices[1].Header.Priority)

	assert.ErrorIs(t, rt.Start(context.Background()), ErrStopped)
}

func TestRuntime_StopIsIdempotent(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Stop(context.Background()))
	first := rt.Status()
	require.NoError(t, rt.Stop(context.Background()))

	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, first.State, rt.Status().State)

	var shutdowns int
	for _, m := range pub.ofType(TypeStatusUpdate) {
		if m.Payload["status"] == "stopped" {
			shutdowns++
		}
	}
	assert.Equal(t, 1, shutdowns)
}

func TestRuntime_ConcurrentStop(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	require.NoError(t, rt.Start(context.Background()))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rt.Stop(context.Background()))
			assert.Equal(t, StateStopped, rt.State())
		}()
	}
	wg.Wait()

	select {
	case <-rt.Done():
	default:
		t.Fatal("Done channel not closed after Stop")
	}
}

func TestRuntime_TaskSetEmptiesAfterCompletion(t *testing.T) {
	var handled atomic.Int32
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			defer handled.Add(1)
			switch msg.PayloadString("mode", "") {
			case "fail":
				return errors.New("boom")
			case "panic":
				panic("handler exploded")
			}
			return nil
		},
	}
	rt, _ := newTestRuntime(t, registry)
	require.NoError(t, rt.Start(context.Background()))

	ctx := context.Background()
	for i, mode := range []string{"ok", "fail", "panic", "ok", "fail", "panic"} {
		msg := command("peer").WithPayload("mode", mode).WithPayload("n", i)
		require.NoError(t, rt.Deliver(ctx, msg))
	}

	require.Eventually(t, func() bool {
		return handled.Load() == 6 && rt.ActiveTasks() == 0
	}, eventually, tick)

	status := rt.Status()
	assert.Equal(t, int64(6), status.Processed)
	assert.Equal(t, int64(4), status.Errors)
}

func TestRuntime_HandlerFailureDoesNotBlockLaterMessages(t *testing.T) {
	var effect atomic.Bool
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			if msg.PayloadString("step", "") == "m1" {
				return errors.New("m1 always fails")
			}
			effect.Store(true)
			return nil
		},
	}
	rt, _ := newTestRuntime(t, registry)
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Deliver(context.Background(), command("peer").WithPayload("step", "m1")))
	require.NoError(t, rt.Deliver(context.Background(), command("peer").WithPayload("step", "m2")))

	require.Eventually(t, effect.Load, eventually, tick)
	assert.Equal(t, StateRunning, rt.State())
}

func TestRuntime_HandlerErrorsRoutedAsErrorMessages(t *testing.T) {
	var mu sync.Mutex
	var routed []Message
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			if msg.PayloadString("mode", "") == "panic" {
				panic("kaboom")
			}
			return errors.New("bad command")
		},
		TypeError: func(ctx context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			routed = append(routed, msg)
			return nil
		},
	}
	rt, _ := newTestRuntime(t, registry)
	require.NoError(t, rt.Start(context.Background()))

	failing := command("peer")
	require.NoError(t, rt.Deliver(context.Background(), failing))
	require.NoError(t, rt.Deliver(context.Background(), command("peer").WithPayload("mode", "panic")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(routed) == 2
	}, eventually, tick)

	mu.Lock()
	defer mu.Unlock()
	kinds := map[string]Message{}
	for _, m := range routed {
		assert.Equal(t, TypeError, m.Header.Type)
		assert.Equal(t, "agent-1", m.Header.SourceAgentID)
		assert.Equal(t, PriorityHigh, m.Header.Priority)
		kinds[m.PayloadString("error_type", "")] = m
	}
	require.Contains(t, kinds, "handler_error")
	require.Contains(t, kinds, "panic")

	assert.Equal(t, "bad command", kinds["handler_error"].PayloadString("error_message", ""))
	details, ok := kinds["handler_error"].Payload["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "message_handler", details["component"])
	assert.Equal(t, failing.Header.ID, details["message_id"])
	assert.Equal(t, "command", details["message_type"])
}

func TestRuntime_UnhandledTypeIsDropped(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rt, _ := newTestRuntime(t, nil, WithoutDefaultHandlers(), WithLogger(logger))
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Deliver(context.Background(), command("peer")))

	require.Eventually(t, func() bool {
		return rt.Status().Processed == 1
	}, eventually, tick)
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("no handler for message type"))
	}, eventually, tick)
	assert.Equal(t, 0, rt.ActiveTasks())
	assert.Equal(t, StateRunning, rt.State())

	var commands int
	for _, m := range rt.History() {
		if m.Header.Type == TypeCommand {
			commands++
		}
	}
	assert.Equal(t, 1, commands)
}

func TestRuntime_StopCancelsActiveTasks(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}
	rt, _ := newTestRuntime(t, registry)
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Deliver(context.Background(), command("peer")))
	<-started

	require.NoError(t, rt.Stop(context.Background()))

	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, rt.ActiveTasks())
	assert.Equal(t, int64(0), rt.Status().Errors, "cancellation at stop is not an error")
}

func TestRuntime_StopAbandonsTasksAfterGrace(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			close(started)
			<-release
			return nil
		},
	}
	rt, _ := newTestRuntime(t, registry, WithShutdownGrace(50*time.Millisecond))
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Deliver(context.Background(), command("peer")))
	<-started

	begin := time.Now()
	require.NoError(t, rt.Stop(context.Background()))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, 1, rt.ActiveTasks())

	close(release)
	assert.Eventually(t, func() bool { return rt.ActiveTasks() == 0 }, eventually, tick)
}

func TestRuntime_StopDispatchesQueuedMessages(t *testing.T) {
	idling := make(chan struct{}, 1)
	hook := func(ctx context.Context) error {
		select {
		case idling <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil
	}

	var mu sync.Mutex
	var handled []string
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			handled = append(handled, msg.Header.ID)
			mu.Unlock()
			return nil
		},
	}
	rt, _ := newTestRuntime(t, registry, WithPollInterval(time.Millisecond), WithIdleHook(hook))
	require.NoError(t, rt.Start(context.Background()))

	// the dispatch loop is parked in the idle hook until Stop cancels it
	<-idling
	first, second := command("peer"), command("peer")
	require.NoError(t, rt.Deliver(context.Background(), first))
	require.NoError(t, rt.Deliver(context.Background(), second))
	require.Equal(t, 2, rt.Status().InboxDepth)

	require.NoError(t, rt.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{first.Header.ID, second.Header.ID}, handled)
	assert.Equal(t, int64(2), rt.Status().Processed)
	assert.Equal(t, 0, rt.Status().InboxDepth)
}

func TestRuntime_IdleHook(t *testing.T) {
	var calls, inFlight, overlap atomic.Int32
	hook := func(ctx context.Context) error {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		defer inFlight.Add(-1)
		calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	rt, _ := newTestRuntime(t, nil, WithIdleHook(hook))
	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, eventually, tick)
	assert.Zero(t, overlap.Load())
	assert.Equal(t, StateRunning, rt.State())
}

func TestRuntime_ConsecutiveLoopFailuresStopRuntime(t *testing.T) {
	var mu sync.Mutex
	var loopErrors int
	registry := Registry{
		TypeError: func(ctx context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			loopErrors++
			return nil
		},
	}
	var calls atomic.Int32
	hook := func(ctx context.Context) error {
		if calls.Add(1)%2 == 0 {
			panic("idle panic")
		}
		return errors.New("idle failure")
	}
	rt, _ := newTestRuntime(t, registry, WithIdleHook(hook))
	require.NoError(t, rt.Start(context.Background()))

	select {
	case <-rt.Done():
	case <-time.After(eventually):
		t.Fatal("runtime did not stop after repeated loop failures")
	}
	assert.Equal(t, StateStopped, rt.State())
	assert.Equal(t, int32(3), calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, loopErrors)
}

func TestRuntime_LoopFailureCounterResets(t *testing.T) {
	var calls atomic.Int32
	hook := func(ctx context.Context) error {
		// two failures, one success, repeat
		if calls.Add(1)%3 == 0 {
			return nil
		}
		return errors.New("flaky")
	}
	rt, _ := newTestRuntime(t, nil, WithIdleHook(hook))
	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 9 }, eventually, tick)
	assert.Equal(t, StateRunning, rt.State())
}

func TestRuntime_HeartbeatSavesState(t *testing.T) {
	sink := &recordingSink{}
	rt, _ := newTestRuntime(t, nil, WithStateSink(sink))
	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, func() bool { return sink.count() >= 2 }, eventually, tick)

	sink.mu.Lock()
	last := sink.statuses[len(sink.statuses)-1]
	sink.mu.Unlock()
	assert.Equal(t, "agent-1", last.AgentID)
	assert.Equal(t, "running", last.State)
	assert.False(t, last.LastHeartbeat.IsZero())
	assert.Contains(t, last.HandledTypes, TypeCommand)
}

func TestRuntime_FailingStateSinkStopsRuntime(t *testing.T) {
	sink := &recordingSink{err: errors.New("store down")}
	rt, _ := newTestRuntime(t, nil, WithStateSink(sink))
	require.NoError(t, rt.Start(context.Background()))

	select {
	case <-rt.Done():
	case <-time.After(eventually):
		t.Fatal("runtime did not stop after repeated heartbeat failures")
	}
}

func TestRuntime_ContextCancellationStops(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))

	cancel()
	select {
	case <-rt.Done():
	case <-time.After(eventually):
		t.Fatal("runtime did not stop after context cancellation")
	}
}

func TestRuntime_DeliverRequiresRunning(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	assert.ErrorIs(t, rt.Deliver(context.Background(), command("peer")), ErrNotRunning)

	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.Stop(context.Background()))
	assert.ErrorIs(t, rt.Deliver(context.Background(), command("peer")), ErrNotRunning)
}

func TestRuntime_DeliverBlocksWhenInboxFull(t *testing.T) {
	idling := make(chan struct{}, 1)
	release := make(chan struct{})
	hook := func(ctx context.Context) error {
		select {
		case idling <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	cfg := DefaultConfig()
	cfg.InboxSize = 1
	rt, _ := newTestRuntime(t, nil, WithConfig(cfg),
		WithPollInterval(time.Millisecond),
		WithShutdownGrace(200*time.Millisecond),
		WithIdleHook(hook),
	)
	require.NoError(t, rt.Start(context.Background()))
	defer close(release)

	// the dispatch loop is parked in the idle hook and cannot drain the inbox
	<-idling
	require.NoError(t, rt.Deliver(context.Background(), command("peer")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.Deliver(ctx, command("peer")), context.DeadlineExceeded)
	assert.Equal(t, 1, rt.Status().InboxDepth)
}

func TestRuntime_Send(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)

	msg := Message{Header: Header{Type: TypeTaskRequest}, Payload: map[string]any{"task": "scan"}}
	id, err := rt.Send(context.Background(), "agent-2", msg)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := pub.ofType(TypeTaskRequest)
	require.Len(t, sent, 1)
	h := sent[0].Header
	assert.Equal(t, id, h.ID)
	assert.Equal(t, "agent-1", h.SourceAgentID)
	assert.Equal(t, []string{"agent-2"}, h.TargetAgentIDs)
	assert.False(t, h.Timestamp.IsZero())
	assert.Equal(t, PriorityNormal, h.Priority)
	assert.False(t, h.IsBroadcast)

	// the caller's message is left untouched
	assert.Empty(t, msg.Header.ID)

	history := rt.History()
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].Header.ID)
}

func TestRuntime_SendKeepsExistingHeaderFields(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)

	msg := NewMessage(TypeCommand, "origin", nil)
	id, err := rt.Send(context.Background(), "agent-2", msg)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.ID, id)
	assert.Equal(t, "origin", pub.ofType(TypeCommand)[0].Header.SourceAgentID)
}

func TestRuntime_SendPublishFailure(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)
	pub.fail.Store(true)

	id, err := rt.Send(context.Background(), "agent-2", NewMessage(TypeCommand, "", nil))
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.NotEmpty(t, id)
	assert.Len(t, rt.History(), 1)
}

func TestRuntime_SendRejectsInvalidType(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	_, err := rt.Send(context.Background(), "agent-2", Message{Header: Header{Type: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRuntime_BroadcastShape(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)

	for _, mt := range AllMessageTypes() {
		id, err := rt.Broadcast(context.Background(), "hello", WithBroadcastType(mt))
		require.NoError(t, err)

		sent := pub.ofType(mt)
		require.NotEmpty(t, sent)
		h := sent[len(sent)-1].Header
		assert.Equal(t, id, h.ID)
		assert.True(t, h.IsBroadcast, mt)
		assert.False(t, h.RequiresAck, mt)
		assert.Empty(t, h.TargetAgentIDs, mt)
		assert.NoError(t, sent[len(sent)-1].Validate())
	}
}

func TestRuntime_BroadcastPayload(t *testing.T) {
	rt, pub := newTestRuntime(t, nil)

	_, err := rt.Broadcast(context.Background(), "scan complete",
		WithBroadcastPriority(PriorityCritical),
		WithTargetCrews("crew-a"),
		WithTargetRoles("analyst", "responder"),
		WithField("hosts", 12),
		WithField("content", "ignored"),
	)
	require.NoError(t, err)

	msg := pub.ofType(TypeBroadcast)[0]
	assert.Equal(t, PriorityCritical, msg.Header.Priority)
	assert.Equal(t, "scan complete", msg.Payload["content"])
	assert.Equal(t, []string{"crew-a"}, msg.Payload["target_crews"])
	assert.Equal(t, []string{"analyst", "responder"}, msg.Payload["target_roles"])
	assert.Equal(t, 12, msg.Payload["hosts"])

	_, err = rt.Broadcast(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{}, pub.ofType(TypeBroadcast)[1].Payload["target_crews"])
}

func TestRuntime_Addressed(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)

	own := NewMessage(TypeBroadcast, "agent-1", nil)
	own.Header.IsBroadcast = true
	peer := NewMessage(TypeBroadcast, "agent-2", nil)
	peer.Header.IsBroadcast = true

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"broadcast from peer", peer, true},
		{"own broadcast", own, false},
		{"targeted at us", NewMessage(TypeCommand, "agent-2", nil).WithTargets("agent-1"), true},
		{"targeted at another agent", NewMessage(TypeCommand, "agent-2", nil).WithTargets("agent-3"), false},
		{"one of several targets", NewMessage(TypeCommand, "agent-2", nil).WithTargets("agent-3", "agent-1"), true},
		{"no targets", NewMessage(TypeLog, "agent-2", nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rt.Addressed(tt.msg))
		})
	}
}

func TestRuntime_AlertOnErrors(t *testing.T) {
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			return errors.New("disk full")
		},
	}
	rt, pub := newTestRuntime(t, registry, WithAlertOnErrors(true))
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Deliver(context.Background(), command("peer")))

	require.Eventually(t, func() bool { return len(pub.ofType(TypeAlert)) == 1 }, eventually, tick)
	alert := pub.ofType(TypeAlert)[0]
	assert.Equal(t, PriorityHigh, alert.Header.Priority)
	assert.True(t, alert.Header.IsBroadcast)
	assert.Equal(t, "handler_error", alert.Payload["error_type"])
	assert.Equal(t, "disk full", alert.Payload["error_message"])
}

func TestRuntime_AlertsAreThrottled(t *testing.T) {
	var handled atomic.Int32
	registry := Registry{
		TypeCommand: func(ctx context.Context, msg Message) error {
			defer handled.Add(1)
			return errors.New("again")
		},
	}
	cfg := DefaultConfig()
	cfg.AlertOnErrors = true
	cfg.AlertRate = rate.Every(time.Hour)
	cfg.AlertBurst = 1
	rt, pub := newTestRuntime(t, registry, WithConfig(cfg),
		WithPollInterval(10*time.Millisecond),
		WithShutdownGrace(200*time.Millisecond),
	)
	require.NoError(t, rt.Start(context.Background()))

	for range 3 {
		require.NoError(t, rt.Deliver(context.Background(), command("peer")))
	}
	require.Eventually(t, func() bool {
		return handled.Load() == 3 && rt.Status().Errors == 3
	}, eventually, tick)

	assert.Len(t, pub.ofType(TypeAlert), 1)
}

func TestRuntime_PeerErrorsDoNotAlert(t *testing.T) {
	rt, pub := newTestRuntime(t, nil, WithAlertOnErrors(true))
	require.NoError(t, rt.Start(context.Background()))

	peerErr := NewErrorMessage("agent-9", "io", "timeout", nil)
	require.NoError(t, rt.Deliver(context.Background(), peerErr))

	require.Eventually(t, func() bool { return rt.Status().Processed == 1 && rt.ActiveTasks() == 0 }, eventually, tick)
	assert.Empty(t, pub.ofType(TypeAlert))
	assert.Equal(t, int64(0), rt.Status().Errors)
}

func TestRuntime_HistoryLimit(t *testing.T) {
	rt, _ := newTestRuntime(t, nil, WithHistoryLimit(3))

	var ids []string
	for range 5 {
		id, err := rt.Broadcast(context.Background(), "x")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	history := rt.History()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].Header.ID)
	assert.Equal(t, ids[4], history[2].Header.ID)
}

func TestRuntime_BackgroundLoop(t *testing.T) {
	var ran atomic.Bool
	var stopped atomic.Bool
	loop := func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	}
	rt, _ := newTestRuntime(t, nil, WithBackgroundLoop(loop))
	require.NoError(t, rt.Start(context.Background()))

	require.Eventually(t, ran.Load, eventually, tick)
	require.NoError(t, rt.Stop(context.Background()))
	assert.True(t, stopped.Load())
	assert.Equal(t, int64(0), rt.Status().Errors)
}

func TestRuntime_NoPublisher(t *testing.T) {
	rt, err := New("solo", "solo", nil, WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = rt.Broadcast(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrPublishFailed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
