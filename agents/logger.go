package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/sentinel/agent"
	"github.com/aixgo-dev/sentinel/pkg/store"
)

// LogSink receives flushed log entries. store.RedisStore implements it.
type LogSink interface {
	AppendLogs(ctx context.Context, agentID string, entries []store.LogEntry) error
}

// LogReader is implemented by sinks that can return stored entries. The
// get_logs command falls back to the in-memory buffer without one.
type LogReader interface {
	RecentLogs(ctx context.Context, agentID string, n int64) ([]store.LogEntry, error)
}

const (
	defaultFlushSize     = 100
	defaultFlushInterval = time.Minute
	defaultMaxBuffer     = 1000
	maxLogsPerQuery      = 1000
)

// LoggerConfig controls buffering of the logger agent
type LoggerConfig struct {
	// FlushSize flushes as soon as this many entries are buffered
	FlushSize int

	// FlushInterval flushes a non-empty buffer from the idle hook
	FlushInterval time.Duration

	// MaxBuffer bounds the buffer while the sink is failing. The oldest
	// entries are dropped first.
	MaxBuffer int
}

func (c *LoggerConfig) applyDefaults() {
	if c.FlushSize <= 0 {
		c.FlushSize = defaultFlushSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxBuffer < c.FlushSize {
		c.MaxBuffer = max(defaultMaxBuffer, c.FlushSize)
	}
}

// LoggerMetrics is a snapshot of the logger agent counters
type LoggerMetrics struct {
	Buffered    int              `json:"buffered"`
	Flushed     int64            `json:"flushed"`
	Dropped     int64            `json:"dropped"`
	FlushErrors int64            `json:"flush_errors"`
	Levels      map[string]int64 `json:"levels"`
	LastFlush   time.Time        `json:"last_flush,omitzero"`
}

// Logger is an agent that collects LOG and ERROR messages from the other
// agents and writes them to a LogSink in batches.
type Logger struct {
	rt     *agent.Runtime
	sink   LogSink
	cfg    LoggerConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buffer  []store.LogEntry
	metrics LoggerMetrics

	// flushMu keeps flushes in order
	flushMu sync.Mutex
}

// NewLogger builds a logger agent around a new runtime. opts are passed to
// agent.New; the idle hook is owned by the logger.
func NewLogger(id, name string, sink LogSink, cfg LoggerConfig, opts ...agent.Option) (*Logger, error) {
	if sink == nil {
		return nil, errors.New("log sink is required")
	}
	cfg.applyDefaults()

	l := &Logger{
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		metrics: LoggerMetrics{Levels: make(map[string]int64)},
	}

	registry := agent.Registry{
		agent.TypeLog:          l.handleLog,
		agent.TypeError:        l.handleError,
		agent.TypeCommand:      l.handleCommand,
		agent.TypeStatusUpdate: l.handleStatusUpdate,
		agent.TypeAlert:        l.handleAlert,
	}
	opts = append(slices.Clone(opts), agent.WithIdleHook(l.onIdle))

	rt, err := agent.New(id, name, registry, opts...)
	if err != nil {
		return nil, err
	}
	l.rt = rt
	l.logger = rt.Logger().With("component", "agents.logger")
	l.metrics.LastFlush = l.now()
	return l, nil
}

// Runtime returns the runtime hosting the agent
func (l *Logger) Runtime() *agent.Runtime { return l.rt }

// Start starts the runtime
func (l *Logger) Start(ctx context.Context) error { return l.rt.Start(ctx) }

// Stop stops the runtime and flushes what is left in the buffer
func (l *Logger) Stop(ctx context.Context) error {
	stopErr := l.rt.Stop(ctx)
	_, flushErr := l.Flush(ctx)
	return errors.Join(stopErr, flushErr)
}

// Metrics returns a snapshot of the counters
func (l *Logger) Metrics() LoggerMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.metrics
	m.Buffered = len(l.buffer)
	m.Levels = maps.Clone(l.metrics.Levels)
	return m
}

// Buffered returns a copy of the entries not yet flushed
func (l *Logger) Buffered() []store.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.buffer)
}

// Flush writes the buffer to the sink and returns the number of entries
// written. On failure the entries go back to the buffer.
func (l *Logger) Flush(ctx context.Context) (int, error) {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if err := l.sink.AppendLogs(ctx, l.rt.ID(), batch); err != nil {
		l.mu.Lock()
		l.metrics.FlushErrors++
		l.buffer = append(batch, l.buffer...)
		l.trimLocked()
		l.mu.Unlock()
		l.logger.Error("failed to flush logs", "entries", len(batch), "error", err)
		return 0, fmt.Errorf("flush logs: %w", err)
	}

	l.mu.Lock()
	l.metrics.Flushed += int64(len(batch))
	l.metrics.LastFlush = l.now()
	for _, e := range batch {
		l.metrics.Levels[e.Level]++
	}
	l.mu.Unlock()

	l.logger.Debug("flushed logs", "entries", len(batch))
	return len(batch), nil
}

// record buffers e and reports whether the buffer reached FlushSize.
func (l *Logger) record(e store.LogEntry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, e)
	l.trimLocked()
	return len(l.buffer) >= l.cfg.FlushSize
}

func (l *Logger) trimLocked() {
	if over := len(l.buffer) - l.cfg.MaxBuffer; over > 0 {
		l.buffer = slices.Delete(l.buffer, 0, over)
		l.metrics.Dropped += int64(over)
	}
}

func (l *Logger) onIdle(ctx context.Context) error {
	l.mu.Lock()
	due := len(l.buffer) > 0 && l.now().Sub(l.metrics.LastFlush) >= l.cfg.FlushInterval
	l.mu.Unlock()
	if !due {
		return nil
	}
	// a failing sink is reported by Flush; it must not count as a loop failure
	_, _ = l.Flush(ctx)
	return nil
}

func (l *Logger) ingest(ctx context.Context, msg agent.Message, e store.LogEntry) error {
	if l.record(e) {
		if _, err := l.Flush(ctx); err != nil {
			l.logger.Warn("keeping logs buffered", "error", err)
		}
	}
	if msg.Header.RequiresAck {
		return l.acknowledge(ctx, msg)
	}
	return nil
}

func (l *Logger) handleLog(ctx context.Context, msg agent.Message) error {
	e := store.LogEntry{
		Timestamp: msg.Header.Timestamp,
		Level:     strings.ToLower(msg.PayloadString("level", "info")),
		Source:    msg.PayloadString("source", msg.Header.SourceAgentID),
		Message:   msg.PayloadString("message", ""),
		MessageID: msg.Header.ID,
		Type:      msg.Header.Type,
	}
	l.logger.Debug("log received", "source", e.Source, "level", e.Level, "message", e.Message)
	return l.ingest(ctx, msg, e)
}

func (l *Logger) handleError(ctx context.Context, msg agent.Message) error {
	e := store.LogEntry{
		Timestamp: msg.Header.Timestamp,
		Level:     "error",
		Source:    msg.PayloadString("source", msg.Header.SourceAgentID),
		Message: fmt.Sprintf("%s: %s",
			msg.PayloadString("error_type", "UnknownError"),
			msg.PayloadString("error_message", "No message")),
		MessageID: msg.Header.ID,
		Type:      msg.Header.Type,
	}
	l.logger.Error("agent reported error", "source", e.Source, "error", e.Message)
	return l.ingest(ctx, msg, e)
}

func (l *Logger) handleStatusUpdate(_ context.Context, msg agent.Message) error {
	l.logger.Info("status update", "source_agent", msg.Header.SourceAgentID, "payload", msg.Payload)
	return nil
}

func (l *Logger) handleAlert(ctx context.Context, msg agent.Message) error {
	severity := strings.ToLower(msg.PayloadString("severity", "medium"))
	title := msg.PayloadString("title", msg.PayloadString("content", "No title"))

	level := slog.LevelWarn
	if severity == "critical" || severity == "high" {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert received",
		"severity", severity,
		"title", title,
		"description", msg.PayloadString("description", ""),
		"source_agent", msg.Header.SourceAgentID,
	)
	return nil
}

func (l *Logger) handleCommand(ctx context.Context, msg agent.Message) error {
	command := strings.ToLower(msg.PayloadString("command", ""))
	params, _ := msg.Payload["parameters"].(map[string]any)

	var payload map[string]any
	switch command {
	case "flush", "flush_logs":
		n, err := l.Flush(ctx)
		if err != nil {
			payload = errorReply(command, err.Error())
			break
		}
		payload = successReply(command, map[string]any{"flushed": n})

	case "get_metrics":
		m := l.Metrics()
		payload = successReply(command, map[string]any{
			"buffered":     m.Buffered,
			"flushed":      m.Flushed,
			"dropped":      m.Dropped,
			"flush_errors": m.FlushErrors,
			"levels":       m.Levels,
		})

	case "get_logs":
		logs, err := l.query(ctx, params)
		if err != nil {
			payload = errorReply(command, err.Error())
			break
		}
		payload = successReply(command, map[string]any{"logs": logs, "count": len(logs)})

	default:
		payload = errorReply(command, fmt.Sprintf("unknown command: %s", command))
	}

	return l.reply(ctx, msg, payload)
}

// query answers get_logs from the sink when it can be read, newest first.
func (l *Logger) query(ctx context.Context, params map[string]any) ([]store.LogEntry, error) {
	level, _ := params["level"].(string)
	source, _ := params["source"].(string)
	limit := maxLogsPerQuery
	switch v := params["limit"].(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	case int64:
		limit = int(v)
	case uint64:
		limit = int(min(v, maxLogsPerQuery))
	}
	limit = min(max(limit, 1), maxLogsPerQuery)

	var entries []store.LogEntry
	if reader, ok := l.sink.(LogReader); ok {
		if _, err := l.Flush(ctx); err != nil {
			return nil, err
		}
		stored, err := reader.RecentLogs(ctx, l.rt.ID(), 0)
		if err != nil {
			return nil, err
		}
		entries = stored
	} else {
		entries = l.Buffered()
	}

	out := make([]store.LogEntry, 0, min(limit, len(entries)))
	for _, e := range slices.Backward(entries) {
		if level != "" && !strings.EqualFold(e.Level, level) {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Logger) acknowledge(ctx context.Context, msg agent.Message) error {
	return l.reply(ctx, msg, map[string]any{
		"status":              "acknowledged",
		"original_message_id": msg.Header.ID,
		"received_at":         l.now().UTC().Format(time.RFC3339Nano),
	})
}

// reply sends a RESPONSE correlated with msg back to its sender.
func (l *Logger) reply(ctx context.Context, msg agent.Message, payload map[string]any) error {
	sender := msg.Header.SourceAgentID
	if sender == "" || sender == l.rt.ID() {
		return nil
	}
	_, err := l.rt.Send(ctx, sender, agent.NewResponse(msg, l.rt.ID(), payload))
	return err
}

func successReply(command string, data map[string]any) map[string]any {
	return map[string]any{
		"status":  "success",
		"data":    data,
		"context": map[string]any{"command": command},
	}
}

func errorReply(command, message string) map[string]any {
	return map[string]any{
		"status":  "error",
		"errors":  []string{message},
		"context": map[string]any{"command": command},
	}
}
