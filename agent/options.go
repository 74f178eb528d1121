package agent

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Config contains the tunables of a Runtime.
type Config struct {
	// PollInterval bounds how long the dispatch loop waits for a message
	// before running the idle hook. Default: 1s
	PollInterval time.Duration

	// HeartbeatInterval is the period of the heartbeat loop. Default: 30s
	HeartbeatInterval time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight tasks. Default: 10s
	ShutdownGrace time.Duration

	// PublishTimeout bounds status notices sent on start and stop. Default: 5s
	PublishTimeout time.Duration

	// InboxSize is the capacity of the inbound queue. Default: 256
	InboxSize int

	// HistoryLimit caps the message history. 0 keeps every message.
	HistoryLimit int

	// MaxLoopFailures is the number of consecutive dispatch or heartbeat
	// failures after which the runtime stops itself. Default: 3
	MaxLoopFailures int

	// AlertOnErrors makes the default error handler broadcast an ALERT.
	AlertOnErrors bool

	// AlertRate and AlertBurst throttle those alerts. Default: 1 per second, burst 5
	AlertRate  rate.Limit
	AlertBurst int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		HeartbeatInterval: 30 * time.Second,
		ShutdownGrace:     10 * time.Second,
		PublishTimeout:    5 * time.Second,
		InboxSize:         256,
		MaxLoopFailures:   3,
		AlertRate:         rate.Every(time.Second),
		AlertBurst:        5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
	if c.MaxLoopFailures <= 0 {
		c.MaxLoopFailures = d.MaxLoopFailures
	}
	if c.AlertRate <= 0 {
		c.AlertRate = d.AlertRate
	}
	if c.AlertBurst <= 0 {
		c.AlertBurst = d.AlertBurst
	}
}

// Option is a functional option for configuring a Runtime
type Option func(*Runtime)

// WithConfig replaces the runtime configuration. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) {
		r.cfg = cfg
	}
}

// WithPollInterval sets how long the dispatch loop waits before going idle
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.cfg.PollInterval = d
	}
}

// WithHeartbeatInterval sets the heartbeat period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) {
		r.cfg.HeartbeatInterval = d
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight tasks
func WithShutdownGrace(d time.Duration) Option {
	return func(r *Runtime) {
		r.cfg.ShutdownGrace = d
	}
}

// WithHistoryLimit caps the in-memory message history
func WithHistoryLimit(n int) Option {
	return func(r *Runtime) {
		r.cfg.HistoryLimit = n
	}
}

// WithAlertOnErrors enables ALERT broadcasts from the default error handler
func WithAlertOnErrors(enabled bool) Option {
	return func(r *Runtime) {
		r.cfg.AlertOnErrors = enabled
	}
}

// WithPublisher sets the outbound transport
func WithPublisher(p Publisher) Option {
	return func(r *Runtime) {
		r.publisher = p
	}
}

// WithStateSink sets where heartbeat snapshots are saved
func WithStateSink(s StateSink) Option {
	return func(r *Runtime) {
		r.sink = s
	}
}

// WithLogger sets the logger. The runtime adds agent attributes to it.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithoutDefaultHandlers leaves message types absent from the registry
// unhandled instead of installing the default handlers.
func WithoutDefaultHandlers() Option {
	return func(r *Runtime) {
		r.noDefaults = true
	}
}

// WithIdleHook sets the hook run after each idle poll interval
func WithIdleHook(h IdleHook) Option {
	return func(r *Runtime) {
		r.idle = h
	}
}

// WithBackgroundLoop adds a loop started with the runtime
func WithBackgroundLoop(loop BackgroundLoop) Option {
	return func(r *Runtime) {
		r.loops = append(r.loops, loop)
	}
}

// BroadcastOption customizes a message built by Runtime.Broadcast.
type BroadcastOption func(*broadcastSettings)

type broadcastSettings struct {
	msgType  MessageType
	priority Priority
	crews    []string
	roles    []string
	fields   map[string]any
}

// WithBroadcastType sets the type tag. Default: TypeBroadcast
func WithBroadcastType(t MessageType) BroadcastOption {
	return func(s *broadcastSettings) {
		s.msgType = t
	}
}

// WithBroadcastPriority sets the priority. Default: PriorityNormal
func WithBroadcastPriority(p Priority) BroadcastOption {
	return func(s *broadcastSettings) {
		s.priority = p
	}
}

// WithTargetCrews lists the crews the broadcast is meant for
func WithTargetCrews(crews ...string) BroadcastOption {
	return func(s *broadcastSettings) {
		s.crews = append(s.crews, crews...)
	}
}

// WithTargetRoles lists the roles the broadcast is meant for
func WithTargetRoles(roles ...string) BroadcastOption {
	return func(s *broadcastSettings) {
		s.roles = append(s.roles, roles...)
	}
}

// WithField adds an extra payload field
func WithField(key string, value any) BroadcastOption {
	return func(s *broadcastSettings) {
		if s.fields == nil {
			s.fields = make(map[string]any)
		}
		s.fields[key] = value
	}
}
