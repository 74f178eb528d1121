// Package sentinel runs one monitoring agent on top of a RabbitMQ topic
// exchange, with optional Redis state persistence and a metrics endpoint.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/sentinel/agent"
	"github.com/aixgo-dev/sentinel/agents"
	"github.com/aixgo-dev/sentinel/internal/broker"
	"github.com/aixgo-dev/sentinel/internal/dedupe"
	"github.com/aixgo-dev/sentinel/internal/observability"
	"github.com/aixgo-dev/sentinel/pkg/config"
	"github.com/aixgo-dev/sentinel/pkg/logging"
	metrics "github.com/aixgo-dev/sentinel/pkg/observability"
	"github.com/aixgo-dev/sentinel/pkg/store"
)

// DefaultClientName is the registry name of the node's broker client.
const DefaultClientName = "default"

const (
	dedupeTTL  = 10 * time.Minute
	dedupeSize = 10000
)

// ErrBrokerUnavailable is returned by Run when the broker cannot be reached.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// agentHost is what the node needs from the hosted agent.
type agentHost interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Node is the composition root of one sentinel process: it hosts a single
// agent and wires it to the broker, the state store and the metrics server.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	brokers *broker.Registry
	client  *broker.Client
	store   *store.RedisStore
	runtime *agent.Runtime
	host    agentHost
	seen    *dedupe.Cache
	health  *metrics.HealthChecker
	server  *metrics.Server

	// options
	dialer   broker.Dialer
	handlers agent.Registry
	extra    []agent.Option

	closeOnce sync.Once
	closeErr  error
}

// NodeOption customizes a Node
type NodeOption func(*Node)

// WithNodeLogger replaces the logger built from the logging config
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		n.logger = l
	}
}

// WithBrokerDialer replaces the AMQP dialer
func WithBrokerDialer(d broker.Dialer) NodeOption {
	return func(n *Node) {
		n.dialer = d
	}
}

// WithHandlers adds domain handlers to a "base" agent. They are wrapped
// so a redelivered message is handled once.
func WithHandlers(r agent.Registry) NodeOption {
	return func(n *Node) {
		n.handlers = r
	}
}

// WithAgentOptions passes extra options to the agent runtime
func WithAgentOptions(opts ...agent.Option) NodeOption {
	return func(n *Node) {
		n.extra = append(n.extra, opts...)
	}
}

// NewNode builds every component from cfg. Nothing connects to the broker
// until Run; Redis is contacted immediately when configured.
func NewNode(ctx context.Context, cfg *config.Config, opts ...NodeOption) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	n := &Node{cfg: cfg, brokers: broker.NewRegistry()}
	for _, opt := range opts {
		opt(n)
	}

	if n.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		n.logger = logger
	}

	if err := observability.Init(observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Exporter:     cfg.Observability.Exporter,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		OTLPHeaders:  observability.ParseHeaders(cfg.Observability.OTLPHeaders),
		Insecure:     cfg.Observability.Insecure,
	}, n.logger); err != nil {
		n.logger.Warn("failed to initialize tracing", "error", err)
	}

	if err := n.buildBroker(); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		s, err := NewStore(ctx, cfg.Redis)
		if err != nil {
			_ = n.brokers.CloseAll()
			return nil, fmt.Errorf("state store: %w", err)
		}
		n.store = s
	}

	n.seen = dedupe.New(dedupeTTL, dedupeSize)

	if err := n.buildAgent(); err != nil {
		_ = n.Close(context.Background())
		return nil, err
	}

	n.health = metrics.NewHealthChecker(Version)
	n.health.RegisterCheck(metrics.BrokerCheck(DefaultClientName, n.client.Ping))
	n.health.RegisterCheck(metrics.AgentCheck(n.runtime.ID(), func() string {
		return n.runtime.State().String()
	}))
	if n.store != nil {
		n.health.RegisterCheck(metrics.StoreCheck(n.store.Ping))
	}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		metrics.InitMetrics()
		n.server = metrics.NewServer(addr, n.health, metrics.WithStatus(func() any {
			return n.runtime.Status()
		}))
	}

	return n, nil
}

func (n *Node) buildBroker() error {
	opts := []broker.Option{broker.WithLogger(n.logger)}
	if n.dialer != nil {
		opts = append(opts, broker.WithDialer(n.dialer))
	}
	client, err := NewBrokerClient(DefaultClientName, n.cfg.Broker, opts...)
	if err != nil {
		return err
	}
	n.client = client
	return n.brokers.Add(DefaultClientName, client)
}

// NewBrokerClient builds an unconnected broker client from the broker
// section of the config.
func NewBrokerClient(name string, bc config.BrokerConfig, opts ...broker.Option) (*broker.Client, error) {
	codec, err := broker.CodecByName(bc.Codec)
	if err != nil {
		return nil, err
	}
	return broker.New(broker.Config{
		Name:               name,
		URL:                bc.URL,
		Exchange:           bc.Exchange,
		Queue:              bc.Queue,
		MaxRetries:         bc.MaxRetries,
		ReconnectInterval:  bc.ReconnectInterval,
		Heartbeat:          bc.Heartbeat,
		Prefetch:           bc.Prefetch,
		MessageTTL:         bc.MessageTTL,
		MaxLength:          bc.MaxLength,
		Overflow:           bc.Overflow,
		DeadLetterExchange: bc.DeadLetterExchange,
		MaxRedeliveries:    bc.MaxRedeliveries,
		Transient:          bc.Transient,
		Codec:              codec,
	}, opts...), nil
}

// NewStore connects to the Redis state store described by rc.
func NewStore(ctx context.Context, rc config.RedisConfig) (*store.RedisStore, error) {
	return store.NewRedisStore(ctx, store.Config{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
		StateTTL:  rc.StateTTL,
		LogTTL:    rc.LogTTL,
	})
}

func (n *Node) buildAgent() error {
	ac := n.cfg.Agent
	rc := agent.DefaultConfig()
	rc.PollInterval = ac.PollInterval
	rc.HeartbeatInterval = ac.HeartbeatInterval
	rc.ShutdownGrace = ac.ShutdownGrace
	rc.HistoryLimit = ac.HistoryLimit
	rc.AlertOnErrors = ac.AlertOnErrors

	opts := []agent.Option{
		agent.WithConfig(rc),
		agent.WithLogger(n.logger),
		agent.WithPublisher(n.client),
	}
	if n.store != nil {
		opts = append(opts, agent.WithStateSink(n.store))
	}
	opts = append(opts, n.extra...)

	name := ac.Name
	if name == "" {
		name = ac.ID
	}

	switch ac.Kind {
	case "logger":
		if n.store == nil {
			return errors.New("logger agent requires redis.addr")
		}
		l, err := agents.NewLogger(ac.ID, name, n.store, agents.LoggerConfig{FlushSize: ac.FlushSize}, opts...)
		if err != nil {
			return err
		}
		n.runtime, n.host = l.Runtime(), l
	default:
		registry := make(agent.Registry, len(n.handlers))
		for t, h := range n.handlers {
			registry[t] = agent.Deduplicate(h, n.seen)
		}
		rt, err := agent.New(ac.ID, name, registry, opts...)
		if err != nil {
			return err
		}
		n.runtime, n.host = rt, rt
	}
	return nil
}

// Runtime returns the hosted agent runtime
func (n *Node) Runtime() *agent.Runtime { return n.runtime }

// Client returns the node's broker client
func (n *Node) Client() *broker.Client { return n.client }

// Brokers returns the node's broker client registry
func (n *Node) Brokers() *broker.Registry { return n.brokers }

// Store returns the state store, or nil when Redis is not configured
func (n *Node) Store() *store.RedisStore { return n.store }

// Health returns the health checker
func (n *Node) Health() *metrics.HealthChecker { return n.health }

// RoutingKeys returns the keys bound on the agent queue
func (n *Node) RoutingKeys() []string {
	if len(n.cfg.Agent.RoutingKeys) > 0 {
		return n.cfg.Agent.RoutingKeys
	}
	keys := make([]string, 0, len(agent.AllMessageTypes()))
	for _, t := range agent.AllMessageTypes() {
		keys = append(keys, string(t))
	}
	return keys
}

// Run connects to the broker, starts the agent and its subscriptions and
// blocks until ctx is cancelled, the agent stops itself or the metrics
// server fails. Everything is shut down before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if !n.client.Connect(ctx) {
		_ = n.Close(context.WithoutCancel(ctx))
		return ErrBrokerUnavailable
	}

	if err := n.host.Start(ctx); err != nil {
		_ = n.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("start agent: %w", err)
	}

	for _, key := range n.RoutingKeys() {
		if !n.client.Consume(ctx, key, n.deliver) {
			_ = n.Close(context.WithoutCancel(ctx))
			return fmt.Errorf("%w: cannot consume %s", ErrBrokerUnavailable, key)
		}
	}

	n.logger.Info("node running",
		"agent_id", n.runtime.ID(),
		"kind", n.cfg.Agent.Kind,
		"queue", n.client.Queue(),
		"routing_keys", n.RoutingKeys(),
	)

	g, gctx := errgroup.WithContext(ctx)
	if n.server != nil {
		g.Go(n.server.Start)
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-n.runtime.Done():
			n.logger.Warn("agent runtime stopped on its own")
		}
		return n.Close(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

// deliver hands a consumed message to the runtime. Messages addressed to
// other agents, expired messages and duplicates are acknowledged and
// dropped.
func (n *Node) deliver(ctx context.Context, msg agent.Message) error {
	if !n.runtime.Addressed(msg) {
		return nil
	}
	if msg.Expired(time.Now()) {
		n.logger.Debug("dropping expired message", "message_id", msg.Header.ID)
		return nil
	}
	if n.seen.CheckAndMark("delivery:" + msg.Header.ID) {
		n.logger.Debug("dropping duplicate delivery", "message_id", msg.Header.ID)
		return nil
	}
	if err := n.runtime.Deliver(ctx, msg); err != nil {
		n.seen.Forget("delivery:" + msg.Header.ID)
		return err
	}
	return nil
}

// Close stops the agent, then closes the broker clients, the store, the
// metrics server and the tracer, in that order. It is idempotent.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.host != nil {
			if err := n.host.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop agent: %w", err))
			}
		}
		if err := n.brokers.CloseAll(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
		if n.store != nil {
			if err := n.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if n.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := n.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			}
			cancel()
		}
		if err := observability.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		if n.seen != nil {
			n.seen.Close()
		}
		n.closeErr = errors.Join(errs...)
		n.logger.Info("node stopped")
	})
	return n.closeErr
}
