// Package broker connects agents to a durable AMQP topic exchange.
//
// A Client declares the exchange and its own durable queue, publishes
// messages with their metadata in AMQP properties, and consumes with
// at-least-once semantics: failed callbacks are requeued a bounded number
// of times, undecodable bodies are rejected outright. Unexpected connection
// drops are repaired in the background and every subscription is replayed.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/sentinel/agent"
	"github.com/aixgo-dev/sentinel/internal/observability"
	metrics "github.com/aixgo-dev/sentinel/pkg/observability"
)

// ConnectionState is the lifecycle state of a client's connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Callback receives decoded messages. A returned error or a panic requeues
// the delivery until the redelivery limit is reached.
type Callback func(ctx context.Context, msg agent.Message) error

// subKey identifies a subscription: the same routing key may be bound on
// several queues, each with its own callback.
type subKey struct {
	queue      string
	routingKey string
}

type subscription struct {
	routingKey string
	queue      string
	autoAck    bool
	callback   Callback
}

// queueConsumer is the single consumer a queue has on the current channel.
type queueConsumer struct {
	queue   string
	autoAck bool
}

// Client is a reconnecting AMQP client. It is safe for concurrent use and
// satisfies agent.Publisher.
type Client struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger
	codecs map[string]Codec

	// connMu serializes Connect, Consume bindings and Close
	connMu sync.Mutex

	// mu guards the handles and state below
	mu        sync.RWMutex
	conn      Connection
	ch        Channel
	state     ConnectionState
	consumers map[string]*queueConsumer
	declared  map[string]bool

	subsMu sync.Mutex
	subs   map[subKey]*subscription

	ledger *redeliveryLedger

	reconnectMu  sync.Mutex
	reconnecting bool
	closed       atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ agent.Publisher = (*Client)(nil)

// New creates a client. It does not connect; call Connect, or let the first
// Publish or Consume do it.
func New(cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		dial:   DialAMQP,
		logger: slog.Default(),
		subs:   make(map[subKey]*subscription),
		ledger: newRedeliveryLedger(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "broker.client", "client", cfg.Name, "queue", cfg.Queue)

	c.codecs = map[string]Codec{
		ContentTypeJSON:        JSONCodec{},
		cfg.Codec.ContentType(): cfg.Codec,
	}
	if _, ok := c.codecs[ContentTypeCBOR]; !ok {
		if cb, err := NewCBORCodec(); err == nil {
			c.codecs[ContentTypeCBOR] = cb
		}
	}
	metrics.SetConnectionState(cfg.Name, int(StateDisconnected))
	return c
}

// Name returns the configured client name.
func (c *Client) Name() string { return c.cfg.Name }

// Queue returns the client's own queue name.
func (c *Client) Queue() string { return c.cfg.Queue }

// Exchange returns the topic exchange name.
func (c *Client) Exchange() string { return c.cfg.Exchange }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether the client holds an open connection and channel.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateConnected &&
		c.conn != nil && !c.conn.IsClosed() &&
		c.ch != nil && !c.ch.IsClosed()
}

// Ping returns nil while the client is connected.
func (c *Client) Ping(context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetConnectionState(c.cfg.Name, int(s))
}

// Connect opens the connection and declares the topology, making up to
// MaxRetries attempts spaced by ReconnectInterval. It returns false when
// every attempt failed, ctx was cancelled or the client is closed.
func (c *Client) Connect(ctx context.Context) bool {
	if c.closed.Load() {
		return false
	}
	if c.Connected() {
		return true
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed.Load() {
		return false
	}
	if c.Connected() {
		return true
	}

	c.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.logger.Info("connecting to broker",
			"url", c.cfg.redactedURL(),
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
		)

		if lastErr = c.connectOnce(); lastErr == nil {
			c.logger.Info("connected to broker", "exchange", c.cfg.Exchange)
			return true
		}
		c.logger.Error("failed to connect to broker",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt == c.cfg.MaxRetries {
			break
		}
		if !c.sleep(ctx, c.cfg.ReconnectInterval) {
			lastErr = errors.Join(lastErr, context.Cause(ctx))
			break
		}
	}

	if !c.closed.Load() {
		c.setState(StateDisconnected)
	}
	c.logger.Error("giving up connecting to broker", "max_retries", c.cfg.MaxRetries, "error", lastErr)
	return false
}

// sleep waits for d. It returns false if ctx or the client is done first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	}
}

// connectOnce dials, opens a channel and declares the exchange and the
// client's queue. Must be called with connMu held.
func (c *Client) connectOnce() error {
	c.discardStale()

	conn, err := c.dial(c.cfg.URL, c.cfg.amqpConfig())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := c.setupChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	connCloses := conn.NotifyClose(make(chan *amqp.Error, 1))
	chCloses := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.state = StateConnected
	c.consumers = make(map[string]*queueConsumer)
	c.declared = map[string]bool{c.cfg.Queue: true}
	c.mu.Unlock()
	metrics.SetConnectionState(c.cfg.Name, int(StateConnected))

	c.wg.Add(1)
	go c.watch(conn, connCloses, chCloses)
	return nil
}

// discardStale drops handles whose channel died before the watcher noticed,
// so a new connection never leaks the old one. The reconnect loop then
// replays subscriptions on whichever connection wins. Must be called with
// connMu held.
func (c *Client) discardStale() {
	c.mu.Lock()
	conn := c.conn
	c.conn, c.ch = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.logger.Warn("discarding broker connection with a closed channel")
	if !conn.IsClosed() {
		_ = conn.Close()
	}
	c.scheduleReconnect()
}

func (c *Client) setupChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, c.cfg.queueArgs()); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	return ch, nil
}

func (c *Client) channel() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

// Publish sends msg with its type tag as routing key.
func (c *Client) Publish(ctx context.Context, msg agent.Message) bool {
	return c.PublishWithOptions(ctx, msg, PublishOptions{})
}

// PublishWithOptions sends msg to the exchange, connecting first if needed.
// Failures are logged and reported as false.
func (c *Client) PublishWithOptions(ctx context.Context, msg agent.Message, opts PublishOptions) bool {
	routingKey := opts.RoutingKey
	if routingKey == "" {
		routingKey = string(msg.Header.Type)
	}

	if !c.Connected() && !c.Connect(ctx) {
		c.logger.Error("cannot publish message: not connected to broker", "message_id", msg.Header.ID)
		metrics.RecordPublish(c.cfg.Exchange, routingKey, "not_connected")
		return false
	}

	ctx, span := observability.StartSpan(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.cfg.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", msg.Header.ID),
		),
	)
	defer span.End()

	pub, err := c.publishing(ctx, msg, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		c.logger.Error("failed to encode message", "message_id", msg.Header.ID, "error", err)
		metrics.RecordPublish(c.cfg.Exchange, routingKey, "encode_error")
		return false
	}

	ch := c.channel()
	if ch == nil {
		metrics.RecordPublish(c.cfg.Exchange, routingKey, "not_connected")
		return false
	}
	if err := ch.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, pub); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		c.logger.Error("failed to publish message", "message_id", msg.Header.ID, "routing_key", routingKey, "error", err)
		metrics.RecordPublish(c.cfg.Exchange, routingKey, "error")
		return false
	}

	c.logger.Debug("published message", "routing_key", routingKey, "message_type", msg.Header.Type, "message_id", msg.Header.ID)
	metrics.RecordPublish(c.cfg.Exchange, routingKey, "ok")
	return true
}

// publishing builds the AMQP message. Metadata and the trace context go in
// properties and headers so they can be read without decoding the body.
func (c *Client) publishing(ctx context.Context, msg agent.Message, opts PublishOptions) (amqp.Publishing, error) {
	body, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}

	mode := amqp.Persistent
	if c.cfg.Transient || opts.Transient {
		mode = amqp.Transient
	}
	priority := uint8(msg.Header.Priority)
	if opts.Priority != 0 {
		priority = opts.Priority
	}

	pub := amqp.Publishing{
		ContentType:   c.cfg.Codec.ContentType(),
		DeliveryMode:  mode,
		Priority:      priority,
		MessageId:     msg.Header.ID,
		CorrelationId: msg.Header.CorrelationID,
		Timestamp:     msg.Header.Timestamp,
		Type:          string(msg.Header.Type),
		Headers: amqp.Table{
			"agent_id":     msg.Header.SourceAgentID,
			"message_type": string(msg.Header.Type),
			"priority":     int32(msg.Header.Priority),
		},
		Body: body,
	}
	if ttl := msg.Header.TTLSeconds; ttl != nil && *ttl > 0 {
		pub.Expiration = strconv.Itoa(*ttl * 1000)
	}
	observability.InjectHeaders(ctx, pub.Headers)
	return pub, nil
}

// Consume binds routingKey on the client's queue (or the one named with
// WithQueue) and delivers matching messages to callback. The subscription
// is replayed after every reconnection.
func (c *Client) Consume(ctx context.Context, routingKey string, callback Callback, opts ...ConsumeOption) bool {
	s := consumeSettings{queue: c.cfg.Queue}
	for _, opt := range opts {
		opt(&s)
	}

	if !c.Connected() && !c.Connect(ctx) {
		c.logger.Error("cannot start consumer: not connected to broker", "routing_key", routingKey)
		return false
	}

	sub := &subscription{
		routingKey: routingKey,
		queue:      s.queue,
		autoAck:    s.autoAck,
		callback:   callback,
	}
	if err := c.bind(sub); err != nil {
		c.logger.Error("failed to start consumer", "routing_key", routingKey, "queue", s.queue, "error", err)
		return false
	}

	c.subsMu.Lock()
	c.subs[subKey{queue: sub.queue, routingKey: routingKey}] = sub
	c.subsMu.Unlock()

	c.logger.Info("started consuming messages", "routing_key", routingKey, "queue", s.queue, "auto_ack", s.autoAck)
	return true
}

// Subscriptions returns the bound routing keys in sorted order. A key bound
// on several queues is listed once.
func (c *Client) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k.routingKey)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (c *Client) subscriptionsFor(queue string) []*subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	var out []*subscription
	for _, s := range c.subs {
		if s.queue == queue {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *subscription) int {
		return strings.Compare(a.routingKey, b.routingKey)
	})
	return out
}

// bind declares the subscription's queue if needed, binds the routing key
// and starts the queue's consumer when it has none on this channel.
func (c *Client) bind(sub *subscription) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.RLock()
	ch := c.ch
	declared := c.declared[sub.queue]
	existing := c.consumers[sub.queue]
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	if existing != nil && existing.autoAck != sub.autoAck {
		return fmt.Errorf("%w: %s", ErrAckModeMismatch, sub.queue)
	}

	if !declared {
		if _, err := ch.QueueDeclare(sub.queue, true, false, false, false, c.cfg.queueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", sub.queue, err)
		}
		c.mu.Lock()
		c.declared[sub.queue] = true
		c.mu.Unlock()
	}

	if err := ch.QueueBind(sub.queue, sub.routingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s: %w", sub.queue, sub.routingKey, err)
	}

	if existing != nil {
		return nil
	}

	deliveries, err := ch.Consume(sub.queue, c.consumerTag(sub.queue), sub.autoAck, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.queue, err)
	}
	qc := &queueConsumer{queue: sub.queue, autoAck: sub.autoAck}
	c.mu.Lock()
	c.consumers[sub.queue] = qc
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop(qc, deliveries)
	return nil
}

func (c *Client) consumerTag(queue string) string {
	return fmt.Sprintf("%s.%s", c.cfg.Name, queue)
}

// Close stops reconnection, closes the channel and connection and clears
// every subscription. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.reconnectMu.Lock()
		c.closed.Store(true)
		c.reconnectMu.Unlock()

		c.setState(StateClosing)
		c.cancel()

		c.connMu.Lock()
		c.mu.Lock()
		conn, ch := c.conn, c.ch
		c.conn, c.ch = nil, nil
		clear(c.consumers)
		c.mu.Unlock()

		var errs []error
		if ch != nil {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if conn != nil && !conn.IsClosed() {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		c.connMu.Unlock()

		c.wg.Wait()

		c.subsMu.Lock()
		clear(c.subs)
		c.subsMu.Unlock()
		c.ledger.reset()

		c.setState(StateClosed)
		c.closeErr = errors.Join(errs...)
		c.logger.Info("closed broker connection")
	})
	return c.closeErr
}
