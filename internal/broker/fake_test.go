package broker

import (
	"context"
	"errors"
	"slices"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for RabbitMQ. Queues and bindings
// outlive connections, consumers belong to a channel, and a requeued
// delivery is pushed back to the queue's current consumer.
type fakeBroker struct {
	mu        sync.Mutex
	dials     int
	failDials int
	conns     []*fakeConn
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[string][]string
	published []fakePublish
	qos       int
	nextTag   uint64
	pending   map[uint64]pendingDelivery
	settled   []settlement
}

type fakePublish struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type pendingDelivery struct {
	queue    string
	delivery amqp.Delivery
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		bindings:  make(map[string][]string),
		pending:   make(map[uint64]pendingDelivery),
	}
}

// setFailDials makes the next n dials fail; a negative n fails every dial.
func (b *fakeBroker) setFailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

func (b *fakeBroker) dial(string, amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		return nil, errors.New("dial tcp: connection refused")
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) current() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) publishes() []fakePublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

func (b *fakeBroker) settlements() []settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.settled)
}

func (b *fakeBroker) bound(queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.bindings[queue])
}

func (b *fakeBroker) queueArgs(queue string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	args, ok := b.queues[queue]
	return args, ok
}

func (b *fakeBroker) exchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

func (b *fakeBroker) prefetch() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.qos
}

// deliver pushes a raw delivery to the consumer of queue.
func (b *fakeBroker) deliver(queue string, d amqp.Delivery) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliverLocked(queue, d)
}

func (b *fakeBroker) deliverLocked(queue string, d amqp.Delivery) bool {
	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = b
	for _, conn := range slices.Backward(b.conns) {
		ch := conn.channel()
		if ch != nil && ch.push(queue, d) {
			b.pending[d.DeliveryTag] = pendingDelivery{queue: queue, delivery: d}
			return true
		}
	}
	return false
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, tag)
	b.settled = append(b.settled, settlement{tag: tag, ack: true})
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[tag]
	delete(b.pending, tag)
	b.settled = append(b.settled, settlement{tag: tag, requeue: requeue})
	if requeue && ok {
		d := p.delivery
		d.Redelivered = true
		b.deliverLocked(p.queue, d)
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

type fakeConn struct {
	broker *fakeBroker

	mu     sync.Mutex
	ch     *fakeChannel
	notify []chan *amqp.Error
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.ch = &fakeChannel{broker: c.broker, consumers: make(map[string]*fakeConsumer)}
	return c.ch, nil
}

func (c *fakeConn) channel() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	return c.shutdown(nil)
}

// drop simulates the server or network closing the connection.
func (c *fakeConn) drop(cause *amqp.Error) {
	_ = c.shutdown(cause)
}

func (c *fakeConn) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	if c.ch != nil {
		c.ch.shutdownWith(cause)
	}
	for _, n := range c.notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
	return nil
}

type fakeConsumer struct {
	autoAck    bool
	deliveries chan amqp.Delivery
}

type fakeChannel struct {
	broker *fakeBroker

	mu         sync.Mutex
	closed     bool
	consumers  map[string]*fakeConsumer
	notify     []chan *amqp.Error
	publishErr error
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if !slices.Contains(ch.broker.bindings[name], key) {
		ch.broker.bindings[name] = append(ch.broker.bindings[name], key)
	}
	return nil
}

func (ch *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if _, ok := ch.consumers[queue]; ok {
		return nil, errors.New("consumer already exists")
	}
	c := &fakeConsumer{autoAck: autoAck, deliveries: make(chan amqp.Delivery, 64)}
	ch.consumers[queue] = c
	return c.deliveries, nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	closed, publishErr := ch.closed, ch.publishErr
	ch.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	if publishErr != nil {
		return publishErr
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, fakePublish{exchange: exchange, key: key, msg: msg})
	for queue, patterns := range b.bindings {
		if !slices.ContainsFunc(patterns, func(p string) bool { return topicMatch(p, key) }) {
			continue
		}
		b.deliverLocked(queue, amqp.Delivery{
			ContentType:   msg.ContentType,
			Headers:       msg.Headers,
			DeliveryMode:  msg.DeliveryMode,
			Priority:      msg.Priority,
			CorrelationId: msg.CorrelationId,
			Expiration:    msg.Expiration,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		})
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.shutdown()
	return nil
}

func (ch *fakeChannel) shutdown() {
	ch.shutdownWith(nil)
}

// abort simulates the server closing only the channel, as it does on a
// failed declaration or a publish to a missing exchange.
func (ch *fakeChannel) abort(cause *amqp.Error) {
	ch.shutdownWith(cause)
}

func (ch *fakeChannel) shutdownWith(cause *amqp.Error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		close(c.deliveries)
	}
	for _, n := range ch.notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}

func (ch *fakeChannel) hasConsumer(queue string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, ok := ch.consumers[queue]
	return ok && !ch.closed
}

func (ch *fakeChannel) failPublishes(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.publishErr = err
}

func (ch *fakeChannel) push(queue string, d amqp.Delivery) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c, ok := ch.consumers[queue]
	if ch.closed || !ok {
		return false
	}
	select {
	case c.deliveries <- d:
		return true
	default:
		return false
	}
}
