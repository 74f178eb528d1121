package broker

import (
	"context"
	"errors"
	"math"
	"runtime/debug"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/sentinel/agent"
	"github.com/aixgo-dev/sentinel/internal/observability"
	metrics "github.com/aixgo-dev/sentinel/pkg/observability"
)

// Delivery outcomes reported to metrics.
const (
	outcomeAck        = "ack"
	outcomeAuto       = "auto"
	outcomeRequeued   = "requeued"
	outcomeExhausted  = "exhausted"
	outcomeDeadLetter = "dead_letter"
	outcomePoison     = "poison"
	outcomeUnroutable = "unroutable"
)

func (c *Client) consumeLoop(qc *queueConsumer, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Debug("delivery channel closed", "queue", qc.queue)
				return
			}
			c.handleDelivery(qc, d)
		case <-c.ctx.Done():
			return
		}
	}
}

// handleDelivery decodes d, runs the matching callback and settles the
// delivery. Bodies that cannot be decoded are rejected without requeue so
// they do not loop forever.
func (c *Client) handleDelivery(qc *queueConsumer, d amqp.Delivery) {
	sub := c.route(qc.queue, d.RoutingKey)
	if sub == nil {
		c.logger.Warn("no subscription for delivery", "queue", qc.queue, "routing_key", d.RoutingKey)
		c.reject(qc, d, outcomeUnroutable)
		return
	}

	msg, err := c.decode(d)
	if err != nil {
		c.logger.Error("failed to decode message",
			"queue", qc.queue,
			"routing_key", d.RoutingKey,
			"message_id", d.MessageId,
			"content_type", d.ContentType,
			"error", err,
		)
		c.reject(qc, d, outcomePoison)
		return
	}

	ctx, span := observability.StartSpan(observability.ExtractHeaders(c.ctx, d.Headers), "broker.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", qc.queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
			attribute.String("messaging.message.id", msg.Header.ID),
		),
	)
	defer span.End()

	err = invokeCallback(ctx, sub.callback, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
	}

	if qc.autoAck {
		if err != nil {
			c.logger.Error("message callback failed", "message_id", msg.Header.ID, "routing_key", d.RoutingKey, "error", err)
		}
		metrics.RecordDelivery(qc.queue, outcomeAuto)
		return
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "message_id", msg.Header.ID, "error", ackErr)
		}
		c.ledger.forget(msg.Header.ID)
		metrics.RecordDelivery(qc.queue, outcomeAck)
		return
	}

	c.retryOrDrop(qc, d, msg, err)
}

// retryOrDrop requeues a failed delivery while it has redeliveries left and
// rejects it for good afterwards.
func (c *Client) retryOrDrop(qc *queueConsumer, d amqp.Delivery, msg agent.Message, cause error) {
	id := msg.Header.ID
	retries := max(headerRetries(d.Headers), c.ledger.count(id))

	if retries < c.cfg.MaxRedeliveries {
		n := c.ledger.increment(id, retries)
		c.logger.Warn("message callback failed, requeueing",
			"message_id", id,
			"routing_key", d.RoutingKey,
			"retry", n,
			"max_redeliveries", c.cfg.MaxRedeliveries,
			"error", cause,
		)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue message", "message_id", id, "error", err)
		}
		metrics.RecordDelivery(qc.queue, outcomeRequeued)
		return
	}

	c.ledger.forget(id)
	outcome := outcomeExhausted
	if c.cfg.DeadLetterExchange != "" {
		outcome = outcomeDeadLetter
	}
	c.logger.Error("message exhausted redeliveries, rejecting",
		"message_id", id,
		"routing_key", d.RoutingKey,
		"retries", retries,
		"dead_letter_exchange", c.cfg.DeadLetterExchange,
		"error", cause,
	)
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("failed to reject message", "message_id", id, "error", err)
	}
	metrics.RecordDelivery(qc.queue, outcome)
}

func (c *Client) reject(qc *queueConsumer, d amqp.Delivery, outcome string) {
	if !qc.autoAck {
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to reject message", "message_id", d.MessageId, "error", err)
		}
	}
	metrics.RecordDelivery(qc.queue, outcome)
}

// route picks the subscription for a delivery on queue. An exact binding
// wins over wildcard patterns.
func (c *Client) route(queue, routingKey string) *subscription {
	subs := c.subscriptionsFor(queue)
	for _, s := range subs {
		if s.routingKey == routingKey {
			return s
		}
	}
	for _, s := range subs {
		if topicMatch(s.routingKey, routingKey) {
			return s
		}
	}
	return nil
}

// decode picks the codec by content type, falling back to the configured one.
func (c *Client) decode(d amqp.Delivery) (agent.Message, error) {
	codec, ok := c.codecs[d.ContentType]
	if !ok {
		codec = c.cfg.Codec
	}
	if len(d.Body) == 0 {
		return agent.Message{}, errors.Join(ErrDecode, errors.New("empty body"))
	}
	return codec.Decode(d.Body)
}

func invokeCallback(ctx context.Context, cb Callback, msg agent.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &agent.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return cb(ctx, msg)
}

// headerRetries reads the retry count header in any of the integer forms
// AMQP tables carry.
func headerRetries(h amqp.Table) int {
	switch v := h[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(min(v, math.MaxInt32))
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
