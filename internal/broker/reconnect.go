package broker

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	metrics "github.com/aixgo-dev/sentinel/pkg/observability"
)

// watch waits for conn or its channel to close. A connection close without
// an error is the result of Close and needs no repair. The server may close
// only the channel, which leaves the connection open but unusable.
func (c *Client) watch(conn Connection, connCloses, chCloses <-chan *amqp.Error) {
	defer c.wg.Done()

	select {
	case err, ok := <-connCloses:
		if !ok || err == nil {
			c.logger.Debug("broker connection closed")
			return
		}
		c.onConnectionClosed(conn, err)
	case err := <-chCloses:
		c.onChannelClosed(conn, err)
	case <-c.ctx.Done():
	}
}

func (c *Client) onConnectionClosed(conn Connection, cause *amqp.Error) {
	if !c.detach(conn) || c.closed.Load() {
		return
	}
	c.logger.Warn("broker connection lost",
		"code", cause.Code,
		"reason", cause.Reason,
		"server", cause.Server,
		"recoverable", cause.Recover,
	)
	c.scheduleReconnect()
}

// onChannelClosed handles a channel that died while its connection may
// still be open. The connection is closed and replaced like a dropped one.
func (c *Client) onChannelClosed(conn Connection, cause *amqp.Error) {
	if conn.IsClosed() && cause != nil {
		c.onConnectionClosed(conn, cause)
		return
	}
	if !c.detach(conn) {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("failed to close connection after channel loss", "error", err)
	}
	if c.closed.Load() {
		return
	}
	if cause != nil {
		c.logger.Warn("broker channel closed",
			"code", cause.Code,
			"reason", cause.Reason,
			"server", cause.Server,
		)
	} else {
		c.logger.Warn("broker channel closed")
	}
	c.scheduleReconnect()
}

// detach clears the handles if conn is still the current connection. It
// reports false when a newer connection or Close already replaced it.
func (c *Client) detach(conn Connection) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn, c.ch = nil, nil
	c.consumers = make(map[string]*queueConsumer)
	c.declared = make(map[string]bool)
	c.state = StateDisconnected
	c.mu.Unlock()
	metrics.SetConnectionState(c.cfg.Name, int(StateDisconnected))
	return true
}

// scheduleReconnect starts the reconnect loop unless one is already running.
func (c *Client) scheduleReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnecting || c.closed.Load() {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries Connect until the client is connected again or
// closed, replaying every subscription after each successful connect.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		if !c.sleep(c.ctx, c.cfg.ReconnectInterval) {
			return
		}

		c.logger.Info("attempting to reconnect to broker", "attempt", attempt)
		if c.Connect(c.ctx) {
			c.replay()
			metrics.RecordReconnect(c.cfg.Name, "ok")
			c.logger.Info("reconnected to broker", "attempt", attempt)
		} else {
			metrics.RecordReconnect(c.cfg.Name, "failed")
		}

		c.reconnectMu.Lock()
		done := c.closed.Load() || c.Connected()
		if done {
			c.reconnecting = false
		}
		c.reconnectMu.Unlock()
		if done {
			return
		}
	}
}

// replay rebinds every recorded subscription on the current channel.
func (c *Client) replay() {
	c.subsMu.Lock()
	subs := slices.SortedFunc(maps.Values(c.subs), func(a, b *subscription) int {
		return cmp.Or(strings.Compare(a.queue, b.queue), strings.Compare(a.routingKey, b.routingKey))
	})
	c.subsMu.Unlock()

	for _, sub := range subs {
		if err := c.bind(sub); err != nil {
			c.logger.Error("failed to restore consumer", "routing_key", sub.routingKey, "queue", sub.queue, "error", err)
			continue
		}
		c.logger.Info("restored consumer", "routing_key", sub.routingKey, "queue", sub.queue)
	}
}
