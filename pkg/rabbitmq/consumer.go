/**
 * @description
 * RabbitMQ consumer with routing-key bindings and idempotent handling.
 * Each queue gets its own channel so consumption is parallel across
 * partitions and sequential within one.
 *
 * Delivery contract: handlers return true to acknowledge, false to requeue.
 * A delivery whose dedup key was already seen is acknowledged without being
 * handed to the handler.
 */

package rabbitmq

import (
	"context"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Deduper is the bounded recent-delivery window consulted before a message
// reaches a handler.
type Deduper interface {
	// Seen records the key and reports whether it was already present.
	Seen(ctx context.Context, key string) (bool, error)
}

// Handler processes one message body; returns true to ack, false to requeue.
type Handler func(body []byte) bool

// Consumer consumes queues bound to the shared topic exchange.
type Consumer struct {
	conn    *amqp091.Connection
	deduper Deduper
}

// NewConsumer connects to RabbitMQ. deduper may be nil to disable the
// idempotency window (commands that are idempotent by construction).
func NewConsumer(amqpURL string, deduper Deduper) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, deduper: deduper}, nil
}

// ConsumeWithBindings declares a durable queue bound to the exchange under
// each routing key and dispatches deliveries to the matching handler on a
// dedicated channel.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[matchKey(handlers, d.RoutingKey)]
			if !ok {
				log.Printf("bus[%s]: no handler for routing key %s; acknowledging to drop", queueName, d.RoutingKey)
				d.Ack(false)
				continue
			}
			if c.alreadySeen(d) {
				log.Printf("bus[%s]: duplicate delivery %s; acknowledging without reapplication", queueName, d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("bus[%s]: handler for %s failed; re-queuing", queueName, d.RoutingKey)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

// matchKey resolves a delivery routing key against bindings, honoring a
// trailing "*" topic wildcard in the binding pattern.
func matchKey(handlers map[string]Handler, routingKey string) string {
	if _, ok := handlers[routingKey]; ok {
		return routingKey
	}
	for pattern := range handlers {
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			prefix := pattern[:len(pattern)-1]
			if len(routingKey) >= len(prefix) && routingKey[:len(prefix)] == prefix {
				return pattern
			}
		}
	}
	return routingKey
}

func (c *Consumer) alreadySeen(d amqp091.Delivery) bool {
	if c.deduper == nil {
		return false
	}
	key, ok := d.Headers[DedupHeader].(string)
	if !ok || key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seen, err := c.deduper.Seen(ctx, key)
	if err != nil {
		// On a window failure fall through to the handler; the ledger's own
		// dedup rules keep effects exactly-once.
		log.Printf("bus: dedup window error for key %s: %v", key, err)
		return false
	}
	return seen
}

// Close closes the underlying connection (and with it all channels).
func (c *Consumer) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
