/**
 * @description
 * This package provides the RabbitMQ producer and consumer used by every
 * settlement engine process. It abstracts connecting, declaring the shared
 * topic exchange, and publishing/consuming JSON messages.
 *
 * Key features:
 * - Manages the AMQP connection and channel.
 * - Declares a topic exchange so routing keys partition traffic per rail
 *   and per message kind.
 * - Stamps every published message with a deduplication key header; the
 *   consumer side pairs it with a dedup window for idempotent handling.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The official Go client for RabbitMQ.
 */

package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"
)

// DedupHeader is the AMQP header carrying the message deduplication key.
const DedupHeader = "x-dedup-key"

// Producer publishes events to the shared topic exchange.
type Producer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewProducer creates and returns a new Producer.
func NewProducer(amqpURL string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Producer{conn: conn, channel: channel}, nil
}

// Publish sends a JSON-encoded message to the exchange under a routing key,
// carrying dedupKey in the message headers.
func (p *Producer) Publish(ctx context.Context, exchange, routingKey, dedupKey string, body interface{}) error {
	err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return err
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	headers := amqp091.Table{}
	if dedupKey != "" {
		headers[DedupHeader] = dedupKey
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Headers:      headers,
			Body:         jsonBody,
		})
	if err != nil {
		return err
	}

	log.Printf("bus: published %s dedup=%s", routingKey, dedupKey)
	return nil
}

// Close gracefully closes the channel and connection.
func (p *Producer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
