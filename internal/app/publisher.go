/**
 * @description
 * Bus publisher adapters: thin bridges from domain events onto the shared
 * topic exchange. They satisfy the ledger's and tracker's publisher
 * interfaces without either package knowing about AMQP.
 */

package app

import (
	"context"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

// BusPublisher publishes engine events to the shared exchange.
type BusPublisher struct {
	producer *rabbitmq.Producer
}

// NewBusPublisher wraps a connected producer.
func NewBusPublisher(producer *rabbitmq.Producer) *BusPublisher {
	return &BusPublisher{producer: producer}
}

// PublishChainEvent emits a tracker observation.
func (b *BusPublisher) PublishChainEvent(ctx context.Context, ev domain.ChainEvent) error {
	return b.producer.Publish(ctx, domain.Exchange, ev.RoutingKey(), ev.DedupKey(), ev)
}

// PublishTransition emits a payment state transition.
func (b *BusPublisher) PublishTransition(ctx context.Context, ev domain.TransitionEvent) error {
	return b.producer.Publish(ctx, domain.Exchange, ev.RoutingKey(), ev.DedupKey(), ev)
}
