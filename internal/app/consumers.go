/**
 * @description
 * Server-side bus consumers. Chain events from the trackers feed the ledger;
 * payment transitions fan out to merchant webhooks and live sockets. All
 * handlers follow the ack/requeue contract: business rejections (duplicates,
 * stale sequences, anomalies) acknowledge, infrastructure failures requeue.
 *
 * @dependencies
 * - pkg/rabbitmq: Queue bindings and delivery contract.
 * - internal/ledger: Transition logic.
 * - internal/notify: Webhook dispatcher and websocket hub.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/ledger"
	"github.com/anypay/settlement-engine/internal/notify"
	"github.com/anypay/settlement-engine/internal/store"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

const handlerTimeout = 30 * time.Second

// Consumers wires bus deliveries into the server's components.
type Consumers struct {
	ledger     *ledger.Ledger
	repo       store.Repository
	dispatcher *notify.Dispatcher
	hub        *notify.Hub
	// autoSettle settles a payment as soon as it confirms instead of waiting
	// for an operator-driven settle call.
	autoSettle bool
}

// NewConsumers creates the consumer set.
func NewConsumers(l *ledger.Ledger, repo store.Repository, dispatcher *notify.Dispatcher, hub *notify.Hub, autoSettle bool) *Consumers {
	return &Consumers{
		ledger:     l,
		repo:       repo,
		dispatcher: dispatcher,
		hub:        hub,
		autoSettle: autoSettle,
	}
}

// Start binds the server's queues on the shared exchange. Chain events and
// transitions use separate durable queues so a webhook backlog never delays
// ledger updates.
func (c *Consumers) Start(consumer *rabbitmq.Consumer) error {
	if err := consumer.ConsumeWithBindings(domain.Exchange, "settlement.server.chain", map[string]rabbitmq.Handler{
		"chain.event.*":    c.handleChainEvent,
		"chain.rollback.*": c.handleChainEvent,
	}); err != nil {
		return err
	}
	return consumer.ConsumeWithBindings(domain.Exchange, "settlement.server.transitions", map[string]rabbitmq.Handler{
		"payment.*": c.handleTransition,
	})
}

func (c *Consumers) handleChainEvent(body []byte) bool {
	var ev domain.ChainEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("consumer: malformed chain event, dropping: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	tr, err := c.ledger.ApplyChainEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrSettledRollbackAnomaly) {
			// Recorded in the audit trail for reconciliation; redelivery would
			// only re-raise it.
			log.Printf("consumer: rollback against settled payment %s (tx %s), anomaly recorded",
				tr.PaymentID, ev.TxID)
			return true
		}
		log.Printf("consumer: failed to apply chain event for %s/%s: %v", ev.Rail, ev.TxID, err)
		return false
	}

	if !tr.Applied {
		log.Printf("consumer: chain event %s/%s not applied: %s", ev.Rail, ev.TxID, tr.Reason)
		return true
	}

	if c.autoSettle && tr.To == domain.StateConfirmed && tr.From != domain.StateConfirmed {
		if _, err := c.ledger.Settle(ctx, tr.PaymentID); err != nil {
			// The payment stays Confirmed; the settle sweep loop retries.
			log.Printf("consumer: auto-settle of payment %s failed: %v", tr.PaymentID, err)
		}
	}
	return true
}

func (c *Consumers) handleTransition(body []byte) bool {
	var ev domain.TransitionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("consumer: malformed transition event, dropping: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if c.hub != nil {
		c.hub.Broadcast(ev)
	}

	if c.dispatcher == nil {
		return true
	}
	// The wire payload omits the merchant id; resolve it from the payment.
	p, err := c.repo.GetPayment(ctx, ev.PaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Printf("consumer: transition for unknown payment %s, dropping", ev.PaymentID)
			return true
		}
		return false
	}
	ev.MerchantID = p.MerchantID

	if err := c.dispatcher.Notify(ctx, ev); err != nil {
		if errors.Is(err, domain.ErrDeliveryFailed) {
			// Parked for replay; delivery failures never hold up the queue.
			return true
		}
		log.Printf("consumer: notify for payment %s failed: %v", ev.PaymentID, err)
		return false
	}
	return true
}
