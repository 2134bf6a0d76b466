/**
 * @description
 * Bus-side client for the wallet authority. The server never links the key
 * material: derive and sign are request/reply round trips over the shared
 * exchange, correlated by request id. Replies that arrive after the waiter
 * gave up are acknowledged and dropped.
 *
 * @dependencies
 * - pkg/rabbitmq: Publish commands, consume replies.
 * - internal/domain: Command and reply payloads.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

// ErrWalletTimeout is returned when the authority does not answer within the
// client's deadline.
var ErrWalletTimeout = errors.New("wallet authority did not reply in time")

// WalletClient implements the ledger's AddressDeriver and the broadcaster's
// signer against the wallet authority process.
type WalletClient struct {
	producer *rabbitmq.Producer
	timeout  time.Duration

	mu          sync.Mutex
	deriveWaits map[uuid.UUID]chan domain.DeriveReply
	signWaits   map[uuid.UUID]chan domain.SignReply
}

// NewWalletClient creates the client. timeout bounds each round trip.
func NewWalletClient(producer *rabbitmq.Producer, timeout time.Duration) *WalletClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WalletClient{
		producer:    producer,
		timeout:     timeout,
		deriveWaits: make(map[uuid.UUID]chan domain.DeriveReply),
		signWaits:   make(map[uuid.UUID]chan domain.SignReply),
	}
}

// ReplyBindings are the consumer bindings that route authority replies back
// to their waiters. The queue must be exclusive to this process instance so
// replies are not split across servers.
func (w *WalletClient) ReplyBindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		domain.RouteDeriveReply: w.handleDeriveReply,
		domain.RouteSignReply:   w.handleSignReply,
	}
}

// ReplyQueueName returns a per-instance queue name for reply consumption.
func ReplyQueueName() string {
	return "settlement.wallet-replies." + uuid.NewString()
}

// Derive requests a fresh receiving address for a payment.
func (w *WalletClient) Derive(ctx context.Context, rail string, paymentID uuid.UUID) (handle, address string, err error) {
	cmd := domain.DeriveCommand{
		RequestID: uuid.New(),
		Rail:      rail,
		PaymentID: paymentID,
	}

	ch := make(chan domain.DeriveReply, 1)
	w.mu.Lock()
	w.deriveWaits[cmd.RequestID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.deriveWaits, cmd.RequestID)
		w.mu.Unlock()
	}()

	if err := w.producer.Publish(ctx, domain.Exchange, domain.RouteDeriveCommand, cmd.DedupKey(), cmd); err != nil {
		return "", "", fmt.Errorf("publish derive command: %w", err)
	}

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-time.After(w.timeout):
		return "", "", ErrWalletTimeout
	case reply := <-ch:
		if reply.Err != "" {
			return "", "", errors.New(reply.Err)
		}
		return reply.Handle, reply.Address, nil
	}
}

// Sign requests a signature over a transaction shape from the key behind a
// handle.
func (w *WalletClient) Sign(ctx context.Context, handle string, shape domain.TxShape) (*domain.SignedTx, error) {
	cmd := domain.SignCommand{
		RequestID: uuid.New(),
		Handle:    handle,
		Shape:     shape,
	}

	ch := make(chan domain.SignReply, 1)
	w.mu.Lock()
	w.signWaits[cmd.RequestID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.signWaits, cmd.RequestID)
		w.mu.Unlock()
	}()

	if err := w.producer.Publish(ctx, domain.Exchange, domain.RouteSignCommand, cmd.DedupKey(), cmd); err != nil {
		return nil, fmt.Errorf("publish sign command: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.timeout):
		return nil, ErrWalletTimeout
	case reply := <-ch:
		if reply.Err != "" {
			return nil, errors.New(reply.Err)
		}
		return reply.Signed, nil
	}
}

func (w *WalletClient) handleDeriveReply(body []byte) bool {
	var reply domain.DeriveReply
	if err := json.Unmarshal(body, &reply); err != nil {
		log.Printf("wallet-client: malformed derive reply: %v", err)
		return true
	}
	w.mu.Lock()
	ch, ok := w.deriveWaits[reply.RequestID]
	w.mu.Unlock()
	if !ok {
		// Waiter timed out; the allocation retry loop will issue a new request.
		log.Printf("wallet-client: dropping late derive reply %s", reply.RequestID)
		return true
	}
	ch <- reply
	return true
}

func (w *WalletClient) handleSignReply(body []byte) bool {
	var reply domain.SignReply
	if err := json.Unmarshal(body, &reply); err != nil {
		log.Printf("wallet-client: malformed sign reply: %v", err)
		return true
	}
	w.mu.Lock()
	ch, ok := w.signWaits[reply.RequestID]
	w.mu.Unlock()
	if !ok {
		log.Printf("wallet-client: dropping late sign reply %s", reply.RequestID)
		return true
	}
	ch <- reply
	return true
}
