/**
 * @description
 * Bus-facing surface of the wallet authority process. Commands arrive under
 * wallet.derive and wallet.sign; replies are published under wallet.derived
 * and wallet.signed with the originating request id. Failures are answered
 * as error replies, not requeued: the requester owns the retry decision.
 *
 * @dependencies
 * - internal/wallet: The authority holding key material.
 * - pkg/rabbitmq: Bindings and reply publication.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/wallet"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

// WalletService answers derive and sign commands for the authority.
type WalletService struct {
	authority *wallet.Authority
	producer  *rabbitmq.Producer
}

// NewWalletService creates the service.
func NewWalletService(authority *wallet.Authority, producer *rabbitmq.Producer) *WalletService {
	return &WalletService{authority: authority, producer: producer}
}

// Start binds the authority's command queue. The queue is shared: running
// several walletd replicas against the same wallet schema is safe because
// index allocation is atomic in storage.
func (s *WalletService) Start(consumer *rabbitmq.Consumer) error {
	return consumer.ConsumeWithBindings(domain.Exchange, "settlement.wallet.commands", map[string]rabbitmq.Handler{
		domain.RouteDeriveCommand: s.handleDerive,
		domain.RouteSignCommand:   s.handleSign,
	})
}

func (s *WalletService) handleDerive(body []byte) bool {
	var cmd domain.DeriveCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Printf("walletd: malformed derive command, dropping: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	reply := domain.DeriveReply{RequestID: cmd.RequestID}
	alloc, err := s.authority.Derive(ctx, cmd.Rail, cmd.PaymentID)
	if err != nil {
		log.Printf("walletd: derive for payment %s on %s failed: %v", cmd.PaymentID, cmd.Rail, err)
		reply.Err = err.Error()
	} else {
		reply.Handle = alloc.Handle
		reply.Address = alloc.Address
		log.Printf("walletd: derived address on %s for payment %s (index %d)", cmd.Rail, cmd.PaymentID, alloc.Index)
	}
	return s.reply(ctx, domain.RouteDeriveReply, "derived:"+cmd.RequestID.String(), reply)
}

func (s *WalletService) handleSign(body []byte) bool {
	var cmd domain.SignCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Printf("walletd: malformed sign command, dropping: %v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	reply := domain.SignReply{RequestID: cmd.RequestID}
	signed, err := s.authority.Sign(ctx, cmd.Handle, cmd.Shape)
	if err != nil {
		log.Printf("walletd: sign request %s refused: %v", cmd.RequestID, err)
		reply.Err = err.Error()
	} else {
		reply.Signed = signed
		log.Printf("walletd: signed %s transaction %s", signed.Rail, signed.TxID)
	}
	return s.reply(ctx, domain.RouteSignReply, "signed:"+cmd.RequestID.String(), reply)
}

func (s *WalletService) reply(ctx context.Context, routingKey, dedupKey string, payload interface{}) bool {
	deadline := time.Now().Add(5 * time.Second)
	pubCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := s.producer.Publish(pubCtx, domain.Exchange, routingKey, dedupKey, payload); err != nil {
		log.Printf("walletd: failed to publish reply %s: %v", routingKey, err)
		return false
	}
	return true
}
