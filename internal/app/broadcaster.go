/**
 * @description
 * Outbound transaction worker: drives requested sweeps through sign and
 * broadcast. Signing happens once; a broadcast that times out is retried
 * with the exact same signed bytes, so the transaction id never changes
 * across attempts and a late first broadcast cannot double spend.
 *
 * @dependencies
 * - internal/chain: Fee estimation and broadcast per rail.
 * - internal/store: Outbound transaction state.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// Signer signs a transaction shape with the key behind a handle. The bus
// wallet client implements it; tests use a stub.
type Signer interface {
	Sign(ctx context.Context, handle string, shape domain.TxShape) (*domain.SignedTx, error)
}

// Broadcaster executes outbound transaction requests.
type Broadcaster struct {
	repo     store.Repository
	signer   Signer
	adapters map[string]chain.Adapter
	params   *chaincfg.Params

	interval         time.Duration
	broadcastTimeout time.Duration
}

// NewBroadcaster creates the worker. adapters maps rail -> chain adapter.
func NewBroadcaster(repo store.Repository, signer Signer, adapters map[string]chain.Adapter, params *chaincfg.Params, interval, broadcastTimeout time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = time.Minute
	}
	if broadcastTimeout <= 0 {
		broadcastTimeout = 20 * time.Second
	}
	return &Broadcaster{
		repo:             repo,
		signer:           signer,
		adapters:         adapters,
		params:           params,
		interval:         interval,
		broadcastTimeout: broadcastTimeout,
	}
}

// Run processes outbound requests until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	log.Printf("broadcaster: started, sweeping every %s", b.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("broadcaster: stopped")
			return
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

func (b *Broadcaster) runOnce(ctx context.Context) {
	// Signed-but-unbroadcast requests first: they hold a stable txid and must
	// be resent before any new work is signed.
	signed, err := b.repo.ListOutboundByState(ctx, domain.OutboundSigned, 50)
	if err != nil {
		log.Printf("broadcaster: failed to list signed outbound: %v", err)
		return
	}
	for i := range signed {
		b.broadcastSigned(ctx, &signed[i])
	}

	requested, err := b.repo.ListOutboundByState(ctx, domain.OutboundRequested, 50)
	if err != nil {
		log.Printf("broadcaster: failed to list requested outbound: %v", err)
		return
	}
	for i := range requested {
		if err := b.process(ctx, &requested[i]); err != nil {
			log.Printf("broadcaster: outbound %s failed: %v", requested[i].ID, err)
		}
	}
}

func (b *Broadcaster) process(ctx context.Context, tx *domain.OutboundTransaction) error {
	adapter, ok := b.adapters[tx.Rail]
	if !ok {
		return b.reject(ctx, tx, fmt.Sprintf("no adapter for rail %s", tx.Rail))
	}
	if len(tx.PaymentIDs) == 0 {
		return b.reject(ctx, tx, "outbound request references no payment")
	}
	p, err := b.repo.GetPayment(ctx, tx.PaymentIDs[0])
	if err != nil {
		return err
	}
	if p.DerivationHandle == "" {
		return b.reject(ctx, tx, "payment has no derivation handle")
	}

	shape, err := b.buildShape(tx, p)
	if err != nil {
		return b.reject(ctx, tx, err.Error())
	}
	fee, err := adapter.EstimateFee(ctx, shape)
	if err != nil {
		// Transient; retried next pass.
		return fmt.Errorf("estimate fee: %w", err)
	}
	shape.Fee = fee
	shape.Amount = tx.Amount.Sub(fee)
	if !shape.Amount.IsPositive() {
		return b.reject(ctx, tx, fmt.Sprintf("amount %s does not cover fee %s", tx.Amount, fee))
	}

	signedTx, err := b.signer.Sign(ctx, p.DerivationHandle, shape)
	if err != nil {
		return b.reject(ctx, tx, "signing refused: "+err.Error())
	}

	tx.State = domain.OutboundSigned
	tx.TxID = signedTx.TxID
	tx.SignedRaw = signedTx.Raw
	tx.LastError = ""
	if err := b.repo.UpdateOutbound(ctx, tx); err != nil {
		return err
	}
	return b.broadcastSigned(ctx, tx)
}

// broadcastSigned resends the stored signed bytes until the rail accepts
// them. Each attempt is bounded; the request stays in Signed on failure and
// is retried next pass with the same bytes.
func (b *Broadcaster) broadcastSigned(ctx context.Context, tx *domain.OutboundTransaction) error {
	adapter, ok := b.adapters[tx.Rail]
	if !ok {
		return b.reject(ctx, tx, fmt.Sprintf("no adapter for rail %s", tx.Rail))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, b.broadcastTimeout)
	defer cancel()

	txID, err := adapter.Broadcast(attemptCtx, domain.SignedTx{Rail: tx.Rail, TxID: tx.TxID, Raw: tx.SignedRaw})
	if err != nil {
		tx.LastError = err.Error()
		if uerr := b.repo.UpdateOutbound(ctx, tx); uerr != nil {
			return uerr
		}
		return fmt.Errorf("broadcast: %w", err)
	}

	tx.State = domain.OutboundBroadcast
	tx.TxID = txID
	tx.LastError = ""
	if err := b.repo.UpdateOutbound(ctx, tx); err != nil {
		return err
	}
	log.Printf("broadcaster: outbound %s broadcast as %s on %s", tx.ID, txID, tx.Rail)
	return nil
}

// buildShape assembles the rail-specific transaction shape for a sweep of
// one payment's receiving address.
func (b *Broadcaster) buildShape(tx *domain.OutboundTransaction, p *domain.Payment) (domain.TxShape, error) {
	shape := domain.TxShape{
		Rail:        tx.Rail,
		Destination: tx.Destination,
		Amount:      tx.Amount,
	}
	switch tx.Rail {
	case domain.RailBitcoin:
		addr, err := btcutil.DecodeAddress(p.Address, b.params)
		if err != nil {
			return shape, fmt.Errorf("decode sweep source address: %w", err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return shape, err
		}
		for _, dep := range p.Deposits {
			if dep.RolledBack {
				continue
			}
			shape.Inputs = append(shape.Inputs, domain.TxInput{
				TxID:     dep.TxID,
				Vout:     dep.Vout,
				Amount:   dep.Amount,
				PkScript: pkScript,
			})
		}
		if len(shape.Inputs) == 0 {
			return shape, fmt.Errorf("no spendable deposits for payment %s", p.ID)
		}
	case domain.RailEthereum, domain.RailXRPL:
		// Receiving addresses are single-use: this sweep is the first and only
		// outgoing transaction, so the account nonce is zero.
		shape.Nonce = 0
	}
	return shape, nil
}

func (b *Broadcaster) reject(ctx context.Context, tx *domain.OutboundTransaction, reason string) error {
	log.Printf("broadcaster: rejecting outbound %s: %s", tx.ID, reason)
	tx.State = domain.OutboundRejected
	tx.LastError = reason
	return b.repo.UpdateOutbound(ctx, tx)
}
