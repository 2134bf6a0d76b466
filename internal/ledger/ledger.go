/**
 * @description
 * The payment ledger: authoritative record and transition logic for every
 * payment. All state changes flow through this package, serialized per
 * payment id, audited, and published as transition events on the bus.
 *
 * Key invariants:
 * - Observed amount only moves up, except in an explicit rollback that
 *   records the prior value in the audit trail.
 * - Terminal payments (settled, expired, failed) never change again; late
 *   evidence is audited as ignored or raised as an anomaly.
 * - Amounts are counted once per transaction id. A repeated observation of
 *   a known transaction only updates its confirmation count.
 * - Lower observation sequences than the last applied one are replays and
 *   are discarded, unless they carry a reorg signal whose block reference
 *   contradicts what was recorded at that height.
 *
 * @dependencies
 * - internal/store: Payment and audit persistence.
 * - internal/domain: Models, sentinel errors.
 * - github.com/shopspring/decimal: Exact amounts.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// AddressDeriver requests a fresh receiving address from the wallet
// authority. The server-side implementation is a bus round trip; tests use
// a stub.
type AddressDeriver interface {
	Derive(ctx context.Context, rail string, paymentID uuid.UUID) (handle, address string, err error)
}

// TransitionPublisher announces state transitions to the rest of the
// system (notification dispatcher, live sockets).
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, ev domain.TransitionEvent) error
}

// Transition is the outcome of applying a chain event.
type Transition struct {
	PaymentID uuid.UUID
	From      domain.PaymentState
	To        domain.PaymentState
	// Applied is false when the event was a duplicate or otherwise ignored.
	Applied bool
	Reason  string
}

// Ledger owns payment lifecycle transitions.
type Ledger struct {
	repo      store.Repository
	deriver   AddressDeriver
	publisher TransitionPublisher
	locks     stripedLocks
	// sweepDestination, when set, makes settlement enqueue an outbound sweep
	// request for the settled funds.
	sweepDestinations map[string]string
}

// New creates a Ledger. sweepDestinations maps rail -> treasury address and
// may be nil when sweeping is disabled.
func New(repo store.Repository, deriver AddressDeriver, publisher TransitionPublisher, sweepDestinations map[string]string) *Ledger {
	return &Ledger{
		repo:              repo,
		deriver:           deriver,
		publisher:         publisher,
		sweepDestinations: sweepDestinations,
	}
}

// Create registers a new payment, idempotently per (merchant, key). A replay
// with the same key returns the existing payment unchanged; a replay with
// different terms is a conflict.
func (l *Ledger) Create(ctx context.Context, merchantID uuid.UUID, terms domain.PaymentTerms, idempotencyKey string) (*domain.Payment, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if !terms.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	spec, err := domain.LookupCurrency(terms.Currency)
	if err != nil {
		return nil, err
	}
	if terms.ExpiresAt.IsZero() || !terms.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", domain.ErrValidation)
	}

	existing, err := l.repo.GetPaymentByIdempotencyKey(ctx, merchantID, idempotencyKey)
	if err == nil {
		if !existing.RequestedAmount.Equal(terms.Amount) || existing.Currency != terms.Currency {
			return nil, domain.ErrIdempotencyConflict
		}
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	depth := spec.DefaultDepth
	if terms.RequiredDepth > 0 {
		depth = terms.RequiredDepth
	}
	if max := domain.MaxDepthForRail(spec.Rail); depth > max {
		depth = max
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:              uuid.New(),
		MerchantID:      merchantID,
		IdempotencyKey:  idempotencyKey,
		State:           domain.StateCreated,
		Currency:        spec.Code,
		Rail:            spec.Rail,
		RequestedAmount: terms.Amount,
		RequiredDepth:   depth,
		ExpiresAt:       terms.ExpiresAt.UTC(),
		ObservedAmount:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.repo.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.audit(ctx, p, domain.AuditCreated, domain.StateCreated, domain.StateCreated, auditDetail{})
	return p, nil
}

// Allocate derives a receiving address for a created payment and moves it
// to Allocated. Calling it on an already allocated payment returns the
// existing address.
func (l *Ledger) Allocate(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	unlock := l.locks.lock(paymentID)
	defer unlock()

	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Address != "" {
		return p, nil
	}
	if p.State != domain.StateCreated {
		return nil, fmt.Errorf("%w: cannot allocate in state %s", domain.ErrValidation, p.State)
	}

	handle, address, err := l.deriver.Derive(ctx, p.Rail, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAllocation, err)
	}

	from := p.State
	p.DerivationHandle = handle
	p.Address = address
	p.State = domain.StateAllocated
	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.audit(ctx, p, domain.AuditAllocated, from, p.State, auditDetail{note: "address " + address})
	l.publish(ctx, p, from)
	return p, nil
}

// Cancel fails a payment before allocation. Once an address exists the
// payment can only expire or settle.
func (l *Ledger) Cancel(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	unlock := l.locks.lock(paymentID)
	defer unlock()

	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State != domain.StateCreated {
		return nil, domain.ErrCancelNotAllowed
	}
	from := p.State
	p.State = domain.StateFailed
	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.audit(ctx, p, domain.AuditCancelled, from, p.State, auditDetail{note: "cancelled by merchant"})
	l.publish(ctx, p, from)
	return p, nil
}

// ApplyChainEvent is the core transition function. It is idempotent per
// dedup key and commutative-safe for same-payment events: duplicates and
// stale sequences are discarded, amounts are counted once per transaction,
// and rollback signals are honored regardless of arrival order.
func (l *Ledger) ApplyChainEvent(ctx context.Context, ev domain.ChainEvent) (Transition, error) {
	p, err := l.repo.GetPaymentByAddress(ctx, ev.Rail, ev.Address)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Funds sent to an address we no longer watch; nothing to do.
			return Transition{Applied: false, Reason: "no payment for address"}, nil
		}
		return Transition{}, err
	}

	unlock := l.locks.lock(p.ID)
	defer unlock()

	// Re-read under the lock; another event may have advanced the payment.
	if p, err = l.repo.GetPayment(ctx, p.ID); err != nil {
		return Transition{}, err
	}

	if ev.Rollback {
		return l.applyRollback(ctx, p, ev)
	}
	return l.applyDeposit(ctx, p, ev)
}

func (l *Ledger) applyDeposit(ctx context.Context, p *domain.Payment, ev domain.ChainEvent) (Transition, error) {
	from := p.State

	if p.State.Terminal() {
		l.audit(ctx, p, domain.AuditIgnored, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block,
			note: fmt.Sprintf("deposit after terminal state %s", p.State),
		})
		return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "terminal"}, nil
	}

	known := p.DepositByTxID(ev.TxID)

	// Sequence discipline: a lower-or-equal sequence is a replay unless it
	// is a confirmation update for a transaction we already count, or a
	// reorg signal (handled in applyRollback).
	if ev.Sequence != 0 && ev.Sequence <= p.LastSequence && known == nil {
		l.audit(ctx, p, domain.AuditIgnored, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block,
			note: fmt.Sprintf("stale sequence %d (last %d)", ev.Sequence, p.LastSequence),
		})
		return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "stale sequence"}, nil
	}

	if known != nil {
		// Same transaction observed again: only confirmations may move, and
		// only forward.
		changed := false
		if ev.Confirmations > known.Confirmations {
			known.Confirmations = ev.Confirmations
			changed = true
		}
		if ev.Block != nil && (known.Block == nil || !known.Block.Equal(*ev.Block)) {
			known.Block = ev.Block
			changed = true
		}
		if known.RolledBack {
			// The transaction re-entered the best chain after a rollback.
			known.RolledBack = false
			changed = true
			l.audit(ctx, p, domain.AuditDeposit, from, from, auditDetail{
				txID: ev.TxID, block: ev.Block, note: "deposit re-confirmed after rollback",
			})
		}
		if !changed {
			l.audit(ctx, p, domain.AuditIgnored, from, from, auditDetail{
				txID: ev.TxID, block: ev.Block, note: "duplicate deposit observation",
			})
			return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "duplicate"}, nil
		}
	} else {
		p.Deposits = append(p.Deposits, domain.Deposit{
			TxID:          ev.TxID,
			Amount:        ev.Amount,
			Vout:          ev.Vout,
			Block:         ev.Block,
			Confirmations: ev.Confirmations,
			ObservedAt:    ev.ObservedAt,
		})
		l.audit(ctx, p, domain.AuditDeposit, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block,
			note: fmt.Sprintf("deposit %s %s", ev.Amount.String(), p.Currency),
		})
	}

	if ev.Sequence > p.LastSequence {
		p.LastSequence = ev.Sequence
	}
	if ev.Block != nil {
		p.LastBlock = ev.Block
	}
	p.ObservedAmount = p.ActiveObserved()
	p.Confirmations = p.MinActiveConfirmations()

	l.advance(ctx, p)

	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return Transition{}, err
	}
	if p.State != from {
		l.publish(ctx, p, from)
	}
	return Transition{PaymentID: p.ID, From: from, To: p.State, Applied: true}, nil
}

// advance applies the forward state rules after observed amounts or
// confirmation counts changed. It never regresses state.
func (l *Ledger) advance(ctx context.Context, p *domain.Payment) {
	switch p.State {
	case domain.StateAllocated, domain.StatePartiallyFunded:
		if p.ObservedAmount.GreaterThanOrEqual(p.RequestedAmount) {
			p.State = domain.StateConfirming
		} else if p.ObservedAmount.IsPositive() {
			p.State = domain.StatePartiallyFunded
		}
	}
	if p.State == domain.StateConfirming &&
		p.ObservedAmount.GreaterThanOrEqual(p.RequestedAmount) &&
		p.Confirmations >= p.RequiredDepth {
		from := p.State
		p.State = domain.StateConfirmed
		l.audit(ctx, p, domain.AuditConfirmed, from, p.State, auditDetail{
			note: fmt.Sprintf("reached depth %d", p.Confirmations),
		})
	}
}

func (l *Ledger) applyRollback(ctx context.Context, p *domain.Payment, ev domain.ChainEvent) (Transition, error) {
	from := p.State

	if p.State == domain.StateSettled {
		// Terminal means terminal. Record the contradiction and surface it
		// for manual reconciliation instead of mutating the payment.
		l.audit(ctx, p, domain.AuditAnomaly, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block, superseded: ev.SupersededBlock,
			note: "rollback evidence against settled payment",
		})
		return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "settled"},
			domain.ErrSettledRollbackAnomaly
	}
	if p.State.Terminal() {
		l.audit(ctx, p, domain.AuditIgnored, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block,
			note: fmt.Sprintf("rollback after terminal state %s", p.State),
		})
		return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "terminal"}, nil
	}

	dep := p.DepositByTxID(ev.TxID)
	if dep == nil || dep.RolledBack {
		l.audit(ctx, p, domain.AuditIgnored, from, from, auditDetail{
			txID: ev.TxID, block: ev.Block, note: "rollback for unknown or already rolled back deposit",
		})
		return Transition{PaymentID: p.ID, From: from, To: from, Applied: false, Reason: "unknown deposit"}, nil
	}

	prior := p.ObservedAmount
	dep.RolledBack = true
	dep.Confirmations = 0
	p.ObservedAmount = p.ActiveObserved()
	p.Confirmations = p.MinActiveConfirmations()
	if ev.Sequence > p.LastSequence {
		p.LastSequence = ev.Sequence
	}

	// Regress state per remaining observed amount.
	switch {
	case p.ObservedAmount.GreaterThanOrEqual(p.RequestedAmount):
		p.State = domain.StateConfirming
	case p.ObservedAmount.IsPositive():
		p.State = domain.StatePartiallyFunded
	default:
		p.State = domain.StateAllocated
	}

	l.audit(ctx, p, domain.AuditRollback, from, p.State, auditDetail{
		txID: ev.TxID, block: ev.Block, superseded: ev.SupersededBlock,
		prior: &prior,
		note:  fmt.Sprintf("reorg invalidated %s %s", dep.Amount.String(), p.Currency),
	})
	if from == domain.StateConfirmed || from == domain.StateSettled {
		log.Printf("ledger: reorg regressed payment %s from %s to %s", p.ID, from, p.State)
	}

	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return Transition{}, err
	}
	if p.State != from {
		l.publish(ctx, p, from)
	}
	return Transition{PaymentID: p.ID, From: from, To: p.State, Applied: true}, nil
}

// Settle performs the explicit settlement step on a confirmed payment,
// optionally enqueueing an outbound sweep of the received funds.
func (l *Ledger) Settle(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	unlock := l.locks.lock(paymentID)
	defer unlock()

	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.State == domain.StateSettled {
		return p, nil
	}
	if p.State.Terminal() {
		return nil, fmt.Errorf("%w: cannot settle %s payment", domain.ErrTerminalState, p.State)
	}
	if p.State != domain.StateConfirmed {
		return nil, fmt.Errorf("%w: cannot settle in state %s", domain.ErrValidation, p.State)
	}

	from := p.State
	p.State = domain.StateSettled
	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.audit(ctx, p, domain.AuditSettled, from, p.State, auditDetail{})

	if dest, ok := l.sweepDestinations[p.Rail]; ok && dest != "" {
		now := time.Now().UTC()
		sweep := &domain.OutboundTransaction{
			ID:          uuid.New(),
			Rail:        p.Rail,
			Destination: dest,
			Amount:      p.ObservedAmount,
			PaymentIDs:  []uuid.UUID{p.ID},
			State:       domain.OutboundRequested,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := l.repo.CreateOutbound(ctx, sweep); err != nil {
			log.Printf("ledger: failed to enqueue sweep for payment %s: %v", p.ID, err)
		} else {
			l.audit(ctx, p, domain.AuditSweepAsked, p.State, p.State, auditDetail{
				note: "sweep " + sweep.ID.String(),
			})
		}
	}

	l.publish(ctx, p, from)
	return p, nil
}

// Expire moves an unfunded or underfunded payment past its expiry to
// Expired. Confirming and later states are never expired.
func (l *Ledger) Expire(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	unlock := l.locks.lock(paymentID)
	defer unlock()

	p, err := l.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.State {
	case domain.StateCreated, domain.StateAllocated, domain.StatePartiallyFunded:
	default:
		return p, nil
	}
	if p.ExpiresAt.After(time.Now()) {
		return p, nil
	}

	from := p.State
	p.State = domain.StateExpired
	if err := l.repo.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	l.audit(ctx, p, domain.AuditExpired, from, p.State, auditDetail{
		note: "expired at " + p.ExpiresAt.Format(time.RFC3339),
	})
	l.publish(ctx, p, from)
	return p, nil
}

// Get returns a payment by id.
func (l *Ledger) Get(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return l.repo.GetPayment(ctx, paymentID)
}

// List returns a page of a merchant's payments.
func (l *Ledger) List(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	return l.repo.ListPaymentsByMerchant(ctx, merchantID, limit, offset)
}

// AuditTrail returns a payment's ordered audit events.
func (l *Ledger) AuditTrail(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEvent, error) {
	return l.repo.ListAuditEvents(ctx, paymentID)
}

type auditDetail struct {
	txID       string
	block      *domain.BlockRef
	superseded *domain.BlockRef
	prior      *decimal.Decimal
	note       string
}

func (l *Ledger) audit(ctx context.Context, p *domain.Payment, kind domain.AuditKind, from, to domain.PaymentState, d auditDetail) {
	ev := &domain.AuditEvent{
		ID:              uuid.New(),
		PaymentID:       p.ID,
		Kind:            kind,
		FromState:       from,
		ToState:         to,
		TxID:            d.txID,
		Block:           d.block,
		SupersededBlock: d.superseded,
		PriorObserved:   d.prior,
		Note:            d.note,
		At:              time.Now().UTC(),
	}
	if err := l.repo.AppendAuditEvent(ctx, ev); err != nil {
		// The audit trail is best effort relative to the payment row; a
		// failed append must not abort a correct transition.
		log.Printf("ledger: failed to append audit event for payment %s: %v", p.ID, err)
	}
}

func (l *Ledger) publish(ctx context.Context, p *domain.Payment, prior domain.PaymentState) {
	if l.publisher == nil {
		return
	}
	ev := domain.TransitionEvent{
		PaymentID:       p.ID,
		MerchantID:      p.MerchantID,
		State:           p.State,
		PriorState:      prior,
		ObservedAmount:  p.ObservedAmount,
		RequestedAmount: p.RequestedAmount,
		Currency:        p.Currency,
		Timestamp:       time.Now().UTC(),
	}
	if err := l.publisher.PublishTransition(ctx, ev); err != nil {
		log.Printf("ledger: failed to publish transition for payment %s: %v", p.ID, err)
	}
}
