/**
 * @description
 * This file defines the core domain models for the settlement engine: the
 * Payment record, its lifecycle states, and the audit trail entries that
 * accompany every state transition.
 *
 * @notes
 * - Monetary amounts use shopspring/decimal everywhere. Chain amounts do not
 *   fit in float64 and rails disagree on smallest units, so the engine keeps
 *   exact decimals end to end and lets each chain adapter convert at the edge.
 * - A Payment in a terminal state (Settled, Expired, Failed) is immutable.
 *   Late chain evidence is appended to the audit trail but never mutates the
 *   record.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentState enumerates the lifecycle of a Payment.
type PaymentState string

const (
	StateCreated         PaymentState = "created"
	StateAllocated       PaymentState = "allocated"
	StatePartiallyFunded PaymentState = "partially_funded"
	StateConfirming      PaymentState = "confirming"
	StateConfirmed       PaymentState = "confirmed"
	StateSettled         PaymentState = "settled"
	StateExpired         PaymentState = "expired"
	StateFailed          PaymentState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s PaymentState) Terminal() bool {
	switch s {
	case StateSettled, StateExpired, StateFailed:
		return true
	}
	return false
}

// BlockRef identifies a block by height and hash. The pair is what the
// confirmation tracker compares to detect reorgs: a recorded height whose
// hash no longer matches the chain has been orphaned.
type BlockRef struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

// Equal reports whether two block references point at the same block.
func (b BlockRef) Equal(other BlockRef) bool {
	return b.Height == other.Height && b.Hash == other.Hash
}

// PaymentTerms are the merchant-supplied terms of a payment request.
type PaymentTerms struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	// RequiredDepth overrides the per-currency default confirmation depth
	// when greater than zero.
	RequiredDepth int       `json:"required_depth,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Deposit records one counted incoming transaction for a Payment. Amounts are
// counted once per transaction id; later observations of the same transaction
// only raise the confirmation count.
type Deposit struct {
	TxID   string          `json:"tx_id"`
	Amount decimal.Decimal `json:"amount"`
	// Vout is the output index paying the payment's address, recorded so a
	// later sweep spends the right outpoint.
	Vout          uint32    `json:"vout,omitempty"`
	Block         *BlockRef `json:"block,omitempty"`
	Confirmations int       `json:"confirmations"`
	RolledBack    bool      `json:"rolled_back,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Payment is the unit of settlement and the central record of the engine.
// It maps directly to the `payments` table.
type Payment struct {
	ID             uuid.UUID    `json:"id"`
	MerchantID     uuid.UUID    `json:"merchant_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	State          PaymentState `json:"state"`

	Currency        string          `json:"currency"`
	Rail            string          `json:"rail"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	RequiredDepth   int             `json:"required_depth"`
	ExpiresAt       time.Time       `json:"expires_at"`

	// Allocation. DerivationHandle is an opaque reference into the wallet
	// authority; the engine never sees key material.
	Address          string `json:"address,omitempty"`
	DerivationHandle string `json:"derivation_handle,omitempty"`

	ObservedAmount decimal.Decimal `json:"observed_amount"`
	Confirmations  int             `json:"confirmations"`
	LastBlock      *BlockRef       `json:"last_block,omitempty"`
	// LastSequence is the highest tracker observation sequence applied for
	// this payment's (rail, address). Lower sequences are replays unless they
	// carry a reorg signal.
	LastSequence uint64 `json:"last_sequence"`

	Deposits []Deposit `json:"deposits,omitempty"`

	// Version is the optimistic-concurrency counter behind UpdatePayment.
	// Two replicas racing on the same row cannot both win; the loser gets
	// ErrStaleWrite and reapplies against the fresh record.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DepositByTxID returns the counted deposit for a transaction id, if any.
func (p *Payment) DepositByTxID(txID string) *Deposit {
	for i := range p.Deposits {
		if p.Deposits[i].TxID == txID {
			return &p.Deposits[i]
		}
	}
	return nil
}

// ActiveObserved recomputes the observed amount from deposits that have not
// been rolled back.
func (p *Payment) ActiveObserved() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Deposits {
		if !d.RolledBack {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// MinActiveConfirmations returns the lowest confirmation count across
// deposits still counted toward the payment, or zero when none exist. The
// settlement threshold is judged against the least-confirmed contributing
// transaction.
func (p *Payment) MinActiveConfirmations() int {
	min := -1
	for _, d := range p.Deposits {
		if d.RolledBack {
			continue
		}
		if min < 0 || d.Confirmations < min {
			min = d.Confirmations
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// PublicView is the API representation of a Payment. Derivation handles and
// internal bookkeeping stay private.
type PublicView struct {
	ID              uuid.UUID       `json:"id"`
	State           PaymentState    `json:"state"`
	Currency        string          `json:"currency"`
	Rail            string          `json:"rail"`
	Address         string          `json:"address,omitempty"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	ObservedAmount  decimal.Decimal `json:"observed_amount"`
	Confirmations   int             `json:"confirmations"`
	RequiredDepth   int             `json:"required_depth"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Public returns the external view of the payment.
func (p *Payment) Public() PublicView {
	return PublicView{
		ID:              p.ID,
		State:           p.State,
		Currency:        p.Currency,
		Rail:            p.Rail,
		Address:         p.Address,
		RequestedAmount: p.RequestedAmount,
		ObservedAmount:  p.ObservedAmount,
		Confirmations:   p.Confirmations,
		RequiredDepth:   p.RequiredDepth,
		ExpiresAt:       p.ExpiresAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// AuditKind classifies audit trail entries.
type AuditKind string

const (
	AuditCreated    AuditKind = "created"
	AuditAllocated  AuditKind = "allocated"
	AuditDeposit    AuditKind = "deposit"
	AuditConfirmed  AuditKind = "confirmed"
	AuditSettled    AuditKind = "settled"
	AuditExpired    AuditKind = "expired"
	AuditFailed     AuditKind = "failed"
	AuditRollback   AuditKind = "rollback"
	AuditIgnored    AuditKind = "ignored"
	AuditAnomaly    AuditKind = "anomaly"
	AuditCancelled  AuditKind = "cancelled"
	AuditSweepAsked AuditKind = "sweep_requested"
)

// AuditEvent is one entry in a Payment's ordered audit trail. Every
// transition, ignored event, and anomaly is recorded with its evidence.
type AuditEvent struct {
	ID        uuid.UUID    `json:"id"`
	PaymentID uuid.UUID    `json:"payment_id"`
	Kind      AuditKind    `json:"kind"`
	FromState PaymentState `json:"from_state"`
	ToState   PaymentState `json:"to_state"`

	TxID  string    `json:"tx_id,omitempty"`
	Block *BlockRef `json:"block,omitempty"`
	// SupersededBlock is set on rollback entries: the block reference that
	// was previously recorded at the reorged height.
	SupersededBlock *BlockRef `json:"superseded_block,omitempty"`
	// PriorObserved preserves the observed amount before a rollback
	// decremented it.
	PriorObserved *decimal.Decimal `json:"prior_observed,omitempty"`
	Note          string           `json:"note,omitempty"`

	At time.Time `json:"at"`
}

// Merchant holds the per-merchant delivery and authentication settings the
// engine needs. Merchant onboarding itself is out of scope.
type Merchant struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	WebhookURL    string    `json:"webhook_url"`
	WebhookSecret string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}
