/**
 * @description
 * This file defines the `Repository` interface: the contract for all
 * persistence the settlement engine needs. The interface decouples the
 * ledger, tracker, wallet authority, and notification dispatcher from the
 * PostgreSQL implementation, which keeps every one of them testable with
 * in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Identifier handling.
 * - internal/domain: The engine's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/anypay/settlement-engine/internal/domain"
)

// WatchedAddress pairs a non-terminal payment with its allocated address so
// a tracker knows what to poll.
type WatchedAddress struct {
	PaymentID uuid.UUID
	Address   string
}

// Repository defines the persistence operations of the settlement engine.
// Terminal payments are never deleted.
type Repository interface {
	// Payment records
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, merchantID uuid.UUID, key string) (*domain.Payment, error)
	GetPaymentByAddress(ctx context.Context, rail, address string) (*domain.Payment, error)
	ListPaymentsByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	ListExpiryCandidates(ctx context.Context, asOf time.Time, limit int) ([]domain.Payment, error)
	ListPaymentsInState(ctx context.Context, state domain.PaymentState, limit int) ([]domain.Payment, error)
	ListWatchedAddresses(ctx context.Context, rail string) ([]WatchedAddress, error)
	// ListPaymentsWithDepositsAbove returns payments on the rail holding at
	// least one counted deposit at or above the given height. Used by the
	// tracker to fan out rollback events after a reorg.
	ListPaymentsWithDepositsAbove(ctx context.Context, rail string, height int64) ([]domain.Payment, error)

	// Audit trail
	AppendAuditEvent(ctx context.Context, ev *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEvent, error)

	// Rail cursors (confirmation tracker positions)
	GetRailCursor(ctx context.Context, rail string) (*domain.RailCursor, error)
	SaveRailCursor(ctx context.Context, cursor *domain.RailCursor) error

	// Outbound transactions
	CreateOutbound(ctx context.Context, tx *domain.OutboundTransaction) error
	UpdateOutbound(ctx context.Context, tx *domain.OutboundTransaction) error
	GetOutbound(ctx context.Context, id uuid.UUID) (*domain.OutboundTransaction, error)
	ListOutboundByState(ctx context.Context, state domain.OutboundState, limit int) ([]domain.OutboundTransaction, error)

	// Parked notifications
	ParkNotification(ctx context.Context, n *domain.ParkedNotification) error
	GetParkedNotification(ctx context.Context, id uuid.UUID) (*domain.ParkedNotification, error)
	MarkNotificationReplayed(ctx context.Context, id uuid.UUID) error
	ListParkedNotifications(ctx context.Context, limit int) ([]domain.ParkedNotification, error)

	// Merchants
	GetMerchant(ctx context.Context, id uuid.UUID) (*domain.Merchant, error)
}

// WalletRepository is the persistence surface of the wallet authority. It is
// deliberately separate from Repository: the authority runs in its own trust
// domain against its own schema, and nothing else touches these tables.
type WalletRepository interface {
	// NextDerivationIndex atomically allocates the next index for a rail.
	// The allocation is committed before the caller ever sees the index, so
	// a restart can never hand out the same index twice.
	NextDerivationIndex(ctx context.Context, rail string) (uint32, error)
	CreateAllocation(ctx context.Context, a *domain.AddressAllocation) error
	GetAllocation(ctx context.Context, handle string) (*domain.AddressAllocation, error)
}
