/**
 * @description
 * PostgreSQL implementation of the `Repository` and `WalletRepository`
 * interfaces. All SQL for payments, audit events, rail cursors, outbound
 * transactions, parked notifications, merchants, and wallet allocations
 * lives here.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: Domain models scanned to and from rows.
 *
 * @notes
 * - Deposits and cursor windows are stored as jsonb columns; they are small,
 *   always read with their parent row, and never queried independently
 *   except by the deposit-height index used for reorg fanout.
 * - Amounts are stored as NUMERIC and scanned through their string form to
 *   keep decimal exactness.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository on the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const paymentColumns = `id, merchant_id, idempotency_key, state, currency, rail,
	requested_amount::text, required_depth, expires_at, address, derivation_handle,
	observed_amount::text, confirmations, last_block, last_sequence, deposits,
	version, created_at, updated_at`

func (r *PostgresRepository) scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p               domain.Payment
		requested       string
		observed        string
		lastBlockJSON   []byte
		depositsJSON    []byte
		address, handle *string
	)
	err := row.Scan(&p.ID, &p.MerchantID, &p.IdempotencyKey, &p.State, &p.Currency, &p.Rail,
		&requested, &p.RequiredDepth, &p.ExpiresAt, &address, &handle,
		&observed, &p.Confirmations, &lastBlockJSON, &p.LastSequence, &depositsJSON,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if address != nil {
		p.Address = *address
	}
	if handle != nil {
		p.DerivationHandle = *handle
	}
	if p.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("scan requested_amount: %w", err)
	}
	if p.ObservedAmount, err = decimal.NewFromString(observed); err != nil {
		return nil, fmt.Errorf("scan observed_amount: %w", err)
	}
	if len(lastBlockJSON) > 0 {
		if err := json.Unmarshal(lastBlockJSON, &p.LastBlock); err != nil {
			return nil, fmt.Errorf("scan last_block: %w", err)
		}
	}
	if len(depositsJSON) > 0 {
		if err := json.Unmarshal(depositsJSON, &p.Deposits); err != nil {
			return nil, fmt.Errorf("scan deposits: %w", err)
		}
	}
	return &p, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// CreatePayment inserts a new payment row.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	depositsJSON, err := marshalJSON(p.Deposits)
	if err != nil {
		return err
	}
	lastBlockJSON, err := marshalJSON(p.LastBlock)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO payments (id, merchant_id, idempotency_key, state, currency, rail,
			requested_amount, required_depth, expires_at, address, derivation_handle,
			observed_amount, confirmations, last_block, last_sequence, deposits,
			version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.MerchantID, p.IdempotencyKey, p.State, p.Currency, p.Rail,
		p.RequestedAmount.String(), p.RequiredDepth, p.ExpiresAt,
		nullable(p.Address), nullable(p.DerivationHandle),
		p.ObservedAmount.String(), p.Confirmations, lastBlockJSON, p.LastSequence, depositsJSON,
		p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdatePayment persists the full mutable portion of a payment. The write is
// version-checked: it only lands if the row still carries the version the
// caller read, so two replicas racing on the same payment cannot silently
// overwrite each other's deposits. The loser gets ErrStaleWrite, re-reads,
// and reapplies.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	depositsJSON, err := marshalJSON(p.Deposits)
	if err != nil {
		return err
	}
	lastBlockJSON, err := marshalJSON(p.LastBlock)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payments SET state=$2, address=$3, derivation_handle=$4,
			observed_amount=$5, confirmations=$6, last_block=$7, last_sequence=$8,
			deposits=$9, version=version+1, updated_at=$10
		WHERE id=$1 AND version=$11`,
		p.ID, p.State, nullable(p.Address), nullable(p.DerivationHandle),
		p.ObservedAmount.String(), p.Confirmations, lastBlockJSON, p.LastSequence,
		depositsJSON, time.Now().UTC(), p.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id=$1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleWrite
	}
	p.Version++
	return nil
}

// GetPayment retrieves a payment by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
	return r.scanPayment(row)
}

// GetPaymentByIdempotencyKey retrieves a payment by (merchant, idempotency key).
func (r *PostgresRepository) GetPaymentByIdempotencyKey(ctx context.Context, merchantID uuid.UUID, key string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE merchant_id=$1 AND idempotency_key=$2`,
		merchantID, key)
	return r.scanPayment(row)
}

// GetPaymentByAddress retrieves the payment allocated to a (rail, address).
func (r *PostgresRepository) GetPaymentByAddress(ctx context.Context, rail, address string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE rail=$1 AND address=$2`,
		rail, address)
	return r.scanPayment(row)
}

// ListPaymentsByMerchant returns a page of a merchant's payments, newest first.
func (r *PostgresRepository) ListPaymentsByMerchant(ctx context.Context, merchantID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE merchant_id=$1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		merchantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectPayments(rows)
}

// ListExpiryCandidates returns non-terminal, pre-confirming payments whose
// expiry has elapsed.
func (r *PostgresRepository) ListExpiryCandidates(ctx context.Context, asOf time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE state IN ('created','allocated','partially_funded') AND expires_at <= $1
		 ORDER BY expires_at ASC LIMIT $2`,
		asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectPayments(rows)
}

// ListPaymentsInState returns payments in a state, oldest first. The
// allocation retry loop uses it to pick up created payments whose inline
// allocation failed.
func (r *PostgresRepository) ListPaymentsInState(ctx context.Context, state domain.PaymentState, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE state=$1
		 ORDER BY created_at ASC LIMIT $2`,
		state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectPayments(rows)
}

// ListWatchedAddresses returns the allocated addresses of non-terminal
// payments on a rail.
func (r *PostgresRepository) ListWatchedAddresses(ctx context.Context, rail string) ([]WatchedAddress, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, address FROM payments
		 WHERE rail=$1 AND address IS NOT NULL
		   AND state NOT IN ('settled','expired','failed')`,
		rail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WatchedAddress
	for rows.Next() {
		var w WatchedAddress
		if err := rows.Scan(&w.PaymentID, &w.Address); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListPaymentsWithDepositsAbove finds payments holding deposits at or above
// a height, for reorg rollback fanout.
func (r *PostgresRepository) ListPaymentsWithDepositsAbove(ctx context.Context, rail string, height int64) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE rail=$1 AND deposits IS NOT NULL
		   AND EXISTS (
		     SELECT 1 FROM jsonb_array_elements(deposits) AS d
		     WHERE (d->'block'->>'height')::bigint >= $2 AND NOT COALESCE((d->>'rolled_back')::bool, false)
		   )`,
		rail, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectPayments(rows)
}

func (r *PostgresRepository) collectPayments(rows pgx.Rows) ([]domain.Payment, error) {
	var out []domain.Payment
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// AppendAuditEvent inserts one audit trail entry.
func (r *PostgresRepository) AppendAuditEvent(ctx context.Context, ev *domain.AuditEvent) error {
	blockJSON, err := marshalJSON(ev.Block)
	if err != nil {
		return err
	}
	supersededJSON, err := marshalJSON(ev.SupersededBlock)
	if err != nil {
		return err
	}
	var prior *string
	if ev.PriorObserved != nil {
		s := ev.PriorObserved.String()
		prior = &s
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO payment_audit_events (id, payment_id, kind, from_state, to_state,
			tx_id, block, superseded_block, prior_observed, note, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.PaymentID, ev.Kind, ev.FromState, ev.ToState,
		nullable(ev.TxID), blockJSON, supersededJSON, prior, nullable(ev.Note), ev.At)
	return err
}

// ListAuditEvents returns a payment's audit trail in order.
func (r *PostgresRepository) ListAuditEvents(ctx context.Context, paymentID uuid.UUID) ([]domain.AuditEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payment_id, kind, from_state, to_state, tx_id, block,
			superseded_block, prior_observed, note, at
		FROM payment_audit_events WHERE payment_id=$1 ORDER BY at ASC, id ASC`,
		paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ev             domain.AuditEvent
			txID, note     *string
			blockJSON      []byte
			supersededJSON []byte
			prior          *string
		)
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.Kind, &ev.FromState, &ev.ToState,
			&txID, &blockJSON, &supersededJSON, &prior, &note, &ev.At); err != nil {
			return nil, err
		}
		if txID != nil {
			ev.TxID = *txID
		}
		if note != nil {
			ev.Note = *note
		}
		if len(blockJSON) > 0 {
			if err := json.Unmarshal(blockJSON, &ev.Block); err != nil {
				return nil, err
			}
		}
		if len(supersededJSON) > 0 {
			if err := json.Unmarshal(supersededJSON, &ev.SupersededBlock); err != nil {
				return nil, err
			}
		}
		if prior != nil {
			d, err := decimal.NewFromString(*prior)
			if err != nil {
				return nil, err
			}
			ev.PriorObserved = &d
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetRailCursor loads the tracker cursor for a rail.
func (r *PostgresRepository) GetRailCursor(ctx context.Context, rail string) (*domain.RailCursor, error) {
	var (
		cursor     domain.RailCursor
		windowJSON []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT rail, sequence, height, window, updated_at FROM rail_cursors WHERE rail=$1`,
		rail).Scan(&cursor.Rail, &cursor.Sequence, &cursor.Height, &windowJSON, &cursor.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(windowJSON) > 0 {
		if err := json.Unmarshal(windowJSON, &cursor.Window); err != nil {
			return nil, err
		}
	}
	return &cursor, nil
}

// SaveRailCursor upserts the tracker cursor for a rail.
func (r *PostgresRepository) SaveRailCursor(ctx context.Context, cursor *domain.RailCursor) error {
	windowJSON, err := marshalJSON(cursor.Window)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO rail_cursors (rail, sequence, height, window, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (rail) DO UPDATE SET sequence=$2, height=$3, window=$4, updated_at=$5`,
		cursor.Rail, cursor.Sequence, cursor.Height, windowJSON, time.Now().UTC())
	return err
}

// CreateOutbound inserts an outbound transaction request.
func (r *PostgresRepository) CreateOutbound(ctx context.Context, tx *domain.OutboundTransaction) error {
	idsJSON, err := marshalJSON(tx.PaymentIDs)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO outbound_transactions (id, rail, destination, amount, payment_ids,
			state, tx_id, signed_raw, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		tx.ID, tx.Rail, tx.Destination, tx.Amount.String(), idsJSON,
		tx.State, nullable(tx.TxID), tx.SignedRaw, nullable(tx.LastError),
		tx.CreatedAt, tx.UpdatedAt)
	return err
}

// UpdateOutbound persists state changes to an outbound transaction.
func (r *PostgresRepository) UpdateOutbound(ctx context.Context, tx *domain.OutboundTransaction) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbound_transactions
		SET state=$2, tx_id=$3, signed_raw=$4, last_error=$5, updated_at=$6
		WHERE id=$1`,
		tx.ID, tx.State, nullable(tx.TxID), tx.SignedRaw, nullable(tx.LastError), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetOutbound retrieves an outbound transaction by id.
func (r *PostgresRepository) GetOutbound(ctx context.Context, id uuid.UUID) (*domain.OutboundTransaction, error) {
	var (
		tx              domain.OutboundTransaction
		amount          string
		idsJSON         []byte
		txID, lastError *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, rail, destination, amount::text, payment_ids, state, tx_id,
			signed_raw, last_error, created_at, updated_at
		FROM outbound_transactions WHERE id=$1`, id).
		Scan(&tx.ID, &tx.Rail, &tx.Destination, &amount, &idsJSON, &tx.State,
			&txID, &tx.SignedRaw, &lastError, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if len(idsJSON) > 0 {
		if err := json.Unmarshal(idsJSON, &tx.PaymentIDs); err != nil {
			return nil, err
		}
	}
	if txID != nil {
		tx.TxID = *txID
	}
	if lastError != nil {
		tx.LastError = *lastError
	}
	return &tx, nil
}

// ListOutboundByState returns outbound transactions in a state, oldest first.
func (r *PostgresRepository) ListOutboundByState(ctx context.Context, state domain.OutboundState, limit int) ([]domain.OutboundTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, rail, destination, amount::text, payment_ids, state, tx_id,
			signed_raw, last_error, created_at, updated_at
		FROM outbound_transactions WHERE state=$1
		ORDER BY created_at ASC LIMIT $2`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.OutboundTransaction
	for rows.Next() {
		var (
			tx              domain.OutboundTransaction
			amount          string
			idsJSON         []byte
			txID, lastError *string
		)
		if err := rows.Scan(&tx.ID, &tx.Rail, &tx.Destination, &amount, &idsJSON, &tx.State,
			&txID, &tx.SignedRaw, &lastError, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if len(idsJSON) > 0 {
			if err := json.Unmarshal(idsJSON, &tx.PaymentIDs); err != nil {
				return nil, err
			}
		}
		if txID != nil {
			tx.TxID = *txID
		}
		if lastError != nil {
			tx.LastError = *lastError
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ParkNotification stores a webhook delivery that exhausted its retries.
func (r *PostgresRepository) ParkNotification(ctx context.Context, n *domain.ParkedNotification) error {
	eventJSON, err := json.Marshal(n.Event)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO parked_notifications (id, merchant_id, payment_id, event, attempts,
			last_error, parked_at, replayed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.MerchantID, n.PaymentID, eventJSON, n.Attempts,
		n.LastError, n.ParkedAt, n.ReplayedAt)
	return err
}

// GetParkedNotification retrieves a parked delivery by id.
func (r *PostgresRepository) GetParkedNotification(ctx context.Context, id uuid.UUID) (*domain.ParkedNotification, error) {
	var (
		n         domain.ParkedNotification
		eventJSON []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, merchant_id, payment_id, event, attempts, last_error, parked_at, replayed_at
		FROM parked_notifications WHERE id=$1`, id).
		Scan(&n.ID, &n.MerchantID, &n.PaymentID, &eventJSON, &n.Attempts,
			&n.LastError, &n.ParkedAt, &n.ReplayedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(eventJSON, &n.Event); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkNotificationReplayed stamps a parked delivery as replayed.
func (r *PostgresRepository) MarkNotificationReplayed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE parked_notifications SET replayed_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListParkedNotifications returns unreplayed parked deliveries, oldest first.
func (r *PostgresRepository) ListParkedNotifications(ctx context.Context, limit int) ([]domain.ParkedNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, merchant_id, payment_id, event, attempts, last_error, parked_at, replayed_at
		FROM parked_notifications WHERE replayed_at IS NULL
		ORDER BY parked_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ParkedNotification
	for rows.Next() {
		var (
			n         domain.ParkedNotification
			eventJSON []byte
		)
		if err := rows.Scan(&n.ID, &n.MerchantID, &n.PaymentID, &eventJSON, &n.Attempts,
			&n.LastError, &n.ParkedAt, &n.ReplayedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventJSON, &n.Event); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetMerchant retrieves a merchant's delivery settings.
func (r *PostgresRepository) GetMerchant(ctx context.Context, id uuid.UUID) (*domain.Merchant, error) {
	var m domain.Merchant
	err := r.db.QueryRow(ctx,
		`SELECT id, name, webhook_url, webhook_secret, created_at FROM merchants WHERE id=$1`,
		id).Scan(&m.ID, &m.Name, &m.WebhookURL, &m.WebhookSecret, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
