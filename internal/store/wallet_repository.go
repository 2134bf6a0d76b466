/**
 * @description
 * PostgreSQL implementation of `WalletRepository`. Runs against the wallet
 * authority's own schema; the server and trackers never connect to it.
 *
 * @notes
 * - Derivation indices are handed out inside a transaction that commits
 *   before the index is returned. A crash between allocation and address
 *   hand-off wastes an index, which is harmless; reuse would not be.
 */

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anypay/settlement-engine/internal/domain"
)

// PostgresWalletRepository is the pgx-backed WalletRepository.
type PostgresWalletRepository struct {
	db *pgxpool.Pool
}

// NewPostgresWalletRepository creates a wallet repository on the given pool.
func NewPostgresWalletRepository(db *pgxpool.Pool) *PostgresWalletRepository {
	return &PostgresWalletRepository{db: db}
}

// NextDerivationIndex atomically increments and returns the per-rail index
// counter. The first allocation on a rail returns 0.
func (r *PostgresWalletRepository) NextDerivationIndex(ctx context.Context, rail string) (uint32, error) {
	var next int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO derivation_counters (rail, next_index)
		VALUES ($1, 1)
		ON CONFLICT (rail) DO UPDATE SET next_index = derivation_counters.next_index + 1
		RETURNING next_index - 1`, rail).Scan(&next)
	if err != nil {
		return 0, err
	}
	return uint32(next), nil
}

// CreateAllocation persists a handle -> (rail, index, address) mapping. The
// (rail, index) pair is unique, which enforces address non-reuse at the
// schema level as well.
func (r *PostgresWalletRepository) CreateAllocation(ctx context.Context, a *domain.AddressAllocation) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO address_allocations (handle, rail, derivation_index, address, payment_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.Handle, a.Rail, a.Index, a.Address, a.PaymentID, a.CreatedAt)
	return err
}

// GetAllocation looks up an allocation by handle.
func (r *PostgresWalletRepository) GetAllocation(ctx context.Context, handle string) (*domain.AddressAllocation, error) {
	var a domain.AddressAllocation
	err := r.db.QueryRow(ctx, `
		SELECT handle, rail, derivation_index, address, payment_id, created_at
		FROM address_allocations WHERE handle=$1`, handle).
		Scan(&a.Handle, &a.Rail, &a.Index, &a.Address, &a.PaymentID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnknownHandle
		}
		return nil, err
	}
	return &a, nil
}
