/**
 * @description
 * The chain adapter abstraction: one implementation per rail, all consumed
 * uniformly by the confirmation tracker and the outbound broadcaster. The
 * ledger never branches on rail identity, only on what an adapter reports.
 *
 * Confirmation semantics are rail-relative: the UTXO adapter reports
 * per-transaction depth, the account adapter reports block-height deltas,
 * and the consensus-ledger adapter reports 0 or 1 (validated is final).
 */

package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

// ErrTxNotFound is returned by ConfirmationsOf for a transaction the rail
// does not know.
var ErrTxNotFound = errors.New("transaction not found")

// Observation is one incoming transfer seen on-chain for a watched address.
// The tracker turns observations into domain.ChainEvents by stamping its
// per-rail sequence numbers.
type Observation struct {
	TxID   string
	Amount decimal.Decimal
	// Vout is the index of the output paying the watched address. Only UTXO
	// rails set it; account and consensus-ledger rails leave it zero.
	Vout          uint32
	Block         domain.BlockRef
	Confirmations int
}

// Adapter is the capability set every rail must provide.
type Adapter interface {
	// Rail returns the rail identifier this adapter serves.
	Rail() string

	// TipHeight reports the current best height (or validated ledger index).
	TipHeight(ctx context.Context) (int64, error)

	// BlockRefAt returns the block reference at a height on the current best
	// chain. The tracker compares it with previously recorded references to
	// detect reorgs.
	BlockRefAt(ctx context.Context, height int64) (domain.BlockRef, error)

	// QueryIncoming lists transfers to the address at or above sinceHeight.
	// Finite per call; the tracker advances its height cursor across calls.
	QueryIncoming(ctx context.Context, address string, sinceHeight int64) ([]Observation, error)

	// Broadcast submits a signed transaction and returns the rail's
	// transaction id. Broadcast is idempotent at the chain level: resending
	// the same signed bytes cannot double spend.
	Broadcast(ctx context.Context, tx domain.SignedTx) (string, error)

	// ConfirmationsOf reports the confirmation count of a transaction, or
	// ErrTxNotFound.
	ConfirmationsOf(ctx context.Context, txID string) (int, error)

	// EstimateFee estimates the fee for the given transaction shape, in the
	// rail's whole currency unit.
	EstimateFee(ctx context.Context, shape domain.TxShape) (decimal.Decimal, error)

	// FinalityDepth is the depth beyond which the rail treats a transaction
	// as irreversible. Consensus ledgers return 1.
	FinalityDepth() int
}

func adapterErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(domain.ErrChainAdapter, err)
}
