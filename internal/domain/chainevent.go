/**
 * @description
 * Chain events are the observations a confirmation tracker emits onto the
 * event bus. The ledger consumes them; they are the only way chain state
 * reaches a Payment.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ChainEvent is one observation of incoming funds (or the reorg-driven
// withdrawal of a prior observation) for a watched address.
type ChainEvent struct {
	Rail    string `json:"rail"`
	Address string `json:"address"`

	TxID   string          `json:"tx_id"`
	Amount decimal.Decimal `json:"amount"`
	// Vout is the output index paying the address. UTXO rails need it to
	// spend the deposit later; account rails leave it zero.
	Vout          uint32    `json:"vout,omitempty"`
	Block         *BlockRef `json:"block,omitempty"`
	Confirmations int       `json:"confirmations"`

	// Sequence is assigned by the tracker, strictly increasing per rail. The
	// ledger uses it to detect replays and out-of-order bus delivery.
	Sequence uint64 `json:"sequence"`

	// Rollback marks the event as a reorg signal: the transaction identified
	// by TxID was counted from a block that is no longer on the best chain.
	Rollback bool `json:"rollback,omitempty"`
	// SupersededBlock carries the block reference previously recorded at the
	// reorged height. Set only on rollback events.
	SupersededBlock *BlockRef `json:"superseded_block,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// DedupKey is the bus deduplication key for the event. Duplicate deliveries
// of the same key are acknowledged without reapplication.
func (e ChainEvent) DedupKey() string {
	kind := "deposit"
	if e.Rollback {
		kind = "rollback"
	}
	return fmt.Sprintf("chain:%s:%s:%s:%s:%d", e.Rail, e.Address, kind, e.TxID, e.Sequence)
}

// RoutingKey partitions events per (rail, address) on the topic exchange.
// Ordering is only guaranteed within one partition.
func (e ChainEvent) RoutingKey() string {
	if e.Rollback {
		return "chain.rollback." + e.Rail
	}
	return "chain.event." + e.Rail
}

// RailCursor is the tracker's durable position on a rail: the last assigned
// observation sequence, the height scanning resumes from, and the recent
// block window used for reorg detection.
type RailCursor struct {
	Rail     string    `json:"rail"`
	Sequence uint64    `json:"sequence"`
	Height   int64     `json:"height"`
	Window   []BlockRef `json:"window,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
