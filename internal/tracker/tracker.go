/**
 * @description
 * The confirmation tracker: one instance per rail, polling its chain
 * adapter from a durable cursor and reconciling observed chain state
 * against the deposits the ledger expects.
 *
 * Each poll:
 *  1. Re-validates the recorded (height, hash) window against the current
 *     chain. A mismatch is a reorg: rollback events are emitted for every
 *     affected deposit before any forward event.
 *  2. Scans watched addresses for new incoming transfers.
 *  3. Refreshes confirmation counts for deposits that have not yet reached
 *     their payment's required depth.
 *
 * The tracker is stateless across restarts beyond its cursor. Event
 * publication is at-least-once; the ledger's dedup rules absorb replays.
 *
 * @dependencies
 * - internal/chain: The rail adapter.
 * - internal/store: Cursor persistence and watchlists.
 */

package tracker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// Publisher emits chain events onto the bus.
type Publisher interface {
	PublishChainEvent(ctx context.Context, ev domain.ChainEvent) error
}

// Tracker watches one rail.
type Tracker struct {
	rail      string
	adapter   chain.Adapter
	repo      store.Repository
	publisher Publisher
	interval  time.Duration
	// windowSize is how many recent blocks are re-validated for reorgs each
	// poll.
	windowSize int
}

// New creates a tracker for the adapter's rail.
func New(adapter chain.Adapter, repo store.Repository, publisher Publisher, interval time.Duration, windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 12
	}
	// The reorg window must reach at least as deep as the rail considers
	// reversible, or a reorg near the finality boundary would go undetected.
	if fd := adapter.FinalityDepth(); windowSize < fd {
		windowSize = fd
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Tracker{
		rail:       adapter.Rail(),
		adapter:    adapter,
		repo:       repo,
		publisher:  publisher,
		interval:   interval,
		windowSize: windowSize,
	}
}

// Run polls until ctx is cancelled. Rails poll independently; a slow rail
// never blocks another.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	log.Printf("tracker[%s]: started, polling every %s", t.rail, t.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("tracker[%s]: stopped", t.rail)
			return
		case <-ticker.C:
			if err := t.PollOnce(ctx); err != nil {
				// Adapter errors are transient: log and retry next tick
				// without touching payment state.
				log.Printf("tracker[%s]: poll failed: %v", t.rail, err)
			}
		}
	}
}

// PollOnce performs one reconciliation pass.
func (t *Tracker) PollOnce(ctx context.Context) error {
	cursor, err := t.loadCursor(ctx)
	if err != nil {
		return err
	}

	reorged, err := t.detectReorg(ctx, cursor)
	if err != nil {
		return err
	}
	if reorged {
		// Rollbacks were emitted and the cursor rewound; forward events
		// resume on the next pass against the reorganized chain.
		return t.repo.SaveRailCursor(ctx, cursor)
	}

	tip, err := t.adapter.TipHeight(ctx)
	if err != nil {
		return err
	}

	if err := t.scanIncoming(ctx, cursor); err != nil {
		return err
	}
	if err := t.refreshConfirmations(ctx, cursor); err != nil {
		return err
	}

	t.advanceCursor(ctx, cursor, tip)
	return t.repo.SaveRailCursor(ctx, cursor)
}

func (t *Tracker) loadCursor(ctx context.Context) (*domain.RailCursor, error) {
	cursor, err := t.repo.GetRailCursor(ctx, t.rail)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	tip, err := t.adapter.TipHeight(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.RailCursor{Rail: t.rail, Height: tip}, nil
}

// detectReorg compares the recorded window against the chain. On the first
// divergent height it emits a rollback event for every affected deposit and
// rewinds the cursor. Returns true when a reorg was handled.
func (t *Tracker) detectReorg(ctx context.Context, cursor *domain.RailCursor) (bool, error) {
	for _, recorded := range cursor.Window {
		current, err := t.adapter.BlockRefAt(ctx, recorded.Height)
		if err != nil {
			return false, err
		}
		if current.Hash == recorded.Hash {
			continue
		}

		log.Printf("tracker[%s]: reorg detected at height %d (%s -> %s)",
			t.rail, recorded.Height, recorded.Hash, current.Hash)

		if err := t.emitRollbacks(ctx, cursor, recorded.Height); err != nil {
			return false, err
		}

		// Rewind below the divergence and drop the stale window tail.
		if cursor.Height > recorded.Height {
			cursor.Height = recorded.Height
		}
		var kept []domain.BlockRef
		for _, ref := range cursor.Window {
			if ref.Height < recorded.Height {
				kept = append(kept, ref)
			}
		}
		cursor.Window = kept
		return true, nil
	}
	return false, nil
}

func (t *Tracker) emitRollbacks(ctx context.Context, cursor *domain.RailCursor, fromHeight int64) error {
	affected, err := t.repo.ListPaymentsWithDepositsAbove(ctx, t.rail, fromHeight)
	if err != nil {
		return err
	}
	for _, p := range affected {
		for _, dep := range p.Deposits {
			if dep.RolledBack || dep.Block == nil || dep.Block.Height < fromHeight {
				continue
			}
			current, err := t.adapter.BlockRefAt(ctx, dep.Block.Height)
			if err != nil {
				return err
			}
			if current.Hash == dep.Block.Hash {
				// The deposit's block survived the reorg.
				continue
			}
			cursor.Sequence++
			ev := domain.ChainEvent{
				Rail:            t.rail,
				Address:         p.Address,
				TxID:            dep.TxID,
				Amount:          dep.Amount,
				Block:           &current,
				Sequence:        cursor.Sequence,
				Rollback:        true,
				SupersededBlock: dep.Block,
				ObservedAt:      time.Now().UTC(),
			}
			if err := t.publisher.PublishChainEvent(ctx, ev); err != nil {
				return err
			}
			log.Printf("tracker[%s]: emitted rollback for tx %s (payment %s)", t.rail, dep.TxID, p.ID)
		}
	}
	return nil
}

func (t *Tracker) scanIncoming(ctx context.Context, cursor *domain.RailCursor) error {
	watched, err := t.repo.ListWatchedAddresses(ctx, t.rail)
	if err != nil {
		return err
	}
	for _, w := range watched {
		observations, err := t.adapter.QueryIncoming(ctx, w.Address, cursor.Height)
		if err != nil {
			return err
		}
		for _, obs := range observations {
			cursor.Sequence++
			ev := domain.ChainEvent{
				Rail:          t.rail,
				Address:       w.Address,
				TxID:          obs.TxID,
				Amount:        obs.Amount,
				Vout:          obs.Vout,
				Confirmations: obs.Confirmations,
				Sequence:      cursor.Sequence,
				ObservedAt:    time.Now().UTC(),
			}
			if obs.Block.Height > 0 {
				block := obs.Block
				ev.Block = &block
			}
			if err := t.publisher.PublishChainEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshConfirmations re-checks deposits that are still short of their
// payment's required depth and emits confirmation-update events.
func (t *Tracker) refreshConfirmations(ctx context.Context, cursor *domain.RailCursor) error {
	watched, err := t.repo.ListWatchedAddresses(ctx, t.rail)
	if err != nil {
		return err
	}
	for _, w := range watched {
		p, err := t.repo.GetPayment(ctx, w.PaymentID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		if p.State.Terminal() {
			continue
		}
		for _, dep := range p.Deposits {
			if dep.RolledBack || dep.Confirmations >= p.RequiredDepth {
				continue
			}
			count, err := t.adapter.ConfirmationsOf(ctx, dep.TxID)
			if err != nil {
				if errors.Is(err, chain.ErrTxNotFound) {
					// Dropped from the mempool or reorged out; the reorg
					// pass handles counted blocks, nothing to do here.
					continue
				}
				return err
			}
			if count <= dep.Confirmations {
				continue
			}
			cursor.Sequence++
			ev := domain.ChainEvent{
				Rail:          t.rail,
				Address:       w.Address,
				TxID:          dep.TxID,
				Amount:        dep.Amount,
				Block:         dep.Block,
				Confirmations: count,
				Sequence:      cursor.Sequence,
				ObservedAt:    time.Now().UTC(),
			}
			if err := t.publisher.PublishChainEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// advanceCursor moves the scan height to keep a windowSize overlap behind
// the tip and records the fresh block window.
func (t *Tracker) advanceCursor(ctx context.Context, cursor *domain.RailCursor, tip int64) {
	floor := tip - int64(t.windowSize) + 1
	if floor < 0 {
		floor = 0
	}
	if cursor.Height < floor {
		cursor.Height = floor
	}

	var window []domain.BlockRef
	for h := floor; h <= tip; h++ {
		ref, err := t.adapter.BlockRefAt(ctx, h)
		if err != nil {
			// Keep the previous window on a partial failure; reorg checks
			// resume next poll.
			log.Printf("tracker[%s]: window refresh failed at height %d: %v", t.rail, h, err)
			return
		}
		window = append(window, ref)
	}
	cursor.Window = window
}
