/**
 * @description
 * Low-priority expiry sweep. Runs on its own slow ticker so it can never
 * starve chain event processing, and expires payments in small batches.
 */

package ledger

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/anypay/settlement-engine/internal/domain"
)

const expiryBatchSize = 50

// RunExpirySweep periodically expires payments whose expiry elapsed without
// sufficient funds. Blocks until ctx is cancelled.
func (l *Ledger) RunExpirySweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce(ctx)
		}
	}
}

func (l *Ledger) sweepOnce(ctx context.Context) {
	candidates, err := l.repo.ListExpiryCandidates(ctx, time.Now(), expiryBatchSize)
	if err != nil {
		log.Printf("ledger: expiry scan failed: %v", err)
		return
	}
	for _, p := range candidates {
		if _, err := l.Expire(ctx, p.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Printf("ledger: failed to expire payment %s: %v", p.ID, err)
		}
	}
}
