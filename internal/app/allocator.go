/**
 * @description
 * Allocation retry loop. A payment normally receives its address inline at
 * creation; when the wallet authority is briefly unreachable the payment
 * stays in created and this loop picks it up until allocation succeeds or
 * the payment expires.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/ledger"
	"github.com/anypay/settlement-engine/internal/store"
)

const allocatorBatchSize = 50

// RunAllocationRetry retries address allocation for created payments until
// ctx is cancelled.
func RunAllocationRetry(ctx context.Context, repo store.Repository, l *ledger.Ledger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("allocator: retry loop started, checking every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("allocator: stopped")
			return
		case <-ticker.C:
			retryAllocations(ctx, repo, l)
		}
	}
}

func retryAllocations(ctx context.Context, repo store.Repository, l *ledger.Ledger) {
	pending, err := repo.ListPaymentsInState(ctx, domain.StateCreated, allocatorBatchSize)
	if err != nil {
		log.Printf("allocator: failed to list created payments: %v", err)
		return
	}
	for i := range pending {
		if _, err := l.Allocate(ctx, pending[i].ID); err != nil {
			log.Printf("allocator: allocation for payment %s still failing: %v", pending[i].ID, err)
		}
	}
}
