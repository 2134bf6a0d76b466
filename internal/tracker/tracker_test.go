package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

type trackerRepoStub struct {
	store.Repository

	mu       sync.Mutex
	cursor   *domain.RailCursor
	watched  []store.WatchedAddress
	payments map[uuid.UUID]*domain.Payment
}

func newTrackerRepoStub() *trackerRepoStub {
	return &trackerRepoStub{payments: make(map[uuid.UUID]*domain.Payment)}
}

func (r *trackerRepoStub) GetRailCursor(ctx context.Context, rail string) (*domain.RailCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor == nil {
		return nil, domain.ErrNotFound
	}
	cp := *r.cursor
	cp.Window = append([]domain.BlockRef(nil), r.cursor.Window...)
	return &cp, nil
}

func (r *trackerRepoStub) SaveRailCursor(ctx context.Context, cursor *domain.RailCursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *cursor
	cp.Window = append([]domain.BlockRef(nil), cursor.Window...)
	r.cursor = &cp
	return nil
}

func (r *trackerRepoStub) ListWatchedAddresses(ctx context.Context, rail string) ([]store.WatchedAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.WatchedAddress(nil), r.watched...), nil
}

func (r *trackerRepoStub) ListPaymentsWithDepositsAbove(ctx context.Context, rail string, height int64) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		for _, dep := range p.Deposits {
			if !dep.RolledBack && dep.Block != nil && dep.Block.Height >= height {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}

func (r *trackerRepoStub) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type chainEventRecorder struct {
	mu     sync.Mutex
	events []domain.ChainEvent
}

func (p *chainEventRecorder) PublishChainEvent(ctx context.Context, ev domain.ChainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *chainEventRecorder) all() []domain.ChainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChainEvent(nil), p.events...)
}

func (p *chainEventRecorder) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

func scriptChain(adapter *chain.MockAdapter, from, to int64, suffix string) {
	for h := from; h <= to; h++ {
		adapter.SetBlock(h, "hash-"+suffix+"-"+itoa(h))
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestPollOnce_EmitsObservationsWithSequences(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	scriptChain(adapter, 85, 100, "a")

	repo := newTrackerRepoStub()
	paymentID := uuid.New()
	repo.watched = []store.WatchedAddress{{PaymentID: paymentID, Address: "bc1qwatch"}}
	repo.payments[paymentID] = &domain.Payment{
		ID: paymentID, Rail: domain.RailBitcoin, Address: "bc1qwatch",
		State: domain.StateAllocated, RequiredDepth: 2,
	}

	adapter.AddIncoming("bc1qwatch", chain.Observation{
		TxID:          "tx1",
		Amount:        decimal.RequireFromString("0.5"),
		Vout:          1,
		Block:         domain.BlockRef{Height: 98, Hash: "hash-a-98"},
		Confirmations: 1,
	})

	pub := &chainEventRecorder{}
	tr := New(adapter, repo, pub, time.Second, 12)

	// First poll initializes the cursor at the tip; rewind it so the scan
	// covers the scripted deposit.
	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	repo.mu.Lock()
	repo.cursor.Height = 95
	repo.mu.Unlock()
	pub.reset()

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	events := pub.all()
	if len(events) == 0 {
		t.Fatal("expected at least one chain event")
	}
	var found bool
	var lastSeq uint64
	for _, ev := range events {
		if ev.Sequence <= lastSeq {
			t.Fatalf("sequences must be strictly increasing, got %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		if ev.TxID == "tx1" && !ev.Rollback {
			found = true
			if ev.Address != "bc1qwatch" || !ev.Amount.Equal(decimal.RequireFromString("0.5")) {
				t.Fatalf("unexpected event payload: %+v", ev)
			}
			if ev.Block == nil || ev.Block.Height != 98 {
				t.Fatalf("event must carry the deposit block, got %+v", ev.Block)
			}
			if ev.Vout != 1 {
				t.Fatalf("event must carry the observed output index, got %d", ev.Vout)
			}
		}
	}
	if !found {
		t.Fatal("deposit observation was not published")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.cursor == nil || len(repo.cursor.Window) == 0 {
		t.Fatal("cursor window must be recorded for reorg detection")
	}
	if repo.cursor.Window[len(repo.cursor.Window)-1].Height != 100 {
		t.Fatalf("window must reach the tip, got %+v", repo.cursor.Window)
	}
}

func TestPollOnce_ReorgEmitsRollbackBeforeForwardEvents(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	scriptChain(adapter, 85, 100, "a")

	repo := newTrackerRepoStub()
	paymentID := uuid.New()
	repo.watched = []store.WatchedAddress{{PaymentID: paymentID, Address: "bc1qwatch"}}
	repo.payments[paymentID] = &domain.Payment{
		ID: paymentID, Rail: domain.RailBitcoin, Address: "bc1qwatch",
		State: domain.StateConfirming, RequiredDepth: 2,
		Deposits: []domain.Deposit{{
			TxID:          "tx1",
			Amount:        decimal.RequireFromString("1.0"),
			Block:         &domain.BlockRef{Height: 99, Hash: "hash-a-99"},
			Confirmations: 1,
		}},
	}
	adapter.AddIncoming("bc1qwatch", chain.Observation{
		TxID:          "tx1",
		Amount:        decimal.RequireFromString("1.0"),
		Block:         domain.BlockRef{Height: 99, Hash: "hash-a-99"},
		Confirmations: 1,
	})

	pub := &chainEventRecorder{}
	tr := New(adapter, repo, pub, time.Second, 12)

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("initial poll: %v", err)
	}
	pub.reset()

	// Replace the chain from height 99: the recorded window no longer matches.
	adapter.SetBlock(99, "hash-b-99")
	adapter.SetBlock(100, "hash-b-100")
	adapter.SetBlock(101, "hash-b-101")

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("reorg poll: %v", err)
	}

	events := pub.all()
	if len(events) == 0 {
		t.Fatal("reorg must emit rollback events")
	}
	for _, ev := range events {
		if !ev.Rollback {
			t.Fatalf("no forward event may precede rollback delivery in a reorg poll, got %+v", ev)
		}
	}
	rb := events[0]
	if rb.TxID != "tx1" {
		t.Fatalf("rollback must target the orphaned deposit, got %s", rb.TxID)
	}
	if rb.SupersededBlock == nil || rb.SupersededBlock.Hash != "hash-a-99" {
		t.Fatalf("rollback must carry the superseded block, got %+v", rb.SupersededBlock)
	}
	if rb.Block == nil || rb.Block.Hash != "hash-b-99" {
		t.Fatalf("rollback must carry the replacing block, got %+v", rb.Block)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if repo.cursor.Height > 99 {
		t.Fatalf("cursor must rewind to the divergence, got height %d", repo.cursor.Height)
	}
	for _, ref := range repo.cursor.Window {
		if ref.Height >= 99 {
			t.Fatalf("stale window entries must be dropped, got %+v", repo.cursor.Window)
		}
	}
}

func TestPollOnce_SurvivingDepositNotRolledBack(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	scriptChain(adapter, 85, 100, "a")

	repo := newTrackerRepoStub()
	paymentID := uuid.New()
	repo.payments[paymentID] = &domain.Payment{
		ID: paymentID, Rail: domain.RailBitcoin, Address: "bc1qwatch",
		State: domain.StateConfirming, RequiredDepth: 2,
		// Deposit at 95 survives a reorg that starts at 99.
		Deposits: []domain.Deposit{{
			TxID:   "txold",
			Amount: decimal.RequireFromString("1.0"),
			Block:  &domain.BlockRef{Height: 95, Hash: "hash-a-95"},
		}},
	}

	pub := &chainEventRecorder{}
	tr := New(adapter, repo, pub, time.Second, 12)

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("initial poll: %v", err)
	}
	pub.reset()

	adapter.SetBlock(99, "hash-b-99")
	adapter.SetBlock(100, "hash-b-100")

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("reorg poll: %v", err)
	}
	for _, ev := range pub.all() {
		if ev.Rollback && ev.TxID == "txold" {
			t.Fatal("deposit below the divergence must not be rolled back")
		}
	}
}

func TestPollOnce_RefreshesConfirmationCounts(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	scriptChain(adapter, 85, 100, "a")

	repo := newTrackerRepoStub()
	paymentID := uuid.New()
	repo.watched = []store.WatchedAddress{{PaymentID: paymentID, Address: "bc1qwatch"}}
	repo.payments[paymentID] = &domain.Payment{
		ID: paymentID, Rail: domain.RailBitcoin, Address: "bc1qwatch",
		State: domain.StateConfirming, RequiredDepth: 6,
		Deposits: []domain.Deposit{{
			TxID:          "tx1",
			Amount:        decimal.RequireFromString("1.0"),
			Block:         &domain.BlockRef{Height: 90, Hash: "hash-a-90"},
			Confirmations: 1,
		}},
	}
	// The chain now reports the transaction four blocks deep; the deposit
	// sits below the scan height so only the refresh pass can see it.
	adapter.AddIncoming("bc1qother", chain.Observation{
		TxID:          "tx1",
		Amount:        decimal.RequireFromString("1.0"),
		Block:         domain.BlockRef{Height: 90, Hash: "hash-a-90"},
		Confirmations: 4,
	})

	pub := &chainEventRecorder{}
	tr := New(adapter, repo, pub, time.Second, 5)

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	var refreshed bool
	for _, ev := range pub.all() {
		if ev.TxID == "tx1" && !ev.Rollback && ev.Confirmations == 4 {
			refreshed = true
		}
	}
	if !refreshed {
		t.Fatal("expected a confirmation-update event for the shallow deposit")
	}
}

func TestNew_WindowCoversFinalityDepth(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)

	// A window shallower than the rail's finality depth would miss reorgs
	// that the rail still considers possible.
	tr := New(adapter, newTrackerRepoStub(), &chainEventRecorder{}, time.Second, 3)
	if tr.windowSize != 6 {
		t.Fatalf("window must be widened to the finality depth, got %d", tr.windowSize)
	}

	adapter.SetFinality(1)
	tr = New(adapter, newTrackerRepoStub(), &chainEventRecorder{}, time.Second, 3)
	if tr.windowSize != 3 {
		t.Fatalf("a window already covering finality must be kept, got %d", tr.windowSize)
	}
}

func TestPollOnce_SkipsTerminalPayments(t *testing.T) {
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	scriptChain(adapter, 85, 100, "a")

	repo := newTrackerRepoStub()
	paymentID := uuid.New()
	repo.watched = []store.WatchedAddress{{PaymentID: paymentID, Address: "bc1qdone"}}
	repo.payments[paymentID] = &domain.Payment{
		ID: paymentID, Rail: domain.RailBitcoin, Address: "bc1qdone",
		State: domain.StateSettled, RequiredDepth: 2,
		Deposits: []domain.Deposit{{
			TxID:          "tx1",
			Amount:        decimal.RequireFromString("1.0"),
			Block:         &domain.BlockRef{Height: 90, Hash: "hash-a-90"},
			Confirmations: 1,
		}},
	}
	adapter.AddIncoming("bc1qother", chain.Observation{
		TxID:          "tx1",
		Amount:        decimal.RequireFromString("1.0"),
		Block:         domain.BlockRef{Height: 90, Hash: "hash-a-90"},
		Confirmations: 9,
	})

	pub := &chainEventRecorder{}
	tr := New(adapter, repo, pub, time.Second, 5)

	if err := tr.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, ev := range pub.all() {
		if ev.TxID == "tx1" && ev.Confirmations == 9 {
			t.Fatal("settled payments must not receive confirmation refreshes")
		}
	}
}
