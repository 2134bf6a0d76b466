package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// outboundRepo is an in-memory Repository covering the methods the
// broadcaster uses.
type outboundRepo struct {
	store.Repository

	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment
	outbound map[uuid.UUID]*domain.OutboundTransaction
}

func newOutboundRepo() *outboundRepo {
	return &outboundRepo{
		payments: make(map[uuid.UUID]*domain.Payment),
		outbound: make(map[uuid.UUID]*domain.OutboundTransaction),
	}
}

func (r *outboundRepo) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	cp.Deposits = append([]domain.Deposit(nil), p.Deposits...)
	return &cp, nil
}

func (r *outboundRepo) UpdateOutbound(ctx context.Context, tx *domain.OutboundTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outbound[tx.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *tx
	r.outbound[tx.ID] = &cp
	return nil
}

func (r *outboundRepo) ListOutboundByState(ctx context.Context, state domain.OutboundState, limit int) ([]domain.OutboundTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OutboundTransaction
	for _, tx := range r.outbound {
		if tx.State == state && len(out) < limit {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *outboundRepo) addPayment(p *domain.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = p
}

func (r *outboundRepo) addOutbound(tx *domain.OutboundTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[tx.ID] = tx
}

func (r *outboundRepo) getOutbound(id uuid.UUID) *domain.OutboundTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.outbound[id]
	return &cp
}

// recordingSigner captures the shape it was asked to sign.
type recordingSigner struct {
	mu     sync.Mutex
	shapes []domain.TxShape
}

func (s *recordingSigner) Sign(ctx context.Context, handle string, shape domain.TxShape) (*domain.SignedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shapes = append(s.shapes, shape)
	return &domain.SignedTx{Rail: shape.Rail, TxID: "sweep-" + handle, Raw: []byte("signed")}, nil
}

func (s *recordingSigner) lastShape(t *testing.T) domain.TxShape {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shapes) == 0 {
		t.Fatal("signer was never called")
	}
	return s.shapes[len(s.shapes)-1]
}

// Mainnet P2WPKH, used as the sweep source address.
const sweepSourceAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"

func sweptPayment(deposits []domain.Deposit) *domain.Payment {
	return &domain.Payment{
		ID:               uuid.New(),
		State:            domain.StateSettled,
		Currency:         "BTC",
		Rail:             domain.RailBitcoin,
		Address:          sweepSourceAddr,
		DerivationHandle: "handle-1",
		Deposits:         deposits,
	}
}

func TestBroadcaster_SweepSpendsObservedOutpoints(t *testing.T) {
	repo := newOutboundRepo()
	signer := &recordingSigner{}
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	b := NewBroadcaster(repo, signer, map[string]chain.Adapter{domain.RailBitcoin: adapter}, &chaincfg.MainNetParams, time.Minute, time.Second)

	p := sweptPayment([]domain.Deposit{
		{TxID: "dep1", Amount: decimal.RequireFromString("0.6"), Vout: 1, Confirmations: 3},
		{TxID: "dep2", Amount: decimal.RequireFromString("0.4"), Vout: 0, Confirmations: 3},
		{TxID: "dep3", Amount: decimal.RequireFromString("0.2"), Vout: 2, Confirmations: 0, RolledBack: true},
	})
	repo.addPayment(p)

	sweep := &domain.OutboundTransaction{
		ID:          uuid.New(),
		Rail:        domain.RailBitcoin,
		Destination: "bc1qtreasury",
		Amount:      decimal.RequireFromString("1.0"),
		PaymentIDs:  []uuid.UUID{p.ID},
		State:       domain.OutboundRequested,
	}
	repo.addOutbound(sweep)

	b.runOnce(context.Background())

	shape := signer.lastShape(t)
	if len(shape.Inputs) != 2 {
		t.Fatalf("sweep shape has %d inputs, want the 2 counted deposits", len(shape.Inputs))
	}
	byTx := make(map[string]uint32, len(shape.Inputs))
	for _, in := range shape.Inputs {
		if len(in.PkScript) == 0 {
			t.Fatalf("input %s carries no pkScript", in.TxID)
		}
		byTx[in.TxID] = in.Vout
	}
	if vout, ok := byTx["dep1"]; !ok || vout != 1 {
		t.Fatalf("dep1 must be spent at its observed output index 1, got %v (present=%v)", vout, ok)
	}
	if vout, ok := byTx["dep2"]; !ok || vout != 0 {
		t.Fatalf("dep2 must be spent at output index 0, got %v (present=%v)", vout, ok)
	}
	if _, ok := byTx["dep3"]; ok {
		t.Fatal("rolled-back deposit must not be spent")
	}

	got := repo.getOutbound(sweep.ID)
	if got.State != domain.OutboundBroadcast {
		t.Fatalf("sweep state = %s, want broadcast", got.State)
	}
	if len(adapter.Broadcasts()) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(adapter.Broadcasts()))
	}
}

func TestBroadcaster_ResendsSignedBytesUnchanged(t *testing.T) {
	repo := newOutboundRepo()
	signer := &recordingSigner{}
	adapter := chain.NewMockAdapter(domain.RailBitcoin)
	b := NewBroadcaster(repo, signer, map[string]chain.Adapter{domain.RailBitcoin: adapter}, &chaincfg.MainNetParams, time.Minute, time.Second)

	sweep := &domain.OutboundTransaction{
		ID:          uuid.New(),
		Rail:        domain.RailBitcoin,
		Destination: "bc1qtreasury",
		Amount:      decimal.RequireFromString("1.0"),
		State:       domain.OutboundSigned,
		TxID:        "already-signed",
		SignedRaw:   []byte("signed-bytes"),
	}
	repo.addOutbound(sweep)

	b.runOnce(context.Background())

	if len(signer.shapes) != 0 {
		t.Fatal("a signed request must be resent, never re-signed")
	}
	got := repo.getOutbound(sweep.ID)
	if got.State != domain.OutboundBroadcast || got.TxID != "already-signed" {
		t.Fatalf("resend changed the transaction id or state: %+v", got)
	}
}
