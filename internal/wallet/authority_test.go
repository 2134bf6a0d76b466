package wallet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

type memWalletRepo struct {
	mu          sync.Mutex
	nextIndex   map[string]uint32
	allocations map[string]*domain.AddressAllocation
}

func newMemWalletRepo() *memWalletRepo {
	return &memWalletRepo{
		nextIndex:   make(map[string]uint32),
		allocations: make(map[string]*domain.AddressAllocation),
	}
}

func (r *memWalletRepo) NextDerivationIndex(ctx context.Context, rail string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := r.nextIndex[rail]
	r.nextIndex[rail] = index + 1
	return index, nil
}

func (r *memWalletRepo) CreateAllocation(ctx context.Context, a *domain.AddressAllocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.allocations[a.Handle] = &cp
	return nil
}

func (r *memWalletRepo) GetAllocation(ctx context.Context, handle string) (*domain.AddressAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocations[handle]
	if !ok {
		return nil, domain.ErrUnknownHandle
	}
	cp := *a
	return &cp, nil
}

var testSeed = []byte("settlement-engine-test-seed-0001")

func newTestAuthority(t *testing.T) (*Authority, *memWalletRepo) {
	t.Helper()
	repo := newMemWalletRepo()
	authority, err := NewAuthority(testSeed, &chaincfg.MainNetParams, repo, 1)
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return authority, repo
}

func TestDerive_StrictlyIncreasingIndices(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		alloc, err := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
		if err != nil {
			t.Fatalf("derive %d: %v", i, err)
		}
		if alloc.Index != uint32(i) {
			t.Fatalf("index = %d, want %d", alloc.Index, i)
		}
		if seen[alloc.Address] {
			t.Fatalf("address %s issued twice", alloc.Address)
		}
		seen[alloc.Address] = true
	}
}

func TestDerive_RailsHaveIndependentIndexSpaces(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	btc, err := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	if err != nil {
		t.Fatalf("derive bitcoin: %v", err)
	}
	eth, err := authority.Derive(ctx, domain.RailEthereum, uuid.New())
	if err != nil {
		t.Fatalf("derive ethereum: %v", err)
	}
	xrp, err := authority.Derive(ctx, domain.RailXRPL, uuid.New())
	if err != nil {
		t.Fatalf("derive xrpl: %v", err)
	}

	if btc.Index != 0 || eth.Index != 0 || xrp.Index != 0 {
		t.Fatalf("each rail starts at index 0, got %d/%d/%d", btc.Index, eth.Index, xrp.Index)
	}
	if !strings.HasPrefix(btc.Address, "bc1") {
		t.Fatalf("bitcoin mainnet address should be bech32, got %s", btc.Address)
	}
	if !strings.HasPrefix(eth.Address, "0x") || len(eth.Address) != 42 {
		t.Fatalf("unexpected ethereum address %s", eth.Address)
	}
	if !strings.HasPrefix(xrp.Address, "r") {
		t.Fatalf("xrpl classic address should start with r, got %s", xrp.Address)
	}
}

func TestDerive_SameIndexDifferentRailsDiffer(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	btc, _ := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	eth, _ := authority.Derive(ctx, domain.RailEthereum, uuid.New())
	if btc.Address == eth.Address {
		t.Fatal("coin-type separation failed: identical addresses across rails")
	}
}

func TestSign_UnknownHandleRefused(t *testing.T) {
	authority, _ := newTestAuthority(t)
	_, err := authority.Sign(context.Background(), "not-a-handle", domain.TxShape{
		Rail:   domain.RailEthereum,
		Amount: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestSign_RailMismatchRefused(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	alloc, err := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	_, err = authority.Sign(ctx, alloc.Handle, domain.TxShape{
		Rail:        domain.RailEthereum,
		Destination: "0x00000000000000000000000000000000000000aa",
		Amount:      decimal.RequireFromString("1"),
	})
	if !errors.Is(err, domain.ErrSigningRefused) {
		t.Fatalf("expected ErrSigningRefused for rail mismatch, got %v", err)
	}
}

func TestSign_NonPositiveAmountRefused(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	alloc, _ := authority.Derive(ctx, domain.RailEthereum, uuid.New())
	_, err := authority.Sign(ctx, alloc.Handle, domain.TxShape{
		Rail:        domain.RailEthereum,
		Destination: "0x00000000000000000000000000000000000000aa",
		Amount:      decimal.Zero,
	})
	if !errors.Is(err, domain.ErrSigningRefused) {
		t.Fatalf("expected ErrSigningRefused for zero amount, got %v", err)
	}
}

func TestSign_EthereumLegacyTransfer(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	alloc, err := authority.Derive(ctx, domain.RailEthereum, uuid.New())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	signed, err := authority.Sign(ctx, alloc.Handle, domain.TxShape{
		Rail:        domain.RailEthereum,
		Destination: "0x00000000000000000000000000000000000000aa",
		Amount:      decimal.RequireFromString("0.25"),
		Fee:         decimal.RequireFromString("0.0002"),
		Nonce:       0,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Rail != domain.RailEthereum || len(signed.Raw) == 0 {
		t.Fatalf("unexpected signed tx: %+v", signed)
	}
	if !strings.HasPrefix(signed.TxID, "0x") || len(signed.TxID) != 66 {
		t.Fatalf("unexpected ethereum txid %s", signed.TxID)
	}
}

func TestSign_BitcoinWitnessSpend(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	source, err := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	if err != nil {
		t.Fatalf("derive source: %v", err)
	}
	dest, err := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	if err != nil {
		t.Fatalf("derive destination: %v", err)
	}
	pkScript := p2wpkhScript(t, source.Address)

	signed, err := authority.Sign(ctx, source.Handle, domain.TxShape{
		Rail:        domain.RailBitcoin,
		Destination: dest.Address,
		Amount:      decimal.RequireFromString("0.4"),
		Fee:         decimal.RequireFromString("0.0001"),
		Inputs: []domain.TxInput{{
			TxID:     strings.Repeat("ab", 32),
			Vout:     0,
			Amount:   decimal.RequireFromString("0.5"),
			PkScript: pkScript,
		}},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Raw) == 0 || len(signed.TxID) != 64 {
		t.Fatalf("unexpected signed tx: txid=%s rawlen=%d", signed.TxID, len(signed.Raw))
	}

	// The same shape signs to the same bytes: a broadcast retry never changes
	// the transaction id.
	again, err := authority.Sign(ctx, source.Handle, domain.TxShape{
		Rail:        domain.RailBitcoin,
		Destination: dest.Address,
		Amount:      decimal.RequireFromString("0.4"),
		Fee:         decimal.RequireFromString("0.0001"),
		Inputs: []domain.TxInput{{
			TxID:     strings.Repeat("ab", 32),
			Vout:     0,
			Amount:   decimal.RequireFromString("0.5"),
			PkScript: pkScript,
		}},
	})
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if again.TxID != signed.TxID {
		t.Fatalf("txid changed across identical signings: %s vs %s", again.TxID, signed.TxID)
	}
}

func TestSign_BitcoinWithoutInputsRefused(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	alloc, _ := authority.Derive(ctx, domain.RailBitcoin, uuid.New())
	_, err := authority.Sign(ctx, alloc.Handle, domain.TxShape{
		Rail:        domain.RailBitcoin,
		Destination: alloc.Address,
		Amount:      decimal.RequireFromString("0.1"),
	})
	if !errors.Is(err, domain.ErrSigningRefused) {
		t.Fatalf("expected ErrSigningRefused for missing inputs, got %v", err)
	}
}

func TestSign_XRPLEnvelope(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	alloc, err := authority.Derive(ctx, domain.RailXRPL, uuid.New())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	signed, err := authority.Sign(ctx, alloc.Handle, domain.TxShape{
		Rail:        domain.RailXRPL,
		Destination: "rDestinationDestinationDestina",
		Amount:      decimal.RequireFromString("25"),
		Fee:         decimal.RequireFromString("0.00001"),
		Nonce:       7,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Raw) == 0 || len(signed.TxID) != 64 {
		t.Fatalf("unexpected signed tx: txid=%s rawlen=%d", signed.TxID, len(signed.Raw))
	}
	if !strings.Contains(string(signed.Raw), alloc.Address) {
		t.Fatal("signed envelope must carry the source account")
	}
}

func TestRestartDoesNotReuseIndices(t *testing.T) {
	repo := newMemWalletRepo()
	ctx := context.Background()

	first, err := NewAuthority(testSeed, &chaincfg.MainNetParams, repo, 1)
	if err != nil {
		t.Fatalf("first authority: %v", err)
	}
	a0, _ := first.Derive(ctx, domain.RailBitcoin, uuid.New())

	// A restarted authority shares the allocation store and continues where
	// the previous instance stopped.
	second, err := NewAuthority(testSeed, &chaincfg.MainNetParams, repo, 1)
	if err != nil {
		t.Fatalf("second authority: %v", err)
	}
	a1, err := second.Derive(ctx, domain.RailBitcoin, uuid.New())
	if err != nil {
		t.Fatalf("derive after restart: %v", err)
	}
	if a1.Index != a0.Index+1 {
		t.Fatalf("restart reissued index %d after %d", a1.Index, a0.Index)
	}
	if a1.Address == a0.Address {
		t.Fatal("restart reissued an address")
	}

	// The restarted instance can still sign for handles the first issued.
	if _, err := second.Sign(ctx, a0.Handle, domain.TxShape{
		Rail:        domain.RailBitcoin,
		Destination: a1.Address,
		Amount:      decimal.RequireFromString("0.1"),
		Inputs: []domain.TxInput{{
			TxID:     strings.Repeat("cd", 32),
			Vout:     1,
			Amount:   decimal.RequireFromString("0.2"),
			PkScript: p2wpkhScript(t, a0.Address),
		}},
	}); err != nil {
		t.Fatalf("handle lost across restart: %v", err)
	}
}

func p2wpkhScript(t *testing.T, address string) []byte {
	t.Helper()
	decoded, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decode address %s: %v", address, err)
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		t.Fatalf("pay-to-addr script: %v", err)
	}
	return script
}
