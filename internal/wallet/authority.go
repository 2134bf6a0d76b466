/**
 * @description
 * The wallet authority: the only component that ever touches private keys.
 * It exposes exactly two operations, derive and sign, both reached over the
 * event bus. Key material never leaves this process and is never logged.
 *
 * Key invariants:
 * - Derivation indices are allocated strictly increasing per rail and are
 *   committed to storage before an address is returned, so a restart can
 *   never reissue an index (and therefore never reuse an address).
 * - Signing is serialized per handle; concurrent derivation across handles
 *   is unrestricted.
 * - A handle not issued by this authority's key root is refused with
 *   ErrUnknownHandle.
 *
 * @dependencies
 * - github.com/btcsuite/btcd/btcutil/hdkeychain: BIP32 derivation.
 * - internal/store: Allocation persistence (wallet schema only).
 */

package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
)

// BIP44 coin types per rail.
var coinTypes = map[string]uint32{
	domain.RailBitcoin:  0,
	domain.RailEthereum: 60,
	domain.RailXRPL:     144,
}

// Authority holds the key root and serves derive/sign requests.
type Authority struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params
	repo   store.WalletRepository

	// perRail caches the m/44'/coin'/0'/0 account branch per rail.
	perRail   map[string]*hdkeychain.ExtendedKey
	perRailMu sync.Mutex

	// handleLocks serializes signing per handle to prevent double-signing
	// races on the same key.
	handleLocks   map[string]*sync.Mutex
	handleLocksMu sync.Mutex

	ethChainID int64
}

// NewAuthority builds an authority from a seed. The seed is consumed here
// and must not be retained by the caller.
func NewAuthority(seed []byte, params *chaincfg.Params, repo store.WalletRepository, ethChainID int64) (*Authority, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	return &Authority{
		master:      master,
		params:      params,
		repo:        repo,
		perRail:     make(map[string]*hdkeychain.ExtendedKey),
		handleLocks: make(map[string]*sync.Mutex),
		ethChainID:  ethChainID,
	}, nil
}

func (a *Authority) branch(rail string) (*hdkeychain.ExtendedKey, error) {
	a.perRailMu.Lock()
	defer a.perRailMu.Unlock()
	if key, ok := a.perRail[rail]; ok {
		return key, nil
	}
	coin, ok := coinTypes[rail]
	if !ok {
		return nil, fmt.Errorf("no coin type for rail %q", rail)
	}
	// m/44'/coin'/0'/0
	key := a.master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coin,
		hdkeychain.HardenedKeyStart,
		0,
	} {
		var err error
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("derive branch: %w", err)
		}
	}
	a.perRail[rail] = key
	return key, nil
}

func (a *Authority) keyAt(rail string, index uint32) (*hdkeychain.ExtendedKey, error) {
	branch, err := a.branch(rail)
	if err != nil {
		return nil, err
	}
	return branch.Derive(index)
}

// Derive allocates the next index on the rail, persists the allocation, and
// returns the opaque handle plus the encoded address. The persistence
// happens before the return, so the handle survives restarts without reuse.
func (a *Authority) Derive(ctx context.Context, rail string, paymentID uuid.UUID) (*domain.AddressAllocation, error) {
	index, err := a.repo.NextDerivationIndex(ctx, rail)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate index: %v", domain.ErrAllocation, err)
	}
	key, err := a.keyAt(rail, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAllocation, err)
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAllocation, err)
	}
	address, err := encodeAddress(rail, pub, a.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAllocation, err)
	}

	alloc := &domain.AddressAllocation{
		Handle:    uuid.NewString(),
		Rail:      rail,
		Index:     index,
		Address:   address,
		PaymentID: paymentID,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.repo.CreateAllocation(ctx, alloc); err != nil {
		return nil, fmt.Errorf("%w: persist allocation: %v", domain.ErrAllocation, err)
	}
	return alloc, nil
}

// Sign signs a transaction shape with the key behind a handle. Requests for
// handles this authority never issued are refused.
func (a *Authority) Sign(ctx context.Context, handle string, shape domain.TxShape) (*domain.SignedTx, error) {
	alloc, err := a.repo.GetAllocation(ctx, handle)
	if err != nil {
		return nil, err
	}
	if alloc.Rail != shape.Rail {
		return nil, fmt.Errorf("%w: handle belongs to rail %s, shape targets %s",
			domain.ErrSigningRefused, alloc.Rail, shape.Rail)
	}
	if !shape.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive amount", domain.ErrSigningRefused)
	}

	unlock := a.lockHandle(handle)
	defer unlock()

	key, err := a.keyAt(alloc.Rail, alloc.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningRefused, err)
	}

	signed, err := signShape(alloc, shape, priv, a.params, a.ethChainID)
	if err != nil {
		return nil, err
	}
	return signed, nil
}

func (a *Authority) lockHandle(handle string) func() {
	a.handleLocksMu.Lock()
	mu, ok := a.handleLocks[handle]
	if !ok {
		mu = &sync.Mutex{}
		a.handleLocks[handle] = mu
	}
	a.handleLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
