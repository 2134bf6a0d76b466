/**
 * @description
 * Scriptable in-memory chain adapter for tests and local development. Tests
 * append observations and reassign block hashes to simulate deposits,
 * confirmations, and reorgs.
 */

package chain

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/anypay/settlement-engine/internal/domain"
)

// MockAdapter is a thread-safe scripted Adapter.
type MockAdapter struct {
	mu sync.Mutex

	rail          string
	tip           int64
	blocks        map[int64]string // height -> hash
	incoming      map[string][]Observation
	confirmations map[string]int
	broadcasts    []domain.SignedTx
	fee           decimal.Decimal
	finality      int

	// BroadcastErr, when set, fails the next Broadcast call once.
	BroadcastErr error
}

// NewMockAdapter creates a mock for the given rail.
func NewMockAdapter(rail string) *MockAdapter {
	return &MockAdapter{
		rail:          rail,
		blocks:        make(map[int64]string),
		incoming:      make(map[string][]Observation),
		confirmations: make(map[string]int),
		fee:           decimal.NewFromFloat(0.0001),
		finality:      6,
	}
}

// SetBlock scripts the hash at a height and raises the tip if needed.
func (m *MockAdapter) SetBlock(height int64, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[height] = hash
	if height > m.tip {
		m.tip = height
	}
}

// AddIncoming scripts an observation for an address.
func (m *MockAdapter) AddIncoming(address string, obs Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming[address] = append(m.incoming[address], obs)
	m.confirmations[obs.TxID] = obs.Confirmations
	if obs.Block.Height > 0 {
		m.blocks[obs.Block.Height] = obs.Block.Hash
		if obs.Block.Height > m.tip {
			m.tip = obs.Block.Height
		}
	}
}

// SetFinality overrides the reported finality depth.
func (m *MockAdapter) SetFinality(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finality = depth
}

// Broadcasts returns every transaction submitted so far.
func (m *MockAdapter) Broadcasts() []domain.SignedTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SignedTx, len(m.broadcasts))
	copy(out, m.broadcasts)
	return out
}

func (m *MockAdapter) Rail() string { return m.rail }

func (m *MockAdapter) FinalityDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finality
}

func (m *MockAdapter) TipHeight(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

func (m *MockAdapter) BlockRefAt(ctx context.Context, height int64) (domain.BlockRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.blocks[height]
	if !ok {
		return domain.BlockRef{}, adapterErr(ErrTxNotFound)
	}
	return domain.BlockRef{Height: height, Hash: hash}, nil
}

func (m *MockAdapter) QueryIncoming(ctx context.Context, address string, sinceHeight int64) ([]Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Observation
	for _, obs := range m.incoming[address] {
		if obs.Block.Height == 0 || obs.Block.Height >= sinceHeight {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (m *MockAdapter) Broadcast(ctx context.Context, tx domain.SignedTx) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BroadcastErr != nil {
		err := m.BroadcastErr
		m.BroadcastErr = nil
		return "", err
	}
	m.broadcasts = append(m.broadcasts, tx)
	return tx.TxID, nil
}

func (m *MockAdapter) ConfirmationsOf(ctx context.Context, txID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.confirmations[txID]
	if !ok {
		return 0, ErrTxNotFound
	}
	return count, nil
}

func (m *MockAdapter) EstimateFee(ctx context.Context, shape domain.TxShape) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fee, nil
}
