package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/paybeam/paybeam/internal/amount"
)

type balanceKey struct {
	asset   string
	account string
}

// MemoryStore is an in-memory balance store for demo/development mode.
type MemoryStore struct {
	balances map[balanceKey]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, asset, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey{asset, account}]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Account: account, Asset: asset, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MemoryStore) Apply(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	to := m.balanceLocked(e.Asset, e.To)
	credited, err := amount.Add(to.Available, e.Amount)
	if err != nil {
		return err
	}

	// Check the debit side before touching anything.
	var from *Balance
	var debited int64
	if e.From != "" {
		from = m.balanceLocked(e.Asset, e.From)
		if from.Available < e.Amount {
			return ErrInsufficientFunds
		}
		debited = from.Available - e.Amount
	}

	now := e.CreatedAt
	if from != nil {
		from.Available = debited
		from.UpdatedAt = now
	}
	to.Available = credited
	to.UpdatedAt = now

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.From == account || e.To == account {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// balanceLocked returns the live balance record, creating it if needed.
// Caller must hold m.mu.
func (m *MemoryStore) balanceLocked(asset, account string) *Balance {
	k := balanceKey{asset, account}
	bal, ok := m.balances[k]
	if !ok {
		bal = &Balance{Account: account, Asset: asset}
		m.balances[k] = bal
	}
	return bal
}

var _ Store = (*MemoryStore)(nil)
