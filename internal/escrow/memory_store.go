package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paybeam/paybeam/internal/amount"
)

// MemoryStore is an in-memory invoice store for demo/development mode.
type MemoryStore struct {
	invoices map[string]*Invoice
	memos    map[string]string // memo -> invoice id
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
		memos:    make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.invoices[inv.ID]; ok {
		return ErrDuplicateInvoice
	}
	if inv.Memo != "" {
		if _, ok := m.memos[inv.Memo]; ok {
			return ErrDuplicateMemo
		}
		m.memos[inv.Memo] = inv.ID
	}
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (m *MemoryStore) GetByMemo(ctx context.Context, memo string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.memos[memo]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return m.invoices[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if stored.Version != inv.Version {
		return ErrVersionConflict
	}
	inv.Version++
	m.invoices[inv.ID] = inv.Clone()
	return nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchant string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Merchant == merchant {
			result = append(result, inv.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusOpen && inv.DueDate.Before(before) {
			result = append(result, inv.Clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// SumHeld totals the payment ledgers of unsettled invoices, i.e. what the
// escrow account should be holding.
func (m *MemoryStore) SumHeld(ctx context.Context) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var held int64
	var count int
	for _, inv := range m.invoices {
		if inv.Status == StatusSettled {
			continue
		}
		total, err := inv.Payments.Total()
		if err != nil {
			return 0, 0, fmt.Errorf("invoice %s: %w", inv.ID, err)
		}
		if total == 0 {
			continue
		}
		if held, err = amount.Add(held, total); err != nil {
			return 0, 0, err
		}
		count++
	}
	return held, count, nil
}

var _ Store = (*MemoryStore)(nil)
