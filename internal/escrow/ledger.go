package escrow

import (
	"github.com/paybeam/paybeam/internal/amount"
)

// Ledger maps payer identity to the cumulative amount accepted from that payer.
// Entries are never negative. A refunded payer keeps a zero entry.
type Ledger map[string]int64

// Amount returns the payer's recorded amount, zero if absent.
func (l Ledger) Amount(payer string) int64 {
	return l[payer]
}

// Total sums all entries with overflow checking.
func (l Ledger) Total() (int64, error) {
	values := make([]int64, 0, len(l))
	for _, v := range l {
		values = append(values, v)
	}
	return amount.Sum(values...)
}

// Credit adds v to payer's entry.
func (l Ledger) Credit(payer string, v int64) error {
	if v < 0 {
		return amount.ErrNegative
	}
	next, err := amount.Add(l[payer], v)
	if err != nil {
		return err
	}
	l[payer] = next
	return nil
}

// Zero clears payer's entry and returns the prior amount.
func (l Ledger) Zero(payer string) int64 {
	prior := l[payer]
	if _, ok := l[payer]; ok {
		l[payer] = 0
	}
	return prior
}

// Clone returns an independent copy. A nil ledger clones to an empty one.
func (l Ledger) Clone() Ledger {
	cp := make(Ledger, len(l))
	for k, v := range l {
		cp[k] = v
	}
	return cp
}
