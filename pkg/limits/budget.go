package limits

import (
	"fmt"
	"sync"
)

// BudgetExceeded is returned once a run spends past the configured limit.
type BudgetExceeded struct {
	SpentUSD float64
	LimitUSD float64
}

func (e *BudgetExceeded) Error() string {
	return fmt.Sprintf("model budget exhausted: spent %.4f of %.4f USD", e.SpentUSD, e.LimitUSD)
}

func (e *BudgetExceeded) Reason() string {
	return "budget_exhausted"
}

// BudgetManager tracks per-run model spend against a static USD limit.
type BudgetManager struct {
	limitUSD float64

	mu    sync.Mutex
	spent map[string]float64
}

// NewBudgetManager returns a manager enforcing limitUSD. A zero limit only
// tracks spend.
func NewBudgetManager(limitUSD float64) *BudgetManager {
	return &BudgetManager{
		limitUSD: max(limitUSD, 0),
		spent:    map[string]float64{},
	}
}

// Record adds amountUSD to the run's spend and returns the new total.
func (b *BudgetManager) Record(runID string, amountUSD float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if amountUSD <= 0 {
		return b.spent[runID], nil
	}

	total := b.spent[runID] + amountUSD
	b.spent[runID] = total

	if b.limitUSD > 0 && total > b.limitUSD {
		return total, &BudgetExceeded{SpentUSD: total, LimitUSD: b.limitUSD}
	}

	return total, nil
}

func (b *BudgetManager) Limit() float64 {
	return b.limitUSD
}

func (b *BudgetManager) Spent(runID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.spent[runID]
}

func (b *BudgetManager) Reset(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.spent, runID)
}
