package ledger

import (
	"sync"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// Ledger keeps per-process rolling cost totals: overall, by model, and by
// caller tag. Amounts are USD.
type Ledger struct {
	mu       sync.RWMutex
	totalUSD float64
	byModel  map[string]float64
	byTag    map[string]float64
	requests int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byModel: make(map[string]float64),
		byTag:   make(map[string]float64),
	}
}

// Record attributes the actual cost of a completed request. A zero cost
// counts the request without changing any total. The router records only
// upstream calls, so cache hits add nothing to the ledger.
func (l *Ledger) Record(modelID, userTag string, costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requests++
	if costUSD <= 0 {
		return
	}
	l.totalUSD += costUSD
	l.byModel[modelID] += costUSD
	if userTag != "" {
		l.byTag[userTag] += costUSD
	}
}

// CheckCeiling refuses a candidate whose worst-case cost breaches the
// caller's ceiling. A zero ceiling means unlimited.
func (l *Ledger) CheckCeiling(expectedUSD, ceilingUSD float64) error {
	if ceilingUSD <= 0 {
		return nil
	}
	if expectedUSD > ceilingUSD {
		return types.NewError(types.KindCostCeiling, "expected cost exceeds cost ceiling")
	}
	return nil
}

// TotalUSD returns the overall accounted spend.
func (l *Ledger) TotalUSD() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalUSD
}

// ByModel returns a copy of the per-model totals.
func (l *Ledger) ByModel() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.byModel))
	for k, v := range l.byModel {
		out[k] = v
	}
	return out
}

// ByTag returns a copy of the per-tag totals.
func (l *Ledger) ByTag() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.byTag))
	for k, v := range l.byTag {
		out[k] = v
	}
	return out
}

// Requests returns the number of recorded requests.
func (l *Ledger) Requests() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.requests
}
