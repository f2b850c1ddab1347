package ledger

import (
	"sort"

	"github.com/talgya/starforge/internal/resource"
)

// Cost names one commodity line of a purchase.
type Cost struct {
	Type   resource.Type `json:"type"`
	Amount float64       `json:"amount"`
}

// DiscountTier applies a fractional discount once the purchased
// quantity reaches MinUnits. Tiers do not stack; the deepest matching
// tier wins.
type DiscountTier struct {
	MinUnits float64 `json:"minUnits"`
	Discount float64 `json:"discount"`
}

// Store is the balance surface the cost manager charges against. Both
// the ledger and storage containers satisfy it.
type Store interface {
	AvailableAmount(t resource.Type) float64
	Withdraw(t resource.Type, amount float64) float64
}

// AvailableAmount implements Store for the ledger.
func (l *Ledger) AvailableAmount(t resource.Type) float64 {
	if s := l.states[t]; s != nil {
		return s.Available()
	}
	return 0
}

// Withdraw implements Store for the ledger. Returns the amount taken.
func (l *Ledger) Withdraw(t resource.Type, amount float64) float64 {
	s := l.states[t]
	if s == nil {
		return 0
	}
	old := s.Current
	removed := s.Remove(amount)
	l.emitDelta(t, old, s.Current, -removed)
	return removed
}

// Deposit adds amount to t and returns how much fit under max.
func (l *Ledger) Deposit(t resource.Type, amount float64) float64 {
	s := l.states[t]
	if s == nil {
		return 0
	}
	old := s.Current
	delta := s.Add(amount)
	l.emitDelta(t, old, s.Current, delta)
	return delta
}

// CostManager validates and applies multi-resource costs.
type CostManager struct {
	ID    string
	errs  *resource.ErrorLog
	tiers []DiscountTier
}

// NewCostManager creates a cost manager with the given discount tiers.
func NewCostManager(id string, tiers []DiscountTier) *CostManager {
	sorted := make([]DiscountTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinUnits < sorted[j].MinUnits })
	return &CostManager{ID: id, errs: resource.NewErrorLog(), tiers: sorted}
}

// LastError returns the typed error recorded for an operation id.
func (m *CostManager) LastError(op string) *resource.OpError { return m.errs.Last(op) }

// EffectiveCosts scales the per-unit costs by quantity and applies the
// deepest matching discount tier.
func (m *CostManager) EffectiveCosts(costs []Cost, quantity float64) []Cost {
	if quantity <= 0 {
		return nil
	}
	discount := 0.0
	for _, tier := range m.tiers {
		if quantity >= tier.MinUnits {
			discount = tier.Discount
		}
	}
	out := make([]Cost, len(costs))
	for i, c := range costs {
		out[i] = Cost{Type: c.Type, Amount: c.Amount * quantity * (1 - discount)}
	}
	return out
}

// CanAfford reports whether every cost line is covered by the store.
func (m *CostManager) CanAfford(store Store, costs []Cost, quantity float64) bool {
	for _, c := range m.EffectiveCosts(costs, quantity) {
		if !c.Type.Valid() {
			m.errs.Record("canAfford", resource.ErrInvalidResource, "unknown resource %v", c.Type)
			return false
		}
		if store.AvailableAmount(c.Type) < c.Amount {
			return false
		}
	}
	return len(costs) > 0 && quantity > 0
}

// Apply validates then withdraws every cost line atomically with
// respect to its own state: nothing is withdrawn unless all lines are
// affordable up front.
func (m *CostManager) Apply(store Store, costs []Cost, quantity float64) bool {
	const op = "applyCost"
	effective := m.EffectiveCosts(costs, quantity)
	if len(effective) == 0 {
		m.errs.Record(op, resource.ErrInvalidTransfer, "empty cost or non-positive quantity %g", quantity)
		return false
	}
	for _, c := range effective {
		if !c.Type.Valid() {
			m.errs.Record(op, resource.ErrInvalidResource, "unknown resource %v", c.Type)
			return false
		}
		if store.AvailableAmount(c.Type) < c.Amount {
			m.errs.Record(op, resource.ErrInsufficientResources,
				"%v: need %g, have %g", c.Type, c.Amount, store.AvailableAmount(c.Type))
			return false
		}
	}
	for _, c := range effective {
		store.Withdraw(c.Type, c.Amount)
	}
	return true
}
