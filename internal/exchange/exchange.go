// Package exchange maintains directed conversion rates between
// commodity pairs, simulates the market condition that perturbs them,
// and executes exchanges against a balance store.
package exchange

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "exchange-manager"

// Condition is the global market regime.
type Condition uint8

const (
	Stable Condition = iota
	Volatile
	Bullish
	Bearish
)

var conditionNames = [...]string{"stable", "volatile", "bullish", "bearish"}

func (c Condition) String() string {
	if int(c) < len(conditionNames) {
		return conditionNames[c]
	}
	return "unknown"
}

// band returns the multiplier bounds for a condition.
func (c Condition) band() (lo, hi float64) {
	switch c {
	case Volatile:
		return 0.8, 1.2
	case Bullish:
		return 1.1, 1.3
	case Bearish:
		return 0.7, 0.9
	default:
		return 1.0, 1.0
	}
}

// Pair is a directed (from, to) commodity pairing.
type Pair struct {
	From resource.Type
	To   resource.Type
}

// Rate is the registered base exchange definition for one pair. Base
// rates never mutate; current rates derive from them.
type Rate struct {
	Rate      float64       `json:"rate"`
	MinAmount float64       `json:"minAmount"`
	MaxAmount float64       `json:"maxAmount"`
	Cooldown  time.Duration `json:"cooldown"`
}

// Modifier perturbs the derived rate for matching pairs. A zero From
// or To filter (flagged by Has*) matches every pair on that side.
type Modifier struct {
	ID         string        `json:"id"`
	Multiplier float64       `json:"multiplier"`
	From       resource.Type `json:"from"`
	HasFrom    bool          `json:"hasFrom"`
	To         resource.Type `json:"to"`
	HasTo      bool          `json:"hasTo"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	Active     bool          `json:"active"`
}

func (m Modifier) matches(p Pair) bool {
	if m.HasFrom && m.From != p.From {
		return false
	}
	if m.HasTo && m.To != p.To {
		return false
	}
	return true
}

func (m Modifier) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Transaction records one executed exchange.
type Transaction struct {
	ID         string        `json:"id"`
	FromType   resource.Type `json:"fromType"`
	ToType     resource.Type `json:"toType"`
	FromAmount float64       `json:"fromAmount"`
	ToAmount   float64       `json:"toAmount"`
	Rate       float64       `json:"rate"`
	Source     string        `json:"source,omitempty"`
	Target     string        `json:"target,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Store is the balance surface exchanges settle against.
type Store interface {
	AvailableAmount(t resource.Type) float64
	Withdraw(t resource.Type, amount float64) float64
	Deposit(t resource.Type, amount float64) float64
}

// Path describes a conversion route, direct or one-intermediate-hop.
type Path struct {
	Steps []Pair  `json:"steps"`
	Rate  float64 `json:"rate"` // total multiplicative rate
}

// Probabilities weights the condition transition roll.
type Probabilities struct {
	Stable, Volatile, Bullish, Bearish float64
}

// Options tunes the manager.
type Options struct {
	MarketUpdateInterval  time.Duration
	TransactionHistoryMax int
	Probabilities         Probabilities
	SentimentScale        float64 // noise time scale for in-band sampling
	Seed                  int64
}

func (o Options) withDefaults() Options {
	if o.MarketUpdateInterval <= 0 {
		o.MarketUpdateInterval = 30 * time.Second
	}
	if o.TransactionHistoryMax <= 0 {
		o.TransactionHistoryMax = 500
	}
	z := Probabilities{}
	if o.Probabilities == z {
		o.Probabilities = Probabilities{Stable: 0.60, Volatile: 0.15, Bullish: 0.15, Bearish: 0.10}
	}
	if o.SentimentScale <= 0 {
		o.SentimentScale = 0.05
	}
	return o
}

// Manager owns exchange state. Methods are synchronous; call only from
// the simulation goroutine.
type Manager struct {
	ID string

	bus  *events.Bus
	errs *resource.ErrorLog
	opts Options

	baseRates    map[Pair]Rate
	currentRates map[Pair]float64
	modifiers    map[string]Modifier

	condition           Condition
	conditionMultiplier float64
	lastMarketUpdate    time.Time
	lastExchange        map[Pair]time.Time

	history []Transaction

	rng   *rand.Rand
	noise opensimplex.Noise
	epoch time.Time
}

// New creates an exchange manager with no rates registered.
func New(id string, bus *events.Bus, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		ID:                  id,
		bus:                 bus,
		errs:                resource.NewErrorLog(),
		opts:                opts,
		baseRates:           make(map[Pair]Rate),
		currentRates:        make(map[Pair]float64),
		modifiers:           make(map[string]Modifier),
		condition:           Stable,
		conditionMultiplier: 1.0,
		lastExchange:        make(map[Pair]time.Time),
		rng:                 rand.New(rand.NewSource(opts.Seed)),
		noise:               opensimplex.New(opts.Seed),
		epoch:               time.Now(),
	}
}

// LastError returns the typed error recorded for an operation id.
func (m *Manager) LastError(op string) *resource.OpError { return m.errs.Last(op) }

// Condition returns the current market regime.
func (m *Manager) Condition() Condition { return m.condition }

// RegisterRate upserts the base rate for a pair. Returns false and
// logs on malformed input.
func (m *Manager) RegisterRate(from, to resource.Type, r Rate) bool {
	if !from.Valid() || !to.Valid() || from == to {
		slog.Warn("rejecting exchange rate", "from", from, "to", to, "reason", "invalid pair")
		return false
	}
	if r.Rate <= 0 || r.MinAmount < 0 || (r.MaxAmount > 0 && r.MaxAmount < r.MinAmount) {
		slog.Warn("rejecting exchange rate", "from", from, "to", to, "reason", "invalid bounds")
		return false
	}
	p := Pair{From: from, To: to}
	prev, existed := m.baseRates[p]
	m.baseRates[p] = r
	m.recomputeRates()
	ev := events.Registered{Registry: "exchange-rate", ID: from.String() + "->" + to.String()}
	if existed {
		ev.Previous = prev
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// CurrentRate returns the derived rate for a pair.
func (m *Manager) CurrentRate(from, to resource.Type) (float64, bool) {
	r, ok := m.currentRates[Pair{From: from, To: to}]
	return r, ok
}

// CurrentRates returns a copy of all derived rates.
func (m *Manager) CurrentRates() map[Pair]float64 {
	out := make(map[Pair]float64, len(m.currentRates))
	for k, v := range m.currentRates {
		out[k] = v
	}
	return out
}

// RegisterModifier installs or replaces a rate modifier and triggers a
// full recompute.
func (m *Manager) RegisterModifier(mod Modifier) bool {
	if mod.ID == "" || mod.Multiplier <= 0 {
		slog.Warn("rejecting rate modifier", "id", mod.ID, "reason", "invalid")
		return false
	}
	m.modifiers[mod.ID] = mod
	m.recomputeRates()
	return true
}

// UnregisterModifier removes a modifier and recomputes.
func (m *Manager) UnregisterModifier(id string) {
	if _, ok := m.modifiers[id]; !ok {
		return
	}
	delete(m.modifiers, id)
	m.recomputeRates()
}

// recomputeRates resets every derived rate to base, applies the market
// condition multiplier, then every live matching modifier.
func (m *Manager) recomputeRates() {
	now := time.Now()
	for p, base := range m.baseRates {
		rate := base.Rate * m.conditionMultiplier
		for _, mod := range m.modifiers {
			if mod.Active && !mod.expired(now) && mod.matches(p) {
				rate *= mod.Multiplier
			}
		}
		m.currentRates[p] = rate
	}
}

// UpdateMarketConditions rolls a condition transition, rate-limited to
// once per market update interval. Returns whether a roll happened.
func (m *Manager) UpdateMarketConditions(now time.Time) bool {
	if now.Sub(m.lastMarketUpdate) < m.opts.MarketUpdateInterval {
		return false
	}
	m.lastMarketUpdate = now

	old := m.condition
	roll := m.rng.Float64()
	p := m.opts.Probabilities
	switch {
	case roll < p.Stable:
		m.condition = Stable
	case roll < p.Stable+p.Volatile:
		m.condition = Volatile
	case roll < p.Stable+p.Volatile+p.Bullish:
		m.condition = Bullish
	default:
		m.condition = Bearish
	}

	// Sample the multiplier inside the condition band. The position in
	// the band follows a smooth noise curve over time, so consecutive
	// updates drift instead of jumping across the whole band.
	lo, hi := m.condition.band()
	t := now.Sub(m.epoch).Seconds() * m.opts.SentimentScale
	pos := (m.noise.Eval2(t, float64(m.condition)) + 1) / 2
	m.conditionMultiplier = lo + pos*(hi-lo)

	m.recomputeRates()

	if old != m.condition {
		m.bus.Publish(m.ID, moduleType, events.MarketChanged{
			Old: old.String(), New: m.condition.String(),
		})
		slog.Info("market condition changed",
			"old", old.String(), "new", m.condition.String(),
			"multiplier", m.conditionMultiplier)
	}
	return true
}

// CalculateExchangeAmount returns the output for exchanging amount of
// the pair, applying min/max clamping. Below-minimum requests return 0;
// above-maximum requests are computed from the capped amount.
func (m *Manager) CalculateExchangeAmount(from, to resource.Type, amount float64) float64 {
	p := Pair{From: from, To: to}
	base, ok := m.baseRates[p]
	if !ok || amount <= 0 {
		return 0
	}
	if amount < base.MinAmount {
		return 0
	}
	if base.MaxAmount > 0 && amount > base.MaxAmount {
		amount = base.MaxAmount
	}
	return amount * m.currentRates[p]
}

// ExecuteExchange converts amount of from into to against the store.
// Returns the transaction on success, nil on any validation failure
// (with a typed error recorded).
func (m *Manager) ExecuteExchange(store Store, from, to resource.Type, amount float64, source, target string) *Transaction {
	const op = "executeExchange"

	p := Pair{From: from, To: to}
	base, ok := m.baseRates[p]
	if !ok {
		m.errs.Record(op, resource.ErrInvalidResource, "no rate registered for %v->%v", from, to)
		return nil
	}
	if amount < base.MinAmount {
		m.errs.Record(op, resource.ErrInvalidTransfer,
			"amount %g below minimum %g for %v->%v", amount, base.MinAmount, from, to)
		return nil
	}
	if base.MaxAmount > 0 && amount > base.MaxAmount {
		slog.Warn("capping exchange to maximum",
			"from", from.String(), "to", to.String(),
			"requested", amount, "max", base.MaxAmount)
		amount = base.MaxAmount
	}
	now := time.Now()
	if base.Cooldown > 0 {
		if last, ok := m.lastExchange[p]; ok && now.Sub(last) < base.Cooldown {
			m.errs.Record(op, resource.ErrInvalidTransfer,
				"%v->%v on cooldown for %s", from, to, base.Cooldown-now.Sub(last))
			return nil
		}
	}
	if store.AvailableAmount(from) < amount {
		m.errs.Record(op, resource.ErrInsufficientResources,
			"%v: need %g, have %g", from, amount, store.AvailableAmount(from))
		return nil
	}

	rate := m.currentRates[p]
	out := amount * rate
	store.Withdraw(from, amount)
	store.Deposit(to, out)
	m.lastExchange[p] = now

	tx := Transaction{
		ID:         uuid.NewString(),
		FromType:   from,
		ToType:     to,
		FromAmount: amount,
		ToAmount:   out,
		Rate:       rate,
		Source:     source,
		Target:     target,
		Timestamp:  now,
	}
	m.history = append(m.history, tx)
	if len(m.history) > m.opts.TransactionHistoryMax {
		m.history = m.history[len(m.history)-m.opts.TransactionHistoryMax:]
	}

	m.bus.Publish(m.ID, moduleType, events.ExchangeCompleted{
		TransactionID: tx.ID,
		FromType:      from,
		ToType:        to,
		FromAmount:    amount,
		ToAmount:      out,
		Rate:          rate,
	})
	return &tx
}

// History returns a copy of the bounded transaction history.
func (m *Manager) History() []Transaction {
	out := make([]Transaction, len(m.history))
	copy(out, m.history)
	return out
}

// OptimalExchangePath finds the best route from one type to another: a
// direct rate when registered, otherwise the one-intermediate-hop path
// with the highest total multiplicative rate. Returns nil when no path
// exists.
func (m *Manager) OptimalExchangePath(from, to resource.Type) *Path {
	direct := Pair{From: from, To: to}
	if r, ok := m.currentRates[direct]; ok {
		return &Path{Steps: []Pair{direct}, Rate: r}
	}

	best := (*Path)(nil)
	for p1, r1 := range m.currentRates {
		if p1.From != from || p1.To == to {
			continue
		}
		p2 := Pair{From: p1.To, To: to}
		r2, ok := m.currentRates[p2]
		if !ok {
			continue
		}
		total := r1 * r2
		if best == nil || total > best.Rate {
			best = &Path{Steps: []Pair{p1, p2}, Rate: total}
		}
	}
	return best
}
