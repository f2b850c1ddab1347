// Package ledger holds the canonical global resource view and the
// registered production, consumption, and flow rules that drive it
// every tick.
package ledger

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "resource-ledger"

// MetricRecorder receives one sample per resource type per update.
// The performance monitor implements it; a nil recorder is skipped.
type MetricRecorder interface {
	RecordSample(t resource.Type, production, consumption, current, max float64)
}

// Strategy is a prioritized optimization pass run at the head of every
// update, gated by its own condition.
type Strategy struct {
	ID        string
	Priority  int
	Condition func(*Ledger) bool
	Apply     func(*Ledger, time.Duration)
}

// Options tunes ledger behavior; zero values fall back to defaults.
type Options struct {
	MinTransferBatch       float64
	MaxTransferBatch       float64
	TransferRateMultiplier float64
	TransferHistoryMax     int
}

func (o Options) withDefaults() Options {
	if o.MaxTransferBatch <= 0 {
		o.MaxTransferBatch = 10000
	}
	if o.TransferRateMultiplier <= 0 {
		o.TransferRateMultiplier = 1
	}
	if o.TransferHistoryMax <= 0 {
		o.TransferHistoryMax = 500
	}
	return o
}

// Ledger is the legacy single-object resource manager. All methods are
// synchronous and must only be called from the simulation goroutine.
type Ledger struct {
	ID string

	bus  *events.Bus
	errs *resource.ErrorLog
	opts Options

	states       map[resource.Type]*resource.State
	productions  map[string]resource.Production
	consumptions map[string]resource.Consumption
	flows        map[string]resource.Flow
	strategies   []Strategy

	history           []resource.Transfer
	storageEfficiency float64

	recorder MetricRecorder
}

// New creates a ledger with a state entry for every known type.
func New(id string, bus *events.Bus, opts Options) *Ledger {
	l := &Ledger{
		ID:                id,
		bus:               bus,
		errs:              resource.NewErrorLog(),
		opts:              opts.withDefaults(),
		states:            make(map[resource.Type]*resource.State),
		productions:       make(map[string]resource.Production),
		consumptions:      make(map[string]resource.Consumption),
		flows:             make(map[string]resource.Flow),
		storageEfficiency: 1.0,
	}
	for _, t := range resource.AllTypes() {
		l.states[t] = resource.NewState(0, 0, 1000)
	}
	return l
}

// SetRecorder installs the performance sampler.
func (l *Ledger) SetRecorder(r MetricRecorder) { l.recorder = r }

// LastError returns the typed error recorded for an operation id.
func (l *Ledger) LastError(op string) *resource.OpError { return l.errs.Last(op) }

// State returns the live state for t, or nil for an unknown type.
// Callers must treat the result as read-only; mutation goes through
// Set/Add/Remove so clamping and events stay consistent.
func (l *Ledger) State(t resource.Type) *resource.State { return l.states[t] }

// Amount returns the current amount of t, 0 for unknown types.
func (l *Ledger) Amount(t resource.Type) float64 {
	if s := l.states[t]; s != nil {
		return s.Current
	}
	return 0
}

// SetAmount assigns the amount for t, clamped. Emits a produced or
// consumed event depending on the direction of the applied delta.
func (l *Ledger) SetAmount(t resource.Type, v float64) bool {
	s := l.states[t]
	if s == nil {
		l.errs.Record("setAmount", resource.ErrInvalidResource, "unknown resource %v", t)
		return false
	}
	old := s.Current
	delta := s.Set(v)
	l.emitDelta(t, old, s.Current, delta)
	return true
}

// AddAmount increases t by amount (clamped at max).
func (l *Ledger) AddAmount(t resource.Type, amount float64) bool {
	s := l.states[t]
	if s == nil {
		l.errs.Record("addAmount", resource.ErrInvalidResource, "unknown resource %v", t)
		return false
	}
	old := s.Current
	delta := s.Add(amount)
	l.emitDelta(t, old, s.Current, delta)
	return true
}

// RemoveAmount decreases t by amount (clamped at min).
func (l *Ledger) RemoveAmount(t resource.Type, amount float64) bool {
	s := l.states[t]
	if s == nil {
		l.errs.Record("removeAmount", resource.ErrInvalidResource, "unknown resource %v", t)
		return false
	}
	old := s.Current
	removed := s.Remove(amount)
	l.emitDelta(t, old, s.Current, -removed)
	return true
}

func (l *Ledger) emitDelta(t resource.Type, old, now, delta float64) {
	if delta == 0 {
		return
	}
	if delta > 0 {
		l.bus.Publish(l.ID, moduleType, events.ResourceDelta{
			Type: t, Old: old, New: now, Delta: delta,
		})
		return
	}
	l.bus.Publish(l.ID, moduleType, events.Consumed{
		Type: t, Old: old, New: now, Delta: delta,
	})
}

// SetCapacity adjusts min/max bounds for t, re-clamping current.
func (l *Ledger) SetCapacity(t resource.Type, min, max float64) bool {
	s := l.states[t]
	if s == nil || max < min {
		l.errs.Record("setCapacity", resource.ErrInvalidResource, "unknown resource or bad bounds for %v", t)
		return false
	}
	s.Min, s.Max = min, max
	s.Set(s.Current)
	return true
}

// RegisterProduction upserts a production rule by id.
func (l *Ledger) RegisterProduction(id string, p resource.Production) {
	prev, existed := l.productions[id]
	l.productions[id] = p
	l.recalcRates()
	l.publishRegistration("production", id, existed, prev, false)
}

// UnregisterProduction removes a rule; no-op for unknown ids.
func (l *Ledger) UnregisterProduction(id string) {
	prev, existed := l.productions[id]
	if !existed {
		return
	}
	delete(l.productions, id)
	l.recalcRates()
	l.publishRegistration("production", id, true, prev, true)
}

// RegisterConsumption upserts a consumption rule by id.
func (l *Ledger) RegisterConsumption(id string, c resource.Consumption) {
	prev, existed := l.consumptions[id]
	l.consumptions[id] = c
	l.recalcRates()
	l.publishRegistration("consumption", id, existed, prev, false)
}

// UnregisterConsumption removes a rule; no-op for unknown ids.
func (l *Ledger) UnregisterConsumption(id string) {
	prev, existed := l.consumptions[id]
	if !existed {
		return
	}
	delete(l.consumptions, id)
	l.recalcRates()
	l.publishRegistration("consumption", id, true, prev, true)
}

// recalcRates rebuilds every state's production and consumption rate
// from the registered rules, normalized to per-second. Called on every
// rule change so metric samples and optimization strategies see the
// live rates. Strategies may decay these between rule changes.
func (l *Ledger) recalcRates() {
	for _, s := range l.states {
		s.Production, s.Consumption = 0, 0
	}
	for _, p := range l.productions {
		if s := l.states[p.Type]; s != nil && p.Interval > 0 {
			s.Production += p.Amount / p.Interval.Seconds()
		}
	}
	for _, c := range l.consumptions {
		if s := l.states[c.Type]; s != nil && c.Interval > 0 {
			s.Consumption += c.Amount / c.Interval.Seconds()
		}
	}
}

// RegisterFlow upserts a flow rule by id.
func (l *Ledger) RegisterFlow(id string, f resource.Flow) {
	prev, existed := l.flows[id]
	l.flows[id] = f
	l.publishRegistration("flow", id, existed, prev, false)
}

// UnregisterFlow removes a rule; no-op for unknown ids.
func (l *Ledger) UnregisterFlow(id string) {
	prev, existed := l.flows[id]
	if !existed {
		return
	}
	delete(l.flows, id)
	l.publishRegistration("flow", id, true, prev, true)
}

func (l *Ledger) publishRegistration(registry, id string, existed bool, prev any, removed bool) {
	ev := events.Registered{Registry: registry, ID: id, Removed: removed}
	if existed {
		ev.Previous = prev
	}
	l.bus.Publish(l.ID, moduleType, ev)
}

// Productions returns a copy of the registered production rules.
func (l *Ledger) Productions() map[string]resource.Production {
	out := make(map[string]resource.Production, len(l.productions))
	for k, v := range l.productions {
		out[k] = v
	}
	return out
}

// Consumptions returns a copy of the registered consumption rules.
func (l *Ledger) Consumptions() map[string]resource.Consumption {
	out := make(map[string]resource.Consumption, len(l.consumptions))
	for k, v := range l.consumptions {
		out[k] = v
	}
	return out
}

// Flows returns a copy of the registered flow rules.
func (l *Ledger) Flows() map[string]resource.Flow {
	out := make(map[string]resource.Flow, len(l.flows))
	for k, v := range l.flows {
		out[k] = v
	}
	return out
}

// RegisterStrategy adds an optimization pass. Strategies run before
// production each update, highest priority first.
func (l *Ledger) RegisterStrategy(s Strategy) {
	for i := range l.strategies {
		if l.strategies[i].ID == s.ID {
			l.strategies[i] = s
			return
		}
	}
	l.strategies = append(l.strategies, s)
}

// Update advances the ledger by deltaTime. Order: strategies, metric
// samples, productions, consumptions, flows.
func (l *Ledger) Update(deltaTime time.Duration) {
	if deltaTime <= 0 {
		return
	}

	due := make([]Strategy, 0, len(l.strategies))
	for _, s := range l.strategies {
		if s.Condition == nil || s.Condition(l) {
			due = append(due, s)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Priority > due[j].Priority })
	for _, s := range due {
		s.Apply(l, deltaTime)
	}

	if l.recorder != nil {
		for t, s := range l.states {
			l.recorder.RecordSample(t, s.Production, s.Consumption, s.Current, s.Max)
		}
	}

	for _, p := range l.productions {
		if !l.conditionsHold(p.Conditions) || p.Interval <= 0 {
			continue
		}
		amount := p.Amount * deltaTime.Seconds() / p.Interval.Seconds()
		l.AddAmount(p.Type, amount)
	}

	for id, c := range l.consumptions {
		if !l.conditionsHold(c.Conditions) || c.Interval <= 0 {
			continue
		}
		amount := c.Amount * deltaTime.Seconds() / c.Interval.Seconds()
		s := l.states[c.Type]
		if s == nil {
			continue
		}
		if c.Required && s.Available() < amount {
			l.bus.Publish(l.ID, moduleType, events.Shortage{
				Type:      c.Type,
				Requested: amount,
				Available: s.Available(),
				Rule:      id,
			})
			continue
		}
		l.RemoveAmount(c.Type, amount)
	}

	for _, f := range l.flows {
		if !l.conditionsHold(f.Conditions) {
			continue
		}
		for _, r := range f.Rates {
			if r.Interval <= 0 {
				continue
			}
			amount := r.Amount * deltaTime.Seconds() / r.Interval.Seconds()
			l.TransferResources(r.Type, amount, f.Source, f.Target)
		}
	}
}

func (l *Ledger) conditionsHold(conds []resource.Threshold) bool {
	for _, c := range conds {
		s := l.states[c.Type]
		if s == nil || !c.Holds(s.Current) {
			return false
		}
	}
	return true
}

// TransferResources validates and records a transfer between two
// entities drawing on the global pool. Returns false and records a
// typed error on any validation failure.
func (l *Ledger) TransferResources(t resource.Type, amount float64, source, target string) bool {
	const op = "transferResources"

	s := l.states[t]
	if s == nil {
		l.errs.Record(op, resource.ErrInvalidResource, "unknown resource %v", t)
		return false
	}
	if source == target {
		l.errs.Record(op, resource.ErrInvalidTransfer, "source and target are both %q", source)
		return false
	}
	if amount <= 0 {
		l.errs.Record(op, resource.ErrInvalidTransfer, "non-positive amount %g", amount)
		return false
	}

	if amount < l.opts.MinTransferBatch {
		amount = l.opts.MinTransferBatch
	}
	if amount > l.opts.MaxTransferBatch {
		amount = l.opts.MaxTransferBatch
	}
	amount *= l.opts.TransferRateMultiplier

	if s.Available() < amount {
		l.errs.Record(op, resource.ErrInsufficientResources,
			"%v: need %g, have %g", t, amount, s.Available())
		return false
	}

	tr := resource.Transfer{
		ID:        uuid.NewString(),
		Type:      t,
		Amount:    amount,
		Source:    source,
		Target:    target,
		Timestamp: time.Now(),
	}
	l.history = append(l.history, tr)
	if len(l.history) > l.opts.TransferHistoryMax {
		l.history = l.history[len(l.history)-l.opts.TransferHistoryMax:]
	}
	l.bus.Publish(l.ID, moduleType, events.Transferred{Transfer: tr})
	return true
}

// TransferHistory returns a copy of the bounded transfer history.
func (l *Ledger) TransferHistory() []resource.Transfer {
	out := make([]resource.Transfer, len(l.history))
	copy(out, l.history)
	return out
}

// StorageEfficiency returns the current capacity multiplier level.
func (l *Ledger) StorageEfficiency() float64 { return l.storageEfficiency }

// SetStorageEfficiency rescales every max capacity proportionally to
// the new level and emits a status event.
func (l *Ledger) SetStorageEfficiency(level float64) bool {
	if level <= 0 {
		l.errs.Record("setStorageEfficiency", resource.ErrInvalidResource, "non-positive level %g", level)
		return false
	}
	old := l.storageEfficiency
	scale := level / old
	for _, s := range l.states {
		s.Max *= scale
		s.Set(s.Current)
	}
	l.storageEfficiency = level
	l.bus.Publish(l.ID, moduleType, events.StatusChanged{
		Field: "storageEfficiency", Old: old, New: level,
	})
	slog.Info("storage efficiency changed", "ledger", l.ID, "old", old, "new", level)
	return true
}

// DefaultStrategies returns the shipped optimization passes:
// production balancing, consumption throttling, and transfer pacing.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			ID:       "production-balancing",
			Priority: 30,
			Condition: func(l *Ledger) bool {
				// Only worth running when something is near capacity.
				for _, s := range l.states {
					if s.FillRatio() > 0.95 && s.Production > 0 {
						return true
					}
				}
				return false
			},
			Apply: func(l *Ledger, _ time.Duration) {
				for _, s := range l.states {
					if s.FillRatio() > 0.95 && s.Production > 0 {
						s.Production *= 0.9
					}
				}
			},
		},
		{
			ID:       "consumption-throttling",
			Priority: 20,
			Condition: func(l *Ledger) bool {
				for _, s := range l.states {
					if s.FillRatio() < 0.05 && s.Consumption > 0 {
						return true
					}
				}
				return false
			},
			Apply: func(l *Ledger, _ time.Duration) {
				for _, s := range l.states {
					if s.FillRatio() < 0.05 && s.Consumption > 0 {
						s.Consumption *= 0.9
					}
				}
			},
		},
		{
			ID:       "transfer-pacing",
			Priority: 10,
			Condition: func(l *Ledger) bool {
				return len(l.history) > l.opts.TransferHistoryMax/2
			},
			Apply: func(l *Ledger, _ time.Duration) {
				if l.opts.TransferRateMultiplier > 0.5 {
					l.opts.TransferRateMultiplier *= 0.95
				}
			},
		},
	}
}
