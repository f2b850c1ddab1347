// Package storage owns named storage containers with typed capacity,
// allocation-strategy scoring, overflow handling, and automatic
// rebalancing.
package storage

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "storage-manager"

// OverflowPolicy selects what happens to amounts no container can hold.
type OverflowPolicy string

const (
	OverflowRedistribute OverflowPolicy = "redistribute"
	OverflowConvert      OverflowPolicy = "convert"
	OverflowDiscard      OverflowPolicy = "discard"
	OverflowReject       OverflowPolicy = "reject"
)

// ContainerConfig declares a container. Capacity is split evenly across
// the declared types at registration.
type ContainerConfig struct {
	ID              string          `json:"id"`
	Capacity        float64         `json:"capacity"`
	ResourceTypes   []resource.Type `json:"resourceTypes"`
	Priority        float64         `json:"priority"`
	UpgradeLevel    int             `json:"upgradeLevel"`
	MaxUpgradeLevel int             `json:"maxUpgradeLevel"`
}

// Container is the live state for one registered container.
type Container struct {
	Config ContainerConfig
	States map[resource.Type]*resource.State
}

// TotalStored sums current across all supported types.
func (c *Container) TotalStored() float64 {
	total := 0.0
	for _, s := range c.States {
		total += s.Current
	}
	return total
}

// Supports reports whether the container accepts t.
func (c *Container) Supports(t resource.Type) bool {
	_, ok := c.States[t]
	return ok
}

// AvailableAmount reports how much of t the container can give up.
// Satisfies the cost manager's Store surface, so costs can be charged
// against one container instead of the global ledger.
func (c *Container) AvailableAmount(t resource.Type) float64 {
	if s, ok := c.States[t]; ok {
		return s.Available()
	}
	return 0
}

// Withdraw removes up to amount of t and returns the amount taken.
func (c *Container) Withdraw(t resource.Type, amount float64) float64 {
	if s, ok := c.States[t]; ok {
		return s.Remove(amount)
	}
	return 0
}

// Deposit adds amount of t and returns how much fit under capacity.
func (c *Container) Deposit(t resource.Type, amount float64) float64 {
	if s, ok := c.States[t]; ok {
		return s.Add(amount)
	}
	return 0
}

// Weights tunes the allocation score.
type Weights struct {
	Container float64
	Resource  float64
	Fill      float64
}

// Options tunes the manager; zero values fall back to defaults.
type Options struct {
	Weights            Weights
	OverflowPolicy     OverflowPolicy
	RebalanceThreshold float64
	RebalanceTolerance float64
	RedistributeGrowth float64
	Alternatives       map[resource.Type]resource.Type
	AlternativeRatio   float64
	TransferHistoryMax int
}

func (o Options) withDefaults() Options {
	if o.Weights == (Weights{}) {
		o.Weights = Weights{Container: 0.4, Resource: 0.3, Fill: 0.3}
	}
	if o.OverflowPolicy == "" {
		o.OverflowPolicy = OverflowReject
	}
	if o.RebalanceThreshold <= 0 {
		o.RebalanceThreshold = 0.20
	}
	if o.RebalanceTolerance <= 0 {
		o.RebalanceTolerance = 0.05
	}
	if o.RedistributeGrowth <= 0 {
		o.RedistributeGrowth = 0.20
	}
	if o.AlternativeRatio <= 0 {
		o.AlternativeRatio = 0.5
	}
	if o.TransferHistoryMax <= 0 {
		o.TransferHistoryMax = 500
	}
	return o
}

// Manager owns every registered container.
type Manager struct {
	ID string

	bus  *events.Bus
	errs *resource.ErrorLog
	opts Options

	containers map[string]*Container
	priorities map[resource.Type]float64
	history    []resource.Transfer
}

// New creates an empty storage manager.
func New(id string, bus *events.Bus, opts Options) *Manager {
	return &Manager{
		ID:         id,
		bus:        bus,
		errs:       resource.NewErrorLog(),
		opts:       opts.withDefaults(),
		containers: make(map[string]*Container),
		priorities: make(map[resource.Type]float64),
	}
}

// LastError returns the typed error recorded for an operation id.
func (m *Manager) LastError(op string) *resource.OpError { return m.errs.Last(op) }

// SetResourcePriority weights a type in allocation scoring.
func (m *Manager) SetResourcePriority(t resource.Type, priority float64) {
	m.priorities[t] = priority
}

// SetOverflowPolicy switches the overflow behavior at runtime.
func (m *Manager) SetOverflowPolicy(p OverflowPolicy) { m.opts.OverflowPolicy = p }

// RegisterContainer creates a container from config. Returns false on
// a missing id or empty type list.
func (m *Manager) RegisterContainer(cfg ContainerConfig) bool {
	if cfg.ID == "" || len(cfg.ResourceTypes) == 0 {
		slog.Warn("rejecting container registration", "id", cfg.ID, "reason", "missing id or resource types")
		return false
	}
	if cfg.Capacity <= 0 {
		slog.Warn("rejecting container registration", "id", cfg.ID, "reason", "non-positive capacity")
		return false
	}

	perType := cfg.Capacity / float64(len(cfg.ResourceTypes))
	states := make(map[resource.Type]*resource.State, len(cfg.ResourceTypes))
	for _, t := range cfg.ResourceTypes {
		states[t] = resource.NewState(0, 0, perType)
	}

	prev, existed := m.containers[cfg.ID]
	m.containers[cfg.ID] = &Container{Config: cfg, States: states}

	ev := events.Registered{Registry: "container", ID: cfg.ID}
	if existed {
		ev.Previous = prev.Config
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// Container returns the live container for id, or nil.
func (m *Manager) Container(id string) *Container { return m.containers[id] }

// Containers returns all containers keyed by id (live references).
func (m *Manager) Containers() map[string]*Container { return m.containers }

// StoreResource deposits up to amount of t into the container and
// returns the amount actually stored, never more than requested.
func (m *Manager) StoreResource(containerID string, t resource.Type, amount float64) float64 {
	c := m.containers[containerID]
	if c == nil || amount <= 0 {
		return 0
	}
	s, ok := c.States[t]
	if !ok {
		m.errs.Record("storeResource", resource.ErrInvalidResource,
			"container %q does not hold %v", containerID, t)
		return 0
	}
	stored := s.Add(amount)
	if stored > 0 {
		m.recordTransfer(t, stored, "external", containerID)
	}
	return stored
}

// RetrieveResource withdraws up to amount of t and returns the amount
// actually retrieved, never below the container floor.
func (m *Manager) RetrieveResource(containerID string, t resource.Type, amount float64) float64 {
	c := m.containers[containerID]
	if c == nil || amount <= 0 {
		return 0
	}
	s, ok := c.States[t]
	if !ok {
		m.errs.Record("retrieveResource", resource.ErrInvalidResource,
			"container %q does not hold %v", containerID, t)
		return 0
	}
	taken := s.Remove(amount)
	if taken > 0 {
		m.recordTransfer(t, taken, containerID, "external")
	}
	return taken
}

func (m *Manager) recordTransfer(t resource.Type, amount float64, source, target string) {
	tr := resource.Transfer{
		ID:        uuid.NewString(),
		Type:      t,
		Amount:    amount,
		Source:    source,
		Target:    target,
		Timestamp: time.Now(),
	}
	m.history = append(m.history, tr)
	if len(m.history) > m.opts.TransferHistoryMax {
		m.history = m.history[len(m.history)-m.opts.TransferHistoryMax:]
	}
	m.bus.Publish(m.ID, moduleType, events.Transferred{Transfer: tr})
}

// TransferHistory returns a copy of the bounded transfer history.
func (m *Manager) TransferHistory() []resource.Transfer {
	out := make([]resource.Transfer, len(m.history))
	copy(out, m.history)
	return out
}

// score ranks a container for allocation. fillScore favors empty
// containers when storing and full ones when retrieving.
func (m *Manager) score(c *Container, t resource.Type, storing bool) float64 {
	s := c.States[t]
	fill := s.FillRatio()
	fillScore := fill
	if storing {
		fillScore = 1 - fill
	}
	w := m.opts.Weights
	return w.Container*c.Config.Priority + w.Resource*m.priorities[t] + w.Fill*fillScore
}

// eligible returns containers supporting t sorted by descending score.
func (m *Manager) eligible(t resource.Type, storing bool) []*Container {
	var out []*Container
	for _, c := range m.containers {
		if c.Supports(t) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := m.score(out[i], t, storing), m.score(out[j], t, storing)
		if si != sj {
			return si > sj
		}
		return out[i].Config.ID < out[j].Config.ID
	})
	return out
}

// StoreResourceOptimal greedily fills the best-scoring containers and
// handles any remainder per the overflow policy. Returns the amount
// absorbed into storage (excluding discarded overflow).
func (m *Manager) StoreResourceOptimal(t resource.Type, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	remaining := amount
	for _, c := range m.eligible(t, true) {
		if remaining <= 0 {
			break
		}
		remaining -= m.StoreResource(c.Config.ID, t, remaining)
	}
	if remaining > 0 {
		remaining -= m.handleOverflow(t, remaining)
	}
	return amount - remaining
}

// RetrieveResourceOptimal greedily drains the best-scoring containers.
// Returns the amount actually retrieved.
func (m *Manager) RetrieveResourceOptimal(t resource.Type, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	remaining := amount
	for _, c := range m.eligible(t, false) {
		if remaining <= 0 {
			break
		}
		remaining -= m.RetrieveResource(c.Config.ID, t, remaining)
	}
	return amount - remaining
}

// handleOverflow applies the configured policy to an unstorable amount
// and returns how much of it was absorbed somewhere.
func (m *Manager) handleOverflow(t resource.Type, amount float64) float64 {
	policy := m.opts.OverflowPolicy
	absorbed := 0.0

	switch policy {
	case OverflowRedistribute:
		if c := m.leastUpgraded(t); c != nil {
			s := c.States[t]
			s.Max *= 1 + m.opts.RedistributeGrowth
			absorbed = m.StoreResource(c.Config.ID, t, amount)
		}

	case OverflowConvert:
		alt, ok := m.opts.Alternatives[t]
		if ok {
			converted := amount * m.opts.AlternativeRatio
			stored := 0.0
			for _, c := range m.eligible(alt, true) {
				if stored >= converted {
					break
				}
				stored += m.StoreResource(c.Config.ID, alt, converted-stored)
			}
			if stored > 0 {
				// The original amount is consumed by the conversion even
				// when the substitute only partially fits.
				absorbed = amount * (stored / converted)
			}
		}

	case OverflowDiscard:
		absorbed = amount

	case OverflowReject:
		// Left unstored; the event below carries the rejected amount.
	}

	m.bus.Publish(m.ID, moduleType, events.StorageOverflow{
		Type:     t,
		Amount:   amount,
		Policy:   string(policy),
		Absorbed: absorbed,
	})
	return absorbed
}

// leastUpgraded returns the eligible container with the lowest upgrade
// level, preferring lower ids on ties.
func (m *Manager) leastUpgraded(t resource.Type) *Container {
	var best *Container
	for _, c := range m.containers {
		if !c.Supports(t) {
			continue
		}
		if best == nil ||
			c.Config.UpgradeLevel < best.Config.UpgradeLevel ||
			(c.Config.UpgradeLevel == best.Config.UpgradeLevel && c.Config.ID < best.Config.ID) {
			best = c
		}
	}
	return best
}

// UpgradeContainer raises the container's level, growing each typed
// capacity by the redistribute growth factor per level.
func (m *Manager) UpgradeContainer(id string) bool {
	c := m.containers[id]
	if c == nil {
		return false
	}
	if c.Config.MaxUpgradeLevel > 0 && c.Config.UpgradeLevel >= c.Config.MaxUpgradeLevel {
		return false
	}
	c.Config.UpgradeLevel++
	for _, s := range c.States {
		s.Max *= 1 + m.opts.RedistributeGrowth
	}
	m.bus.Publish(m.ID, moduleType, events.StatusChanged{
		Field: "upgradeLevel:" + id,
		Old:   float64(c.Config.UpgradeLevel - 1),
		New:   float64(c.Config.UpgradeLevel),
	})
	return true
}

// TransferBetweenContainers moves t from one container to another.
// Whatever the target cannot absorb is returned to the source, so the
// source's net decrease always equals the target's increase. Returns
// the amount absorbed by the target.
func (m *Manager) TransferBetweenContainers(sourceID, targetID string, t resource.Type, amount float64) float64 {
	const op = "transferBetweenContainers"
	if sourceID == targetID {
		m.errs.Record(op, resource.ErrInvalidTransfer, "source and target are both %q", sourceID)
		return 0
	}
	src := m.containers[sourceID]
	dst := m.containers[targetID]
	if src == nil || dst == nil {
		m.errs.Record(op, resource.ErrInvalidTransfer, "unknown container %q or %q", sourceID, targetID)
		return 0
	}
	ss, ok1 := src.States[t]
	ds, ok2 := dst.States[t]
	if !ok1 || !ok2 {
		m.errs.Record(op, resource.ErrInvalidResource, "%v not held by both containers", t)
		return 0
	}

	taken := ss.Remove(amount)
	absorbed := ds.Add(taken)
	if leftover := taken - absorbed; leftover > 0 {
		ss.Add(leftover)
	}
	if absorbed > 0 {
		m.recordTransfer(t, absorbed, sourceID, targetID)
	}
	return absorbed
}

// CheckAndRebalance equalizes fill ratios per type across containers.
// When the max−min spread exceeds the threshold it moves amounts from
// above-average containers to below-average ones until every container
// is within tolerance of the system average.
func (m *Manager) CheckAndRebalance() {
	for _, t := range resource.AllTypes() {
		m.rebalanceType(t)
	}
}

func (m *Manager) rebalanceType(t resource.Type) {
	var holders []*Container
	totalCurrent, totalMax := 0.0, 0.0
	minFill, maxFill := math.Inf(1), math.Inf(-1)

	for _, c := range m.containers {
		s, ok := c.States[t]
		if !ok || s.Max <= 0 {
			continue
		}
		holders = append(holders, c)
		totalCurrent += s.Current
		totalMax += s.Max
		fill := s.FillRatio()
		minFill = math.Min(minFill, fill)
		maxFill = math.Max(maxFill, fill)
	}
	if len(holders) < 2 || totalMax <= 0 {
		return
	}
	if maxFill-minFill <= m.opts.RebalanceThreshold {
		return
	}

	avg := totalCurrent / totalMax
	tol := m.opts.RebalanceTolerance

	sort.Slice(holders, func(i, j int) bool {
		return holders[i].States[t].FillRatio() > holders[j].States[t].FillRatio()
	})

	moved := 0.0
	transfers := 0
	lo := len(holders) - 1
	for hi := 0; hi < lo; hi++ {
		hs := holders[hi].States[t]
		for hs.FillRatio() > avg+tol && hi < lo {
			ls := holders[lo].States[t]
			if ls.FillRatio() >= avg-tol {
				lo--
				continue
			}
			give := (hs.FillRatio() - avg) * hs.Max
			take := (avg - ls.FillRatio()) * ls.Max
			amount := math.Min(give, take)
			if amount <= 0 {
				break
			}
			absorbed := m.TransferBetweenContainers(
				holders[hi].Config.ID, holders[lo].Config.ID, t, amount)
			if absorbed <= 0 {
				break
			}
			moved += absorbed
			transfers++
		}
	}

	if transfers > 0 {
		m.bus.Publish(m.ID, moduleType, events.StorageRebalanced{
			Type: t, Moved: moved, Transfers: transfers,
		})
	}
}
