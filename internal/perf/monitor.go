// Package perf is the observational layer: it samples per-type
// production, consumption, and utilization, scores efficiency, flags
// bottlenecks, and hosts the advisory adaptive layer.
package perf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "perf-monitor"

// bottleneckEfficiency is the score below which a type is flagged.
const bottleneckEfficiency = 0.6

// Sample is one per-type measurement taken on a ledger update.
type Sample struct {
	Production  float64   `json:"production"`
	Consumption float64   `json:"consumption"`
	Utilization float64   `json:"utilization"`
	Timestamp   time.Time `json:"timestamp"`
}

// TypeMetrics is the aggregate view of one resource type over the
// retained sample window.
type TypeMetrics struct {
	Type        resource.Type `json:"type"`
	Production  float64       `json:"production"`
	Consumption float64       `json:"consumption"`
	Utilization float64       `json:"utilization"`
	Efficiency  float64       `json:"efficiency"`
	Bottleneck  bool          `json:"bottleneck"`
}

// Snapshot aggregates all types at one instant.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	SystemLoad      float64       `json:"systemLoad"`
	Metrics         []TypeMetrics `json:"metrics"`
	Bottlenecks     []string      `json:"bottlenecks,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Monitor retains a bounded sample window per resource type. It
// satisfies the ledger's MetricRecorder.
type Monitor struct {
	ID string

	bus        *events.Bus
	maxSamples int

	samples   map[resource.Type][]Sample
	snapshots []Snapshot
	maxKeep   int
}

// NewMonitor creates a monitor keeping up to maxSamples per type and
// maxKeep snapshots.
func NewMonitor(id string, bus *events.Bus, maxSamples, maxKeep int) *Monitor {
	if maxSamples <= 0 {
		maxSamples = 120
	}
	if maxKeep <= 0 {
		maxKeep = 60
	}
	return &Monitor{
		ID:         id,
		bus:        bus,
		maxSamples: maxSamples,
		maxKeep:    maxKeep,
		samples:    make(map[resource.Type][]Sample),
	}
}

// RecordSample stores one measurement for a type. Utilization is
// current/max, zero when max is zero.
func (m *Monitor) RecordSample(t resource.Type, production, consumption, current, max float64) {
	util := 0.0
	if max > 0 {
		util = current / max
	}
	s := Sample{
		Production:  production,
		Consumption: consumption,
		Utilization: util,
		Timestamp:   time.Now(),
	}
	window := append(m.samples[t], s)
	if len(window) > m.maxSamples {
		window = window[len(window)-m.maxSamples:]
	}
	m.samples[t] = window
}

// Samples returns the retained window for a type.
func (m *Monitor) Samples(t resource.Type) []Sample { return m.samples[t] }

// efficiency rewards matched production/consumption and mid-range
// utilization. Both halves top out, so the score stays in a small
// fixed range.
func efficiency(production, consumption, utilization float64) float64 {
	ratio := 1.5
	if consumption > 0 {
		ratio = math.Min(production/consumption, 1.5)
	}
	return (ratio + (1 - math.Abs(0.5-utilization))) / 2
}

// metricsFor averages the retained window into one TypeMetrics.
func (m *Monitor) metricsFor(t resource.Type) (TypeMetrics, bool) {
	window := m.samples[t]
	if len(window) == 0 {
		return TypeMetrics{}, false
	}
	var prod, cons, util float64
	for _, s := range window {
		prod += s.Production
		cons += s.Consumption
		util += s.Utilization
	}
	n := float64(len(window))
	prod, cons, util = prod/n, cons/n, util/n

	tm := TypeMetrics{
		Type:        t,
		Production:  prod,
		Consumption: cons,
		Utilization: util,
		Efficiency:  efficiency(prod, cons, util),
	}
	tm.Bottleneck = tm.Efficiency < bottleneckEfficiency
	return tm, true
}

// TakeSnapshot aggregates every sampled type, flags bottlenecks, and
// publishes a snapshot event. System load is the mean utilization.
func (m *Monitor) TakeSnapshot(now time.Time) Snapshot {
	snap := Snapshot{Timestamp: now}

	types := make([]resource.Type, 0, len(m.samples))
	for t := range m.samples {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var loadSum float64
	for _, t := range types {
		tm, ok := m.metricsFor(t)
		if !ok {
			continue
		}
		snap.Metrics = append(snap.Metrics, tm)
		loadSum += tm.Utilization
		if tm.Bottleneck {
			snap.Bottlenecks = append(snap.Bottlenecks, t.String())
			snap.Recommendations = append(snap.Recommendations, recommend(tm))
		}
	}
	if len(snap.Metrics) > 0 {
		snap.SystemLoad = loadSum / float64(len(snap.Metrics))
	}

	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > m.maxKeep {
		m.snapshots = m.snapshots[len(m.snapshots)-m.maxKeep:]
	}

	m.bus.Publish(m.ID, moduleType, events.PerfSnapshot{
		SystemLoad:  snap.SystemLoad,
		Bottlenecks: snap.Bottlenecks,
	})
	return snap
}

// Snapshots returns the retained snapshot history, oldest first.
func (m *Monitor) Snapshots() []Snapshot { return m.snapshots }

// Latest returns the most recent snapshot, or a zero snapshot when
// none has been taken yet.
func (m *Monitor) Latest() Snapshot {
	if len(m.snapshots) == 0 {
		return Snapshot{}
	}
	return m.snapshots[len(m.snapshots)-1]
}

// recommend turns a bottlenecked metric into an operator-facing hint.
func recommend(tm TypeMetrics) string {
	name := tm.Type.String()
	switch {
	case tm.Consumption > 0 && tm.Production/tm.Consumption < 1:
		return fmt.Sprintf("%s: production trails consumption, raise production or throttle consumers", name)
	case tm.Utilization > 0.9:
		return fmt.Sprintf("%s: storage nearly full, expand capacity or rebalance", name)
	case tm.Utilization < 0.1:
		return fmt.Sprintf("%s: storage nearly empty, reduce outflows or request transfers", name)
	default:
		return fmt.Sprintf("%s: efficiency %.2f below target, review flow priorities", name, tm.Efficiency)
	}
}
