// Package flow models producer/consumer/storage/converter nodes with
// directed, rate-limited connections, and computes the transfers that
// actually happen each optimization pass.
package flow

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "flow-manager"

// NodeType classifies a node's role in the network.
type NodeType string

const (
	NodeProducer  NodeType = "producer"
	NodeConsumer  NodeType = "consumer"
	NodeStorage   NodeType = "storage"
	NodeConverter NodeType = "converter"
)

// Position is layout-only and has no effect on optimization.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex in the flow network. States holds a ResourceState
// per commodity the node handles.
type Node struct {
	ID       string                           `json:"id"`
	Type     NodeType                         `json:"type"`
	States   map[resource.Type]*resource.State `json:"states"`
	Priority float64                          `json:"priority"`
	Capacity float64                          `json:"capacity,omitempty"`
	Active   bool                             `json:"active"`
	Position Position                         `json:"position"`
}

// Connection is a directed lane between two nodes for one or more
// commodities. CurrentRate is set by the optimizer and never exceeds
// MaxRate.
type Connection struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Types       []resource.Type `json:"types"`
	MaxRate     float64         `json:"maxRate"`
	CurrentRate float64         `json:"currentRate"`
	Priority    float64         `json:"priority"`
	Active      bool            `json:"active"`
}

// Manager owns the node and connection registries.
type Manager struct {
	ID string

	bus  *events.Bus
	errs *resource.ErrorLog

	nodes       map[string]*Node
	connections map[string]*Connection
}

// New creates an empty flow manager.
func New(id string, bus *events.Bus) *Manager {
	return &Manager{
		ID:          id,
		bus:         bus,
		errs:        resource.NewErrorLog(),
		nodes:       make(map[string]*Node),
		connections: make(map[string]*Connection),
	}
}

// LastError returns the typed error recorded for an operation id.
func (m *Manager) LastError(op string) *resource.OpError { return m.errs.Last(op) }

// RegisterNode upserts a node by id and emits a registration event
// carrying the replaced value for diffing.
func (m *Manager) RegisterNode(n Node) bool {
	if n.ID == "" || n.Type == "" {
		m.errs.Record("registerNode", resource.ErrInvalidResource, "missing node id or type")
		return false
	}
	if n.States == nil {
		n.States = make(map[resource.Type]*resource.State)
	}
	prev, existed := m.nodes[n.ID]
	copied := n
	m.nodes[n.ID] = &copied

	ev := events.Registered{Registry: "flow-node", ID: n.ID}
	if existed {
		ev.Previous = *prev
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// UnregisterNode removes a node; connections touching it stop moving
// anything but stay registered.
func (m *Manager) UnregisterNode(id string) {
	prev, existed := m.nodes[id]
	if !existed {
		return
	}
	delete(m.nodes, id)
	m.bus.Publish(m.ID, moduleType, events.Registered{
		Registry: "flow-node", ID: id, Removed: true, Previous: *prev,
	})
}

// RegisterConnection upserts a connection by id.
func (m *Manager) RegisterConnection(c Connection) bool {
	if c.ID == "" || c.Source == "" || c.Target == "" || c.Source == c.Target {
		m.errs.Record("registerConnection", resource.ErrInvalidTransfer,
			"connection %q has invalid endpoints", c.ID)
		return false
	}
	if c.MaxRate < 0 || math.IsInf(c.MaxRate, 0) || math.IsNaN(c.MaxRate) {
		m.errs.Record("registerConnection", resource.ErrInvalidTransfer,
			"connection %q has invalid max rate %g", c.ID, c.MaxRate)
		return false
	}
	prev, existed := m.connections[c.ID]
	copied := c
	m.connections[c.ID] = &copied

	ev := events.Registered{Registry: "flow-connection", ID: c.ID}
	if existed {
		ev.Previous = *prev
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// UnregisterConnection removes a connection.
func (m *Manager) UnregisterConnection(id string) {
	prev, existed := m.connections[id]
	if !existed {
		return
	}
	delete(m.connections, id)
	m.bus.Publish(m.ID, moduleType, events.Registered{
		Registry: "flow-connection", ID: id, Removed: true, Previous: *prev,
	})
}

// Node returns the live node for id, or nil.
func (m *Manager) Node(id string) *Node { return m.nodes[id] }

// Connection returns the live connection for id, or nil.
func (m *Manager) Connection(id string) *Connection { return m.connections[id] }

// Nodes returns the live node registry.
func (m *Manager) Nodes() map[string]*Node { return m.nodes }

// Connections returns the live connection registry.
func (m *Manager) Connections() map[string]*Connection { return m.connections }

// claim is one connection's demand on a (source, type) pool.
type claim struct {
	conn   *Connection
	t      resource.Type
	desire float64 // min(maxRate, space at target)
	weight float64
}

// OptimizeFlows computes and applies the transfer amounts for every
// active connection. When several connections draw the same commodity
// from one source, the available amount is split proportionally to
// connection priority, then leftover capacity is granted greedily in
// priority order. Each call is self-contained: node states are read
// once into pools, so no amount is double-counted, and no transfer is
// ever negative or non-finite.
func (m *Manager) OptimizeFlows() []resource.Transfer {
	// Group competing claims per (source node, type).
	type poolKey struct {
		source string
		t      resource.Type
	}
	pools := make(map[poolKey][]claim)

	for _, c := range m.connections {
		if !c.Active {
			continue
		}
		src := m.nodes[c.Source]
		dst := m.nodes[c.Target]
		if src == nil || dst == nil || !src.Active || !dst.Active {
			continue
		}
		c.CurrentRate = 0
		for _, t := range c.Types {
			ss := src.States[t]
			ds := dst.States[t]
			if ss == nil || ds == nil {
				continue
			}
			desire := math.Min(c.MaxRate, ds.Space())
			if desire <= 0 || ss.Available() <= 0 {
				continue
			}
			weight := c.Priority
			if weight <= 0 {
				weight = 0.01
			}
			k := poolKey{source: c.Source, t: t}
			pools[k] = append(pools[k], claim{conn: c, t: t, desire: desire, weight: weight})
		}
	}

	var transfers []resource.Transfer
	now := time.Now()
	totalMoved := 0.0

	// Deterministic pool order keeps repeated passes stable.
	keys := make([]poolKey, 0, len(pools))
	for k := range pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		return keys[i].t < keys[j].t
	})

	for _, k := range keys {
		claims := pools[k]
		src := m.nodes[k.source]
		available := src.States[k.t].Available()
		if available <= 0 {
			continue
		}

		grants := allocate(claims, available)

		for i, amount := range grants {
			if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
				continue
			}
			c := claims[i].conn
			dst := m.nodes[c.Target]

			// MaxRate is a per-pass budget across all of the
			// connection's commodities.
			if amount > c.MaxRate-c.CurrentRate {
				amount = c.MaxRate - c.CurrentRate
			}
			if amount <= 0 {
				continue
			}

			taken := src.States[k.t].Remove(amount)
			absorbed := dst.States[k.t].Add(taken)
			if leftover := taken - absorbed; leftover > 0 {
				src.States[k.t].Add(leftover)
			}
			if absorbed <= 0 {
				continue
			}

			c.CurrentRate += absorbed
			totalMoved += absorbed
			transfers = append(transfers, resource.Transfer{
				ID:        uuid.NewString(),
				Type:      k.t,
				Amount:    absorbed,
				Source:    c.Source,
				Target:    c.Target,
				Timestamp: now,
			})
		}
	}

	m.bus.Publish(m.ID, moduleType, events.OptimizationRun{
		Transfers: len(transfers),
		Moved:     totalMoved,
	})
	return transfers
}

// allocate splits available among the claims: a proportional share by
// weight first, then leftover granted greedily in descending weight
// order. No grant exceeds its claim's desire.
func allocate(claims []claim, available float64) []float64 {
	grants := make([]float64, len(claims))

	totalDesire := 0.0
	totalWeight := 0.0
	for _, cl := range claims {
		totalDesire += cl.desire
		totalWeight += cl.weight
	}
	if totalDesire <= available {
		for i, cl := range claims {
			grants[i] = cl.desire
		}
		return grants
	}

	remaining := available
	for i, cl := range claims {
		share := available * cl.weight / totalWeight
		if share > cl.desire {
			share = cl.desire
		}
		grants[i] = share
		remaining -= share
	}

	// Hand leftover to the highest-priority unsatisfied claims.
	order := make([]int, len(claims))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return claims[order[a]].weight > claims[order[b]].weight
	})
	for _, i := range order {
		if remaining <= 0 {
			break
		}
		headroom := claims[i].desire - grants[i]
		if headroom <= 0 {
			continue
		}
		give := math.Min(headroom, remaining)
		grants[i] += give
		remaining -= give
	}
	return grants
}
