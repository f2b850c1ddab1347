// Package integration bridges the single-pool ledger to the
// specialized managers: it builds a container, node triad, connection
// pair, and mid-band threshold per resource type, mirrors ledger
// events outward, and applies realized flow transfers back onto the
// ledger so the two state representations do not diverge.
package integration

import (
	"strings"
	"time"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/flow"
	"github.com/talgya/starforge/internal/ledger"
	"github.com/talgya/starforge/internal/resource"
	"github.com/talgya/starforge/internal/storage"
	"github.com/talgya/starforge/internal/threshold"
)

// Node and container id prefixes, one triad per resource type.
const (
	producerPrefix  = "producer-"
	consumerPrefix  = "consumer-"
	storagePrefix   = "storage-"
	containerPrefix = "main-"
)

// Bridge wires the ledger to the flow, storage, and threshold managers.
type Bridge struct {
	ID string

	bus        *events.Bus
	ledger     *ledger.Ledger
	flows      *flow.Manager
	storage    *storage.Manager
	thresholds *threshold.Manager

	// Suppresses re-mirroring of ledger events the bridge itself
	// caused when applying transfers back.
	applying bool

	subs []events.Subscription
}

// New builds the bridge and constructs the per-type scaffolding
// immediately: a main container sized to the ledger max and seeded
// with the current amount, producer/consumer/storage nodes, a
// production and a consumption connection, and a threshold centered
// between min and max.
func New(id string, bus *events.Bus, lg *ledger.Ledger, fl *flow.Manager, st *storage.Manager, th *threshold.Manager) *Bridge {
	b := &Bridge{
		ID:         id,
		bus:        bus,
		ledger:     lg,
		flows:      fl,
		storage:    st,
		thresholds: th,
	}
	for _, t := range resource.AllTypes() {
		b.scaffold(t)
	}
	b.SyncRates()
	b.subscribe()
	return b
}

func (b *Bridge) scaffold(t resource.Type) {
	state := b.ledger.State(t)
	name := t.String()

	b.storage.RegisterContainer(storage.ContainerConfig{
		ID:            containerPrefix + name,
		Capacity:      state.Max,
		ResourceTypes: []resource.Type{t},
		Priority:      1,
	})
	if state.Current > 0 {
		b.storage.StoreResource(containerPrefix+name, t, state.Current)
	}

	// The producer node is a well that refills each sync; the consumer
	// node is a sink drained each sync. Only the storage node carries
	// authoritative amounts.
	b.flows.RegisterNode(flow.Node{
		ID:       producerPrefix + name,
		Type:     flow.NodeProducer,
		States:   map[resource.Type]*resource.State{t: resource.NewState(0, 0, state.Max)},
		Priority: 1,
		Active:   true,
	})
	b.flows.RegisterNode(flow.Node{
		ID:       consumerPrefix + name,
		Type:     flow.NodeConsumer,
		States:   map[resource.Type]*resource.State{t: resource.NewState(0, 0, state.Max)},
		Priority: 1,
		Active:   true,
	})
	b.flows.RegisterNode(flow.Node{
		ID:       storagePrefix + name,
		Type:     flow.NodeStorage,
		States:   map[resource.Type]*resource.State{t: resource.NewState(state.Current, 0, state.Max)},
		Priority: 1,
		Active:   true,
	})

	b.flows.RegisterConnection(flow.Connection{
		ID:       "production-" + name,
		Source:   producerPrefix + name,
		Target:   storagePrefix + name,
		Types:    []resource.Type{t},
		Priority: 1,
		Active:   true,
	})
	b.flows.RegisterConnection(flow.Connection{
		ID:       "consumption-" + name,
		Source:   storagePrefix + name,
		Target:   consumerPrefix + name,
		Types:    []resource.Type{t},
		Priority: 1,
		Active:   true,
	})

	mid := (state.Min + state.Max) / 2
	b.thresholds.Register(threshold.Config{
		ID: "band-" + name,
		Threshold: resource.Threshold{
			Type:      t,
			Min:       state.Min + 0.1*(state.Max-state.Min),
			Max:       state.Max - 0.1*(state.Max-state.Min),
			Target:    mid,
			HasMin:    true,
			HasMax:    true,
			HasTarget: true,
		},
		Actions: []threshold.Action{
			{Kind: threshold.ActionNotify, Type: t, Message: name + " outside operating band"},
		},
		Enabled:     true,
		AutoResolve: true,
	})
}

// SyncRates resizes each connection's MaxRate from the ledger's
// currently registered production and consumption rules, normalized to
// per-second rates. Connections with no matching rule keep MaxRate 0
// and move nothing.
func (b *Bridge) SyncRates() {
	prodRates := make(map[resource.Type]float64)
	for _, p := range b.ledger.Productions() {
		if p.Interval > 0 {
			prodRates[p.Type] += p.Amount / p.Interval.Seconds()
		}
	}
	consRates := make(map[resource.Type]float64)
	for _, c := range b.ledger.Consumptions() {
		if c.Interval > 0 {
			consRates[c.Type] += c.Amount / c.Interval.Seconds()
		}
	}

	for _, t := range resource.AllTypes() {
		name := t.String()
		if c := b.flows.Connection("production-" + name); c != nil {
			c.MaxRate = prodRates[t]
		}
		if c := b.flows.Connection("consumption-" + name); c != nil {
			c.MaxRate = consRates[t]
		}
	}
}

// subscribe mirrors ledger-emitted events into the specialized
// managers so their view tracks the canonical pool.
func (b *Bridge) subscribe() {
	mirror := func(ev events.Event) {
		if b.applying {
			return
		}
		switch data := ev.Data.(type) {
		case events.ResourceDelta:
			b.syncType(data.Type)
		case events.Consumed:
			b.syncType(data.Type)
		case events.Transferred:
			b.syncType(data.Transfer.Type)
		case events.Shortage:
			// Starved consumers outrank everything on the next pass.
			if c := b.flows.Connection("consumption-" + data.Type.String()); c != nil {
				c.Priority = 10
			}
		}
	}
	b.subs = append(b.subs,
		b.bus.Subscribe(events.KindResourceProduced, mirror),
		b.bus.Subscribe(events.KindResourceConsumed, mirror),
		b.bus.Subscribe(events.KindResourceTransferred, mirror),
		b.bus.Subscribe(events.KindResourceShortage, mirror),
	)
}

// Close detaches the bridge from the bus.
func (b *Bridge) Close() {
	for _, s := range b.subs {
		b.bus.Unsubscribe(s)
	}
	b.subs = nil
}

// syncType copies the ledger's amount for one type into the main
// container and the storage flow node.
func (b *Bridge) syncType(t resource.Type) {
	amount := b.ledger.Amount(t)
	name := t.String()

	if c := b.storage.Container(containerPrefix + name); c != nil {
		if s := c.States[t]; s != nil {
			s.Set(amount)
		}
	}
	if n := b.flows.Node(storagePrefix + name); n != nil {
		if s := n.States[t]; s != nil {
			s.Set(amount)
		}
	}
}

// Update runs one optimization pass and applies the realized transfers
// back onto the ledger: producer→storage deposits, storage→consumer
// withdraws. Producer wells are refilled and consumer sinks drained
// afterwards so the next pass starts clean.
func (b *Bridge) Update(deltaTime time.Duration) []resource.Transfer {
	// Producer supply for this pass is bounded by the pass duration.
	for _, t := range resource.AllTypes() {
		name := t.String()
		if c := b.flows.Connection("production-" + name); c != nil && c.MaxRate > 0 {
			if n := b.flows.Node(producerPrefix + name); n != nil {
				if s := n.States[t]; s != nil {
					s.Set(c.MaxRate * deltaTime.Seconds())
				}
			}
		}
	}

	transfers := b.flows.OptimizeFlows()

	b.applying = true
	for _, tr := range transfers {
		switch {
		case strings.HasPrefix(tr.Source, producerPrefix) && strings.HasPrefix(tr.Target, storagePrefix):
			b.ledger.Deposit(tr.Type, tr.Amount)
		case strings.HasPrefix(tr.Source, storagePrefix) && strings.HasPrefix(tr.Target, consumerPrefix):
			b.ledger.Withdraw(tr.Type, tr.Amount)
		}
	}
	b.applying = false

	// Drain sinks and realign storage nodes with the ledger.
	for _, t := range resource.AllTypes() {
		name := t.String()
		if n := b.flows.Node(consumerPrefix + name); n != nil {
			if s := n.States[t]; s != nil {
				s.Set(0)
			}
		}
		b.syncType(t)
	}
	return transfers
}
