package flow

import (
	"math"
	"testing"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

func newTestManager() (*Manager, *events.Bus) {
	bus := events.NewBus(100)
	return New("flows", bus), bus
}

func producerNode(id string, t resource.Type, amount float64) Node {
	return Node{
		ID: id, Type: NodeProducer, Active: true,
		States: map[resource.Type]*resource.State{
			t: resource.NewState(amount, 0, amount),
		},
	}
}

func sinkNode(id string, t resource.Type, space float64) Node {
	return Node{
		ID: id, Type: NodeConsumer, Active: true,
		States: map[resource.Type]*resource.State{
			t: resource.NewState(0, 0, space),
		},
	}
}

func TestRegistrationValidation(t *testing.T) {
	m, _ := newTestManager()

	if m.RegisterNode(Node{Type: NodeProducer}) {
		t.Fatal("node without id accepted")
	}
	if m.RegisterNode(Node{ID: "n"}) {
		t.Fatal("node without type accepted")
	}
	if m.RegisterConnection(Connection{ID: "c", Source: "a", Target: "a"}) {
		t.Fatal("self-loop connection accepted")
	}
	if m.RegisterConnection(Connection{ID: "c", Source: "a", Target: "b", MaxRate: -1}) {
		t.Fatal("negative max rate accepted")
	}
	if m.RegisterConnection(Connection{ID: "c", Source: "a", Target: "b", MaxRate: math.Inf(1)}) {
		t.Fatal("infinite max rate accepted")
	}
	if !m.RegisterConnection(Connection{ID: "c", Source: "a", Target: "b", MaxRate: 10}) {
		t.Fatal("valid connection rejected")
	}
}

func TestUpsertCarriesPreviousValue(t *testing.T) {
	m, bus := newTestManager()

	var regs []events.Registered
	bus.Subscribe(events.KindRegistration, func(ev events.Event) {
		regs = append(regs, ev.Data.(events.Registered))
	})

	m.RegisterNode(producerNode("well", resource.Energy, 10))
	m.RegisterNode(producerNode("well", resource.Energy, 99))

	if len(regs) != 2 {
		t.Fatalf("registration events = %d, want 2", len(regs))
	}
	if regs[0].Previous != nil {
		t.Fatalf("first registration carried previous = %#v", regs[0].Previous)
	}
	prev, ok := regs[1].Previous.(Node)
	if !ok || prev.States[resource.Energy].Current != 10 {
		t.Fatalf("upsert previous = %#v", regs[1].Previous)
	}
}

func TestOptimizeMovesUpToMaxRate(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterNode(producerNode("well", resource.Energy, 100))
	m.RegisterNode(sinkNode("grid", resource.Energy, 1000))
	m.RegisterConnection(Connection{
		ID: "line", Source: "well", Target: "grid",
		Types: []resource.Type{resource.Energy}, MaxRate: 30, Priority: 1, Active: true,
	})

	transfers := m.OptimizeFlows()

	if len(transfers) != 1 || transfers[0].Amount != 30 {
		t.Fatalf("transfers = %+v, want one of 30", transfers)
	}
	if got := m.Node("well").States[resource.Energy].Current; got != 70 {
		t.Fatalf("source = %g, want 70", got)
	}
	if got := m.Node("grid").States[resource.Energy].Current; got != 30 {
		t.Fatalf("target = %g, want 30", got)
	}
	if got := m.Connection("line").CurrentRate; got != 30 {
		t.Fatalf("current rate = %g, want 30", got)
	}
}

func TestContentionSplitsProportionallyByPriority(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterNode(producerNode("well", resource.Energy, 100))
	m.RegisterNode(sinkNode("a", resource.Energy, 1000))
	m.RegisterNode(sinkNode("b", resource.Energy, 1000))
	m.RegisterConnection(Connection{
		ID: "to-a", Source: "well", Target: "a",
		Types: []resource.Type{resource.Energy}, MaxRate: 100, Priority: 3, Active: true,
	})
	m.RegisterConnection(Connection{
		ID: "to-b", Source: "well", Target: "b",
		Types: []resource.Type{resource.Energy}, MaxRate: 100, Priority: 1, Active: true,
	})

	m.OptimizeFlows()

	gotA := m.Node("a").States[resource.Energy].Current
	gotB := m.Node("b").States[resource.Energy].Current
	if math.Abs(gotA-75) > 1e-9 || math.Abs(gotB-25) > 1e-9 {
		t.Fatalf("split = %g / %g, want 75 / 25", gotA, gotB)
	}
	if got := m.Node("well").States[resource.Energy].Current; got != 0 {
		t.Fatalf("source left with %g, want 0", got)
	}
}

func TestLeftoverGrantedAfterSaturatedClaim(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterNode(producerNode("well", resource.Gas, 50))
	m.RegisterNode(sinkNode("small", resource.Gas, 1000))
	m.RegisterNode(sinkNode("big", resource.Gas, 1000))
	// High-priority claim only wants 10; the rest should flow to the
	// low-priority one instead of stranding at the source.
	m.RegisterConnection(Connection{
		ID: "small-line", Source: "well", Target: "small",
		Types: []resource.Type{resource.Gas}, MaxRate: 10, Priority: 3, Active: true,
	})
	m.RegisterConnection(Connection{
		ID: "big-line", Source: "well", Target: "big",
		Types: []resource.Type{resource.Gas}, MaxRate: 100, Priority: 1, Active: true,
	})

	m.OptimizeFlows()

	if got := m.Node("small").States[resource.Gas].Current; got != 10 {
		t.Fatalf("saturated claim received %g, want 10", got)
	}
	if got := m.Node("big").States[resource.Gas].Current; got != 40 {
		t.Fatalf("leftover claim received %g, want 40", got)
	}
}

func TestInactiveNodesAndConnectionsAreSkipped(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterNode(producerNode("well", resource.Energy, 100))
	m.RegisterNode(sinkNode("grid", resource.Energy, 100))

	off := Connection{
		ID: "off", Source: "well", Target: "grid",
		Types: []resource.Type{resource.Energy}, MaxRate: 50, Priority: 1,
	}
	m.RegisterConnection(off)
	if got := m.OptimizeFlows(); len(got) != 0 {
		t.Fatalf("inactive connection moved %+v", got)
	}

	off.Active = true
	m.RegisterConnection(off)
	dead := m.Node("grid")
	dead.Active = false
	if got := m.OptimizeFlows(); len(got) != 0 {
		t.Fatalf("connection to inactive node moved %+v", got)
	}
}

func TestMaxRateIsSharedAcrossCommodities(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterNode(Node{
		ID: "depot", Type: NodeStorage, Active: true,
		States: map[resource.Type]*resource.State{
			resource.Energy:   resource.NewState(100, 0, 100),
			resource.Minerals: resource.NewState(100, 0, 100),
		},
	})
	m.RegisterNode(Node{
		ID: "site", Type: NodeConsumer, Active: true,
		States: map[resource.Type]*resource.State{
			resource.Energy:   resource.NewState(0, 0, 100),
			resource.Minerals: resource.NewState(0, 0, 100),
		},
	})
	m.RegisterConnection(Connection{
		ID: "haul", Source: "depot", Target: "site",
		Types:   []resource.Type{resource.Energy, resource.Minerals},
		MaxRate: 10, Priority: 1, Active: true,
	})

	transfers := m.OptimizeFlows()

	total := 0.0
	for _, tr := range transfers {
		if tr.Amount <= 0 {
			t.Fatalf("non-positive transfer %+v", tr)
		}
		total += tr.Amount
	}
	if total > 10+1e-9 {
		t.Fatalf("connection moved %g across commodities, budget is 10", total)
	}
	if got := m.Connection("haul").CurrentRate; math.Abs(got-total) > 1e-9 {
		t.Fatalf("current rate %g != moved total %g", got, total)
	}
}

func TestOptimizationRunEventReportsTotals(t *testing.T) {
	m, bus := newTestManager()

	var runs []events.OptimizationRun
	bus.Subscribe(events.KindOptimizationRun, func(ev events.Event) {
		runs = append(runs, ev.Data.(events.OptimizationRun))
	})

	m.RegisterNode(producerNode("well", resource.Energy, 5))
	m.RegisterNode(sinkNode("grid", resource.Energy, 100))
	m.RegisterConnection(Connection{
		ID: "line", Source: "well", Target: "grid",
		Types: []resource.Type{resource.Energy}, MaxRate: 50, Priority: 1, Active: true,
	})

	m.OptimizeFlows()

	if len(runs) != 1 || runs[0].Transfers != 1 || runs[0].Moved != 5 {
		t.Fatalf("optimization events = %+v", runs)
	}
}
