package ledger

import (
	"testing"
	"time"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

func newTestLedger() (*Ledger, *events.Bus) {
	bus := events.NewBus(100)
	return New("ledger", bus, Options{}), bus
}

func TestRegisterProductionIsIdempotentUpsert(t *testing.T) {
	l, _ := newTestLedger()

	l.RegisterProduction("solar", resource.Production{
		Type: resource.Energy, Amount: 10, Interval: time.Second,
	})
	l.RegisterProduction("solar", resource.Production{
		Type: resource.Energy, Amount: 25, Interval: time.Second,
	})

	prods := l.Productions()
	if len(prods) != 1 {
		t.Fatalf("registered rules = %d, want 1", len(prods))
	}
	if prods["solar"].Amount != 25 {
		t.Fatalf("second registration did not overwrite: amount = %g", prods["solar"].Amount)
	}
}

func TestUpdateAppliesProductionScaledByDelta(t *testing.T) {
	l, _ := newTestLedger()
	l.SetAmount(resource.Energy, 100)
	l.RegisterProduction("solar", resource.Production{
		Type: resource.Energy, Amount: 10, Interval: time.Second,
	})

	// Half a second at 10/s should add 5.
	l.Update(500 * time.Millisecond)

	if got := l.Amount(resource.Energy); got != 105 {
		t.Fatalf("energy after update = %g, want 105", got)
	}
}

func TestRequiredConsumptionShortfallEmitsShortage(t *testing.T) {
	l, bus := newTestLedger()
	l.SetAmount(resource.Food, 2)

	var shortages []events.Shortage
	bus.Subscribe(events.KindResourceShortage, func(ev events.Event) {
		shortages = append(shortages, ev.Data.(events.Shortage))
	})

	l.RegisterConsumption("crew", resource.Consumption{
		Type: resource.Food, Amount: 10, Interval: time.Second, Required: true,
	})
	l.Update(time.Second)

	if len(shortages) != 1 {
		t.Fatalf("shortage events = %d, want 1", len(shortages))
	}
	if shortages[0].Requested != 10 || shortages[0].Available != 2 {
		t.Fatalf("shortage = %+v", shortages[0])
	}
	// Required consumption is all-or-nothing: no partial draw.
	if got := l.Amount(resource.Food); got != 2 {
		t.Fatalf("food after shortage = %g, want 2 (untouched)", got)
	}
}

func TestOptionalConsumptionDrawsPartially(t *testing.T) {
	l, _ := newTestLedger()
	l.SetAmount(resource.Food, 4)
	l.RegisterConsumption("snacks", resource.Consumption{
		Type: resource.Food, Amount: 10, Interval: time.Second,
	})

	l.Update(time.Second)

	if got := l.Amount(resource.Food); got != 0 {
		t.Fatalf("food = %g, want 0 (clamped draw)", got)
	}
}

// rateRecorder keeps the last production/consumption sample per type.
type rateRecorder struct {
	samples map[resource.Type][2]float64
}

func (r *rateRecorder) RecordSample(t resource.Type, production, consumption, current, max float64) {
	r.samples[t] = [2]float64{production, consumption}
}

func TestRegisteredRatesFeedMetricSamples(t *testing.T) {
	l, _ := newTestLedger()
	l.SetAmount(resource.Energy, 500)

	l.RegisterProduction("reactor", resource.Production{
		Type: resource.Energy, Amount: 10, Interval: time.Second,
	})
	l.RegisterConsumption("habitat", resource.Consumption{
		Type: resource.Energy, Amount: 40, Interval: time.Second,
	})

	st := l.State(resource.Energy)
	if st.Production != 10 || st.Consumption != 40 {
		t.Fatalf("state rates = %g/%g, want 10/40", st.Production, st.Consumption)
	}

	rec := &rateRecorder{samples: make(map[resource.Type][2]float64)}
	l.SetRecorder(rec)
	l.Update(time.Second)

	got := rec.samples[resource.Energy]
	if got[0] != 10 || got[1] != 40 {
		t.Fatalf("sampled production/consumption = %g/%g, want 10/40", got[0], got[1])
	}
}

func TestRatesSumRulesAndNormalizePerSecond(t *testing.T) {
	l, _ := newTestLedger()

	l.RegisterProduction("mine-a", resource.Production{
		Type: resource.Minerals, Amount: 10, Interval: time.Second,
	})
	l.RegisterProduction("mine-b", resource.Production{
		Type: resource.Minerals, Amount: 10, Interval: 2 * time.Second,
	})

	if got := l.State(resource.Minerals).Production; got != 15 {
		t.Fatalf("production rate = %g, want 15", got)
	}

	l.UnregisterProduction("mine-a")
	if got := l.State(resource.Minerals).Production; got != 5 {
		t.Fatalf("production rate after unregister = %g, want 5", got)
	}
}

func TestTransferResourcesValidation(t *testing.T) {
	l, _ := newTestLedger()
	l.SetAmount(resource.Minerals, 100)

	if l.TransferResources(resource.Minerals, 10, "base", "base") {
		t.Fatal("transfer with source == target succeeded")
	}
	if err := l.LastError("transferResources"); err == nil || err.Code != resource.ErrInvalidTransfer {
		t.Fatalf("last error = %+v, want INVALID_TRANSFER", err)
	}

	if l.TransferResources(resource.Minerals, -5, "base", "outpost") {
		t.Fatal("transfer with negative amount succeeded")
	}

	if l.TransferResources(resource.Minerals, 5000, "base", "outpost") {
		t.Fatal("transfer beyond available succeeded")
	}
	if err := l.LastError("transferResources"); err == nil || err.Code != resource.ErrInsufficientResources {
		t.Fatalf("last error = %+v, want INSUFFICIENT_RESOURCES", err)
	}

	if !l.TransferResources(resource.Minerals, 10, "base", "outpost") {
		t.Fatal("valid transfer failed")
	}
	hist := l.TransferHistory()
	if len(hist) != 1 || hist[0].Amount != 10 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestTransferClampsToBatchBounds(t *testing.T) {
	bus := events.NewBus(10)
	l := New("ledger", bus, Options{MinTransferBatch: 1, MaxTransferBatch: 50})
	l.SetAmount(resource.Gas, 500)

	if !l.TransferResources(resource.Gas, 0.2, "a", "b") {
		t.Fatal("tiny transfer failed")
	}
	if !l.TransferResources(resource.Gas, 400, "a", "b") {
		t.Fatal("oversized transfer failed")
	}

	hist := l.TransferHistory()
	if hist[0].Amount != 1 {
		t.Fatalf("tiny transfer recorded %g, want clamp to 1", hist[0].Amount)
	}
	if hist[1].Amount != 50 {
		t.Fatalf("oversized transfer recorded %g, want cap at 50", hist[1].Amount)
	}
}

func TestSetStorageEfficiencyRescalesCapacities(t *testing.T) {
	l, bus := newTestLedger()

	var changed []events.StatusChanged
	bus.Subscribe(events.KindStatusChanged, func(ev events.Event) {
		changed = append(changed, ev.Data.(events.StatusChanged))
	})

	before := l.State(resource.Energy).Max
	if !l.SetStorageEfficiency(2.0) {
		t.Fatal("SetStorageEfficiency(2) failed")
	}
	after := l.State(resource.Energy).Max
	if after != before*2 {
		t.Fatalf("max = %g, want %g", after, before*2)
	}
	if len(changed) != 1 || changed[0].New != 2.0 {
		t.Fatalf("status events = %+v", changed)
	}

	if l.SetStorageEfficiency(0) {
		t.Fatal("non-positive efficiency accepted")
	}
}

func TestStrategiesRunInPriorityOrder(t *testing.T) {
	l, _ := newTestLedger()

	var order []string
	l.RegisterStrategy(Strategy{
		ID: "low", Priority: 1,
		Apply: func(*Ledger, time.Duration) { order = append(order, "low") },
	})
	l.RegisterStrategy(Strategy{
		ID: "high", Priority: 99,
		Apply: func(*Ledger, time.Duration) { order = append(order, "high") },
	})
	l.RegisterStrategy(Strategy{
		ID: "gated", Priority: 50,
		Condition: func(*Ledger) bool { return false },
		Apply:     func(*Ledger, time.Duration) { order = append(order, "gated") },
	})

	l.Update(time.Second)

	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("strategy order = %v, want [high low]", order)
	}
}

func TestProductionBalancingStrategyTrimsNearCapacity(t *testing.T) {
	l, _ := newTestLedger()
	for _, s := range DefaultStrategies() {
		l.RegisterStrategy(s)
	}

	st := l.State(resource.Energy)
	st.Production = 100
	l.SetAmount(resource.Energy, 990) // 99% of the default 1000 max

	l.Update(time.Second)

	if st.Production >= 100 {
		t.Fatalf("production = %g, want trimmed below 100", st.Production)
	}
}
