package threshold

import (
	"testing"
	"time"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

// mapSource stands in for the ledger.
type mapSource map[resource.Type]float64

func (s mapSource) Amount(t resource.Type) float64 { return s[t] }

func minConfig(id string, min float64, autoResolve bool) Config {
	return Config{
		ID: id,
		Threshold: resource.Threshold{
			Type: resource.Energy, Min: min, HasMin: true,
		},
		Enabled:     true,
		AutoResolve: autoResolve,
	}
}

func TestRegisterValidation(t *testing.T) {
	m := New("thresholds", events.NewBus(10), mapSource{}, 0)

	if m.Register(Config{Threshold: resource.Threshold{Min: 1, HasMin: true}}) {
		t.Fatal("config without id accepted")
	}
	if m.Register(Config{ID: "unbounded"}) {
		t.Fatal("config with no bounds accepted")
	}
	if !m.Register(minConfig("energy-floor", 100, false)) {
		t.Fatal("valid config rejected")
	}
	if m.State("energy-floor") == nil {
		t.Fatal("no state created for registered config")
	}
}

func TestTargetOnlyThresholdTriggersOnDeviation(t *testing.T) {
	src := mapSource{resource.Energy: 100}
	m := New("thresholds", events.NewBus(100), src, 5*time.Second)

	m.Register(Config{
		ID: "energy-band",
		Threshold: resource.Threshold{
			Type: resource.Energy, Target: 100, HasTarget: true,
		},
		Enabled:     true,
		AutoResolve: true,
	})
	now := time.Now()
	st := m.State("energy-band")

	// Within 25% of the target: quiet.
	src[resource.Energy] = 110
	m.CheckAll(now)
	if st.Status != Inactive {
		t.Fatalf("status = %v at 10%% deviation, want inactive", st.Status)
	}

	// 30% off target warns.
	src[resource.Energy] = 70
	m.CheckAll(now.Add(time.Second))
	if st.Status != Warning {
		t.Fatalf("status = %v at 30%% deviation, want warning", st.Status)
	}

	// 60% off target escalates to critical.
	src[resource.Energy] = 40
	m.CheckAll(now.Add(2 * time.Second))
	if st.Status != Critical {
		t.Fatalf("status = %v at 60%% deviation, want critical", st.Status)
	}

	// Back near the target resolves.
	src[resource.Energy] = 95
	m.CheckAll(now.Add(3 * time.Second))
	if st.Status != Resolved {
		t.Fatalf("status = %v after recovery, want resolved", st.Status)
	}
}

func TestLifecycleWarningEscalateResolveHold(t *testing.T) {
	src := mapSource{resource.Energy: 60}
	bus := events.NewBus(100)
	m := New("thresholds", bus, src, 5*time.Second)

	var triggered []events.ThresholdTriggered
	resolvedCount := 0
	bus.Subscribe(events.KindThresholdTriggered, func(ev events.Event) {
		triggered = append(triggered, ev.Data.(events.ThresholdTriggered))
	})
	bus.Subscribe(events.KindThresholdResolved, func(ev events.Event) { resolvedCount++ })

	m.Register(minConfig("floor", 100, true))
	now := time.Now()

	// 60 is below 100 but above half of it: warning.
	m.CheckAll(now)
	st := m.State("floor")
	if st.Status != Warning {
		t.Fatalf("status = %v, want warning", st.Status)
	}
	if len(triggered) != 1 || triggered[0].Severity != "warning" {
		t.Fatalf("triggered = %+v", triggered)
	}
	alertID := st.ActiveAlert

	// 40 is below half the minimum: escalates in place, same alert.
	src[resource.Energy] = 40
	m.CheckAll(now.Add(time.Second))
	if st.Status != Critical {
		t.Fatalf("status = %v, want critical after deepening", st.Status)
	}
	if len(triggered) != 1 {
		t.Fatalf("escalation raised a second alert: %d events", len(triggered))
	}
	if st.ActiveAlert != alertID {
		t.Fatal("escalation replaced the active alert")
	}

	// Recovery resolves and auto-clears the alert.
	src[resource.Energy] = 150
	m.CheckAll(now.Add(2 * time.Second))
	if st.Status != Resolved || resolvedCount != 1 {
		t.Fatalf("status = %v, resolved events = %d", st.Status, resolvedCount)
	}
	if len(m.ActiveAlerts()) != 0 {
		t.Fatalf("active alerts = %+v, want none after auto-resolve", m.ActiveAlerts())
	}

	// Still inside the hold window: stays resolved.
	m.CheckAll(now.Add(4 * time.Second))
	if st.Status != Resolved {
		t.Fatalf("status = %v inside hold, want resolved", st.Status)
	}

	// Hold elapsed: back to inactive.
	m.CheckAll(now.Add(8 * time.Second))
	if st.Status != Inactive {
		t.Fatalf("status = %v after hold, want inactive", st.Status)
	}
}

func TestCriticalImmediatelyBelowHalfMinimum(t *testing.T) {
	src := mapSource{resource.Energy: 10}
	m := New("thresholds", events.NewBus(10), src, 0)
	m.Register(minConfig("floor", 100, false))

	m.CheckAll(time.Now())

	if got := m.State("floor").Status; got != Critical {
		t.Fatalf("status = %v, want critical for value at 10%% of minimum", got)
	}
}

func TestMaxViolationAndRetriggerFromResolved(t *testing.T) {
	src := mapSource{resource.Gas: 50}
	m := New("thresholds", events.NewBus(100), src, time.Minute)
	m.Register(Config{
		ID: "ceiling",
		Threshold: resource.Threshold{
			Type: resource.Gas, Max: 100, HasMax: true,
		},
		Enabled: true,
	})

	now := time.Now()
	m.CheckAll(now)
	st := m.State("ceiling")
	if st.Status != Inactive {
		t.Fatalf("status = %v for in-bounds value", st.Status)
	}

	src[resource.Gas] = 120
	m.CheckAll(now.Add(time.Second))
	if st.Status != Warning {
		t.Fatalf("status = %v, want warning above max", st.Status)
	}

	src[resource.Gas] = 80
	m.CheckAll(now.Add(2 * time.Second))
	if st.Status != Resolved {
		t.Fatalf("status = %v, want resolved", st.Status)
	}

	// A fresh violation during the hold re-triggers directly.
	src[resource.Gas] = 200
	m.CheckAll(now.Add(3 * time.Second))
	if st.Status != Critical {
		t.Fatalf("status = %v, want critical at 2x max from resolved", st.Status)
	}
	if st.TriggerCount != 2 {
		t.Fatalf("trigger count = %d, want 2", st.TriggerCount)
	}
}

func TestDisabledConfigsAreSkipped(t *testing.T) {
	src := mapSource{resource.Energy: 0}
	m := New("thresholds", events.NewBus(10), src, 0)

	cfg := minConfig("floor", 100, false)
	cfg.Enabled = false
	m.Register(cfg)

	m.CheckAll(time.Now())

	if got := m.State("floor").Status; got != Inactive {
		t.Fatalf("disabled threshold evaluated: status = %v", got)
	}
}

func TestTriggerPublishesConfiguredActions(t *testing.T) {
	src := mapSource{resource.Food: 1}
	bus := events.NewBus(100)
	m := New("thresholds", bus, src, 0)

	var actions []events.ThresholdAction
	bus.Subscribe(events.KindThresholdAction, func(ev events.Event) {
		actions = append(actions, ev.Data.(events.ThresholdAction))
	})

	m.Register(Config{
		ID: "pantry",
		Threshold: resource.Threshold{
			Type: resource.Food, Min: 50, HasMin: true,
		},
		Actions: []Action{
			{Kind: ActionAdjustProduction, Type: resource.Food, Amount: 5},
			{Kind: ActionNotify, Message: "food critical"},
		},
		Enabled: true,
	})

	m.CheckAll(time.Now())

	if len(actions) != 2 {
		t.Fatalf("actions published = %d, want 2", len(actions))
	}
	if actions[0].Action != string(ActionAdjustProduction) || actions[0].Amount != 5 {
		t.Fatalf("first action = %+v", actions[0])
	}
	if actions[1].Message != "food critical" {
		t.Fatalf("second action = %+v", actions[1])
	}
}
