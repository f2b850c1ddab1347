package conversion

import (
	"testing"
	"time"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

// poolStore is a minimal Store backed by a plain map.
type poolStore map[resource.Type]float64

func (p poolStore) AvailableAmount(t resource.Type) float64 { return p[t] }
func (p poolStore) Withdraw(t resource.Type, amount float64) float64 {
	if p[t] < amount {
		amount = p[t]
	}
	p[t] -= amount
	return amount
}
func (p poolStore) Deposit(t resource.Type, amount float64) float64 {
	p[t] += amount
	return amount
}

func smeltRecipe() Recipe {
	return Recipe{
		ID:             "smelt",
		Inputs:         []Ingredient{{Type: resource.Minerals, Amount: 10}},
		Outputs:        []Ingredient{{Type: resource.Iron, Amount: 4}},
		ProcessingTime: 10 * time.Second,
	}
}

func newTestManager(pool poolStore) (*Manager, *events.Bus) {
	bus := events.NewBus(100)
	return New("conversion", bus, pool), bus
}

func TestRegistrationValidation(t *testing.T) {
	m, _ := newTestManager(poolStore{})

	if m.RegisterRecipe(Recipe{ID: "x", Outputs: []Ingredient{{Type: resource.Iron, Amount: 1}}, ProcessingTime: time.Second}) {
		t.Fatal("recipe without inputs accepted")
	}
	if m.RegisterRecipe(Recipe{ID: "x", Inputs: []Ingredient{{Type: resource.Minerals, Amount: 1}}, ProcessingTime: time.Second}) {
		t.Fatal("recipe without outputs accepted")
	}
	r := smeltRecipe()
	r.ProcessingTime = 0
	if m.RegisterRecipe(r) {
		t.Fatal("recipe without processing time accepted")
	}
	if !m.RegisterRecipe(smeltRecipe()) {
		t.Fatal("valid recipe rejected")
	}

	if m.RegisterChain(Chain{ID: "c", Steps: []string{"smelt", "ghost"}}) {
		t.Fatal("chain with unknown recipe accepted")
	}
	if !m.RegisterChain(Chain{ID: "c", Steps: []string{"smelt"}}) {
		t.Fatal("valid chain rejected")
	}
}

func TestStartConversionConsumesInputsUpFront(t *testing.T) {
	pool := poolStore{resource.Minerals: 25}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "furnace"})

	p := m.StartConversion("smelt", "furnace", time.Now())
	if p == nil {
		t.Fatalf("start failed: %+v", m.LastError("startConversion"))
	}
	if pool[resource.Minerals] != 15 {
		t.Fatalf("minerals = %g after start, want 15", pool[resource.Minerals])
	}
	// Outputs are deposited only on completion.
	if pool[resource.Iron] != 0 {
		t.Fatalf("iron = %g before completion, want 0", pool[resource.Iron])
	}
}

func TestStartConversionValidation(t *testing.T) {
	pool := poolStore{resource.Minerals: 5}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "furnace", MaxConcurrent: 1})
	now := time.Now()

	if m.StartConversion("ghost", "furnace", now) != nil {
		t.Fatal("unknown recipe started")
	}
	if m.StartConversion("smelt", "ghost", now) != nil {
		t.Fatal("unknown converter started")
	}
	if m.StartConversion("smelt", "furnace", now) != nil {
		t.Fatal("started without sufficient inputs")
	}
	if err := m.LastError("startConversion"); err == nil || err.Code != resource.ErrInsufficientResources {
		t.Fatalf("last error = %+v, want INSUFFICIENT_RESOURCES", err)
	}
	// Inputs untouched after the rejected start.
	if pool[resource.Minerals] != 5 {
		t.Fatalf("minerals = %g, want 5", pool[resource.Minerals])
	}

	pool[resource.Minerals] = 100
	if m.StartConversion("smelt", "furnace", now) == nil {
		t.Fatal("funded start failed")
	}
	// Converter at capacity now.
	if m.StartConversion("smelt", "furnace", now) != nil {
		t.Fatal("started past MaxConcurrent")
	}
}

func TestTickCompletesAndScalesOutputs(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	bus := events.NewBus(100)
	m := New("conversion", bus, pool)

	var completed []events.ConversionCompleted
	bus.Subscribe(events.KindConversionCompleted, func(ev events.Event) {
		completed = append(completed, ev.Data.(events.ConversionCompleted))
	})

	r := smeltRecipe()
	r.BaseEfficiency = 0.8
	m.RegisterRecipe(r)
	m.RegisterConverter(Converter{
		ID: "furnace", Efficiency: 1.5,
		RecipeModifiers: map[string]float64{"smelt": 0.5},
	})

	start := time.Now()
	p := m.StartConversion("smelt", "furnace", start)
	if p == nil {
		t.Fatal("start failed")
	}
	// 0.8 base x 1.5 converter x 0.5 recipe modifier.
	if want := 0.6; p.Efficiency != want {
		t.Fatalf("efficiency = %g, want %g", p.Efficiency, want)
	}

	m.Tick(start.Add(5 * time.Second))
	if p.Progress != 0.5 {
		t.Fatalf("progress at halftime = %g, want 0.5", p.Progress)
	}
	if len(completed) != 0 {
		t.Fatal("completed before processing time elapsed")
	}

	m.Tick(start.Add(10 * time.Second))
	if len(completed) != 1 || completed[0].Efficiency != 0.6 {
		t.Fatalf("completion events = %+v", completed)
	}
	// 4 output x 0.6 efficiency.
	if pool[resource.Iron] != 2.4 {
		t.Fatalf("iron = %g, want 2.4", pool[resource.Iron])
	}
	if len(m.Processes()) != 0 {
		t.Fatal("completed process still active")
	}
}

func TestGlobalFactorsMultiplyIntoEfficiency(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "furnace", MaxConcurrent: 2})

	m.SetQualityFactor(1.2)
	m.SetStressFactor(0.5)

	p := m.StartConversion("smelt", "furnace", time.Now())
	if want := 0.6; p == nil || p.Efficiency != want {
		t.Fatalf("efficiency = %+v, want %g", p, want)
	}

	// Non-positive factors are ignored.
	m.SetStressFactor(0)
	q := m.StartConversion("smelt", "furnace", time.Now())
	if q == nil || q.Efficiency != 0.6 {
		t.Fatalf("efficiency after rejected factor = %+v", q)
	}
}

func TestChainRunsStepsSequentially(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	bus := events.NewBus(100)
	m := New("conversion", bus, pool)

	var chainDone []events.ChainCompleted
	bus.Subscribe(events.KindChainCompleted, func(ev events.Event) {
		chainDone = append(chainDone, ev.Data.(events.ChainCompleted))
	})

	m.RegisterRecipe(smeltRecipe())
	m.RegisterRecipe(Recipe{
		ID:             "forge",
		Inputs:         []Ingredient{{Type: resource.Iron, Amount: 2}},
		Outputs:        []Ingredient{{Type: resource.Alloys, Amount: 1}},
		ProcessingTime: 10 * time.Second,
	})
	m.RegisterConverter(Converter{ID: "works"})
	m.RegisterChain(Chain{ID: "line", Steps: []string{"smelt", "forge"}})

	start := time.Now()
	if !m.StartConversionChain("line", start) {
		t.Fatal("chain start failed")
	}
	exec := m.Execution("line")
	if exec.Steps[0] != StepInProgress || exec.Steps[1] != StepPending {
		t.Fatalf("steps = %v", exec.Steps)
	}
	// Already running: no restart.
	if m.StartConversionChain("line", start) {
		t.Fatal("running chain restarted")
	}

	// First step completes and the second starts in the same tick.
	m.Tick(start.Add(10 * time.Second))
	if exec.Steps[0] != StepCompleted || exec.Steps[1] != StepInProgress {
		t.Fatalf("steps after first completion = %v", exec.Steps)
	}

	m.Tick(start.Add(20 * time.Second))
	if !exec.Completed || exec.Active {
		t.Fatalf("execution = %+v, want completed", exec)
	}
	if len(chainDone) != 1 || chainDone[0].Steps != 2 {
		t.Fatalf("chain events = %+v", chainDone)
	}
	if len(exec.Transfers) != 2 {
		t.Fatalf("accumulated transfers = %d, want 2", len(exec.Transfers))
	}
	if pool[resource.Alloys] != 1 {
		t.Fatalf("alloys = %g, want 1", pool[resource.Alloys])
	}
}

func TestChainFailsWhenNoConverterCanStart(t *testing.T) {
	pool := poolStore{} // no inputs available
	bus := events.NewBus(100)
	m := New("conversion", bus, pool)

	failed := false
	bus.Subscribe(events.KindChainFailed, func(ev events.Event) { failed = true })

	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "furnace"})
	m.RegisterChain(Chain{ID: "line", Steps: []string{"smelt"}})

	if m.StartConversionChain("line", time.Now()) {
		t.Fatal("unfunded chain started")
	}
	exec := m.Execution("line")
	if !exec.Failed || exec.Error == "" || exec.Steps[0] != StepFailed {
		t.Fatalf("execution = %+v, want failed with reason", exec)
	}
	if !failed {
		t.Fatal("no chain-failed event")
	}
}

func TestPauseBlocksProgress(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "furnace"})
	m.RegisterChain(Chain{ID: "line", Steps: []string{"smelt"}})

	// 4 seconds of real progress, then an hour paused.
	start := time.Now()
	m.StartConversionChain("line", start)
	m.PauseChain("line", start.Add(4*time.Second))

	m.Tick(start.Add(time.Hour))
	if pool[resource.Iron] != 0 {
		t.Fatalf("paused chain produced %g iron", pool[resource.Iron])
	}

	// Resuming must not credit the paused hour: the process still needs
	// its remaining 6 seconds of processing time.
	resumed := start.Add(time.Hour)
	m.ResumeChain("line", resumed)

	m.Tick(resumed.Add(3 * time.Second))
	if pool[resource.Iron] != 0 {
		t.Fatalf("chain completed %g iron right after resume", pool[resource.Iron])
	}
	for _, p := range m.Processes() {
		if want := 0.7; p.Progress != want {
			t.Fatalf("progress after resume = %g, want %g", p.Progress, want)
		}
	}

	m.Tick(resumed.Add(6 * time.Second))
	if pool[resource.Iron] != 4 {
		t.Fatalf("resumed chain produced %g iron, want 4", pool[resource.Iron])
	}
}

func TestChainPicksMostEfficientConverter(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "rusty", Efficiency: 0.9})
	m.RegisterConverter(Converter{ID: "shiny", Efficiency: 1.4})
	m.RegisterChain(Chain{ID: "line", Steps: []string{"smelt"}})

	m.StartConversionChain("line", time.Now())

	for _, p := range m.Processes() {
		if p.ConverterID != "shiny" {
			t.Fatalf("chain ran on %q, want the more efficient converter", p.ConverterID)
		}
	}
}

func TestConverterRankingTieBreaksByID(t *testing.T) {
	pool := poolStore{resource.Minerals: 100}
	m, _ := newTestManager(pool)
	m.RegisterRecipe(smeltRecipe())
	m.RegisterConverter(Converter{ID: "beta", Efficiency: 1.2})
	m.RegisterConverter(Converter{ID: "alpha", Efficiency: 1.2})
	m.RegisterChain(Chain{ID: "line", Steps: []string{"smelt"}})

	m.StartConversionChain("line", time.Now())

	for _, p := range m.Processes() {
		if p.ConverterID != "alpha" {
			t.Fatalf("tied converters ran on %q, want alpha", p.ConverterID)
		}
	}
}
