// Package conversion manages recipes, converter nodes, and multi-step
// conversion chains, advancing active processes to completion on a
// periodic tick.
package conversion

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "conversion-manager"

// Ingredient is one typed quantity in a recipe.
type Ingredient struct {
	Type   resource.Type `json:"type"`
	Amount float64       `json:"amount"`
}

// Recipe converts Inputs into Outputs over ProcessingTime at
// BaseEfficiency.
type Recipe struct {
	ID             string        `json:"id"`
	Inputs         []Ingredient  `json:"inputs"`
	Outputs        []Ingredient  `json:"outputs"`
	ProcessingTime time.Duration `json:"processingTime"`
	BaseEfficiency float64       `json:"baseEfficiency"`
}

// Converter can run recipes. RecipeModifiers holds per-recipe
// efficiency multipliers; unlisted recipes default to 1.
type Converter struct {
	ID              string             `json:"id"`
	Efficiency      float64            `json:"efficiency"`
	MaxConcurrent   int                `json:"maxConcurrent"`
	RecipeModifiers map[string]float64 `json:"recipeModifiers,omitempty"`
}

// Chain is an ordered list of recipe ids run as a sequence.
type Chain struct {
	ID    string   `json:"id"`
	Steps []string `json:"steps"`
}

// StepStatus tracks one chain step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// ChainExecution is the sequential state machine for one running chain.
type ChainExecution struct {
	ChainID   string              `json:"chainId"`
	Steps     []StepStatus        `json:"steps"`
	Current   int                 `json:"current"`
	Active    bool                `json:"active"`
	Paused    bool                `json:"paused"`
	Completed bool                `json:"completed"`
	Failed    bool                `json:"failed"`
	Error     string              `json:"error,omitempty"`
	Transfers []resource.Transfer `json:"transfers,omitempty"`
	StartedAt time.Time           `json:"startedAt"`
	PausedAt  time.Time           `json:"pausedAt,omitempty"`
}

// Process is one active conversion run on a converter.
type Process struct {
	ID          string    `json:"id"`
	RecipeID    string    `json:"recipeId"`
	ConverterID string    `json:"converterId"`
	ChainID     string    `json:"chainId,omitempty"`
	StepIndex   int       `json:"stepIndex"`
	StartedAt   time.Time `json:"startedAt"`
	Progress    float64   `json:"progress"`
	Efficiency  float64   `json:"efficiency"`
}

// Store settles recipe inputs and outputs; the ledger satisfies it.
type Store interface {
	AvailableAmount(t resource.Type) float64
	Withdraw(t resource.Type, amount float64) float64
	Deposit(t resource.Type, amount float64) float64
}

// Manager owns recipes, converters, chains, and active processes.
type Manager struct {
	ID string

	bus   *events.Bus
	errs  *resource.ErrorLog
	store Store

	recipes    map[string]Recipe
	converters map[string]*Converter
	chains     map[string]Chain
	executions map[string]*ChainExecution
	processes  map[string]*Process

	// Global efficiency context, multiplicative, default 1.
	qualityFactor float64
	stressFactor  float64
}

// New creates a conversion manager settling against store.
func New(id string, bus *events.Bus, store Store) *Manager {
	return &Manager{
		ID:            id,
		bus:           bus,
		errs:          resource.NewErrorLog(),
		store:         store,
		recipes:       make(map[string]Recipe),
		converters:    make(map[string]*Converter),
		chains:        make(map[string]Chain),
		executions:    make(map[string]*ChainExecution),
		processes:     make(map[string]*Process),
		qualityFactor: 1,
		stressFactor:  1,
	}
}

// LastError returns the typed error recorded for an operation id.
func (m *Manager) LastError(op string) *resource.OpError { return m.errs.Last(op) }

// SetQualityFactor sets the global resource-quality multiplier.
func (m *Manager) SetQualityFactor(f float64) {
	if f > 0 {
		m.qualityFactor = f
	}
}

// SetStressFactor sets the global network-stress multiplier.
func (m *Manager) SetStressFactor(f float64) {
	if f > 0 {
		m.stressFactor = f
	}
}

// RegisterRecipe upserts a recipe. Returns false on malformed input.
func (m *Manager) RegisterRecipe(r Recipe) bool {
	if r.ID == "" || len(r.Inputs) == 0 || len(r.Outputs) == 0 || r.ProcessingTime <= 0 {
		slog.Warn("rejecting recipe registration", "id", r.ID, "reason", "malformed")
		return false
	}
	if r.BaseEfficiency <= 0 {
		r.BaseEfficiency = 1
	}
	prev, existed := m.recipes[r.ID]
	m.recipes[r.ID] = r
	ev := events.Registered{Registry: "recipe", ID: r.ID}
	if existed {
		ev.Previous = prev
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// RegisterConverter upserts a converter.
func (m *Manager) RegisterConverter(c Converter) bool {
	if c.ID == "" {
		slog.Warn("rejecting converter registration", "reason", "missing id")
		return false
	}
	if c.Efficiency <= 0 {
		c.Efficiency = 1
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	copied := c
	m.converters[c.ID] = &copied
	return true
}

// RegisterChain upserts a chain after checking every step resolves to
// a known recipe.
func (m *Manager) RegisterChain(c Chain) bool {
	if c.ID == "" || len(c.Steps) == 0 {
		slog.Warn("rejecting chain registration", "id", c.ID, "reason", "empty")
		return false
	}
	for _, step := range c.Steps {
		if _, ok := m.recipes[step]; !ok {
			slog.Warn("rejecting chain registration", "id", c.ID, "reason", "unknown recipe "+step)
			return false
		}
	}
	m.chains[c.ID] = c
	return true
}

// Execution returns the live execution for a chain id, or nil.
func (m *Manager) Execution(chainID string) *ChainExecution { return m.executions[chainID] }

// Processes returns the active process set keyed by id.
func (m *Manager) Processes() map[string]*Process { return m.processes }

// effectiveEfficiency multiplies the full chain of factors, all of
// which default to 1 when unspecified.
func (m *Manager) effectiveEfficiency(r Recipe, c *Converter) float64 {
	mod := 1.0
	if v, ok := c.RecipeModifiers[r.ID]; ok && v > 0 {
		mod = v
	}
	return r.BaseEfficiency * c.Efficiency * mod * m.qualityFactor * m.stressFactor
}

// activeProcesses counts running processes on a converter.
func (m *Manager) activeProcesses(converterID string) int {
	n := 0
	for _, p := range m.processes {
		if p.ConverterID == converterID {
			n++
		}
	}
	return n
}

// StartConversion starts a recipe on a specific converter, consuming
// inputs immediately. Returns the process or nil with a typed error.
func (m *Manager) StartConversion(recipeID, converterID string, now time.Time) *Process {
	return m.startProcess(recipeID, converterID, "", 0, now)
}

func (m *Manager) startProcess(recipeID, converterID, chainID string, stepIndex int, now time.Time) *Process {
	const op = "startConversion"
	r, ok := m.recipes[recipeID]
	if !ok {
		m.errs.Record(op, resource.ErrInvalidResource, "unknown recipe %q", recipeID)
		return nil
	}
	c, ok := m.converters[converterID]
	if !ok {
		m.errs.Record(op, resource.ErrInvalidResource, "unknown converter %q", converterID)
		return nil
	}
	if m.activeProcesses(converterID) >= c.MaxConcurrent {
		m.errs.Record(op, resource.ErrInvalidTransfer,
			"converter %q at capacity (%d)", converterID, c.MaxConcurrent)
		return nil
	}
	for _, in := range r.Inputs {
		if m.store.AvailableAmount(in.Type) < in.Amount {
			m.errs.Record(op, resource.ErrInsufficientResources,
				"%v: need %g, have %g", in.Type, in.Amount, m.store.AvailableAmount(in.Type))
			return nil
		}
	}
	for _, in := range r.Inputs {
		m.store.Withdraw(in.Type, in.Amount)
	}

	p := &Process{
		ID:          uuid.NewString(),
		RecipeID:    recipeID,
		ConverterID: converterID,
		ChainID:     chainID,
		StepIndex:   stepIndex,
		StartedAt:   now,
		Efficiency:  m.effectiveEfficiency(r, c),
	}
	m.processes[p.ID] = p
	return p
}

// StartConversionChain begins executing a registered chain from step 0.
// A chain already running is not restarted.
func (m *Manager) StartConversionChain(chainID string, now time.Time) bool {
	chain, ok := m.chains[chainID]
	if !ok {
		m.errs.Record("startConversionChain", resource.ErrInvalidResource, "unknown chain %q", chainID)
		return false
	}
	if exec := m.executions[chainID]; exec != nil && exec.Active {
		return false
	}

	exec := &ChainExecution{
		ChainID:   chainID,
		Steps:     make([]StepStatus, len(chain.Steps)),
		Active:    true,
		StartedAt: now,
	}
	for i := range exec.Steps {
		exec.Steps[i] = StepPending
	}
	m.executions[chainID] = exec

	return m.startStep(chain, exec, 0, now)
}

// startStep starts chain step i on the best eligible converter. On
// failure the whole chain fails with a recorded reason.
func (m *Manager) startStep(chain Chain, exec *ChainExecution, i int, now time.Time) bool {
	recipeID := chain.Steps[i]
	r := m.recipes[recipeID]

	// Converters sorted by descending effective efficiency for this
	// recipe; first one with free capacity wins.
	type ranked struct {
		id  string
		eff float64
	}
	var candidates []ranked
	for id, c := range m.converters {
		candidates = append(candidates, ranked{id: id, eff: m.effectiveEfficiency(r, c)})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].eff != candidates[b].eff {
			return candidates[a].eff > candidates[b].eff
		}
		return candidates[a].id < candidates[b].id
	})

	for _, cand := range candidates {
		if p := m.startProcess(recipeID, cand.id, chain.ID, i, now); p != nil {
			exec.Current = i
			exec.Steps[i] = StepInProgress
			return true
		}
	}

	reason := "no converter with free capacity for recipe " + recipeID
	if last := m.errs.Last("startConversion"); last != nil {
		reason = last.Message
	}
	m.failChain(exec, i, reason)
	return false
}

func (m *Manager) failChain(exec *ChainExecution, step int, reason string) {
	exec.Active = false
	exec.Failed = true
	exec.Error = reason
	if step < len(exec.Steps) {
		exec.Steps[step] = StepFailed
	}
	m.bus.Publish(m.ID, moduleType, events.ChainFailed{
		ChainID: exec.ChainID, Step: step, Reason: reason,
	})
	slog.Warn("conversion chain failed", "chain", exec.ChainID, "step", step, "reason", reason)
}

// PauseChain suspends progress on a running chain.
func (m *Manager) PauseChain(chainID string, now time.Time) {
	if exec := m.executions[chainID]; exec != nil && exec.Active && !exec.Paused {
		exec.Paused = true
		exec.PausedAt = now
	}
}

// ResumeChain resumes a paused chain. The paused stretch is pushed
// into the start times of the chain's processes so no progress
// accrues while paused.
func (m *Manager) ResumeChain(chainID string, now time.Time) {
	exec := m.executions[chainID]
	if exec == nil || !exec.Paused {
		return
	}
	if gap := now.Sub(exec.PausedAt); gap > 0 {
		for _, p := range m.processes {
			if p.ChainID == chainID {
				p.StartedAt = p.StartedAt.Add(gap)
			}
		}
	}
	exec.Paused = false
	exec.PausedAt = time.Time{}
}

// Tick advances every active process. Completed processes deposit
// their outputs scaled by efficiency, publish a completion event, and
// advance their owning chain when they belong to one.
func (m *Manager) Tick(now time.Time) {
	for id, p := range m.processes {
		if p.ChainID != "" {
			if exec := m.executions[p.ChainID]; exec != nil && exec.Paused {
				continue
			}
		}
		r := m.recipes[p.RecipeID]
		p.Progress = now.Sub(p.StartedAt).Seconds() / r.ProcessingTime.Seconds()
		if p.Progress < 1 {
			continue
		}
		p.Progress = 1
		delete(m.processes, id)
		m.completeProcess(p, r, now)
	}
}

func (m *Manager) completeProcess(p *Process, r Recipe, now time.Time) {
	var produced []resource.Transfer
	for _, out := range r.Outputs {
		amount := out.Amount * p.Efficiency
		m.store.Deposit(out.Type, amount)
		produced = append(produced, resource.Transfer{
			ID:        uuid.NewString(),
			Type:      out.Type,
			Amount:    amount,
			Source:    p.ConverterID,
			Target:    "ledger",
			Timestamp: now,
		})
	}

	m.bus.Publish(m.ID, moduleType, events.ConversionCompleted{
		ProcessID:   p.ID,
		RecipeID:    p.RecipeID,
		ConverterID: p.ConverterID,
		Efficiency:  p.Efficiency,
	})

	if p.ChainID == "" {
		return
	}
	exec := m.executions[p.ChainID]
	if exec == nil || !exec.Active {
		return
	}
	exec.Steps[p.StepIndex] = StepCompleted
	exec.Transfers = append(exec.Transfers, produced...)

	next := p.StepIndex + 1
	chain := m.chains[p.ChainID]
	if next >= len(chain.Steps) {
		exec.Active = false
		exec.Completed = true
		m.bus.Publish(m.ID, moduleType, events.ChainCompleted{
			ChainID:   exec.ChainID,
			Steps:     len(exec.Steps),
			Transfers: exec.Transfers,
		})
		return
	}
	m.startStep(chain, exec, next, now)
}
