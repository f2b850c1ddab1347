// Package threshold watches resource state against configured bounds,
// raises and clears alerts, and fires the configured actions.
package threshold

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/resource"
)

const moduleType = "threshold-manager"

// Status is the per-threshold state machine position.
type Status uint8

const (
	Inactive Status = iota
	Warning
	Critical
	Resolved
)

var statusNames = [...]string{"inactive", "warning", "critical", "resolved"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// ActionKind enumerates the side effects a threshold can request.
type ActionKind string

const (
	ActionAdjustProduction  ActionKind = "adjust_production"
	ActionAdjustConsumption ActionKind = "adjust_consumption"
	ActionRequestTransfer   ActionKind = "request_transfer"
	ActionNotify            ActionKind = "notify"
)

// Action is one configured side effect, executed in order on trigger.
type Action struct {
	Kind    ActionKind    `json:"kind"`
	Type    resource.Type `json:"type"`
	Amount  float64       `json:"amount,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Config declares a watched threshold.
type Config struct {
	ID          string             `json:"id"`
	Threshold   resource.Threshold `json:"threshold"`
	Actions     []Action           `json:"actions"`
	Enabled     bool               `json:"enabled"`
	AutoResolve bool               `json:"autoResolve"`
}

// State is the live evaluation state for one config.
type State struct {
	Status       Status    `json:"status"`
	LastValue    float64   `json:"lastValue"`
	TriggeredAt  time.Time `json:"triggeredAt,omitempty"`
	ResolvedAt   time.Time `json:"resolvedAt,omitempty"`
	ActiveAlert  string    `json:"activeAlert,omitempty"`
	TriggerCount int       `json:"triggerCount"`
}

// Alert is the persistent record created on trigger.
type Alert struct {
	ID          string        `json:"id"`
	ThresholdID string        `json:"thresholdId"`
	Type        resource.Type `json:"type"`
	Severity    string        `json:"severity"`
	Value       float64       `json:"value"`
	CreatedAt   time.Time     `json:"createdAt"`
	Cleared     bool          `json:"cleared"`
	ClearedAt   time.Time     `json:"clearedAt,omitempty"`
}

// ValueSource supplies the current amount for a commodity; the ledger
// satisfies it.
type ValueSource interface {
	Amount(t resource.Type) float64
}

// Manager evaluates every enabled config on a fixed cadence.
type Manager struct {
	ID string

	bus    *events.Bus
	source ValueSource

	configs map[string]Config
	states  map[string]*State
	alerts  map[string]*Alert

	resolvedHold time.Duration
}

// New creates a threshold manager reading values from source.
func New(id string, bus *events.Bus, source ValueSource, resolvedHold time.Duration) *Manager {
	if resolvedHold <= 0 {
		resolvedHold = 5 * time.Second
	}
	return &Manager{
		ID:           id,
		bus:          bus,
		source:       source,
		configs:      make(map[string]Config),
		states:       make(map[string]*State),
		alerts:       make(map[string]*Alert),
		resolvedHold: resolvedHold,
	}
}

// Register upserts a threshold config. Returns false on missing id or
// a threshold with no bounds at all.
func (m *Manager) Register(cfg Config) bool {
	if cfg.ID == "" {
		slog.Warn("rejecting threshold registration", "reason", "missing id")
		return false
	}
	th := cfg.Threshold
	if !th.HasMin && !th.HasMax && !th.HasTarget {
		slog.Warn("rejecting threshold registration", "id", cfg.ID, "reason", "no bounds")
		return false
	}
	prev, existed := m.configs[cfg.ID]
	m.configs[cfg.ID] = cfg
	if !existed {
		m.states[cfg.ID] = &State{Status: Inactive}
	}
	ev := events.Registered{Registry: "threshold", ID: cfg.ID}
	if existed {
		ev.Previous = prev
	}
	m.bus.Publish(m.ID, moduleType, ev)
	return true
}

// Unregister removes a config and its state; the alert history stays.
func (m *Manager) Unregister(id string) {
	prev, existed := m.configs[id]
	if !existed {
		return
	}
	delete(m.configs, id)
	delete(m.states, id)
	m.bus.Publish(m.ID, moduleType, events.Registered{
		Registry: "threshold", ID: id, Removed: true, Previous: prev,
	})
}

// State returns the live state for a threshold id, or nil.
func (m *Manager) State(id string) *State { return m.states[id] }

// Alerts returns all alert records, live and cleared.
func (m *Manager) Alerts() []Alert {
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out
}

// ActiveAlerts returns only uncleared alerts.
func (m *Manager) ActiveAlerts() []Alert {
	var out []Alert
	for _, a := range m.alerts {
		if !a.Cleared {
			out = append(out, *a)
		}
	}
	return out
}

// CheckAll evaluates every enabled threshold once. Called periodically
// by the scheduler.
func (m *Manager) CheckAll(now time.Time) {
	for id, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		m.check(id, cfg, now)
	}
}

func (m *Manager) check(id string, cfg Config, now time.Time) {
	st := m.states[id]
	value := m.source.Amount(cfg.Threshold.Type)
	st.LastValue = value

	violated, severity := evaluate(cfg.Threshold, value)

	switch st.Status {
	case Inactive:
		if violated {
			m.trigger(id, cfg, st, severity, value, now)
		}

	case Warning, Critical:
		if !violated {
			m.resolve(id, cfg, st, value, now)
			return
		}
		// Escalate in place if the violation deepened.
		if severity == Critical && st.Status == Warning {
			st.Status = Critical
			if a := m.alerts[st.ActiveAlert]; a != nil {
				a.Severity = Critical.String()
			}
		}

	case Resolved:
		if violated {
			m.trigger(id, cfg, st, severity, value, now)
			return
		}
		if now.Sub(st.ResolvedAt) >= m.resolvedHold {
			st.Status = Inactive
		}
	}
}

// evaluate returns whether the value violates the threshold and how
// severely. A value below half the minimum (or symmetrically past the
// maximum) is critical; any other violation is a warning. A threshold
// carrying only a target triggers on relative deviation from it:
// past 25% warns, past 50% is critical. With explicit bounds the
// target stays informational for actions.
func evaluate(th resource.Threshold, value float64) (bool, Status) {
	if th.HasMin && value < th.Min {
		if value < th.Min*0.5 {
			return true, Critical
		}
		return true, Warning
	}
	if th.HasMax && value > th.Max {
		if value > th.Max*1.5 {
			return true, Critical
		}
		return true, Warning
	}
	if !th.HasMin && !th.HasMax && th.HasTarget {
		base := math.Abs(th.Target)
		if base == 0 {
			base = 1
		}
		switch deviation := math.Abs(value-th.Target) / base; {
		case deviation > 0.5:
			return true, Critical
		case deviation > 0.25:
			return true, Warning
		}
	}
	return false, Inactive
}

func (m *Manager) trigger(id string, cfg Config, st *State, severity Status, value float64, now time.Time) {
	st.Status = severity
	st.TriggeredAt = now
	st.TriggerCount++

	alert := &Alert{
		ID:          uuid.NewString(),
		ThresholdID: id,
		Type:        cfg.Threshold.Type,
		Severity:    severity.String(),
		Value:       value,
		CreatedAt:   now,
	}
	m.alerts[alert.ID] = alert
	st.ActiveAlert = alert.ID

	m.bus.Publish(m.ID, moduleType, events.ThresholdTriggered{
		ThresholdID: id,
		AlertID:     alert.ID,
		Type:        cfg.Threshold.Type,
		Severity:    severity.String(),
		Current:     value,
	})

	for _, a := range cfg.Actions {
		m.bus.Publish(m.ID, moduleType, events.ThresholdAction{
			ThresholdID: id,
			Action:      string(a.Kind),
			Type:        a.Type,
			Amount:      a.Amount,
			Message:     a.Message,
		})
	}

	slog.Info("threshold triggered",
		"threshold", id, "type", cfg.Threshold.Type.String(),
		"severity", severity.String(), "value", value)
}

func (m *Manager) resolve(id string, cfg Config, st *State, value float64, now time.Time) {
	st.Status = Resolved
	st.ResolvedAt = now

	if cfg.AutoResolve && st.ActiveAlert != "" {
		if a := m.alerts[st.ActiveAlert]; a != nil && !a.Cleared {
			a.Cleared = true
			a.ClearedAt = now
		}
		st.ActiveAlert = ""
	}

	m.bus.Publish(m.ID, moduleType, events.ThresholdResolved{
		ThresholdID: id,
		Type:        cfg.Threshold.Type,
		Current:     value,
	})
}
