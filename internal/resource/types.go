// Package resource defines the commodity types and value objects shared
// by every manager in the economy engine.
package resource

import (
	"fmt"
	"time"
)

// Type identifies a commodity. The set is closed: managers pre-create
// state for every type at construction and never delete entries.
type Type uint8

const (
	Energy Type = iota
	Minerals
	Population
	Research
	Plasma
	Gas
	Exotic
	Iron
	Copper
	Titanium
	Crystals
	Alloys
	Fuel
	Food
)

// AllTypes lists every commodity in declaration order.
func AllTypes() []Type {
	return []Type{
		Energy, Minerals, Population, Research, Plasma, Gas, Exotic,
		Iron, Copper, Titanium, Crystals, Alloys, Fuel, Food,
	}
}

var typeNames = [...]string{
	"energy", "minerals", "population", "research", "plasma", "gas",
	"exotic", "iron", "copper", "titanium", "crystals", "alloys",
	"fuel", "food",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type#%d", uint8(t))
}

// Valid reports whether t names a known commodity.
func (t Type) Valid() bool {
	return int(t) < len(typeNames)
}

// TypeFromName resolves a commodity name back to its Type.
func TypeFromName(name string) (Type, bool) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return 0, false
}

// State is the per-(entity, Type) record. Current is always kept inside
// [Min, Max] by the mutation methods; callers never see an out-of-range
// value.
type State struct {
	Current     float64 `json:"current"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Production  float64 `json:"production"`
	Consumption float64 `json:"consumption"`
}

// NewState returns a state clamped into [min, max] from the start.
func NewState(current, min, max float64) *State {
	s := &State{Min: min, Max: max}
	s.Set(current)
	return s
}

// Set assigns Current, clamping into [Min, Max]. Returns the applied
// delta, which may be smaller in magnitude than requested.
func (s *State) Set(v float64) float64 {
	old := s.Current
	if v < s.Min {
		v = s.Min
	}
	if v > s.Max {
		v = s.Max
	}
	s.Current = v
	return s.Current - old
}

// Add increases Current by amount (clamped). Returns the applied delta.
func (s *State) Add(amount float64) float64 {
	return s.Set(s.Current + amount)
}

// Remove decreases Current by amount (clamped). Returns the amount
// actually removed as a positive number.
func (s *State) Remove(amount float64) float64 {
	return -s.Set(s.Current - amount)
}

// Available returns how much can be withdrawn before hitting Min.
func (s *State) Available() float64 {
	return s.Current - s.Min
}

// Space returns how much can be deposited before hitting Max.
func (s *State) Space() float64 {
	return s.Max - s.Current
}

// FillRatio returns Current/Max, or 0 for zero-capacity states.
func (s *State) FillRatio() float64 {
	if s.Max <= 0 {
		return 0
	}
	return s.Current / s.Max
}

// Transfer is an immutable completed-transfer record.
type Transfer struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Amount    float64   `json:"amount"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Threshold expresses bounds against one commodity. Zero-value fields
// are treated as "unset" by evaluators via the Has* flags.
type Threshold struct {
	Type      Type    `json:"type"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Target    float64 `json:"target"`
	HasMin    bool    `json:"hasMin"`
	HasMax    bool    `json:"hasMax"`
	HasTarget bool    `json:"hasTarget"`
}

// Holds reports whether current satisfies the threshold bounds.
func (th Threshold) Holds(current float64) bool {
	if th.HasMin && current < th.Min {
		return false
	}
	if th.HasMax && current > th.Max {
		return false
	}
	return true
}

// Production is a registered production rule. Amount is produced every
// Interval, prorated by deltaTime; Conditions gate activation.
type Production struct {
	Type       Type          `json:"type"`
	Amount     float64       `json:"amount"`
	Interval   time.Duration `json:"interval"`
	Conditions []Threshold   `json:"conditions,omitempty"`
}

// Consumption mirrors Production for draws. Required consumptions that
// cannot be met in full raise a shortage instead of a partial draw.
type Consumption struct {
	Type       Type          `json:"type"`
	Amount     float64       `json:"amount"`
	Interval   time.Duration `json:"interval"`
	Required   bool          `json:"required"`
	Conditions []Threshold   `json:"conditions,omitempty"`
}

// FlowRate is one commodity lane inside a Flow rule.
type FlowRate struct {
	Type     Type          `json:"type"`
	Amount   float64       `json:"amount"`
	Interval time.Duration `json:"interval"`
}

// Flow is a registered source→target transfer rule.
type Flow struct {
	Source     string      `json:"source"`
	Target     string      `json:"target"`
	Rates      []FlowRate  `json:"rates"`
	Conditions []Threshold `json:"conditions,omitempty"`
}
