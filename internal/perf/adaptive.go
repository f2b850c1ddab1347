package perf

import (
	"fmt"
	"sort"

	"github.com/talgya/starforge/internal/resource"
)

// DeviceProfile biases how aggressively the adaptive layer throttles.
type DeviceProfile string

const (
	ProfileHigh     DeviceProfile = "high"
	ProfileBalanced DeviceProfile = "balanced"
	ProfileLow      DeviceProfile = "low"
)

// BatteryState is the host power situation, when known.
type BatteryState struct {
	Level    float64 `json:"level"` // 0..1
	Charging bool    `json:"charging"`
	Known    bool    `json:"known"`
}

// Forecast is a near-term consumption prediction for one type. R2 is
// reported as fit and may be low or negative; callers must treat the
// value as advisory.
type Forecast struct {
	Type    resource.Type `json:"type"`
	Next    float64       `json:"next"`
	R2      float64       `json:"r2"`
	Samples int           `json:"samples"`
}

// SuggestionKind enumerates the advisory optimization moves.
type SuggestionKind string

const (
	SuggestThrottle   SuggestionKind = "throttle"
	SuggestBatch      SuggestionKind = "batch"
	SuggestReallocate SuggestionKind = "reallocate"
)

// Suggestion is one prioritized advisory move. Score is
// savings/difficulty, higher first.
type Suggestion struct {
	Kind       SuggestionKind `json:"kind"`
	Type       resource.Type  `json:"type"`
	Message    string         `json:"message"`
	Savings    float64        `json:"savings"`
	Difficulty float64        `json:"difficulty"`
	Score      float64        `json:"score"`
}

// minForecastSamples is the smallest window worth fitting; below it
// the normal equations are underdetermined anyway.
const minForecastSamples = 4

// Adaptive turns monitor data into forecasts, suggestions, and a tick
// throttle factor. It never mutates simulation state.
type Adaptive struct {
	monitor *Monitor
	profile DeviceProfile
	battery BatteryState
}

// NewAdaptive creates the adaptive layer over a monitor.
func NewAdaptive(monitor *Monitor, profile DeviceProfile) *Adaptive {
	if profile == "" {
		profile = ProfileBalanced
	}
	return &Adaptive{monitor: monitor, profile: profile}
}

// SetBattery updates the host power situation.
func (a *Adaptive) SetBattery(b BatteryState) { a.battery = b }

// ForecastConsumption fits a linear model over the retained sample
// window (features: sample index, production, utilization) and
// extrapolates one step ahead. Returns nil when the window is too
// small or the fit is singular.
func (a *Adaptive) ForecastConsumption(t resource.Type) *Forecast {
	window := a.monitor.Samples(t)
	if len(window) < minForecastSamples {
		return nil
	}

	x := make([][]float64, len(window))
	y := make([]float64, len(window))
	for i, s := range window {
		x[i] = []float64{float64(i), s.Production, s.Utilization}
		y[i] = s.Consumption
	}

	model, err := FitLinear(x, y)
	if err != nil {
		return nil
	}

	last := window[len(window)-1]
	next := model.Predict([]float64{float64(len(window)), last.Production, last.Utilization})
	if next < 0 {
		next = 0
	}
	return &Forecast{Type: t, Next: next, R2: model.R2, Samples: len(window)}
}

// Suggestions derives prioritized advisory moves from a snapshot,
// sorted by descending score.
func (a *Adaptive) Suggestions(snap Snapshot) []Suggestion {
	var out []Suggestion

	if snap.SystemLoad > 0.8 {
		out = append(out, Suggestion{
			Kind:       SuggestThrottle,
			Message:    fmt.Sprintf("system load %.2f, reduce update frequency", snap.SystemLoad),
			Savings:    (snap.SystemLoad - 0.8) * 10,
			Difficulty: 1,
		})
	}

	for _, tm := range snap.Metrics {
		if !tm.Bottleneck {
			continue
		}
		if tm.Consumption > 0 && tm.Production/tm.Consumption < 1 {
			deficit := tm.Consumption - tm.Production
			out = append(out, Suggestion{
				Kind:       SuggestReallocate,
				Type:       tm.Type,
				Message:    fmt.Sprintf("%s: shift flows to cover a %.2f/s deficit", tm.Type, deficit),
				Savings:    deficit,
				Difficulty: 2,
			})
		} else {
			out = append(out, Suggestion{
				Kind:       SuggestBatch,
				Type:       tm.Type,
				Message:    fmt.Sprintf("%s: batch transfers to cut per-move overhead", tm.Type),
				Savings:    (bottleneckEfficiency - tm.Efficiency) * 5,
				Difficulty: 1.5,
			})
		}
	}

	for i := range out {
		out[i].Score = out[i].Savings / out[i].Difficulty
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ThrottleFactor computes a multiplier for the tick interval: 1 means
// full speed, larger values slow the loop down. Load, device profile,
// and battery all push in one direction only, so the factor is always
// ≥ 1.
func (a *Adaptive) ThrottleFactor() float64 {
	factor := 1.0

	load := a.monitor.Latest().SystemLoad
	if load > 0.8 {
		factor += (load - 0.8) * 2
	}

	switch a.profile {
	case ProfileLow:
		factor *= 1.5
	case ProfileBalanced:
		factor *= 1.1
	}

	if a.battery.Known && !a.battery.Charging && a.battery.Level < 0.2 {
		factor *= 2
	}
	return factor
}
