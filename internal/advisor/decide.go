package advisor

import (
	"fmt"
	"log/slog"
)

// Decision is the recommended action for one cycle. At most one
// intervention per cycle; "none" is the common case.
type Decision struct {
	Action       string        `json:"action"`
	Rationale    string        `json:"rationale"`
	Intervention *Intervention `json:"intervention"`
}

// Intervention is the payload for POST /api/v1/intervention.
type Intervention struct {
	Type         string  `json:"type"`
	Resource     string  `json:"resource,omitempty"`
	ToResource   string  `json:"to_resource,omitempty"`
	Factor       float64 `json:"factor,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Priority     float64 `json:"priority,omitempty"`
	DurationSecs int     `json:"duration_secs,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Decide applies the rule table to one snapshot, most urgent rule
// first. The advisor is a steward, not a controller: one gentle nudge
// per cycle at most, and doing nothing is the right answer most of
// the time.
func Decide(snap *Snapshot) *Decision {
	// Rule 1: a critical alert means a resource is starving or
	// drowning; raise its consumption lane priority so the optimizer
	// services it first.
	for _, a := range snap.Alerts {
		if a.Severity != "critical" {
			continue
		}
		return &Decision{
			Action:    "flow_priority",
			Rationale: fmt.Sprintf("critical alert on %s (value %.1f)", a.Type, a.Value),
			Intervention: &Intervention{
				Type:     "flow_priority",
				Resource: a.Type,
				Priority: 10,
				Reason:   "critical threshold alert",
			},
		}
	}

	// Rule 2: heavy sustained load, slow the loop down. The engine's
	// own adaptive layer computes the factor; we just apply it.
	if snap.Status.SystemLoad > 0.85 && snap.Suggestions.Throttle > snap.Status.Throttle {
		factor := snap.Suggestions.Throttle
		if factor > 10 {
			factor = 10
		}
		return &Decision{
			Action:    "throttle",
			Rationale: fmt.Sprintf("system load %.2f, adaptive layer recommends throttle %.2f", snap.Status.SystemLoad, factor),
			Intervention: &Intervention{
				Type:   "throttle",
				Factor: factor,
				Reason: "sustained high load",
			},
		}
	}

	// Rule 3: badly skewed containers get one rebalance nudge.
	if lo, hi, skewed := fillSpread(snap.Containers); skewed {
		return &Decision{
			Action:    "rebalance",
			Rationale: fmt.Sprintf("container fill spread %.2f–%.2f exceeds comfort band", lo, hi),
			Intervention: &Intervention{
				Type:   "rebalance",
				Reason: "storage fill skew",
			},
		}
	}

	// Rule 4: a warning-level resource deficit with a bullish market
	// is worth a temporary rate sweetener toward that resource.
	for _, a := range snap.Alerts {
		if snap.Status.Market != "bullish" {
			break
		}
		return &Decision{
			Action:    "market_modifier",
			Rationale: fmt.Sprintf("bullish market and open alert on %s; sweetening inbound rates", a.Type),
			Intervention: &Intervention{
				Type:         "market_modifier",
				Resource:     "energy",
				ToResource:   a.Type,
				Multiplier:   1.15,
				DurationSecs: 300,
				Reason:       "cover alerted resource while market is favorable",
			},
		}
	}

	slog.Debug("no intervention warranted", "tick", snap.Status.Tick)
	return &Decision{Action: "none", Rationale: "economy within operating bands"}
}

// fillSpread returns the min and max per-type fill across containers
// and whether the spread crosses the action threshold.
func fillSpread(containers []ContainerInfo) (lo, hi float64, skewed bool) {
	lo, hi = 1, 0
	seen := false
	for _, c := range containers {
		for _, f := range c.Fill {
			seen = true
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
	}
	if !seen {
		return 0, 0, false
	}
	return lo, hi, hi-lo > 0.4
}
