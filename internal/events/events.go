// Package events carries the typed event vocabulary shared by every
// manager and the publish/subscribe bus that dispatches it.
package events

import (
	"time"

	"github.com/talgya/starforge/internal/resource"
)

// Kind enumerates every event the engine can emit. The set is closed:
// consumers type-switch on the payload, not on string names.
type Kind uint8

const (
	KindResourceProduced Kind = iota + 1
	KindResourceConsumed
	KindResourceTransferred
	KindResourceShortage
	KindRegistration
	KindStatusChanged
	KindExchangeCompleted
	KindMarketChanged
	KindStorageOverflow
	KindStorageRebalanced
	KindThresholdTriggered
	KindThresholdResolved
	KindThresholdAction
	KindConversionCompleted
	KindChainCompleted
	KindChainFailed
	KindOptimizationRun
	KindPerfSnapshot
	KindModuleActivated
	KindModuleDeactivated
)

var kindNames = map[Kind]string{
	KindResourceProduced:    "resource_produced",
	KindResourceConsumed:    "resource_consumed",
	KindResourceTransferred: "resource_transferred",
	KindResourceShortage:    "resource_shortage",
	KindRegistration:        "registration",
	KindStatusChanged:       "status_changed",
	KindExchangeCompleted:   "exchange_completed",
	KindMarketChanged:       "market_changed",
	KindStorageOverflow:     "storage_overflow",
	KindStorageRebalanced:   "storage_rebalanced",
	KindThresholdTriggered:  "threshold_triggered",
	KindThresholdResolved:   "threshold_resolved",
	KindThresholdAction:     "threshold_action",
	KindConversionCompleted: "conversion_completed",
	KindChainCompleted:      "chain_completed",
	KindChainFailed:         "chain_failed",
	KindOptimizationRun:     "optimization_run",
	KindPerfSnapshot:        "perf_snapshot",
	KindModuleActivated:     "module_activated",
	KindModuleDeactivated:   "module_deactivated",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Payload is implemented by every event body. EventKind ties the
// concrete type back to its Kind so Publish can stamp the envelope.
type Payload interface {
	EventKind() Kind
}

// Event is the envelope placed on the bus.
type Event struct {
	Kind       Kind      `json:"kind"`
	ModuleID   string    `json:"moduleId"`
	ModuleType string    `json:"moduleType"`
	Timestamp  time.Time `json:"timestamp"`
	Data       Payload   `json:"data"`
}

// ResourceDelta reports a produced/consumed mutation on one state.
type ResourceDelta struct {
	Type   resource.Type `json:"type"`
	Old    float64       `json:"old"`
	New    float64       `json:"new"`
	Delta  float64       `json:"delta"`
	Entity string        `json:"entity,omitempty"`
}

func (ResourceDelta) EventKind() Kind { return KindResourceProduced }

// Consumed is a ResourceDelta flowing the other way.
type Consumed ResourceDelta

func (Consumed) EventKind() Kind { return KindResourceConsumed }

// Transferred wraps a completed transfer record.
type Transferred struct {
	Transfer resource.Transfer `json:"transfer"`
}

func (Transferred) EventKind() Kind { return KindResourceTransferred }

// Shortage fires when a required consumption cannot be met in full.
type Shortage struct {
	Type      resource.Type `json:"type"`
	Requested float64       `json:"requested"`
	Available float64       `json:"available"`
	Rule      string        `json:"rule,omitempty"`
}

func (Shortage) EventKind() Kind { return KindResourceShortage }

// Registered reports an upsert into a registry; Previous carries the
// replaced value (nil on first registration) for diffing.
type Registered struct {
	Registry string `json:"registry"`
	ID       string `json:"id"`
	Removed  bool   `json:"removed,omitempty"`
	Previous any    `json:"previous,omitempty"`
}

func (Registered) EventKind() Kind { return KindRegistration }

// StatusChanged reports a manager-level setting change, such as a
// storage-efficiency rescale.
type StatusChanged struct {
	Field string  `json:"field"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

func (StatusChanged) EventKind() Kind { return KindStatusChanged }

// ExchangeCompleted reports an executed conversion between two types.
type ExchangeCompleted struct {
	TransactionID string        `json:"transactionId"`
	FromType      resource.Type `json:"fromType"`
	ToType        resource.Type `json:"toType"`
	FromAmount    float64       `json:"fromAmount"`
	ToAmount      float64       `json:"toAmount"`
	Rate          float64       `json:"rate"`
}

func (ExchangeCompleted) EventKind() Kind { return KindExchangeCompleted }

// MarketChanged reports a market-condition transition.
type MarketChanged struct {
	Old string `json:"old"`
	New string `json:"new"`
}

func (MarketChanged) EventKind() Kind { return KindMarketChanged }

// StorageOverflow reports an amount that could not be stored anywhere.
type StorageOverflow struct {
	Type     resource.Type `json:"type"`
	Amount   float64       `json:"amount"`
	Policy   string        `json:"policy"`
	Absorbed float64       `json:"absorbed"`
}

func (StorageOverflow) EventKind() Kind { return KindStorageOverflow }

// StorageRebalanced reports an automatic rebalance pass.
type StorageRebalanced struct {
	Type      resource.Type `json:"type"`
	Moved     float64       `json:"moved"`
	Transfers int           `json:"transfers"`
}

func (StorageRebalanced) EventKind() Kind { return KindStorageRebalanced }

// ThresholdTriggered fires on an inactive→warning|critical transition.
type ThresholdTriggered struct {
	ThresholdID string        `json:"thresholdId"`
	AlertID     string        `json:"alertId"`
	Type        resource.Type `json:"type"`
	Severity    string        `json:"severity"`
	Current     float64       `json:"current"`
}

func (ThresholdTriggered) EventKind() Kind { return KindThresholdTriggered }

// ThresholdResolved fires when the violating condition clears.
type ThresholdResolved struct {
	ThresholdID string        `json:"thresholdId"`
	Type        resource.Type `json:"type"`
	Current     float64       `json:"current"`
}

func (ThresholdResolved) EventKind() Kind { return KindThresholdResolved }

// ThresholdAction is a side effect requested by a triggered threshold.
type ThresholdAction struct {
	ThresholdID string        `json:"thresholdId"`
	Action      string        `json:"action"`
	Type        resource.Type `json:"type"`
	Amount      float64       `json:"amount"`
	Message     string        `json:"message,omitempty"`
}

func (ThresholdAction) EventKind() Kind { return KindThresholdAction }

// ConversionCompleted reports a finished conversion process.
type ConversionCompleted struct {
	ProcessID   string  `json:"processId"`
	RecipeID    string  `json:"recipeId"`
	ConverterID string  `json:"converterId"`
	Efficiency  float64 `json:"efficiency"`
}

func (ConversionCompleted) EventKind() Kind { return KindConversionCompleted }

// ChainCompleted reports a conversion chain finishing its last step.
type ChainCompleted struct {
	ChainID   string              `json:"chainId"`
	Steps     int                 `json:"steps"`
	Transfers []resource.Transfer `json:"transfers,omitempty"`
}

func (ChainCompleted) EventKind() Kind { return KindChainCompleted }

// ChainFailed reports a chain aborted mid-sequence.
type ChainFailed struct {
	ChainID string `json:"chainId"`
	Step    int    `json:"step"`
	Reason  string `json:"reason"`
}

func (ChainFailed) EventKind() Kind { return KindChainFailed }

// OptimizationRun summarizes one flow-optimizer pass.
type OptimizationRun struct {
	Transfers int     `json:"transfers"`
	Moved     float64 `json:"moved"`
}

func (OptimizationRun) EventKind() Kind { return KindOptimizationRun }

// PerfSnapshot carries the aggregate numbers from a monitor snapshot.
type PerfSnapshot struct {
	SystemLoad  float64  `json:"systemLoad"`
	Bottlenecks []string `json:"bottlenecks,omitempty"`
}

func (PerfSnapshot) EventKind() Kind { return KindPerfSnapshot }

// ModuleLifecycle reports an external module activating or deactivating.
type ModuleLifecycle struct {
	Active bool `json:"active"`
}

func (m ModuleLifecycle) EventKind() Kind {
	if m.Active {
		return KindModuleActivated
	}
	return KindModuleDeactivated
}
