// Package config loads the engine balance configuration from YAML.
// Every knob has a default matching shipped game balance; the file only
// needs to name what it overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use duration strings
// ("30s", "250ms") or bare nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full balance/tuning surface for the engine.
type Config struct {
	// Tick loop.
	TickInterval Duration `yaml:"tick_interval"`
	Speed        float64  `yaml:"speed"`

	// Periodic task intervals.
	MarketUpdateInterval   Duration `yaml:"market_update_interval"`
	ThresholdCheckInterval Duration `yaml:"threshold_check_interval"`
	PerfSnapshotInterval   Duration `yaml:"perf_snapshot_interval"`
	RebalanceInterval      Duration `yaml:"rebalance_interval"`
	SnapshotSaveInterval   Duration `yaml:"snapshot_save_interval"`

	// Ledger transfer batching.
	MinTransferBatch       float64 `yaml:"min_transfer_batch"`
	MaxTransferBatch       float64 `yaml:"max_transfer_batch"`
	TransferRateMultiplier float64 `yaml:"transfer_rate_multiplier"`
	TransferHistoryMax     int     `yaml:"transfer_history_max"`

	// Exchange.
	TransactionHistoryMax int     `yaml:"transaction_history_max"`
	MarketProbabilities   Market  `yaml:"market_probabilities"`
	SentimentScale        float64 `yaml:"sentiment_scale"`

	// Storage.
	Storage Storage `yaml:"storage"`

	// Threshold.
	ResolvedHold Duration `yaml:"resolved_hold"`

	// Event retention.
	EventHistoryMax int `yaml:"event_history_max"`

	// Conversion alternatives used by the storage "convert" overflow
	// policy and exchange fallbacks.
	Alternatives     map[string]string `yaml:"alternatives"`
	AlternativeRatio float64           `yaml:"alternative_ratio"`
}

// Market holds the condition-transition probabilities. They must sum
// to 1; Load rejects files where they do not.
type Market struct {
	Stable   float64 `yaml:"stable"`
	Volatile float64 `yaml:"volatile"`
	Bullish  float64 `yaml:"bullish"`
	Bearish  float64 `yaml:"bearish"`
}

// Storage groups container allocation tuning.
type Storage struct {
	ContainerWeight    float64 `yaml:"container_weight"`
	ResourceWeight     float64 `yaml:"resource_weight"`
	FillWeight         float64 `yaml:"fill_weight"`
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	RebalanceTolerance float64 `yaml:"rebalance_tolerance"`
	RedistributeGrowth float64 `yaml:"redistribute_growth"`
}

// Default returns the shipped balance values.
func Default() Config {
	return Config{
		TickInterval: Duration(time.Second),
		Speed:        1.0,

		MarketUpdateInterval:   Duration(30 * time.Second),
		ThresholdCheckInterval: Duration(2 * time.Second),
		PerfSnapshotInterval:   Duration(10 * time.Second),
		RebalanceInterval:      Duration(15 * time.Second),
		SnapshotSaveInterval:   Duration(60 * time.Second),

		MinTransferBatch:       0.01,
		MaxTransferBatch:       10000,
		TransferRateMultiplier: 1.0,
		TransferHistoryMax:     500,

		TransactionHistoryMax: 500,
		MarketProbabilities: Market{
			Stable:   0.60,
			Volatile: 0.15,
			Bullish:  0.15,
			Bearish:  0.10,
		},
		SentimentScale: 0.05,

		Storage: Storage{
			ContainerWeight:    0.4,
			ResourceWeight:     0.3,
			FillWeight:         0.3,
			RebalanceThreshold: 0.20,
			RebalanceTolerance: 0.05,
			RedistributeGrowth: 0.20,
		},

		ResolvedHold: Duration(5 * time.Second),

		EventHistoryMax: 1000,

		Alternatives: map[string]string{
			"energy":   "plasma",
			"plasma":   "energy",
			"minerals": "iron",
			"iron":     "minerals",
			"gas":      "fuel",
			"fuel":     "gas",
		},
		AlternativeRatio: 0.5,
	}
}

// Load reads path and overlays it onto the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("balance.yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("balance.yaml: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	sum := c.MarketProbabilities.Stable + c.MarketProbabilities.Volatile +
		c.MarketProbabilities.Bullish + c.MarketProbabilities.Bearish
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("market probabilities sum to %.3f, want 1", sum)
	}
	if c.MinTransferBatch < 0 || c.MaxTransferBatch <= c.MinTransferBatch {
		return fmt.Errorf("transfer batch bounds invalid: [%g, %g]",
			c.MinTransferBatch, c.MaxTransferBatch)
	}
	if c.AlternativeRatio <= 0 {
		return fmt.Errorf("alternative_ratio must be positive")
	}
	return nil
}
