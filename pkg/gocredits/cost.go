package gocredits

import (
	"fmt"
	"math"
	"sort"
)

// QualityTier is a named processing quality level
type QualityTier string

const (
	TierQuick    QualityTier = "quick"
	TierStandard QualityTier = "standard"
	TierUltra    QualityTier = "ultra"

	// TierAuto lets the provider pick the model. Its cost is an upper-bound estimate
	// that is reconciled once the actual cost is known.
	TierAuto QualityTier = "auto"
)

// CostInput describes a single processing request for pricing
type CostInput struct {
	Tier          QualityTier `json:"tier"`
	Scale         int         `json:"scale"`
	SmartAnalysis bool        `json:"smart_analysis"`
}

// CostConfig is the pricing table used by CostCalculator
type CostConfig struct {
	// TierCosts is the base cost per fixed tier
	TierCosts map[QualityTier]int `yaml:"tiers" json:"tiers"`

	// AutoEstimate is the reservation cost for the auto tier
	AutoEstimate int `yaml:"auto_estimate" json:"auto_estimate"`

	// ScaleMultipliers maps a scale factor to a cost multiplier
	ScaleMultipliers map[int]float64 `yaml:"scale_multipliers" json:"scale_multipliers"`

	// SmartAnalysisSurcharge is added when smart analysis is requested on a non-auto tier
	SmartAnalysisSurcharge int `yaml:"smart_analysis_surcharge" json:"smart_analysis_surcharge"`

	MinimumCost int `yaml:"minimum_cost" json:"minimum_cost"`
	MaximumCost int `yaml:"maximum_cost" json:"maximum_cost"`
}

// DefaultCostConfig returns the stock pricing table
func DefaultCostConfig() CostConfig {
	return CostConfig{
		TierCosts: map[QualityTier]int{
			TierQuick:    1,
			TierStandard: 2,
			TierUltra:    4,
		},
		AutoEstimate: 4,
		ScaleMultipliers: map[int]float64{
			2: 1,
			4: 1.5,
			8: 2,
		},
		SmartAnalysisSurcharge: 1,
		MinimumCost:            1,
		MaximumCost:            20,
	}
}

// Validate checks the pricing table for consistency
func (c *CostConfig) Validate() error {
	if c.MinimumCost < 0 {
		return fmt.Errorf("%w: minimum cost must be non-negative", ErrInvalidConfig)
	}
	if c.MaximumCost < c.MinimumCost {
		return fmt.Errorf("%w: maximum cost %d is below minimum cost %d", ErrInvalidConfig, c.MaximumCost, c.MinimumCost)
	}
	if len(c.TierCosts) == 0 {
		return fmt.Errorf("%w: at least one tier cost is required", ErrInvalidConfig)
	}
	for tier, cost := range c.TierCosts {
		if tier == TierAuto {
			return fmt.Errorf("%w: auto tier is priced by auto_estimate", ErrInvalidConfig)
		}
		if cost < 0 {
			return fmt.Errorf("%w: tier %q has negative cost", ErrInvalidConfig, tier)
		}
	}
	if c.AutoEstimate < 0 || c.SmartAnalysisSurcharge < 0 {
		return fmt.Errorf("%w: auto estimate and surcharge must be non-negative", ErrInvalidConfig)
	}
	if len(c.ScaleMultipliers) == 0 {
		return fmt.Errorf("%w: at least one scale multiplier is required", ErrInvalidConfig)
	}
	for scale, mul := range c.ScaleMultipliers {
		if scale <= 0 || mul <= 0 {
			return fmt.Errorf("%w: scale %d has invalid multiplier %v", ErrInvalidConfig, scale, mul)
		}
	}
	return nil
}

// CostCalculator prices processing requests. It holds no mutable state.
type CostCalculator struct {
	config CostConfig
}

// NewCostCalculator validates config and returns a calculator
func NewCostCalculator(config CostConfig) (*CostCalculator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CostCalculator{config: config}, nil
}

// Calculate returns the credit cost of in, clamped to [MinimumCost, MaximumCost].
// Inputs are expected to have passed ValidateInput; an unknown tier prices at the
// minimum and an unknown scale uses a multiplier of 1.
func (c *CostCalculator) Calculate(in CostInput) int {
	var base int
	if in.Tier == TierAuto {
		base = c.config.AutoEstimate
	} else {
		base = c.config.TierCosts[in.Tier]
	}

	mul, ok := c.config.ScaleMultipliers[in.Scale]
	if !ok {
		mul = 1
	}
	cost := int(math.Ceil(float64(base) * mul))

	// auto already includes analysis in its estimate
	if in.SmartAnalysis && in.Tier != TierAuto {
		cost += c.config.SmartAnalysisSurcharge
	}

	return c.clamp(cost)
}

// IsEstimate reports whether the cost of in is an upper-bound estimate
// that must be reconciled after dispatch.
func (c *CostCalculator) IsEstimate(in CostInput) bool {
	return in.Tier == TierAuto
}

// ValidateInput rejects unknown tiers and scale factors
func (c *CostCalculator) ValidateInput(in CostInput) error {
	if in.Tier != TierAuto {
		if _, ok := c.config.TierCosts[in.Tier]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidTier, in.Tier)
		}
	}
	if _, ok := c.config.ScaleMultipliers[in.Scale]; !ok {
		return fmt.Errorf("%w: %d (supported: %v)", ErrInvalidScale, in.Scale, c.Scales())
	}
	return nil
}

// Scales returns the supported scale factors in ascending order
func (c *CostCalculator) Scales() []int {
	scales := make([]int, 0, len(c.config.ScaleMultipliers))
	for s := range c.config.ScaleMultipliers {
		scales = append(scales, s)
	}
	sort.Ints(scales)
	return scales
}

// Clamp bounds an externally reported cost to the configured range
func (c *CostCalculator) Clamp(cost int) int {
	return c.clamp(cost)
}

func (c *CostCalculator) clamp(cost int) int {
	if cost < c.config.MinimumCost {
		return c.config.MinimumCost
	}
	if cost > c.config.MaximumCost {
		return c.config.MaximumCost
	}
	return cost
}
