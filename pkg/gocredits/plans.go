package gocredits

import (
	"fmt"
	"regexp"
	"sort"
)

// ExpirationMode governs what happens to unused subscription credits at renewal
type ExpirationMode string

const (
	// ExpirationNever carries credits over, up to the plan's rollover cap
	ExpirationNever ExpirationMode = "never"
	// ExpirationEndOfCycle forfeits the whole prior balance at each cycle boundary
	ExpirationEndOfCycle ExpirationMode = "end_of_cycle"
	// ExpirationRollingWindow forfeits the whole prior balance at each window boundary
	ExpirationRollingWindow ExpirationMode = "rolling_window"
)

// Valid reports whether m is a known mode
func (m ExpirationMode) Valid() bool {
	switch m {
	case ExpirationNever, ExpirationEndOfCycle, ExpirationRollingWindow:
		return true
	default:
		return false
	}
}

var priceIDPattern = regexp.MustCompile(`^price_[A-Za-z0-9]+$`)

// ValidPriceID reports whether id is a syntactically valid external price id
func ValidPriceID(id string) bool {
	return priceIDPattern.MatchString(id)
}

// Plan is the static configuration of a subscription plan
type Plan struct {
	Key             string `yaml:"key" json:"key"`
	Name            string `yaml:"name" json:"name"`
	ExternalPriceID string `yaml:"price_id" json:"price_id"`
	CreditsPerCycle int    `yaml:"credits_per_cycle" json:"credits_per_cycle"`

	// MaxRollover caps the carried balance. nil means unlimited, 0 means none.
	MaxRollover *int `yaml:"max_rollover" json:"max_rollover,omitempty"`

	// RolloverMultiplier derives a cap of CreditsPerCycle*multiplier when MaxRollover is nil
	RolloverMultiplier float64 `yaml:"rollover_multiplier" json:"rollover_multiplier,omitempty"`

	ExpirationMode              ExpirationMode `yaml:"expiration_mode" json:"expiration_mode"`
	WarningDaysBeforeExpiration int            `yaml:"warning_days" json:"warning_days"`

	BatchLimit  int `yaml:"batch_limit" json:"batch_limit"`
	HourlyLimit int `yaml:"hourly_limit" json:"hourly_limit"`

	DisplayOrder int  `yaml:"display_order" json:"display_order"`
	Enabled      bool `yaml:"enabled" json:"enabled"`
	Recommended  bool `yaml:"recommended" json:"recommended"`
}

// RolloverCap returns the maximum balance that may carry into a new cycle.
// ok is false when the plan has no cap.
func (p *Plan) RolloverCap() (limit int, ok bool) {
	if p.MaxRollover != nil {
		return *p.MaxRollover, true
	}
	if p.RolloverMultiplier > 0 {
		return int(float64(p.CreditsPerCycle) * p.RolloverMultiplier), true
	}
	return 0, false
}

// Limits returns the plan's request ceilings
func (p *Plan) Limits() Limits {
	return Limits{BatchLimit: p.BatchLimit, HourlyLimit: p.HourlyLimit}
}

// CreditPack is a one-off purchasable bundle of credits
type CreditPack struct {
	Key             string `yaml:"key" json:"key"`
	Name            string `yaml:"name" json:"name"`
	ExternalPriceID string `yaml:"price_id" json:"price_id"`
	Credits         int    `yaml:"credits" json:"credits"`
	Enabled         bool   `yaml:"enabled" json:"enabled"`
}

// CatalogConfig is the raw configuration behind a PlanCatalog
type CatalogConfig struct {
	Plans []Plan       `yaml:"plans"`
	Packs []CreditPack `yaml:"packs"`

	// DefaultLimits apply to users without a plan
	DefaultLimits Limits `yaml:"default_limits"`

	// Costs overrides DefaultCostConfig when set
	Costs *CostConfig `yaml:"costs"`
}

// PlanCatalog resolves plans and packs by key or external price id.
// It is read-only after construction and safe for concurrent use.
type PlanCatalog struct {
	plans         map[string]*Plan
	plansByPrice  map[string]*Plan
	packs         map[string]*CreditPack
	packsByPrice  map[string]*CreditPack
	ordered       []*Plan
	recommended   *Plan
	defaultLimits Limits
	costs         CostConfig
}

// NewPlanCatalog validates cfg and builds the lookup indexes
func NewPlanCatalog(cfg CatalogConfig) (*PlanCatalog, error) {
	c := &PlanCatalog{
		plans:         make(map[string]*Plan, len(cfg.Plans)),
		plansByPrice:  make(map[string]*Plan, len(cfg.Plans)),
		packs:         make(map[string]*CreditPack, len(cfg.Packs)),
		packsByPrice:  make(map[string]*CreditPack, len(cfg.Packs)),
		defaultLimits: cfg.DefaultLimits,
		costs:         DefaultCostConfig(),
	}
	if cfg.Costs != nil {
		if err := cfg.Costs.Validate(); err != nil {
			return nil, fmt.Errorf("%w: costs: %v", ErrInvalidCatalog, err)
		}
		c.costs = *cfg.Costs
	}
	if c.defaultLimits.BatchLimit <= 0 || c.defaultLimits.HourlyLimit <= 0 {
		return nil, fmt.Errorf("%w: default limits must be positive", ErrInvalidCatalog)
	}

	for i := range cfg.Plans {
		p := cfg.Plans[i]
		if err := c.addPlan(&p); err != nil {
			return nil, err
		}
	}
	for i := range cfg.Packs {
		p := cfg.Packs[i]
		if err := c.addPack(&p); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].DisplayOrder < c.ordered[j].DisplayOrder
	})
	return c, nil
}

func (c *PlanCatalog) addPlan(p *Plan) error {
	if p.Key == "" {
		return fmt.Errorf("%w: plan key is required", ErrInvalidCatalog)
	}
	if _, dup := c.plans[p.Key]; dup {
		return fmt.Errorf("%w: duplicate plan key %q", ErrInvalidCatalog, p.Key)
	}
	if p.ExpirationMode == "" {
		p.ExpirationMode = ExpirationNever
	}
	if !p.ExpirationMode.Valid() {
		return fmt.Errorf("%w: plan %q has unknown expiration mode %q", ErrInvalidCatalog, p.Key, p.ExpirationMode)
	}
	if p.CreditsPerCycle < 0 || p.WarningDaysBeforeExpiration < 0 || p.RolloverMultiplier < 0 {
		return fmt.Errorf("%w: plan %q has negative values", ErrInvalidCatalog, p.Key)
	}
	if p.MaxRollover != nil && *p.MaxRollover < 0 {
		return fmt.Errorf("%w: plan %q has negative max_rollover", ErrInvalidCatalog, p.Key)
	}
	if p.BatchLimit <= 0 || p.HourlyLimit <= 0 {
		return fmt.Errorf("%w: plan %q limits must be positive", ErrInvalidCatalog, p.Key)
	}
	if p.Enabled && !ValidPriceID(p.ExternalPriceID) {
		return fmt.Errorf("%w: plan %q has invalid price id %q", ErrInvalidCatalog, p.Key, p.ExternalPriceID)
	}
	if p.ExternalPriceID != "" {
		if _, dup := c.plansByPrice[p.ExternalPriceID]; dup {
			return fmt.Errorf("%w: duplicate price id %q", ErrInvalidCatalog, p.ExternalPriceID)
		}
		c.plansByPrice[p.ExternalPriceID] = p
	}
	if p.Recommended {
		if c.recommended != nil {
			return fmt.Errorf("%w: plans %q and %q are both recommended", ErrInvalidCatalog, c.recommended.Key, p.Key)
		}
		c.recommended = p
	}
	c.plans[p.Key] = p
	c.ordered = append(c.ordered, p)
	return nil
}

func (c *PlanCatalog) addPack(p *CreditPack) error {
	if p.Key == "" {
		return fmt.Errorf("%w: pack key is required", ErrInvalidCatalog)
	}
	if _, dup := c.packs[p.Key]; dup {
		return fmt.Errorf("%w: duplicate pack key %q", ErrInvalidCatalog, p.Key)
	}
	if p.Credits <= 0 {
		return fmt.Errorf("%w: pack %q must grant credits", ErrInvalidCatalog, p.Key)
	}
	if p.Enabled && !ValidPriceID(p.ExternalPriceID) {
		return fmt.Errorf("%w: pack %q has invalid price id %q", ErrInvalidCatalog, p.Key, p.ExternalPriceID)
	}
	if p.ExternalPriceID != "" {
		if _, dup := c.plansByPrice[p.ExternalPriceID]; dup {
			return fmt.Errorf("%w: price id %q is used by a plan and a pack", ErrInvalidCatalog, p.ExternalPriceID)
		}
		if _, dup := c.packsByPrice[p.ExternalPriceID]; dup {
			return fmt.Errorf("%w: duplicate price id %q", ErrInvalidCatalog, p.ExternalPriceID)
		}
		c.packsByPrice[p.ExternalPriceID] = p
	}
	c.packs[p.Key] = p
	return nil
}

// ResolveByPriceID returns the plan billed under priceID
func (c *PlanCatalog) ResolveByPriceID(priceID string) (*Plan, error) {
	p, ok := c.plansByPrice[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: price %q", ErrPlanNotFound, priceID)
	}
	return p, nil
}

// ResolveByKey returns the plan with the given key
func (c *PlanCatalog) ResolveByKey(key string) (*Plan, error) {
	p, ok := c.plans[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ErrPlanNotFound, key)
	}
	return p, nil
}

// ListEnabledPlans returns enabled plans sorted by display order
func (c *PlanCatalog) ListEnabledPlans() []*Plan {
	out := make([]*Plan, 0, len(c.ordered))
	for _, p := range c.ordered {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ResolveRecommended returns the recommended plan, or nil if none is enabled and recommended
func (c *PlanCatalog) ResolveRecommended() *Plan {
	if c.recommended == nil || !c.recommended.Enabled {
		return nil
	}
	return c.recommended
}

// ResolvePack returns the credit pack with the given key
func (c *PlanCatalog) ResolvePack(key string) (*CreditPack, error) {
	p, ok := c.packs[key]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", ErrPackNotFound, key)
	}
	return p, nil
}

// ResolvePackByPriceID returns the credit pack billed under priceID
func (c *PlanCatalog) ResolvePackByPriceID(priceID string) (*CreditPack, error) {
	p, ok := c.packsByPrice[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: price %q", ErrPackNotFound, priceID)
	}
	return p, nil
}

// LimitsFor returns the request ceilings for planKey, falling back to the default row
func (c *PlanCatalog) LimitsFor(planKey string) Limits {
	if p, ok := c.plans[planKey]; ok {
		return p.Limits()
	}
	return c.defaultLimits
}

// DefaultLimits returns the limits applied to users without a plan
func (c *PlanCatalog) DefaultLimits() Limits {
	return c.defaultLimits
}

// Costs returns the pricing table carried by the catalog
func (c *PlanCatalog) Costs() CostConfig {
	return c.costs
}
