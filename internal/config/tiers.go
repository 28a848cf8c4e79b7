package config

import "fmt"

// TiersConfig maps tier names to USD budgets and selects the active tier.
// The cost governor reads the active budget before every expensive node.
type TiersConfig struct {
	Active  string             `yaml:"active"`
	Budgets map[string]float64 `yaml:"budgets"` // tier name -> USD budget per session
}

// DefaultTiers returns the baseline tier table.
func DefaultTiers() TiersConfig {
	return TiersConfig{
		Active: "standard",
		Budgets: map[string]float64{
			"free":     0.05,
			"standard": 0.50,
			"pro":      2.50,
		},
	}
}

// ActiveBudget returns the USD budget for the active tier.
func (t *TiersConfig) ActiveBudget() float64 {
	return t.Budgets[t.Active]
}

// Validate checks the tier table.
func (t *TiersConfig) Validate() error {
	if t.Active == "" {
		return fmt.Errorf("tiers.active is required")
	}
	budget, ok := t.Budgets[t.Active]
	if !ok {
		return fmt.Errorf("tiers.active %q has no budget entry", t.Active)
	}
	if budget <= 0 {
		return fmt.Errorf("tiers.budgets[%s] must be > 0", t.Active)
	}
	return nil
}
