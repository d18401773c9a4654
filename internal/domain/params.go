package domain

import (
	"fmt"
	"math"
	"slices"
)

// AllowedLimits are the page sizes the transaction feed may be polled with.
var AllowedLimits = []int{20, 50, 100}

const (
	DefaultLimit        = 50
	DefaultMinRisk      = 0.7
	DefaultAnomalyLimit = 20
)

// Params are the fetch parameters of one cycle.
type Params struct {
	Limit        int     `json:"limit"`
	MinRisk      float64 `json:"min_risk"`
	AnomalyLimit int     `json:"anomaly_limit"`
}

// DefaultParams returns the dashboard defaults.
func DefaultParams() Params {
	return Params{Limit: DefaultLimit, MinRisk: DefaultMinRisk, AnomalyLimit: DefaultAnomalyLimit}
}

// ConfigError reports an invalid parameter. Parameters are rejected, never clamped.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// ValidateParams checks p before any fetch is issued.
func ValidateParams(p Params) error {
	if !slices.Contains(AllowedLimits, p.Limit) {
		return &ConfigError{Field: "limit", Value: p.Limit, Reason: fmt.Sprintf("must be one of %v", AllowedLimits)}
	}
	if math.IsNaN(p.MinRisk) || p.MinRisk < 0 || p.MinRisk > 1 {
		return &ConfigError{Field: "min_risk", Value: p.MinRisk, Reason: "must be within [0, 1]"}
	}
	if p.AnomalyLimit <= 0 {
		return &ConfigError{Field: "anomaly_limit", Value: p.AnomalyLimit, Reason: "must be positive"}
	}
	return nil
}
