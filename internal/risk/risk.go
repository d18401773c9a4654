// Package risk maps continuous risk scores to display tiers.
//
// Boundary table (inputs outside [0, 1] are clamped first):
//
//	score < 0.30          low
//	0.30 <= score < 0.70  medium
//	0.70 <= score < 0.90  high
//	score >= 0.90         critical
package risk

import (
	"math"
)

type Tier int

const (
	Low Tier = iota
	Medium
	High
	Critical
)

const (
	MediumFrom   = 0.30
	HighFrom     = 0.70
	CriticalFrom = 0.90
)

func (t Tier) String() string {
	switch t {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Clamp limits r to [0, 1]. NaN is treated as 0.
func Clamp(r float64) float64 {
	switch {
	case math.IsNaN(r), r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

// Classify returns the tier of r.
func Classify(r float64) Tier {
	r = Clamp(r)
	switch {
	case r >= CriticalFrom:
		return Critical
	case r >= HighFrom:
		return High
	case r >= MediumFrom:
		return Medium
	default:
		return Low
	}
}

// Percent converts r to an integer percentage, rounding half up.
func Percent(r float64) int {
	if math.IsNaN(r) {
		return 0
	}
	return int(math.Floor(r*100 + 0.5))
}
