// Package tier defines the storage tiers and their retention policy.
package tier

import (
	"fmt"
	"time"
)

// Tier represents a storage tier with specific access latency and retention.
type Tier int

const (
	// TierHot holds freshly routed data for low-latency reads.
	// Retention: 48 hours
	TierHot Tier = iota

	// TierWarm holds demoted data in columnar archive segments.
	// Retention: 30 days
	TierWarm

	// TierCold holds long-term archives; reads tolerate high latency.
	// Retention: 2 years
	TierCold
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// DefaultRetention returns the default retention duration for this tier.
func (t Tier) DefaultRetention() time.Duration {
	switch t {
	case TierHot:
		return 48 * time.Hour
	case TierWarm:
		return 30 * 24 * time.Hour // 30 days
	case TierCold:
		return 2 * 365 * 24 * time.Hour // 2 years
	default:
		return 0
	}
}

// Next returns the next tier for demotion.
// Returns the same tier if it's the coldest tier.
func (t Tier) Next() Tier {
	switch t {
	case TierHot:
		return TierWarm
	case TierWarm:
		return TierCold
	case TierCold:
		return TierCold // No colder tier
	default:
		return t
	}
}

// Previous returns the previous tier.
// Returns the same tier if it's the hottest tier.
func (t Tier) Previous() Tier {
	switch t {
	case TierHot:
		return TierHot // No hotter tier
	case TierWarm:
		return TierHot
	case TierCold:
		return TierWarm
	default:
		return t
	}
}

// IsColdest returns true if this is the coldest tier.
func (t Tier) IsColdest() bool {
	return t == TierCold
}

// IsHottest returns true if this is the hottest tier.
func (t Tier) IsHottest() bool {
	return t == TierHot
}

// Parse parses a string into a Tier.
func Parse(s string) (Tier, error) {
	switch s {
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	default:
		return TierHot, fmt.Errorf("unknown tier: %s", s)
	}
}

// All returns all available tiers in demotion order.
func All() []Tier {
	return []Tier{TierHot, TierWarm, TierCold}
}
