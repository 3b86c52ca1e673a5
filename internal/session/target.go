package session

import (
	"math"
	"time"
)

const (
	// RunDurationBuffer is added to every lease so it outlasts the slowest fetch.
	RunDurationBuffer = 20 * time.Minute

	// RateLimitWindow is the observed length of one id paging window.
	RateLimitWindow = 24 * time.Minute
	// RateLimitWindowBatchSize is how many ids can be paged within one window.
	RateLimitWindowBatchSize = 75_000

	// DefaultFollowersCount stands in for accounts missing from the registry.
	DefaultFollowersCount = 15_000

	// DefaultProfileTargetAge is how often the profile of a graph neighbor is refreshed.
	DefaultProfileTargetAge = 7 * 24 * time.Hour
)

// TargetAgeConfig maps follower counts to how stale an account may get.
type TargetAgeConfig struct {
	MinTargetAge      time.Duration
	MaxTargetAge      time.Duration
	MinFollowersCount int
	MaxFollowersCount int
}

// DefaultTargetAgeConfig returns the standard scaling.
func DefaultTargetAgeConfig() TargetAgeConfig {
	return TargetAgeConfig{
		MinTargetAge:      12 * time.Hour,
		MaxTargetAge:      72 * time.Hour,
		MinFollowersCount: 15_000,
		MaxFollowersCount: 1_000_000,
	}
}

// TargetAge grows linearly with the follower count between the two bounds,
// so that smaller accounts are checked more often.
func (c TargetAgeConfig) TargetAge(followersCount int) time.Duration {
	switch {
	case followersCount <= c.MinFollowersCount:
		return c.MinTargetAge
	case followersCount >= c.MaxFollowersCount:
		return c.MaxTargetAge
	}

	span := c.MaxTargetAge - c.MinTargetAge
	countRange := c.MaxFollowersCount - c.MinFollowersCount
	offset := followersCount - c.MinFollowersCount

	return c.MinTargetAge + time.Duration(math.Round(float64(span)*float64(offset)/float64(countRange)))
}

// EstimateRunDuration is the lease length for paging an account with count followers.
func EstimateRunDuration(count int) time.Duration {
	windows := count/RateLimitWindowBatchSize + 1
	return time.Duration(windows)*RateLimitWindow + RunDurationBuffer
}

// ProfileTargetAge maps a popularity rank to a profile refresh interval.
func ProfileTargetAge(rank int) time.Duration {
	switch {
	case rank <= 100_000:
		return 6 * time.Hour
	case rank <= 1_000_000:
		return 24 * time.Hour
	case rank <= 10_000_000:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
