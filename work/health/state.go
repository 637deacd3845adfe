// Package health probes stream variants, applies the consecutive-failure
// state machine and keeps failover order current.
package health

import (
	"time"

	"iptv-hub/work/types"
)

// DefaultThreshold is the number of consecutive failures that deactivates a
// variant.
const DefaultThreshold = 3

// Apply folds one probe result into a variant. A failure extends the streak
// and deactivates the variant once the streak reaches threshold; a success
// clears the streak and reactivates it. It reports whether IsActive changed.
func Apply(v *types.StreamVariant, r types.HealthResult, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	wasActive := v.IsActive

	checked := r.CheckedAt
	if checked.IsZero() {
		checked = time.Now()
	}
	v.LastCheck = &checked
	v.ResponseTimeMs = r.ResponseTimeMs
	v.ChecksTotal++

	if r.IsAlive {
		v.ChecksPassed++
		v.ConsecutiveFailures = 0
		v.IsActive = true
		v.FailureReason = ""
		v.LastSuccess = &checked
	} else {
		v.ConsecutiveFailures++
		v.FailureReason = r.ErrorReason
		v.LastFailure = &checked
		if v.ConsecutiveFailures >= threshold {
			v.IsActive = false
		}
	}

	return wasActive != v.IsActive
}

// Score rates a variant's health from 0 to 100: each consecutive failure
// costs 10 points (at most 50) and slow responses cost 10, 20 or 30 points
// above 1s, 3s and 5s. The result is then scaled by the variant's uptime, the
// share of checks it passed. A variant never checked is not scaled.
func Score(v *types.StreamVariant) int {
	score := 100
	if v.ConsecutiveFailures > 0 {
		score -= min(50, v.ConsecutiveFailures*10)
	}

	switch rt := v.ResponseTimeMs; {
	case rt > 5000:
		score -= 30
	case rt > 3000:
		score -= 20
	case rt > 1000:
		score -= 10
	}

	if pct, ok := Uptime(v); ok {
		score = int(float64(score) * pct / 100)
	}

	return max(0, min(100, score))
}

// Uptime returns the percentage of checks v passed, and false when it has
// never been checked.
func Uptime(v *types.StreamVariant) (float64, bool) {
	if v.ChecksTotal <= 0 {
		return 0, false
	}
	return float64(min(v.ChecksPassed, v.ChecksTotal)) * 100 / float64(v.ChecksTotal), true
}
