package store

import "time"

// FreshnessValidator is the pure freshness decision function: it never
// performs I/O and never mutates anything. DefaultTTL is the threshold
// used for policies other than MinAge ("fresh" means
// now - dbMeta.UpdatedAt <= threshold).
type FreshnessValidator struct {
	DefaultTTL time.Duration

	// ConditionalRefreshOnCachedOrFetch enables the "may conditional-
	// refresh if etag present and configured" branch of the decision
	// table for CachedOrFetch when dbMeta is fresh.
	ConditionalRefreshOnCachedOrFetch bool
}

// Plan implements the freshness decision table.
func (v FreshnessValidator) Plan(now time.Time, policy FreshnessPolicy, dbMeta *DBMeta, status KeyStatus) FetchPlan {
	threshold := v.DefaultTTL
	if policy.IsMinAge() {
		threshold = policy.MinAgeThreshold()
	}

	if dbMeta == nil {
		return UnconditionalPlan()
	}

	fresh := now.Sub(dbMeta.UpdatedAt) <= threshold
	hasConditionalInfo := status.HasLastETag || !dbMeta.UpdatedAt.IsZero()

	if policy.IsMustBeFresh() {
		// MustBeFresh always fetches (never Skip); conditional iff we
		// have network info to condition on.
		if hasConditionalInfo {
			return v.conditional(status, dbMeta)
		}
		return UnconditionalPlan()
	}

	if fresh {
		switch {
		case policy.IsCachedOrFetch():
			if v.ConditionalRefreshOnCachedOrFetch && status.HasLastETag {
				return v.conditional(status, dbMeta)
			}
			return SkipPlan()
		default:
			// MinAge and StaleIfError: fresh local data means Skip.
			return SkipPlan()
		}
	}

	// Stale. Every policy fetches; conditional iff we have etag/lastMod.
	if status.HasLastETag || !dbMeta.UpdatedAt.IsZero() {
		return v.conditional(status, dbMeta)
	}
	return UnconditionalPlan()
}

func (v FreshnessValidator) conditional(status KeyStatus, dbMeta *DBMeta) FetchPlan {
	etag := ""
	if status.HasLastETag {
		etag = status.LastETag
	}
	return ConditionalPlan(etag, dbMeta.UpdatedAt)
}
