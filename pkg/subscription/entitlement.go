package subscription

// IsEntitled reports whether a subscription in status grants premium access.
// Only active and trialing subscriptions are entitled; past_due is not, so a
// failed renewal payment removes access until an invoice is paid.
func IsEntitled(status Status) bool {
	switch status {
	case StatusActive, StatusTrialing:
		return true
	default:
		return false
	}
}

// SnapshotOf converts a persisted record into a query answer.
func SnapshotOf(sub *Subscription) Snapshot {
	if sub == nil || !IsEntitled(sub.Status) {
		return Unsubscribed()
	}
	snap := Snapshot{Subscribed: true}
	if sub.Plan != "" {
		plan := sub.Plan
		snap.Plan = &plan
	}
	if sub.CurrentPeriodEnd != nil {
		end := *sub.CurrentPeriodEnd
		snap.PeriodEnd = &end
	}
	return snap
}

// Current picks the record that answers for a user among subs: the most
// recently updated entitled record, or the most recently updated one when
// none is entitled. A late event on an old canceled subscription must not
// hide a newer active one. Returns nil for an empty slice.
func Current(subs []*Subscription) *Subscription {
	var current *Subscription
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if current == nil {
			current = sub
			continue
		}
		subEntitled, curEntitled := IsEntitled(sub.Status), IsEntitled(current.Status)
		if subEntitled != curEntitled {
			if subEntitled {
				current = sub
			}
			continue
		}
		if sub.UpdatedAt.After(current.UpdatedAt) {
			current = sub
		}
	}
	return current
}
