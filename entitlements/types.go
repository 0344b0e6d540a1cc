// Package entitlements holds the service-level hierarchy and the pure
// resolution rule that picks a single entitlement out of the set of grants a
// user currently holds.
package entitlements

import "time"

// Tier is a subscription's level of service. Ranks are in descending order:
// a numerically smaller rank is a higher level of service, matching how
// subscription-group levels are configured on the backend. NotEntitled is
// the bottom of the hierarchy.
type Tier int

const NotEntitled Tier = 0

// Outranks reports whether t is a strictly higher level of service than o.
func (t Tier) Outranks(o Tier) bool {
	if t == NotEntitled {
		return false
	}
	if o == NotEntitled {
		return true
	}
	return t < o
}

// GrantState is the subscription state the backend reports for a grant.
type GrantState string

const (
	StateNone         GrantState = ""
	StateSubscribed   GrantState = "subscribed"
	StateExpired      GrantState = "expired"
	StateRevoked      GrantState = "revoked"
	StateGracePeriod  GrantState = "grace_period"
	StateBillingRetry GrantState = "billing_retry"
)

// Terminal reports whether the state ends the grant's entitlement. A
// terminal grant contributes NotEntitled rather than its nominal tier.
func (s GrantState) Terminal() bool {
	return s == StateExpired || s == StateRevoked
}

// Grant is a transaction record that passed verification. Grants are
// recomputed on every reconciliation pass and never persisted.
type Grant struct {
	ProductID string
	Tier      Tier
	State     GrantState
	ExpiresAt *time.Time
}
