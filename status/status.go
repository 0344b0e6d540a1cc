// Package status defines the canonical subscription status and the
// broadcast publisher that delivers it to observers.
package status

import (
	"fmt"
	"time"
)

// Kind enumerates the canonical subscription states.
type Kind int

const (
	Unknown Kind = iota
	Inactive
	Active
	Expired
	Revoked
	InGracePeriod
	InBillingRetryPeriod
)

func (k Kind) String() string {
	switch k {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	case InGracePeriod:
		return "in_grace_period"
	case InBillingRetryPeriod:
		return "in_billing_retry_period"
	default:
		return "unknown"
	}
}

// SubscriptionStatus is the single source of truth for entitlement gating.
// ExpiresAt is set only for Active.
type SubscriptionStatus struct {
	Kind      Kind       `json:"kind"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActiveUntil builds an Active status with the given expiry.
func ActiveUntil(expiresAt time.Time) SubscriptionStatus {
	return SubscriptionStatus{Kind: Active, ExpiresAt: &expiresAt}
}

// Equal reports value equality, treating expiry times by instant.
func (s SubscriptionStatus) Equal(o SubscriptionStatus) bool {
	if s.Kind != o.Kind {
		return false
	}
	if (s.ExpiresAt == nil) != (o.ExpiresAt == nil) {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.Equal(*o.ExpiresAt)
}

func (s SubscriptionStatus) String() string {
	if s.Kind == Active && s.ExpiresAt != nil {
		return fmt.Sprintf("active(%s)", s.ExpiresAt.Format(time.RFC3339))
	}
	return s.Kind.String()
}
