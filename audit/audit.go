// Package audit records subscription status transitions to an external
// sink. Implementations should be non-blocking and best-effort: a failed
// write is logged by the caller and never affects the published status.
package audit

import (
	"context"

	"github.com/open-rails/storekit/status"
)

// StatusEventLogger records one status transition per actual change.
type StatusEventLogger interface {
	LogTransition(ctx context.Context, userID string, from, to status.SubscriptionStatus) error
}
