// Package purchase wraps purchase and restore round-trips against the
// payment backend and forces a reconciliation pass after each, so the
// caller's next status read reflects its own action.
package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-rails/storekit/catalog"
	"github.com/open-rails/storekit/entitlements"
	"github.com/open-rails/storekit/logging"
	"github.com/open-rails/storekit/txn"
)

// ErrProductNotFound reports a purchase for a product id absent from the
// catalog snapshot. No backend round-trip or reconciliation happens.
var ErrProductNotFound = errors.New("purchase: product not found")

// PurchaseError reports a backend rejection of a purchase attempt.
type PurchaseError struct {
	ProductID string
	cause     error
}

func (e *PurchaseError) Error() string {
	return fmt.Sprintf("purchase: product %s: %v", e.ProductID, e.cause)
}

func (e *PurchaseError) Unwrap() error { return e.cause }

// Scene identifies a presentation surface able to host the platform's
// manage-subscriptions UI.
type Scene interface {
	SceneID() string
}

// Backend is the payment rail, treated as an opaque transaction source.
type Backend interface {
	// Purchase begins a purchase for the product and reports the
	// backend's outcome.
	Purchase(ctx context.Context, productID string) (txn.PurchaseResult, error)

	// Sync asks the backend to replay the user's transaction history
	// (restore purchases).
	Sync(ctx context.Context) error

	// IsEligibleForIntroOffer reports introductory-offer eligibility for
	// a product.
	IsEligibleForIntroOffer(ctx context.Context, productID string) (bool, error)

	// ShowManageSubscriptions presents the platform's subscription
	// management UI in the given scene.
	ShowManageSubscriptions(ctx context.Context, scene Scene) error
}

// Verifier validates the record a completed purchase returns.
type Verifier interface {
	Verify(ctx context.Context, rec txn.RawRecord) (entitlements.Grant, error)
}

// Syncer runs a reconciliation pass and waits for it.
type Syncer interface {
	Sync(ctx context.Context) error
}

// OutcomeKind enumerates purchase outcomes. Cancellation and pending
// states are outcomes, not errors.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	UserCancelled
	Pending
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case UserCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Outcome is the result of a purchase attempt. Grant is set only when
// Kind is Completed.
type Outcome struct {
	Kind  OutcomeKind
	Grant *entitlements.Grant
}

// Coordinator drives purchases and restores through the backend.
type Coordinator struct {
	backend    Backend
	source     txn.Source
	verifier   Verifier
	catalog    *catalog.Catalog
	reconciler Syncer
	logger     logging.Logger
}

// NewCoordinator wires a Coordinator. All collaborators are required
// except logger, which defaults to a nop sink.
func NewCoordinator(backend Backend, source txn.Source, verifier Verifier, cat *catalog.Catalog, reconciler Syncer, logger logging.Logger) (*Coordinator, error) {
	switch {
	case backend == nil:
		return nil, errors.New("purchase: backend is required")
	case source == nil:
		return nil, errors.New("purchase: source is required")
	case verifier == nil:
		return nil, errors.New("purchase: verifier is required")
	case cat == nil:
		return nil, errors.New("purchase: catalog is required")
	case reconciler == nil:
		return nil, errors.New("purchase: reconciler is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		backend:    backend,
		source:     source,
		verifier:   verifier,
		catalog:    cat,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Purchase buys the product and, on completion, runs a reconciliation
// pass before returning. The status stream itself publishes
// asynchronously as usual.
func (c *Coordinator) Purchase(ctx context.Context, productID string) (Outcome, error) {
	if !c.catalog.Has(productID) {
		return Outcome{}, ErrProductNotFound
	}
	c.logger.Info("purchase: buying %s", productID)

	res, err := c.backend.Purchase(ctx, productID)
	if err != nil {
		return Outcome{}, &PurchaseError{ProductID: productID, cause: err}
	}
	switch res.State {
	case txn.PurchaseCancelled:
		c.logger.Info("purchase: %s cancelled by user", productID)
		return Outcome{Kind: UserCancelled}, nil
	case txn.PurchasePending:
		c.logger.Info("purchase: %s pending approval", productID)
		return Outcome{Kind: Pending}, nil
	}
	if res.Record == nil {
		return Outcome{}, &PurchaseError{ProductID: productID, cause: errors.New("backend completed without a record")}
	}

	grant, err := c.verifier.Verify(ctx, *res.Record)
	if err != nil {
		// A purchase the backend cannot vouch for delivers nothing.
		return Outcome{}, err
	}
	if err := c.source.Finish(ctx, *res.Record); err != nil {
		c.logger.Warning("purchase: finish record %s: %v", res.Record.ID, err)
	}
	if err := c.reconciler.Sync(ctx); err != nil {
		c.logger.Warning("purchase: post-purchase reconciliation interrupted: %v", err)
	}
	return Outcome{Kind: Completed, Grant: &grant}, nil
}

// Restore replays the user's transaction history and runs a
// reconciliation pass before returning.
func (c *Coordinator) Restore(ctx context.Context) error {
	c.logger.Info("purchase: backend sync began")
	if err := c.backend.Sync(ctx); err != nil {
		return fmt.Errorf("purchase: restore: %w", err)
	}
	c.logger.Info("purchase: backend sync ended")
	if err := c.reconciler.Sync(ctx); err != nil {
		c.logger.Warning("purchase: post-restore reconciliation interrupted: %v", err)
	}
	return nil
}

// HasUsedIntroOffer reports whether the user already consumed the
// product's introductory offer. Indeterminate eligibility counts as used
// (fail closed) so no unintended discount is granted.
func (c *Coordinator) HasUsedIntroOffer(ctx context.Context, productID string) bool {
	eligible, err := c.backend.IsEligibleForIntroOffer(ctx, productID)
	if err != nil {
		c.logger.Warning("purchase: intro offer eligibility indeterminate for %s: %v", productID, err)
		return true
	}
	return !eligible
}
