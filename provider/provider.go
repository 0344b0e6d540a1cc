// Package provider assembles the kit: it owns the reconciler's listener
// and poll lifecycles and exposes the application-facing subscription API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/open-rails/storekit/audit"
	"github.com/open-rails/storekit/catalog"
	"github.com/open-rails/storekit/logging"
	"github.com/open-rails/storekit/purchase"
	"github.com/open-rails/storekit/reconcile"
	"github.com/open-rails/storekit/status"
	"github.com/open-rails/storekit/txn"
)

// ScenePresenter resolves the active presentation surface for UI
// passthroughs. Optional; without one, manage-subscriptions is a logged
// no-op.
type ScenePresenter interface {
	ActiveScene() (purchase.Scene, bool)
}

// Config wires the provider's collaborators.
type Config struct {
	Logger   logging.Logger
	Catalog  *catalog.Catalog
	Fetcher  catalog.Fetcher
	Source   txn.Source
	Backend  purchase.Backend
	Verifier reconcile.Verifier

	// Optional.
	Scenes       ScenePresenter
	Cache        reconcile.StatusCache
	Audit        audit.StatusEventLogger
	PollInterval time.Duration
	UserID       string
}

// Provider is the top-level subscription entry point for the application.
type Provider struct {
	logger      logging.Logger
	catalog     *catalog.Catalog
	fetcher     catalog.Fetcher
	backend     purchase.Backend
	scenes      ScenePresenter
	publisher   *status.Publisher
	reconciler  *reconcile.Reconciler
	coordinator *purchase.Coordinator
}

// New validates the configuration and assembles the provider. It fails
// when the catalog is missing or empty: the kit cannot run without at
// least one configured product.
func New(cfg Config) (*Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Catalog == nil {
		return nil, errors.New("provider: catalog is required")
	}
	if len(cfg.Catalog.ProductIDs()) == 0 {
		return nil, catalog.ErrNoProducts
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("provider: fetcher is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("provider: source is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("provider: backend is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("provider: verifier is required")
	}

	publisher := status.NewPublisher(status.SubscriptionStatus{Kind: status.Inactive})
	reconciler, err := reconcile.New(reconcile.Config{
		Source:       cfg.Source,
		Verifier:     cfg.Verifier,
		Publisher:    publisher,
		Logger:       cfg.Logger,
		PollInterval: cfg.PollInterval,
		Cache:        cfg.Cache,
		Audit:        cfg.Audit,
		UserID:       cfg.UserID,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := purchase.NewCoordinator(cfg.Backend, cfg.Source, cfg.Verifier, cfg.Catalog, reconciler, cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Provider{
		logger:      cfg.Logger,
		catalog:     cfg.Catalog,
		fetcher:     cfg.Fetcher,
		backend:     cfg.Backend,
		scenes:      cfg.Scenes,
		publisher:   publisher,
		reconciler:  reconciler,
		coordinator: coordinator,
	}, nil
}

// Start begins the initial reconciliation pass, the live transaction
// listener, and the periodic poll. Both loops stop together when ctx is
// cancelled or Close is called.
func (p *Provider) Start(ctx context.Context) error {
	return p.reconciler.Start(ctx)
}

// Close tears the provider down, leaving any in-flight pass to complete
// naturally.
func (p *Provider) Close() {
	p.reconciler.Close()
}

// Status returns the current canonical subscription status.
func (p *Provider) Status() status.SubscriptionStatus {
	return p.publisher.Current()
}

// SubscribeStatus registers an observer that immediately receives the
// current status, then every subsequent change.
func (p *Provider) SubscribeStatus() (<-chan status.SubscriptionStatus, func()) {
	return p.publisher.Subscribe()
}

// FetchProducts fetches catalog entries in manifest order, enriched with
// a trial-aware display price. Non-subscription products are logged and
// dropped.
func (p *Provider) FetchProducts(ctx context.Context) ([]catalog.Product, error) {
	fetched, err := p.fetcher.Fetch(ctx, p.catalog.ProductIDs())
	if err != nil {
		return nil, fmt.Errorf("provider: fetch products: %w", err)
	}
	byID := make(map[string]catalog.Product, len(fetched))
	for _, prod := range fetched {
		if prod.Type != string(txn.ProductTypeAutoRenewable) {
			p.logger.Error("provider: unknown product type %q for %s", prod.Type, prod.ID)
			continue
		}
		byID[prod.ID] = prod
	}

	out := make([]catalog.Product, 0, len(byID))
	for _, id := range p.catalog.ProductIDs() {
		prod, ok := byID[id]
		if !ok {
			continue
		}
		if tier, ok := p.catalog.TierFor(id); ok {
			prod.Tier = tier
		}
		if !p.coordinator.HasUsedIntroOffer(ctx, id) {
			prod.DisplayPrice = catalog.FormatPriceWithTrial(prod)
		}
		out = append(out, prod)
	}
	p.logger.Info("provider: fetched %d products", len(out))
	return out, nil
}

// Purchase buys a product. ErrProductNotFound and backend rejections are
// surfaced to the caller; cancellation and pending are outcomes.
func (p *Provider) Purchase(ctx context.Context, productID string) (purchase.Outcome, error) {
	return p.coordinator.Purchase(ctx, productID)
}

// RestorePurchases replays the user's transaction history.
func (p *Provider) RestorePurchases(ctx context.Context) error {
	return p.coordinator.Restore(ctx)
}

// HasUsedFreeTrial reports whether the user already consumed the
// product's introductory offer, treating indeterminate as used.
func (p *Provider) HasUsedFreeTrial(ctx context.Context, productID string) bool {
	return p.coordinator.HasUsedIntroOffer(ctx, productID)
}

// ShowManageSubscriptions presents the platform's manage-subscriptions
// UI in the active scene. Best effort: with no scene available it logs
// and returns.
func (p *Provider) ShowManageSubscriptions(ctx context.Context) {
	p.logger.Info("provider: show manage subscriptions")
	if p.scenes == nil {
		p.logger.Error("provider: no scene presenter configured")
		return
	}
	scene, ok := p.scenes.ActiveScene()
	if !ok {
		p.logger.Error("provider: no active scene found")
		return
	}
	if err := p.backend.ShowManageSubscriptions(ctx, scene); err != nil {
		p.logger.Error("provider: failed to show manage subscriptions: %v", err)
	}
}

// SetUserID rebinds the backend identity and forces a reconciliation
// pass.
func (p *Provider) SetUserID(ctx context.Context, userID string) error {
	p.logger.Info("provider: rebinding user")
	return p.reconciler.SetUserID(ctx, userID)
}
