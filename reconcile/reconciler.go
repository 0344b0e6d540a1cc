// Package reconcile drives the canonical subscription status: it ingests
// raw transaction records from the live update stream, explicit
// purchase/restore completions, and a periodic poll, verifies them,
// resolves the highest entitlement, and publishes the result exactly once
// per actual change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/open-rails/storekit/audit"
	"github.com/open-rails/storekit/entitlements"
	"github.com/open-rails/storekit/logging"
	"github.com/open-rails/storekit/status"
	"github.com/open-rails/storekit/txn"
)

// DefaultPollInterval is how often the periodic poll triggers a pass.
const DefaultPollInterval = 60 * time.Second

// Verifier validates one raw record into a trusted grant.
type Verifier interface {
	Verify(ctx context.Context, rec txn.RawRecord) (entitlements.Grant, error)
}

// StatusCache persists the last published status per user so a fresh
// session can seed last-known-good. Optional.
type StatusCache interface {
	Get(ctx context.Context, userID string) (status.SubscriptionStatus, bool, error)
	Put(ctx context.Context, userID string, s status.SubscriptionStatus) error
}

// Config wires a Reconciler's collaborators. Source, Verifier, and
// Publisher are required.
type Config struct {
	Source    txn.Source
	Verifier  Verifier
	Publisher *status.Publisher
	Logger    logging.Logger

	// PollInterval defaults to DefaultPollInterval when <= 0.
	PollInterval time.Duration

	// Optional collaborators.
	Cache StatusCache
	Audit audit.StatusEventLogger

	// UserID is the initial backend identity.
	UserID string
}

// Reconciler serializes reconciliation passes. Only one pass is ever in
// flight; triggers arriving mid-pass coalesce into exactly one follow-up
// pass, so no event is silently lost and no pass races another. That
// single-flight rule is the sole concurrency control over the working
// grant set.
type Reconciler struct {
	source    txn.Source
	verifier  Verifier
	publisher *status.Publisher
	logger    logging.Logger
	interval  time.Duration
	cache     StatusCache
	audit     audit.StatusEventLogger

	// triggers has capacity 1: a send while a pass runs schedules the
	// one follow-up pass, further sends are dropped.
	triggers chan struct{}

	mu        sync.Mutex
	waiters   []chan struct{}
	userID    string
	published bool // a good (non-unknown) value has been published
	started   bool

	cron       *cron.Cron
	cancel     context.CancelFunc
	workerDone chan struct{}
	listenDone chan struct{}
}

// New validates the configuration and builds a Reconciler. Call Start to
// begin the initial pass, the live listener, and the periodic poll.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Source == nil {
		return nil, errors.New("reconcile: Source is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("reconcile: Verifier is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("reconcile: Publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Reconciler{
		source:     cfg.Source,
		verifier:   cfg.Verifier,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		interval:   cfg.PollInterval,
		cache:      cfg.Cache,
		audit:      cfg.Audit,
		userID:     cfg.UserID,
		triggers:   make(chan struct{}, 1),
		workerDone: make(chan struct{}),
		listenDone: make(chan struct{}),
	}, nil
}

// Start launches the pass worker, the live-update listener, and the
// periodic poll, and triggers the initial reconciliation pass. The
// listener and the poll are cancelled together when ctx is cancelled or
// Close is called.
func (r *Reconciler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.interval), r.Trigger); err != nil {
		return fmt.Errorf("reconcile: schedule poll: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	// cancel and cron must be in place before started is observable, or
	// a concurrent Close would skip them.
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		cancel()
		return errors.New("reconcile: already started")
	}
	r.started = true
	r.cancel = cancel
	r.cron = c
	userID := r.userID
	r.mu.Unlock()

	r.seedFromCache(ctx, userID)

	go r.run(ctx)
	go r.listen(ctx)

	c.Start()
	r.Trigger()
	return nil
}

// Close cancels the listener and the poll loop together and waits for the
// in-flight pass, if any, to complete naturally.
func (r *Reconciler) Close() {
	r.mu.Lock()
	started := r.started
	cancel := r.cancel
	c := r.cron
	r.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-c.Stop().Done()
	<-r.workerDone
	<-r.listenDone
}

// Trigger schedules a reconciliation pass. If a pass is already in
// flight, the trigger coalesces into the single follow-up pass.
func (r *Reconciler) Trigger() {
	select {
	case r.triggers <- struct{}{}:
	default:
	}
}

// Sync triggers a pass and waits until a pass that began after this call
// has completed, so the caller's next status read reflects state the
// backend reported after the caller's own action.
func (r *Reconciler) Sync(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.Lock()
	r.waiters = append(r.waiters, done)
	r.mu.Unlock()
	r.Trigger()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetUserID rebinds the backend identity and forces a reconciliation
// pass. The cold-start rule applies to the new identity: until a good
// value is published for it, a total fetch failure publishes Unknown.
func (r *Reconciler) SetUserID(ctx context.Context, userID string) error {
	if err := r.source.SetUserID(ctx, userID); err != nil {
		return fmt.Errorf("reconcile: rebind user: %w", err)
	}
	r.mu.Lock()
	r.userID = userID
	r.published = false
	r.mu.Unlock()
	r.seedFromCache(ctx, userID)
	r.Trigger()
	return nil
}

// seedFromCache publishes the cached last-known status, when one exists,
// so transient failures right after startup degrade to it instead of
// Unknown.
func (r *Reconciler) seedFromCache(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	cached, ok, err := r.cache.Get(ctx, userID)
	if err != nil {
		r.logger.Warning("reconcile: status cache read failed: %v", err)
		return
	}
	if !ok {
		return
	}
	r.logger.Debug("reconcile: seeding last known status %s", cached)
	r.publisher.Publish(cached)
	// The cache never holds Unknown, so a seeded value counts as a good
	// publish even when it matches the publisher's initial state.
	r.mu.Lock()
	r.published = true
	r.mu.Unlock()
}

// run is the pass worker. It is the only goroutine that executes passes,
// which serializes all mutation of the working grant set.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.workerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.triggers:
			r.pass(ctx)
		}
	}
}

// listen consumes the live update stream. Each verified update is
// finished only after a reconciliation pass has incorporated it, so an
// interrupted pass leaves the record pending and the backend redelivers
// it. Records that fail verification are never finished.
func (r *Reconciler) listen(ctx context.Context) {
	defer close(r.listenDone)
	r.logger.Info("reconcile: listening for transaction updates")
	for rec := range r.source.Updates(ctx) {
		r.logger.Verbose("reconcile: transaction update %s for product %s", rec.ID, rec.ProductID)
		if _, err := r.verifier.Verify(ctx, rec); err != nil {
			r.logger.Error("reconcile: transaction failed verification: %v", err)
			continue
		}
		if err := r.Sync(ctx); err != nil {
			r.logger.Warning("reconcile: pass for update %s interrupted, leaving it pending: %v", rec.ID, err)
			continue
		}
		if err := r.source.Finish(ctx, rec); err != nil {
			r.logger.Warning("reconcile: finish record %s: %v", rec.ID, err)
		}
	}
}

// pass runs one reconciliation: fetch the current entitlement snapshot,
// verify each record, resolve the highest entitlement, and publish the
// mapped status if it changed. Waiters registered before the pass began
// are released when it completes.
func (r *Reconciler) pass(ctx context.Context) {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	userID := r.userID
	published := r.published
	r.mu.Unlock()
	defer func() {
		for _, w := range waiters {
			close(w)
		}
	}()

	records, err := r.source.CurrentEntitlements(ctx)
	if err != nil {
		if published {
			// Prefer last-known-good over guessing on a transient
			// outage; the backend's own state has not changed.
			r.logger.Warning("reconcile: entitlement fetch failed, keeping %s: %v", r.publisher.Current(), err)
			return
		}
		r.logger.Error("reconcile: entitlement fetch failed on cold start: %v", err)
		r.publish(ctx, userID, status.SubscriptionStatus{Kind: status.Unknown})
		return
	}

	grants := make([]entitlements.Grant, 0, len(records))
	for _, rec := range records {
		if rec.ProductType != txn.ProductTypeAutoRenewable {
			r.logger.Debug("reconcile: ignoring non-subscription product %s", rec.ProductID)
			continue
		}
		g, err := r.verifier.Verify(ctx, rec)
		if err != nil {
			// One bad record must not blank the whole status.
			r.logger.Error("reconcile: excluding record from pass: %v", err)
			continue
		}
		grants = append(grants, g)
	}

	res := entitlements.Resolve(grants)
	next := statusFor(res)
	r.logger.Info("reconcile: resolved tier %d state %q -> %s", res.Tier, res.State, next)
	r.publish(ctx, userID, next)
}

// publish emits the status if it differs from the current value, then
// updates the cold-start flag, the cache, and the audit trail. Cache and
// audit failures are logged, never propagated.
func (r *Reconciler) publish(ctx context.Context, userID string, next status.SubscriptionStatus) {
	prev := r.publisher.Current()
	if !r.publisher.Publish(next) {
		return
	}
	r.logger.Info("reconcile: subscription status changed %s -> %s", prev, next)
	if next.Kind == status.Unknown {
		return
	}
	r.mu.Lock()
	r.published = true
	r.mu.Unlock()
	if r.cache != nil {
		if err := r.cache.Put(ctx, userID, next); err != nil {
			r.logger.Warning("reconcile: status cache write failed: %v", err)
		}
	}
	if r.audit != nil {
		if err := r.audit.LogTransition(ctx, userID, prev, next); err != nil {
			r.logger.Warning("reconcile: audit write failed: %v", err)
		}
	}
}

// statusFor maps a resolution to the canonical subscription status.
func statusFor(res entitlements.Resolution) status.SubscriptionStatus {
	switch res.State {
	case entitlements.StateExpired:
		return status.SubscriptionStatus{Kind: status.Expired}
	case entitlements.StateRevoked:
		return status.SubscriptionStatus{Kind: status.Revoked}
	}
	if res.Tier == entitlements.NotEntitled {
		return status.SubscriptionStatus{Kind: status.Inactive}
	}
	switch res.State {
	case entitlements.StateGracePeriod:
		return status.SubscriptionStatus{Kind: status.InGracePeriod}
	case entitlements.StateBillingRetry:
		return status.SubscriptionStatus{Kind: status.InBillingRetryPeriod}
	case entitlements.StateSubscribed:
		if res.ExpiresAt != nil {
			return status.ActiveUntil(*res.ExpiresAt)
		}
		return status.SubscriptionStatus{Kind: status.Inactive}
	}
	return status.SubscriptionStatus{Kind: status.Inactive}
}
