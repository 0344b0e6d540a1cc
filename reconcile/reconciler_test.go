package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/storekit/entitlements"
	"github.com/open-rails/storekit/status"
	"github.com/open-rails/storekit/txn"
)

// fakeSource is a scriptable txn.Source.
type fakeSource struct {
	mu       sync.Mutex
	recs     []txn.RawRecord
	fetchErr error
	fetches  int
	finished map[uuid.UUID]int
	userID   string
	gate     chan struct{} // when set, CurrentEntitlements blocks on it
	updates  chan txn.RawRecord
}

func newFakeSource() *fakeSource {
	return &fakeSource{finished: make(map[uuid.UUID]int), updates: make(chan txn.RawRecord)}
}

func (s *fakeSource) Updates(ctx context.Context) <-chan txn.RawRecord {
	ch := make(chan txn.RawRecord)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-s.updates:
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (s *fakeSource) CurrentEntitlements(ctx context.Context) ([]txn.RawRecord, error) {
	s.mu.Lock()
	s.fetches++
	gate := s.gate
	err := s.fetchErr
	recs := append([]txn.RawRecord(nil), s.recs...)
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *fakeSource) Finish(ctx context.Context, rec txn.RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[rec.ID]++
	return nil
}

func (s *fakeSource) SetUserID(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	return nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// verifyFunc adapts a func to the Verifier interface.
type verifyFunc func(ctx context.Context, rec txn.RawRecord) (entitlements.Grant, error)

func (f verifyFunc) Verify(ctx context.Context, rec txn.RawRecord) (entitlements.Grant, error) {
	return f(ctx, rec)
}

// passVerifier trusts every record and derives the grant from its fields,
// mapping product ids "pro"/"premium"/"standard" to tiers 1/2/3.
var passVerifier = verifyFunc(func(_ context.Context, rec txn.RawRecord) (entitlements.Grant, error) {
	if rec.Envelope == "bad" {
		return entitlements.Grant{}, errors.New("verify: untrusted envelope")
	}
	tier := entitlements.NotEntitled
	switch rec.ProductID {
	case "pro":
		tier = 1
	case "premium":
		tier = 2
	case "standard":
		tier = 3
	}
	state := entitlements.GrantState(rec.State)
	if rec.RevokedAt != nil {
		state = entitlements.StateRevoked
	}
	return entitlements.Grant{ProductID: rec.ProductID, Tier: tier, State: state, ExpiresAt: rec.ExpiresAt}, nil
})

func subscribed(product string, exp *time.Time) txn.RawRecord {
	return txn.RawRecord{
		ID:          uuid.New(),
		ProductID:   product,
		ProductType: txn.ProductTypeAutoRenewable,
		State:       string(entitlements.StateSubscribed),
		ExpiresAt:   exp,
		Envelope:    "ok",
	}
}

func newReconciler(t *testing.T, src *fakeSource) (*Reconciler, *status.Publisher) {
	t.Helper()
	pub := status.NewPublisher(status.SubscriptionStatus{Kind: status.Inactive})
	r, err := New(Config{
		Source:       src,
		Verifier:     passVerifier,
		Publisher:    pub,
		PollInterval: time.Hour, // keep the poll out of short tests
		UserID:       "user-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, pub
}

func start(t *testing.T, r *Reconciler) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		r.Close()
	})
	return ctx
}

func TestPublishesActiveForVerifiedGrant(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	src := newFakeSource()
	src.recs = []txn.RawRecord{subscribed("pro", &exp)}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got := pub.Current()
	if got.Kind != status.Active {
		t.Fatalf("status = %s, want active", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got.ExpiresAt, exp)
	}
}

func TestOneBadRecordDoesNotBlankTheStatus(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	bad := subscribed("pro", &exp)
	bad.Envelope = "bad"
	src := newFakeSource()
	src.recs = []txn.RawRecord{bad, subscribed("standard", &exp)}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Active {
		t.Errorf("status = %s, want active from the remaining valid record", got)
	}
}

func TestRevokedOnlyGrantPublishesRevoked(t *testing.T) {
	revokedAt := time.Now().Add(-time.Hour)
	rec := subscribed("pro", nil)
	rec.RevokedAt = &revokedAt
	src := newFakeSource()
	src.recs = []txn.RawRecord{rec}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Revoked {
		t.Errorf("status = %s, want revoked", got)
	}
}

func TestNonSubscriptionRecordsAreIgnored(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour)
	rec := subscribed("pro", &exp)
	rec.ProductType = txn.ProductTypeConsumable
	src := newFakeSource()
	src.recs = []txn.RawRecord{rec}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Inactive {
		t.Errorf("status = %s, want inactive", got)
	}
}

func TestTransientFetchFailurePreservesLastGoodValue(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	src := newFakeSource()
	src.recs = []txn.RawRecord{subscribed("pro", &exp)}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if pub.Current().Kind != status.Active {
		t.Fatalf("precondition: status should be active")
	}

	src.mu.Lock()
	src.fetchErr = errors.New("backend unreachable")
	src.mu.Unlock()

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Active {
		t.Errorf("status = %s, want last good value active", got)
	}
}

func TestColdStartFetchFailurePublishesUnknown(t *testing.T) {
	src := newFakeSource()
	src.fetchErr = errors.New("backend unreachable")

	r, pub := newReconciler(t, src)
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Unknown {
		t.Errorf("status = %s, want unknown on cold start", got)
	}
}

func TestTriggersDuringPassCoalesceIntoOneFollowUp(t *testing.T) {
	src := newFakeSource()
	gate := make(chan struct{})
	src.gate = gate

	r, _ := newReconciler(t, src)
	start(t, r)

	// Wait for the initial pass to block inside the fetch.
	deadline := time.Now().Add(2 * time.Second)
	for src.fetchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Burst of triggers while the pass is in flight: a live update, a
	// purchase completion, a poll tick all at once.
	r.Trigger()
	r.Trigger()
	r.Trigger()
	close(gate)

	// Wait until the pass worker goes quiet, then count.
	last := src.fetchCount()
	stableSince := time.Now()
	for time.Now().Before(deadline) {
		if n := src.fetchCount(); n != last {
			last = n
			stableSince = time.Now()
		}
		if time.Since(stableSince) > 100*time.Millisecond {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if last != 2 {
		t.Errorf("fetches = %d, want exactly 2 (initial + one coalesced follow-up)", last)
	}
}

func TestLiveUpdateTriggersPassAndFinishesRecord(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour)
	src := newFakeSource()
	r, _ := newReconciler(t, src)
	ctx := start(t, r)
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	before := src.fetchCount()

	rec := subscribed("pro", &exp)
	src.updates <- rec

	deadline := time.Now().Add(2 * time.Second)
	for {
		src.mu.Lock()
		finished := src.finished[rec.ID]
		src.mu.Unlock()
		if finished == 1 && src.fetchCount() > before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update not processed: finished=%d fetches=%d", finished, src.fetchCount())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLiveUpdateFinishedOnlyAfterPassIncorporatesIt(t *testing.T) {
	src := newFakeSource()
	gate := make(chan struct{})
	src.gate = gate

	r, _ := newReconciler(t, src)
	start(t, r)

	// Initial pass blocks inside the fetch; the update arrives mid-pass.
	deadline := time.Now().Add(2 * time.Second)
	for src.fetchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial pass never started")
		}
		time.Sleep(time.Millisecond)
	}
	rec := subscribed("pro", nil)
	src.updates <- rec

	// No pass has completed since delivery, so the record must still be
	// pending on the backend.
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	finished := src.finished[rec.ID]
	src.mu.Unlock()
	if finished != 0 {
		t.Fatalf("record finished %d times before any pass completed", finished)
	}

	close(gate)
	for {
		src.mu.Lock()
		finished = src.finished[rec.ID]
		src.mu.Unlock()
		if finished == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record never finished after pass completion")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestUnverifiedLiveUpdateIsNotFinished(t *testing.T) {
	src := newFakeSource()
	r, _ := newReconciler(t, src)
	ctx := start(t, r)
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	rec := subscribed("pro", nil)
	rec.Envelope = "bad"
	src.updates <- rec

	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	finished := src.finished[rec.ID]
	src.mu.Unlock()
	if finished != 0 {
		t.Errorf("unverified record finished %d times, want 0 (backend must redeliver)", finished)
	}
}

func TestSetUserIDRebindsAndResetsColdStart(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour)
	src := newFakeSource()
	src.recs = []txn.RawRecord{subscribed("pro", &exp)}

	r, pub := newReconciler(t, src)
	ctx := start(t, r)
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if pub.Current().Kind != status.Active {
		t.Fatal("precondition: active")
	}

	// New identity, unreachable backend: there is no prior good value
	// for this user, so the cold-start rule applies again.
	src.mu.Lock()
	src.fetchErr = errors.New("backend unreachable")
	src.mu.Unlock()
	if err := r.SetUserID(ctx, "user-2"); err != nil {
		t.Fatalf("SetUserID: %v", err)
	}
	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := pub.Current(); got.Kind != status.Unknown {
		t.Errorf("status = %s, want unknown after identity rebind", got)
	}
	src.mu.Lock()
	bound := src.userID
	src.mu.Unlock()
	if bound != "user-2" {
		t.Errorf("source bound to %q, want user-2", bound)
	}
}

// fakeCache is a map-backed StatusCache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]status.SubscriptionStatus
}

func (c *fakeCache) Get(_ context.Context, userID string) (status.SubscriptionStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[userID]
	return s, ok, nil
}

func (c *fakeCache) Put(_ context.Context, userID string, s status.SubscriptionStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[userID] = s
	return nil
}

func TestCachedStatusSeedsColdStart(t *testing.T) {
	exp := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	cache := &fakeCache{data: map[string]status.SubscriptionStatus{
		"user-1": status.ActiveUntil(exp),
	}}
	src := newFakeSource()
	src.fetchErr = errors.New("backend unreachable")

	pub := status.NewPublisher(status.SubscriptionStatus{Kind: status.Inactive})
	r, err := New(Config{
		Source:       src,
		Verifier:     passVerifier,
		Publisher:    pub,
		PollInterval: time.Hour,
		Cache:        cache,
		UserID:       "user-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := start(t, r)

	if err := r.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	// The seeded value counts as last-known-good, so the unreachable
	// backend does not degrade it to unknown.
	if got := pub.Current(); got.Kind != status.Active {
		t.Errorf("status = %s, want cached active", got)
	}
}

func TestSyncHonorsContextCancellation(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{}) // block passes forever

	r, _ := newReconciler(t, src)
	start(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Sync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sync err = %v, want deadline exceeded", err)
	}
	close(src.gate)
}

func TestCloseBeforeStartIsNoOp(t *testing.T) {
	r, _ := newReconciler(t, newFakeSource())
	r.Close()
}

func TestCloseRacingStartShutsDown(t *testing.T) {
	// Whichever order the race resolves in, the second Close must fully
	// tear the reconciler down without hanging on a half-initialized one.
	for i := 0; i < 20; i++ {
		r, _ := newReconciler(t, newFakeSource())
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			r.Close()
		}()
		wg.Wait()
		r.Close()
		cancel()
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	pub := status.NewPublisher(status.SubscriptionStatus{})
	if _, err := New(Config{Verifier: passVerifier, Publisher: pub}); err == nil {
		t.Error("missing source should fail")
	}
	if _, err := New(Config{Source: newFakeSource(), Publisher: pub}); err == nil {
		t.Error("missing verifier should fail")
	}
	if _, err := New(Config{Source: newFakeSource(), Verifier: passVerifier}); err == nil {
		t.Error("missing publisher should fail")
	}
}
