// Package testing provides a fake purchase backend for testing
// applications that use storekit. The backend signs transaction envelopes
// with a generated RSA key and exposes the matching key set, so the real
// verifier exercises the full trust boundary without a live store.
//
// Example usage:
//
//	backend := storetesting.NewBackend()
//	v := verify.New(backend.KeySet(), cat)
//	backend.SetEntitlements("user-1", backend.GrantRecord("com.example.pro", entitlements.StateSubscribed, &expiry, nil))
package testing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/open-rails/storekit/entitlements"
	"github.com/open-rails/storekit/purchase"
	"github.com/open-rails/storekit/txn"
)

// Backend is an in-process fake implementing both txn.Source and
// purchase.Backend.
type Backend struct {
	key    *rsa.PrivateKey
	kid    string
	keySet jwk.Set

	mu           sync.Mutex
	userID       string
	entitlements map[string][]txn.RawRecord
	finished     map[uuid.UUID]int
	fetchErr     error
	restoreErr   error
	eligible     map[string]bool
	eligibleErr  error
	purchases    map[string]txn.PurchaseResult
	purchaseErr  map[string]error
	scenes       []purchase.Scene

	updates chan txn.RawRecord
}

// NewBackend generates a signing key and an empty backend. It panics only
// if the system's randomness source is broken.
func NewBackend() *Backend {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	kid := uuid.NewString()

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	_ = pub.Set(jwk.KeyIDKey, kid)
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)
	set := jwk.NewSet()
	_ = set.AddKey(pub)

	return &Backend{
		key:          key,
		kid:          kid,
		keySet:       set,
		entitlements: make(map[string][]txn.RawRecord),
		finished:     make(map[uuid.UUID]int),
		eligible:     make(map[string]bool),
		purchases:    make(map[string]txn.PurchaseResult),
		purchaseErr:  make(map[string]error),
		updates:      make(chan txn.RawRecord),
	}
}

// KeySet returns the public key set envelopes verify against.
func (b *Backend) KeySet() jwk.Set { return b.keySet }

// SignEnvelope signs arbitrary claims into a compact JWS the verifier
// will trust.
func (b *Backend) SignEnvelope(claims map[string]any) string {
	mapped := jwtv5.MapClaims{"iat": time.Now().Unix()}
	for k, v := range claims {
		mapped[k] = v
	}
	token := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, mapped)
	token.Header["kid"] = b.kid
	signed, err := token.SignedString(b.key)
	if err != nil {
		panic(err)
	}
	return signed
}

// GrantRecord builds a signed auto-renewable record for the product in
// the given state.
func (b *Backend) GrantRecord(productID string, state entitlements.GrantState, expiresAt, revokedAt *time.Time) txn.RawRecord {
	claims := map[string]any{
		"product_id": productID,
		"state":      string(state),
	}
	if expiresAt != nil {
		claims["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	if revokedAt != nil {
		claims["revoked_at"] = revokedAt.UTC().Format(time.RFC3339)
	}
	return txn.RawRecord{
		ID:          uuid.New(),
		ProductID:   productID,
		ProductType: txn.ProductTypeAutoRenewable,
		State:       string(state),
		ExpiresAt:   expiresAt,
		RevokedAt:   revokedAt,
		Envelope:    b.SignEnvelope(claims),
	}
}

// Tampered returns a copy of rec whose envelope no longer verifies.
func (b *Backend) Tampered(rec txn.RawRecord) txn.RawRecord {
	rec.Envelope = rec.Envelope + "x"
	return rec
}

// Unsigned returns a copy of rec with the unverified marker.
func (b *Backend) Unsigned(rec txn.RawRecord) txn.RawRecord {
	rec.Envelope = ""
	return rec
}

// SetEntitlements replaces the entitlement snapshot for a user.
func (b *Backend) SetEntitlements(userID string, recs ...txn.RawRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entitlements[userID] = append([]txn.RawRecord(nil), recs...)
}

// PushUpdate delivers a record on the live update stream, blocking until
// the listener receives it.
func (b *Backend) PushUpdate(rec txn.RawRecord) {
	b.updates <- rec
}

// FailFetch makes CurrentEntitlements fail until called again with nil.
func (b *Backend) FailFetch(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

// FailRestore makes Sync fail until called again with nil.
func (b *Backend) FailRestore(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restoreErr = err
}

// SetEligibility scripts the intro-offer eligibility for a product.
func (b *Backend) SetEligibility(productID string, eligible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eligible[productID] = eligible
}

// FailEligibility makes every eligibility probe indeterminate.
func (b *Backend) FailEligibility(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eligibleErr = err
}

// ScriptPurchase scripts the backend's reply for a product purchase.
func (b *Backend) ScriptPurchase(productID string, res txn.PurchaseResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purchases[productID] = res
}

// FailPurchase scripts a backend rejection for a product purchase.
func (b *Backend) FailPurchase(productID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purchaseErr[productID] = err
}

// FinishCount reports how many times a record was finished.
func (b *Backend) FinishCount(id uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished[id]
}

// ShownScenes returns the scenes manage-subscriptions was presented in.
func (b *Backend) ShownScenes() []purchase.Scene {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]purchase.Scene(nil), b.scenes...)
}

// UserID returns the identity the source is currently bound to.
func (b *Backend) UserID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userID
}

// Updates implements txn.Source.
func (b *Backend) Updates(ctx context.Context) <-chan txn.RawRecord {
	ch := make(chan txn.RawRecord)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-b.updates:
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

// CurrentEntitlements implements txn.Source.
func (b *Backend) CurrentEntitlements(ctx context.Context) ([]txn.RawRecord, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return append([]txn.RawRecord(nil), b.entitlements[b.userID]...), nil
}

// Finish implements txn.Source.
func (b *Backend) Finish(ctx context.Context, rec txn.RawRecord) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished[rec.ID]++
	return nil
}

// SetUserID implements txn.Source.
func (b *Backend) SetUserID(ctx context.Context, userID string) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userID = userID
	return nil
}

// Purchase implements purchase.Backend. Unscripted purchases complete
// with a signed 30-day subscription that joins the user's entitlements.
func (b *Backend) Purchase(ctx context.Context, productID string) (txn.PurchaseResult, error) {
	_ = ctx
	b.mu.Lock()
	if err := b.purchaseErr[productID]; err != nil {
		b.mu.Unlock()
		return txn.PurchaseResult{}, err
	}
	res, scripted := b.purchases[productID]
	userID := b.userID
	b.mu.Unlock()

	if !scripted {
		expiry := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
		rec := b.GrantRecord(productID, entitlements.StateSubscribed, &expiry, nil)
		res = txn.PurchaseResult{State: txn.PurchaseCompleted, Record: &rec}
	}
	if res.State == txn.PurchaseCompleted && res.Record != nil {
		b.mu.Lock()
		b.entitlements[userID] = append(b.entitlements[userID], *res.Record)
		b.mu.Unlock()
	}
	return res, nil
}

// Sync implements purchase.Backend.
func (b *Backend) Sync(ctx context.Context) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restoreErr
}

// IsEligibleForIntroOffer implements purchase.Backend.
func (b *Backend) IsEligibleForIntroOffer(ctx context.Context, productID string) (bool, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eligibleErr != nil {
		return false, b.eligibleErr
	}
	return b.eligible[productID], nil
}

// ShowManageSubscriptions implements purchase.Backend.
func (b *Backend) ShowManageSubscriptions(ctx context.Context, scene purchase.Scene) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scenes = append(b.scenes, scene)
	return nil
}
