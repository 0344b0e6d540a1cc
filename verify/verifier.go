// Package verify implements the transaction trust boundary: a raw record's
// signed envelope is parsed and validated against the backend's key set,
// and only the verified claims feed entitlement resolution.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/open-rails/storekit/entitlements"
	"github.com/open-rails/storekit/logging"
	"github.com/open-rails/storekit/txn"
)

// Envelope claim names.
const (
	ClaimProductID = "product_id"
	ClaimState     = "state"
	ClaimExpiresAt = "expires_at"
	ClaimRevokedAt = "revoked_at"
)

// VerificationError reports an untrusted record. It is permanent for that
// record instance; a later independent update for the same product may
// still verify.
type VerificationError struct {
	RecordID string
	Reason   string
	cause    error
}

func (e *VerificationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("verify: record %s: %s: %v", e.RecordID, e.Reason, e.cause)
	}
	return fmt.Sprintf("verify: record %s: %s", e.RecordID, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.cause }

// TierResolver maps a product id to its configured service tier.
type TierResolver interface {
	TierFor(productID string) (entitlements.Tier, bool)
}

// Verifier validates transaction envelopes against a trusted key set.
type Verifier struct {
	keys     jwk.Set
	tiers    TierResolver
	issuer   string
	audience string
	logger   logging.Logger
}

// Opt configures a Verifier.
type Opt func(*Verifier)

// WithIssuer requires envelopes to carry the given issuer.
func WithIssuer(iss string) Opt {
	return func(v *Verifier) { v.issuer = iss }
}

// WithAudience requires envelopes to carry the given audience.
func WithAudience(aud string) Opt {
	return func(v *Verifier) { v.audience = aud }
}

// WithLogger sets the verifier's log sink.
func WithLogger(l logging.Logger) Opt {
	return func(v *Verifier) { v.logger = l }
}

// New builds a verifier over the backend's key set and tier mapping.
func New(keys jwk.Set, tiers TierResolver, opts ...Opt) *Verifier {
	v := &Verifier{keys: keys, tiers: tiers, logger: logging.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates one raw record, returning the trusted grant derived
// from its envelope claims. An unsigned, corrupt, or untrusted record
// yields a *VerificationError and is dropped from consideration; there is
// no retry.
func (v *Verifier) Verify(ctx context.Context, rec txn.RawRecord) (entitlements.Grant, error) {
	if rec.Envelope == "" {
		return entitlements.Grant{}, &VerificationError{RecordID: rec.ID.String(), Reason: "unsigned record"}
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
		jwt.WithContext(ctx),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseString(rec.Envelope, parseOpts...)
	if err != nil {
		return entitlements.Grant{}, &VerificationError{RecordID: rec.ID.String(), Reason: "untrusted envelope", cause: err}
	}

	productID, _ := stringClaim(token, ClaimProductID)
	if productID == "" {
		return entitlements.Grant{}, &VerificationError{RecordID: rec.ID.String(), Reason: "envelope missing product claim"}
	}
	if rec.ProductID != "" && rec.ProductID != productID {
		// The unsigned header disagrees with the signed payload; never
		// trust the header side.
		return entitlements.Grant{}, &VerificationError{
			RecordID: rec.ID.String(),
			Reason:   fmt.Sprintf("product mismatch: record says %q, envelope says %q", rec.ProductID, productID),
		}
	}

	state := entitlements.StateSubscribed
	if raw, ok := stringClaim(token, ClaimState); ok && raw != "" {
		state = entitlements.GrantState(raw)
	}
	expiresAt, err := timeClaim(token, ClaimExpiresAt)
	if err != nil {
		return entitlements.Grant{}, &VerificationError{RecordID: rec.ID.String(), Reason: "malformed expiry claim", cause: err}
	}
	revokedAt, err := timeClaim(token, ClaimRevokedAt)
	if err != nil {
		return entitlements.Grant{}, &VerificationError{RecordID: rec.ID.String(), Reason: "malformed revocation claim", cause: err}
	}
	if revokedAt != nil {
		// A set revocation timestamp overrides the nominal state.
		state = entitlements.StateRevoked
	}

	tier, ok := v.tiers.TierFor(productID)
	if !ok {
		v.logger.Warning("verify: product %q is not in the catalog, treating as not entitled", productID)
		tier = entitlements.NotEntitled
	}

	return entitlements.Grant{
		ProductID: productID,
		Tier:      tier,
		State:     state,
		ExpiresAt: expiresAt,
	}, nil
}

func stringClaim(token jwt.Token, name string) (string, bool) {
	raw, ok := token.Get(name)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func timeClaim(token jwt.Token, name string) (*time.Time, error) {
	raw, ok := token.Get(name)
	if !ok {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("claim %s is not a string", name)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
