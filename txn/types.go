// Package txn defines the raw transaction records the purchase backend
// emits and the source contract the reconciler consumes them through.
package txn

import (
	"time"

	"github.com/google/uuid"
)

// ProductType classifies a backend product.
type ProductType string

const (
	ProductTypeAutoRenewable ProductType = "auto_renewable"
	ProductTypeNonConsumable ProductType = "non_consumable"
	ProductTypeConsumable    ProductType = "consumable"
)

// RawRecord is an opaque, backend-issued transaction/status record.
// It is immutable once received. The fields outside the envelope are
// advisory only: nothing downstream trusts them until the envelope has
// been verified, and the verified claims are what a grant is built from.
type RawRecord struct {
	ID          uuid.UUID
	ProductID   string
	ProductType ProductType
	State       string
	ExpiresAt   *time.Time
	RevokedAt   *time.Time

	// Envelope is the signed payload (compact JWS) vouching for this
	// record. Empty means the backend could not vouch for it; such a
	// record always fails verification.
	Envelope string
}

// PurchaseState is the backend's outcome for a purchase attempt.
type PurchaseState int

const (
	PurchaseCompleted PurchaseState = iota
	PurchaseCancelled
	PurchasePending
)

// PurchaseResult is the backend's reply to a purchase round-trip.
// Record is set only when State is PurchaseCompleted.
type PurchaseResult struct {
	State  PurchaseState
	Record *RawRecord
}
