package txn

import "context"

// Source is the transaction source collaborator: an unbounded live stream
// of raw records plus an explicit snapshot of the user's current
// entitlements.
type Source interface {
	// Updates returns the live update stream. The channel is unbounded in
	// duration, closes when ctx is cancelled, and is restartable only by
	// calling Updates again after a reconnect.
	Updates(ctx context.Context) <-chan RawRecord

	// CurrentEntitlements fetches the snapshot of records the user
	// currently holds.
	CurrentEntitlements(ctx context.Context) ([]RawRecord, error)

	// Finish acknowledges a delivered record after it has been durably
	// processed. The backend redelivers records that are never finished,
	// so Finish must be called exactly once per delivered record.
	Finish(ctx context.Context, rec RawRecord) error

	// SetUserID rebinds the backend identity the source reads for.
	SetUserID(ctx context.Context, userID string) error
}
