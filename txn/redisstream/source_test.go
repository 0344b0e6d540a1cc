package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/open-rails/storekit/txn"
)

func TestDecodeMessage(t *testing.T) {
	id := uuid.New()
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"id":           id.String(),
			"product_id":   "com.example.pro",
			"product_type": "auto_renewable",
			"state":        "subscribed",
			"expires_at":   "2026-10-01T00:00:00Z",
			"envelope":     "signed",
		},
	}
	rec, err := decodeMessage(msg)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if rec.ID != id || rec.ProductID != "com.example.pro" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ProductType != txn.ProductTypeAutoRenewable || rec.State != "subscribed" {
		t.Errorf("type/state = %s/%s", rec.ProductType, rec.State)
	}
	want := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", rec.ExpiresAt, want)
	}
	if rec.RevokedAt != nil {
		t.Errorf("revoked_at = %v, want nil when absent", rec.RevokedAt)
	}
	if rec.Envelope != "signed" {
		t.Errorf("envelope = %q", rec.Envelope)
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]any
	}{
		{"missing id", map[string]any{"product_id": "p"}},
		{"malformed id", map[string]any{"id": "not-a-uuid"}},
		{"bad expiry", map[string]any{"id": uuid.NewString(), "expires_at": "tomorrow"}},
		{"bad revocation", map[string]any{"id": uuid.NewString(), "revoked_at": "12345"}},
	}
	for _, tc := range cases {
		if _, err := decodeMessage(redis.XMessage{ID: "1-0", Values: tc.values}); err == nil {
			t.Errorf("%s: want decode error", tc.name)
		}
	}
}

func TestWireRecordRoundTrip(t *testing.T) {
	id := uuid.New()
	w := wireRecord{
		ID:          id.String(),
		ProductID:   "com.example.pro",
		ProductType: "auto_renewable",
		State:       "revoked",
		RevokedAt:   "2026-08-01T12:00:00Z",
	}
	rec, err := w.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ID != id || rec.RevokedAt == nil || rec.ExpiresAt != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestFinishWithoutPendingEntryIsNoOp(t *testing.T) {
	// Snapshot records never enter the pending map; finishing one must
	// not touch the broker.
	s := New(nil, Config{})
	rec := txn.RawRecord{ID: uuid.New()}
	if err := s.Finish(context.Background(), rec); err != nil {
		t.Errorf("Finish: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	s := New(nil, Config{})
	if s.cfg.Stream != "store:updates" || s.cfg.Group != "storekit" {
		t.Errorf("stream/group = %s/%s", s.cfg.Stream, s.cfg.Group)
	}
	if s.cfg.SnapshotPrefix != "store:entitlements:" {
		t.Errorf("snapshot prefix = %s", s.cfg.SnapshotPrefix)
	}
	if s.cfg.Consumer == "" {
		t.Error("consumer name must default non-empty")
	}
	// A restarted process must reclaim its own pending entries, so the
	// default consumer name has to be stable.
	if other := New(nil, Config{}); other.cfg.Consumer != s.cfg.Consumer {
		t.Errorf("consumer default not stable: %q vs %q", s.cfg.Consumer, other.cfg.Consumer)
	}
}
