package status

import (
	"testing"
	"time"
)

func TestSubscribeReplaysLastValue(t *testing.T) {
	p := NewPublisher(SubscriptionStatus{Kind: Inactive})
	ch, cancel := p.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		if got.Kind != Inactive {
			t.Errorf("replayed %s, want inactive", got)
		}
	default:
		t.Fatal("no replayed value on subscribe")
	}
}

func TestPublishOnChangeOnly(t *testing.T) {
	p := NewPublisher(SubscriptionStatus{Kind: Inactive})
	ch, cancel := p.Subscribe()
	defer cancel()
	<-ch // drain replay

	exp := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	if !p.Publish(ActiveUntil(exp)) {
		t.Fatal("first publish should report a change")
	}
	if p.Publish(ActiveUntil(exp)) {
		t.Error("equal publish should not report a change")
	}

	got := <-ch
	if got.Kind != Active {
		t.Fatalf("got %s, want active", got)
	}
	select {
	case again := <-ch:
		t.Errorf("unexpected second emission %s for equal value", again)
	default:
	}
}

func TestSlowSubscriberConflatesToLatest(t *testing.T) {
	p := NewPublisher(SubscriptionStatus{Kind: Inactive})
	ch, cancel := p.Subscribe()
	defer cancel()
	// Replay not drained: the subscriber is slow from the start.

	p.Publish(SubscriptionStatus{Kind: Expired})
	p.Publish(SubscriptionStatus{Kind: Revoked})

	got := <-ch
	if got.Kind != Revoked {
		t.Errorf("got %s, want latest value revoked", got)
	}
	select {
	case stale := <-ch:
		t.Errorf("stale value %s should have been conflated away", stale)
	default:
	}
}

func TestCurrentTracksPublishes(t *testing.T) {
	p := NewPublisher(SubscriptionStatus{Kind: Inactive})
	p.Publish(SubscriptionStatus{Kind: InGracePeriod})
	if got := p.Current(); got.Kind != InGracePeriod {
		t.Errorf("current = %s, want in_grace_period", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	p := NewPublisher(SubscriptionStatus{Kind: Inactive})
	ch, cancel := p.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		// Replay value may still be buffered; drain once more.
		if _, open := <-ch; open {
			t.Error("channel still open after cancel")
		}
	}
	// A publish after cancel must not panic or block.
	p.Publish(SubscriptionStatus{Kind: Expired})
}

func TestStatusEqual(t *testing.T) {
	a := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)
	cases := []struct {
		name string
		x, y SubscriptionStatus
		want bool
	}{
		{"same kind no expiry", SubscriptionStatus{Kind: Expired}, SubscriptionStatus{Kind: Expired}, true},
		{"different kind", SubscriptionStatus{Kind: Expired}, SubscriptionStatus{Kind: Revoked}, false},
		{"same expiry", ActiveUntil(a), ActiveUntil(a), true},
		{"different expiry", ActiveUntil(a), ActiveUntil(b), false},
		{"expiry vs none", ActiveUntil(a), SubscriptionStatus{Kind: Active}, false},
	}
	for _, tc := range cases {
		if got := tc.x.Equal(tc.y); got != tc.want {
			t.Errorf("%s: Equal = %v, want %v", tc.name, got, tc.want)
		}
	}
}
