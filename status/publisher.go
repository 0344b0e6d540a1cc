package status

import "sync"

// Publisher is a single-writer broadcast of the current subscription
// status with replay-last-value semantics: a new subscriber immediately
// receives the most recent value, then every subsequent change.
//
// Publishing an equal value is a no-op, so observers see a sequence of
// distinct values. A slow subscriber is conflated to the latest value
// rather than blocking the writer.
type Publisher struct {
	mu      sync.Mutex
	current SubscriptionStatus
	subs    map[uint64]chan SubscriptionStatus
	nextID  uint64
}

// NewPublisher creates a publisher holding the given initial value.
func NewPublisher(initial SubscriptionStatus) *Publisher {
	return &Publisher{
		current: initial,
		subs:    make(map[uint64]chan SubscriptionStatus),
	}
}

// Current returns the last published value.
func (p *Publisher) Current() SubscriptionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Publish replaces the current value and notifies subscribers. It reports
// whether the value actually changed; equal values are not re-emitted.
func (p *Publisher) Publish(s SubscriptionStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Equal(p.current) {
		return false
	}
	p.current = s
	for _, ch := range p.subs {
		send(ch, s)
	}
	return true
}

// Subscribe registers an observer. The returned channel carries the
// current value first. The cancel func unregisters the observer and
// closes the channel; it is safe to call more than once.
func (p *Publisher) Subscribe() (<-chan SubscriptionStatus, func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	ch := make(chan SubscriptionStatus, 1)
	ch <- p.current
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			close(ch)
			p.mu.Unlock()
		})
	}
	return ch, cancel
}

// send delivers s without blocking: if the subscriber has not drained the
// previous value it is dropped in favor of the latest one.
func send(ch chan SubscriptionStatus, s SubscriptionStatus) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
